package kernel

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = 1
	LogLevelError LogLevel = 2
)

var logLevel LogLevel = LogLevelError

type logData struct {
	module string
	line   int
	format string
	args   []interface{}
}

type logger struct {
	mux    sync.Mutex
	writer io.Writer
	file   *os.File
	path   string
	// 当前文件对应的整点，超过之后重新创建文件
	hourEnd int64
}

var std = &logger{}

func SetLogLevel(level LogLevel) {
	logLevel = level
}

func GetLogLevel() LogLevel {
	return logLevel
}

// Touch 把日志重定向到writer，并且关闭文件日志
func Touch(writer io.Writer) {
	std.mux.Lock()
	Env.LogPath = ""
	std.writer = writer
	std.closeFile()
	std.mux.Unlock()
}

func DebugLog(format string, args ...interface{}) {
	if logLevel < LogLevelError {
		_, file, line, ok := runtime.Caller(1)
		if !ok {
			file = "???"
			line = 0
		} else {
			file = filepath.Base(file)
		}
		sendLog(file, line, format, args...)
	}
}

func ErrorLog(format string, args ...interface{}) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file = "???"
		line = 0
	} else {
		file = filepath.Base(file)
	}
	sendLog(file, line, format, args...)
}

func sendLog(module string, line int, format string, args ...interface{}) {
	msg := &logData{module: module, line: line, format: format, args: args}
	std.mux.Lock()
	defer std.mux.Unlock()
	if f := std.logFile(); f != nil {
		writeLog(f, msg)
	} else if std.writer != nil {
		writeLog(std.writer, msg)
	}
	if Env.WriteLogStd {
		writeLog(os.Stdout, msg)
	}
}

func (l *logger) logFile() *os.File {
	if Env.LogPath == "" {
		return nil
	}
	now := time.Now()
	if l.file != nil && l.path == Env.LogPath && now.UnixMilli() < l.hourEnd {
		return l.file
	}
	l.closeFile()
	l.file = makeLogFile(now)
	l.path = Env.LogPath
	// 计算下一个整点
	_, min, sec := now.Clock()
	less := hourMillisecond - (int64(min)*minMillisecond + int64(sec)*Millisecond)
	l.hourEnd = now.UnixMilli() + less
	return l.file
}

func (l *logger) closeFile() {
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
}

func writeLog(w io.Writer, data *logData) {
	t := time.Now()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	format := fmt.Sprintf("\n%d-%d-%d %d:%02d:%02d [%s:%d] %s\n",
		year, month, day, hour, min, sec, data.module, data.line, data.format)
	_, _ = fmt.Fprintf(w, format, data.args...)
}

func makeLogFile(t time.Time) *os.File {
	year, month, day := t.Date()
	hour, _, _ := t.Clock()
	path := Env.LogPath + fmt.Sprintf("/%d_%d_%d", year, month, day)
	file := path + fmt.Sprintf("/nbhttpc_%d_%d_%d___%02d.log", year, month, day, hour)
	if _, err := os.Stat(path); err != nil {
		_ = os.MkdirAll(path, 0755)
	}
	ioFile, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "cannot open log file:%s\n", err.Error())
		return nil
	}
	return ioFile
}
