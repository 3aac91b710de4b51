package kernel

import "fmt"

type actorOP struct {
	op interface{}
}

type Terminate struct {
	Reason string
}

const (
	ExitReasonNormal = "normal"
	ExitReasonError  = "error"
)

type callErrorType int

const (
	CallErrorTypeTimeOut callErrorType = 1 << iota
	CallErrorTypeNoProc
)

type CallError struct {
	ErrType callErrorType
}

func (e *CallError) Error() string {
	switch e.ErrType {
	case CallErrorTypeTimeOut:
		return "kernel: call timeout"
	case CallErrorTypeNoProc:
		return "kernel: no proc"
	}
	return fmt.Sprintf("kernel: call error %d", e.ErrType)
}

type CallInfo struct {
	RecCh   chan interface{}
	Request interface{}
}

type Empty struct{}

type InitFunc func(ctx *Context, pid *Pid, args ...interface{}) interface{}
type HandleCastFunc func(ctx *Context, msg interface{})
type HandleCallFunc func(ctx *Context, request interface{}) interface{}
type TerminateFunc func(ctx *Context, reason *Terminate)
type ErrorHandleFunc func(ctx *Context, err interface{}) bool

type Actor struct {
	// 初始化回调
	Init InitFunc
	// 接收消息
	HandleCast HandleCastFunc
	// 接受同步调用
	HandleCall HandleCallFunc
	// actor退出回调
	Terminate TerminateFunc
	// 当发生catch错误时调用，如果返回false，那么进程将会退出
	ErrorHandler ErrorHandleFunc
}

func DefaultActor() *Actor {
	return &Actor{
		Init: func(ctx *Context, pid *Pid, args ...interface{}) interface{} {
			return nil
		},
		HandleCast: func(ctx *Context, msg interface{}) {
		},
		HandleCall: func(ctx *Context, request interface{}) interface{} {
			return nil
		},
		Terminate: func(ctx *Context, reason *Terminate) {
		},
		ErrorHandler: func(ctx *Context, err interface{}) bool {
			return true
		},
	}
}
