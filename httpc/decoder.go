// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package httpc

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/liangmanlin/nbhttpc/bpool"
	"golang.org/x/net/http/httpguts"
)

const (
	transferEncodingHeader = "Transfer-Encoding"
	trailerHeader          = "Trailer"
	contentLengthHeader    = "Content-Length"

	DefaultMaxHeaderSize = 64 * 1024
	// chunk size行和chunk数据之后的CRLF行
	maxChunkLine         = 4 * 1024

	maxUint = ^uint(0)
	maxInt  = int64(int(maxUint >> 1))
)

var (
	ErrInvalidStatusLine    = errors.New("invalid status line")
	ErrInvalidHeader        = errors.New("invalid header")
	ErrInvalidChunk         = errors.New("invalid chunk")
	ErrInvalidContentLength = errors.New("invalid content length")
	ErrHeaderTooLarge       = errors.New("response head too large")
	ErrUnexpectedUpgrade    = errors.New("unexpected protocol upgrade")
	ErrDecoderClosed        = errors.New("decoder closed")
)

// DecodeError 所有协议错误都包在这里面
type DecodeError struct {
	State string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("httpc: decode %s: %v", e.State, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type decodeState int8

const (
	stateStatusLine decodeState = iota
	stateHeader
	stateBodyLength
	stateBodyClose
	stateChunkSize
	stateChunkData
	stateChunkDataCRLF
	stateTrailer
	stateDone
	stateClose
)

var stateNames = [...]string{"status line", "header", "body", "body", "chunk size", "chunk data", "chunk data", "trailer", "done", "closed"}

func (s decodeState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Decoder 增量解析一个http响应，未解析的字节留在cache里面
// 暂停的时候新数据也只是追加到cache，恢复后继续解析
type Decoder struct {
	cache *bpool.Buff

	state  decodeState
	method string

	maxHeader int
	headSize  int

	resp      *Response
	headerKey string

	remain           int64
	chunked          bool
	closeDelimited   bool
	keepAlive        bool
	keepAliveTimeout time.Duration

	paused  bool
	eof     bool
	surplus int

	onHead func(resp *Response) error
	onBody func(data []byte) error
}

// NewDecoder method是请求的方法，HEAD的响应没有body
func NewDecoder(method string, maxHeader int, onHead func(*Response) error, onBody func([]byte) error) *Decoder {
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeaderSize
	}
	return &Decoder{
		state:     stateStatusLine,
		method:    method,
		maxHeader: maxHeader,
		onHead:    onHead,
		onBody:    onBody,
	}
}

// Feed 解析新到达的数据，data可以在返回后被复用
func (d *Decoder) Feed(data []byte) error {
	if d.state == stateClose {
		return ErrDecoderClosed
	}
	if len(data) == 0 {
		return nil
	}
	if d.paused || d.cache != nil {
		if d.cache == nil {
			d.cache = bpool.NewBuf(data)
		} else {
			d.cache = d.cache.Append(data...)
		}
		return d.drain()
	}
	n, err := d.consume(data)
	if n < len(data) {
		d.cache = bpool.NewBuf(data[n:])
	}
	return err
}

func (d *Decoder) Pause() {
	d.paused = true
}

// Resume 继续解析cache里面的数据
func (d *Decoder) Resume() error {
	if !d.paused {
		return nil
	}
	d.paused = false
	return d.drain()
}

func (d *Decoder) Paused() bool {
	return d.paused
}

// Buffered 已经收到但是还没有解析的字节数
func (d *Decoder) Buffered() int {
	if d.cache == nil {
		return 0
	}
	return d.cache.Size()
}

// CloseInput 对端关闭了连接，只有close-delimited的body在这里正常结束
func (d *Decoder) CloseInput() error {
	d.eof = true
	switch d.state {
	case stateDone:
		return nil
	case stateBodyClose:
		d.state = stateDone
		return nil
	case stateStatusLine:
		if d.resp == nil && d.headSize == 0 && d.Buffered() == 0 {
			return ErrConnectionClosed
		}
	}
	return fmt.Errorf("%w: truncated in %s", ErrConnectionClosed, d.state)
}

func (d *Decoder) Done() bool {
	return d.state == stateDone
}

// HeadReceived 最终响应的头部已经解析完成
func (d *Decoder) HeadReceived() bool {
	return d.state > stateHeader && d.state != stateClose
}

// SelfDelimited 响应的长度由报文自身决定，而不是连接关闭
func (d *Decoder) SelfDelimited() bool {
	return d.HeadReceived() && !d.closeDelimited
}

func (d *Decoder) KeepAlive() bool {
	return d.keepAlive
}

// KeepAliveTimeout Keep-Alive: timeout=N，没有的时候返回0
func (d *Decoder) KeepAliveTimeout() time.Duration {
	return d.keepAliveTimeout
}

// Surplus 响应结束之后多出来的字节
func (d *Decoder) Surplus() int {
	if d.state == stateDone {
		return d.surplus + d.Buffered()
	}
	return d.surplus
}

func (d *Decoder) Response() *Response {
	return d.resp
}

// Close .
func (d *Decoder) Close() {
	if d.state == stateClose {
		return
	}
	d.state = stateClose
	if d.cache != nil {
		d.cache.Free()
		d.cache = nil
	}
}

func (d *Decoder) drain() error {
	if d.paused || d.cache == nil {
		return nil
	}
	n, err := d.consume(d.cache.ToBytes())
	d.cache.Discard(n)
	if d.cache.Size() == 0 {
		d.cache.Free()
		d.cache = nil
	}
	return err
}

func (d *Decoder) fail(err error) error {
	return &DecodeError{State: d.state.String(), Err: err}
}

// 返回已经处理的字节数，暂停或者数据不完整的时候提前返回
func (d *Decoder) consume(data []byte) (int, error) {
	off := 0
	for off < len(data) && !d.paused {
		switch d.state {
		case stateClose:
			return off, ErrDecoderClosed
		case stateDone:
			d.surplus += len(data) - off
			return len(data), nil
		case stateBodyLength, stateChunkData:
			n := int64(len(data) - off)
			if n > d.remain {
				n = d.remain
			}
			chunk := data[off : off+int(n)]
			off += int(n)
			d.remain -= n
			if d.remain == 0 {
				if d.state == stateBodyLength {
					d.state = stateDone
				} else {
					d.state = stateChunkDataCRLF
				}
			}
			if err := d.onBody(chunk); err != nil {
				return off, err
			}
		case stateBodyClose:
			chunk := data[off:]
			off = len(data)
			if err := d.onBody(chunk); err != nil {
				return off, err
			}
		default:
			i := bytes.IndexByte(data[off:], '\n')
			if i < 0 {
				if d.inHead() {
					if d.headSize+len(data)-off > d.maxHeader {
						return off, d.fail(ErrHeaderTooLarge)
					}
				} else if len(data)-off > maxChunkLine {
					return off, d.fail(fmt.Errorf("%w: chunk line longer than %d", ErrInvalidChunk, maxChunkLine))
				}
				return off, nil
			}
			if !d.inHead() && i > maxChunkLine {
				return off, d.fail(fmt.Errorf("%w: chunk line longer than %d", ErrInvalidChunk, maxChunkLine))
			}
			line := data[off : off+i]
			off += i + 1
			if d.inHead() {
				d.headSize += i + 1
				if d.headSize > d.maxHeader {
					return off, d.fail(ErrHeaderTooLarge)
				}
			}
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			if err := d.onLine(line); err != nil {
				return off, err
			}
		}
	}
	return off, nil
}

func (d *Decoder) inHead() bool {
	return d.state == stateStatusLine || d.state == stateHeader || d.state == stateTrailer
}

func (d *Decoder) onLine(line []byte) error {
	switch d.state {
	case stateStatusLine:
		// 1xx之后可能会有空行
		if len(line) == 0 {
			return nil
		}
		return d.parseStatusLine(string(line))
	case stateHeader:
		if len(line) == 0 {
			return d.headerDone()
		}
		return d.parseHeaderLine(line, d.resp.Header)
	case stateChunkSize:
		size, err := parseAndValidateChunkSize(line)
		if err != nil {
			return d.fail(err)
		}
		if size == 0 {
			d.headSize = 0
			d.state = stateTrailer
			return nil
		}
		d.remain = size
		d.state = stateChunkData
	case stateChunkDataCRLF:
		if len(line) != 0 {
			return d.fail(fmt.Errorf("%w: missing CRLF after chunk data", ErrInvalidChunk))
		}
		d.state = stateChunkSize
	case stateTrailer:
		if len(line) == 0 {
			d.state = stateDone
			return nil
		}
		if d.resp.Trailer == nil {
			d.resp.Trailer = http.Header{}
		}
		if err := d.parseHeaderLine(line, d.resp.Trailer); err != nil {
			return err
		}
		switch d.headerKey {
		case transferEncodingHeader, trailerHeader, contentLengthHeader:
			return d.fail(fmt.Errorf("%w: bad trailer key %q", ErrInvalidHeader, d.headerKey))
		}
	}
	return nil
}

func (d *Decoder) parseStatusLine(line string) error {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return d.fail(fmt.Errorf("%w: %q", ErrInvalidStatusLine, line))
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return d.fail(fmt.Errorf("%w: malformed HTTP version %q", ErrInvalidStatusLine, proto))
	}
	rest = strings.TrimLeft(rest, " ")
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 || code < 100 {
		return d.fail(fmt.Errorf("%w: bad status code %q", ErrInvalidStatusLine, codeStr))
	}
	d.resp = &Response{
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		StatusCode:    code,
		Status:        codeStr + " " + reason,
		Header:        http.Header{},
		ContentLength: -1,
	}
	d.headerKey = ""
	d.state = stateHeader
	return nil
}

func (d *Decoder) parseHeaderLine(line []byte, h http.Header) error {
	// obs-fold
	if line[0] == ' ' || line[0] == '\t' {
		if d.headerKey == "" {
			return d.fail(fmt.Errorf("%w: continuation without header", ErrInvalidHeader))
		}
		values := h[d.headerKey]
		if len(values) > 0 {
			values[len(values)-1] += " " + textproto.TrimString(string(line))
		}
		return nil
	}
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return d.fail(fmt.Errorf("%w: %q", ErrInvalidHeader, line))
	}
	key := string(line[:i])
	if !httpguts.ValidHeaderFieldName(key) {
		return d.fail(fmt.Errorf("%w: bad field name %q", ErrInvalidHeader, key))
	}
	value := textproto.TrimString(string(line[i+1:]))
	if !httpguts.ValidHeaderFieldValue(value) {
		return d.fail(fmt.Errorf("%w: bad value for %s", ErrInvalidHeader, key))
	}
	d.headerKey = http.CanonicalHeaderKey(key)
	h[d.headerKey] = append(h[d.headerKey], value)
	return nil
}

func (d *Decoder) headerDone() error {
	resp := d.resp
	if resp.StatusCode < 200 {
		if resp.StatusCode == http.StatusSwitchingProtocols {
			return d.fail(ErrUnexpectedUpgrade)
		}
		// 跳过100-continue之类的中间响应
		d.resp = nil
		d.headSize = 0
		d.state = stateStatusLine
		return nil
	}
	if err := d.parseTransferEncoding(); err != nil {
		return d.fail(err)
	}
	if err := d.parseContentLength(); err != nil {
		return d.fail(err)
	}
	if err := d.parseTrailer(); err != nil {
		return d.fail(err)
	}
	d.parseConnection()

	switch {
	case d.method == http.MethodHead || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified:
		d.state = stateDone
	case d.chunked:
		d.state = stateChunkSize
	case resp.ContentLength == 0:
		d.state = stateDone
	case resp.ContentLength > 0:
		d.remain = resp.ContentLength
		d.state = stateBodyLength
	default:
		// 读到连接关闭为止
		d.keepAlive = false
		d.closeDelimited = true
		d.state = stateBodyClose
	}
	return d.onHead(resp)
}

func (d *Decoder) parseTransferEncoding() error {
	raw, present := d.resp.Header[transferEncodingHeader]
	if !present {
		return nil
	}
	if len(raw) != 1 {
		return fmt.Errorf("%w: too many transfer encodings: %q", ErrInvalidHeader, raw)
	}
	if strings.ToLower(textproto.TrimString(raw[0])) != "chunked" {
		return fmt.Errorf("%w: unsupported transfer encoding: %q", ErrInvalidHeader, raw[0])
	}
	d.chunked = true
	d.resp.TransferEncoding = []string{"chunked"}
	return nil
}

func (d *Decoder) parseContentLength() error {
	values := d.resp.Header[contentLengthHeader]
	if len(values) == 0 || d.chunked {
		// chunked优先，忽略Content-Length
		return nil
	}
	cl := textproto.TrimString(values[0])
	for _, v := range values[1:] {
		if textproto.TrimString(v) != cl {
			return fmt.Errorf("%w: conflicting values %q", ErrInvalidContentLength, values)
		}
	}
	l, err := strconv.ParseInt(cl, 10, 63)
	if err != nil {
		return fmt.Errorf("%w: bad Content-Length %q", ErrInvalidContentLength, cl)
	}
	if l < 0 {
		return fmt.Errorf("length less than zero (%d): %w", l, ErrInvalidContentLength)
	}
	if l > maxInt {
		return fmt.Errorf("length greater than maxint (%d): %w", l, ErrInvalidContentLength)
	}
	d.resp.ContentLength = l
	return nil
}

func (d *Decoder) parseTrailer() error {
	if !d.chunked {
		return nil
	}
	trailers, ok := d.resp.Header[trailerHeader]
	if !ok {
		return nil
	}
	trailer := http.Header{}
	for _, key := range trailers {
		for _, k := range strings.Split(key, ",") {
			if k = textproto.TrimString(k); k != "" {
				k = http.CanonicalHeaderKey(k)
				switch k {
				case transferEncodingHeader, trailerHeader, contentLengthHeader:
					return fmt.Errorf("%w: bad trailer key %q", ErrInvalidHeader, k)
				default:
					trailer[k] = nil
				}
			}
		}
	}
	if len(trailer) > 0 {
		d.resp.Trailer = trailer
	}
	return nil
}

func (d *Decoder) parseConnection() {
	h := d.resp.Header
	if d.resp.ProtoMinor == 0 {
		d.keepAlive = httpguts.HeaderValuesContainsToken(h["Connection"], "keep-alive")
	} else {
		d.keepAlive = !httpguts.HeaderValuesContainsToken(h["Connection"], "close")
	}
	d.keepAliveTimeout = 0
	for _, v := range h["Keep-Alive"] {
		for _, param := range strings.Split(v, ",") {
			k, val, ok := strings.Cut(textproto.TrimString(param), "=")
			if !ok || !strings.EqualFold(textproto.TrimString(k), "timeout") {
				continue
			}
			if sec, err := strconv.ParseInt(textproto.TrimString(val), 10, 32); err == nil && sec > 0 {
				d.keepAliveTimeout = time.Duration(sec) * time.Second
			}
		}
	}
}

func parseAndValidateChunkSize(line []byte) (int64, error) {
	// 忽略chunk extension
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	originalStr := textproto.TrimString(string(line))
	if originalStr == "" {
		return -1, fmt.Errorf("%w: empty chunk size", ErrInvalidChunk)
	}
	chunkSize, err := strconv.ParseInt(originalStr, 16, 63)
	if err != nil {
		return -1, fmt.Errorf("%w: chunk size parse error %v", ErrInvalidChunk, originalStr)
	}
	if chunkSize < 0 {
		return -1, fmt.Errorf("%w: negative chunk size", ErrInvalidChunk)
	}
	return chunkSize, nil
}
