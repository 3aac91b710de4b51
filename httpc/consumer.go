package httpc

import (
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/liangmanlin/nbhttpc/bpool"
)

type Response struct {
	Proto      string
	ProtoMajor int
	ProtoMinor int
	StatusCode int
	// 例如 "200 OK"
	Status           string
	Header           http.Header
	Trailer          http.Header
	TransferEncoding []string
	// -1 表示未知
	ContentLength int64
	Body          []byte
	// 明文连接为nil
	TLS   *tls.ConnectionState
	Route Route
}

// IOControl 给consumer做流控，调用只能发生在consumer的回调里面
type IOControl interface {
	SuspendInput()
	RequestInput()
}

// ResponseConsumer 所有回调都在loop里面执行
type ResponseConsumer interface {
	ResponseReceived(resp *Response) error
	ConsumeContent(data []byte, ioctrl IOControl) error
	// ResponseCompleted 返回的结果交给Future
	ResponseCompleted() (*Response, error)
	Failed(err error)
}

type BasicResponseConsumer struct {
	maxBody int64
	resp    *Response
	body    *bpool.Buff
}

// NewBasicResponseConsumer 把body缓存到内存，maxBody小于等于0表示不限制
func NewBasicResponseConsumer(maxBody int64) *BasicResponseConsumer {
	return &BasicResponseConsumer{maxBody: maxBody}
}

func (c *BasicResponseConsumer) ResponseReceived(resp *Response) error {
	if c.maxBody > 0 && resp.ContentLength > c.maxBody {
		return fmt.Errorf("%w: content length %d exceeds %d", ErrResponseTooLarge, resp.ContentLength, c.maxBody)
	}
	c.resp = resp
	size := 4 * 1024
	if resp.ContentLength > 0 && resp.ContentLength < 4*1024*1024 {
		size = int(resp.ContentLength)
	}
	c.body = bpool.New(size)
	return nil
}

func (c *BasicResponseConsumer) ConsumeContent(data []byte, ioctrl IOControl) error {
	if c.maxBody > 0 && int64(c.body.Size()+len(data)) > c.maxBody {
		return fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBody)
	}
	c.body.Write(data)
	return nil
}

func (c *BasicResponseConsumer) ResponseCompleted() (*Response, error) {
	if c.resp == nil {
		return nil, ErrConnectionClosed
	}
	if c.body != nil {
		c.resp.Body = c.body.Copy()
		c.body.Free()
		c.body = nil
	}
	return c.resp, nil
}

func (c *BasicResponseConsumer) Failed(err error) {
	if c.body != nil {
		c.body.Free()
		c.body = nil
	}
	c.resp = nil
}
