package httpc

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Request 请求头部，body由RequestProducer产生
type Request struct {
	Method string
	// request-target，比如 /path?a=1
	Target string
	Header http.Header
	// -1 表示使用chunked编码
	ContentLength int64
}

// RequestProducer 在loop里面被调用，每次产生一段body
type RequestProducer interface {
	Request() *Request
	// Produce 把body的下一段写到buf，done为true表示body已经全部产生
	Produce(buf []byte) (n int, done bool, err error)
	Close()
}

type BasicRequestProducer struct {
	req  *Request
	body []byte
	off  int
}

// NewBasicRequestProducer 固定长度的body，使用Content-Length
func NewBasicRequestProducer(method, target string, header http.Header, body []byte) *BasicRequestProducer {
	return &BasicRequestProducer{
		req:  &Request{Method: method, Target: target, Header: cloneHeader(header), ContentLength: int64(len(body))},
		body: body,
	}
}

func (p *BasicRequestProducer) Request() *Request {
	return p.req
}

func (p *BasicRequestProducer) Produce(buf []byte) (int, bool, error) {
	n := copy(buf, p.body[p.off:])
	p.off += n
	return n, p.off >= len(p.body), nil
}

func (p *BasicRequestProducer) Close() {
	p.body = nil
}

type ChunkedRequestProducer struct {
	req    *Request
	chunks [][]byte
	off    int
}

// NewRequestProducer 每个chunk按顺序发送，总长度事先未知
func NewRequestProducer(method, target string, header http.Header, chunks ...[]byte) *ChunkedRequestProducer {
	return &ChunkedRequestProducer{
		req:    &Request{Method: method, Target: target, Header: cloneHeader(header), ContentLength: -1},
		chunks: chunks,
	}
}

func (p *ChunkedRequestProducer) Request() *Request {
	return p.req
}

func (p *ChunkedRequestProducer) Produce(buf []byte) (int, bool, error) {
	for len(p.chunks) > 0 && p.off >= len(p.chunks[0]) {
		p.chunks = p.chunks[1:]
		p.off = 0
	}
	if len(p.chunks) == 0 {
		return 0, true, nil
	}
	n := copy(buf, p.chunks[0][p.off:])
	p.off += n
	if p.off >= len(p.chunks[0]) {
		p.chunks = p.chunks[1:]
		p.off = 0
	}
	return n, len(p.chunks) == 0, nil
}

func (p *ChunkedRequestProducer) Close() {
	p.chunks = nil
}

var ErrBodyLength = errors.New("httpc: body length mismatch")

type ReaderRequestProducer struct {
	req  *Request
	r    io.Reader
	sent int64
}

// NewReaderRequestProducer length小于0的时候使用chunked编码
// 读取发生在loop里面，r不应该长时间阻塞
func NewReaderRequestProducer(method, target string, header http.Header, r io.Reader, length int64) *ReaderRequestProducer {
	if length < 0 {
		length = -1
	}
	return &ReaderRequestProducer{
		req: &Request{Method: method, Target: target, Header: cloneHeader(header), ContentLength: length},
		r:   r,
	}
}

func (p *ReaderRequestProducer) Request() *Request {
	return p.req
}

func (p *ReaderRequestProducer) Produce(buf []byte) (int, bool, error) {
	if cl := p.req.ContentLength; cl >= 0 {
		if left := cl - p.sent; left < int64(len(buf)) {
			buf = buf[:left]
		}
		if len(buf) == 0 {
			return 0, true, nil
		}
	}
	n, err := p.r.Read(buf)
	p.sent += int64(n)
	switch {
	case err == io.EOF:
		if cl := p.req.ContentLength; cl >= 0 && p.sent != cl {
			return n, false, fmt.Errorf("%w: sent %d of %d", ErrBodyLength, p.sent, cl)
		}
		return n, true, nil
	case err != nil:
		return n, false, err
	}
	return n, p.req.ContentLength >= 0 && p.sent == p.req.ContentLength, nil
}

func (p *ReaderRequestProducer) Close() {
	if c, ok := p.r.(io.Closer); ok {
		c.Close()
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
