package httpc

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/liangmanlin/nbhttpc/bpool"
	"github.com/liangmanlin/nbhttpc/kernel"
	"golang.org/x/net/http/httpguts"
)

type ExchangeState int8

const (
	PendingConnection ExchangeState = iota + 1
	SendingRequest
	AwaitingResponse
	ReceivingResponse
	Completed
	Failed
)

func (s ExchangeState) String() string {
	switch s {
	case PendingConnection:
		return "PENDING_CONNECTION"
	case SendingRequest:
		return "SENDING_REQUEST"
	case AwaitingResponse:
		return "AWAITING_RESPONSE"
	case ReceivingResponse:
		return "RECEIVING_RESPONSE"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// exchange 只在loop里面访问
type exchange struct {
	id       uint64
	loop     *kernel.Pid
	route    Route
	scheme   *Scheme
	producer RequestProducer
	consumer ResponseConsumer
	future   *Future
	state    ExchangeState

	leaseReq *LeaseRequest
	entry    *PoolEntry
	session  Session
	decoder  *Decoder

	start      time.Time
	lastActive time.Time
	timeout    time.Duration

	reqDone    bool
	reqClose   bool
	connecting bool
	suspended  bool
	// 暂停期间收到的关闭，等cache解析完再处理
	closeSeen bool
	closeErr  error

	socketTimer   *kernel.Timer
	socketSeq     uint32
	exchangeTimer *kernel.Timer
}

func (ex *exchange) terminal() bool {
	return ex.state == Completed || ex.state == Failed
}

// SuspendInput 只能在consumer回调里调用
func (ex *exchange) SuspendInput() {
	if ex.terminal() || ex.suspended {
		return
	}
	ex.suspended = true
	ex.decoder.Pause()
	if ex.session != nil {
		ex.session.SuspendInput()
	}
}

// RequestInput 可以在任意goroutine调用
func (ex *exchange) RequestInput() {
	kernel.Cast(ex.loop, &resumeMsg{id: ex.id})
}

func (ex *exchange) onHead(resp *Response) error {
	resp.Route = ex.route
	if ex.session != nil {
		resp.TLS = ex.session.TLSState()
	}
	return consumerCall(func() error {
		return ex.consumer.ResponseReceived(resp)
	})
}

func (ex *exchange) onBody(data []byte) error {
	return consumerCall(func() error {
		return ex.consumer.ConsumeContent(data, ex)
	})
}

// consumer的错误和panic都算consumer失败
func consumerCall(f func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			kernel.ErrorLog("consumer panic: %v", p)
			err = &consumerFailure{err: fmt.Errorf("consumer panic: %v", p)}
		}
	}()
	if err = f(); err != nil {
		return &consumerFailure{err: err}
	}
	return nil
}

// encodeHead 请求行和头部
func (ex *exchange) encodeHead(userAgent string) *bpool.Buff {
	req := ex.producer.Request()
	buf := bpool.New(512)
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	target := req.Target
	if target == "" {
		target = "/"
	}
	buf.WriteString(target)
	buf.WriteString(" HTTP/1.1\r\nHost: ")
	if host := req.Header.Get("Host"); host != "" {
		buf.WriteString(host)
	} else {
		buf.WriteString(hostHeader(ex.route, ex.scheme))
	}
	buf.WriteString("\r\n")
	if userAgent != "" && req.Header.Get("User-Agent") == "" {
		buf.WriteString("User-Agent: ")
		buf.WriteString(userAgent)
		buf.WriteString("\r\n")
	}
	switch {
	case req.ContentLength < 0:
		buf.WriteString("Transfer-Encoding: chunked\r\n")
	case req.ContentLength > 0 || methodHasBody(req.Method):
		buf.WriteString("Content-Length: ")
		buf.WriteString(strconv.FormatInt(req.ContentLength, 10))
		buf.WriteString("\r\n")
	}
	h := req.Header
	if len(h) > 0 {
		h = h.Clone()
		h.Del("Host")
		h.Del("Content-Length")
		h.Del("Transfer-Encoding")
		h.Write(buf)
	}
	buf.WriteString("\r\n")
	ex.reqClose = httpguts.HeaderValuesContainsToken(req.Header["Connection"], "close")
	return buf
}

func hostHeader(route Route, scheme *Scheme) string {
	if scheme != nil && route.Port == scheme.DefaultPort {
		if len(route.Host) > 0 && route.Host[0] != '[' && strings.Contains(route.Host, ":") {
			return "[" + route.Host + "]"
		}
		return route.Host
	}
	return route.Address()
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// reusable 连接能否放回池中
func (ex *exchange) reusable() bool {
	d := ex.decoder
	return ex.reqDone && !ex.reqClose &&
		d.Done() && d.SelfDelimited() && d.KeepAlive() && d.Surplus() == 0 &&
		ex.session != nil && ex.session.IsOpen()
}
