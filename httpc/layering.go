package httpc

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/liangmanlin/nbhttpc/bpool"
	"github.com/liangmanlin/nbhttpc/reactor"
)

// Session 是池化连接上可以发http报文的会话，明文或者tls
type Session interface {
	Write(b []byte) (int, error)
	Close() error
	StartReader(h reactor.Handler)
	SuspendInput()
	RequestInput()
	IsOpen() bool
	RemoteAddr() net.Addr
	// Buffered 还没有写进内核的字节数，tls是密文
	Buffered() int
	// NotifyDrained 见reactor.Conn.NotifyDrained
	NotifyDrained(low int, fn func()) bool
	// 明文连接返回nil
	TLSState() *tls.ConnectionState
}

// LayeringStrategy 在新建立的连接上协商加密会话，每个物理连接只调用一次
type LayeringStrategy interface {
	Upgrade(ctx context.Context, raw *reactor.Conn, route Route) (Session, error)
}

type plainSession struct {
	*reactor.Conn
}

func PlainSession(raw *reactor.Conn) Session {
	return plainSession{Conn: raw}
}

func (s plainSession) TLSState() *tls.ConnectionState {
	return nil
}

type TLSLayeringStrategy struct {
	Config *tls.Config
}

func NewTLSLayeringStrategy(cfg *tls.Config) *TLSLayeringStrategy {
	return &TLSLayeringStrategy{Config: cfg}
}

func (s *TLSLayeringStrategy) clientConfig(route Route) *tls.Config {
	var cfg *tls.Config
	if s.Config != nil {
		cfg = s.Config.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = route.Host
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	// 只支持http/1.1
	cfg.NextProtos = []string{"http/1.1"}
	return cfg
}

// Upgrade 握手在调用者的goroutine上等待，密文由reactor投递，事件循环不会被阻塞
func (s *TLSLayeringStrategy) Upgrade(ctx context.Context, raw *reactor.Conn, route Route) (Session, error) {
	b := newTLSBridge(raw)
	raw.StartReader(b)
	tc := tls.Client(b, s.clientConfig(route))
	if err := tc.HandshakeContext(ctx); err != nil {
		b.Close()
		return nil, err
	}
	ts := &tlsSession{bridge: b, conn: tc}
	ts.cond = sync.NewCond(&ts.mux)
	return ts, nil
}

const (
	tlsHighWater = 256 * 1024
	tlsLowWater  = 64 * 1024
)

// tlsBridge 把reactor的连接包装成net.Conn，给crypto/tls使用
type tlsBridge struct {
	raw  *reactor.Conn
	mux  sync.Mutex
	cond *sync.Cond
	in   *bpool.Buff
	off  int
	err  error
	// 因为缓冲太多而暂停了reactor
	throttled bool
}

func newTLSBridge(raw *reactor.Conn) *tlsBridge {
	b := &tlsBridge{raw: raw, in: bpool.New(16 * 1024)}
	b.cond = sync.NewCond(&b.mux)
	return b
}

func (b *tlsBridge) OnData(data []byte) {
	b.mux.Lock()
	if b.off > 0 && b.off == b.in.Size() {
		b.in.Reset()
		b.off = 0
	}
	b.in = b.in.Append(data...)
	if b.in.Size()-b.off > tlsHighWater && !b.throttled {
		b.throttled = true
		b.raw.SuspendInput()
	}
	b.cond.Broadcast()
	b.mux.Unlock()
}

func (b *tlsBridge) OnClose(err error) {
	b.mux.Lock()
	if b.err == nil {
		b.err = err
		if b.err == nil {
			b.err = io.EOF
		}
	}
	b.cond.Broadcast()
	b.mux.Unlock()
}

func (b *tlsBridge) Read(p []byte) (int, error) {
	b.mux.Lock()
	for b.in.Size() == b.off && b.err == nil {
		b.cond.Wait()
	}
	if b.in.Size() == b.off {
		err := b.err
		b.mux.Unlock()
		if err == reactor.ErrClosed {
			err = io.EOF
		}
		return 0, err
	}
	n := copy(p, b.in.ToBytes()[b.off:])
	b.off += n
	if b.off == b.in.Size() {
		b.in.Reset()
		b.off = 0
	} else if b.off > tlsLowWater {
		b.in.Discard(b.off)
		b.off = 0
	}
	resume := b.throttled && b.in.Size()-b.off < tlsLowWater
	if resume {
		b.throttled = false
	}
	b.mux.Unlock()
	if resume {
		b.raw.RequestInput()
	}
	return n, nil
}

func (b *tlsBridge) Write(p []byte) (int, error) {
	return b.raw.Write(p)
}

func (b *tlsBridge) Close() error {
	err := b.raw.Close()
	b.mux.Lock()
	if b.err == nil {
		b.err = reactor.ErrClosed
	}
	b.cond.Broadcast()
	b.mux.Unlock()
	return err
}

func (b *tlsBridge) release() {
	b.mux.Lock()
	b.in.Free()
	b.in = bpool.New(32)
	b.off = 0
	b.mux.Unlock()
}

func (b *tlsBridge) LocalAddr() net.Addr                { return b.raw.LocalAddr() }
func (b *tlsBridge) RemoteAddr() net.Addr               { return b.raw.RemoteAddr() }
func (b *tlsBridge) SetDeadline(t time.Time) error      { return nil }
func (b *tlsBridge) SetReadDeadline(t time.Time) error  { return nil }
func (b *tlsBridge) SetWriteDeadline(t time.Time) error { return nil }

// tlsSession 解密在单独的goroutine里面完成，明文投递给handler
type tlsSession struct {
	bridge    *tlsBridge
	conn      *tls.Conn
	mux       sync.Mutex
	cond      *sync.Cond
	suspended bool
	closed    bool
}

func (s *tlsSession) StartReader(h reactor.Handler) {
	go s.pump(h)
}

func (s *tlsSession) pump(h reactor.Handler) {
	buf := bpool.New(16 * 1024)
	defer buf.Free()
	p := buf.ToBytes()[:buf.Cap()]
	for {
		s.mux.Lock()
		for s.suspended && !s.closed {
			s.cond.Wait()
		}
		s.mux.Unlock()
		n, err := s.conn.Read(p)
		if n > 0 {
			h.OnData(p[:n])
		}
		if err != nil {
			s.markClosed()
			s.bridge.Close()
			s.bridge.release()
			h.OnClose(err)
			return
		}
	}
}

func (s *tlsSession) markClosed() {
	s.mux.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mux.Unlock()
}

func (s *tlsSession) Write(b []byte) (int, error) {
	if !s.IsOpen() {
		return 0, reactor.ErrClosed
	}
	return s.conn.Write(b)
}

func (s *tlsSession) Close() error {
	s.markClosed()
	// 直接关闭底层连接，不发送close_notify
	return s.bridge.Close()
}

func (s *tlsSession) SuspendInput() {
	s.mux.Lock()
	s.suspended = true
	s.mux.Unlock()
}

func (s *tlsSession) RequestInput() {
	s.mux.Lock()
	s.suspended = false
	s.cond.Broadcast()
	s.mux.Unlock()
}

func (s *tlsSession) IsOpen() bool {
	s.mux.Lock()
	closed := s.closed
	s.mux.Unlock()
	return !closed && s.bridge.raw.IsOpen()
}

func (s *tlsSession) Buffered() int {
	return s.bridge.raw.Buffered()
}

func (s *tlsSession) NotifyDrained(low int, fn func()) bool {
	return s.bridge.raw.NotifyDrained(low, fn)
}

func (s *tlsSession) RemoteAddr() net.Addr {
	return s.bridge.RemoteAddr()
}

func (s *tlsSession) TLSState() *tls.ConnectionState {
	cs := s.conn.ConnectionState()
	return &cs
}
