package reactor

import (
	"context"
	"errors"
	"net"
	"runtime"
	"time"

	"github.com/lesismal/nbio"
	"github.com/liangmanlin/nbhttpc/kernel"
)

var (
	ErrClosed        = errors.New("reactor: connection closed")
	ErrReactorClosed = errors.New("reactor: stopped")
)

type Config struct {
	Name string
	// 0表示使用cpu数量
	NPoller        int
	ReadBufferSize int
	KeepAlive      time.Duration
}

// Reactor 包装nbio的epoll，所有连接都注册在这里，只做非阻塞的读写
type Reactor struct {
	g       *nbio.Gopher
	cfg     Config
	dialer  net.Dialer
	stopped chan kernel.Empty
}

func New(cfg Config) (*Reactor, error) {
	if cfg.Name == "" {
		cfg.Name = "nbhttpc"
	}
	if cfg.NPoller <= 0 {
		cfg.NPoller = runtime.NumCPU()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 16 * 1024
	}
	g := nbio.NewGopher(nbio.Config{
		Name:           cfg.Name,
		Network:        "tcp",
		NPoller:        cfg.NPoller,
		ReadBufferSize: cfg.ReadBufferSize,
		EpollMod:       nbio.EPOLLET, // 边缘模式
	})
	r := &Reactor{
		g:       g,
		cfg:     cfg,
		dialer:  net.Dialer{KeepAlive: cfg.KeepAlive},
		stopped: make(chan kernel.Empty),
	}
	g.OnClose(func(c *nbio.Conn, err error) {
		if s, ok := c.Session().(*Conn); ok {
			s.onClose(err)
		}
	})
	g.OnWrittenSize(func(c *nbio.Conn, b []byte, n int) {
		if s, ok := c.Session().(*Conn); ok && n > 0 {
			s.onWritten(n)
		}
	})
	g.OnRead(func(c *nbio.Conn) {
		if s, ok := c.Session().(*Conn); ok {
			s.onReadable()
		}
	})
	if err := g.Start(); err != nil {
		return nil, err
	}
	kernel.DebugLog("reactor %s started with %d pollers", cfg.Name, cfg.NPoller)
	return r, nil
}

// Dial 会阻塞到tcp连接建立，不能在事件循环里面调用
// 返回的连接处于被动模式，调用StartReader之后才会开始投递数据
func (r *Reactor) Dial(ctx context.Context, network, addr string) (*Conn, error) {
	select {
	case <-r.stopped:
		return nil, ErrReactorClosed
	default:
	}
	nc, err := r.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	c, err := nbio.NBConn(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	conn := newConn(c, r.cfg.ReadBufferSize)
	c.SetSession(conn)
	r.g.AddConn(c)
	return conn, nil
}

func (r *Reactor) Stop() {
	select {
	case <-r.stopped:
		return
	default:
	}
	close(r.stopped)
	r.g.Stop()
	kernel.DebugLog("reactor %s stopped", r.cfg.Name)
}
