package reactor

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/lesismal/nbio"
	"github.com/liangmanlin/nbhttpc/bpool"
)

// Handler 接收连接上的数据，data在回调返回之后会被复用，需要自己拷贝
type Handler interface {
	OnData(data []byte)
	OnClose(err error)
}

type nbMode int32

const (
	nb_mode_passive nbMode = iota + 1 // 被动
	nb_mode_active                    // 主动
)

type Conn struct {
	mux sync.Mutex // 保证同一时间只有一个goroutine在读
	*nbio.Conn

	mod       int32
	suspended int32
	// 在暂停或者被动模式下收到了可读事件，恢复的时候需要补读
	pending int32
	closed  int32

	stateMux  sync.Mutex
	handler   Handler
	closeErr  error
	closeOnce sync.Once

	readSize int
	buffer   *bpool.Buff

	// 已经交给nbio但还没有写进内核的字节数
	buffered  int64
	wmux      sync.Mutex
	lowWater  int64
	onDrained func()
}

func newConn(c *nbio.Conn, readSize int) *Conn {
	return &Conn{Conn: c, mod: int32(nb_mode_passive), readSize: readSize}
}

// StartReader 切换为主动模式，尽量只调用一次
func (c *Conn) StartReader(h Handler) {
	c.stateMux.Lock()
	c.handler = h
	atomic.StoreInt32(&c.mod, int32(nb_mode_active))
	c.stateMux.Unlock()
	if atomic.LoadInt32(&c.closed) == 1 {
		c.notifyClose()
		return
	}
	// 考虑到可能缓冲区还有数据，这里尝试读取一次数据
	atomic.StoreInt32(&c.pending, 1)
	c.drain()
}

func (c *Conn) SuspendInput() {
	atomic.StoreInt32(&c.suspended, 1)
}

func (c *Conn) RequestInput() {
	atomic.StoreInt32(&c.suspended, 0)
	if atomic.LoadInt32(&c.pending) == 1 {
		c.drain()
	}
}

func (c *Conn) IsSuspended() bool {
	return atomic.LoadInt32(&c.suspended) == 1
}

func (c *Conn) IsOpen() bool {
	return atomic.LoadInt32(&c.closed) == 0
}

func (c *Conn) Write(b []byte) (int, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return 0, ErrClosed
	}
	// 先计数，nbio可能在Write里面就回调已写入的字节
	atomic.AddInt64(&c.buffered, int64(len(b)))
	n, err := c.Conn.Write(b)
	if err != nil {
		atomic.AddInt64(&c.buffered, -int64(len(b)))
	}
	return n, err
}

// Buffered 写缓冲里还没有发出去的字节数
func (c *Conn) Buffered() int {
	n := atomic.LoadInt64(&c.buffered)
	if n < 0 {
		return 0
	}
	return int(n)
}

// NotifyDrained 写缓冲降到low以下时回调一次fn，fn在poller的goroutine上执行，不能阻塞
// 已经低于low的时候不注册，直接返回true
func (c *Conn) NotifyDrained(low int, fn func()) bool {
	c.wmux.Lock()
	defer c.wmux.Unlock()
	if atomic.LoadInt64(&c.buffered) <= int64(low) || atomic.LoadInt32(&c.closed) == 1 {
		c.onDrained = nil
		return true
	}
	c.lowWater = int64(low)
	c.onDrained = fn
	return false
}

func (c *Conn) onWritten(n int) {
	left := atomic.AddInt64(&c.buffered, -int64(n))
	c.wmux.Lock()
	fn := c.onDrained
	if fn != nil && left <= c.lowWater {
		c.onDrained = nil
	} else {
		fn = nil
	}
	c.wmux.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Conn) Close() error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil
	}
	return c.Conn.Close()
}

func (c *Conn) CloseWithError(err error) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil
	}
	return c.Conn.CloseWithError(err)
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.Conn.RemoteAddr()
}

// epoll 触发
func (c *Conn) onReadable() {
	// 先标记，再判断暂停，避免和RequestInput之间丢失事件
	atomic.StoreInt32(&c.pending, 1)
	if atomic.LoadInt32(&c.mod) != int32(nb_mode_active) || atomic.LoadInt32(&c.suspended) == 1 {
		return
	}
	c.drain()
}

func (c *Conn) drain() {
	if err := c.read(); err != nil {
		c.CloseWithError(err)
	}
}

// 边缘模式下必须一直读到EAGAIN，出错的时候返回错误，由调用者在锁外面关闭连接
func (c *Conn) read() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if atomic.LoadInt32(&c.mod) != int32(nb_mode_active) {
		return nil
	}
	atomic.StoreInt32(&c.pending, 0)
	if atomic.LoadInt32(&c.closed) == 1 {
		c.freeBuffer()
		return nil
	}
	if c.buffer == nil {
		c.buffer = bpool.New(c.readSize)
	}
	buf := c.buffer.ToBytes()[:c.buffer.Cap()]
	for {
		if atomic.LoadInt32(&c.suspended) == 1 {
			atomic.StoreInt32(&c.pending, 1)
			return nil
		}
		n, err := c.Conn.Read(buf)
		if n > 0 {
			c.handler.OnData(buf[:n])
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, syscall.EAGAIN) {
				return nil
			}
			c.freeBuffer()
			return err
		}
		if n == 0 {
			c.freeBuffer()
			return io.EOF
		}
	}
}

func (c *Conn) freeBuffer() {
	if c.buffer != nil {
		c.buffer.Free()
		c.buffer = nil
	}
}

func (c *Conn) onClose(err error) {
	c.stateMux.Lock()
	c.closeErr = err
	atomic.StoreInt32(&c.closed, 1)
	active := atomic.LoadInt32(&c.mod) == int32(nb_mode_active)
	c.stateMux.Unlock()
	c.wmux.Lock()
	c.onDrained = nil
	c.wmux.Unlock()
	if active {
		c.notifyClose()
	}
}

func (c *Conn) notifyClose() {
	c.closeOnce.Do(func() {
		c.stateMux.Lock()
		err, h := c.closeErr, c.handler
		c.stateMux.Unlock()
		if err == nil {
			err = ErrClosed
		}
		h.OnClose(err)
	})
}
