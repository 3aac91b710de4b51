package reactor

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mux    sync.Mutex
	data   bytes.Buffer
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 1)}
}

func (r *recorder) OnData(data []byte) {
	r.mux.Lock()
	r.data.Write(data)
	r.mux.Unlock()
}

func (r *recorder) OnClose(err error) {
	r.closed <- err
}

func (r *recorder) String() string {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.data.String()
}

func newReactor(t *testing.T) *Reactor {
	r, err := New(Config{Name: "test", NPoller: 1, ReadBufferSize: 1024})
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

func listen(t *testing.T, serve func(c net.Conn)) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(c)
		}
	}()
	return ln.Addr().String()
}

func TestEcho(t *testing.T) {
	addr := listen(t, func(c net.Conn) {
		defer c.Close()
		_, _ = io.Copy(c, c)
	})
	r := newReactor(t)
	c, err := r.Dial(context.Background(), "tcp", addr)
	require.NoError(t, err)
	rec := newRecorder()
	c.StartReader(rec)

	payload := bytes.Repeat([]byte("0123456789"), 1000)
	_, err = c.Write(payload)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return rec.String() == string(payload) }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case <-rec.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("close not delivered")
	}
	assert.False(t, c.IsOpen())
	_, err = c.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPassiveUntilStartReader(t *testing.T) {
	addr := listen(t, func(c net.Conn) {
		_, _ = c.Write([]byte("hello"))
		time.Sleep(200 * time.Millisecond)
		c.Close()
	})
	r := newReactor(t)
	c, err := r.Dial(context.Background(), "tcp", addr)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	rec := newRecorder()
	// 数据在注册之前已经到达，StartReader需要补读
	c.StartReader(rec)
	assert.Eventually(t, func() bool { return rec.String() == "hello" }, 3*time.Second, 10*time.Millisecond)
	select {
	case err := <-rec.closed:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("peer close not delivered")
	}
}

func TestSuspendAndResume(t *testing.T) {
	release := make(chan struct{})
	addr := listen(t, func(c net.Conn) {
		defer c.Close()
		_, _ = c.Write([]byte("first"))
		<-release
		_, _ = c.Write([]byte("second"))
		time.Sleep(time.Second)
	})
	r := newReactor(t)
	c, err := r.Dial(context.Background(), "tcp", addr)
	require.NoError(t, err)
	rec := newRecorder()
	c.StartReader(rec)
	assert.Eventually(t, func() bool { return rec.String() == "first" }, 3*time.Second, 10*time.Millisecond)

	c.SuspendInput()
	assert.True(t, c.IsSuspended())
	close(release)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "first", rec.String())

	c.RequestInput()
	assert.Eventually(t, func() bool { return rec.String() == "firstsecond" }, 3*time.Second, 10*time.Millisecond)
	c.Close()
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	r := newReactor(t)
	_, err = r.Dial(context.Background(), "tcp", addr)
	assert.Error(t, err)
}

func TestDialAfterStop(t *testing.T) {
	r, err := New(Config{NPoller: 1})
	require.NoError(t, err)
	r.Stop()
	_, err = r.Dial(context.Background(), "tcp", "127.0.0.1:1")
	assert.ErrorIs(t, err, ErrReactorClosed)
}

func TestWriteBufferDrains(t *testing.T) {
	start := make(chan struct{})
	addr := listen(t, func(c net.Conn) {
		defer c.Close()
		<-start
		_, _ = io.Copy(io.Discard, c)
	})
	defer close(start)
	r := newReactor(t)
	c, err := r.Dial(context.Background(), "tcp", addr)
	require.NoError(t, err)
	c.StartReader(newRecorder())

	// 对端不读，内核缓冲满了之后剩下的留在nbio里
	_, err = c.Write(make([]byte, 32*1024*1024))
	require.NoError(t, err)
	assert.Greater(t, c.Buffered(), 0)

	drained := make(chan struct{})
	require.False(t, c.NotifyDrained(1024, func() { close(drained) }))
	start <- struct{}{}
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("write buffer never drained")
	}
	assert.LessOrEqual(t, c.Buffered(), 1024)
	assert.Eventually(t, func() bool { return c.Buffered() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, c.NotifyDrained(0, func() { t.Error("registered on an empty buffer") }))
}
