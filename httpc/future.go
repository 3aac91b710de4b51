package httpc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liangmanlin/nbhttpc/kernel"
)

// Future 一次请求的结果，只会被赋值一次
type Future struct {
	id        string
	loop      *kernel.Pid
	onCancel  func()
	mux       sync.Mutex
	done      chan kernel.Empty
	resolved  bool
	cancelled bool
	resp      *Response
	err       error
	callbacks []func(*Response, error)
}

func newFuture(loop *kernel.Pid) *Future {
	return &Future{id: uuid.NewString(), loop: loop, done: make(chan kernel.Empty)}
}

// failedFuture 还没进入loop就失败的请求
func failedFuture(loop *kernel.Pid, err error) *Future {
	f := newFuture(loop)
	f.fail(err)
	return f
}

func (f *Future) ID() string {
	return f.id
}

// Get 阻塞直到有结果或者ctx结束
func (f *Future) Get(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) GetTimeout(d time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return f.Get(ctx)
}

func (f *Future) Done() <-chan kernel.Empty {
	return f.done
}

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) IsCancelled() bool {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.cancelled
}

// OnComplete cb在loop中执行，已经有结果的时候也会异步执行
func (f *Future) OnComplete(cb func(*Response, error)) {
	f.mux.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mux.Unlock()
		return
	}
	f.mux.Unlock()
	f.dispatch([]func(*Response, error){cb})
}

// Cancel 只有真正让Future结束的那次调用返回true
func (f *Future) Cancel() bool {
	if !f.resolve(nil, ErrCancelled, true) {
		return false
	}
	if f.onCancel != nil {
		f.onCancel()
	}
	return true
}

func (f *Future) complete(resp *Response) bool {
	return f.resolve(resp, nil, false)
}

func (f *Future) fail(err error) bool {
	return f.resolve(nil, err, false)
}

func (f *Future) resolve(resp *Response, err error, cancel bool) bool {
	f.mux.Lock()
	if f.resolved {
		f.mux.Unlock()
		if !cancel {
			kernel.DebugLog("future %s already resolved, ignore result: %v", f.id, err)
		}
		return false
	}
	f.resolved = true
	f.cancelled = cancel
	f.resp = resp
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mux.Unlock()
	if len(cbs) > 0 {
		f.dispatch(cbs)
	}
	return true
}

func (f *Future) result() (*Response, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.resp, f.err
}

func (f *Future) dispatch(cbs []func(*Response, error)) {
	resp, err := f.result()
	run := func() {
		for _, cb := range cbs {
			kernel.CatchFun(func() { cb(resp, err) })
		}
	}
	if !kernel.Cast(f.loop, &taskMsg{f: run}) {
		// loop已经退出
		run()
	}
}
