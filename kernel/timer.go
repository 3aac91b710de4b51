package kernel

import (
	"sync"
	"time"
)

type timerType int

const (
	TimerTypeForever timerType = 1 << iota
	TimerTypeOnce
)

const (
	Millisecond     int64 = 1000
	minMillisecond        = 60 * Millisecond
	hourMillisecond       = 60 * minMillisecond
)

// Timer 定时给actor投递消息，Stop之后保证不会再投递
type Timer struct {
	mux     sync.Mutex
	stopped bool
	t       *time.Timer
	ticker  *time.Ticker
	done    chan Empty
}

func SendAfterForever(pid *Pid, inv int64, msg interface{}) *Timer {
	return SendAfter(TimerTypeForever, pid, inv, msg)
}

// SendAfter inv单位是毫秒
func SendAfter(timerType timerType, pid *Pid, inv int64, msg interface{}) *Timer {
	d := time.Duration(inv) * time.Millisecond
	if d <= 0 {
		d = time.Millisecond
	}
	t := &Timer{}
	if timerType == TimerTypeForever {
		t.ticker = time.NewTicker(d)
		t.done = make(chan Empty)
		go t.tick(pid, msg)
		return t
	}
	t.t = time.AfterFunc(d, func() {
		t.fire(pid, msg)
	})
	return t
}

func (t *Timer) tick(pid *Pid, msg interface{}) {
	for {
		select {
		case <-t.ticker.C:
			if !t.fire(pid, msg) {
				t.Stop()
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *Timer) fire(pid *Pid, msg interface{}) bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.stopped {
		return true
	}
	return Cast(pid, msg)
}

func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.done)
	}
}
