package kernel

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
)

var ErrActorInit = errors.New("kernel: actor init failed")

func Start(newActor *Actor, args ...interface{}) (*Pid, error) {
	return StartName("", newActor, args...)
}

func StartName(name string, newActor *Actor, args ...interface{}) (pid *Pid, err error) {
	pid = newPid(Env.ActorChanCacheSize)
	ctx := &Context{self: pid, actor: newActor, name: name}
	defer func() {
		if p := recover(); p != nil {
			ErrorLog("catch error:%s,Stack:%s", p, debug.Stack())
			pid.setDie()
			pid = nil
			err = fmt.Errorf("%w: %v", ErrActorInit, p)
		}
	}()
	// init里面可能会给自己发消息，所以先标记存活
	atomic.StoreInt32(&pid.isAlive, 1)
	// 在同一个goroutine中执行初始化，失败的时候可以直接返回给调用者
	ctx.State = newActor.Init(ctx, pid, args...)
	go loop(pid, ctx)
	return pid, nil
}

// Cast 投递消息，对端已经退出的时候返回false
func Cast(pid *Pid, msg interface{}) bool {
	if pid == nil || msg == nil {
		return false
	}
	return pid.push(msg)
}

func Call(pid *Pid, request interface{}) (bool, interface{}) {
	return CallTimeOut(pid, request, 5*time.Second)
}

func CallTimeOut(pid *Pid, request interface{}, timeOut time.Duration) (bool, interface{}) {
	rc := make(chan interface{}, 1)
	if !Cast(pid, &CallInfo{RecCh: rc, Request: request}) {
		return false, &CallError{ErrType: CallErrorTypeNoProc}
	}
	t := time.NewTimer(timeOut)
	defer t.Stop()
	select {
	case result := <-rc:
		if ce, ok := result.(*CallError); ok {
			return false, ce
		}
		return true, result
	case <-t.C:
		ErrorLog("rec call timeout %s", pid)
		return false, &CallError{ErrType: CallErrorTypeTimeOut}
	}
}

// Stop 异步停止，已经在队列里的消息会先处理
func Stop(pid *Pid, reason string) {
	Cast(pid, &actorOP{&Terminate{Reason: reason}})
}

func loop(pid *Pid, ctx *Context) {
	defer exitFinal(ctx)
	for {
		stop, more := recMsg(pid, ctx)
		if stop {
			return
		}
		if !more {
			<-pid.signal
		}
	}
}

// 处理邮箱里的消息，直到为空或者发生panic
func recMsg(pid *Pid, ctx *Context) (stop, more bool) {
	defer func() {
		if err := recover(); err != nil {
			ErrorLog("catch error Reason: %s,Stack: %s", err, debug.Stack())
			if ctx.actor.ErrorHandler == nil || !ctx.actor.ErrorHandler(ctx, err) {
				ctx.terminateReason = &Terminate{Reason: ExitReasonError}
				stop = true
			}
			more = true
		}
	}()
	for {
		msg, ok := pid.pop()
		if !ok {
			return false, false
		}
		switch m := msg.(type) {
		case *CallInfo:
			ctx.handleCall(m)
		case *actorOP:
			if t, ok := m.op.(*Terminate); ok {
				ctx.terminateReason = t
				return true, false
			}
		default:
			ctx.actor.HandleCast(ctx, msg)
		}
	}
}

func exitFinal(ctx *Context) {
	left := ctx.self.setDie()
	for _, msg := range left {
		if ci, ok := msg.(*CallInfo); ok {
			reply(ci.RecCh, &CallError{ErrType: CallErrorTypeNoProc})
		}
	}
	reason := ctx.terminateReason
	if reason == nil {
		reason = &Terminate{Reason: ExitReasonNormal}
	}
	if ctx.actor.Terminate != nil {
		CatchFun(func() { ctx.actor.Terminate(ctx, reason) })
	}
}

func reply(recCh chan interface{}, result interface{}) {
	select {
	case recCh <- result:
	default:
	}
}

func CatchFun(f func()) {
	defer func() {
		if p := recover(); p != nil {
			ErrorLog("catch error:%s,Stack:%s", p, debug.Stack())
		}
	}()
	f()
}
