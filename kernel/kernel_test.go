package kernel

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	n    int
	seen []int
}

func counterActor() *Actor {
	A := DefaultActor()
	A.Init = func(ctx *Context, pid *Pid, args ...interface{}) interface{} {
		return &counter{}
	}
	A.HandleCast = func(ctx *Context, msg interface{}) {
		state := ctx.State.(*counter)
		switch m := msg.(type) {
		case int:
			state.n++
			state.seen = append(state.seen, m)
			if m < 0 {
				panic("negative")
			}
		case string:
			// 给自己发的消息排在当前邮箱的末尾
			ctx.CastSelf(len(m))
		}
	}
	A.HandleCall = func(ctx *Context, request interface{}) interface{} {
		state := ctx.State.(*counter)
		return append([]int(nil), state.seen...)
	}
	return A
}

func TestCastOrderAndCall(t *testing.T) {
	pid, err := Start(counterActor())
	require.NoError(t, err)
	defer Stop(pid, ExitReasonNormal)
	for i := 0; i < 1000; i++ {
		assert.True(t, pid.Cast(i))
	}
	ok, result := Call(pid, "seen")
	require.True(t, ok)
	seen := result.([]int)
	require.Len(t, seen, 1000)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestCastSelfNeverBlocks(t *testing.T) {
	pid, err := Start(counterActor())
	require.NoError(t, err)
	defer Stop(pid, ExitReasonNormal)
	Cast(pid, "abc")
	Cast(pid, 10)
	ok, result := Call(pid, "seen")
	require.True(t, ok)
	assert.ElementsMatch(t, []int{10, 3}, result.([]int))
}

func TestErrorHandlerKeepsActorAlive(t *testing.T) {
	var buf bytes.Buffer
	Touch(&buf)
	Env.WriteLogStd = false
	defer func() { Env.WriteLogStd = true }()

	pid, err := Start(counterActor())
	require.NoError(t, err)
	defer Stop(pid, ExitReasonNormal)
	Cast(pid, -1)
	Cast(pid, 2)
	ok, result := Call(pid, "seen")
	require.True(t, ok)
	assert.Equal(t, []int{-1, 2}, result.([]int))
	assert.Contains(t, buf.String(), "negative")
}

func TestStopRunsTerminate(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	A := counterActor()
	A.Terminate = func(ctx *Context, reason *Terminate) {
		assert.Equal(t, "bye", reason.Reason)
		wg.Done()
	}
	pid, err := Start(A)
	require.NoError(t, err)
	Stop(pid, "bye")
	wg.Wait()
	assert.False(t, pid.IsAlive())
	assert.False(t, pid.Cast(1))
	ok, result := Call(pid, "seen")
	assert.False(t, ok)
	assert.Equal(t, CallErrorTypeNoProc, result.(*CallError).ErrType)
}

func TestInitPanic(t *testing.T) {
	Env.WriteLogStd = false
	defer func() { Env.WriteLogStd = true }()
	A := DefaultActor()
	A.Init = func(ctx *Context, pid *Pid, args ...interface{}) interface{} {
		panic("boom")
	}
	pid, err := Start(A)
	assert.Nil(t, pid)
	assert.ErrorIs(t, err, ErrActorInit)
}

func TestSendAfter(t *testing.T) {
	var n int32
	A := DefaultActor()
	A.HandleCast = func(ctx *Context, msg interface{}) {
		atomic.AddInt32(&n, 1)
	}
	pid, err := Start(A)
	require.NoError(t, err)
	defer Stop(pid, ExitReasonNormal)

	SendAfter(TimerTypeOnce, pid, 10, true)
	forever := SendAfterForever(pid, 10, true)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&n) >= 4 }, time.Second, 5*time.Millisecond)
	forever.Stop()
	stopped := atomic.LoadInt32(&n)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&n))

	once := SendAfter(TimerTypeOnce, pid, 20, true)
	once.Stop()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&n))
}
