package httpc

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liangmanlin/nbhttpc/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	closed atomic.Bool
}

func (s *fakeSession) Write(b []byte) (int, error) {
	if s.closed.Load() {
		return 0, reactor.ErrClosed
	}
	return len(b), nil
}
func (s *fakeSession) Close() error                  { s.closed.Store(true); return nil }
func (s *fakeSession) StartReader(h reactor.Handler) {}
func (s *fakeSession) SuspendInput()                 {}
func (s *fakeSession) RequestInput()                 {}
func (s *fakeSession) IsOpen() bool                  { return !s.closed.Load() }
func (s *fakeSession) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80}
}
func (s *fakeSession) TLSState() *tls.ConnectionState { return nil }
func (s *fakeSession) Buffered() int                  { return 0 }
func (s *fakeSession) NotifyDrained(int, func()) bool { return true }

var (
	routeA = NewRoute("http", "a.test", 80)
	routeB = NewRoute("http", "b.test", 80)
)

func leaseConnected(t *testing.T, p *Pool, route Route) (*PoolEntry, *fakeSession) {
	e, err := p.Lease(route)
	require.NoError(t, err)
	s := &fakeSession{}
	require.NoError(t, e.SetSession(s))
	return e, s
}

func TestLeaseUpToRouteMax(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 10, DefaultMaxPerRoute: 2})
	_, err := p.Lease(routeA)
	require.NoError(t, err)
	_, err = p.Lease(routeA)
	require.NoError(t, err)
	_, err = p.Lease(routeA)
	assert.ErrorIs(t, err, ErrPoolSaturated)
	// 其他route不受影响
	_, err = p.Lease(routeB)
	assert.NoError(t, err)

	assert.Equal(t, PoolStats{Leased: 2, Max: 2}, p.RouteStats(routeA))
	assert.Equal(t, 3, p.Stats().Leased)
}

func TestReleaseReusesMostRecent(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 10, DefaultMaxPerRoute: 2})
	e1, _ := leaseConnected(t, p, routeA)
	e2, _ := leaseConnected(t, p, routeA)
	p.Release(e1, true)
	p.Release(e2, true)
	assert.Equal(t, 2, p.Stats().Available)

	e, err := p.Lease(routeA)
	require.NoError(t, err)
	assert.Same(t, e2, e)
	assert.Equal(t, 2, e.UseCount())
	assert.Equal(t, PoolStats{Leased: 1, Available: 1, Max: 2}, p.RouteStats(routeA))
}

func TestReleaseNonReusableDiscards(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 10, DefaultMaxPerRoute: 2})
	e, s := leaseConnected(t, p, routeA)
	p.Release(e, false)
	assert.True(t, s.closed.Load())
	assert.Equal(t, PoolStats{Max: 10}, p.Stats())
	// 重复release没有影响
	p.Release(e, true)
	assert.Equal(t, 0, p.Stats().Available)
}

func TestClosedSessionNotPooled(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 10, DefaultMaxPerRoute: 2})
	e, s := leaseConnected(t, p, routeA)
	s.Close()
	p.Release(e, true)
	assert.Equal(t, 0, p.Stats().Available)
}

func TestPendingServedInOrder(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 10, DefaultMaxPerRoute: 1})
	e, _ := leaseConnected(t, p, routeA)

	var mux sync.Mutex
	var order []int
	var granted []*PoolEntry
	for i := 0; i < 3; i++ {
		i := i
		p.LeaseAsync(routeA, func(entry *PoolEntry, err error) {
			require.NoError(t, err)
			mux.Lock()
			order = append(order, i)
			granted = append(granted, entry)
			mux.Unlock()
		})
	}
	assert.Equal(t, 3, p.Stats().Pending)

	p.Release(e, true)
	p.Release(granted[0], true)
	p.Release(granted[1], true)
	assert.Equal(t, []int{0, 1, 2}, order)
	// 一直是同一个连接
	assert.Same(t, e, granted[2])
	assert.Equal(t, 0, p.Stats().Pending)
}

func TestGlobalMaxEvictsIdleOfOtherRoute(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 1, DefaultMaxPerRoute: 1})
	e, s := leaseConnected(t, p, routeA)
	p.Release(e, true)

	eb, err := p.Lease(routeB)
	require.NoError(t, err)
	assert.Equal(t, routeB, eb.Route())
	assert.True(t, s.closed.Load())
	assert.Equal(t, PoolStats{Leased: 1, Max: 1}, p.Stats())
}

func TestPendingOnGlobalMaxServedAcrossRoutes(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 1, DefaultMaxPerRoute: 1})
	ea, _ := leaseConnected(t, p, routeA)
	got := make(chan *PoolEntry, 1)
	p.LeaseAsync(routeB, func(entry *PoolEntry, err error) { got <- entry })
	p.Release(ea, true)
	select {
	case eb := <-got:
		assert.Equal(t, routeB, eb.Route())
	default:
		t.Fatal("waiter on other route not served")
	}
}

func TestFailFast(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 1, DefaultMaxPerRoute: 1, Policy: QueueFailFast})
	_, err := p.Lease(routeA)
	require.NoError(t, err)
	var got error
	p.LeaseAsync(routeA, func(entry *PoolEntry, err error) { got = err })
	assert.ErrorIs(t, got, ErrPoolSaturated)
	assert.Equal(t, 0, p.Stats().Pending)
}

func TestLeaseTimeout(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 1, DefaultMaxPerRoute: 1, LeaseTimeout: 30 * time.Millisecond})
	_, err := p.Lease(routeA)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	p.LeaseAsync(routeA, func(entry *PoolEntry, err error) { errCh <- err })
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolSaturated)
	case <-time.After(2 * time.Second):
		t.Fatal("lease did not time out")
	}
	assert.Equal(t, 0, p.Stats().Pending)
}

func TestCancelLease(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 1, DefaultMaxPerRoute: 1})
	e, _ := leaseConnected(t, p, routeA)
	called := false
	req := p.LeaseAsync(routeA, func(entry *PoolEntry, err error) { called = true })
	assert.True(t, p.CancelLease(req))
	assert.False(t, p.CancelLease(req))
	p.Release(e, true)
	assert.False(t, called)
	assert.Equal(t, PoolStats{Available: 1, Max: 1}, p.Stats())
}

func TestIdleExpiry(t *testing.T) {
	now := time.Now()
	p := NewPool(PoolConfig{MaxTotal: 10, DefaultMaxPerRoute: 2, IdleTimeout: time.Minute})
	p.now = func() time.Time { return now }
	e, s := leaseConnected(t, p, routeA)
	p.Release(e, true)
	assert.Equal(t, 0, p.CloseExpired())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, p.CloseExpired())
	assert.True(t, s.closed.Load())
	assert.Empty(t, p.Routes())
}

func TestExpiredEntrySkippedOnLease(t *testing.T) {
	now := time.Now()
	p := NewPool(PoolConfig{MaxTotal: 10, DefaultMaxPerRoute: 2})
	p.now = func() time.Time { return now }
	e, s := leaseConnected(t, p, routeA)
	e.SetExpiry(now.Add(time.Second))
	p.Release(e, true)
	now = now.Add(2 * time.Second)

	e2, err := p.Lease(routeA)
	require.NoError(t, err)
	assert.NotSame(t, e, e2)
	assert.Nil(t, e2.Session())
	assert.True(t, s.closed.Load())
}

func TestCloseIdle(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 10, DefaultMaxPerRoute: 2})
	e, _ := leaseConnected(t, p, routeA)
	p.Release(e, true)
	assert.Equal(t, 1, p.CloseIdle(0))
	assert.Equal(t, 0, p.Stats().Available)
}

func TestResizeServesWaiters(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 10, DefaultMaxPerRoute: 1})
	_, err := p.Lease(routeA)
	require.NoError(t, err)
	var got atomic.Int32
	p.LeaseAsync(routeA, func(entry *PoolEntry, err error) { got.Add(1) })
	p.LeaseAsync(routeA, func(entry *PoolEntry, err error) { got.Add(1) })
	p.SetMaxPerRoute(routeA, 2)
	assert.Equal(t, int32(1), got.Load())
	p.SetDefaultMaxPerRoute(5)
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, 2, p.MaxPerRoute(routeA))
	p.SetMaxTotal(2)
	p.SetMaxPerRoute(routeA, 3)
	assert.Equal(t, int32(1), got.Load())
	p.SetMaxTotal(3)
	assert.Equal(t, int32(2), got.Load())
}

func TestShutdown(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 2, DefaultMaxPerRoute: 1})
	idle, idleSession := leaseConnected(t, p, routeA)
	p.Release(idle, true)
	busy, busySession := leaseConnected(t, p, routeB)
	var got error
	p.LeaseAsync(routeB, func(entry *PoolEntry, err error) { got = err })

	p.Shutdown()
	assert.ErrorIs(t, got, ErrPoolShutdown)
	assert.True(t, idleSession.closed.Load())
	assert.True(t, busySession.closed.Load())
	assert.True(t, p.IsShutdown())

	_, err := p.Lease(routeA)
	assert.ErrorIs(t, err, ErrPoolShutdown)
	p.LeaseAsync(routeA, func(entry *PoolEntry, err error) { got = err })
	assert.ErrorIs(t, got, ErrPoolShutdown)
	p.Release(busy, true)
	assert.Equal(t, 0, p.Stats().Available)
}

func TestSetSessionAfterShutdown(t *testing.T) {
	p := NewPool(PoolConfig{MaxTotal: 2, DefaultMaxPerRoute: 1})
	e, err := p.Lease(routeA)
	require.NoError(t, err)
	p.Shutdown()
	s := &fakeSession{}
	assert.ErrorIs(t, e.SetSession(s), ErrPoolShutdown)
	assert.True(t, s.closed.Load())
}

func TestConcurrentLeaseNeverExceedsLimits(t *testing.T) {
	const perRoute, total = 3, 5
	p := NewPool(PoolConfig{MaxTotal: total, DefaultMaxPerRoute: perRoute})
	routes := []Route{routeA, routeB, NewRoute("https", "c.test", 443)}
	var leased [3]atomic.Int32
	var all atomic.Int32
	var violation atomic.Value
	var wg sync.WaitGroup
	for i := 0; i < 300; i++ {
		wg.Add(1)
		idx := i % len(routes)
		p.LeaseAsync(routes[idx], func(entry *PoolEntry, err error) {
			if err != nil {
				violation.Store(err)
				wg.Done()
				return
			}
			if leased[idx].Add(1) > perRoute || all.Add(1) > total {
				violation.Store(errors.New("limit exceeded"))
			}
			if entry.Session() == nil {
				entry.SetSession(&fakeSession{})
			}
			go func() {
				time.Sleep(time.Millisecond)
				leased[idx].Add(-1)
				all.Add(-1)
				p.Release(entry, true)
				wg.Done()
			}()
		})
	}
	wg.Wait()
	assert.Nil(t, violation.Load())
	s := p.Stats()
	assert.Equal(t, 0, s.Leased)
	assert.Equal(t, 0, s.Pending)
	assert.LessOrEqual(t, s.Available, total)
}
