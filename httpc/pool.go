package httpc

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

type ConnState int32

const (
	StateAvailable ConnState = iota + 1
	StateLeased
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAvailable:
		return "AVAILABLE"
	case StateLeased:
		return "LEASED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// QueuePolicy 决定容量不够时lease的行为
type QueuePolicy int

const (
	// QueueWait 按提交顺序排队，LeaseTimeout大于0时超时失败
	QueueWait QueuePolicy = iota
	// QueueFailFast 立即返回ErrPoolSaturated
	QueueFailFast
)

// PoolEntry 一个池化的物理连接，session为空表示还没有建立连接
type PoolEntry struct {
	id      uint64
	pool    *Pool
	route   Route
	state   ConnState
	created time.Time
	updated time.Time
	expiry  time.Time
	session Session
	useCnt  int
}

func (e *PoolEntry) ID() uint64 {
	return e.id
}

func (e *PoolEntry) Route() Route {
	return e.route
}

func (e *PoolEntry) Created() time.Time {
	return e.created
}

// UseCount 被lease的次数
func (e *PoolEntry) UseCount() int {
	return e.useCnt
}

func (e *PoolEntry) Session() Session {
	e.pool.mux.Lock()
	s := e.session
	e.pool.mux.Unlock()
	return s
}

// SetSession 由持有lease的一方调用，池已经关闭的时候会直接关闭session
func (e *PoolEntry) SetSession(s Session) error {
	e.pool.mux.Lock()
	if e.pool.closed {
		e.pool.mux.Unlock()
		s.Close()
		return ErrPoolShutdown
	}
	e.session = s
	e.pool.mux.Unlock()
	return nil
}

// SetExpiry 在release之前调用，超过这个时间的连接不会再被复用，零值表示只受IdleTimeout限制
func (e *PoolEntry) SetExpiry(t time.Time) {
	e.expiry = t
}

type PoolConfig struct {
	MaxTotal           int
	DefaultMaxPerRoute int
	MaxPerRoute        map[Route]int
	IdleTimeout        time.Duration
	Policy             QueuePolicy
	LeaseTimeout       time.Duration
}

type PoolStats struct {
	Leased    int
	Available int
	Pending   int
	Max       int
}

func (s PoolStats) String() string {
	return fmt.Sprintf("[leased: %d; pending: %d; available: %d; max: %d]", s.Leased, s.Pending, s.Available, s.Max)
}

type LeaseCallback func(entry *PoolEntry, err error)

type LeaseRequest struct {
	route Route
	cb    LeaseCallback
	elem  *list.Element
	timer *time.Timer
	done  bool
}

func (r *LeaseRequest) Route() Route {
	return r.route
}

type routePool struct {
	route Route
	// 末尾是最近归还的连接
	available []*PoolEntry
	leased    int
	pending   int
}

type grant struct {
	req   *LeaseRequest
	entry *PoolEntry
	err   error
}

// Pool 所有字段由mux保护，锁内只做簿记，关闭连接和回调都在锁外
type Pool struct {
	mux     sync.Mutex
	cfg     PoolConfig
	routes  map[Route]*routePool
	leased  map[uint64]*PoolEntry
	idle    int
	pending *list.List
	closed  bool
	seq     uint64
	now     func() time.Time
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 20
	}
	if cfg.DefaultMaxPerRoute <= 0 {
		cfg.DefaultMaxPerRoute = 2
	}
	perRoute := make(map[Route]int, len(cfg.MaxPerRoute))
	for k, v := range cfg.MaxPerRoute {
		perRoute[k] = v
	}
	cfg.MaxPerRoute = perRoute
	return &Pool{
		cfg:     cfg,
		routes:  make(map[Route]*routePool),
		leased:  make(map[uint64]*PoolEntry),
		pending: list.New(),
		now:     time.Now,
	}
}

// Lease 不排队，没有容量的时候返回ErrPoolSaturated
// 返回的entry如果没有session，需要调用者建立连接
func (p *Pool) Lease(route Route) (*PoolEntry, error) {
	var toClose []Session
	p.mux.Lock()
	if p.closed {
		p.mux.Unlock()
		return nil, ErrPoolShutdown
	}
	rp := p.getRoute(route)
	e := p.tryLease(rp, p.now(), &toClose)
	p.gc(rp)
	p.mux.Unlock()
	closeSessions(toClose)
	if e == nil {
		return nil, ErrPoolSaturated
	}
	return e, nil
}

// LeaseAsync cb只会被调用一次，可能在返回之前就被调用
func (p *Pool) LeaseAsync(route Route, cb LeaseCallback) *LeaseRequest {
	req := &LeaseRequest{route: route, cb: cb}
	var toClose []Session
	p.mux.Lock()
	if p.closed {
		req.done = true
		p.mux.Unlock()
		cb(nil, ErrPoolShutdown)
		return req
	}
	rp := p.getRoute(route)
	// 已经有人在排队的时候不能插队
	if rp.pending == 0 {
		if e := p.tryLease(rp, p.now(), &toClose); e != nil {
			req.done = true
			p.mux.Unlock()
			closeSessions(toClose)
			cb(e, nil)
			return req
		}
	}
	if p.cfg.Policy == QueueFailFast {
		req.done = true
		p.gc(rp)
		p.mux.Unlock()
		closeSessions(toClose)
		cb(nil, ErrPoolSaturated)
		return req
	}
	req.elem = p.pending.PushBack(req)
	rp.pending++
	if p.cfg.LeaseTimeout > 0 {
		req.timer = time.AfterFunc(p.cfg.LeaseTimeout, func() {
			p.expireLease(req)
		})
	}
	p.mux.Unlock()
	closeSessions(toClose)
	return req
}

// CancelLease 取消排队中的请求，回调不会再被调用
func (p *Pool) CancelLease(req *LeaseRequest) bool {
	p.mux.Lock()
	defer p.mux.Unlock()
	if req == nil || req.done {
		return false
	}
	p.removePending(req)
	if rp, ok := p.routes[req.route]; ok {
		p.gc(rp)
	}
	return true
}

func (p *Pool) expireLease(req *LeaseRequest) {
	p.mux.Lock()
	if req.done {
		p.mux.Unlock()
		return
	}
	p.removePending(req)
	if rp, ok := p.routes[req.route]; ok {
		p.gc(rp)
	}
	wait := p.cfg.LeaseTimeout
	p.mux.Unlock()
	req.cb(nil, fmt.Errorf("%w: no connection to %s within %s", ErrPoolSaturated, req.route, wait))
}

// Release reusable并且连接还可用的时候放回池中，否则关闭
// 每次release都会释放一个单位的容量，然后按顺序服务排队的请求
func (p *Pool) Release(e *PoolEntry, reusable bool) {
	var toClose []Session
	p.mux.Lock()
	if e.state != StateLeased {
		p.mux.Unlock()
		return
	}
	delete(p.leased, e.id)
	rp := p.getRoute(e.route)
	rp.leased--
	now := p.now()
	if reusable && !p.closed && e.session != nil && !p.expired(e, now) {
		e.state = StateAvailable
		e.updated = now
		rp.available = append(rp.available, e)
		p.idle++
	} else {
		p.discard(e, &toClose)
	}
	grants := p.serve(now, &toClose)
	p.gc(rp)
	p.mux.Unlock()
	closeSessions(toClose)
	fire(grants)
}

// CloseExpired 关闭空闲超时，keep-alive过期或者已经断开的连接
func (p *Pool) CloseExpired() int {
	return p.purge(func(e *PoolEntry, now time.Time) bool {
		return p.expired(e, now)
	})
}

// CloseIdle 关闭空闲超过idle的连接
func (p *Pool) CloseIdle(idle time.Duration) int {
	return p.purge(func(e *PoolEntry, now time.Time) bool {
		return now.Sub(e.updated) >= idle
	})
}

func (p *Pool) purge(f func(e *PoolEntry, now time.Time) bool) int {
	var toClose []Session
	p.mux.Lock()
	now := p.now()
	for _, rp := range p.routes {
		keep := rp.available[:0]
		for _, e := range rp.available {
			if f(e, now) {
				p.idle--
				p.discard(e, &toClose)
			} else {
				keep = append(keep, e)
			}
		}
		for i := len(keep); i < len(rp.available); i++ {
			rp.available[i] = nil
		}
		rp.available = keep
	}
	// 空出来的全局容量可以给其他route排队的请求
	grants := p.serve(now, &toClose)
	for _, rp := range p.routes {
		p.gc(rp)
	}
	p.mux.Unlock()
	closeSessions(toClose)
	fire(grants)
	return len(toClose)
}

// Shutdown 关闭所有连接，排队中的请求返回ErrPoolShutdown
func (p *Pool) Shutdown() {
	var toClose []Session
	var grants []grant
	p.mux.Lock()
	if p.closed {
		p.mux.Unlock()
		return
	}
	p.closed = true
	for _, rp := range p.routes {
		for _, e := range rp.available {
			p.discard(e, &toClose)
		}
		rp.available = nil
	}
	p.idle = 0
	for _, e := range p.leased {
		if e.session != nil {
			toClose = append(toClose, e.session)
		}
	}
	for el := p.pending.Front(); el != nil; el = p.pending.Front() {
		req := el.Value.(*LeaseRequest)
		p.removePending(req)
		grants = append(grants, grant{req: req, err: ErrPoolShutdown})
	}
	for _, rp := range p.routes {
		p.gc(rp)
	}
	p.mux.Unlock()
	closeSessions(toClose)
	fire(grants)
}

func (p *Pool) IsShutdown() bool {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.closed
}

func (p *Pool) SetMaxTotal(max int) {
	p.reconfigure(func() { p.cfg.MaxTotal = max })
}

func (p *Pool) SetDefaultMaxPerRoute(max int) {
	p.reconfigure(func() { p.cfg.DefaultMaxPerRoute = max })
}

func (p *Pool) SetMaxPerRoute(route Route, max int) {
	p.reconfigure(func() { p.cfg.MaxPerRoute[route] = max })
}

func (p *Pool) MaxPerRoute(route Route) int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.maxFor(route)
}

func (p *Pool) reconfigure(f func()) {
	var toClose []Session
	p.mux.Lock()
	f()
	grants := p.serve(p.now(), &toClose)
	p.mux.Unlock()
	closeSessions(toClose)
	fire(grants)
}

func (p *Pool) Stats() PoolStats {
	p.mux.Lock()
	defer p.mux.Unlock()
	return PoolStats{Leased: len(p.leased), Available: p.idle, Pending: p.pending.Len(), Max: p.cfg.MaxTotal}
}

func (p *Pool) RouteStats(route Route) PoolStats {
	p.mux.Lock()
	defer p.mux.Unlock()
	s := PoolStats{Max: p.maxFor(route)}
	if rp, ok := p.routes[route]; ok {
		s.Leased = rp.leased
		s.Available = len(rp.available)
		s.Pending = rp.pending
	}
	return s
}

func (p *Pool) Routes() []Route {
	p.mux.Lock()
	defer p.mux.Unlock()
	routes := make([]Route, 0, len(p.routes))
	for r := range p.routes {
		routes = append(routes, r)
	}
	return routes
}

func (p *Pool) getRoute(route Route) *routePool {
	rp, ok := p.routes[route]
	if !ok {
		rp = &routePool{route: route}
		p.routes[route] = rp
	}
	return rp
}

// 没有任何状态的route直接删除，避免map一直增长
func (p *Pool) gc(rp *routePool) {
	if rp.leased == 0 && rp.pending == 0 && len(rp.available) == 0 {
		delete(p.routes, rp.route)
	}
}

func (p *Pool) maxFor(route Route) int {
	if v, ok := p.cfg.MaxPerRoute[route]; ok {
		return v
	}
	return p.cfg.DefaultMaxPerRoute
}

func (p *Pool) expired(e *PoolEntry, now time.Time) bool {
	if e.session == nil || !e.session.IsOpen() {
		return true
	}
	if p.cfg.IdleTimeout > 0 && now.Sub(e.updated) >= p.cfg.IdleTimeout {
		return true
	}
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

func (p *Pool) discard(e *PoolEntry, toClose *[]Session) {
	e.state = StateClosed
	if e.session != nil {
		*toClose = append(*toClose, e.session)
	}
}

func (p *Pool) tryLease(rp *routePool, now time.Time, toClose *[]Session) *PoolEntry {
	for n := len(rp.available); n > 0; n = len(rp.available) {
		e := rp.available[n-1]
		rp.available[n-1] = nil
		rp.available = rp.available[:n-1]
		p.idle--
		if p.expired(e, now) {
			p.discard(e, toClose)
			continue
		}
		e.state = StateLeased
		e.updated = now
		e.useCnt++
		rp.leased++
		p.leased[e.id] = e
		return e
	}
	if rp.leased >= p.maxFor(rp.route) || len(p.leased) >= p.cfg.MaxTotal {
		return nil
	}
	// 全局容量被其他route的空闲连接占用，回收最久没用的一个
	if len(p.leased)+p.idle >= p.cfg.MaxTotal && !p.evictOldest(toClose) {
		return nil
	}
	p.seq++
	e := &PoolEntry{id: p.seq, pool: p, route: rp.route, state: StateLeased, created: now, updated: now, useCnt: 1}
	rp.leased++
	p.leased[e.id] = e
	return e
}

func (p *Pool) evictOldest(toClose *[]Session) bool {
	var victim *routePool
	for _, rp := range p.routes {
		if len(rp.available) == 0 {
			continue
		}
		if victim == nil || rp.available[0].updated.Before(victim.available[0].updated) {
			victim = rp
		}
	}
	if victim == nil {
		return false
	}
	e := victim.available[0]
	victim.available[0] = nil
	victim.available = victim.available[1:]
	p.idle--
	p.discard(e, toClose)
	return true
}

// 按提交顺序服务排队的请求，同一个route前面的请求没法满足时，后面的也跳过
func (p *Pool) serve(now time.Time, toClose *[]Session) []grant {
	if p.closed || p.pending.Len() == 0 {
		return nil
	}
	var grants []grant
	var blocked map[Route]bool
	for el := p.pending.Front(); el != nil; {
		next := el.Next()
		req := el.Value.(*LeaseRequest)
		if blocked[req.route] {
			el = next
			continue
		}
		e := p.tryLease(p.getRoute(req.route), now, toClose)
		if e == nil {
			if blocked == nil {
				blocked = make(map[Route]bool)
			}
			blocked[req.route] = true
			if len(p.leased) >= p.cfg.MaxTotal {
				break
			}
			el = next
			continue
		}
		p.removePending(req)
		grants = append(grants, grant{req: req, entry: e})
		el = next
	}
	return grants
}

func (p *Pool) removePending(req *LeaseRequest) {
	p.pending.Remove(req.elem)
	req.elem = nil
	req.done = true
	if req.timer != nil {
		req.timer.Stop()
	}
	if rp, ok := p.routes[req.route]; ok {
		rp.pending--
	}
}

func fire(grants []grant) {
	for _, g := range grants {
		g.req.cb(g.entry, g.err)
	}
}

func closeSessions(list []Session) {
	for _, s := range list {
		s.Close()
	}
}
