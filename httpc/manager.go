package httpc

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/liangmanlin/nbhttpc/bpool"
	"github.com/liangmanlin/nbhttpc/kernel"
)

const chunkHeadRoom = 10

// manager 是client的loop，所有exchange的状态都只在这里修改
type manager struct {
	c         *Client
	ctx       *kernel.Context
	pid       *kernel.Pid
	exchanges map[uint64]*exchange
	// 物理连接上当前的exchange
	byEntry map[uint64]*exchange
	chunk   *bpool.Buff
	evict   *kernel.Timer
	closed  bool
}

var managerActor = &kernel.Actor{
	Init: func(ctx *kernel.Context, pid *kernel.Pid, args ...interface{}) interface{} {
		c := args[0].(*Client)
		m := &manager{
			c:         c,
			ctx:       ctx,
			pid:       pid,
			exchanges: make(map[uint64]*exchange),
			byEntry:   make(map[uint64]*exchange),
			chunk:     bpool.New(c.opts.writeChunkSize + chunkHeadRoom + 8),
		}
		if c.opts.evictInterval > 0 {
			m.evict = kernel.SendAfterForever(pid, c.opts.evictInterval.Milliseconds(), evictTick{})
		}
		return m
	},
	HandleCast: func(ctx *kernel.Context, msg interface{}) {
		m := ctx.State.(*manager)
		switch r := msg.(type) {
		case *dataMsg:
			m.onData(r)
		case *sendMsg:
			if ex, ok := m.exchanges[r.id]; ok {
				m.send(ex)
			}
		case *submitMsg:
			m.onSubmit(r)
		case *leaseMsg:
			m.onLease(r)
		case *connectedMsg:
			m.onConnected(r)
		case *closedMsg:
			m.onClosed(r)
		case *resumeMsg:
			m.onResume(r)
		case *timeoutMsg:
			m.onTimeout(r)
		case *cancelMsg:
			if ex, ok := m.exchanges[r.id]; ok {
				// future已经在Cancel里面结束了，这里只是回收资源
				m.fail(ex, KindIO, ErrCancelled)
			}
		case *taskMsg:
			r.f()
		case evictTick:
			if n := m.c.pool.CloseExpired(); n > 0 {
				kernel.DebugLog("evict %d expired connections, pool %s", n, m.c.pool.Stats())
			}
		default:
			kernel.ErrorLog("httpc manager: unknown msg %#v", msg)
		}
	},
	HandleCall: func(ctx *kernel.Context, request interface{}) interface{} {
		m := ctx.State.(*manager)
		switch request.(type) {
		case closeReq:
			m.shutdown()
			return true
		case inflightReq:
			return len(m.exchanges)
		}
		return nil
	},
	Terminate: func(ctx *kernel.Context, reason *kernel.Terminate) {
		m := ctx.State.(*manager)
		m.shutdown()
		m.chunk.Free()
	},
	ErrorHandler: func(ctx *kernel.Context, err interface{}) bool {
		return true
	},
}

func (m *manager) onSubmit(r *submitMsg) {
	ex := r.ex
	if r.admitted {
		// 限流等待期间可能已经被取消或者超时
		if _, ok := m.exchanges[ex.id]; ok {
			m.lease(ex)
		}
		return
	}
	if m.closed {
		m.fail(ex, KindShutdown, ErrClientClosed)
		return
	}
	if ex.future.IsDone() {
		ex.state = Failed
		ex.producer.Close()
		ex.decoder.Close()
		consumerCall(func() error { ex.consumer.Failed(ErrCancelled); return nil })
		m.c.metrics.cancelled.Add(1)
		return
	}
	m.exchanges[ex.id] = ex
	timeout := ex.timeout
	if timeout <= 0 {
		timeout = m.c.opts.exchangeTimeout
	}
	if timeout > 0 {
		ex.exchangeTimer = kernel.SendAfter(kernel.TimerTypeOnce, m.pid, millis(timeout), &timeoutMsg{id: ex.id, kind: timeoutExchange})
	}
	if m.c.limiter != nil {
		if d := m.c.limiter.Reserve().Delay(); d > 0 {
			kernel.SendAfter(kernel.TimerTypeOnce, m.pid, millis(d), &submitMsg{ex: ex, admitted: true})
			return
		}
	}
	m.lease(ex)
}

func (m *manager) lease(ex *exchange) {
	id, pid, pool := ex.id, m.pid, m.c.pool
	ex.leaseReq = pool.LeaseAsync(ex.route, func(e *PoolEntry, err error) {
		if !kernel.Cast(pid, &leaseMsg{id: id, entry: e, err: err}) && e != nil {
			pool.Release(e, false)
		}
	})
}

func (m *manager) onLease(r *leaseMsg) {
	ex, ok := m.exchanges[r.id]
	if !ok || ex.entry != nil {
		if r.entry != nil {
			// 没用过的连接还可以放回去
			m.c.pool.Release(r.entry, r.entry.Session() != nil)
		}
		return
	}
	ex.leaseReq = nil
	if r.err != nil {
		kind := KindSaturation
		if errors.Is(r.err, ErrPoolShutdown) {
			kind = KindShutdown
		}
		m.fail(ex, kind, r.err)
		return
	}
	ex.entry = r.entry
	m.byEntry[r.entry.ID()] = ex
	if s := r.entry.Session(); s != nil {
		m.bind(ex, s)
		return
	}
	ex.connecting = true
	go m.c.connect(m.pid, ex.id, r.entry, ex.scheme)
}

func (m *manager) onConnected(r *connectedMsg) {
	ex, ok := m.exchanges[r.id]
	if !ok || ex.entry != r.entry {
		if r.session != nil {
			r.session.Close()
		}
		m.c.pool.Release(r.entry, false)
		return
	}
	ex.connecting = false
	if r.err != nil {
		m.fail(ex, KindConnect, r.err)
		return
	}
	if err := r.entry.SetSession(r.session); err != nil {
		m.fail(ex, KindShutdown, err)
		return
	}
	m.c.metrics.connOpened.Add(1)
	kernel.DebugLog("connection %d open to %s (%s)", r.entry.ID(), ex.route, r.session.RemoteAddr())
	if ex.closeSeen {
		m.fail(ex, KindIO, ErrConnectionClosed)
		return
	}
	m.bind(ex, r.session)
}

func (m *manager) bind(ex *exchange, s Session) {
	ex.session = s
	ex.state = SendingRequest
	ex.lastActive = time.Now()
	m.armSocketTimer(ex, m.c.opts.socketTimeout)
	head := ex.encodeHead(m.c.opts.userAgent)
	_, err := s.Write(head.ToBytes())
	head.Free()
	if err != nil {
		m.fail(ex, KindIO, err)
		return
	}
	if ex.producer.Request().ContentLength == 0 {
		m.requestSent(ex)
		return
	}
	m.send(ex)
}

// send 每次只写一段body，然后让出loop，写缓冲超过高水位时暂停
func (m *manager) send(ex *exchange) {
	if ex.terminal() || ex.reqDone || ex.session == nil {
		return
	}
	chunked := ex.producer.Request().ContentLength < 0
	reserve := 0
	if chunked {
		// 预留chunk头
		reserve = chunkHeadRoom
	}
	buf := m.chunk
	buf.Reset()
	buf.SetSize(reserve + m.c.opts.writeChunkSize)
	n, done, err := produce(ex.producer, buf.ToBytes()[reserve:])
	if err != nil {
		m.fail(ex, KindProducer, err)
		return
	}
	out := buf.ToBytes()[reserve : reserve+n]
	if chunked {
		from := reserve
		buf.SetSize(reserve + n)
		if n > 0 {
			head := strconv.FormatInt(int64(n), 16) + "\r\n"
			from -= len(head)
			copy(buf.ToBytes()[from:], head)
			buf.WriteString("\r\n")
		}
		if done {
			buf.WriteString("0\r\n\r\n")
		}
		out = buf.ToBytes()[from:]
	}
	if len(out) > 0 {
		if _, err = ex.session.Write(out); err != nil {
			m.fail(ex, KindIO, err)
			return
		}
	}
	if done {
		m.requestSent(ex)
		return
	}
	ex.lastActive = time.Now()
	if ex.session.Buffered() >= m.c.opts.writeHighWater {
		// 等写缓冲降下来再继续，回调在poller上执行，只能投递消息
		id, pid := ex.id, m.pid
		if !ex.session.NotifyDrained(m.c.opts.writeLowWater, func() { kernel.Cast(pid, &sendMsg{id: id}) }) {
			return
		}
	}
	m.ctx.CastSelf(&sendMsg{id: ex.id})
}

func produce(p RequestProducer, buf []byte) (n int, done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			kernel.ErrorLog("producer panic: %v", r)
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	return p.Produce(buf)
}

func (m *manager) requestSent(ex *exchange) {
	ex.reqDone = true
	if ex.state == SendingRequest {
		ex.state = AwaitingResponse
	}
}

func (m *manager) onData(r *dataMsg) {
	ex, ok := m.byEntry[r.h.entryID]
	if !ok {
		kernel.DebugLog("unsolicited %d bytes on idle connection %d, close it", r.buf.Size(), r.h.entryID)
		r.buf.Free()
		r.h.session.Close()
		return
	}
	if ex.session == nil {
		r.buf.Free()
		m.fail(ex, KindProtocol, &DecodeError{State: stateStatusLine.String(), Err: fmt.Errorf("%w: data before request", ErrInvalidStatusLine)})
		return
	}
	ex.lastActive = time.Now()
	if ex.state == SendingRequest || ex.state == AwaitingResponse {
		ex.state = ReceivingResponse
	}
	err := ex.decoder.Feed(r.buf.ToBytes())
	r.buf.Free()
	m.afterDecode(ex, err)
}

func (m *manager) afterDecode(ex *exchange, err error) {
	if ex.terminal() {
		return
	}
	if err != nil {
		kind, cause := classify(err)
		m.fail(ex, kind, cause)
		return
	}
	if ex.decoder.Done() {
		m.complete(ex)
		return
	}
	if ex.closeSeen && !ex.decoder.Paused() {
		m.inputClosed(ex)
	}
}

func (m *manager) onClosed(r *closedMsg) {
	ex, ok := m.byEntry[r.h.entryID]
	if !ok {
		kernel.DebugLog("idle connection %d closed: %v", r.h.entryID, r.err)
		return
	}
	ex.closeSeen = true
	ex.closeErr = r.err
	if ex.session == nil {
		// 等connector的结果
		return
	}
	if ex.decoder.Paused() && ex.decoder.Buffered() > 0 {
		return
	}
	m.inputClosed(ex)
}

func (m *manager) inputClosed(ex *exchange) {
	err := ex.decoder.CloseInput()
	if err == nil {
		m.complete(ex)
		return
	}
	kernel.DebugLog("connection %d closed in %s: %v", ex.entry.ID(), ex.state, ex.closeErr)
	m.fail(ex, KindIO, err)
}

func (m *manager) onResume(r *resumeMsg) {
	ex, ok := m.exchanges[r.id]
	if !ok || !ex.suspended {
		return
	}
	ex.suspended = false
	err := ex.decoder.Resume()
	if !ex.suspended && ex.session != nil {
		ex.session.RequestInput()
	}
	ex.lastActive = time.Now()
	m.afterDecode(ex, err)
}

func (m *manager) onTimeout(r *timeoutMsg) {
	ex, ok := m.exchanges[r.id]
	if !ok {
		return
	}
	switch r.kind {
	case timeoutExchange:
		m.fail(ex, KindTimeout, ErrExchangeTimeout)
	case timeoutSocket:
		if r.seq != ex.socketSeq {
			return
		}
		to := m.c.opts.socketTimeout
		idle := time.Since(ex.lastActive)
		if ex.suspended {
			m.armSocketTimer(ex, to)
			return
		}
		if idle < to {
			m.armSocketTimer(ex, to-idle)
			return
		}
		m.fail(ex, KindTimeout, fmt.Errorf("%w: no data for %s", ErrSocketTimeout, idle.Truncate(time.Millisecond)))
	}
}

func (m *manager) armSocketTimer(ex *exchange, d time.Duration) {
	if m.c.opts.socketTimeout <= 0 {
		return
	}
	ex.socketTimer.Stop()
	ex.socketSeq++
	ex.socketTimer = kernel.SendAfter(kernel.TimerTypeOnce, m.pid, millis(d), &timeoutMsg{id: ex.id, kind: timeoutSocket, seq: ex.socketSeq})
}

// complete 先归还连接，再设置future
func (m *manager) complete(ex *exchange) {
	reusable := ex.reusable()
	if reusable {
		// 每个响应重新决定，没有Keep-Alive的时候清掉上一次的
		var expiry time.Time
		if kat := ex.decoder.KeepAliveTimeout(); kat > 0 {
			expiry = time.Now().Add(kat)
		}
		ex.entry.SetExpiry(expiry)
		if ex.suspended {
			ex.session.RequestInput()
		}
	}
	var resp *Response
	err := consumerCall(func() (err error) {
		resp, err = ex.consumer.ResponseCompleted()
		return
	})
	if err != nil {
		ex.state = Failed
		m.finish(ex, false)
		m.c.metrics.failed.Add(1)
		_, cause := classify(err)
		ex.future.fail(&ExecutionError{Kind: KindConsumer, Route: ex.route, Cause: cause})
		return
	}
	ex.state = Completed
	m.finish(ex, reusable)
	m.c.metrics.observe(time.Since(ex.start))
	ex.future.complete(resp)
}

func (m *manager) fail(ex *exchange, kind FailureKind, cause error) {
	if ex.terminal() {
		return
	}
	ex.state = Failed
	if errors.Is(cause, ErrCancelled) {
		m.c.metrics.cancelled.Add(1)
	} else {
		m.c.metrics.failed.Add(1)
		kernel.DebugLog("exchange %d to %s failed, %s: %v", ex.id, ex.route, kind, cause)
	}
	consumerCall(func() error { ex.consumer.Failed(cause); return nil })
	m.finish(ex, false)
	ex.future.fail(&ExecutionError{Kind: kind, Route: ex.route, Cause: cause})
}

func (m *manager) finish(ex *exchange, reusable bool) {
	ex.socketTimer.Stop()
	ex.exchangeTimer.Stop()
	delete(m.exchanges, ex.id)
	ex.producer.Close()
	ex.decoder.Close()
	if ex.leaseReq != nil {
		m.c.pool.CancelLease(ex.leaseReq)
		ex.leaseReq = nil
	}
	if ex.entry == nil {
		return
	}
	if m.byEntry[ex.entry.ID()] == ex {
		delete(m.byEntry, ex.entry.ID())
	}
	// 连接中的entry由connector归还
	if !ex.connecting {
		m.c.pool.Release(ex.entry, reusable)
	}
}

func (m *manager) shutdown() {
	if m.closed {
		return
	}
	m.closed = true
	m.evict.Stop()
	for _, ex := range m.exchanges {
		m.fail(ex, KindShutdown, ErrClientClosed)
	}
}

func millis(d time.Duration) int64 {
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}
