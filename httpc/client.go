package httpc

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/liangmanlin/nbhttpc/kernel"
	"github.com/liangmanlin/nbhttpc/reactor"
	"golang.org/x/time/rate"
)

// Client 异步http客户端，所有请求由一个loop驱动
type Client struct {
	opts     *options
	registry *SchemeRegistry
	pool     *Pool
	reactor  *reactor.Reactor
	resolver Resolver
	limiter  *rate.Limiter
	metrics  *Metrics
	pid      *kernel.Pid
	seq      atomic.Uint64
	closed   atomic.Bool
}

func New(opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	registry := o.registry
	if registry == nil {
		registry = DefaultSchemeRegistry(o.tlsConfig)
	}
	perRoute := make(map[Route]int, len(o.routeMax))
	for route, n := range o.routeMax {
		r, err := registry.Normalize(NewRoute(route.Scheme, route.Host, route.Port))
		if err != nil {
			return nil, err
		}
		perRoute[r] = n
	}
	resolver := o.resolver
	if resolver == nil {
		resolver = SystemResolver{}
	}
	r, err := reactor.New(reactor.Config{
		Name:           "nbhttpc",
		NPoller:        o.pollers,
		ReadBufferSize: o.readBufferSize,
		KeepAlive:      30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:     o,
		registry: registry,
		reactor:  r,
		resolver: resolver,
		metrics:  newMetrics(),
		pool: NewPool(PoolConfig{
			MaxTotal:           o.maxTotal,
			DefaultMaxPerRoute: o.maxPerRoute,
			MaxPerRoute:        perRoute,
			IdleTimeout:        o.idleTimeout,
			Policy:             o.queuePolicy,
			LeaseTimeout:       o.leaseTimeout,
		}),
	}
	if o.rateLimit > 0 {
		c.limiter = rate.NewLimiter(o.rateLimit, o.rateBurst)
	}
	if c.pid, err = kernel.Start(managerActor, c); err != nil {
		r.Stop()
		return nil, err
	}
	return c, nil
}

// Execute 提交一个请求，不会阻塞
func (c *Client) Execute(route Route, producer RequestProducer, consumer ResponseConsumer) *Future {
	return c.execute(route, producer, consumer, 0)
}

func (c *Client) execute(route Route, producer RequestProducer, consumer ResponseConsumer, timeout time.Duration) *Future {
	c.metrics.submitted.Add(1)
	if c.closed.Load() {
		return c.reject(route, producer, consumer, KindShutdown, ErrClientClosed)
	}
	scheme, err := c.registry.Resolve(route.Scheme)
	if err != nil {
		return c.reject(route, producer, consumer, KindConnect, err)
	}
	route.Scheme = scheme.Name
	route.Host = strings.ToLower(route.Host)
	route.Port = scheme.ResolvePort(route.Port)
	f := newFuture(c.pid)
	ex := &exchange{
		id:       c.seq.Add(1),
		loop:     c.pid,
		route:    route,
		scheme:   scheme,
		producer: producer,
		consumer: consumer,
		future:   f,
		state:    PendingConnection,
		start:    time.Now(),
		timeout:  timeout,
	}
	ex.decoder = NewDecoder(producer.Request().Method, c.opts.maxHeaderSize, ex.onHead, ex.onBody)
	pid, id := c.pid, ex.id
	f.onCancel = func() {
		kernel.Cast(pid, &cancelMsg{id: id})
	}
	if !kernel.Cast(c.pid, &submitMsg{ex: ex}) {
		ex.decoder.Close()
		return c.reject(route, producer, consumer, KindShutdown, ErrClientClosed)
	}
	return f
}

func (c *Client) reject(route Route, producer RequestProducer, consumer ResponseConsumer, kind FailureKind, err error) *Future {
	c.metrics.failed.Add(1)
	producer.Close()
	consumerCall(func() error { consumer.Failed(err); return nil })
	return failedFuture(c.pid, &ExecutionError{Kind: kind, Route: route, Cause: err})
}

func (c *Client) Get(url string, opts ...RequestOption) *Future {
	return c.Do(http.MethodGet, url, nil, opts...)
}

func (c *Client) Post(url string, body []byte, contentType string, opts ...RequestOption) *Future {
	return c.Do(http.MethodPost, url, body, append(opts, WithContentType(contentType))...)
}

// Do 发送一个完整body的请求，响应body缓存在内存中
func (c *Client) Do(method, url string, body []byte, opts ...RequestOption) *Future {
	o := newRequestOptions(opts)
	route, target, err := ParseURL(url, c.registry)
	producer := NewBasicRequestProducer(method, target, o.header, body)
	consumer := NewBasicResponseConsumer(o.maxBody)
	if err != nil {
		return c.reject(route, producer, consumer, KindConnect, err)
	}
	return c.execute(route, producer, consumer, o.timeout)
}

func (c *Client) Pool() *Pool {
	return c.pool
}

func (c *Client) Registry() *SchemeRegistry {
	return c.registry
}

func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Inflight 还没有结束的请求数
func (c *Client) Inflight() int {
	ok, n := kernel.Call(c.pid, inflightReq{})
	if !ok {
		return 0
	}
	return n.(int)
}

// Close 未完成的请求以ErrClientClosed结束，然后关闭所有连接
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if ok, result := kernel.Call(c.pid, closeReq{}); !ok {
		if ce, isErr := result.(error); isErr {
			err = ce
		} else {
			err = errors.New("httpc: close failed")
		}
	}
	c.pool.Shutdown()
	kernel.Stop(c.pid, kernel.ExitReasonNormal)
	c.reactor.Stop()
	return err
}
