package httpc

import (
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMaxTotal       = 20
	DefaultMaxPerRoute    = 2
	DefaultWriteChunkSize = 8 * 1024
	DefaultWriteHighWater = 256 * 1024
	DefaultWriteLowWater  = 64 * 1024
	DefaultUserAgent      = "nbhttpc/1.0"
)

type options struct {
	maxTotal        int
	maxPerRoute     int
	routeMax        map[Route]int
	idleTimeout     time.Duration
	queuePolicy     QueuePolicy
	leaseTimeout    time.Duration
	registry        *SchemeRegistry
	tlsConfig       *tls.Config
	pollers         int
	readBufferSize  int
	writeChunkSize  int
	writeHighWater  int
	writeLowWater   int
	connectTimeout  time.Duration
	socketTimeout   time.Duration
	exchangeTimeout time.Duration
	resolver        Resolver
	rateLimit       rate.Limit
	rateBurst       int
	userAgent       string
	evictInterval   time.Duration
	maxHeaderSize   int
}

type Option func(o *options)

func defaultOptions() *options {
	return &options{
		maxTotal:       DefaultMaxTotal,
		maxPerRoute:    DefaultMaxPerRoute,
		routeMax:       make(map[Route]int),
		idleTimeout:    90 * time.Second,
		readBufferSize: 16 * 1024,
		writeChunkSize: DefaultWriteChunkSize,
		writeHighWater: DefaultWriteHighWater,
		writeLowWater:  DefaultWriteLowWater,
		connectTimeout: 10 * time.Second,
		socketTimeout:  30 * time.Second,
		userAgent:      DefaultUserAgent,
		evictInterval:  5 * time.Second,
		maxHeaderSize:  DefaultMaxHeaderSize,
	}
}

func WithMaxTotal(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTotal = n
		}
	}
}

func WithMaxPerRoute(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPerRoute = n
		}
	}
}

// WithRouteMax 单独设置某个route的上限，端口为0时使用scheme的默认端口
func WithRouteMax(route Route, n int) Option {
	return func(o *options) {
		o.routeMax[route] = n
	}
}

// WithIdleTimeout 空闲超过d的连接不会再被复用，0表示不限制
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithQueuePolicy leaseTimeout只对QueueWait有效，0表示一直等待
func WithQueuePolicy(policy QueuePolicy, leaseTimeout time.Duration) Option {
	return func(o *options) {
		o.queuePolicy = policy
		o.leaseTimeout = leaseTimeout
	}
}

func WithSchemeRegistry(r *SchemeRegistry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithTLSConfig 只在没有指定SchemeRegistry的时候生效
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

func WithPollers(n int) Option {
	return func(o *options) {
		o.pollers = n
	}
}

func WithReadBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.readBufferSize = size
		}
	}
}

func WithWriteChunkSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.writeChunkSize = size
		}
	}
}

// WithWriteBuffer 连接上未发出的字节超过high时暂停生产body，降到low以下再继续
func WithWriteBuffer(high, low int) Option {
	return func(o *options) {
		if high <= 0 {
			return
		}
		if low < 0 || low > high {
			low = high / 4
		}
		o.writeHighWater = high
		o.writeLowWater = low
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// WithSocketTimeout 等待响应数据的最长空闲时间，0表示不限制
func WithSocketTimeout(d time.Duration) Option {
	return func(o *options) {
		o.socketTimeout = d
	}
}

// WithExchangeTimeout 整个请求的超时，0表示不限制
func WithExchangeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.exchangeTimeout = d
	}
}

func WithResolver(r Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithRateLimit 每秒最多发起rps个请求，rps小于等于0表示不限流
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = rate.Limit(rps)
		if burst < 1 {
			burst = 1
		}
		o.rateBurst = burst
	}
}

func WithUserAgent(ua string) Option {
	return func(o *options) {
		o.userAgent = ua
	}
}

// WithEvictInterval 定时清理过期连接，0表示关闭
func WithEvictInterval(d time.Duration) Option {
	return func(o *options) {
		o.evictInterval = d
	}
}

func WithMaxHeaderSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.maxHeaderSize = size
		}
	}
}

type requestOptions struct {
	header  http.Header
	timeout time.Duration
	maxBody int64
}

type RequestOption func(o *requestOptions)

func newRequestOptions(opts []RequestOption) *requestOptions {
	o := &requestOptions{header: http.Header{}}
	for _, f := range opts {
		f(o)
	}
	return o
}

func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		o.header.Add(key, value)
	}
}

func WithContentType(contentType string) RequestOption {
	return func(o *requestOptions) {
		o.header.Set("Content-Type", contentType)
	}
}

// WithTimeOut 覆盖client的ExchangeTimeout
func WithTimeOut(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
	}
}

// WithMaxBody 响应body的上限，0表示不限制
func WithMaxBody(n int64) RequestOption {
	return func(o *requestOptions) {
		o.maxBody = n
	}
}
