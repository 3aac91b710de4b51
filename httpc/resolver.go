package httpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// Resolver 在connector的goroutine中调用，可以阻塞
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

type SystemResolver struct{}

func (SystemResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := parseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
	}
	return ips, nil
}

type dnsCacheItem struct {
	ips    []net.IP
	expire time.Time
}

// DNSResolver 直接向指定的服务器查询A和AAAA记录，按ttl缓存
// 同一个域名的并发查询会被合并
type DNSResolver struct {
	servers []string
	client  *dns.Client
	minTTL  time.Duration
	maxTTL  time.Duration
	group   singleflight.Group
	mux     sync.RWMutex
	cache   map[string]dnsCacheItem
	now     func() time.Time
}

// NewDNSResolver servers格式为 host:port，没有端口时使用53
func NewDNSResolver(timeout time.Duration, servers ...string) *DNSResolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	list := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		list = append(list, s)
	}
	return &DNSResolver{
		servers: list,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		minTTL:  time.Second,
		maxTTL:  5 * time.Minute,
		cache:   make(map[string]dnsCacheItem),
		now:     time.Now,
	}
}

func (r *DNSResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := parseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	name := dns.Fqdn(host)
	r.mux.RLock()
	item, ok := r.cache[name]
	r.mux.RUnlock()
	if ok && r.now().Before(item.expire) {
		return item.ips, nil
	}
	// 查询不跟随单个调用者的ctx，避免一个调用者取消影响其他等待者
	ch := r.group.DoChan(name, func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(context.Background(), r.client.Timeout*time.Duration(len(r.servers)+1))
		defer cancel()
		return r.lookup(qctx, name)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]net.IP), nil
	}
}

func (r *DNSResolver) lookup(ctx context.Context, name string) ([]net.IP, error) {
	if len(r.servers) == 0 {
		return nil, errors.New("httpc: no dns server configured")
	}
	var lastErr error
	for _, server := range r.servers {
		var ips []net.IP
		ttl := r.maxTTL
		for _, qType := range []uint16{dns.TypeA, dns.TypeAAAA} {
			msg := new(dns.Msg)
			msg.SetQuestion(name, qType)
			resp, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("httpc: dns %s for %s from %s", dns.RcodeToString[resp.Rcode], name, server)
				continue
			}
			for _, ans := range resp.Answer {
				switch rec := ans.(type) {
				case *dns.A:
					ips = append(ips, rec.A)
				case *dns.AAAA:
					ips = append(ips, rec.AAAA)
				default:
					continue
				}
				if t := time.Duration(ans.Header().Ttl) * time.Second; t < ttl {
					ttl = t
				}
			}
		}
		if len(ips) > 0 {
			if ttl < r.minTTL {
				ttl = r.minTTL
			}
			r.mux.Lock()
			r.cache[name] = dnsCacheItem{ips: ips, expire: r.now().Add(ttl)}
			r.mux.Unlock()
			return ips, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrNoAddress, name)
	}
	return nil, lastErr
}

// Flush 清空缓存
func (r *DNSResolver) Flush() {
	r.mux.Lock()
	r.cache = make(map[string]dnsCacheItem)
	r.mux.Unlock()
}

func parseIP(host string) net.IP {
	if len(host) > 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	return net.ParseIP(host)
}
