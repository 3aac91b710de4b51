package httpc

import (
	"context"
	"net"
	"strconv"

	"github.com/liangmanlin/nbhttpc/kernel"
	"github.com/liangmanlin/nbhttpc/reactor"
)

// connect 在独立的goroutine里建立连接，结果投递回loop
func (c *Client) connect(pid *kernel.Pid, id uint64, entry *PoolEntry, scheme *Scheme) {
	s, err := c.openSession(entry.Route(), scheme)
	if err == nil {
		s.StartReader(&connHandler{pid: pid, entryID: entry.ID(), session: s})
	}
	if !kernel.Cast(pid, &connectedMsg{id: id, entry: entry, session: s, err: err}) {
		if s != nil {
			s.Close()
		}
		c.pool.Release(entry, false)
	}
}

func (c *Client) openSession(route Route, scheme *Scheme) (Session, error) {
	ctx := context.Background()
	if c.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.connectTimeout)
		defer cancel()
	}
	ips, err := c.resolver.Resolve(ctx, route.Host)
	if err != nil {
		return nil, &ConnectError{Route: route, Op: "resolve", Err: err}
	}
	var raw *reactor.Conn
	for _, ip := range ips {
		raw, err = c.reactor.Dial(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(route.Port)))
		if err == nil || ctx.Err() != nil {
			break
		}
		kernel.DebugLog("dial %s(%s) failed: %v", route, ip, err)
	}
	if err != nil {
		return nil, &ConnectError{Route: route, Op: "dial", Err: err}
	}
	if scheme == nil || !scheme.IsLayered() {
		return PlainSession(raw), nil
	}
	s, err := scheme.Layering.Upgrade(ctx, raw, route)
	if err != nil {
		raw.Close()
		return nil, &ConnectError{Route: route, Op: "handshake", Err: err}
	}
	return s, nil
}
