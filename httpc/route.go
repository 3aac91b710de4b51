package httpc

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Route 连接池的key，所有字段相等才是同一个route
type Route struct {
	Scheme string
	Host   string
	Port   int
}

func NewRoute(scheme, host string, port int) Route {
	return Route{Scheme: strings.ToLower(scheme), Host: strings.ToLower(host), Port: port}
}

func (r Route) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r Route) String() string {
	return r.Scheme + "://" + r.Address()
}

// ParseURL 解析出route和request-target，端口为空时使用scheme的默认端口
func ParseURL(rawURL string, registry *SchemeRegistry) (Route, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Route{}, "", err
	}
	if u.Host == "" {
		return Route{}, "", fmt.Errorf("httpc: missing host in %q", rawURL)
	}
	route := NewRoute(u.Scheme, u.Hostname(), 0)
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Route{}, "", fmt.Errorf("httpc: bad port in %q", rawURL)
		}
		route.Port = port
	}
	if registry != nil {
		if route, err = registry.Normalize(route); err != nil {
			return Route{}, "", err
		}
	}
	return route, u.RequestURI(), nil
}
