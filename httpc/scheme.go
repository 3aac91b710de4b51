package httpc

import (
	"crypto/tls"
	"sort"
	"strings"
	"sync"
)

type Scheme struct {
	Name        string
	DefaultPort int
	// nil表示明文
	Layering LayeringStrategy
}

// ResolvePort 0或者负数返回默认端口
func (s *Scheme) ResolvePort(port int) int {
	if port <= 0 {
		return s.DefaultPort
	}
	return port
}

func (s *Scheme) IsLayered() bool {
	return s.Layering != nil
}

// SchemeRegistry 在启动的时候注册，之后基本只读
type SchemeRegistry struct {
	mux     sync.RWMutex
	schemes map[string]*Scheme
}

func NewSchemeRegistry() *SchemeRegistry {
	return &SchemeRegistry{schemes: make(map[string]*Scheme)}
}

// DefaultSchemeRegistry http:80 明文，https:443 tls
func DefaultSchemeRegistry(tlsConfig *tls.Config) *SchemeRegistry {
	r := NewSchemeRegistry()
	r.Register("http", 80, nil)
	r.Register("https", 443, NewTLSLayeringStrategy(tlsConfig))
	return r
}

// Register 重复注册会覆盖，返回旧的
func (r *SchemeRegistry) Register(name string, defaultPort int, strategy LayeringStrategy) *Scheme {
	name = strings.ToLower(name)
	r.mux.Lock()
	old := r.schemes[name]
	r.schemes[name] = &Scheme{Name: name, DefaultPort: defaultPort, Layering: strategy}
	r.mux.Unlock()
	return old
}

func (r *SchemeRegistry) Unregister(name string) *Scheme {
	name = strings.ToLower(name)
	r.mux.Lock()
	old := r.schemes[name]
	delete(r.schemes, name)
	r.mux.Unlock()
	return old
}

func (r *SchemeRegistry) Resolve(name string) (*Scheme, error) {
	r.mux.RLock()
	s, ok := r.schemes[strings.ToLower(name)]
	r.mux.RUnlock()
	if !ok {
		return nil, &UnknownSchemeError{Scheme: name}
	}
	return s, nil
}

// Normalize 补全默认端口，host转成小写
func (r *SchemeRegistry) Normalize(route Route) (Route, error) {
	s, err := r.Resolve(route.Scheme)
	if err != nil {
		return route, err
	}
	route.Scheme = s.Name
	route.Host = strings.ToLower(route.Host)
	route.Port = s.ResolvePort(route.Port)
	return route, nil
}

func (r *SchemeRegistry) Names() []string {
	r.mux.RLock()
	names := make([]string, 0, len(r.schemes))
	for k := range r.schemes {
		names = append(names, k)
	}
	r.mux.RUnlock()
	sort.Strings(names)
	return names
}
