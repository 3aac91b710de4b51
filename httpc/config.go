package httpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/liangmanlin/nbhttpc/kernel"
	"gopkg.in/yaml.v3"
)

// Config 对应yaml配置文件，零值字段使用默认值
type Config struct {
	Pool      PoolSection      `yaml:"pool"`
	Reactor   ReactorSection   `yaml:"reactor"`
	Timeouts  TimeoutSection   `yaml:"timeouts"`
	TLS       TLSSection       `yaml:"tls"`
	DNS       DNSSection       `yaml:"dns"`
	RateLimit RateLimitSection `yaml:"rate_limit"`
	UserAgent string           `yaml:"user_agent"`
	// 单位字节
	MaxHeaderSize int        `yaml:"max_header_size"`
	Log           LogSection `yaml:"log"`
}

type PoolSection struct {
	MaxTotal    int `yaml:"max_total"`
	MaxPerRoute int `yaml:"max_per_route"`
	// url -> 上限，比如 "https://example.com": 8
	Routes        map[string]int `yaml:"routes"`
	IdleTimeout   time.Duration  `yaml:"idle_timeout"`
	EvictInterval time.Duration  `yaml:"evict_interval"`
	// wait 或者 fail_fast
	Policy       string        `yaml:"policy"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
}

type ReactorSection struct {
	Pollers        int `yaml:"pollers"`
	ReadBufferSize int `yaml:"read_buffer_size"`
	WriteChunkSize int `yaml:"write_chunk_size"`
	// 写缓冲的高低水位
	WriteHighWater int `yaml:"write_high_water"`
	WriteLowWater  int `yaml:"write_low_water"`
}

type TimeoutSection struct {
	Connect  time.Duration `yaml:"connect"`
	Socket   time.Duration `yaml:"socket"`
	Exchange time.Duration `yaml:"exchange"`
}

type TLSSection struct {
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
}

type DNSSection struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

type RateLimitSection struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LogSection struct {
	// debug 或者 error
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
	Std   *bool  `yaml:"std"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Options 转换成client的选项
func (c *Config) Options() ([]Option, error) {
	var opts []Option
	if c.Pool.MaxTotal > 0 {
		opts = append(opts, WithMaxTotal(c.Pool.MaxTotal))
	}
	if c.Pool.MaxPerRoute > 0 {
		opts = append(opts, WithMaxPerRoute(c.Pool.MaxPerRoute))
	}
	for u, n := range c.Pool.Routes {
		route, _, err := ParseURL(u, nil)
		if err != nil {
			return nil, fmt.Errorf("pool.routes %q: %w", u, err)
		}
		opts = append(opts, WithRouteMax(route, n))
	}
	if c.Pool.IdleTimeout > 0 {
		opts = append(opts, WithIdleTimeout(c.Pool.IdleTimeout))
	}
	if c.Pool.EvictInterval > 0 {
		opts = append(opts, WithEvictInterval(c.Pool.EvictInterval))
	}
	switch strings.ToLower(c.Pool.Policy) {
	case "", "wait":
		if c.Pool.LeaseTimeout > 0 {
			opts = append(opts, WithQueuePolicy(QueueWait, c.Pool.LeaseTimeout))
		}
	case "fail_fast":
		opts = append(opts, WithQueuePolicy(QueueFailFast, 0))
	default:
		return nil, fmt.Errorf("pool.policy: unknown value %q", c.Pool.Policy)
	}
	if c.Reactor.Pollers > 0 {
		opts = append(opts, WithPollers(c.Reactor.Pollers))
	}
	if c.Reactor.ReadBufferSize > 0 {
		opts = append(opts, WithReadBufferSize(c.Reactor.ReadBufferSize))
	}
	if c.Reactor.WriteChunkSize > 0 {
		opts = append(opts, WithWriteChunkSize(c.Reactor.WriteChunkSize))
	}
	if c.Reactor.WriteHighWater > 0 {
		opts = append(opts, WithWriteBuffer(c.Reactor.WriteHighWater, c.Reactor.WriteLowWater))
	}
	if c.Timeouts.Connect > 0 {
		opts = append(opts, WithConnectTimeout(c.Timeouts.Connect))
	}
	if c.Timeouts.Socket > 0 {
		opts = append(opts, WithSocketTimeout(c.Timeouts.Socket))
	}
	if c.Timeouts.Exchange > 0 {
		opts = append(opts, WithExchangeTimeout(c.Timeouts.Exchange))
	}
	if c.TLS.InsecureSkipVerify || c.TLS.CAFile != "" {
		tlsCfg := &tls.Config{InsecureSkipVerify: c.TLS.InsecureSkipVerify}
		if c.TLS.CAFile != "" {
			pem, err := os.ReadFile(c.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("tls.ca_file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("tls.ca_file: no certificate in %s", c.TLS.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
		opts = append(opts, WithTLSConfig(tlsCfg))
	}
	if len(c.DNS.Servers) > 0 {
		opts = append(opts, WithResolver(NewDNSResolver(c.DNS.Timeout, c.DNS.Servers...)))
	}
	if c.RateLimit.RPS > 0 {
		opts = append(opts, WithRateLimit(c.RateLimit.RPS, c.RateLimit.Burst))
	}
	if c.UserAgent != "" {
		opts = append(opts, WithUserAgent(c.UserAgent))
	}
	if c.MaxHeaderSize > 0 {
		opts = append(opts, WithMaxHeaderSize(c.MaxHeaderSize))
	}
	return opts, nil
}

// ApplyLog 把log配置写到kernel.Env
func (c *Config) ApplyLog() error {
	switch strings.ToLower(c.Log.Level) {
	case "":
	case "debug":
		kernel.SetLogLevel(kernel.LogLevelDebug)
	case "error":
		kernel.SetLogLevel(kernel.LogLevelError)
	default:
		return fmt.Errorf("log.level: unknown value %q", c.Log.Level)
	}
	if c.Log.Path != "" {
		kernel.Env.LogPath = c.Log.Path
	}
	if c.Log.Std != nil {
		kernel.Env.WriteLogStd = *c.Log.Std
	}
	return nil
}
