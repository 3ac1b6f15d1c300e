package coremain

import (
	"github.com/pmkol/doh-racer/mlog"
	"github.com/pmkol/doh-racer/pkg/upstream"
)

type Config struct {
	Log       mlog.LogConfig    `yaml:"log"`
	Include   []string          `yaml:"include"`
	Upstreams []upstream.Config `yaml:"upstreams"`
	Race      RaceConfig        `yaml:"race"`
	Cache     CacheConfig       `yaml:"cache"`
	Deferred  DeferredConfig    `yaml:"deferred"`
	Servers   []ServerConfig    `yaml:"servers"`
	Redirects map[string]string `yaml:"redirects"`
	API       APIConfig         `yaml:"api"`
}

type RaceConfig struct {
	// Concurrency is the number of upstreams raced per query. Default is 4.
	Concurrency int `yaml:"concurrency"`
	// Timeout of a single upstream attempt in milliseconds. Default is 2500.
	Timeout int `yaml:"timeout"`
}

type CacheConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend string `yaml:"backend"`
	// Size is the capacity of the memory backend.
	Size int `yaml:"size"`
	// TTL in seconds. Default is 1800.
	TTL int `yaml:"ttl"`
	// CleanerInterval in seconds for the memory backend. Default is 60.
	CleanerInterval int         `yaml:"cleaner_interval"`
	Redis           RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	// URL, e.g. "redis://:password@localhost:6379/0".
	URL string `yaml:"url"`
	// Timeout in milliseconds. Default is 1000.
	Timeout   int    `yaml:"timeout"`
	KeyPrefix string `yaml:"key_prefix"`
}

type DeferredConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// ServerConfig is a DoH endpoint served on one or more listeners.
type ServerConfig struct {
	// Path of the DoH endpoint. Default is "/dns-query".
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	SrcIPHeader string `yaml:"src_ip_header"`
	// IdleTimeout in seconds.
	IdleTimeout int              `yaml:"idle_timeout"`
	Listeners   []ListenerConfig `yaml:"listeners"`
}

type ListenerConfig struct {
	// Protocol is one of "http", "https" or "h3".
	Protocol string `yaml:"protocol"`
	Addr     string `yaml:"addr"`

	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	AllowedSNI string `yaml:"allowed_sni"`
	KernelTX   bool   `yaml:"kernel_tx"`
	KernelRX   bool   `yaml:"kernel_rx"`

	// ProxyProtocol accepts a PROXY protocol header on tcp listeners.
	ProxyProtocol bool `yaml:"proxy_protocol"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// DefaultUpstreams are used when no upstream is configured.
var DefaultUpstreams = []upstream.Config{
	{Name: "Cloudflare", URL: "https://cloudflare-dns.com/dns-query", Color: "#f38020"},
	{Name: "Google", URL: "https://dns.google/dns-query", Color: "#4285f4"},
	{Name: "Electro", URL: "https://dns.electrotm.org/dns-query", Color: "#0066ff"},
	{Name: "Shecan", URL: "https://shecan.ir/dns-query", Color: "#00c853"},
	{Name: "Quad9", URL: "https://dns.quad9.net/dns-query", Color: "#4d57e6"},
	{Name: "OpenDNS", URL: "https://doh.opendns.com/dns-query", Color: "#ff6600"},
}

// DefaultConfig returns a config with every default spelled out.
func DefaultConfig() *Config {
	ups := make([]upstream.Config, len(DefaultUpstreams))
	copy(ups, DefaultUpstreams)
	return &Config{
		Log:       mlog.LogConfig{Level: "info"},
		Upstreams: ups,
		Race:      RaceConfig{Concurrency: 4, Timeout: 2500},
		Cache: CacheConfig{
			Backend:         "memory",
			Size:            65536,
			TTL:             1800,
			CleanerInterval: 60,
		},
		Deferred: DeferredConfig{Workers: 4, QueueSize: 1024},
		Servers: []ServerConfig{{
			Path:       "/dns-query",
			HealthPath: "/health",
			Listeners:  []ListenerConfig{{Protocol: "http", Addr: "127.0.0.1:8053"}},
		}},
		API: APIConfig{HTTP: "127.0.0.1:8054"},
	}
}
