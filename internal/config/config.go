package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"gihan9a/braidhttp/internal/logging"
	"gihan9a/braidhttp/pkg/braidclient"
	"gihan9a/braidhttp/pkg/merge"
)

// TLSConfig holds TLS configuration options
type TLSConfig struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	GenerateCert bool
}

// CORSConfig holds CORS configuration options
type CORSConfig struct {
	Enabled          bool
	AllowOrigins     string
	AllowMethods     string
	AllowHeaders     string
	ExposeHeaders    string
	AllowCredentials bool
	MaxAge           int
}

// SubscriptionsConfig controls Subscribe requests.
type SubscriptionsConfig struct {
	Enabled bool
	// MaxSubscriptions bounds the open subscriptions across all resources.
	MaxSubscriptions int
	// HeartbeatInterval is used for subscribers that do not ask for one.
	// Zero disables heartbeats for them.
	HeartbeatInterval time.Duration
	// Buffer is the number of pending updates per subscriber. A subscriber
	// that falls further behind is dropped.
	Buffer int
}

// MergeConfig selects merge engines for new resources.
type MergeConfig struct {
	DefaultType string
	// Strict rejects unknown Merge-Type values instead of substituting
	// DefaultType.
	Strict bool
}

// PeersConfig bounds the state kept per writing peer.
type PeersConfig struct {
	CacheSize int
	// WriteRate is the sustained number of writes per second allowed for one
	// peer. Zero disables limiting.
	WriteRate  float64
	WriteBurst int
}

// StorageConfig points at the snapshot database. An empty path keeps
// resources in memory only.
type StorageConfig struct {
	Path string
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string
	Format string
}

// ClientConfig configures the command line client.
type ClientConfig struct {
	MaxRetries          int
	RetryDelay          time.Duration
	RequestTimeout      time.Duration
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	ProxyURL            *url.URL
	EnableLogging       bool
}

// Config holds the application configuration
type Config struct {
	RootDir        string
	Port           int
	ResourceSuffix string
	ProxyURL       *url.URL
	InsecureProxy  bool
	TLS            TLSConfig
	CORS           CORSConfig
	Subscriptions  SubscriptionsConfig
	Merge          MergeConfig
	Peers          PeersConfig
	Storage        StorageConfig
	Metrics        MetricsConfig
	Log            LogConfig
	Client         ClientConfig
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	client := braidclient.DefaultConfig()
	return &Config{
		RootDir:        ".",
		Port:           3000,
		ResourceSuffix: ".braid",
		TLS: TLSConfig{
			CertFile: "cert/cert.pem",
			KeyFile:  "cert/key.pem",
		},
		CORS: CORSConfig{
			AllowOrigins:  "*",
			AllowMethods:  "GET, POST, PUT, DELETE, OPTIONS, PATCH",
			AllowHeaders:  "Content-Type, Authorization, Subscribe, Version, Parents, Peer, Heartbeats, Merge-Type, Content-Range, Patches",
			ExposeHeaders: "Version, Parents, Current-Version, Subscribe, Heartbeats, Merge-Type, Content-Range, Patches",
			MaxAge:        86400,
		},
		Subscriptions: SubscriptionsConfig{
			Enabled:           true,
			MaxSubscriptions:  1000,
			HeartbeatInterval: 30 * time.Second,
			Buffer:            braidclient.SubscriptionBuffer,
		},
		Merge: MergeConfig{
			DefaultType: merge.DefaultType,
		},
		Peers: PeersConfig{
			CacheSize:  1024,
			WriteRate:  50,
			WriteBurst: 100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
		Client: ClientConfig{
			MaxRetries:          client.MaxRetries,
			RetryDelay:          client.RetryDelay,
			RequestTimeout:      client.RequestTimeout,
			MaxIdleConnsPerHost: client.MaxIdleConnsPerHost,
			MaxConnsPerHost:     client.MaxConnsPerHost,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Port))
	}
	if c.ResourceSuffix == "" {
		errs = append(errs, errors.New("server.resource_suffix is empty"))
	}
	if _, ok := merge.Lookup(c.Merge.DefaultType); !ok {
		errs = append(errs, fmt.Errorf("merge.default_type: unknown merge type %q", c.Merge.DefaultType))
	}
	if c.Subscriptions.MaxSubscriptions < 0 {
		errs = append(errs, errors.New("subscriptions.max_subscriptions is negative"))
	}
	if c.Subscriptions.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("subscriptions.heartbeat_interval is negative"))
	}
	if c.Subscriptions.Buffer <= 0 {
		errs = append(errs, errors.New("subscriptions.buffer must be positive"))
	}
	if c.Peers.CacheSize <= 0 {
		errs = append(errs, errors.New("peers.cache_size must be positive"))
	}
	if c.Peers.WriteRate < 0 || c.Peers.WriteBurst < 0 {
		errs = append(errs, errors.New("peers write limits are negative"))
	}
	if c.Metrics.Enabled && (c.Metrics.Path == "" || c.Metrics.Path[0] != '/') {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}
	switch c.Log.Format {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q is neither console nor json", c.Log.Format))
	}
	if c.Client.MaxRetries < 0 {
		errs = append(errs, errors.New("client.max_retries is negative"))
	}
	return errors.Join(errs...)
}

// ClientConfig converts the client section for braidclient.New.
func (c *Config) ClientConfig() braidclient.Config {
	return braidclient.Config{
		MaxRetries:          c.Client.MaxRetries,
		RetryDelay:          c.Client.RetryDelay,
		RequestTimeout:      c.Client.RequestTimeout,
		MaxIdleConnsPerHost: c.Client.MaxIdleConnsPerHost,
		MaxConnsPerHost:     c.Client.MaxConnsPerHost,
		ProxyURL:            c.Client.ProxyURL,
		EnableLogging:       c.Client.EnableLogging,
	}
}
