package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// FileConfig represents the structure of the configuration file. Durations
// are written as Go duration strings ("30s"). Fields left out keep their
// defaults.
type FileConfig struct {
	Server struct {
		Port           int    `yaml:"port" toml:"port"`
		RootDir        string `yaml:"root_dir" toml:"root_dir"`
		ResourceSuffix string `yaml:"resource_suffix" toml:"resource_suffix"`
	} `yaml:"server" toml:"server"`

	Proxy struct {
		URL            string `yaml:"url" toml:"url"`
		InsecureVerify bool   `yaml:"insecure_verify" toml:"insecure_verify"`
	} `yaml:"proxy" toml:"proxy"`

	TLS struct {
		Enabled      bool   `yaml:"enabled" toml:"enabled"`
		CertFile     string `yaml:"cert_file" toml:"cert_file"`
		KeyFile      string `yaml:"key_file" toml:"key_file"`
		GenerateCert bool   `yaml:"generate_cert" toml:"generate_cert"`
	} `yaml:"tls" toml:"tls"`

	CORS struct {
		Enabled          bool   `yaml:"enabled" toml:"enabled"`
		AllowOrigins     string `yaml:"allow_origins" toml:"allow_origins"`
		AllowMethods     string `yaml:"allow_methods" toml:"allow_methods"`
		AllowHeaders     string `yaml:"allow_headers" toml:"allow_headers"`
		ExposeHeaders    string `yaml:"expose_headers" toml:"expose_headers"`
		AllowCredentials bool   `yaml:"allow_credentials" toml:"allow_credentials"`
		MaxAge           int    `yaml:"max_age" toml:"max_age"`
	} `yaml:"cors" toml:"cors"`

	Subscriptions struct {
		Enabled           *bool  `yaml:"enabled" toml:"enabled"`
		MaxSubscriptions  int    `yaml:"max_subscriptions" toml:"max_subscriptions"`
		HeartbeatInterval string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
		Buffer            int    `yaml:"buffer" toml:"buffer"`
	} `yaml:"subscriptions" toml:"subscriptions"`

	Merge struct {
		DefaultType string `yaml:"default_type" toml:"default_type"`
		Strict      bool   `yaml:"strict" toml:"strict"`
	} `yaml:"merge" toml:"merge"`

	Peers struct {
		CacheSize  int      `yaml:"cache_size" toml:"cache_size"`
		WriteRate  *float64 `yaml:"write_rate" toml:"write_rate"`
		WriteBurst int      `yaml:"write_burst" toml:"write_burst"`
	} `yaml:"peers" toml:"peers"`

	Storage struct {
		Path string `yaml:"path" toml:"path"`
	} `yaml:"storage" toml:"storage"`

	Metrics struct {
		Enabled *bool  `yaml:"enabled" toml:"enabled"`
		Path    string `yaml:"path" toml:"path"`
	} `yaml:"metrics" toml:"metrics"`

	Log struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
	} `yaml:"log" toml:"log"`

	Client struct {
		MaxRetries          *int   `yaml:"max_retries" toml:"max_retries"`
		RetryDelay          string `yaml:"retry_delay" toml:"retry_delay"`
		RequestTimeout      string `yaml:"request_timeout" toml:"request_timeout"`
		MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host" toml:"max_idle_conns_per_host"`
		MaxConnsPerHost     int    `yaml:"max_conns_per_host" toml:"max_conns_per_host"`
		ProxyURL            string `yaml:"proxy_url" toml:"proxy_url"`
		EnableLogging       bool   `yaml:"enable_logging" toml:"enable_logging"`
	} `yaml:"client" toml:"client"`
}

// LoadConfig loads configuration from a YAML or TOML file, picked by the
// file extension. An empty path returns the defaults.
func LoadConfig(filePath string) (*Config, error) {
	config := Default()
	if filePath == "" {
		return config, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := decode(filePath, data, &fileConfig); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := fileConfig.apply(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filePath, err)
	}
	return config, nil
}

func isTOML(filePath string) bool {
	return strings.EqualFold(filepath.Ext(filePath), ".toml")
}

func decode(filePath string, data []byte, fc *FileConfig) error {
	if isTOML(filePath) {
		_, err := toml.Decode(string(data), fc)
		return err
	}
	return yaml.Unmarshal(data, fc)
}

// apply copies the settings present in the file over config.
func (fc *FileConfig) apply(config *Config) error {
	if fc.Server.Port != 0 {
		config.Port = fc.Server.Port
	}
	if fc.Server.RootDir != "" {
		config.RootDir = fc.Server.RootDir
	}
	if fc.Server.ResourceSuffix != "" {
		config.ResourceSuffix = fc.Server.ResourceSuffix
	}

	if fc.Proxy.URL != "" {
		proxyURL, err := url.Parse(fc.Proxy.URL)
		if err != nil {
			return fmt.Errorf("invalid proxy URL: %w", err)
		}
		config.ProxyURL = proxyURL
		config.InsecureProxy = fc.Proxy.InsecureVerify
	}

	config.TLS.Enabled = fc.TLS.Enabled
	if fc.TLS.CertFile != "" {
		config.TLS.CertFile = fc.TLS.CertFile
	}
	if fc.TLS.KeyFile != "" {
		config.TLS.KeyFile = fc.TLS.KeyFile
	}
	config.TLS.GenerateCert = fc.TLS.GenerateCert

	config.CORS.Enabled = fc.CORS.Enabled
	if fc.CORS.AllowOrigins != "" {
		config.CORS.AllowOrigins = fc.CORS.AllowOrigins
	}
	if fc.CORS.AllowMethods != "" {
		config.CORS.AllowMethods = fc.CORS.AllowMethods
	}
	if fc.CORS.AllowHeaders != "" {
		config.CORS.AllowHeaders = fc.CORS.AllowHeaders
	}
	if fc.CORS.ExposeHeaders != "" {
		config.CORS.ExposeHeaders = fc.CORS.ExposeHeaders
	}
	config.CORS.AllowCredentials = fc.CORS.AllowCredentials
	if fc.CORS.MaxAge != 0 {
		config.CORS.MaxAge = fc.CORS.MaxAge
	}

	if fc.Subscriptions.Enabled != nil {
		config.Subscriptions.Enabled = *fc.Subscriptions.Enabled
	}
	if fc.Subscriptions.MaxSubscriptions != 0 {
		config.Subscriptions.MaxSubscriptions = fc.Subscriptions.MaxSubscriptions
	}
	if err := setDuration(&config.Subscriptions.HeartbeatInterval, fc.Subscriptions.HeartbeatInterval, "subscriptions.heartbeat_interval"); err != nil {
		return err
	}
	if fc.Subscriptions.Buffer != 0 {
		config.Subscriptions.Buffer = fc.Subscriptions.Buffer
	}

	if fc.Merge.DefaultType != "" {
		config.Merge.DefaultType = fc.Merge.DefaultType
	}
	config.Merge.Strict = fc.Merge.Strict

	if fc.Peers.CacheSize != 0 {
		config.Peers.CacheSize = fc.Peers.CacheSize
	}
	if fc.Peers.WriteRate != nil {
		config.Peers.WriteRate = *fc.Peers.WriteRate
	}
	if fc.Peers.WriteBurst != 0 {
		config.Peers.WriteBurst = fc.Peers.WriteBurst
	}

	config.Storage.Path = fc.Storage.Path

	if fc.Metrics.Enabled != nil {
		config.Metrics.Enabled = *fc.Metrics.Enabled
	}
	if fc.Metrics.Path != "" {
		config.Metrics.Path = fc.Metrics.Path
	}

	if fc.Log.Level != "" {
		config.Log.Level = fc.Log.Level
	}
	if fc.Log.Format != "" {
		config.Log.Format = fc.Log.Format
	}

	if fc.Client.MaxRetries != nil {
		config.Client.MaxRetries = *fc.Client.MaxRetries
	}
	if err := setDuration(&config.Client.RetryDelay, fc.Client.RetryDelay, "client.retry_delay"); err != nil {
		return err
	}
	if err := setDuration(&config.Client.RequestTimeout, fc.Client.RequestTimeout, "client.request_timeout"); err != nil {
		return err
	}
	if fc.Client.MaxIdleConnsPerHost != 0 {
		config.Client.MaxIdleConnsPerHost = fc.Client.MaxIdleConnsPerHost
	}
	if fc.Client.MaxConnsPerHost != 0 {
		config.Client.MaxConnsPerHost = fc.Client.MaxConnsPerHost
	}
	if fc.Client.ProxyURL != "" {
		proxyURL, err := url.Parse(fc.Client.ProxyURL)
		if err != nil {
			return fmt.Errorf("invalid client proxy URL: %w", err)
		}
		config.Client.ProxyURL = proxyURL
	}
	config.Client.EnableLogging = fc.Client.EnableLogging
	return nil
}

func setDuration(dst *time.Duration, value, name string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

// fileConfigFrom renders config in the file layout.
func fileConfigFrom(config *Config) FileConfig {
	var fc FileConfig

	fc.Server.Port = config.Port
	fc.Server.RootDir = config.RootDir
	fc.Server.ResourceSuffix = config.ResourceSuffix

	if config.ProxyURL != nil {
		fc.Proxy.URL = config.ProxyURL.String()
	}
	fc.Proxy.InsecureVerify = config.InsecureProxy

	fc.TLS.Enabled = config.TLS.Enabled
	fc.TLS.CertFile = config.TLS.CertFile
	fc.TLS.KeyFile = config.TLS.KeyFile
	fc.TLS.GenerateCert = config.TLS.GenerateCert

	fc.CORS.Enabled = config.CORS.Enabled
	fc.CORS.AllowOrigins = config.CORS.AllowOrigins
	fc.CORS.AllowMethods = config.CORS.AllowMethods
	fc.CORS.AllowHeaders = config.CORS.AllowHeaders
	fc.CORS.ExposeHeaders = config.CORS.ExposeHeaders
	fc.CORS.AllowCredentials = config.CORS.AllowCredentials
	fc.CORS.MaxAge = config.CORS.MaxAge

	fc.Subscriptions.Enabled = &config.Subscriptions.Enabled
	fc.Subscriptions.MaxSubscriptions = config.Subscriptions.MaxSubscriptions
	fc.Subscriptions.HeartbeatInterval = config.Subscriptions.HeartbeatInterval.String()
	fc.Subscriptions.Buffer = config.Subscriptions.Buffer

	fc.Merge.DefaultType = config.Merge.DefaultType
	fc.Merge.Strict = config.Merge.Strict

	fc.Peers.CacheSize = config.Peers.CacheSize
	fc.Peers.WriteRate = &config.Peers.WriteRate
	fc.Peers.WriteBurst = config.Peers.WriteBurst

	fc.Storage.Path = config.Storage.Path

	fc.Metrics.Enabled = &config.Metrics.Enabled
	fc.Metrics.Path = config.Metrics.Path

	fc.Log.Level = config.Log.Level
	fc.Log.Format = config.Log.Format

	fc.Client.MaxRetries = &config.Client.MaxRetries
	fc.Client.RetryDelay = config.Client.RetryDelay.String()
	fc.Client.RequestTimeout = config.Client.RequestTimeout.String()
	fc.Client.MaxIdleConnsPerHost = config.Client.MaxIdleConnsPerHost
	fc.Client.MaxConnsPerHost = config.Client.MaxConnsPerHost
	if config.Client.ProxyURL != nil {
		fc.Client.ProxyURL = config.Client.ProxyURL.String()
	}
	fc.Client.EnableLogging = config.Client.EnableLogging
	return fc
}

// SaveDefaultConfig saves a default configuration file. A .toml path gets
// TOML, anything else YAML. The file is replaced atomically.
func SaveDefaultConfig(filePath string) error {
	fileConfig := fileConfigFrom(Default())

	var buf bytes.Buffer
	buf.WriteString("# Braid-HTTP Server Configuration\n" +
		"# This file contains all settings for the Braid synchronization server\n\n")
	if isTOML(filePath) {
		if err := toml.NewEncoder(&buf).Encode(fileConfig); err != nil {
			return fmt.Errorf("error creating default config: %w", err)
		}
	} else {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(fileConfig); err != nil {
			return fmt.Errorf("error creating default config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("error creating default config: %w", err)
		}
	}

	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	if err := atomic.WriteFile(filePath, &buf); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
