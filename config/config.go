// Package config loads client configuration from YAML files.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/vitalvas/iotmqtt"
	"github.com/vitalvas/iotmqtt/store/badgerstore"
)

// Config holds all configuration for an MQTT client.
type Config struct {
	Broker    BrokerConfig        `yaml:"broker"`
	Session   SessionConfig       `yaml:"session"`
	TLS       TLSConfig           `yaml:"tls"`
	Proxy     iotmqtt.ProxyConfig `yaml:"proxy"`
	AWSIoT    AWSIoTConfig        `yaml:"aws_iot"`
	Retry     RetryConfig         `yaml:"retry"`
	Reconnect ReconnectConfig     `yaml:"reconnect"`
	Limits    LimitsConfig        `yaml:"limits"`
	Log       LogConfig           `yaml:"log"`
	Storage   StorageConfig       `yaml:"storage"`
}

// BrokerConfig selects the broker and identifies the client.
type BrokerConfig struct {
	// Address is a broker URL: tcp://, ssl://, ws://, wss://, quic:// or unix://.
	Address        string        `yaml:"address"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      uint16        `yaml:"keep_alive"` // seconds
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// SessionConfig holds session settings.
type SessionConfig struct {
	CleanSession bool        `yaml:"clean_session"`
	Will         *WillConfig `yaml:"will,omitempty"`
}

// WillConfig is the last will message.
type WillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     byte   `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// TLSConfig holds certificate files. AWS IoT needs CAFile, CertFile and KeyFile.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// AWSIoTConfig enables AWS IoT Core conventions.
type AWSIoTConfig struct {
	Enabled         bool `yaml:"enabled"`
	MetricsUsername bool `yaml:"metrics_username"`
}

// RetryConfig controls retransmission of unacknowledged requests.
type RetryConfig struct {
	Base       time.Duration `yaml:"base"`
	Ceiling    time.Duration `yaml:"ceiling"`
	Jitter     time.Duration `yaml:"jitter"`
	MaxRetries int           `yaml:"max_retries"`
}

// ReconnectConfig controls the reconnect supervisor.
type ReconnectConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Base             time.Duration `yaml:"base"`
	Ceiling          time.Duration `yaml:"ceiling"`
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// LimitsConfig bounds resource use.
type LimitsConfig struct {
	MaxInFlight            int     `yaml:"max_in_flight"`
	MaxCallbackConcurrency int     `yaml:"max_callback_concurrency"`
	MaxPacketSize          uint32  `yaml:"max_packet_size"`
	PublishRate            float64 `yaml:"publish_rate"` // messages per second, 0 = unlimited
	PublishBurst           int     `yaml:"publish_burst"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig selects the session store.
type StorageConfig struct {
	Type      string `yaml:"type"` // memory, badger
	BadgerDir string `yaml:"badger_dir"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	retry := iotmqtt.DefaultRetryPolicy()

	return &Config{
		Broker: BrokerConfig{
			Address:        "tcp://localhost:1883",
			KeepAlive:      iotmqtt.DefaultKeepAlive,
			ConnectTimeout: iotmqtt.DefaultConnectTimeout,
			WriteTimeout:   iotmqtt.DefaultWriteTimeout,
		},
		Session: SessionConfig{
			CleanSession: true,
		},
		AWSIoT: AWSIoTConfig{
			MetricsUsername: true,
		},
		Retry: RetryConfig{
			Base:       retry.Base,
			Ceiling:    retry.Ceiling,
			Jitter:     retry.Jitter,
			MaxRetries: retry.MaxRetries,
		},
		Reconnect: ReconnectConfig{
			Enabled:          true,
			Base:             time.Second,
			Ceiling:          time.Minute,
			BreakerThreshold: iotmqtt.DefaultBreakerThreshold,
			BreakerTimeout:   iotmqtt.DefaultBreakerTimeout,
		},
		Limits: LimitsConfig{
			MaxInFlight:            iotmqtt.DefaultMaxInFlight,
			MaxCallbackConcurrency: iotmqtt.DefaultMaxCallbackConcurrency,
			MaxPacketSize:          iotmqtt.DefaultMaxPacketSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type: "memory",
		},
	}
}

// Load loads configuration from a YAML file.
// An empty filename or a missing file yields the default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.Address == "" {
		return fmt.Errorf("broker.address cannot be empty")
	}
	if c.Broker.ConnectTimeout < 0 || c.Broker.WriteTimeout < 0 {
		return fmt.Errorf("broker timeouts cannot be negative")
	}

	if w := c.Session.Will; w != nil {
		if err := iotmqtt.ValidateTopicName(w.Topic); err != nil {
			return fmt.Errorf("session.will.topic: %w", err)
		}
		if w.QoS > iotmqtt.QoS2 {
			return fmt.Errorf("session.will.qos must be 0, 1 or 2")
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	if c.Retry.Base <= 0 {
		return fmt.Errorf("retry.base must be positive")
	}
	if c.Retry.Ceiling < c.Retry.Base {
		return fmt.Errorf("retry.ceiling must be at least retry.base")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}

	if c.Reconnect.Enabled && c.Reconnect.Base <= 0 {
		return fmt.Errorf("reconnect.base must be positive")
	}

	if c.Limits.MaxInFlight < 1 {
		return fmt.Errorf("limits.max_in_flight must be at least 1")
	}
	if c.Limits.MaxCallbackConcurrency < 1 {
		return fmt.Errorf("limits.max_callback_concurrency must be at least 1")
	}
	if c.Limits.PublishRate < 0 {
		return fmt.Errorf("limits.publish_rate cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LogLevel maps the configured level to the client log level.
func (c *Config) LogLevel() iotmqtt.LogLevel {
	switch c.Log.Level {
	case "debug":
		return iotmqtt.LogLevelDebug
	case "warn":
		return iotmqtt.LogLevelWarn
	case "error":
		return iotmqtt.LogLevelError
	default:
		return iotmqtt.LogLevelInfo
	}
}

// NewLogger builds a slog logger writing to w in the configured format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.LogLevel() {
	case iotmqtt.LogLevelDebug:
		level = slog.LevelDebug
	case iotmqtt.LogLevelWarn:
		level = slog.LevelWarn
	case iotmqtt.LogLevelError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// TLSClientConfig loads the configured certificates. It returns nil when no
// TLS setting is present, leaving the system defaults in effect.
func (c *Config) TLSClientConfig() (*tls.Config, error) {
	t := c.TLS
	if t.CAFile == "" && t.CertFile == "" && t.ServerName == "" && !t.InsecureSkipVerify {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read tls.ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls.ca_file contains no certificates")
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// RetryPolicy returns the retransmission policy.
func (c *Config) RetryPolicy() iotmqtt.RetryPolicy {
	return iotmqtt.RetryPolicy{
		Base:       c.Retry.Base,
		Ceiling:    c.Retry.Ceiling,
		Jitter:     c.Retry.Jitter,
		MaxRetries: c.Retry.MaxRetries,
	}
}

// SupervisorConfig returns the reconnect supervisor settings.
func (c *Config) SupervisorConfig(logger iotmqtt.Logger) iotmqtt.SupervisorConfig {
	return iotmqtt.SupervisorConfig{
		Retry: iotmqtt.RetryPolicy{
			Base:    c.Reconnect.Base,
			Ceiling: c.Reconnect.Ceiling,
		},
		BreakerThreshold: c.Reconnect.BreakerThreshold,
		BreakerTimeout:   c.Reconnect.BreakerTimeout,
		Logger:           logger,
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// OpenStore opens the configured session store. The returned closer
// releases it and is never nil.
func (c *Config) OpenStore() (iotmqtt.SessionStore, io.Closer, error) {
	if c.Storage.Type != "badger" {
		return iotmqtt.NewMemoryStore(), closerFunc(func() error { return nil }), nil
	}

	s, err := badgerstore.New(badgerstore.Config{Dir: c.Storage.BadgerDir})
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

// Options converts the configuration into client options.
func (c *Config) Options() ([]iotmqtt.Option, error) {
	opts := []iotmqtt.Option{
		iotmqtt.WithKeepAlive(c.Broker.KeepAlive),
		iotmqtt.WithCleanSession(c.Session.CleanSession),
		iotmqtt.WithRetryPolicy(c.RetryPolicy()),
		iotmqtt.WithMaxInFlight(c.Limits.MaxInFlight),
		iotmqtt.WithMaxCallbackConcurrency(c.Limits.MaxCallbackConcurrency),
		iotmqtt.WithAWSIoT(c.AWSIoT.Enabled),
		iotmqtt.WithMetricsUsername(c.AWSIoT.MetricsUsername),
	}

	if c.Broker.ClientID != "" {
		opts = append(opts, iotmqtt.WithClientID(c.Broker.ClientID))
	}
	if c.Broker.Username != "" || c.Broker.Password != "" {
		opts = append(opts, iotmqtt.WithCredentials(c.Broker.Username, c.Broker.Password))
	}
	if c.Broker.ConnectTimeout > 0 {
		opts = append(opts, iotmqtt.WithConnectTimeout(c.Broker.ConnectTimeout))
	}
	if c.Broker.WriteTimeout > 0 {
		opts = append(opts, iotmqtt.WithWriteTimeout(c.Broker.WriteTimeout))
	}
	if c.Limits.MaxPacketSize > 0 {
		opts = append(opts, iotmqtt.WithMaxPacketSize(c.Limits.MaxPacketSize))
	}
	if c.Limits.PublishRate > 0 {
		burst := max(c.Limits.PublishBurst, 1)
		opts = append(opts, iotmqtt.WithPublishRateLimit(rate.Limit(c.Limits.PublishRate), burst))
	}

	if w := c.Session.Will; w != nil {
		opts = append(opts, iotmqtt.WithWill(&iotmqtt.Message{
			Topic:   w.Topic,
			Payload: []byte(w.Payload),
			QoS:     w.QoS,
			Retain:  w.Retain,
		}))
	}

	tlsConfig, err := c.TLSClientConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, iotmqtt.WithTLSConfig(tlsConfig))
	}

	if c.Proxy != (iotmqtt.ProxyConfig{}) {
		proxy := c.Proxy
		opts = append(opts, iotmqtt.WithProxy(&proxy))
	}

	return opts, nil
}
