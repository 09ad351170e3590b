// Package config loads the server configuration. Layers, lowest first:
// built-in defaults, a YAML file, .env files, FASTX_* environment variables,
// then explicit overrides (command-line flags).
package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/searchktools/fast-exchange/core/compress"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "FASTX"

const (
	TransportEngine   = "engine"
	TransportFastHTTP = "fasthttp"
	TransportH2C      = "h2c"
)

// Config holds all application configuration.
type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Request   RequestConfig   `yaml:"request"`
	Client    ClientConfig    `yaml:"client"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
}

type ServerConfig struct {
	Host           string    `yaml:"host"`
	Port           int       `yaml:"port"`
	Transport      string    `yaml:"transport"`
	IdleTimeout    Duration  `yaml:"idle_timeout"`
	WriteTimeout   Duration  `yaml:"write_timeout"`
	MaxBodySize    SizeBytes `yaml:"max_body_size"`
	MaxHeaderSize  SizeBytes `yaml:"max_header_size"`
	MaxConnections int       `yaml:"max_connections"`
	Workers        int       `yaml:"workers"`
	GCPercent      int       `yaml:"gc_percent"`
	MemoryLimit    SizeBytes `yaml:"memory_limit"`
}

// Address is host:port.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RequestConfig holds per-request defaults. DefaultUser is reported for
// requests without an authenticated user; Compression "auto" negotiates the
// reply codec from Accept-Encoding. Sessions are found by SessionHeader,
// then SessionCookie, and dropped after SessionMaxIdle without use.
type RequestConfig struct {
	DefaultUser    string   `yaml:"default_user"`
	Compression    string   `yaml:"compression"`
	SessionCookie  string   `yaml:"session_cookie"`
	SessionHeader  string   `yaml:"session_header"`
	SessionMaxIdle Duration `yaml:"session_max_idle"`
}

type ClientConfig struct {
	Timeout           Duration  `yaml:"timeout"`
	Retries           int       `yaml:"retries"`
	InitialRetryDelay Duration  `yaml:"initial_retry_delay"`
	MaxBodySize       SizeBytes `yaml:"max_body_size"`
	MaxHeaderSize     SizeBytes `yaml:"max_header_size"`
	BindAddress       string    `yaml:"bind_address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// RateLimitConfig configures the token bucket. RPS of zero disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:           8080,
			Transport:      TransportEngine,
			IdleTimeout:    Duration(5 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
			MaxBodySize:    4 << 20,
			MaxHeaderSize:  8 << 10,
			MaxConnections: 100000,
		},
		Request: RequestConfig{
			Compression:    "auto",
			SessionCookie:  "session",
			SessionHeader:  "X-Session-Id",
			SessionMaxIdle: Duration(30 * time.Minute),
		},
		Client: ClientConfig{
			Timeout:           Duration(30 * time.Second),
			Retries:           2,
			InitialRetryDelay: Duration(100 * time.Millisecond),
			MaxBodySize:       16 << 20,
			MaxHeaderSize:     8 << 10,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Address: ":9090", Path: "/metrics"},
		CORS:    CORSConfig{AllowedOrigins: []string{}},
	}
}

// LoadOptions selects the layers Load applies.
type LoadOptions struct {
	// File is an optional YAML file.
	File string
	// EnvFiles are loaded into the process environment without replacing
	// variables that are already set. A missing ".env" is not an error
	// when EnvFiles is empty.
	EnvFiles []string
	// Overrides are dotted keys ("server.port") applied last.
	Overrides map[string]string
}

// Load builds a validated Config.
func Load(opts LoadOptions) (*Config, error) {
	m := NewManager()
	if err := m.LoadStruct(Default()); err != nil {
		return nil, err
	}

	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", opts.File)
		}
		if err := m.LoadYAML(data); err != nil {
			return nil, errors.Wrapf(err, "config %s", opts.File)
		}
	}

	if err := loadEnvFiles(opts.EnvFiles); err != nil {
		return nil, err
	}
	m.LoadFromEnv(EnvPrefix)

	for key, value := range opts.Overrides {
		if !m.Has(key) {
			return nil, errors.Newf("unknown config key %q", key)
		}
		m.SetRaw(key, value)
	}

	cfg := &Config{}
	if err := m.Decode(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return errors.Wrap(err, "load env files")
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportEngine, TransportFastHTTP, TransportH2C:
	default:
		return errors.Newf("unknown transport %q", c.Server.Transport)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("port %d out of range", c.Server.Port)
	}
	if _, err := compress.Parse(c.Request.Compression); err != nil {
		return errors.Wrap(err, "request.compression")
	}
	if c.Client.Retries < 0 {
		return errors.New("client.retries must not be negative")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return errors.Wrap(err, "logging.level")
		}
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}

// Codec is the parsed request.compression value.
func (c *Config) Codec() compress.Codec {
	codec, _ := compress.Parse(c.Request.Compression)
	return codec
}

// Duration is a time.Duration written as "1m30s" or as whole seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }
func (d Duration) String() string     { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		secs, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "line %d", value.Line)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*d = Duration(parsed)
	return nil
}

// SizeBytes is a byte count written as "4MiB", "512 kB" or a plain number.
type SizeBytes uint64

func (s SizeBytes) Int() int       { return int(s) }
func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

func (s SizeBytes) MarshalYAML() (any, error) {
	text := s.String()
	if n, err := humanize.ParseBytes(text); err == nil && n == uint64(s) {
		return text, nil
	}
	return uint64(s), nil
}

func (s *SizeBytes) UnmarshalYAML(value *yaml.Node) error {
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*s = SizeBytes(n)
	return nil
}
