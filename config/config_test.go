package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/searchktools/fast-exchange/core/compress"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoadDefaults - Loads the built-in defaults
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(LoadOptions{EnvFiles: []string{writeFile(t, "empty.env", "")}})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, TransportEngine, cfg.Server.Transport)
	assert.Equal(t, 5*time.Second, cfg.Server.IdleTimeout.Std())
	assert.Equal(t, 4<<20, cfg.Server.MaxBodySize.Int())
	assert.Equal(t, compress.Auto, cfg.Codec())
	assert.Equal(t, 100*time.Millisecond, cfg.Client.InitialRetryDelay.Std())
	assert.Equal(t, 30*time.Minute, cfg.Request.SessionMaxIdle.Std())
	assert.Equal(t, ":8080", cfg.Server.Address())
	assert.Empty(t, cfg.CORS.AllowedOrigins)
}

// TestLoadYAMLFile - Layers a YAML file over the defaults
func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "fastx.yaml", `
server:
  host: 127.0.0.1
  port: 9000
  transport: h2c
  idle_timeout: 90
  max_body_size: 1MiB
request:
  default_user: guest
  compression: gzip
client:
  timeout: 1m30s
  retries: 5
  bind_address: 10.0.0.1
rate_limit:
  rps: 250.5
  burst: 10
cors:
  allowed_origins: [https://a.example, https://b.example]
`)
	cfg, err := Load(LoadOptions{File: path, EnvFiles: []string{writeFile(t, "empty.env", "")}})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Address())
	assert.Equal(t, TransportH2C, cfg.Server.Transport)
	assert.Equal(t, 90*time.Second, cfg.Server.IdleTimeout.Std())
	assert.Equal(t, 1<<20, cfg.Server.MaxBodySize.Int())
	// Keys missing from the file keep their defaults.
	assert.Equal(t, 8<<10, cfg.Server.MaxHeaderSize.Int())
	assert.Equal(t, "guest", cfg.Request.DefaultUser)
	assert.Equal(t, compress.Gzip, cfg.Codec())
	assert.Equal(t, 90*time.Second, cfg.Client.Timeout.Std())
	assert.Equal(t, 5, cfg.Client.Retries)
	assert.Equal(t, "10.0.0.1", cfg.Client.BindAddress)
	assert.InDelta(t, 250.5, cfg.RateLimit.RPS, 0.001)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

// TestLoadEnvOverrides - Applies FASTX_ variables over the file
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FASTX_SERVER_PORT", "7000")
	t.Setenv("FASTX_SERVER_IDLE_TIMEOUT", "2m")
	t.Setenv("FASTX_RATE_LIMIT_BURST", "3")
	t.Setenv("FASTX_CORS_ALLOWED_ORIGINS", "https://x.example, https://y.example")

	path := writeFile(t, "fastx.yaml", "server:\n  port: 9000\n")
	cfg, err := Load(LoadOptions{File: path, EnvFiles: []string{writeFile(t, "empty.env", "")}})
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Server.IdleTimeout.Std())
	assert.Equal(t, 3, cfg.RateLimit.Burst)
	assert.Equal(t, []string{"https://x.example", "https://y.example"}, cfg.CORS.AllowedOrigins)
}

// TestLoadDotEnv - Reads .env files without replacing set variables
func TestLoadDotEnv(t *testing.T) {
	// godotenv does not replace variables that are already set.
	t.Setenv("FASTX_LOGGING_LEVEL", "warn")
	envFile := writeFile(t, "test.env", "FASTX_SERVER_TRANSPORT=fasthttp\nFASTX_LOGGING_LEVEL=debug\n")
	t.Cleanup(func() { os.Unsetenv("FASTX_SERVER_TRANSPORT") })

	cfg, err := Load(LoadOptions{EnvFiles: []string{envFile}})
	require.NoError(t, err)

	assert.Equal(t, TransportFastHTTP, cfg.Server.Transport)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

// TestLoadOverridesWin - Gives explicit overrides the last word
func TestLoadOverridesWin(t *testing.T) {
	t.Setenv("FASTX_SERVER_PORT", "7000")
	cfg, err := Load(LoadOptions{
		EnvFiles:  []string{writeFile(t, "empty.env", "")},
		Overrides: map[string]string{"server.port": "6000", "client.max_body_size": "2 MiB"},
	})
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, 2<<20, cfg.Client.MaxBodySize.Int())

	_, err = Load(LoadOptions{
		EnvFiles:  []string{writeFile(t, "empty.env", "")},
		Overrides: map[string]string{"server.nope": "1"},
	})
	assert.ErrorContains(t, err, "unknown config key")
}

// TestValidate - Rejects out-of-range settings
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"transport", func(c *Config) { c.Server.Transport = "quic" }, "unknown transport"},
		{"codec", func(c *Config) { c.Request.Compression = "brotli" }, "request.compression"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "out of range"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"retries", func(c *Config) { c.Client.Retries = -1 }, "client.retries"},
		{"rate", func(c *Config) { c.RateLimit.RPS = -1 }, "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

// TestSizeBytesYAML - Decodes and encodes humanized sizes
func TestSizeBytesYAML(t *testing.T) {
	var v struct {
		A SizeBytes `yaml:"a"`
		B SizeBytes `yaml:"b"`
		C SizeBytes `yaml:"c"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 512\nb: 4 KiB\nc: 1MB\n"), &v))
	assert.Equal(t, SizeBytes(512), v.A)
	assert.Equal(t, SizeBytes(4096), v.B)
	assert.Equal(t, SizeBytes(1000000), v.C)

	assert.Error(t, yaml.Unmarshal([]byte("a: lots\n"), &v))

	out, err := SizeBytes(1500).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), out)
	out, err = SizeBytes(8192).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "8.0 KiB", out)
}

// TestDurationYAML - Decodes durations and whole seconds
func TestDurationYAML(t *testing.T) {
	var v struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 250ms\n"), &v))
	assert.Equal(t, 250*time.Millisecond, v.D.Std())
	require.NoError(t, yaml.Unmarshal([]byte("d: 3\n"), &v))
	assert.Equal(t, 3*time.Second, v.D.Std())
	assert.Error(t, yaml.Unmarshal([]byte("d: soon\n"), &v))
}
