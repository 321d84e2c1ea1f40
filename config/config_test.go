package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/pushload/harness"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pushload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func resolve(t *testing.T, args ...string) (*Config, error) {
	t.Helper()

	fs := pflag.NewFlagSet("pushload", pflag.ContinueOnError)
	flags := BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return flags.Resolve()
}

func TestLoad(t *testing.T) {
	t.Run("file values override defaults", func(t *testing.T) {
		path := writeFile(t, `
load:
  address: ws://push.local:8080/push
  count: 50
  uid: 1000
  identity_mode: sequential
  read_timeout: 30s
logging:
  level: debug
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "ws://push.local:8080/push", cfg.Load.Address)
		require.NotNil(t, cfg.Load.Count)
		assert.Equal(t, 50, *cfg.Load.Count)
		require.NotNil(t, cfg.Load.UID)
		assert.Equal(t, int64(1000), *cfg.Load.UID)
		assert.Equal(t, "sequential", cfg.Load.IdentityMode)
		assert.Equal(t, 30*time.Second, cfg.Load.ReadTimeout)
		assert.Equal(t, "debug", cfg.Logging.Level)
		// untouched defaults survive
		assert.Equal(t, 10*time.Second, cfg.Load.ConnectTimeout)
		assert.Equal(t, "pushload", cfg.Stats.RedisKey)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "load: [unterminated"))
		assert.ErrorContains(t, err, "failed to parse config file")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		uid, count := int64(7), 2
		cfg.Load.Address = "ws://localhost/push"
		cfg.Load.UID = &uid
		cfg.Load.Count = &count
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("uid zero is allowed once set", func(t *testing.T) {
		cfg := valid()
		zero := int64(0)
		cfg.Load.UID = &zero
		assert.NoError(t, cfg.Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing uid", func(c *Config) { c.Load.UID = nil }, "uid is required"},
		{"missing address", func(c *Config) { c.Load.Address = "" }, "address"},
		{"missing count", func(c *Config) { c.Load.Count = nil }, "count is required"},
		{"zero count", func(c *Config) {
			zero := 0
			c.Load.Count = &zero
		}, "count must be positive"},
		{"bad identity mode", func(c *Config) { c.Load.IdentityMode = "random" }, "identity mode"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"redis without key", func(c *Config) {
			c.Stats.RedisAddr = "localhost:6379"
			c.Stats.RedisKey = ""
		}, "redis key"},
		{"redis without interval", func(c *Config) {
			c.Stats.RedisAddr = "localhost:6379"
			c.Stats.Interval = 0
		}, "stats interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestConfig_Harness(t *testing.T) {
	cfg := Default()
	uid := int64(5)
	cfg.Load.Address = "ws://localhost/push"
	count := 3
	cfg.Load.UID = &uid
	cfg.Load.Count = &count
	cfg.Load.IdentityMode = "Sequential"
	cfg.Load.RampRate = 2.5

	h := cfg.Harness()
	assert.Equal(t, harness.IdentitySequential, h.IdentityMode)
	assert.Equal(t, int64(5), h.UID)
	assert.Equal(t, 3, h.Count)
	assert.Equal(t, 2.5, h.RampRate)
	assert.Equal(t, int64(7), h.IdentityFor(2))
}

func TestFlags_Resolve(t *testing.T) {
	t.Run("short flags as in the original tool", func(t *testing.T) {
		cfg, err := resolve(t, "-a", "ws://localhost:8080/push", "-c", "20", "-u", "42")
		require.NoError(t, err)

		assert.Equal(t, "ws://localhost:8080/push", cfg.Load.Address)
		assert.Equal(t, 20, *cfg.Load.Count)
		assert.Equal(t, int64(42), *cfg.Load.UID)
		assert.Equal(t, "shared", cfg.Load.IdentityMode)
	})

	t.Run("uid is required", func(t *testing.T) {
		_, err := resolve(t, "-a", "ws://localhost:8080/push", "-c", "1")
		assert.ErrorContains(t, err, "uid is required")
	})

	t.Run("count is required", func(t *testing.T) {
		_, err := resolve(t, "-a", "ws://localhost:8080/push", "-u", "1")
		assert.ErrorContains(t, err, "count is required")
	})

	t.Run("flags override the file", func(t *testing.T) {
		path := writeFile(t, `
load:
  address: ws://file:1/push
  count: 9
  uid: 1
stats:
  redis_addr: redis:6379
`)
		cfg, err := resolve(t, "--config", path, "--count", "4", "--ramp-rate", "10", "--read-timeout", "2s")
		require.NoError(t, err)

		assert.Equal(t, "ws://file:1/push", cfg.Load.Address)
		assert.Equal(t, 4, *cfg.Load.Count)
		assert.Equal(t, 10.0, cfg.Load.RampRate)
		assert.Equal(t, 2*time.Second, cfg.Load.ReadTimeout)
		assert.Equal(t, "redis:6379", cfg.Stats.RedisAddr)
	})

	t.Run("unset flags keep file values", func(t *testing.T) {
		path := writeFile(t, `
load:
  address: ws://file:1/push
  count: 1
  uid: 3
logging:
  level: warn
`)
		cfg, err := resolve(t, "--config", path)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logging.Level)
	})

	t.Run("bad config path", func(t *testing.T) {
		_, err := resolve(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "-u", "1")
		assert.Error(t, err)
	})
}
