package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kgroupd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
brokers: [a:9092, b:9092]
max_version: v2.4.0
group: orders
instance_id: orders-1
topics: [orders, refunds]
balancers: [roundrobin]
session_timeout: 20s
autocommit_interval: 2s
log:
  format: zap
  level: debug
metrics:
  listen: ":9100"
  backend: victoria
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers)
	assert.Equal(t, "orders", cfg.Group)
	assert.Equal(t, 20*time.Second, cfg.SessionTimeout)
	assert.Equal(t, "zap", cfg.Log.Format)
	assert.Equal(t, "victoria", cfg.Metrics.Backend)
	assert.Equal(t, "kgroup", cfg.Metrics.Namespace, "unset keys keep their defaults")

	versions, err := cfg.maxVersions()
	require.NoError(t, err)
	assert.NotNil(t, versions)

	opts, err := cfg.groupOpts()
	require.NoError(t, err)
	// balancers, instance id, session timeout, autocommit
	assert.Len(t, opts, 4)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	versions, err := cfg.maxVersions()
	require.NoError(t, err)
	assert.Nil(t, versions)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "unable to read config")

	_, err = loadConfig(writeConfig(t, "group: [unterminated"))
	assert.ErrorContains(t, err, "unable to parse config")
}

func TestConfigValidate(t *testing.T) {
	for _, test := range []struct {
		name  string
		patch func(*config)
		err   string
	}{
		{"no group", func(c *config) { c.Group = "" }, "empty group"},
		{"no topics", func(c *config) { c.Topics = nil }, "topic"},
		{"no brokers", func(c *config) { c.Brokers = nil }, "broker"},
		{"bad balancer", func(c *config) { c.Balancers = []string{"cooperative-sticky"} }, "unknown balancer"},
		{"bad version", func(c *config) { c.MaxVersion = "0.8" }, "max version"},
		{"bad log format", func(c *config) { c.Log.Format = "xml" }, "log format"},
		{"bad backend", func(c *config) { c.Metrics.Backend = "statsd" }, "metrics backend"},
	} {
		t.Run(test.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Group = "g"
			cfg.Topics = []string{"t"}
			test.patch(&cfg)
			assert.ErrorContains(t, cfg.validate(), test.err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json", "zap", "zerolog"} {
		l, err := newLogger(logConfig{Format: format, Level: "warn"})
		require.NoError(t, err, format)
		assert.Equal(t, kgo.LogLevelWarn, l.Level(), format)
	}
	_, err := newLogger(logConfig{Format: "text", Level: "loud"})
	assert.Error(t, err)
}

func TestAtomicLevel(t *testing.T) {
	al := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	level := atomicLevel(al)
	assert.Equal(t, kgo.LogLevelWarn, level())

	al.SetLevel(zapcore.DebugLevel)
	assert.Equal(t, kgo.LogLevelDebug, level())

	al.SetLevel(zapcore.DPanicLevel)
	assert.Equal(t, kgo.LogLevelError, level())
}

func TestBalancers(t *testing.T) {
	cfg := defaultConfig()
	cfg.Balancers = []string{"Sticky", "range", "roundrobin"}
	bs, err := cfg.balancers()
	require.NoError(t, err)
	var names []string
	for _, b := range bs {
		names = append(names, b.ProtocolName())
	}
	assert.Equal(t, []string{"sticky", "range", "roundrobin"}, names)
}
