package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kversion"
	"gopkg.in/yaml.v3"

	"github.com/twmb/franz-go/pkg/kgroup"
)

// config is the kgroupd configuration file.
type config struct {
	Brokers    []string `yaml:"brokers"`
	MaxVersion string   `yaml:"max_version"`

	Group      string   `yaml:"group"`
	InstanceID string   `yaml:"instance_id"`
	Topics     []string `yaml:"topics"`
	Balancers  []string `yaml:"balancers"`

	SessionTimeout     time.Duration `yaml:"session_timeout"`
	RebalanceTimeout   time.Duration `yaml:"rebalance_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MetadataMaxAge     time.Duration `yaml:"metadata_max_age"`
	AutocommitInterval time.Duration `yaml:"autocommit_interval"`

	Log     logConfig     `yaml:"log"`
	Metrics metricsConfig `yaml:"metrics"`
}

type logConfig struct {
	// Format is one of text, json, zap or zerolog.
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type metricsConfig struct {
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
	// Backend is prometheus or victoria.
	Backend string `yaml:"backend"`
}

func defaultConfig() config {
	return config{
		Brokers:   []string{"localhost:9092"},
		Balancers: []string{"range", "roundrobin"},
		Log: logConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: metricsConfig{
			Namespace: "kgroup",
			Backend:   "prometheus",
		},
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	if c.Group == "" {
		return errors.New("invalid empty group")
	}
	if len(c.Topics) == 0 {
		return errors.New("at least one topic is required")
	}
	if _, err := c.balancers(); err != nil {
		return err
	}
	if _, err := c.maxVersions(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json", "zap", "zerolog":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	switch c.Metrics.Backend {
	case "prometheus", "victoria":
	default:
		return fmt.Errorf("unknown metrics backend %q", c.Metrics.Backend)
	}
	return nil
}

func (c *config) balancers() ([]kgo.GroupBalancer, error) {
	var bs []kgo.GroupBalancer
	for _, name := range c.Balancers {
		switch strings.ToLower(name) {
		case "range":
			bs = append(bs, kgo.RangeBalancer())
		case "roundrobin":
			bs = append(bs, kgo.RoundRobinBalancer())
		case "sticky":
			bs = append(bs, kgo.StickyBalancer())
		default:
			return nil, fmt.Errorf("unknown balancer %q", name)
		}
	}
	return bs, nil
}

// maxVersions returns the versions to pin the kgo client to, or nil to
// negotiate freely.
func (c *config) maxVersions() (*kversion.Versions, error) {
	switch strings.TrimPrefix(c.MaxVersion, "v") {
	case "":
		return nil, nil
	case "2.4", "2.4.0":
		return kversion.V2_4_0(), nil
	case "3.0", "3.0.0":
		return kversion.V3_0_0(), nil
	default:
		return nil, fmt.Errorf("unsupported max version %q", c.MaxVersion)
	}
}

// groupOpts maps the configuration onto client options. Zero durations keep
// the client defaults.
func (c *config) groupOpts() ([]kgroup.Opt, error) {
	balancers, err := c.balancers()
	if err != nil {
		return nil, err
	}
	opts := []kgroup.Opt{kgroup.Balancers(balancers...)}
	if c.InstanceID != "" {
		opts = append(opts, kgroup.InstanceID(c.InstanceID))
	}
	for _, d := range []struct {
		v   time.Duration
		opt func(time.Duration) kgroup.Opt
	}{
		{c.SessionTimeout, kgroup.SessionTimeout},
		{c.RebalanceTimeout, kgroup.RebalanceTimeout},
		{c.HeartbeatInterval, kgroup.HeartbeatInterval},
		{c.RequestTimeout, kgroup.RequestTimeout},
		{c.MetadataMaxAge, kgroup.MetadataMaxAge},
		{c.AutocommitInterval, kgroup.AutoCommitInterval},
	} {
		if d.v > 0 {
			opts = append(opts, d.opt(d.v))
		}
	}
	return opts, nil
}
