// Package kgprom provides prometheus plug-in metrics for a kgroup client.
//
// This package tracks the following metrics under the following names:
//
//	#{ns}_coordinator_lookups_total{group="#{group}",result="#{result}"}
//	#{ns}_coordinator_dead_total{group="#{group}"}
//	#{ns}_coordinator_node{group="#{group}"}
//	#{ns}_joins_total{group="#{group}",result="#{result}"}
//	#{ns}_join_duration_seconds{group="#{group}"}
//	#{ns}_generation{group="#{group}"}
//	#{ns}_leader{group="#{group}"}
//	#{ns}_leaves_total{group="#{group}",result="#{result}"}
//	#{ns}_heartbeats_total{group="#{group}",result="#{result}"}
//	#{ns}_heartbeat_latency_seconds{group="#{group}"}
//	#{ns}_offset_commits_total{group="#{group}",result="#{result}"}
//	#{ns}_committed_partitions_total{group="#{group}"}
//	#{ns}_offset_commit_latency_seconds{group="#{group}"}
//
// The result label is "ok" on success, the Kafka error message for broker
// errors, or "error" for anything else.
//
// This can be used in a client like so:
//
//	m := kgprom.NewMetrics("kgroup")
//	cl, err := kgroup.NewClient(group, transport, subs,
//	        kgroup.WithHooks(m),
//	        // ...other opts
//	)
//
// By default, metrics are installed under a new prometheus registry, but
// this can be overridden with the Registry option.
package kgprom

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/twmb/franz-go/pkg/kgroup"
)

var ( // interface checks to ensure we implement the hooks properly
	_ kgroup.HookCoordinatorDiscovered = new(Metrics)
	_ kgroup.HookCoordinatorDead       = new(Metrics)
	_ kgroup.HookGroupJoined           = new(Metrics)
	_ kgroup.HookGroupLeft             = new(Metrics)
	_ kgroup.HookHeartbeat             = new(Metrics)
	_ kgroup.HookOffsetCommit          = new(Metrics)
)

// Metrics provides prometheus metrics to a given registry.
type Metrics struct {
	cfg cfg

	lookups   *prometheus.CounterVec
	deaths    *prometheus.CounterVec
	coordNode *prometheus.GaugeVec

	joins      *prometheus.CounterVec
	joinTime   *prometheus.HistogramVec
	generation *prometheus.GaugeVec
	leader     *prometheus.GaugeVec
	leaves     *prometheus.CounterVec

	heartbeats    *prometheus.CounterVec
	heartbeatTime *prometheus.HistogramVec

	commits    *prometheus.CounterVec
	committed  *prometheus.CounterVec
	commitTime *prometheus.HistogramVec
}

// Registry returns the prometheus registry that metrics were added to.
//
// This is useful if you want the Metrics type to create its own registry for
// you to add additional metrics to.
func (m *Metrics) Registry() prometheus.Registerer {
	return m.cfg.reg
}

// Handler returns an http.Handler providing prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.cfg.gatherer, m.cfg.handlerOpts)
}

type cfg struct {
	namespace string

	reg      prometheus.Registerer
	gatherer prometheus.Gatherer

	handlerOpts  promhttp.HandlerOpts
	goCollectors bool
	buckets      []float64
}

// RegistererGatherer is a registry that can both register and gather.
type RegistererGatherer interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// Opt applies options to further tune how prometheus metrics are gathered or
// which metrics to use.
type Opt interface {
	apply(*cfg)
}

type opt struct{ fn func(*cfg) }

func (o opt) apply(c *cfg) { o.fn(c) }

// Registry sets the registerer and gatherer to add metrics to, rather than a
// new registry.
func Registry(rg RegistererGatherer) Opt {
	return opt{func(c *cfg) {
		c.reg = rg
		c.gatherer = rg
	}}
}

// Registerer sets the registerer to add metrics to, rather than a new registry.
func Registerer(reg prometheus.Registerer) Opt {
	return opt{func(c *cfg) { c.reg = reg }}
}

// Gatherer sets the gatherer to serve metrics from, rather than a new registry.
func Gatherer(gatherer prometheus.Gatherer) Opt {
	return opt{func(c *cfg) { c.gatherer = gatherer }}
}

// GoCollectors adds the prometheus.NewProcessCollector and
// prometheus.NewGoCollector collectors to the Metric's registry.
func GoCollectors() Opt {
	return opt{func(c *cfg) { c.goCollectors = true }}
}

// HandlerOpts sets handler options to use if you wish you use the
// Metrics.Handler function.
func HandlerOpts(opts promhttp.HandlerOpts) Opt {
	return opt{func(c *cfg) { c.handlerOpts = opts }}
}

// Buckets sets the histogram buckets for the latency metrics, overriding
// prometheus.DefBuckets.
func Buckets(buckets []float64) Opt {
	return opt{func(c *cfg) { c.buckets = buckets }}
}

// NewMetrics returns a new Metrics that adds prometheus metrics to the
// registry under the given namespace.
func NewMetrics(namespace string, opts ...Opt) *Metrics {
	var regGatherer RegistererGatherer = prometheus.NewRegistry()
	cfg := cfg{
		namespace: namespace,
		reg:       regGatherer,
		gatherer:  regGatherer,
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	if cfg.goCollectors {
		cfg.reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
		cfg.reg.MustRegister(prometheus.NewGoCollector())
	}

	factory := promauto.With(cfg.reg)
	byGroup := []string{"group"}
	byResult := []string{"group", "result"}

	return &Metrics{
		cfg: cfg,

		// coordinator

		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_lookups_total",
			Help:      "Total number of coordinator lookups, by group and result",
		}, byResult),

		deaths: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_dead_total",
			Help:      "Total number of times the coordinator was marked unknown, by group",
		}, byGroup),

		coordNode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_node",
			Help:      "Node ID of the current coordinator, or -1 if unknown, by group",
		}, byGroup),

		// membership

		joins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Total number of join and sync attempts, by group and result",
		}, byResult),

		joinTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "join_duration_seconds",
			Help:      "Time taken by join and sync attempts, by group",
			Buckets:   cfg.buckets,
		}, byGroup),

		generation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Generation of the last successful join, by group",
		}, byGroup),

		leader: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "Whether this member leads the current generation, by group",
		}, byGroup),

		leaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaves_total",
			Help:      "Total number of group leaves, by group and result",
		}, byResult),

		// heartbeats

		heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeats, by group and result",
		}, byResult),

		heartbeatTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_latency_seconds",
			Help:      "Heartbeat round trip latency, by group",
			Buckets:   cfg.buckets,
		}, byGroup),

		// offsets

		commits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offset_commits_total",
			Help:      "Total number of offset commit requests, by group and result",
		}, byResult),

		committed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_partitions_total",
			Help:      "Total number of partitions in successful offset commits, by group",
		}, byGroup),

		commitTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "offset_commit_latency_seconds",
			Help:      "Offset commit round trip latency, by group",
			Buckets:   cfg.buckets,
		}, byGroup),
	}
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke.Message
	}
	return "error"
}

// OnCoordinatorDiscovered implements kgroup.HookCoordinatorDiscovered.
func (m *Metrics) OnCoordinatorDiscovered(group string, node kgroup.Node, err error) {
	m.lookups.WithLabelValues(group, result(err)).Inc()
	if err == nil {
		m.coordNode.WithLabelValues(group).Set(float64(node.ID))
	}
}

// OnCoordinatorDead implements kgroup.HookCoordinatorDead.
func (m *Metrics) OnCoordinatorDead(group string, _ error) {
	m.deaths.WithLabelValues(group).Inc()
	m.coordNode.WithLabelValues(group).Set(-1)
}

// OnGroupJoined implements kgroup.HookGroupJoined.
func (m *Metrics) OnGroupJoined(group string, gen kgroup.Generation, leader bool, dur time.Duration, err error) {
	m.joins.WithLabelValues(group, result(err)).Inc()
	m.joinTime.WithLabelValues(group).Observe(dur.Seconds())
	if err != nil {
		return
	}
	m.generation.WithLabelValues(group).Set(float64(gen.ID))
	var lead float64
	if leader {
		lead = 1
	}
	m.leader.WithLabelValues(group).Set(lead)
}

// OnGroupLeft implements kgroup.HookGroupLeft.
func (m *Metrics) OnGroupLeft(group, _ string, err error) {
	m.leaves.WithLabelValues(group, result(err)).Inc()
	m.leader.WithLabelValues(group).Set(0)
}

// OnHeartbeat implements kgroup.HookHeartbeat.
func (m *Metrics) OnHeartbeat(group string, latency time.Duration, err error) {
	m.heartbeats.WithLabelValues(group, result(err)).Inc()
	m.heartbeatTime.WithLabelValues(group).Observe(latency.Seconds())
}

// OnOffsetCommit implements kgroup.HookOffsetCommit.
func (m *Metrics) OnOffsetCommit(group string, partitions int, latency time.Duration, err error) {
	m.commits.WithLabelValues(group, result(err)).Inc()
	m.commitTime.WithLabelValues(group).Observe(latency.Seconds())
	if err == nil {
		m.committed.WithLabelValues(group).Add(float64(partitions))
	}
}
