// Package kgvictoria provides VictoriaMetrics plug-in metrics for a kgroup
// client.
//
// Metrics are kept in their own set, which is registered globally so that
// metrics.WritePrometheus includes them. Use Unregister to drop the set
// once the client is closed.
package kgvictoria

import (
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/twmb/franz-go/pkg/kgroup"
)

var (
	// interface checks to ensure we implement the hooks properly
	_ kgroup.HookCoordinatorDiscovered = new(Metrics)
	_ kgroup.HookCoordinatorDead       = new(Metrics)
	_ kgroup.HookGroupJoined           = new(Metrics)
	_ kgroup.HookGroupLeft             = new(Metrics)
	_ kgroup.HookHeartbeat             = new(Metrics)
	_ kgroup.HookOffsetCommit          = new(Metrics)
)

// Metrics provides metrics using the [VictoriaMetrics/metrics] library.
//
// [VictoriaMetrics/metrics]: https://github.com/VictoriaMetrics/metrics
type Metrics struct {
	cfg cfg
	set *vm.Set
}

type cfg struct {
	namespace string
	subsystem string
}

// Opt is an option to configure Metrics.
type Opt interface {
	apply(*cfg)
}

type opt struct{ fn func(*cfg) }

func (o opt) apply(c *cfg) { o.fn(c) }

// Subsystem sets the subsystem for the metrics, overriding the default empty string.
func Subsystem(ss string) Opt {
	return opt{func(c *cfg) { c.subsystem = ss }}
}

// NewMetrics returns a new Metrics that tracks metrics under the given
// namespace.
func NewMetrics(namespace string, opts ...Opt) *Metrics {
	cfg := cfg{namespace: namespace}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	set := vm.NewSet()
	vm.RegisterSet(set)
	return &Metrics{cfg: cfg, set: set}
}

// WritePrometheus writes this client's metrics in prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Unregister removes this client's metrics from the global registry.
func (m *Metrics) Unregister() {
	vm.UnregisterSet(m.set, true)
}

func errLabels(group string, err error) map[string]string {
	labels := map[string]string{"group": group}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		labels["error_message"] = ke.Message
	}
	return labels
}

// OnCoordinatorDiscovered implements [kgroup.HookCoordinatorDiscovered].
func (m *Metrics) OnCoordinatorDiscovered(group string, _ kgroup.Node, err error) {
	if err != nil {
		m.set.GetOrCreateCounter(m.buildName("coordinator_lookup_errors_total", errLabels(group, err))).Inc()
		return
	}
	m.set.GetOrCreateCounter(m.buildName("coordinator_lookups_total", map[string]string{"group": group})).Inc()
}

// OnCoordinatorDead implements [kgroup.HookCoordinatorDead].
func (m *Metrics) OnCoordinatorDead(group string, cause error) {
	m.set.GetOrCreateCounter(m.buildName("coordinator_dead_total", errLabels(group, cause))).Inc()
}

// OnGroupJoined implements [kgroup.HookGroupJoined].
func (m *Metrics) OnGroupJoined(group string, _ kgroup.Generation, _ bool, dur time.Duration, err error) {
	labels := map[string]string{"group": group}
	m.set.GetOrCreateHistogram(m.buildName("join_duration_seconds", labels)).Update(dur.Seconds())
	if err != nil {
		m.set.GetOrCreateCounter(m.buildName("join_errors_total", errLabels(group, err))).Inc()
		return
	}
	m.set.GetOrCreateCounter(m.buildName("joins_total", labels)).Inc()
}

// OnGroupLeft implements [kgroup.HookGroupLeft].
func (m *Metrics) OnGroupLeft(group, _ string, err error) {
	if err != nil {
		m.set.GetOrCreateCounter(m.buildName("leave_errors_total", errLabels(group, err))).Inc()
		return
	}
	m.set.GetOrCreateCounter(m.buildName("leaves_total", map[string]string{"group": group})).Inc()
}

// OnHeartbeat implements [kgroup.HookHeartbeat].
func (m *Metrics) OnHeartbeat(group string, latency time.Duration, err error) {
	labels := map[string]string{"group": group}
	m.set.GetOrCreateHistogram(m.buildName("heartbeat_latency_seconds", labels)).Update(latency.Seconds())
	if err != nil {
		m.set.GetOrCreateCounter(m.buildName("heartbeat_errors_total", errLabels(group, err))).Inc()
		return
	}
	m.set.GetOrCreateCounter(m.buildName("heartbeats_total", labels)).Inc()
}

// OnOffsetCommit implements [kgroup.HookOffsetCommit].
func (m *Metrics) OnOffsetCommit(group string, partitions int, latency time.Duration, err error) {
	labels := map[string]string{"group": group}
	m.set.GetOrCreateHistogram(m.buildName("offset_commit_latency_seconds", labels)).Update(latency.Seconds())
	if err != nil {
		m.set.GetOrCreateCounter(m.buildName("offset_commit_errors_total", errLabels(group, err))).Inc()
		return
	}
	m.set.GetOrCreateCounter(m.buildName("offset_commits_total", labels)).Inc()
	m.set.GetOrCreateCounter(m.buildName("committed_partitions_total", labels)).Add(partitions)
}

// buildName constructs a full metric name, labels included, since the
// library has no equivalent of prometheus' vector types.
func (m *Metrics) buildName(name string, labels map[string]string) string {
	var builder strings.Builder

	if m.cfg.namespace != "" {
		builder.WriteString(m.cfg.namespace + "_")
	}
	if m.cfg.subsystem != "" {
		builder.WriteString(m.cfg.subsystem + "_")
	}
	builder.WriteString(name)

	if len(labels) == 0 {
		return builder.String()
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	builder.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(name)
		builder.WriteByte('=')
		builder.WriteString(strconv.Quote(labels[name]))
	}
	builder.WriteByte('}')
	return builder.String()
}
