package kgprom_test

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/twmb/franz-go/pkg/kgroup"
	"github.com/twmb/franz-go/pkg/kgroup/plugin/kgprom"
)

func TestMetricsRecordHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := kgprom.NewMetrics("kg", kgprom.Registry(reg))

	m.OnCoordinatorDiscovered("g", kgroup.Node{ID: 3}, nil)
	m.OnCoordinatorDiscovered("g", kgroup.Node{}, kerr.CoordinatorNotAvailable)
	m.OnGroupJoined("g", kgroup.Generation{ID: 7, MemberID: "m", LeaderID: "m"}, true, time.Second, nil)
	m.OnHeartbeat("g", 10*time.Millisecond, nil)
	m.OnHeartbeat("g", 10*time.Millisecond, kerr.RebalanceInProgress)
	m.OnOffsetCommit("g", 4, time.Millisecond, nil)
	m.OnOffsetCommit("g", 2, time.Millisecond, errors.New("disconnected"))

	const exp = `
# HELP kg_coordinator_lookups_total Total number of coordinator lookups, by group and result
# TYPE kg_coordinator_lookups_total counter
kg_coordinator_lookups_total{group="g",result="COORDINATOR_NOT_AVAILABLE"} 1
kg_coordinator_lookups_total{group="g",result="ok"} 1
# HELP kg_coordinator_node Node ID of the current coordinator, or -1 if unknown, by group
# TYPE kg_coordinator_node gauge
kg_coordinator_node{group="g"} 3
# HELP kg_generation Generation of the last successful join, by group
# TYPE kg_generation gauge
kg_generation{group="g"} 7
# HELP kg_leader Whether this member leads the current generation, by group
# TYPE kg_leader gauge
kg_leader{group="g"} 1
# HELP kg_heartbeats_total Total number of heartbeats, by group and result
# TYPE kg_heartbeats_total counter
kg_heartbeats_total{group="g",result="REBALANCE_IN_PROGRESS"} 1
kg_heartbeats_total{group="g",result="ok"} 1
# HELP kg_offset_commits_total Total number of offset commit requests, by group and result
# TYPE kg_offset_commits_total counter
kg_offset_commits_total{group="g",result="error"} 1
kg_offset_commits_total{group="g",result="ok"} 1
# HELP kg_committed_partitions_total Total number of partitions in successful offset commits, by group
# TYPE kg_committed_partitions_total counter
kg_committed_partitions_total{group="g"} 4
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(exp),
		"kg_coordinator_lookups_total",
		"kg_coordinator_node",
		"kg_generation",
		"kg_leader",
		"kg_heartbeats_total",
		"kg_offset_commits_total",
		"kg_committed_partitions_total",
	)
	require.NoError(t, err)
}

func TestMetricsCoordinatorDeadAndLeave(t *testing.T) {
	m := kgprom.NewMetrics("kg")

	m.OnCoordinatorDiscovered("g", kgroup.Node{ID: 1}, nil)
	m.OnCoordinatorDead("g", kerr.NotCoordinator)
	m.OnGroupJoined("g", kgroup.Generation{ID: 1, MemberID: "m", LeaderID: "m"}, true, time.Second, nil)
	m.OnGroupLeft("g", "m", nil)

	reg, ok := m.Registry().(prometheus.Gatherer)
	require.True(t, ok)
	n, err := testutil.GatherAndCount(reg, "kg_coordinator_dead_total", "kg_leaves_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `kg_coordinator_node{group="g"} -1`)
	assert.Contains(t, body, `kg_leader{group="g"} 0`)
}
