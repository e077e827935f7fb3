package kgroup

import (
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

func TestNewClientValidation(t *testing.T) {
	for _, test := range []struct {
		name  string
		group string
		opts  []Opt
		err   string
	}{
		{"empty group", "", nil, "empty group"},
		{"no balancers", "g", []Opt{Balancers()}, "at least one"},
		{"duplicate balancers", "g", []Opt{Balancers(kgo.RangeBalancer(), kgo.RangeBalancer())}, "duplicate"},
		{"cooperative balancer", "g", []Opt{Balancers(kgo.CooperativeStickyBalancer())}, "cooperative"},
		{"heartbeat not below session", "g", []Opt{HeartbeatInterval(10 * time.Second)}, "heartbeat interval"},
		{"zero request timeout", "g", []Opt{RequestTimeout(0)}, "request timeout"},
		{"empty protocol type", "g", []Opt{ProtocolType("")}, "protocol type"},
		{"nil backoff", "g", []Opt{RetryBackoffFn(nil)}, "backoff"},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewClient(test.group, newMockTransport(t, new(fakeClock)), NewSubscriptions(), test.opts...)
			if err == nil || !strings.Contains(err.Error(), test.err) {
				t.Errorf("got err %v, exp one mentioning %q", err, test.err)
			}
		})
	}
}

func TestNewClientDefaults(t *testing.T) {
	cl, err := NewClient("g", newMockTransport(t, new(fakeClock)), NewSubscriptions())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	cfg := cl.cfg
	if cfg.sessionTimeout != 10*time.Second ||
		cfg.rebalanceTimeout != 60*time.Second ||
		cfg.heartbeatInterval != 3*time.Second ||
		cfg.leaveTimeout != 5*time.Second ||
		cfg.protocolType != "consumer" ||
		cfg.autocommit {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.balancers) != 2 || cfg.balancers[0].ProtocolName() != "range" {
		t.Errorf("unexpected default balancers %v", cfg.balancers)
	}
	if got := cl.Generation(); got != noGeneration() {
		t.Errorf("got initial generation %+v, exp none", got)
	}
}

func TestJoinRequestCarriesConfig(t *testing.T) {
	e := newTestEnv(t,
		InstanceID("static-1"),
		SessionTimeout(20*time.Second),
		RebalanceTimeout(time.Minute),
		Balancers(kgo.RoundRobinBalancer(), kgo.RangeBalancer()),
	)
	req := e.cl.group.joinRequest()
	if req.SessionTimeoutMillis != 20000 || req.RebalanceTimeoutMillis != 60000 {
		t.Errorf("got timeouts %d/%d", req.SessionTimeoutMillis, req.RebalanceTimeoutMillis)
	}
	if req.InstanceID == nil || *req.InstanceID != "static-1" {
		t.Errorf("got instance id %v", req.InstanceID)
	}
	if len(req.Protocols) != 2 || req.Protocols[0].Name != "roundrobin" || req.Protocols[1].Name != "range" {
		t.Errorf("got protocols %+v, exp roundrobin then range", req.Protocols)
	}
	if topics := decodeSubscription(t, req.Protocols[0].Metadata); len(topics) != 1 || topics[0] != testTopic {
		t.Errorf("got subscribed topics %v, exp [%s]", topics, testTopic)
	}
}
