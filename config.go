package kgroup

import (
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Opt is an option to configure a group Client.
type Opt interface {
	apply(*cfg)
}

type opt struct{ fn func(*cfg) }

func (o opt) apply(cfg *cfg) { o.fn(cfg) }

type cfg struct {
	group        string
	instanceID   *string
	protocolType string

	balancers []kgo.GroupBalancer

	sessionTimeout    time.Duration
	rebalanceTimeout  time.Duration
	heartbeatInterval time.Duration

	requestTimeout time.Duration
	leaveTimeout   time.Duration
	metadataMaxAge time.Duration
	retryBackoff   func(int) time.Duration

	autocommit         bool
	autocommitInterval time.Duration
	commitCallback     func(map[string]map[int32]Offset, error)

	logger   kgo.Logger
	hooks    hooks
	clock    Clock
	metadata MetadataSource
}

func defaultCfg(group string) cfg {
	return cfg{
		group:        group,
		protocolType: "consumer",

		balancers: []kgo.GroupBalancer{kgo.RangeBalancer(), kgo.RoundRobinBalancer()},

		sessionTimeout:    10 * time.Second,
		rebalanceTimeout:  60 * time.Second,
		heartbeatInterval: 3 * time.Second,

		requestTimeout: 30 * time.Second,
		leaveTimeout:   5 * time.Second,
		metadataMaxAge: 5 * time.Minute,
		retryBackoff:   func(int) time.Duration { return 100 * time.Millisecond },

		autocommitInterval: 5 * time.Second,

		clock: wallClock{},
	}
}

func (cfg *cfg) validate() error {
	if cfg.group == "" {
		return errors.New("invalid empty group")
	}
	if len(cfg.balancers) == 0 {
		return errors.New("at least one group balancer is required")
	}
	seen := make(map[string]bool, len(cfg.balancers))
	for _, b := range cfg.balancers {
		name := b.ProtocolName()
		if b.IsCooperative() {
			return fmt.Errorf("group balancer %q is cooperative, only eager balancers are supported", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate group balancer protocol %q", name)
		}
		seen[name] = true
	}
	if cfg.protocolType == "" {
		return errors.New("invalid empty protocol type")
	}

	for _, limit := range []struct {
		name string
		v    time.Duration
	}{
		{"session timeout", cfg.sessionTimeout},
		{"rebalance timeout", cfg.rebalanceTimeout},
		{"heartbeat interval", cfg.heartbeatInterval},
		{"request timeout", cfg.requestTimeout},
		{"leave timeout", cfg.leaveTimeout},
		{"metadata max age", cfg.metadataMaxAge},
		{"autocommit interval", cfg.autocommitInterval},
	} {
		if limit.v <= 0 {
			return fmt.Errorf("%s %v must be positive", limit.name, limit.v)
		}
	}
	if cfg.heartbeatInterval >= cfg.sessionTimeout {
		return fmt.Errorf("heartbeat interval %v must be less than the session timeout %v",
			cfg.heartbeatInterval, cfg.sessionTimeout)
	}
	if cfg.retryBackoff == nil {
		return errors.New("invalid nil retry backoff function")
	}
	if cfg.clock == nil {
		return errors.New("invalid nil clock")
	}
	return nil
}

// balancerFor returns the configured balancer for a protocol, if any.
func (cfg *cfg) balancerFor(protocol string) (kgo.GroupBalancer, bool) {
	for _, b := range cfg.balancers {
		if b.ProtocolName() == protocol {
			return b, true
		}
	}
	return nil, false
}

// Balancers sets the group balancers to use for dividing topic partitions
// among group members, overriding the defaults of range and roundrobin.
//
// The order of balancers is the preference order sent to the coordinator;
// the coordinator chooses the first protocol every member supports.
func Balancers(balancers ...kgo.GroupBalancer) Opt {
	return opt{func(cfg *cfg) { cfg.balancers = balancers }}
}

// ProtocolType sets the group protocol type, overriding the default
// "consumer". Every member of a group must use the same protocol type.
func ProtocolType(t string) Opt {
	return opt{func(cfg *cfg) { cfg.protocolType = t }}
}

// InstanceID sets the group consumer's instance ID, switching the member from
// "dynamic" to "static" membership (KIP-345).
func InstanceID(id string) Opt {
	return opt{func(cfg *cfg) { cfg.instanceID = &id }}
}

// SessionTimeout sets how long a member the group can go between heartbeats,
// overriding the default 10,000ms. If a member does not heartbeat in this
// timeout, the broker will remove the member from the group and initiate a
// rebalance.
//
// This corresponds to Kafka's session.timeout.ms setting and must be within
// the broker's group.min.session.timeout.ms and group.max.session.timeout.ms.
func SessionTimeout(timeout time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.sessionTimeout = timeout }}
}

// RebalanceTimeout sets how long group members are allowed to take when a
// rebalance has begun, overriding the default 60,000ms.
//
// This corresponds to Kafka's rebalance.timeout.ms.
func RebalanceTimeout(timeout time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.rebalanceTimeout = timeout }}
}

// HeartbeatInterval sets how long a group member goes between heartbeats to
// Kafka, overriding the default 3,000ms.
//
// This value must be lower than the session timeout, but should be no higher
// than 1/3rd the session timeout.
//
// This corresponds to Kafka's heartbeat.interval.ms.
func HeartbeatInterval(interval time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.heartbeatInterval = interval }}
}

// RequestTimeout sets how long to wait for a response to any single request
// before treating the coordinator as disconnected, overriding the default
// 30s.
func RequestTimeout(timeout time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.requestTimeout = timeout }}
}

// LeaveTimeout sets how long Close and MaybeLeaveGroup wait for a LeaveGroup
// response, overriding the default 5s. Leaving is best effort: the member
// identity is reset regardless.
func LeaveTimeout(timeout time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.leaveTimeout = timeout }}
}

// MetadataMaxAge sets how often partition counts of subscribed topics are
// refreshed to detect partition additions, overriding the default 5m.
func MetadataMaxAge(age time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.metadataMaxAge = age }}
}

// RetryBackoffFn sets the backoff strategy for how long to wait between
// retries of a failed coordinator lookup, join, commit or fetch, overriding
// the default of a constant 100ms. The function is called with the number of
// failures that have occurred in a row.
func RetryBackoffFn(backoff func(int) time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.retryBackoff = backoff }}
}

// AutoCommitInterval enables autocommitting of the positions recorded in the
// subscription store every interval. When enabled, Close also commits the
// latest positions before leaving the group.
func AutoCommitInterval(interval time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.autocommit, cfg.autocommitInterval = true, interval }}
}

// DefaultCommitCallback sets the callback that receives the outcome of
// asynchronous commits issued without a callback, including autocommits.
// The default logs failures.
func DefaultCommitCallback(fn func(map[string]map[int32]Offset, error)) Opt {
	return opt{func(cfg *cfg) { cfg.commitCallback = fn }}
}

// WithLogger sets the client to use the given logger, overriding the default
// to not use a logger.
//
// It is invalid to use a nil logger; doing so will cause panics.
func WithLogger(l kgo.Logger) Opt {
	return opt{func(cfg *cfg) { cfg.logger = l }}
}

// WithHooks sets hooks to call whenever the group changes or issues
// requests. See the Hook interface for details.
func WithHooks(hs ...Hook) Opt {
	return opt{func(cfg *cfg) { cfg.hooks = append(cfg.hooks, hs...) }}
}

// WithClock sets the clock all timers read, overriding the wall clock.
func WithClock(c Clock) Opt {
	return opt{func(cfg *cfg) { cfg.clock = c }}
}

// Metadata sets where partition counts are loaded from. Without it, a leader
// cannot balance and partition additions are not detected.
func Metadata(m MetadataSource) Opt {
	return opt{func(cfg *cfg) { cfg.metadata = m }}
}
