package kgroup

import (
	"context"
	"errors"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// coordinatorLocator discovers and caches the broker coordinating our group.
type coordinatorLocator struct {
	cl *Client

	node     *Node
	inflight *Future

	retryAt  time.Time
	failures int
}

func (c *coordinatorLocator) unknown() bool { return c.node == nil }

func (c *coordinatorLocator) current() (Node, bool) {
	if c.node == nil {
		return Node{}, false
	}
	return *c.node, true
}

// ensure blocks until a coordinator is known. Lookup failures are retried
// after backoff forever, with the exception of group authorization failures,
// which are returned immediately.
func (c *coordinatorLocator) ensure(ctx context.Context) error {
	for c.node == nil {
		if err := c.cl.sleepUntil(ctx, c.retryAt); err != nil {
			return err
		}
		err := c.cl.await(ctx, c.lookup())
		switch {
		case err == nil:
			continue
		case errors.Is(err, kerr.GroupAuthorizationFailed):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrClientClosed):
			return err
		}

		c.failures++
		backoff := c.cl.cfg.retryBackoff(c.failures)
		c.retryAt = c.cl.now().Add(backoff)
		c.cl.cfg.logger.Log(kgo.LogLevelWarn, "unable to discover group coordinator, retrying after backoff",
			"group", c.cl.cfg.group,
			"backoff", backoff,
			"err", err,
		)
	}
	return nil
}

// lookup issues a FindCoordinator request, or returns the one in flight.
func (c *coordinatorLocator) lookup() *Future {
	if c.inflight != nil && !c.inflight.Done() {
		return c.inflight
	}
	c.cl.group.onCoordinatorLookup()

	node, ok := c.cl.t.LeastLoadedNode()
	if !ok {
		f := NewFuture()
		f.Fail(ErrNoNodes)
		c.finish(Node{}, ErrNoNodes)
		return f
	}

	group := c.cl.cfg.group
	req := kmsg.NewPtrFindCoordinatorRequest()
	req.CoordinatorType = 0 // group
	req.CoordinatorKey = group
	req.CoordinatorKeys = []string{group}

	f := c.cl.send(node, req).chain(func(resp kmsg.Response, err error) (kmsg.Response, error) {
		if err != nil {
			c.finish(Node{}, err)
			return nil, err
		}
		coordinator, err := coordinatorFromResponse(group, resp.(*kmsg.FindCoordinatorResponse))
		c.finish(coordinator, err)
		return resp, err
	})
	if !f.Done() {
		c.inflight = f
	}
	return f
}

// coordinatorFromResponse returns our group's coordinator, preferring the
// batched v4+ layout when the broker filled it in.
func coordinatorFromResponse(group string, resp *kmsg.FindCoordinatorResponse) (Node, error) {
	code, node := resp.ErrorCode, Node{ID: resp.NodeID, Host: resp.Host, Port: resp.Port}
	for _, coordinator := range resp.Coordinators {
		if coordinator.Key == group {
			code = coordinator.ErrorCode
			node = Node{ID: coordinator.NodeID, Host: coordinator.Host, Port: coordinator.Port}
			break
		}
	}
	if err := kerr.ErrorForCode(code); err != nil {
		return Node{}, err
	}
	return node, nil
}

func (c *coordinatorLocator) finish(node Node, err error) {
	c.inflight = nil
	c.cl.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookCoordinatorDiscovered); ok {
			h.OnCoordinatorDiscovered(c.cl.cfg.group, node, err)
		}
	})
	if err != nil {
		c.node = nil
		c.cl.group.onCoordinatorLookupFailed()
		return
	}
	c.node = &node
	c.failures = 0
	c.retryAt = time.Time{}
	c.cl.group.onCoordinatorFound()
	c.cl.cfg.logger.Log(kgo.LogLevelInfo, "discovered group coordinator",
		"group", c.cl.cfg.group,
		"coordinator", node,
	)
}

// markDead invalidates the cached coordinator so that the next ensure
// rediscovers it.
func (c *coordinatorLocator) markDead(cause error) {
	if c.node == nil {
		return
	}
	c.cl.cfg.logger.Log(kgo.LogLevelInfo, "marking group coordinator dead",
		"group", c.cl.cfg.group,
		"coordinator", *c.node,
		"err", cause,
	)
	c.node = nil
	c.cl.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookCoordinatorDead); ok {
			h.OnCoordinatorDead(c.cl.cfg.group, cause)
		}
	})
}
