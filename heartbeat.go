package kgroup

import (
	"errors"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// heartbeater keeps the member's session alive while it is stable.
type heartbeater struct {
	cl *Client

	lastSent     time.Time
	lastReceived time.Time
	inflight     bool
}

// reset restarts the session timers, as after a successful sync.
func (h *heartbeater) reset(now time.Time) {
	h.lastSent = now
	h.lastReceived = now
	h.inflight = false
}

// due returns whether the next heartbeat should be sent.
func (h *heartbeater) due(now time.Time) bool {
	return !h.inflight && now.Sub(h.lastSent) >= h.cl.cfg.heartbeatInterval
}

// untilDue returns how long until the next heartbeat is due.
func (h *heartbeater) untilDue(now time.Time) time.Duration {
	if h.inflight {
		return h.cl.cfg.heartbeatInterval
	}
	if d := h.lastSent.Add(h.cl.cfg.heartbeatInterval).Sub(now); d > 0 {
		return d
	}
	return 0
}

// sessionExpired returns whether no heartbeat has succeeded within the
// session timeout. The coordinator will have evicted us by now whether or
// not we ever see a response.
func (h *heartbeater) sessionExpired(now time.Time) bool {
	return now.Sub(h.lastReceived) > h.cl.cfg.sessionTimeout
}

// send issues a heartbeat for the current generation. The returned future
// fails with the heartbeat's error, if any.
func (h *heartbeater) send() *Future {
	coordinator, ok := h.cl.coord.current()
	if !ok {
		f := NewFuture()
		f.Fail(kerr.CoordinatorNotAvailable)
		return f
	}

	gen := h.cl.group.gen
	req := kmsg.NewPtrHeartbeatRequest()
	req.Group = h.cl.cfg.group
	req.Generation = gen.ID
	req.MemberID = gen.MemberID
	req.InstanceID = h.cl.cfg.instanceID

	start := h.cl.now()
	h.lastSent = start
	h.inflight = true
	return h.cl.send(coordinator, req).chain(func(resp kmsg.Response, err error) (kmsg.Response, error) {
		h.inflight = false
		if err == nil {
			err = kerr.ErrorForCode(resp.(*kmsg.HeartbeatResponse).ErrorCode)
		}
		h.cl.cfg.hooks.each(func(hook Hook) {
			if hook, ok := hook.(HookHeartbeat); ok {
				hook.OnHeartbeat(h.cl.cfg.group, h.cl.now().Sub(start), err)
			}
		})
		h.handle(gen, err)
		return resp, err
	})
}

func (h *heartbeater) handle(sent Generation, err error) {
	g := &h.cl.group
	cfg := &h.cl.cfg

	if err == nil {
		h.lastReceived = h.cl.now()
		cfg.logger.Log(kgo.LogLevelDebug, "heartbeat complete", "group", cfg.group, "generation", sent.ID)
		return
	}

	if isCoordinatorErr(err) {
		cfg.logger.Log(kgo.LogLevelInfo, "heartbeat failed, coordinator is unavailable",
			"group", cfg.group,
			"err", err,
		)
		h.cl.coord.markDead(err)
		return
	}

	if sent != g.gen {
		cfg.logger.Log(kgo.LogLevelDebug, "discarding stale heartbeat response",
			"group", cfg.group,
			"generation", sent.ID,
			"err", err,
		)
		return
	}

	switch {
	case errors.Is(err, kerr.UnknownMemberID):
		g.resetMember()
		g.requestRejoin("heartbeat: " + err.Error())
	case errors.Is(err, kerr.IllegalGeneration),
		errors.Is(err, kerr.RebalanceInProgress):
		g.requestRejoin("heartbeat: " + err.Error())
	default:
		cfg.logger.Log(kgo.LogLevelError, "heartbeat failed", "group", cfg.group, "err", err)
	}
}
