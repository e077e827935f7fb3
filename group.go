package kgroup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	// UnknownMemberID is the member ID used before the coordinator has
	// assigned one.
	UnknownMemberID = ""
	// NoGeneration is the generation used when not part of a generation,
	// such as for commits outside of a group managed assignment.
	NoGeneration int32 = -1
	// NoOffset is the offset the coordinator returns for a partition
	// without a committed offset.
	NoOffset int64 = -1
)

// Generation is a member's identity within one stable period of a group.
// Every request on behalf of the group carries the generation ID and member
// ID it was built with.
type Generation struct {
	ID       int32
	MemberID string
	LeaderID string
	Protocol string
}

func noGeneration() Generation {
	return Generation{ID: NoGeneration, MemberID: UnknownMemberID}
}

// IsLeader returns whether the member of this generation leads the group.
func (g Generation) IsLeader() bool {
	return g.MemberID != UnknownMemberID && g.MemberID == g.LeaderID
}

// MembershipState is where a member is in the group protocol.
type MembershipState int8

const (
	StateUndiscovered MembershipState = iota
	StateDiscovering
	StateUnjoined
	StateJoining
	StateSyncing
	StateStable
	StateRebalanceRequired
	StateLeaving
)

func (s MembershipState) String() string {
	switch s {
	case StateUndiscovered:
		return "UNDISCOVERED"
	case StateDiscovering:
		return "DISCOVERING"
	case StateUnjoined:
		return "UNJOINED"
	case StateJoining:
		return "JOINING"
	case StateSyncing:
		return "SYNCING"
	case StateStable:
		return "STABLE"
	case StateRebalanceRequired:
		return "REBALANCE_REQUIRED"
	case StateLeaving:
		return "LEAVING"
	}
	return "UNKNOWN"
}

// groupMembership drives JoinGroup and SyncGroup. It is the only owner of
// the member's generation.
type groupMembership struct {
	cl *Client

	state MembershipState
	gen   Generation // current, replaced whole after a successful sync

	// joinAs is the member ID the next JoinGroup carries. It can differ
	// from gen.MemberID between a join and its sync, or after the
	// coordinator hands us an ID with MEMBER_ID_REQUIRED.
	joinAs string

	rejoin    bool
	rejoinWhy string

	retryAt  time.Time
	failures int
}

func (g *groupMembership) init(cl *Client) {
	g.cl = cl
	g.state = StateUndiscovered
	g.gen = noGeneration()
	g.joinAs = UnknownMemberID
	g.rejoin = true
	g.rejoinWhy = "initial join"
}

// needRejoin returns whether a group managed member must (re)join.
func (g *groupMembership) needRejoin() bool {
	subs := g.cl.subs
	return subs.GroupManaged() && (g.rejoin || subs.NeedsReassignment())
}

// requestRejoin forces the next ensure to rejoin the group.
func (g *groupMembership) requestRejoin(why string) {
	if !g.rejoin {
		g.cl.cfg.logger.Log(kgo.LogLevelInfo, "group rejoin requested", "group", g.cl.cfg.group, "why", why)
	}
	g.rejoin = true
	g.rejoinWhy = why
	if g.state == StateStable {
		g.state = StateRebalanceRequired
	}
}

// resetMember drops our member ID and generation; the next join is as a
// brand new member.
func (g *groupMembership) resetMember() {
	g.gen = noGeneration()
	g.joinAs = UnknownMemberID
}

func (g *groupMembership) onCoordinatorLookup() {
	if g.state == StateUndiscovered {
		g.state = StateDiscovering
	}
}

func (g *groupMembership) onCoordinatorFound() {
	if g.state == StateUndiscovered || g.state == StateDiscovering {
		g.state = StateUnjoined
	}
}

func (g *groupMembership) onCoordinatorLookupFailed() {
	if g.state == StateDiscovering {
		g.state = StateUndiscovered
	}
}

// ensure joins the group if the member is group managed and a rejoin is
// needed. If no rejoin is needed, this issues no requests.
func (g *groupMembership) ensure(ctx context.Context) error {
	for g.needRejoin() {
		if err := g.cl.coord.ensure(ctx); err != nil {
			return err
		}
		if err := g.cl.sleepUntil(ctx, g.retryAt); err != nil {
			return err
		}
		if g.cl.coord.unknown() { // lost while waiting out the backoff
			continue
		}

		err := g.joinAndSync(ctx)
		switch {
		case err == nil:
			g.failures = 0
			g.retryAt = time.Time{}
			continue
		case errors.Is(err, kerr.MemberIDRequired):
			continue // rejoin immediately with our new member ID
		case isFatal(err):
			return err
		}

		g.failures++
		backoff := g.cl.cfg.retryBackoff(g.failures)
		g.retryAt = g.cl.now().Add(backoff)
		g.cl.cfg.logger.Log(kgo.LogLevelInfo, "join and sync failed, retrying after backoff",
			"group", g.cl.cfg.group,
			"backoff", backoff,
			"err", err,
		)
	}
	return nil
}

func (g *groupMembership) joinAndSync(ctx context.Context) (err error) {
	var (
		start  = g.cl.now()
		joined Generation
	)
	defer func() {
		if err != nil {
			joined = Generation{}
		}
		g.cl.cfg.hooks.each(func(h Hook) {
			if h, ok := h.(HookGroupJoined); ok {
				h.OnGroupJoined(g.cl.cfg.group, joined, joined.IsLeader(), g.cl.now().Sub(start), err)
			}
		})
	}()

	// Partition counts back both the leader's balance and the store's
	// change detection, so we load them before every join.
	g.cl.refreshMetadata(ctx)

	if g.cl.cfg.autocommit && g.state == StateRebalanceRequired {
		g.cl.offsets.commitPositions(ctx, "before rebalancing")
	}

	coordinator, ok := g.cl.coord.current()
	if !ok {
		return kerr.CoordinatorNotAvailable
	}

	g.state = StateJoining
	joinReq := g.joinRequest()
	g.cl.cfg.logger.Log(kgo.LogLevelInfo, "joining group",
		"group", g.cl.cfg.group,
		"member_id", joinReq.MemberID,
		"why", g.rejoinWhy,
	)
	f := g.cl.send(coordinator, joinReq)
	if err := g.cl.await(ctx, f); err != nil {
		return g.joinFailed(err)
	}
	joinResp := f.Response().(*kmsg.JoinGroupResponse)
	if err := kerr.ErrorForCode(joinResp.ErrorCode); err != nil {
		return g.handleJoinErr(joinResp, err)
	}

	// A late response from an earlier join can echo our member ID with a
	// generation we have already moved past.
	if joinResp.MemberID == g.gen.MemberID && joinResp.Generation < g.gen.ID {
		g.cl.cfg.logger.Log(kgo.LogLevelWarn, "discarding join response for an older generation",
			"group", g.cl.cfg.group,
			"member_id", joinResp.MemberID,
			"generation", joinResp.Generation,
			"current_generation", g.gen.ID,
		)
		g.state = StateUnjoined
		return fmt.Errorf("%w: joined generation %d is older than current %d",
			errStaleGeneration, joinResp.Generation, g.gen.ID)
	}

	var protocol string
	if joinResp.Protocol != nil {
		protocol = *joinResp.Protocol
	}
	joined = Generation{
		ID:       joinResp.Generation,
		MemberID: joinResp.MemberID,
		LeaderID: joinResp.LeaderID,
		Protocol: protocol,
	}
	g.joinAs = joined.MemberID

	balancer, ok := g.cl.cfg.balancerFor(protocol)
	if !ok {
		g.state = StateUnjoined
		return fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}
	codec := BalancerCodec(balancer)

	g.cl.cfg.logger.Log(kgo.LogLevelInfo, "joined",
		"group", g.cl.cfg.group,
		"member_id", joined.MemberID,
		"generation", joined.ID,
		"protocol", protocol,
		"leader", joined.IsLeader(),
	)

	var assignments []kmsg.SyncGroupRequestGroupAssignment
	if joined.IsLeader() {
		if assignments, err = g.balance(ctx, balancer, joinResp.Members); err != nil {
			g.state = StateUnjoined
			return err
		}
	}

	g.state = StateSyncing
	f = g.cl.send(coordinator, g.syncRequest(joined, assignments))
	if err := g.cl.await(ctx, f); err != nil {
		return g.joinFailed(err)
	}
	syncResp := f.Response().(*kmsg.SyncGroupResponse)
	if err := kerr.ErrorForCode(syncResp.ErrorCode); err != nil {
		return g.handleSyncErr(err)
	}

	// Anything that reset our member while we waited on the sync (a
	// heartbeat or commit callback) supersedes this generation.
	if g.state != StateSyncing || g.joinAs != joined.MemberID {
		g.cl.cfg.logger.Log(kgo.LogLevelDebug, "discarding stale sync response",
			"group", g.cl.cfg.group,
			"generation", joined.ID,
		)
		return fmt.Errorf("%w: member was reset while syncing generation %d", errStaleGeneration, joined.ID)
	}

	assigned, err := codec.DecodeAssignment(syncResp.MemberAssignment)
	if err != nil {
		g.state = StateUnjoined
		return err
	}
	g.complete(ctx, joined, assigned)
	return nil
}

func (g *groupMembership) joinRequest() *kmsg.JoinGroupRequest {
	cfg := &g.cl.cfg
	req := kmsg.NewPtrJoinGroupRequest()
	req.Group = cfg.group
	req.SessionTimeoutMillis = int32(cfg.sessionTimeout.Milliseconds())
	req.RebalanceTimeoutMillis = int32(cfg.rebalanceTimeout.Milliseconds())
	req.MemberID = g.joinAs
	req.InstanceID = cfg.instanceID
	req.ProtocolType = cfg.protocolType

	topics, current := g.cl.subs.Subscription(), g.cl.subs.Assigned()
	for _, balancer := range cfg.balancers {
		proto := kmsg.NewJoinGroupRequestProtocol()
		proto.Name = balancer.ProtocolName()
		proto.Metadata = BalancerCodec(balancer).EncodeSubscription(topics, current, g.gen.ID)
		req.Protocols = append(req.Protocols, proto)
	}
	return req
}

func (g *groupMembership) syncRequest(joined Generation, assignments []kmsg.SyncGroupRequestGroupAssignment) *kmsg.SyncGroupRequest {
	cfg := &g.cl.cfg
	req := kmsg.NewPtrSyncGroupRequest()
	req.Group = cfg.group
	req.Generation = joined.ID
	req.MemberID = joined.MemberID
	req.InstanceID = cfg.instanceID
	req.ProtocolType = kmsg.StringPtr(cfg.protocolType)
	req.Protocol = kmsg.StringPtr(joined.Protocol)
	req.GroupAssignment = assignments
	return req
}

// complete applies a successful sync. The previous assignment is always
// revoked before the new one is applied and assigned.
func (g *groupMembership) complete(ctx context.Context, joined Generation, assigned map[string][]int32) {
	subs := g.cl.subs
	listener := subs.Listener()

	if listener != nil {
		listener.OnPartitionsRevoked(ctx, subs.Assigned())
	}

	g.gen = joined
	g.joinAs = joined.MemberID
	g.rejoin = false
	g.rejoinWhy = ""
	g.state = StateStable
	subs.AssignFromSubscribed(assigned)
	g.cl.hb.reset(g.cl.now())

	g.cl.cfg.logger.Log(kgo.LogLevelInfo, "synced",
		"group", g.cl.cfg.group,
		"member_id", joined.MemberID,
		"generation", joined.ID,
		"assigned", assigned,
	)

	if listener != nil {
		listener.OnPartitionsAssigned(ctx, assigned)
	}
}

// joinFailed handles a join or sync that failed before a response arrived.
func (g *groupMembership) joinFailed(err error) error {
	if isCoordinatorErr(err) {
		g.cl.coord.markDead(err)
		g.state = StateUndiscovered
		return err
	}
	g.state = StateUnjoined
	return err
}

func (g *groupMembership) handleJoinErr(resp *kmsg.JoinGroupResponse, err error) error {
	g.cl.cfg.logger.Log(kgo.LogLevelInfo, "join group failed",
		"group", g.cl.cfg.group,
		"member_id", g.joinAs,
		"err", err,
	)
	g.state = StateUnjoined
	switch {
	case errors.Is(err, kerr.MemberIDRequired):
		g.joinAs = resp.MemberID
	case errors.Is(err, kerr.UnknownMemberID):
		g.resetMember()
	case isCoordinatorErr(err):
		g.cl.coord.markDead(err)
		g.state = StateUndiscovered
	}
	return err
}

func (g *groupMembership) handleSyncErr(err error) error {
	g.cl.cfg.logger.Log(kgo.LogLevelInfo, "sync group failed",
		"group", g.cl.cfg.group,
		"member_id", g.joinAs,
		"err", err,
	)
	g.state = StateUnjoined
	switch {
	case errors.Is(err, kerr.RebalanceInProgress):
		// Our member ID is still good; only the generation moved on.
	case errors.Is(err, kerr.IllegalGeneration):
		g.gen = noGeneration()
	case errors.Is(err, kerr.UnknownMemberID):
		g.resetMember()
	case isCoordinatorErr(err):
		g.cl.coord.markDead(err)
		g.state = StateUndiscovered
	}
	g.rejoin = true
	g.rejoinWhy = "sync failed: " + err.Error()
	return err
}

// leave sends a best effort LeaveGroup and unconditionally resets our
// member, waiting at most the leave timeout for a response.
func (g *groupMembership) leave(ctx context.Context, reason string) {
	memberID := g.joinAs
	if memberID == UnknownMemberID {
		memberID = g.gen.MemberID
	}
	defer func() {
		g.resetMember()
		g.rejoin = true
		g.rejoinWhy = "left group"
		if g.cl.coord.unknown() {
			g.state = StateUndiscovered
		} else {
			g.state = StateUnjoined
		}
	}()

	coordinator, ok := g.cl.coord.current()
	if memberID == UnknownMemberID || !ok {
		return
	}
	g.state = StateLeaving

	req := kmsg.NewPtrLeaveGroupRequest()
	req.Group = g.cl.cfg.group
	req.MemberID = memberID
	member := kmsg.NewLeaveGroupRequestMember()
	member.MemberID = memberID
	member.InstanceID = g.cl.cfg.instanceID
	member.Reason = kmsg.StringPtr(reason)
	req.Members = append(req.Members, member)

	g.cl.cfg.logger.Log(kgo.LogLevelInfo, "leaving group",
		"group", g.cl.cfg.group,
		"member_id", memberID,
		"reason", reason,
	)

	f := g.cl.send(coordinator, req)
	err := g.cl.awaitFor(ctx, f, g.cl.cfg.leaveTimeout)
	if err == nil {
		resp := f.Response().(*kmsg.LeaveGroupResponse)
		err = kerr.ErrorForCode(resp.ErrorCode)
		for _, m := range resp.Members {
			if merr := kerr.ErrorForCode(m.ErrorCode); merr != nil && err == nil {
				err = merr
			}
		}
	}
	if isCoordinatorErr(err) {
		g.cl.coord.markDead(err)
	}
	g.cl.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookGroupLeft); ok {
			h.OnGroupLeft(g.cl.cfg.group, memberID, err)
		}
	})
	if err != nil {
		g.cl.cfg.logger.Log(kgo.LogLevelWarn, "leave group failed, member identity reset regardless",
			"group", g.cl.cfg.group,
			"member_id", memberID,
			"err", err,
		)
	}
}
