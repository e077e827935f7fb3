package kgroup

import (
	"context"
	"errors"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var errSessionExpired = errors.New("no successful heartbeat within the session timeout")

// Client coordinates one member of a consumer group: it discovers the group
// coordinator, joins and syncs the group, keeps the member's session alive,
// and commits and fetches offsets.
//
// The client does no work in the background. Everything happens inside
// calls to Poll and the other blocking methods, which drive the transport
// and resolve outstanding requests as a side effect. All methods must be
// called from a single goroutine.
type Client struct {
	cfg  cfg
	t    Transport
	subs SubscriptionStore

	coord   coordinatorLocator
	group   groupMembership
	hb      heartbeater
	offsets offsetManager

	inflight []inflightReq

	lastMetadata   time.Time
	nextAutocommit time.Time

	closed bool
}

// inflightReq tracks a raw transport future until it resolves or is failed
// for exceeding the request timeout.
type inflightReq struct {
	f        *Future
	deadline time.Time
}

// NewClient returns a client for group that issues requests through t and
// tracks subscription and assignment state in subs.
func NewClient(group string, t Transport, subs SubscriptionStore, opts ...Opt) (*Client, error) {
	cfg := defaultCfg(group)
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.New("invalid nil transport")
	}
	if subs == nil {
		return nil, errors.New("invalid nil subscription store")
	}
	cfg.logger = &wrappedLogger{cfg.logger}

	cl := &Client{
		cfg:  cfg,
		t:    t,
		subs: subs,
	}
	cl.coord.cl = cl
	cl.group.init(cl)
	cl.hb.cl = cl
	cl.offsets.cl = cl
	cl.nextAutocommit = cl.now().Add(cfg.autocommitInterval)
	return cl, nil
}

func (cl *Client) now() time.Time { return cl.cfg.clock.Now() }

// send issues req through the transport, failing the returned future with
// ErrRequestTimedOut if it is unanswered past its timeout.
func (cl *Client) send(node Node, req kmsg.Request) *Future {
	f := cl.t.Send(node, req)
	if !f.Done() {
		cl.inflight = append(cl.inflight, inflightReq{f, cl.now().Add(cl.timeoutFor(req))})
	}
	return f
}

// timeoutFor returns how long req may go unanswered. The coordinator holds
// JoinGroup until every member rejoins and SyncGroup until the leader's plan
// arrives, both bounded by the rebalance timeout.
func (cl *Client) timeoutFor(req kmsg.Request) time.Duration {
	switch req.(type) {
	case *kmsg.JoinGroupRequest, *kmsg.SyncGroupRequest:
		return cl.cfg.requestTimeout + cl.cfg.rebalanceTimeout
	}
	return cl.cfg.requestTimeout
}

// untilDeadline returns how long until the earliest outstanding request
// times out.
func (cl *Client) untilDeadline() (time.Duration, bool) {
	var earliest time.Time
	for _, r := range cl.inflight {
		if r.f.Done() {
			continue
		}
		if earliest.IsZero() || r.deadline.Before(earliest) {
			earliest = r.deadline
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	if d := earliest.Sub(cl.now()); d > 0 {
		return d, true
	}
	return 0, true
}

// poll drives the transport for at most timeout, and then fails every
// request that is past its deadline.
func (cl *Client) poll(ctx context.Context, timeout time.Duration) {
	if d, ok := cl.untilDeadline(); ok && d < timeout {
		timeout = d
	}
	if timeout < 0 {
		timeout = 0
	}
	cl.t.Poll(ctx, timeout)

	now := cl.now()
	var keep, expired []inflightReq
	for _, r := range cl.inflight {
		switch {
		case r.f.Done():
		case !now.Before(r.deadline):
			expired = append(expired, r)
		default:
			keep = append(keep, r)
		}
	}
	// Failing a future runs its listeners, which may send more requests.
	cl.inflight = keep
	for _, r := range expired {
		r.f.Fail(ErrRequestTimedOut)
	}
}

// await polls until f resolves, returning its error.
func (cl *Client) await(ctx context.Context, f *Future) error {
	for !f.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, ok := cl.untilDeadline()
		if !ok {
			// Nothing outstanding can resolve f.
			return ErrRequestTimedOut
		}
		cl.poll(ctx, d)
	}
	return f.Err()
}

// awaitFor is await, giving up after d.
func (cl *Client) awaitFor(ctx context.Context, f *Future, d time.Duration) error {
	deadline := cl.now().Add(d)
	for !f.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		left := deadline.Sub(cl.now())
		if left <= 0 {
			return ErrRequestTimedOut
		}
		if _, ok := cl.untilDeadline(); !ok {
			return ErrRequestTimedOut
		}
		cl.poll(ctx, left)
	}
	return f.Err()
}

// sleepUntil polls the transport until deadline passes, letting other
// outstanding requests complete in the meantime.
func (cl *Client) sleepUntil(ctx context.Context, deadline time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		left := deadline.Sub(cl.now())
		if left <= 0 {
			return nil
		}
		cl.poll(ctx, left)
	}
}

func (cl *Client) sleep(ctx context.Context, d time.Duration) error {
	return cl.sleepUntil(ctx, cl.now().Add(d))
}

// refreshMetadata loads partition counts for the subscription into the
// store, which flags a reassignment if any count changed.
func (cl *Client) refreshMetadata(ctx context.Context) {
	cl.lastMetadata = cl.now()
	if cl.cfg.metadata == nil || !cl.subs.GroupManaged() {
		return
	}
	counts, err := cl.cfg.metadata.PartitionCounts(ctx, cl.subs.Subscription())
	if err != nil {
		cl.cfg.logger.Log(kgo.LogLevelWarn, "unable to load partition counts",
			"group", cl.cfg.group,
			"err", err,
		)
		return
	}
	cl.subs.UpdateMetadata(counts)
}

// partitionCounts returns the partition count of every topic that exists.
func (cl *Client) partitionCounts(ctx context.Context, topics []string) map[string]int32 {
	if cl.cfg.metadata == nil {
		return make(map[string]int32)
	}
	counts, err := cl.cfg.metadata.PartitionCounts(ctx, topics)
	if err != nil {
		cl.cfg.logger.Log(kgo.LogLevelWarn, "unable to load partition counts for balancing",
			"group", cl.cfg.group,
			"err", err,
		)
		return make(map[string]int32)
	}
	return counts
}

func (cl *Client) defaultCommitCallback(offsets map[string]map[int32]Offset, err error) {
	if cl.cfg.commitCallback != nil {
		cl.cfg.commitCallback(offsets, err)
		return
	}
	if err != nil {
		cl.cfg.logger.Log(kgo.LogLevelError, "asynchronous offset commit failed",
			"group", cl.cfg.group,
			"offsets", offsets,
			"err", err,
		)
		return
	}
	cl.cfg.logger.Log(kgo.LogLevelDebug, "asynchronous offset commit completed",
		"group", cl.cfg.group,
		"offsets", offsets,
	)
}

// EnsureCoordinatorKnown blocks until the group coordinator is known.
// Lookups that fail are retried after backoff; only a group authorization
// failure or ctx cancellation is returned.
func (cl *Client) EnsureCoordinatorKnown(ctx context.Context) error {
	if cl.closed {
		return ErrClientClosed
	}
	return cl.coord.ensure(ctx)
}

// CoordinatorUnknown returns whether the coordinator must be rediscovered.
func (cl *Client) CoordinatorUnknown() bool { return cl.coord.unknown() }

// EnsurePartitionAssignment joins and syncs the group if the subscription is
// group managed and a rejoin is needed. It issues no requests if the member
// is already stable. Returned errors are fatal.
func (cl *Client) EnsurePartitionAssignment(ctx context.Context) error {
	if cl.closed {
		return ErrClientClosed
	}
	if !cl.group.needRejoin() {
		return nil
	}
	if err := cl.coord.ensure(ctx); err != nil {
		return err
	}
	return cl.group.ensure(ctx)
}

// NeedRejoin returns whether the next EnsurePartitionAssignment will rejoin
// the group.
func (cl *Client) NeedRejoin() bool { return cl.group.needRejoin() }

// Generation returns the member's current generation.
func (cl *Client) Generation() Generation { return cl.group.gen }

// State returns where the member is in the group protocol.
func (cl *Client) State() MembershipState {
	if cl.group.state == StateStable && cl.group.needRejoin() {
		return StateRebalanceRequired
	}
	return cl.group.state
}

// MaybeLeaveGroup leaves the group if this member has joined it. The leave
// is best effort and waits at most the leave timeout; the member identity is
// reset regardless of the outcome.
func (cl *Client) MaybeLeaveGroup(ctx context.Context, reason string) {
	cl.group.leave(ctx, reason)
}

// SendHeartbeat sends a heartbeat for the current generation. The returned
// future fails with the heartbeat's error, which the client has already
// reacted to by the time the future resolves.
func (cl *Client) SendHeartbeat() *Future { return cl.hb.send() }

// CommitOffsetsAsync commits offsets without waiting. onDone is called
// exactly once during a later poll with the offsets and the most severe
// partition error. A nil onDone uses the default commit callback. After
// Close, onDone is called immediately with ErrClientClosed.
func (cl *Client) CommitOffsetsAsync(offsets map[string]map[int32]Offset, onDone func(map[string]map[int32]Offset, error)) {
	if cl.closed {
		if onDone == nil {
			onDone = cl.defaultCommitCallback
		}
		onDone(offsets, ErrClientClosed)
		return
	}
	cl.offsets.commitAsync(offsets, onDone)
}

// CommitOffsetsSync commits offsets, retrying retriable failures until the
// commit succeeds, fails permanently, or ctx is canceled.
func (cl *Client) CommitOffsetsSync(ctx context.Context, offsets map[string]map[int32]Offset) error {
	if cl.closed {
		return ErrClientClosed
	}
	return cl.offsets.commitSync(ctx, offsets)
}

// FetchCommittedOffsets returns the committed offsets for partitions.
// Partitions without a committed offset are absent from the result.
func (cl *Client) FetchCommittedOffsets(ctx context.Context, partitions map[string][]int32) (map[string]map[int32]Offset, error) {
	if cl.closed {
		return nil, ErrClientClosed
	}
	return cl.offsets.fetch(ctx, partitions)
}

// RefreshCommittedOffsetsIfNeeded loads committed offsets for every assigned
// partition into the store if the store asks for it.
func (cl *Client) RefreshCommittedOffsetsIfNeeded(ctx context.Context) error {
	if cl.closed {
		return ErrClientClosed
	}
	return cl.offsets.refreshIfNeeded(ctx)
}

// Poll runs one iteration of the group protocol: it rejoins the group if
// needed, loads committed offsets for new assignments, heartbeats and
// autocommits when due, and then drives the transport for up to timeout.
//
// Only fatal errors are returned. Everything else is retried on later
// polls.
func (cl *Client) Poll(ctx context.Context, timeout time.Duration) error {
	if cl.closed {
		return ErrClientClosed
	}
	cfg := &cl.cfg

	if cfg.metadata != nil && !cl.now().Before(cl.lastMetadata.Add(cfg.metadataMaxAge)) {
		cl.refreshMetadata(ctx)
	}

	if cl.subs.GroupManaged() {
		if err := cl.coord.ensure(ctx); err != nil {
			return err
		}
		if err := cl.group.ensure(ctx); err != nil {
			return err
		}
	}
	if err := cl.offsets.refreshIfNeeded(ctx); err != nil {
		return err
	}

	now := cl.now()
	wait := timeout
	if cl.group.state == StateStable {
		if cl.hb.sessionExpired(now) {
			cfg.logger.Log(kgo.LogLevelWarn, "session timed out, rejoining",
				"group", cfg.group,
				"session_timeout", cfg.sessionTimeout,
			)
			cl.group.requestRejoin(errSessionExpired.Error())
			cl.coord.markDead(errSessionExpired)
		} else if !cl.coord.unknown() {
			if cl.hb.due(now) {
				cl.hb.send()
			}
			if d := cl.hb.untilDue(now); d < wait {
				wait = d
			}
		}
	}

	if cfg.autocommit && cl.group.state != StateRebalanceRequired {
		if !now.Before(cl.nextAutocommit) {
			cl.nextAutocommit = now.Add(cfg.autocommitInterval)
			if positions := cl.subs.Positions(); countPartitions(positions) > 0 {
				cl.offsets.commitAsync(positions, nil)
			}
		}
		if d := cl.nextAutocommit.Sub(now); d < wait {
			wait = d
		}
	}

	cl.poll(ctx, wait)
	return nil
}

// Close commits consumed positions if autocommitting, leaves the group, and
// waits at most the leave timeout for outstanding requests. The client
// cannot be used after Close.
func (cl *Client) Close(ctx context.Context) {
	if cl.closed {
		return
	}
	if cl.cfg.autocommit && !cl.coord.unknown() {
		cl.offsets.commitPositions(ctx, "before leaving")
	}
	cl.group.leave(ctx, "client closing")

	deadline := cl.now().Add(cl.cfg.leaveTimeout)
	for cl.t.Pending() > 0 && ctx.Err() == nil {
		left := deadline.Sub(cl.now())
		if left <= 0 {
			break
		}
		cl.poll(ctx, left)
	}
	cl.closed = true
	cl.cfg.logger.Log(kgo.LogLevelInfo, "group client closed", "group", cl.cfg.group)
}
