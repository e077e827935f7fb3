package kgroup

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time         { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// prepared is a canned outcome for the next request of a given key.
type prepared struct {
	key        int16
	resp       kmsg.Response
	match      func(kmsg.Request) bool
	disconnect bool
	at         time.Time // not answered before this time, if set
}

type sentReq struct {
	node Node
	req  kmsg.Request
	f    *Future
}

// mockTransport answers requests from a FIFO of prepared responses during
// Poll. If Poll resolves nothing, the clock moves forward by the poll
// timeout (or to the next delayed response, if sooner), which lets request
// timeouts and backoffs elapse instantly.
type mockTransport struct {
	t     testing.TB
	clock *fakeClock

	noNodes  bool
	prepared []prepared
	inflight []sentReq
	sent     []sentReq

	idle int
}

var (
	bootstrapNode   = Node{ID: 0, Host: "localhost", Port: 9092}
	coordinatorNode = Node{ID: 1, Host: "localhost", Port: 9093}
)

func newMockTransport(t testing.TB, clock *fakeClock) *mockTransport {
	return &mockTransport{t: t, clock: clock}
}

func (m *mockTransport) Send(node Node, req kmsg.Request) *Future {
	f := NewFuture()
	s := sentReq{node, req, f}
	m.inflight = append(m.inflight, s)
	m.sent = append(m.sent, s)
	return f
}

func (m *mockTransport) Poll(_ context.Context, timeout time.Duration) {
	// Requests the client already gave up on are never answered.
	live := m.inflight[:0]
	for _, s := range m.inflight {
		if !s.f.Done() {
			live = append(live, s)
		}
	}
	m.inflight = live

	var resolved bool
	for len(m.prepared) > 0 {
		p := m.prepared[0]
		idx := -1
		for i, s := range m.inflight {
			if s.req.Key() == p.key {
				idx = i
				break
			}
		}
		if idx < 0 || m.clock.now.Before(p.at) {
			break
		}
		s := m.inflight[idx]
		if p.match != nil && !p.match(s.req) {
			m.t.Fatalf("%T did not match the prepared response's expectations", s.req)
		}
		m.inflight = append(m.inflight[:idx], m.inflight[idx+1:]...)
		m.prepared = m.prepared[1:]
		resolved = true
		if p.disconnect {
			s.f.Fail(errDisconnected(errors.New("connection reset by peer")))
		} else {
			s.f.Complete(p.resp)
		}
	}
	if resolved {
		m.idle = 0
		return
	}
	if len(m.prepared) > 0 {
		if until := m.prepared[0].at.Sub(m.clock.now); until > 0 && until < timeout {
			timeout = until
		}
	}
	m.clock.advance(timeout)
	if m.idle++; m.idle > 10000 {
		m.t.Fatalf("transport polled without progress; %d requests in flight, %d responses prepared", len(m.inflight), len(m.prepared))
	}
}

func (m *mockTransport) Pending() int {
	var n int
	for _, s := range m.inflight {
		if !s.f.Done() {
			n++
		}
	}
	return n
}

func (m *mockTransport) LeastLoadedNode() (Node, bool) {
	if m.noNodes {
		return Node{}, false
	}
	return bootstrapNode, true
}

func (m *mockTransport) prepare(resp kmsg.Response) {
	m.prepared = append(m.prepared, prepared{key: resp.Key(), resp: resp})
}

// prepareAt answers the next request of resp's key no earlier than at.
func (m *mockTransport) prepareAt(resp kmsg.Response, at time.Time) {
	m.prepared = append(m.prepared, prepared{key: resp.Key(), resp: resp, at: at})
}

func (m *mockTransport) prepareMatching(resp kmsg.Response, match func(kmsg.Request) bool) {
	m.prepared = append(m.prepared, prepared{key: resp.Key(), resp: resp, match: match})
}

func (m *mockTransport) prepareDisconnect(key int16) {
	m.prepared = append(m.prepared, prepared{key: key, disconnect: true})
}

// sentOf returns every request of the given key sent so far.
func (m *mockTransport) sentOf(key int16) []sentReq {
	var out []sentReq
	for _, s := range m.sent {
		if s.req.Key() == key {
			out = append(out, s)
		}
	}
	return out
}

// Response builders.

func code(err *kerr.Error) int16 {
	if err == nil {
		return 0
	}
	return err.Code
}

func findCoordinatorResp(err *kerr.Error) *kmsg.FindCoordinatorResponse {
	resp := kmsg.NewPtrFindCoordinatorResponse()
	resp.ErrorCode = code(err)
	resp.NodeID = coordinatorNode.ID
	resp.Host = coordinatorNode.Host
	resp.Port = coordinatorNode.Port
	return resp
}

func joinResp(gen int32, memberID, leaderID string, err *kerr.Error, members ...kmsg.JoinGroupResponseMember) *kmsg.JoinGroupResponse {
	resp := kmsg.NewPtrJoinGroupResponse()
	resp.ErrorCode = code(err)
	resp.Generation = gen
	resp.MemberID = memberID
	resp.LeaderID = leaderID
	resp.ProtocolType = kmsg.StringPtr("consumer")
	resp.Protocol = kmsg.StringPtr("range")
	resp.Members = members
	return resp
}

func joinMember(memberID string, topics ...string) kmsg.JoinGroupResponseMember {
	m := kmsg.NewJoinGroupResponseMember()
	m.MemberID = memberID
	meta := kmsg.NewConsumerMemberMetadata()
	meta.Topics = topics
	m.ProtocolMetadata = meta.AppendTo(nil)
	return m
}

func syncResp(assigned map[string][]int32, err *kerr.Error) *kmsg.SyncGroupResponse {
	resp := kmsg.NewPtrSyncGroupResponse()
	resp.ErrorCode = code(err)
	resp.MemberAssignment = encodeAssignment(assigned)
	return resp
}

func encodeAssignment(assigned map[string][]int32) []byte {
	topics := make([]string, 0, len(assigned))
	for topic := range assigned {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	a := kmsg.NewConsumerMemberAssignment()
	for _, topic := range topics {
		t := kmsg.NewConsumerMemberAssignmentTopic()
		t.Topic = topic
		t.Partitions = assigned[topic]
		a.Topics = append(a.Topics, t)
	}
	return a.AppendTo(nil)
}

// decodeAssignment parses a leader's plan entry for one member.
func decodeAssignment(t testing.TB, b []byte) map[string][]int32 {
	t.Helper()
	a := kmsg.NewConsumerMemberAssignment()
	if err := a.ReadFrom(b); err != nil {
		t.Fatalf("unable to read member assignment: %v", err)
	}
	assigned := make(map[string][]int32)
	for _, topic := range a.Topics {
		assigned[topic.Topic] = append(assigned[topic.Topic], topic.Partitions...)
	}
	return assigned
}

// decodeSubscription returns the topics in a JoinGroup protocol's metadata.
func decodeSubscription(t testing.TB, b []byte) []string {
	t.Helper()
	meta := kmsg.NewConsumerMemberMetadata()
	if err := meta.ReadFrom(b); err != nil {
		t.Fatalf("unable to read member metadata: %v", err)
	}
	return meta.Topics
}

func heartbeatResp(err *kerr.Error) *kmsg.HeartbeatResponse {
	resp := kmsg.NewPtrHeartbeatResponse()
	resp.ErrorCode = code(err)
	return resp
}

func leaveResp(err *kerr.Error) *kmsg.LeaveGroupResponse {
	resp := kmsg.NewPtrLeaveGroupResponse()
	resp.ErrorCode = code(err)
	return resp
}

func commitResp(errs map[string]map[int32]*kerr.Error) *kmsg.OffsetCommitResponse {
	resp := kmsg.NewPtrOffsetCommitResponse()
	for topic, ps := range errs {
		rt := kmsg.NewOffsetCommitResponseTopic()
		rt.Topic = topic
		for partition, err := range ps {
			rp := kmsg.NewOffsetCommitResponseTopicPartition()
			rp.Partition = partition
			rp.ErrorCode = code(err)
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

func fetchResp(topic string, partition int32, offset int64, metadata string, err *kerr.Error) *kmsg.OffsetFetchResponse {
	resp := kmsg.NewPtrOffsetFetchResponse()
	rt := kmsg.NewOffsetFetchResponseTopic()
	rt.Topic = topic
	rp := kmsg.NewOffsetFetchResponseTopicPartition()
	rp.Partition = partition
	rp.Offset = offset
	rp.LeaderEpoch = -1
	rp.Metadata = kmsg.StringPtr(metadata)
	rp.ErrorCode = code(err)
	rt.Partitions = append(rt.Partitions, rp)
	resp.Topics = append(resp.Topics, rt)
	return resp
}

func fetchTopLevelErr(err *kerr.Error) *kmsg.OffsetFetchResponse {
	resp := kmsg.NewPtrOffsetFetchResponse()
	resp.ErrorCode = code(err)
	return resp
}

// Request matchers.

func joinAs(memberID string) func(kmsg.Request) bool {
	return func(req kmsg.Request) bool {
		return req.(*kmsg.JoinGroupRequest).MemberID == memberID
	}
}

func leaveAs(memberID string) func(kmsg.Request) bool {
	return func(req kmsg.Request) bool {
		r := req.(*kmsg.LeaveGroupRequest)
		return r.MemberID == memberID && len(r.Members) == 1 && r.Members[0].MemberID == memberID
	}
}

func commitAs(gen int32, memberID string) func(kmsg.Request) bool {
	return func(req kmsg.Request) bool {
		r := req.(*kmsg.OffsetCommitRequest)
		return r.Generation == gen && r.MemberID == memberID
	}
}

// recordingListener records every callback in order.
type recordingListener struct {
	calls    []string
	revoked  []map[string][]int32
	assigned []map[string][]int32
}

func (l *recordingListener) OnPartitionsRevoked(_ context.Context, revoked map[string][]int32) {
	l.calls = append(l.calls, "revoked")
	l.revoked = append(l.revoked, revoked)
}

func (l *recordingListener) OnPartitionsAssigned(_ context.Context, assigned map[string][]int32) {
	l.calls = append(l.calls, "assigned")
	l.assigned = append(l.assigned, assigned)
}

const (
	testGroup = "test-group"
	testTopic = "foo"
)

type testEnv struct {
	cl       *Client
	mt       *mockTransport
	subs     *Subscriptions
	clock    *fakeClock
	meta     *StaticMetadata
	listener *recordingListener
}

// newTestEnv returns a client subscribed to testTopic with one partition.
// Backoff is a constant 100ms and request timeouts are 30s.
func newTestEnv(t testing.TB, opts ...Opt) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mt := newMockTransport(t, clock)
	subs := NewSubscriptions()
	listener := new(recordingListener)
	subs.Subscribe([]string{testTopic}, listener)
	meta := NewStaticMetadata(map[string]int32{testTopic: 1})

	opts = append([]Opt{WithClock(clock), Metadata(meta)}, opts...)
	cl, err := NewClient(testGroup, mt, subs, opts...)
	if err != nil {
		t.Fatalf("unable to create client: %v", err)
	}
	return &testEnv{cl, mt, subs, clock, meta, listener}
}

func (e *testEnv) discover(t testing.TB) {
	t.Helper()
	e.mt.prepare(findCoordinatorResp(nil))
	if err := e.cl.EnsureCoordinatorKnown(context.Background()); err != nil {
		t.Fatalf("unable to discover coordinator: %v", err)
	}
}

// joinStable discovers the coordinator and joins as the sole member, which
// leads and is assigned testTopic partition 0.
func (e *testEnv) joinStable(t testing.TB, gen int32, memberID string) {
	t.Helper()
	if e.cl.CoordinatorUnknown() {
		e.discover(t)
	}
	e.mt.prepare(joinResp(gen, memberID, memberID, nil, joinMember(memberID, testTopic)))
	e.mt.prepare(syncResp(map[string][]int32{testTopic: {0}}, nil))
	if err := e.cl.EnsurePartitionAssignment(context.Background()); err != nil {
		t.Fatalf("unable to join group: %v", err)
	}
	if s := e.cl.State(); s != StateStable {
		t.Fatalf("got state %v != STABLE after join", s)
	}
}

func (e *testEnv) drain() {
	for i := 0; i < 5 && len(e.mt.prepared) > 0; i++ {
		e.cl.poll(context.Background(), 0)
	}
}
