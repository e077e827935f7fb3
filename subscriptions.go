package kgroup

import (
	"context"
	"sort"
	"sync"
)

// RebalanceListener is notified when the group changes this member's
// assignment. OnPartitionsRevoked is always called with the previous
// assignment, possibly empty, strictly before OnPartitionsAssigned is called
// with the new one, possibly empty.
type RebalanceListener interface {
	OnPartitionsRevoked(ctx context.Context, revoked map[string][]int32)
	OnPartitionsAssigned(ctx context.Context, assigned map[string][]int32)
}

// ListenerFuncs adapts a pair of functions to a RebalanceListener. Either
// function may be nil.
type ListenerFuncs struct {
	Revoked  func(context.Context, map[string][]int32)
	Assigned func(context.Context, map[string][]int32)
}

func (l ListenerFuncs) OnPartitionsRevoked(ctx context.Context, revoked map[string][]int32) {
	if l.Revoked != nil {
		l.Revoked(ctx, revoked)
	}
}

func (l ListenerFuncs) OnPartitionsAssigned(ctx context.Context, assigned map[string][]int32) {
	if l.Assigned != nil {
		l.Assigned(ctx, assigned)
	}
}

// SubscriptionStore is the local bookkeeping the group client reads and
// writes: what this member subscribes to, what it is assigned, and what is
// known to be committed. The client never keeps its own copy of this state.
type SubscriptionStore interface {
	// GroupManaged returns whether partitions are assigned by the group
	// (a topic subscription) rather than directly by the user.
	GroupManaged() bool
	// Subscription returns the subscribed topics.
	Subscription() []string
	// Listener returns the rebalance listener to notify, or nil.
	Listener() RebalanceListener

	// NeedsReassignment returns whether the group must be (re)joined.
	NeedsReassignment() bool
	// NeedReassignment flags that the group must be rejoined.
	NeedReassignment()
	// Assigned returns the currently assigned partitions.
	Assigned() map[string][]int32
	// AssignFromSubscribed applies a group assignment and clears the
	// reassignment flag.
	AssignFromSubscribed(assigned map[string][]int32)
	// UpdateMetadata is given the latest partition counts of subscribed
	// topics; it flags reassignment if they changed.
	UpdateMetadata(partitionCounts map[string]int32)

	// Committed returns the committed offset for a partition, if known.
	Committed(topic string, partition int32) (Offset, bool)
	// SetCommitted records a committed offset for an assigned partition.
	SetCommitted(topic string, partition int32, o Offset)
	// RefreshCommitsNeeded returns whether committed offsets must be
	// (re)loaded from the coordinator.
	RefreshCommitsNeeded() bool
	// CommitsRefreshed clears the refresh flag.
	CommitsRefreshed()

	// Positions returns the consumed positions of assigned partitions, to
	// be committed by autocommit.
	Positions() map[string]map[int32]Offset
}

type subscriptionMode uint8

const (
	modeNone subscriptionMode = iota
	modeSubscribed
	modeUserAssigned
)

type partitionState struct {
	committed    Offset
	hasCommitted bool
	position     Offset
	hasPosition  bool
}

// Subscriptions is an in-memory SubscriptionStore. It is safe for concurrent
// use, so a consuming goroutine can record positions while the group client
// polls.
type Subscriptions struct {
	mu sync.Mutex

	mode     subscriptionMode
	topics   []string
	listener RebalanceListener

	needsReassignment bool
	needsRefresh      bool

	assigned map[string]map[int32]*partitionState
	snapshot map[string]int32
}

// NewSubscriptions returns an empty store.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		assigned: make(map[string]map[int32]*partitionState),
	}
}

// Subscribe switches the store to group-managed assignment of topics. The
// group is joined on the next poll.
func (s *Subscriptions) Subscribe(topics []string, listener RebalanceListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = modeSubscribed
	s.topics = append([]string(nil), topics...)
	sort.Strings(s.topics)
	s.listener = listener
	s.needsReassignment = true
	s.snapshot = nil
}

// AssignFromUser switches the store to user assignment of exactly the given
// partitions. Committed offsets for them are loaded on the next poll.
func (s *Subscriptions) AssignFromUser(partitions map[string][]int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = modeUserAssigned
	s.topics = nil
	s.listener = nil
	s.needsReassignment = false
	s.assign(partitions)
}

// Unsubscribe drops all subscriptions and assignments.
func (s *Subscriptions) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = modeNone
	s.topics = nil
	s.listener = nil
	s.needsReassignment = false
	s.needsRefresh = false
	s.snapshot = nil
	s.assigned = make(map[string]map[int32]*partitionState)
}

// SetPosition records how far this member has consumed a partition.
// Positions of unassigned partitions are ignored.
func (s *Subscriptions) SetPosition(topic string, partition int32, o Offset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps := s.lookup(topic, partition); ps != nil {
		ps.position, ps.hasPosition = o, true
	}
}

func (s *Subscriptions) lookup(topic string, partition int32) *partitionState {
	return s.assigned[topic][partition]
}

// assign replaces the assignment, keeping state for partitions that remain
// assigned.
func (s *Subscriptions) assign(partitions map[string][]int32) {
	next := make(map[string]map[int32]*partitionState, len(partitions))
	for topic, ps := range partitions {
		nextt := make(map[int32]*partitionState, len(ps))
		for _, p := range ps {
			if prior := s.lookup(topic, p); prior != nil {
				nextt[p] = prior
			} else {
				nextt[p] = new(partitionState)
			}
		}
		next[topic] = nextt
	}
	s.assigned = next
	s.needsRefresh = true
}

func (s *Subscriptions) GroupManaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == modeSubscribed
}

func (s *Subscriptions) Subscription() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

func (s *Subscriptions) Listener() RebalanceListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *Subscriptions) NeedsReassignment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == modeSubscribed && s.needsReassignment
}

func (s *Subscriptions) NeedReassignment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsReassignment = true
}

func (s *Subscriptions) Assigned() map[string][]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	assigned := make(map[string][]int32, len(s.assigned))
	for topic, ps := range s.assigned {
		for p := range ps {
			assigned[topic] = append(assigned[topic], p)
		}
		sort.Slice(assigned[topic], func(i, j int) bool { return assigned[topic][i] < assigned[topic][j] })
	}
	return assigned
}

func (s *Subscriptions) AssignFromSubscribed(assigned map[string][]int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assign(assigned)
	s.needsReassignment = false
}

func (s *Subscriptions) UpdateMetadata(partitionCounts map[string]int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != modeSubscribed {
		return
	}
	snapshot := make(map[string]int32, len(s.topics))
	for _, topic := range s.topics {
		if n, ok := partitionCounts[topic]; ok {
			snapshot[topic] = n
		}
	}
	if s.snapshot != nil && !equalCounts(s.snapshot, snapshot) {
		s.needsReassignment = true
	}
	s.snapshot = snapshot
}

func equalCounts(l, r map[string]int32) bool {
	if len(l) != len(r) {
		return false
	}
	for topic, n := range l {
		if rn, ok := r[topic]; !ok || rn != n {
			return false
		}
	}
	return true
}

func (s *Subscriptions) Committed(topic string, partition int32) (Offset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.lookup(topic, partition)
	if ps == nil || !ps.hasCommitted {
		return Offset{}, false
	}
	return ps.committed, true
}

func (s *Subscriptions) SetCommitted(topic string, partition int32, o Offset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps := s.lookup(topic, partition); ps != nil {
		ps.committed, ps.hasCommitted = o, true
	}
}

func (s *Subscriptions) RefreshCommitsNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsRefresh
}

// NeedRefreshCommits flags that committed offsets must be reloaded.
func (s *Subscriptions) NeedRefreshCommits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsRefresh = true
}

func (s *Subscriptions) CommitsRefreshed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsRefresh = false
}

func (s *Subscriptions) Positions() map[string]map[int32]Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	positions := make(map[string]map[int32]Offset)
	for topic, ps := range s.assigned {
		for p, state := range ps {
			if !state.hasPosition {
				continue
			}
			if positions[topic] == nil {
				positions[topic] = make(map[int32]Offset)
			}
			positions[topic][p] = state.position
		}
	}
	return positions
}
