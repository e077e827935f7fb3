package kgroup

import "time"

// Hook is a hook to be called when something happens in the group client.
//
// The base Hook interface is useless, but wherever a hook can occur, the
// client checks if your hook implements an appropriate interface. If so, your
// hook is called.
//
// This allows you to only hook in to behavior you care about, and it allows
// the client to add more hooks in the future.
//
// Hooks are called from the goroutine polling the client and must be fast.
type Hook interface{}

type hooks []Hook

func (hs hooks) each(fn func(Hook)) {
	for _, h := range hs {
		fn(h)
	}
}

// HookCoordinatorDiscovered is called after a coordinator lookup completes.
type HookCoordinatorDiscovered interface {
	// OnCoordinatorDiscovered is passed the group, the discovered node,
	// and any error. The node is the zero value on error.
	OnCoordinatorDiscovered(group string, node Node, err error)
}

// HookCoordinatorDead is called when the cached coordinator is invalidated.
type HookCoordinatorDead interface {
	// OnCoordinatorDead is passed the group and the error that caused
	// the coordinator to be marked unknown.
	OnCoordinatorDead(group string, cause error)
}

// HookGroupJoined is called after every JoinGroup+SyncGroup attempt
// completes, successfully or not.
type HookGroupJoined interface {
	// OnGroupJoined is passed the group, the generation joined (the zero
	// value on error), whether this member leads, how long the join and
	// sync took, and any error.
	OnGroupJoined(group string, gen Generation, leader bool, dur time.Duration, err error)
}

// HookGroupLeft is called after this member leaves the group.
type HookGroupLeft interface {
	// OnGroupLeft is passed the group, the member ID that left, and any
	// error from the best effort LeaveGroup request.
	OnGroupLeft(group, memberID string, err error)
}

// HookHeartbeat is called after every heartbeat response or failure.
type HookHeartbeat interface {
	// OnHeartbeat is passed the group, the round trip latency, and any
	// error.
	OnHeartbeat(group string, latency time.Duration, err error)
}

// HookOffsetCommit is called after every offset commit response or failure.
type HookOffsetCommit interface {
	// OnOffsetCommit is passed the group, the number of partitions in the
	// commit, the round trip latency, and the overall error.
	OnOffsetCommit(group string, partitions int, latency time.Duration, err error)
}
