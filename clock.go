package kgroup

import "time"

// Clock returns the current time. Every timer in this package (backoff
// deadlines, heartbeat intervals, session expiry, autocommit) reads time
// only through the configured Clock, which lets tests drive the client with a
// virtual clock that advances as the transport is polled.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
