package kgroup

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// Node identifies a broker a request can be sent to.
type Node struct {
	ID   int32
	Host string
	Port int32
}

func (n Node) String() string {
	return fmt.Sprintf("%s:%d (node %d)", n.Host, n.Port, n.ID)
}

// Transport is the asynchronous request client the group client issues every
// request through.
//
// Send must not block: it returns a future that is resolved during a later
// Poll, either with the response or with an error wrapping ErrDisconnected.
// Responses are matched to their requests by the transport, so futures may
// resolve in any order.
//
// Poll blocks for at most timeout waiting for outstanding requests to
// complete, resolving the futures of every request that completed. Poll is the
// only place futures are resolved, and it is always called from the goroutine
// that owns the group client.
type Transport interface {
	// Send issues req to node.
	Send(node Node, req kmsg.Request) *Future
	// Poll resolves futures for completed requests, waiting up to
	// timeout if nothing has completed yet.
	Poll(ctx context.Context, timeout time.Duration)
	// Pending returns the number of requests that have been sent but
	// whose futures are not yet resolved.
	Pending() int
	// LeastLoadedNode returns a broker suitable for requests that can go
	// to any broker, such as coordinator lookups.
	LeastLoadedNode() (Node, bool)
}
