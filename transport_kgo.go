package kgroup

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// AnyNodeID is the node ID KgoTransport hands out from LeastLoadedNode. A
// request sent to it is routed by the kgo client to any broker it chooses.
const AnyNodeID int32 = -1

// KgoTransport is a Transport backed by a *kgo.Client.
//
// Each request is issued on its own goroutine through the client's broker
// handles, but completions are only delivered to futures from Poll, keeping
// all group state on the polling goroutine.
type KgoTransport struct {
	cl *kgo.Client

	ctx    context.Context
	cancel func()

	completions chan kgoCompletion
	pending     int
}

type kgoCompletion struct {
	f    *Future
	resp kmsg.Response
	err  error
}

// NewKgoTransport returns a transport issuing requests through cl. The kgo
// client is not closed by the transport.
func NewKgoTransport(cl *kgo.Client) *KgoTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &KgoTransport{
		cl:          cl,
		ctx:         ctx,
		cancel:      cancel,
		completions: make(chan kgoCompletion, 16),
	}
}

// Send implements Transport.
func (t *KgoTransport) Send(node Node, req kmsg.Request) *Future {
	f := NewFuture()
	t.pending++
	go func() {
		var (
			resp kmsg.Response
			err  error
		)
		if node.ID == AnyNodeID {
			resp, err = t.cl.Request(t.ctx, req)
		} else {
			resp, err = t.cl.Broker(int(node.ID)).Request(t.ctx, req)
		}
		select {
		case t.completions <- kgoCompletion{f, resp, err}:
		case <-t.ctx.Done():
		}
	}()
	return f
}

// Poll implements Transport.
func (t *KgoTransport) Poll(ctx context.Context, timeout time.Duration) {
	if timeout > 0 && t.pending > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case c := <-t.completions:
			t.finish(c)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	} else if timeout > 0 {
		// Nothing is in flight; honor the wait so backoff deadlines
		// are not spun on.
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return
	}
	for {
		select {
		case c := <-t.completions:
			t.finish(c)
		default:
			return
		}
	}
}

func (t *KgoTransport) finish(c kgoCompletion) {
	t.pending--
	if c.err != nil {
		c.f.Fail(errDisconnected(c.err))
		return
	}
	c.f.Complete(c.resp)
}

// Pending implements Transport.
func (t *KgoTransport) Pending() int { return t.pending }

// LeastLoadedNode implements Transport. The kgo client balances requests
// across brokers itself, so this always returns a node with AnyNodeID.
func (t *KgoTransport) LeastLoadedNode() (Node, bool) {
	return Node{ID: AnyNodeID}, true
}

// Close abandons all in flight requests. Their futures are never resolved.
func (t *KgoTransport) Close() {
	t.cancel()
}
