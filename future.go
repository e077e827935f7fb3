package kgroup

import "github.com/twmb/franz-go/pkg/kmsg"

// Future is the pending result of a request issued through a Transport.
//
// A future is resolved exactly once, either with a response or with an error.
// Later attempts to resolve it are ignored, which lets a transport race a
// disconnect against a response without care. Futures are not safe for
// concurrent use: they are resolved and inspected from the goroutine that
// polls the transport.
type Future struct {
	done bool
	resp kmsg.Response
	err  error

	listeners []func(kmsg.Response, error)
}

// NewFuture returns a new unresolved future.
func NewFuture() *Future { return new(Future) }

// Complete resolves the future successfully, returning whether this call was
// the one that resolved it.
func (f *Future) Complete(resp kmsg.Response) bool {
	return f.resolve(resp, nil)
}

// Fail resolves the future with err, returning whether this call was the one
// that resolved it.
func (f *Future) Fail(err error) bool {
	return f.resolve(nil, err)
}

func (f *Future) resolve(resp kmsg.Response, err error) bool {
	if f.done {
		return false
	}
	f.done = true
	f.resp, f.err = resp, err
	listeners := f.listeners
	f.listeners = nil
	for _, fn := range listeners {
		fn(resp, err)
	}
	return true
}

// Done returns whether the future has been resolved.
func (f *Future) Done() bool { return f.done }

// Succeeded returns whether the future has been resolved without error.
func (f *Future) Succeeded() bool { return f.done && f.err == nil }

// Failed returns whether the future has been resolved with an error.
func (f *Future) Failed() bool { return f.done && f.err != nil }

// Err returns the error the future was resolved with, if any.
func (f *Future) Err() error { return f.err }

// Response returns the response the future was resolved with, if any.
func (f *Future) Response() kmsg.Response { return f.resp }

// OnDone registers fn to be called when the future resolves. If the future is
// already resolved, fn is called immediately.
func (f *Future) OnDone(fn func(kmsg.Response, error)) {
	if f.done {
		fn(f.resp, f.err)
		return
	}
	f.listeners = append(f.listeners, fn)
}

// chain returns a new future that resolves once f resolves, with the result
// of passing f's outcome through fn. This is used to turn a raw transport
// response into the outcome of a protocol step, where a response carrying an
// error code fails the derived future.
func (f *Future) chain(fn func(kmsg.Response, error) (kmsg.Response, error)) *Future {
	next := NewFuture()
	f.OnDone(func(resp kmsg.Response, err error) {
		next.resolve(fn(resp, err))
	})
	return next
}
