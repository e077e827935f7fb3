package kgroup

import (
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
)

var (
	// ErrDisconnected is returned when a request could not be written to
	// or read from a broker. Transports wrap the underlying I/O error with
	// this so that callers can classify it with errors.Is.
	ErrDisconnected = errors.New("disconnected from broker")

	// ErrRequestTimedOut is returned when a request issued through the
	// transport is not answered within the configured request timeout.
	// It is handled exactly like a disconnect.
	ErrRequestTimedOut = errors.New("request timed out waiting for a response")

	// ErrNoNodes is returned internally when the transport knows of no
	// broker to send a coordinator lookup to. It is retriable.
	ErrNoNodes = errors.New("no brokers available to discover the group coordinator")

	// ErrCommitFailed is returned when an offset commit is rejected because
	// the group rebalanced underneath the member. The wrapped error is the
	// Kafka error that caused the failure; the member rejoins on the next
	// poll.
	ErrCommitFailed = errors.New("commit cannot be completed since the group has already rebalanced")

	// ErrUnknownProtocol is returned when the coordinator chose an
	// assignment protocol that this client has no balancer for.
	ErrUnknownProtocol = errors.New("coordinator chose an unknown group protocol")

	// ErrClientClosed is returned from operations after Close.
	ErrClientClosed = errors.New("client closed")

	// errStaleGeneration is a join or sync that was superseded by a newer
	// generation of our own member; the member backs off and rejoins.
	errStaleGeneration = errors.New("stale group generation")
)

// errDisconnected wraps a transport failure as ErrDisconnected.
func errDisconnected(cause error) error {
	if cause == nil || errors.Is(cause, ErrDisconnected) || errors.Is(cause, ErrRequestTimedOut) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, cause)
}

// isCoordinatorErr returns whether the error means our cached coordinator is
// no longer usable.
func isCoordinatorErr(err error) bool {
	return errors.Is(err, kerr.CoordinatorNotAvailable) ||
		errors.Is(err, kerr.NotCoordinator) ||
		errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrRequestTimedOut)
}

// isMembershipErr returns whether the error invalidates our membership and
// requires a rejoin.
func isMembershipErr(err error) bool {
	return errors.Is(err, kerr.IllegalGeneration) ||
		errors.Is(err, kerr.UnknownMemberID) ||
		errors.Is(err, kerr.RebalanceInProgress)
}

// isRetriable returns whether an operation failing with err can be retried
// after a backoff, possibly after rediscovering the coordinator.
func isRetriable(err error) bool {
	switch {
	case err == nil:
		return false
	case isCoordinatorErr(err), errors.Is(err, ErrNoNodes), errors.Is(err, errStaleGeneration):
		return true
	}
	return errors.Is(err, kerr.CoordinatorLoadInProgress) ||
		errors.Is(err, kerr.UnstableOffsetCommit)
}

// isFatal returns whether err must be surfaced to the caller immediately.
// Everything that is neither retriable nor membership related is fatal.
func isFatal(err error) bool {
	return err != nil && !isRetriable(err) && !isMembershipErr(err)
}

// severity ranks errors so that multi-partition results resolve to the most
// important failure: fatal beats membership beats retriable.
func severity(err error) int {
	switch {
	case err == nil:
		return 0
	case isRetriable(err):
		return 1
	case isMembershipErr(err):
		return 2
	}
	return 3
}

// worse returns whichever of cur and next is more severe, preferring cur on
// ties so the first failure seen is kept.
func worse(cur, next error) error {
	if severity(next) > severity(cur) {
		return next
	}
	return cur
}
