// Package errors defines sentinel errors used across the cpid project.
package errors

import "errors"

// Sentinel errors for key operations.
var (
	// ErrKeyNotFound indicates that the requested key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrWrongType indicates a type mismatch for the value stored under a key.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

	// ErrNotInteger indicates the value is not a valid integer.
	ErrNotInteger = errors.New("value is not an integer or out of range")

	// ErrKeyExists indicates a set-once key was already written.
	ErrKeyExists = errors.New("key already set")
)

// Sentinel errors for connection/protocol.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidArgs indicates wrong number of arguments.
	ErrInvalidArgs = errors.New("wrong number of arguments")

	// ErrNoEndpoints indicates a client has nowhere to send to.
	ErrNoEndpoints = errors.New("no endpoints available")

	// ErrStopped is returned by blocking calls on a stopped component.
	ErrStopped = errors.New("stopped")
)

// Sentinel errors for liveness and membership.
var (
	// ErrBootMissing indicates the scheduler did not grant this worker permission to start.
	ErrBootMissing = errors.New("boot key missing")

	// ErrBootRace indicates another process consumed the boot key concurrently.
	ErrBootRace = errors.New("boot transaction aborted")

	// ErrConsideredDead indicates the worker has been declared dead.
	ErrConsideredDead = errors.New("worker considered dead")

	// ErrNotMember indicates this worker is absent from the group it asked for.
	ErrNotMember = errors.New("worker is not a member of the group")

	// ErrNoPeers indicates no live peer matched a role.
	ErrNoPeers = errors.New("no peers found matching role")

	// ErrNoJobSpec indicates the job specification lists no workers for a role.
	ErrNoJobSpec = errors.New("no workers for role in job spec")

	// ErrWaitTimeout indicates a polling wait gave up.
	ErrWaitTimeout = errors.New("wait timeout")
)

// Sentinel errors for messaging.
var (
	// ErrMaxRetries indicates a request exhausted its retry budget.
	ErrMaxRetries = errors.New("maximum number of retries reached")

	// ErrBacklogOverflow indicates a request was dropped from a full backlog.
	ErrBacklogOverflow = errors.New("dropped from backlog")

	// ErrReplyNotSent indicates a request handler returned without replying.
	ErrReplyNotSent = errors.New("reply was not sent in handler")
)

// Sentinel errors for collectives.
var (
	// ErrUnknownRendezvous indicates a malformed rendezvous method.
	ErrUnknownRendezvous = errors.New("unknown rendezvous method")

	// ErrCollectiveFailed indicates a collective operation could not complete.
	ErrCollectiveFailed = errors.New("collective operation failed")
)
