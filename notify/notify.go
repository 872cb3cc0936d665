// Package notify implements the pollable notifier abstraction used to wake
// the guest and device endpoints of a virtqueue across goroutines: a
// two-operation capability (wait for an event, submit an event) with edge
// semantics layered over a level-triggered underlying fd.
package notify

// Pollable is the cross-endpoint wakeup channel. It carries no data; it
// only tells the peer "at least one event happened since you last waited".
//
// Both implementations in this package must satisfy: after any
// SubmitEvent() returns, the next WaitForEvent() call by the intended
// recipient that starts at or before that submit will eventually return.
// Spurious wakeups are permitted; lost wakeups are not.
type Pollable interface {
	// WaitForEvent blocks until the peer has submitted at least one event
	// since the last call returned, then drains any backing buffer so the
	// next call blocks again.
	WaitForEvent() error

	// SubmitEvent is a non-blocking signal to the peer. Redundant signals
	// may collapse into one wakeup.
	SubmitEvent() error

	// Close releases the underlying file descriptors. A blocked
	// WaitForEvent is unblocked by Close only if the peer also submits;
	// callers that need to unblock their own wait on shutdown should call
	// the peer's SubmitEvent before Close (see package async for the
	// pattern).
	Close() error
}
