// Package async presents the guest's used-ring arrivals as a lazy,
// cancellable sequence pollable alongside inbound UI messages by a
// single-goroutine cooperative scheduler.
//
// A helper goroutine is spawned per live EventSource. Its sole duty is to
// loop on the notifier's blocking WaitForEvent and, on each return, wake
// whichever goroutine owns the sequence. The Rust source's Future::poll
// model (a {complete, waker} record under a mutex) is realized here with
// Go's native cooperative-select primitive instead: a buffered,
// non-blocking-send channel. A channel send from the helper IS the waker
// call; a select on it in the consuming goroutine IS "recording the waker
// and yielding pending" — idiomatic Go has no reason to hand-roll the
// mutex+waker record the source uses.
//
// Grounded on the teacher's worker/loop shape in fuse/server.go (a
// WaitGroup-tracked background loop with a done signal) and
// vhostuser.Device.kickMe's goroutine-per-queue pattern, generalized from
// consuming a kick fd to consuming a Pollable.
package async

import (
	"sync"

	"github.com/jblim/virtqsim/notify"
	"github.com/jblim/virtqsim/virtio"
)

// HarvestFunc is the guest driver's non-blocking Harvest method.
type HarvestFunc func() (index uint16, cell *virtio.DescriptorCell, ok bool)

// Completion is one harvested descriptor.
type Completion struct {
	Index uint16
	Cell  *virtio.DescriptorCell
}

// EventSource wakes a consumer whenever the guest's used ring has new
// completions. It is cancellable: Close stops the helper goroutine and
// releases it from its blocking wait.
type EventSource struct {
	harvest HarvestFunc
	wait    notify.Pollable // the notifier the helper goroutine blocks in
	kick    func() error    // wakes wait's WaitForEvent from the outside

	ready chan struct{} // edge-triggered wakeups, buffered(1)

	mu       sync.Mutex
	complete bool

	stopped chan struct{}
}

// NewEventSource starts the helper goroutine and returns the source. wait
// is the Pollable the guest side listens on for device completions; kick is
// a function that wakes that same Pollable from the outside (ordinarily the
// device-side peer's SubmitEvent) — it is used once, by Close, to unblock
// the helper goroutine for shutdown.
func NewEventSource(harvest HarvestFunc, wait notify.Pollable, kick func() error) *EventSource {
	s := &EventSource{
		harvest: harvest,
		wait:    wait,
		kick:    kick,
		ready:   make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *EventSource) run() {
	defer close(s.stopped)
	for {
		if err := s.wait.WaitForEvent(); err != nil {
			return
		}

		s.mu.Lock()
		done := s.complete
		s.mu.Unlock()
		if done {
			return
		}

		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}

// Ready is the channel the cooperative scheduler selects on alongside its
// other awaitables (inbound UI messages). A receive means "TryNext is
// worth calling again"; it carries no data.
func (s *EventSource) Ready() <-chan struct{} { return s.ready }

// TryNext is the sequence's non-blocking pull: it calls the guest driver's
// Harvest once. ok is false when the used ring currently has nothing new.
func (s *EventSource) TryNext() (Completion, bool) {
	index, cell, ok := s.harvest()
	if !ok {
		return Completion{}, false
	}
	return Completion{Index: index, Cell: cell}, true
}

// Close cancels the sequence: any descriptor still in the used ring at this
// point is not harvested and its buffer leaks, which is acceptable because
// the owning task is terminating. Because the helper goroutine is usually
// blocked inside wait.WaitForEvent when Close is called, a final shutdown
// signal from the dropper (via kick) is what actually unblocks it — the
// open question the source leaves unresolved.
func (s *EventSource) Close() error {
	s.mu.Lock()
	s.complete = true
	s.mu.Unlock()

	err := s.kick()
	<-s.stopped
	return err
}
