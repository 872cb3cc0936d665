package notify

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// completionEntry records one outstanding or finished wait operation, the
// shape a real io_uring submission/completion queue entry would carry
// (an opaque user tag and a result code) reduced to what this simulator
// needs.
type completionEntry struct {
	tag    uint64
	result int32
}

// CompletionRing is the completion-ring Pollable implementation. Each side
// owns a pair of small rings (submission, completion) around a single
// eventfd-like wake descriptor: WaitForEvent submits a one-shot readiness
// operation into the local submission ring, blocks for its completion, then
// drains it into the completion ring.
//
// This is not a binding to the Linux io_uring syscalls: no dependency in
// the example corpus exposes them without cgo (see DESIGN.md). The ring
// bookkeeping below mirrors the SQ/CQ split of the reference io_uring
// sketches, implemented with the golang.org/x/sys/unix primitives already
// in the module's dependency surface.
type CompletionRing struct {
	wakeFD int // local: the fd we wait on
	peerFD int // the peer's wake fd, signaled by SubmitEvent
	epFD   int // persistent epoll instance watching wakeFD

	mu  sync.Mutex
	sq  []completionEntry
	cq  []completionEntry
	tag uint64

	closeOnce sync.Once
	closeErr  error
}

// NewCompletionRingNotifiers builds two peer Pollables sharing two eventfds:
// a's SubmitEvent wakes b's WaitForEvent and vice versa.
func NewCompletionRingNotifiers() (a, b *CompletionRing, err error) {
	fdA, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("notify: eventfd: %w", err)
	}
	fdB, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fdA)
		return nil, nil, fmt.Errorf("notify: eventfd: %w", err)
	}
	a, err = newCompletionRing(fdA, fdB)
	if err != nil {
		unix.Close(fdA)
		unix.Close(fdB)
		return nil, nil, err
	}
	b, err = newCompletionRing(fdB, fdA)
	if err != nil {
		a.Close()
		unix.Close(fdB)
		return nil, nil, err
	}
	return a, b, nil
}

func newCompletionRing(wakeFD, peerFD int) (*CompletionRing, error) {
	epFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("notify: epoll_create1: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epFD, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		unix.Close(epFD)
		return nil, fmt.Errorf("notify: epoll_ctl: %w", err)
	}
	return &CompletionRing{wakeFD: wakeFD, peerFD: peerFD, epFD: epFD}, nil
}

// SubmitEvent writes to the peer's wake fd. The eventfd counter add
// semantics naturally collapse redundant signals submitted before the peer
// drains them.
func (r *CompletionRing) SubmitEvent() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(r.peerFD, one[:])
	if err == unix.EAGAIN {
		// counter saturated; a wakeup is already pending.
		return nil
	}
	return err
}

// WaitForEvent submits a one-shot wait operation into the local submission
// ring, blocks until the wake fd is readable, moves the operation into the
// completion ring, drains the fd, and reports completion.
func (r *CompletionRing) WaitForEvent() error {
	entry := r.enqueueSubmission()

	if err := r.waitReadable(); err != nil {
		return err
	}

	if err := r.drainWakeFD(); err != nil {
		return err
	}

	r.completeSubmission(entry)
	return nil
}

func (r *CompletionRing) enqueueSubmission() completionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tag++
	e := completionEntry{tag: r.tag}
	r.sq = append(r.sq, e)
	return e
}

func (r *CompletionRing) completeSubmission(e completionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, pending := range r.sq {
		if pending.tag == e.tag {
			r.sq = append(r.sq[:i], r.sq[i+1:]...)
			break
		}
	}
	e.result = 1
	r.cq = append(r.cq, e)
}

func (r *CompletionRing) drainWakeFD() error {
	var buf [8]byte
	_, err := unix.Read(r.wakeFD, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (r *CompletionRing) waitReadable() error {
	events := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(r.epFD, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("notify: epoll_wait: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

// Close releases the eventfd and the epoll instance.
func (r *CompletionRing) Close() error {
	r.closeOnce.Do(func() {
		if err := unix.Close(r.wakeFD); err != nil {
			r.closeErr = err
		}
		if err := unix.Close(r.epFD); err != nil && r.closeErr == nil {
			r.closeErr = err
		}
	})
	return r.closeErr
}
