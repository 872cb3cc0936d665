package notify

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// FdPair is the fd-pair Pollable implementation: two unidirectional,
// non-blocking pipes, one in each direction. SubmitEvent writes one byte to
// the outgoing fd; WaitForEvent registers the incoming fd with epoll (a
// level-triggered readiness facility) and blocks, draining the incoming fd
// on wake so the next wait blocks again.
//
// Grounded on the teacher's splice.Pair pipe wrapper, generalized from a
// splice buffer to a single wakeup byte, and on vhostuser's KickFD/CallFD
// eventfd-style signaling between the vhost-user device and its driver.
type FdPair struct {
	outFD int // write end, signals the peer
	inFD  int // read end, the peer signals us
	epFD  int

	closeOnce sync.Once
	closeErr  error
}

// NewFdPairNotifiers builds two peer Pollables sharing two unidirectional
// pipes: a's SubmitEvent wakes b's WaitForEvent and vice versa.
func NewFdPairNotifiers() (a, b *FdPair, err error) {
	toB, err := newNonblockingPipe()
	if err != nil {
		return nil, nil, err
	}
	toA, err := newNonblockingPipe()
	if err != nil {
		closePipe(toB)
		return nil, nil, err
	}

	a, err = newFdPair(toA[0], toB[1])
	if err != nil {
		closePipe(toB)
		closePipe(toA)
		return nil, nil, err
	}
	b, err = newFdPair(toB[0], toA[1])
	if err != nil {
		a.Close()
		unix.Close(toB[1])
		unix.Close(toA[1])
		return nil, nil, err
	}
	return a, b, nil
}

func newNonblockingPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fds, fmt.Errorf("notify: pipe2: %w", err)
	}
	return fds, nil
}

func closePipe(fds [2]int) {
	unix.Close(fds[0])
	unix.Close(fds[1])
}

func newFdPair(inFD, outFD int) (*FdPair, error) {
	epFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("notify: epoll_create1: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(inFD)}
	if err := unix.EpollCtl(epFD, unix.EPOLL_CTL_ADD, inFD, &ev); err != nil {
		unix.Close(epFD)
		return nil, fmt.Errorf("notify: epoll_ctl: %w", err)
	}
	return &FdPair{outFD: outFD, inFD: inFD, epFD: epFD}, nil
}

// SubmitEvent writes one byte to the peer's incoming fd. EAGAIN (the pipe
// buffer is already full of unread wakeup bytes) is treated as success:
// the peer's next wait drains every pending byte in one wakeup, so the
// signals collapse.
func (p *FdPair) SubmitEvent() error {
	var b [1]byte
	_, err := unix.Write(p.outFD, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// WaitForEvent blocks on epoll_wait until the incoming fd is readable, then
// drains it to empty so the next call blocks again.
func (p *FdPair) WaitForEvent() error {
	events := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(p.epFD, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("notify: epoll_wait: %w", err)
		}
		if n > 0 {
			break
		}
	}
	return p.drain()
}

func (p *FdPair) drain() error {
	var buf [64]byte
	for {
		_, err := unix.Read(p.inFD, buf[:])
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("notify: drain: %w", err)
		}
	}
}

// Close releases the pipe fds and the epoll instance.
func (p *FdPair) Close() error {
	p.closeOnce.Do(func() {
		if err := unix.Close(p.inFD); err != nil {
			p.closeErr = err
		}
		if err := unix.Close(p.outFD); err != nil && p.closeErr == nil {
			p.closeErr = err
		}
		if err := unix.Close(p.epFD); err != nil && p.closeErr == nil {
			p.closeErr = err
		}
	})
	return p.closeErr
}
