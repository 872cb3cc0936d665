package async

import (
	"testing"
	"time"

	"github.com/jblim/virtqsim/notify"
	"github.com/jblim/virtqsim/virtio"
)

func newNotifierPair(t *testing.T) (*notify.FdPair, *notify.FdPair) {
	t.Helper()
	a, b, err := notify.NewFdPairNotifiers()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func noneHarvest() (uint16, *virtio.DescriptorCell, bool) { return 0, nil, false }

// S5: dropping the sequence while the helper goroutine is blocked in
// WaitForEvent causes it to exit promptly, and Close does not hang.
func TestCloseUnblocksHelperGoroutine(t *testing.T) {
	waitSide, kickSide := newNotifierPair(t)

	src := NewEventSource(noneHarvest, waitSide, kickSide.SubmitEvent)

	done := make(chan struct{})
	go func() {
		src.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return within 2s; helper goroutine likely still blocked")
	}
}

// No wakeup fires after Close: the Close kick that stops the helper
// goroutine must not also surface on Ready.
func TestReadyChannelQuiescentAfterClose(t *testing.T) {
	waitSide, kickSide := newNotifierPair(t)
	src := NewEventSource(noneHarvest, waitSide, kickSide.SubmitEvent)

	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-src.Ready():
		t.Fatal("unexpected wakeup after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTryNextDrainsUntilEmpty(t *testing.T) {
	waitSide, kickSide := newNotifierPair(t)

	remaining := []uint16{1, 2, 3}
	cell := &virtio.DescriptorCell{}
	harvest := func() (uint16, *virtio.DescriptorCell, bool) {
		if len(remaining) == 0 {
			return 0, nil, false
		}
		idx := remaining[0]
		remaining = remaining[1:]
		return idx, cell, true
	}

	src := NewEventSource(harvest, waitSide, kickSide.SubmitEvent)
	defer src.Close()

	var got []uint16
	for {
		c, ok := src.TryNext()
		if !ok {
			break
		}
		got = append(got, c.Index)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("drained = %v, want [1 2 3]", got)
	}
}

// Ready wakes the consumer after the peer submits an event, and TryNext
// then observes whatever the harvest function reports as pending.
func TestReadyFiresAfterPeerSubmit(t *testing.T) {
	waitSide, kickSide := newNotifierPair(t)

	pending := make(chan bool, 1)
	cell := &virtio.DescriptorCell{}
	harvest := func() (uint16, *virtio.DescriptorCell, bool) {
		select {
		case ok := <-pending:
			if ok {
				return 7, cell, true
			}
		default:
		}
		return 0, nil, false
	}

	src := NewEventSource(harvest, waitSide, kickSide.SubmitEvent)
	defer src.Close()

	pending <- true
	if err := kickSide.SubmitEvent(); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-src.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("Ready did not fire within 2s")
	}

	c, ok := src.TryNext()
	if !ok || c.Index != 7 {
		t.Fatalf("TryNext = (%v, %v), want (7, true)", c, ok)
	}
}
