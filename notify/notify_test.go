package notify

import (
	"testing"
	"time"
)

func testLiveness(t *testing.T, newPair func() (Pollable, Pollable, error)) {
	a, b, err := newPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		done <- b.WaitForEvent()
	}()

	// Give the waiter a chance to block before submitting.
	time.Sleep(10 * time.Millisecond)
	if err := a.SubmitEvent(); err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForEvent: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForEvent did not return after SubmitEvent (lost wakeup)")
	}
}

func TestFdPairLiveness(t *testing.T) {
	testLiveness(t, func() (Pollable, Pollable, error) {
		a, b, err := NewFdPairNotifiers()
		return a, b, err
	})
}

func TestCompletionRingLiveness(t *testing.T) {
	testLiveness(t, func() (Pollable, Pollable, error) {
		a, b, err := NewCompletionRingNotifiers()
		return a, b, err
	})
}

func TestFdPairRedundantSignalsCollapse(t *testing.T) {
	a, b, err := NewFdPairNotifiers()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	for i := 0; i < 5; i++ {
		if err := a.SubmitEvent(); err != nil {
			t.Fatalf("SubmitEvent #%d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- b.WaitForEvent() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForEvent: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForEvent never returned")
	}
}
