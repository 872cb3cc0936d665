// Package simconfig wires the transport, the cooperative event source, and
// the block protocol into one running simulation. It is the process-level
// assembly layer the core components are deliberately silent about.
//
// Grounded on the teacher's example/virtiofs/main.go wiring shape
// (construct root, construct options, hand both to a server constructor)
// and fuse/server.go's WaitGroup-tracked background loop, generalized to
// golang.org/x/sync/errgroup for coordinated shutdown of the device loop.
package simconfig

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jblim/virtqsim/async"
	"github.com/jblim/virtqsim/blockproto"
	"github.com/jblim/virtqsim/notify"
	"github.com/jblim/virtqsim/simlog"
	"github.com/jblim/virtqsim/virtio"
	"github.com/jblim/virtqsim/virtio/device"
	"github.com/jblim/virtqsim/virtio/guest"
)

// Options configures a Sim. The zero value is not usable; QueueSize must be
// a power of two.
type Options struct {
	QueueSize    uint16
	NotifierKind string // "fdpair" (default) or "completionring"
	LogCapacity  int    // default 100 if zero
}

// Sim is one fully wired simulation: a virtqueue, a guest driver and
// device driver running as goroutines, a cooperative event source, and the
// block-protocol submitter layered on top.
type Sim struct {
	Queue     *virtio.VirtQueue
	Guest     *guest.Driver
	Device    *device.Driver
	Events    *async.EventSource
	Submitter *blockproto.Submitter
	Messages  chan blockproto.Message
	Log       *simlog.Sender
	LogLines  <-chan simlog.Message

	logCh          chan simlog.Message
	guestNotifier  notify.Pollable
	deviceNotifier notify.Pollable
	group          *errgroup.Group
	cancel         context.CancelFunc
}

// Wire constructs and starts a Sim: the device driver's cooperative loop
// begins running on its own goroutine immediately.
func Wire(opts Options) (*Sim, error) {
	q, err := virtio.NewVirtQueue(opts.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("simconfig: %w", err)
	}

	guestNotifier, deviceNotifier, err := newNotifierPair(opts.NotifierKind)
	if err != nil {
		return nil, err
	}

	logCapacity := opts.LogCapacity
	if logCapacity == 0 {
		logCapacity = 100
	}
	logCh := make(chan simlog.Message, logCapacity)
	sender := simlog.NewSender(logCh)
	simlog.Init(sender)

	g := guest.New(q, guestNotifier)
	d := device.New(q, deviceNotifier, sender)
	events := async.NewEventSource(g.Harvest, guestNotifier, deviceNotifier.SubmitEvent)
	submitter := blockproto.NewSubmitter(g)
	messages := blockproto.NewChannel()

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return d.Run(ctx.Done()) })

	return &Sim{
		Queue:          q,
		Guest:          g,
		Device:         d,
		Events:         events,
		Submitter:      submitter,
		Messages:       messages,
		Log:            sender,
		LogLines:       logCh,
		logCh:          logCh,
		guestNotifier:  guestNotifier,
		deviceNotifier: deviceNotifier,
		group:          group,
		cancel:         cancel,
	}, nil
}

func newNotifierPair(kind string) (guestSide, deviceSide notify.Pollable, err error) {
	switch kind {
	case "", "fdpair":
		a, b, err := notify.NewFdPairNotifiers()
		if err != nil {
			return nil, nil, fmt.Errorf("simconfig: fd-pair notifier: %w", err)
		}
		return a, b, nil
	case "completionring":
		a, b, err := notify.NewCompletionRingNotifiers()
		if err != nil {
			return nil, nil, fmt.Errorf("simconfig: completion-ring notifier: %w", err)
		}
		return a, b, nil
	default:
		return nil, nil, fmt.Errorf("simconfig: unknown notifier kind %q", kind)
	}
}

// Close stops the device loop and the event source's helper goroutine,
// releases both notifier endpoints, and closes LogLines so a drainer ranging
// over it terminates. It blocks until everything has actually stopped.
func (s *Sim) Close() error {
	s.cancel()
	// device.Run only notices ctx.Done() between iterations of its loop; if
	// it is currently blocked inside WaitForEvent, it needs one more
	// wakeup to observe the cancellation.
	_ = s.guestNotifier.SubmitEvent()

	runErr := s.group.Wait()
	// The device loop (the only writer onto logCh) has now returned, so
	// closing is safe: no send-on-closed-channel race is possible.
	close(s.logCh)
	eventsErr := s.Events.Close()
	guestCloseErr := s.guestNotifier.Close()
	deviceCloseErr := s.deviceNotifier.Close()

	for _, err := range []error{runErr, eventsErr, guestCloseErr, deviceCloseErr} {
		if err != nil {
			return err
		}
	}
	return nil
}
