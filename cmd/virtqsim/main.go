// Command virtqsim wires a complete virtqueue simulation and drives it
// through a scripted sequence of file commands, standing in for the
// terminal UI the core is deliberately silent about.
//
// Grounded on the teacher's example/virtiofs/main.go (flag.Parse, a single
// constructor call, log.SetFlags(log.Lmicroseconds)) and the
// errgroup.WithContext coordination pattern from
// fuse/test/node_parallel_lookup_test.go, adapted from coordinating test
// goroutines to coordinating the scripted UI and the guest task. Log
// draining runs on its own goroutine outside that group.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/jblim/virtqsim/blockproto"
	"github.com/jblim/virtqsim/simconfig"
	"github.com/jblim/virtqsim/simlog"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	queueSize := flag.Int("queue-size", 16, "virtqueue descriptor table size, must be a power of two")
	notifierKind := flag.String("notifier", "fdpair", "notifier implementation: fdpair or completionring")
	workDir := flag.String("dir", "", "directory the scripted commands operate in (default: a temp directory)")
	flag.Parse()

	dir := *workDir
	if dir == "" {
		d, err := os.MkdirTemp("", "virtqsim-")
		if err != nil {
			log.Fatalf("virtqsim: %v", err)
		}
		defer os.RemoveAll(d)
		dir = d
	}

	sim, err := simconfig.Wire(simconfig.Options{
		QueueSize:    uint16(*queueSize),
		NotifierKind: *notifierKind,
	})
	if err != nil {
		log.Fatalf("virtqsim: %v", err)
	}

	// drainLog ranges over sim.LogLines directly: the channel is only
	// closed by sim.Close, once the device loop that feeds it has actually
	// stopped, so this goroutine's exit is tied to shutdown rather than to
	// the errgroup below (whose ctx is not canceled until group.Wait
	// returns, which would deadlock waiting on this very goroutine).
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		drainLog(sim.LogLines)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return runScript(dir, sim.Messages) })
	group.Go(func() error { return runGuestTask(ctx, sim) })

	runErr := group.Wait()
	closeErr := sim.Close()
	<-logDone

	if runErr != nil {
		log.Printf("virtqsim: %v", runErr)
		os.Exit(1)
	}
	if closeErr != nil {
		log.Printf("virtqsim: %v", closeErr)
		os.Exit(1)
	}
}

func drainLog(lines <-chan simlog.Message) {
	for msg := range lines {
		log.Print(msg.String())
	}
}

// runScript stands in for the terminal UI: it emits a fixed sequence of
// write/read commands and then closes the channel, which the guest task
// treats as a clean shutdown signal.
func runScript(dir string, messages chan<- blockproto.Message) error {
	defer close(messages)

	path := filepath.Join(dir, "greeting.txt")
	messages <- blockproto.FileWrite{Name: path, Contents: []byte("hello from virtqsim\n")}
	messages <- blockproto.FileRead{Name: path, BufferCapacity: 4096}
	return nil
}

// runGuestTask is the cooperative scheduler described in the design notes:
// one goroutine, two awaitables (inbound commands, completion arrivals),
// fairly selected.
func runGuestTask(ctx context.Context, sim *simconfig.Sim) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-sim.Messages:
			if !ok {
				return nil
			}
			dispatch(sim, msg)

		case <-sim.Events.Ready():
			for {
				c, ok := sim.Events.TryNext()
				if !ok {
					break
				}
				if status, done := sim.Submitter.Complete(c.Index, c.Cell); done {
					log.Print(formatStatus(status))
				}
			}
		}
	}
}

func dispatch(sim *simconfig.Sim, msg blockproto.Message) {
	switch m := msg.(type) {
	case blockproto.FileWrite:
		if ok := sim.Submitter.SubmitWrite(m.Name, m.Contents); !ok {
			log.Printf("write %s: descriptor pool exhausted", m.Name)
		}
	case blockproto.FileRead:
		if ok := sim.Submitter.SubmitRead(m.Name, m.BufferCapacity); !ok {
			log.Printf("read %s: descriptor pool exhausted", m.Name)
		}
	}
}

func formatStatus(s blockproto.Status) string {
	if s.Kind == blockproto.KindRead && s.OK {
		return s.Text + ": " + string(s.Contents)
	}
	return s.Text
}
