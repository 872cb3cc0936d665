package blockproto

import (
	"path/filepath"
	"testing"

	"github.com/jblim/virtqsim/notify"
	"github.com/jblim/virtqsim/virtio"
	"github.com/jblim/virtqsim/virtio/device"
	"github.com/jblim/virtqsim/virtio/guest"
)

type nullNotifier struct{}

func (nullNotifier) WaitForEvent() error { return nil }
func (nullNotifier) SubmitEvent() error  { return nil }
func (nullNotifier) Close() error        { return nil }

var _ notify.Pollable = nullNotifier{}

func newRig(t *testing.T, size uint16) (*virtio.VirtQueue, *guest.Driver, *device.Driver, *Submitter) {
	t.Helper()
	q, err := virtio.NewVirtQueue(size)
	if err != nil {
		t.Fatal(err)
	}
	g := guest.New(q, nullNotifier{})
	d := device.New(q, nullNotifier{}, nil)
	return q, g, d, NewSubmitter(g)
}

// drive runs the device to completion over whatever is currently available,
// then harvests every resulting completion through the submitter, returning
// any Status values produced.
func drive(t *testing.T, g *guest.Driver, d *device.Driver, s *Submitter) []Status {
	t.Helper()
	for {
		index, cell, ok := d.Consume()
		if !ok {
			break
		}
		if err := d.Complete(index, cell); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	var statuses []Status
	for {
		index, cell, ok := g.Harvest()
		if !ok {
			break
		}
		if status, done := s.Complete(index, cell); done {
			statuses = append(statuses, status)
		}
	}
	return statuses
}

// P6: a FileWrite followed by a FileRead of the same name returns exactly
// the written contents.
func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtrip")

	_, g, d, s := newRig(t, 8)

	if ok := s.SubmitWrite(path, []byte("hello, virtqueue\n")); !ok {
		t.Fatal("submit write: expected ok")
	}
	writeStatuses := drive(t, g, d, s)
	if len(writeStatuses) != 1 || !writeStatuses[0].OK {
		t.Fatalf("write status = %+v, want one ok status", writeStatuses)
	}

	if ok := s.SubmitRead(path, 2048); !ok {
		t.Fatal("submit read: expected ok")
	}
	readStatuses := drive(t, g, d, s)
	if len(readStatuses) != 1 {
		t.Fatalf("read statuses = %+v, want exactly one", readStatuses)
	}
	got := readStatuses[0]
	if !got.OK {
		t.Fatalf("read status not ok: %+v", got)
	}
	if string(got.Contents) != "hello, virtqueue\n" {
		t.Fatalf("read contents = %q, want %q", got.Contents, "hello, virtqueue\n")
	}
}

// When the pool is too small to acquire all three descriptors of a
// command, SubmitWrite reports failure but still publishes whatever
// descriptors it did acquire, and those complete normally.
func TestPartialSequenceOnPoolExhaustion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial")

	q, g, d, s := newRig(t, 8)

	// Exhaust all but two slots so only the open and write-contents
	// descriptors of the next command can acquire.
	var held []uint16
	for len(held) < 6 {
		idx, _, ok := g.AcquireDescriptor()
		if !ok {
			t.Fatal("unexpected pool exhaustion while priming")
		}
		held = append(held, idx)
	}

	ok := s.SubmitWrite(path, []byte("partial"))
	if ok {
		t.Fatal("expected SubmitWrite to report failure under pool pressure")
	}

	for _, idx := range held {
		g.Release(idx, q.DescriptorAt(idx))
	}

	statuses := drive(t, g, d, s)
	if len(statuses) != 1 {
		t.Fatalf("statuses = %+v, want exactly one (the descriptors that did acquire still complete)", statuses)
	}
}

func TestEmptyWriteCreatesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")

	_, g, d, s := newRig(t, 8)
	if ok := s.SubmitWrite(path, nil); !ok {
		t.Fatal("expected ok")
	}
	statuses := drive(t, g, d, s)
	if len(statuses) != 1 || !statuses[0].OK {
		t.Fatalf("statuses = %+v, want one ok status", statuses)
	}
}

// P6 with empty contents: reading back a file written with no contents must
// report success with a zero-length result, not a failure. ReadAt on an
// empty file returns io.EOF, which readFileInto must not mistake for an
// I/O error.
func TestEmptyContentsReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty-roundtrip")

	_, g, d, s := newRig(t, 8)

	if ok := s.SubmitWrite(path, nil); !ok {
		t.Fatal("submit write: expected ok")
	}
	writeStatuses := drive(t, g, d, s)
	if len(writeStatuses) != 1 || !writeStatuses[0].OK {
		t.Fatalf("write status = %+v, want one ok status", writeStatuses)
	}

	if ok := s.SubmitRead(path, 2048); !ok {
		t.Fatal("submit read: expected ok")
	}
	readStatuses := drive(t, g, d, s)
	if len(readStatuses) != 1 {
		t.Fatalf("read statuses = %+v, want exactly one", readStatuses)
	}
	got := readStatuses[0]
	if !got.OK {
		t.Fatalf("read status not ok: %+v", got)
	}
	if len(got.Contents) != 0 {
		t.Fatalf("read contents = %q, want empty", got.Contents)
	}
}
