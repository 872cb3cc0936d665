// Package blockproto encodes and decodes the file open/write/read/close
// application protocol carried in descriptor flag bits, above the guest
// and device drivers (packages virtio/guest and virtio/device). It also
// defines the tagged application-message envelope exchanged between the
// UI and the guest task.
//
// Grounded on the three-descriptor command encodings; there is no direct
// teacher analogue for a block-device command encoder, so the tracker's
// correlation map follows the teacher's general pattern of a
// mutex-guarded map keyed by a small integer handle (compare the handle
// tables in fuse/api.go).
package blockproto

import (
	"sync"

	"github.com/jblim/virtqsim/virtio"
	"github.com/jblim/virtqsim/virtio/guest"
)

// Kind distinguishes a write command from a read command.
type Kind int

const (
	KindWrite Kind = iota
	KindRead
)

func (k Kind) String() string {
	if k == KindRead {
		return "read"
	}
	return "write"
}

// Message is the tagged envelope exchanged between the UI and the guest
// task: either an outbound command or an inbound status line.
type Message interface{ message() }

// FileWrite requests that name be opened, overwritten with contents, and
// closed.
type FileWrite struct {
	Name     string
	Contents []byte
}

func (FileWrite) message() {}

// FileRead requests that name be opened, read into a buffer of
// BufferCapacity bytes, and closed.
type FileRead struct {
	Name           string
	BufferCapacity int
}

func (FileRead) message() {}

// Status reports the outcome of a previously submitted command.
type Status struct {
	Name     string
	Kind     Kind
	OK       bool
	Contents []byte // populated for a successful read
	Text     string
}

func (Status) message() {}

// NewChannel returns the bounded message channel the spec calls for:
// capacity 100, producer blocks once full.
func NewChannel() chan Message {
	return make(chan Message, 100)
}

// inflight tracks one outstanding multi-descriptor command until every
// descriptor it published has been harvested.
type inflight struct {
	kind     Kind
	name     string
	total    int // descriptors actually acquired for this command
	seen     int
	submitOK bool // false if any descriptor in the sequence failed to acquire
	anyFail  bool // true if any harvested completion reported failure
	readBuf  *virtio.HandoffBuffer
	result   []byte
}

// Submitter encodes outbound commands into descriptor sequences over a
// guest driver and correlates their eventual completions back into
// Status messages.
type Submitter struct {
	guest *guest.Driver

	mu      sync.Mutex
	pending map[uint16]*inflight
}

// NewSubmitter builds a submitter over g.
func NewSubmitter(g *guest.Driver) *Submitter {
	return &Submitter{guest: g, pending: make(map[uint16]*inflight)}
}

type descStep struct {
	addr   uint64
	length uint32
	flags  uint16
}

// SubmitWrite encodes and publishes the three-descriptor "write file"
// command: open, write-contents, close. Returns false if any descriptor
// acquisition failed; descriptors that did acquire are still published,
// since partial execution is valid (open/close are idempotent).
func (s *Submitter) SubmitWrite(name string, contents []byte) bool {
	nameBuf := s.guest.AllocBuffer(len(name))
	copy(nameBuf.Data, name)

	var contentsAddr uint64
	var contentsLen uint32
	if len(contents) > 0 {
		buf := s.guest.AllocBuffer(len(contents))
		copy(buf.Data, contents)
		contentsAddr = buf.Addr
		contentsLen = uint32(len(contents))
	}

	steps := []descStep{
		{addr: nameBuf.Addr, length: uint32(len(name)), flags: virtio.FileWrite | virtio.FileOpenFlag},
		{addr: contentsAddr, length: contentsLen, flags: virtio.FileWrite | virtio.FileWriteContentsFlag},
		{addr: 0, length: 0, flags: virtio.FileWrite | virtio.FileCloseFlag},
	}
	return s.submit(KindWrite, name, steps, nil)
}

// SubmitRead encodes and publishes the three-descriptor "read file"
// command: open, read-contents into a pre-allocated buffer, close.
func (s *Submitter) SubmitRead(name string, bufferCapacity int) bool {
	nameBuf := s.guest.AllocBuffer(len(name))
	copy(nameBuf.Data, name)

	readBuf := s.guest.AllocBuffer(bufferCapacity)

	steps := []descStep{
		{addr: nameBuf.Addr, length: uint32(len(name)), flags: virtio.FileRead | virtio.FileOpenFlag},
		{addr: readBuf.Addr, length: uint32(bufferCapacity), flags: virtio.FileRead | virtio.FileWriteContentsFlag},
		{addr: 0, length: 0, flags: virtio.FileRead | virtio.FileCloseFlag},
	}
	return s.submit(KindRead, name, steps, readBuf)
}

func (s *Submitter) submit(kind Kind, name string, steps []descStep, readBuf *virtio.HandoffBuffer) bool {
	op := &inflight{kind: kind, name: name, submitOK: true, readBuf: readBuf}

	for _, step := range steps {
		index, cell, ok := s.guest.AcquireDescriptor()
		if !ok {
			op.submitOK = false
			continue
		}
		cell.Init(step.addr, step.length, step.flags, 0)
		op.total++

		s.mu.Lock()
		s.pending[index] = op
		s.mu.Unlock()

		if err := s.guest.Publish(index); err != nil {
			op.submitOK = false
		}
	}
	return op.submitOK
}

// Complete correlates one harvested completion (as returned by
// guest.Driver.Harvest) back to the command it belongs to. When it is the
// last outstanding descriptor for that command, it returns the finished
// Status and ok=true; otherwise ok is false and the caller should keep
// harvesting. The descriptor's buffer is released either way.
//
// Success is detected uniformly across roles by the STATE_SUCCESS bit:
// open/close/write-contents replies overlay it onto FILE_STATE_FLAG,
// read-contents replies overlay it onto FILE_READ, but the bit position
// is the same one in both cases (spec §3's reply overlay).
func (s *Submitter) Complete(index uint16, cell *virtio.DescriptorCell) (Status, bool) {
	s.mu.Lock()
	op, tracked := s.pending[index]
	if tracked {
		delete(s.pending, index)
	}
	s.mu.Unlock()

	if !tracked {
		s.guest.Release(index, cell)
		return Status{}, false
	}

	success := cell.Flags()&virtio.StateSuccess != 0
	if op.kind == KindRead && op.readBuf != nil && cell.Addr == op.readBuf.Addr {
		if success {
			op.result = append([]byte(nil), op.readBuf.Data[:cell.Length]...)
		}
	}
	if !success {
		op.anyFail = true
	}

	s.guest.Release(index, cell)
	op.seen++

	if op.seen < op.total {
		return Status{}, false
	}

	ok := op.submitOK && !op.anyFail
	status := Status{Name: op.name, Kind: op.kind, OK: ok, Contents: op.result}
	if ok {
		status.Text = op.kind.String() + " " + op.name + ": ok"
	} else {
		status.Text = op.kind.String() + " " + op.name + ": failed"
	}
	return status, true
}
