// Package device implements the device-side driver of the simulated
// virtqueue: consumption of the available ring, execution of the file
// open/write/read/close application protocol against the host filesystem,
// and publication of completions to the used ring.
//
// Grounded on the teacher's vhostuser.Device.kickMe (the goroutine
// consuming a kick fd and draining the available ring) and
// vhostuser.Device.queueNotify (the call-fd completion signal), adapted
// from a vhost-user socket peer to an in-process goroutine.
package device

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/moby/sys/mountinfo"

	"github.com/jblim/virtqsim/notify"
	"github.com/jblim/virtqsim/simlog"
	"github.com/jblim/virtqsim/virtio"
)

// Driver is the device-side state machine: a shadow cursor into the
// available ring, a private cursor for the used ring, and the single open
// file handle the block protocol operates on.
type Driver struct {
	handle   virtio.DeviceHandle
	notifier notify.Pollable
	size     uint16

	availableIndex uint16 // shadow of the avail ring's producer index
	usedIndex      uint16 // next used-ring slot to publish

	mu       sync.Mutex
	file     *os.File
	fileName string

	log *simlog.Sender // optional; nil is a valid "no diagnostics" sender
}

// New builds a device driver over q, waking the peer through notifier on
// every completion. log may be nil.
func New(q *virtio.VirtQueue, notifier notify.Pollable, log *simlog.Sender) *Driver {
	return &Driver{
		handle:   q.Device(),
		notifier: notifier,
		size:     q.Size,
		log:      log,
	}
}

// Consume returns the next available-ring entry not yet seen, if any. The
// acquire-fenced read of the ring's producer index is what AvailIdx
// performs; Consume never blocks.
func (d *Driver) Consume() (index uint16, cell *virtio.DescriptorCell, ok bool) {
	if d.availableIndex == d.handle.AvailIdx() {
		return 0, nil, false
	}
	slot := d.handle.Mask(d.availableIndex)
	index = d.handle.AvailSlotAt(slot)
	d.availableIndex = (d.availableIndex + 1) % d.size
	return index, d.handle.DescriptorAt(index), true
}

// Complete executes the block protocol against cell's flags and buffer,
// writes the reply flags into the descriptor, publishes a completion for
// index on the used ring, release-fences the ring's producer index, and
// wakes the guest through the notifier.
func (d *Driver) Complete(index uint16, cell *virtio.DescriptorCell) error {
	d.decodeAndExecute(cell)

	slot := d.handle.Mask(d.usedIndex)
	d.handle.PublishUsed(slot, virtio.UsedCell{ID: uint32(index), Len: cell.Length})
	d.handle.AdvanceUsedIdx()
	d.usedIndex = (d.usedIndex + 1) % d.size

	return d.notifier.SubmitEvent()
}

// decodeAndExecute implements spec §4.C's first-match-wins flag decode.
// Flag writes back to the descriptor are volatile single-word stores
// (DescriptorCell.SetFlags), so the guest only ever observes the reply
// bits once the completion slot carrying them is itself published.
func (d *Driver) decodeAndExecute(cell *virtio.DescriptorCell) {
	flags := cell.Flags()
	buf := d.handle.ResolveBuffer(cell.Addr, cell.Length)

	switch {
	case flags&virtio.FileOpenFlag != 0:
		ok := d.openFile(string(buf))
		cell.SetFlags(replyFlags(ok))

	case flags&virtio.FileWriteContentsFlag != 0 && flags&virtio.FileWrite != 0:
		ok := d.writeFile(buf)
		cell.SetFlags(replyFlags(ok))

	case flags&virtio.FileWriteContentsFlag != 0 && flags&virtio.FileRead != 0:
		n, ok := d.readFileInto(buf)
		cell.Length = uint32(n)
		if ok {
			cell.SetFlags(virtio.FileRead | virtio.StateSuccess)
		} else {
			cell.SetFlags(virtio.FileRead)
		}

	case flags&virtio.FileCloseFlag != 0:
		ok := d.closeFile()
		cell.SetFlags(replyFlags(ok))

	default:
		d.logf("device: unknown flag combination %#x, no reply written", flags)
	}
}

func replyFlags(success bool) uint16 {
	if success {
		return virtio.FileStateFlag | virtio.StateSuccess
	}
	return virtio.StateFail
}

// openFile opens (creating if needed) name, replacing any already-open
// handle: the previous handle is closed first. It returns false if name
// cannot be opened, in which case no handle remains open.
func (d *Driver) openFile(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file != nil {
		d.file.Close()
		d.file = nil
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		d.logf("device: open %q: %v", name, err)
		return false
	}
	d.file = f
	d.fileName = name
	d.logf("device: opened %q (mount %s)", name, mountPointFor(name))
	return true
}

// writeFile replaces the contents of the open file with contents. A nil
// file handle is a silent no-op returning success.
func (d *Driver) writeFile(contents []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return true
	}
	if err := d.file.Truncate(0); err != nil {
		d.logf("device: write %q: %v", d.fileName, err)
		return false
	}
	if _, err := d.file.WriteAt(contents, 0); err != nil {
		d.logf("device: write %q: %v", d.fileName, err)
		return false
	}
	return true
}

// readFileInto fills buf from the start of the open file and
// reports the number of bytes read. A nil file handle is a silent no-op
// returning success with zero bytes. io.EOF (including on an empty file) is
// a legitimate short or zero-byte read, not a failure.
func (d *Driver) readFileInto(buf []byte) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return 0, true
	}
	n, err := d.file.ReadAt(buf, 0)
	if err != nil && err != io.EOF && n == 0 {
		d.logf("device: read %q: %v", d.fileName, err)
		return 0, false
	}
	return n, true
}

// closeFile closes the open file, if any. A nil file handle is a silent
// no-op returning success.
func (d *Driver) closeFile() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return true
	}
	err := d.file.Close()
	d.file = nil
	if err != nil {
		d.logf("device: close %q: %v", d.fileName, err)
		return false
	}
	return true
}

// WaitForEvent blocks until the guest has published at least one new
// available-ring entry since the last wait.
func (d *Driver) WaitForEvent() error { return d.notifier.WaitForEvent() }

// Run is the device's single-threaded cooperative loop: drain Consume
// until empty, executing and completing each descriptor, then block in
// WaitForEvent. It returns nil once done is closed (checked before each
// drain), or the first notifier error.
func (d *Driver) Run(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}

		for {
			index, cell, ok := d.Consume()
			if !ok {
				break
			}
			if err := d.Complete(index, cell); err != nil {
				return err
			}
		}

		if err := d.WaitForEvent(); err != nil {
			return err
		}
	}
}

func (d *Driver) logf(format string, args ...interface{}) {
	if d.log == nil {
		return
	}
	d.log.Logf(simlog.LevelInfo, "device", format, args...)
}

// mountPointFor returns the mountpoint backing path, or "/" if it cannot be
// determined. This is diagnostic only: the block protocol's behavior never
// depends on it.
func mountPointFor(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "/"
	}
	dir := filepath.Dir(abs)

	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return "/"
	}

	best := "/"
	for _, m := range mounts {
		if m.Mountpoint == "/" {
			continue
		}
		if strings.HasPrefix(dir, m.Mountpoint) && len(m.Mountpoint) > len(best) {
			best = m.Mountpoint
		}
	}
	return best
}
