// Package virtio implements the split-virtqueue memory layout shared by the
// guest and device drivers: a descriptor table, an available ring and a used
// ring. The package enforces no policy of its own beyond bounds and the
// producer/consumer ordering of the ring indices; the guest and device
// drivers (packages virtio/guest and virtio/device) build the submission and
// completion protocol on top of it.
package virtio

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"
)

// Flag bits for DescriptorCell.Flags. Positions are fixed for on-the-wire
// compatibility between the two endpoints of the simulated transport.
const (
	FileRead              uint16 = 1 << 0 // bit 1: direction class, read
	FileWrite             uint16 = 1 << 1 // bit 2: direction class, write
	FileOpenFlag          uint16 = 1 << 2 // bit 3: command, open
	FileCloseFlag         uint16 = 1 << 3 // bit 4: command, close
	FileWriteContentsFlag uint16 = 1 << 4 // bit 5: command, transfer contents
	FileStateFlag         uint16 = 1 << 5 // bit 6: reply overlay, this is a status reply

	// StateSuccess overlays the now-consumed FileWriteContentsFlag bit
	// position on a reply descriptor: by the time a reply is written the
	// command bits have already been decoded and are free to be reused.
	StateSuccess uint16 = 1 << 4
	// StateFail is FileStateFlag set with StateSuccess absent. The name
	// exists for readability at call sites; it carries no bit of its own.
	StateFail uint16 = FileStateFlag
)

// DescriptorCell is a single virtqueue descriptor: a buffer address, its
// length, a flag word and a next-descriptor index for chaining. The layout
// is fixed at 16 bytes (8+4+2+2) so both endpoints can interpret the same
// bytes without translation.
//
// Flags and Next are packed into one atomic word: the device's reply to a
// completed command is a single volatile store of both at once, so the
// guest never observes a torn flag/next pair.
type DescriptorCell struct {
	Addr      uint64
	Length    uint32
	flagsNext atomic.Uint32 // low 16 bits Flags, high 16 bits Next
}

// Init sets every field of the descriptor in one call, ahead of publishing
// it to the available ring.
func (d *DescriptorCell) Init(addr uint64, length uint32, flags, next uint16) {
	d.Addr = addr
	d.Length = length
	d.flagsNext.Store(uint32(flags) | uint32(next)<<16)
}

// Flags is an acquire-ordered read of the flag word.
func (d *DescriptorCell) Flags() uint16 { return uint16(d.flagsNext.Load()) }

// Next is an acquire-ordered read of the chain index.
func (d *DescriptorCell) Next() uint16 { return uint16(d.flagsNext.Load() >> 16) }

// SetFlags is a release-ordered, single-word store of the flag word,
// leaving Next untouched.
func (d *DescriptorCell) SetFlags(flags uint16) {
	for {
		old := d.flagsNext.Load()
		updated := uint32(flags) | (old &^ 0xFFFF)
		if d.flagsNext.CompareAndSwap(old, updated) {
			return
		}
	}
}

// SetNext is a release-ordered, single-word store of the chain index,
// leaving Flags untouched.
func (d *DescriptorCell) SetNext(next uint16) {
	for {
		old := d.flagsNext.Load()
		updated := (old & 0xFFFF) | uint32(next)<<16
		if d.flagsNext.CompareAndSwap(old, updated) {
			return
		}
	}
}

// Bytes renders the descriptor in its C-compatible little-endian wire
// layout.
func (d *DescriptorCell) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d.Addr)
	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.Flags())
	binary.Write(buf, binary.LittleEndian, d.Next())
	return buf.Bytes()
}
