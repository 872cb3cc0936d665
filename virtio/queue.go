package virtio

import (
	"fmt"
	"math/bits"
)

// VirtQueue owns one descriptor table and its available/used rings. Size
// (the number of descriptor slots) must be a power of two because slot
// position is computed as idx & (Size-1). The structure is allocated once
// and shared by pointer between the guest and device drivers; its storage
// outlives both.
//
// VirtQueue itself exposes no policy: callers obtain a GuestHandle or a
// DeviceHandle (below) that restricts which half of the structure they may
// touch, mirroring the split the specification calls for between the
// producer and consumer of each ring.
type VirtQueue struct {
	Size        uint16
	Descriptors []DescriptorCell
	Avail       *AvailableRing
	Used        *UsedRing
	Buffers     *bufferTable
}

// NewVirtQueue allocates a queue with the given number of descriptor slots.
// size must be a power of two.
func NewVirtQueue(size uint16) (*VirtQueue, error) {
	if size == 0 || bits.OnesCount16(size) != 1 {
		return nil, fmt.Errorf("virtio: queue size %d is not a power of two", size)
	}
	return &VirtQueue{
		Size:        size,
		Descriptors: make([]DescriptorCell, size),
		Avail:       NewAvailableRing(size),
		Used:        NewUsedRing(size),
		Buffers:     newBufferTable(),
	}, nil
}

// Mask reduces idx to a ring slot position.
func (q *VirtQueue) Mask(idx uint16) uint16 { return idx & (q.Size - 1) }

// DescriptorAt returns the descriptor cell at idx with no bounds policy
// beyond idx < Size.
func (q *VirtQueue) DescriptorAt(idx uint16) *DescriptorCell {
	return &q.Descriptors[idx]
}

// Guest returns the capability handle for the guest side of the queue: the
// producer of the available ring and the consumer of the used ring.
func (q *VirtQueue) Guest() GuestHandle { return GuestHandle{q} }

// Device returns the capability handle for the device side of the queue:
// the consumer of the available ring and the producer of the used ring.
func (q *VirtQueue) Device() DeviceHandle { return DeviceHandle{q} }

// GuestHandle exposes only the operations the guest driver is entitled to:
// publishing to the available ring and harvesting the used ring. It never
// exposes used-ring writes or available-ring reads to callers outside
// package virtio/guest.
type GuestHandle struct{ q *VirtQueue }

// Size returns the queue's descriptor count.
func (g GuestHandle) Size() uint16 { return g.q.Size }

// DescriptorAt returns the descriptor cell at idx.
func (g GuestHandle) DescriptorAt(idx uint16) *DescriptorCell { return g.q.DescriptorAt(idx) }

// PublishSlot writes descriptorIndex into the available ring at slot. It
// does not touch the producer index: AdvanceAvailIdx, called after it, is
// the release-ordered store that makes the slot visible to the device.
func (g GuestHandle) PublishSlot(slot, descriptorIndex uint16) {
	g.q.Avail.SetSlotAt(slot, descriptorIndex)
}

// AdvanceAvailIdx performs the release-ordered publish of the new available
// index, making the just-written slot visible to the device.
func (g GuestHandle) AdvanceAvailIdx() uint16 { return g.q.Avail.IdxInc(g.q.Size) }

// UsedIdx is the guest's acquire-ordered read of the used ring's producer
// index.
func (g GuestHandle) UsedIdx() uint16 { return g.q.Used.IdxLoad() }

// UsedCellAt returns the used-ring entry at slot.
func (g GuestHandle) UsedCellAt(slot uint16) UsedCell { return g.q.Used.SlotAt(slot) }

// Mask reduces idx to a ring slot position.
func (g GuestHandle) Mask(idx uint16) uint16 { return g.q.Mask(idx) }

// DeviceHandle exposes only the operations the device driver is entitled
// to: consuming the available ring and publishing to the used ring.
type DeviceHandle struct{ q *VirtQueue }

// Size returns the queue's descriptor count.
func (d DeviceHandle) Size() uint16 { return d.q.Size }

// DescriptorAt returns the descriptor cell at idx.
func (d DeviceHandle) DescriptorAt(idx uint16) *DescriptorCell { return d.q.DescriptorAt(idx) }

// AvailIdx is the device's acquire-ordered read of the available ring's
// producer index.
func (d DeviceHandle) AvailIdx() uint16 { return d.q.Avail.IdxLoad() }

// AvailSlotAt returns the descriptor index stored at the given available
// ring position.
func (d DeviceHandle) AvailSlotAt(slot uint16) uint16 { return d.q.Avail.SlotAt(slot) }

// PublishUsed writes a completion at slot. It does not touch the producer
// index: AdvanceUsedIdx, called after it, is the release-ordered store that
// makes the completion visible to the guest.
func (d DeviceHandle) PublishUsed(slot uint16, cell UsedCell) {
	d.q.Used.SetSlotAt(slot, cell)
}

// AdvanceUsedIdx performs the release-ordered publish of the new used
// index, making the just-written completion visible to the guest.
func (d DeviceHandle) AdvanceUsedIdx() uint16 { return d.q.Used.IdxInc(d.q.Size) }

// Mask reduces idx to a ring slot position.
func (d DeviceHandle) Mask(idx uint16) uint16 { return d.q.Mask(idx) }
