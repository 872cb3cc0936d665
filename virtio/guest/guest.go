// Package guest implements the guest-side driver of the simulated
// virtqueue: a descriptor-slot pool, publication to the available ring and
// harvesting of the used ring.
//
// Grounded on the teacher's vhostuser.Device pop/push pairing (device.go's
// popQueue/pushQueue), mirrored here since in this simulator the guest
// publishes where the teacher's device pops, and harvests where the
// teacher's device pushes.
package guest

import (
	"github.com/jblim/virtqsim/notify"
	"github.com/jblim/virtqsim/virtio"
)

// Driver is the guest-side state machine: a free-list pool over descriptor
// indices 0..Size, plus two private cursors (availableIndex, freeIndex).
type Driver struct {
	handle   virtio.GuestHandle
	notifier notify.Pollable
	size     uint16

	// freeList is a fixed array of Size indices with a stack pointer,
	// descriptorItemIndex. Its initial value is Size, meaning "all free".
	// freeList[0:descriptorItemIndex] always lists exactly the free
	// indices.
	freeList            []uint16
	descriptorItemIndex uint16

	availableIndex uint16 // next slot to publish
	freeIndex      uint16 // next used-ring slot to harvest
}

// New builds a guest driver over q, waking the peer through notifier on
// every publish.
func New(q *virtio.VirtQueue, notifier notify.Pollable) *Driver {
	size := q.Size
	freeList := make([]uint16, size)
	for i := range freeList {
		freeList[i] = uint16(i)
	}
	return &Driver{
		handle:              q.Guest(),
		notifier:            notifier,
		size:                size,
		freeList:            freeList,
		descriptorItemIndex: size,
	}
}

// AcquireDescriptor pops a descriptor index from the free-list pool. It
// never blocks: when the pool is empty it reports ok == false.
func (d *Driver) AcquireDescriptor() (index uint16, cell *virtio.DescriptorCell, ok bool) {
	if d.descriptorItemIndex == 0 {
		return 0, nil, false
	}
	d.descriptorItemIndex--
	index = d.freeList[d.descriptorItemIndex]
	return index, d.handle.DescriptorAt(index), true
}

// AllocBuffer reserves a handoff buffer for use in a descriptor about to be
// acquired and published.
func (d *Driver) AllocBuffer(length int) *virtio.HandoffBuffer {
	return d.handle.AllocBuffer(length)
}

// Publish writes index into the available ring, release-fences the store,
// advances both the ring's producer index and the driver's private cursor
// modulo Size, and wakes the device through the notifier.
func (d *Driver) Publish(index uint16) error {
	slot := d.handle.Mask(d.availableIndex)
	d.handle.PublishSlot(slot, index)
	d.handle.AdvanceAvailIdx()
	d.availableIndex = (d.availableIndex + 1) % d.size
	return d.notifier.SubmitEvent()
}

// Harvest returns the next completed descriptor from the used ring, if any.
// It never blocks.
func (d *Driver) Harvest() (index uint16, cell *virtio.DescriptorCell, ok bool) {
	if d.handle.UsedIdx() == d.freeIndex {
		return 0, nil, false
	}
	slot := d.handle.Mask(d.freeIndex)
	used := d.handle.UsedCellAt(slot)
	d.freeIndex = (d.freeIndex + 1) % d.size
	index = uint16(used.ID)
	return index, d.handle.DescriptorAt(index), true
}

// Release frees the buffer referenced by cell and returns index to the
// free-list pool. The push destination is the CURRENT stack pointer value,
// incremented after: this is the canonical design. (A one-off variant that
// pushes to descriptorItemIndex+1 instead leaks the slot at position 0 and
// is a bug, not an accepted alternative.)
func (d *Driver) Release(index uint16, cell *virtio.DescriptorCell) {
	d.handle.FreeBuffer(cell.Addr)
	d.freeList[d.descriptorItemIndex] = index
	d.descriptorItemIndex++
}

// Size returns the queue's descriptor count.
func (d *Driver) Size() uint16 { return d.size }

// PoolAvailable returns the number of descriptors currently on the
// free-list, for diagnostics and tests.
func (d *Driver) PoolAvailable() uint16 { return d.descriptorItemIndex }
