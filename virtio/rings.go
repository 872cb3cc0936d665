package virtio

import "sync/atomic"

// UsedCell is one entry of the used ring: the descriptor index the device
// completed and the number of bytes it wrote into it.
type UsedCell struct {
	ID  uint32
	Len uint32
}

// AvailableRing is the guest-to-device half of the split virtqueue: a
// producer index and a circular array of descriptor indices. The guest is
// the sole producer, the device the sole consumer.
//
// idx is held in an atomic.Uint32 standing in for the release/acquire fence
// pair the specification calls for: IdxStore is the producer's
// release-ordered publish, IdxLoad is the consumer's acquire-ordered read.
// The value itself never exceeds 16 bits; idx wraps at Size, not at 2^16.
type AvailableRing struct {
	Flags uint16
	idx   atomic.Uint32
	Ring  []uint16
}

// NewAvailableRing allocates a ring with S slots.
func NewAvailableRing(size uint16) *AvailableRing {
	return &AvailableRing{Ring: make([]uint16, size)}
}

// SlotAt returns the descriptor index stored at ring position i.
func (r *AvailableRing) SlotAt(i uint16) uint16 { return r.Ring[i] }

// SetSlotAt stores a descriptor index at ring position i.
func (r *AvailableRing) SetSlotAt(i uint16, descriptorIndex uint16) {
	r.Ring[i] = descriptorIndex
}

// IdxLoad is the consumer's acquire-ordered read of the producer index.
func (r *AvailableRing) IdxLoad() uint16 { return uint16(r.idx.Load()) }

// IdxStore is the producer's release-ordered publish of the index.
func (r *AvailableRing) IdxStore(v uint16) { r.idx.Store(uint32(v)) }

// IdxInc advances the producer index by one, modulo size, and returns the
// new value. Must only be called by the producer.
func (r *AvailableRing) IdxInc(size uint16) uint16 {
	next := (r.IdxLoad() + 1) % size
	r.IdxStore(next)
	return next
}

// UsedRing is the device-to-guest half of the split virtqueue, symmetric to
// AvailableRing with producer and consumer reversed: the device is the sole
// producer, the guest the sole consumer.
type UsedRing struct {
	Flags uint16
	idx   atomic.Uint32
	Ring  []UsedCell
}

// NewUsedRing allocates a ring with S slots.
func NewUsedRing(size uint16) *UsedRing {
	return &UsedRing{Ring: make([]UsedCell, size)}
}

// SlotAt returns the used-ring entry at ring position i.
func (r *UsedRing) SlotAt(i uint16) UsedCell { return r.Ring[i] }

// SetSlotAt stores a used-ring entry at ring position i.
func (r *UsedRing) SetSlotAt(i uint16, cell UsedCell) { r.Ring[i] = cell }

// IdxLoad is the consumer's acquire-ordered read of the producer index.
func (r *UsedRing) IdxLoad() uint16 { return uint16(r.idx.Load()) }

// IdxStore is the producer's release-ordered publish of the index.
func (r *UsedRing) IdxStore(v uint16) { r.idx.Store(uint32(v)) }

// IdxInc advances the producer index by one, modulo size, and returns the
// new value. Must only be called by the producer.
func (r *UsedRing) IdxInc(size uint16) uint16 {
	next := (r.IdxLoad() + 1) % size
	r.IdxStore(next)
	return next
}
