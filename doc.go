// Package virtqsim simulates the virtio split-virtqueue transport between a
// guest driver and a device driver running as two goroutines in one process.
//
// The guest and device sides exchange descriptor-referenced I/O requests
// through a shared virtqueue (package virtio) and wake each other up through
// a pollable notifier (package notify). A small file-open/write/read/close
// protocol (package blockproto) is layered on top to exercise the transport
// end to end.
//
// Package async adapts a guest driver's completion harvesting into a
// channel-based event source for cooperative select loops. Package mmioreg
// encodes the control-and-status register block a real virtio transport
// would expose. Package simlog and simconfig provide the ambient logging and
// wiring used to assemble a runnable simulation, and cmd/virtqsim is the
// command-line driver that runs one end to end.
package virtqsim
