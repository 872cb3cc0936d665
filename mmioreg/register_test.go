package mmioreg

import "testing"

func TestBytesParseRoundTrip(t *testing.T) {
	b := Block{
		Magic:          Magic,
		Version:        2,
		DeviceID:       2, // virtio-blk
		VendorID:       0x1af4,
		Features:       0x1,
		QueueSel:       0,
		QueueMaxSize:   256,
		QueueSize:      128,
		QueueReady:     1,
		QueueNotify:    0,
		InterruptState: 0,
		InterruptAck:   0,
	}

	buf := b.Bytes()
	if len(buf) != Size {
		t.Fatalf("len(buf) = %d, want %d", len(buf), Size)
	}

	got, err := Parse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != b {
		t.Fatalf("round trip = %+v, want %+v", got, b)
	}
}

func TestFieldOffsets(t *testing.T) {
	b := Block{
		Magic: 0x01020304, Version: 0x05060708, DeviceID: 0x090a0b0c,
		VendorID: 0x0d0e0f10, Features: 0x11121314, QueueSel: 0x15161718,
		QueueMaxSize: 0x191a1b1c, QueueSize: 0x1d1e1f20, QueueReady: 0x21222324,
		QueueNotify: 0x25262728, InterruptState: 0x292a2b2c, InterruptAck: 0x2d2e2f30,
	}
	buf := b.Bytes()

	cases := []struct {
		name   string
		offset int
		want   uint32
	}{
		{"Magic", offMagic, b.Magic},
		{"Version", offVersion, b.Version},
		{"DeviceID", offDeviceID, b.DeviceID},
		{"VendorID", offVendorID, b.VendorID},
		{"Features", offFeatures, b.Features},
		{"QueueSel", offQueueSel, b.QueueSel},
		{"QueueMaxSize", offQueueMaxSize, b.QueueMaxSize},
		{"QueueSize", offQueueSize, b.QueueSize},
		{"QueueReady", offQueueReady, b.QueueReady},
		{"QueueNotify", offQueueNotify, b.QueueNotify},
		{"InterruptState", offInterruptState, b.InterruptState},
		{"InterruptAck", offInterruptAck, b.InterruptAck},
	}
	for _, c := range cases {
		got := uint32(buf[c.offset]) | uint32(buf[c.offset+1])<<8 | uint32(buf[c.offset+2])<<16 | uint32(buf[c.offset+3])<<24
		if got != c.want {
			t.Errorf("field %s at offset %#x = %#x, want %#x", c.name, c.offset, got, c.want)
		}
	}
}

func TestParseRejectsWrongLength(t *testing.T) {
	if _, err := Parse(make([]byte, Size-1)); err == nil {
		t.Fatal("expected an error for a short buffer")
	}
}
