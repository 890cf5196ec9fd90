package transport

import (
	"bytes"
	"testing"
)

func TestPingPaddingRoundTrip(t *testing.T) {
	f := &pingFrame{}
	b := make([]byte, f.encodedLen())
	n, err := f.encode(b)
	if err != nil || n != 1 {
		t.Fatalf("ping encode: n=%d err=%v", n, err)
	}
	var got pingFrame
	if _, err := got.decode(b); err != nil {
		t.Fatalf("ping decode: %v", err)
	}

	p := newPaddingFrame(5)
	b = make([]byte, p.encodedLen())
	if _, err := p.encode(b); err != nil {
		t.Fatalf("padding encode: %v", err)
	}
	if !bytes.Equal(b, make([]byte, 5)) {
		t.Fatalf("padding encode = % x, want 5 zero bytes", b)
	}
}

func TestStreamFrameRoundTrip(t *testing.T) {
	data := []byte("hello quic")
	cases := []*streamFrame{
		newStreamFrame(4, data, 0, false),
		newStreamFrame(4, data, 1200, true),
		newStreamFrame(0, nil, 0, true),
	}
	for _, f := range cases {
		b := make([]byte, f.encodedLen())
		n, err := f.encode(b)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var got streamFrame
		m, err := got.decode(b[:n])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m != n {
			t.Fatalf("decode consumed %d bytes, encode wrote %d", m, n)
		}
		if got.streamID != f.streamID || got.offset != f.offset || got.fin != f.fin {
			t.Fatalf("decoded frame = %+v, want %+v", got, f)
		}
		if !bytes.Equal(got.data, f.data) {
			t.Fatalf("decoded data = %q, want %q", got.data, f.data)
		}
	}
}

func TestResetStreamFrameRoundTrip(t *testing.T) {
	f := newResetStreamFrame(4, 0x10, 2048)
	b := make([]byte, f.encodedLen())
	n, err := f.encode(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got resetStreamFrame
	if _, err := got.decode(b[:n]); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.streamID != 4 || got.errorCode != 0x10 || got.finalSize != 2048 {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestNewConnectionIDFrameRoundTrip(t *testing.T) {
	f := &newConnectionIDFrame{
		sequenceNumber: 3,
		retirePriorTo:  1,
		connectionID:   []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	for i := range f.resetToken {
		f.resetToken[i] = byte(i)
	}
	b := make([]byte, f.encodedLen())
	n, err := f.encode(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got newConnectionIDFrame
	if _, err := got.decode(b[:n]); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.sequenceNumber != 3 || got.retirePriorTo != 1 {
		t.Fatalf("decoded = %+v", got)
	}
	if !bytes.Equal(got.connectionID, f.connectionID) {
		t.Fatalf("decoded connection id = % x, want % x", got.connectionID, f.connectionID)
	}
	if got.resetToken != f.resetToken {
		t.Fatalf("decoded reset token mismatch")
	}
}

// TestAckFrameRangeSet checks that a rangeSet with a gap survives being
// turned into an ackFrame, encoded, decoded, and expanded back.
func TestAckFrameRangeSet(t *testing.T) {
	recv := newRangeSet()
	recv.add(0, 5)
	recv.add(10, 15)

	f := newAckFrame(1234, recv)
	b := make([]byte, f.encodedLen())
	n, err := f.encode(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got ackFrame
	if _, err := got.decode(b[:n]); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ackDelay != 1234 {
		t.Fatalf("ackDelay = %d, want 1234", got.ackDelay)
	}

	rs := got.toRangeSet()
	if rs == nil {
		t.Fatal("toRangeSet returned nil")
	}
	for _, pn := range []uint64{0, 3, 5, 10, 12, 15} {
		if !rs.contains(pn) {
			t.Fatalf("expected rangeSet to contain %d", pn)
		}
	}
	for _, pn := range []uint64{6, 7, 8, 9} {
		if rs.contains(pn) {
			t.Fatalf("expected rangeSet to not contain gap value %d", pn)
		}
	}
}

func TestEncodeFramesMultiple(t *testing.T) {
	frames := []frame{
		&pingFrame{},
		newMaxDataFrame(100),
		newStreamFrame(0, []byte("x"), 0, false),
	}
	size := 0
	for _, f := range frames {
		size += f.encodedLen()
	}
	b := make([]byte, size)
	n, err := encodeFrames(b, frames)
	if err != nil {
		t.Fatalf("encodeFrames: %v", err)
	}
	if n != size {
		t.Fatalf("encodeFrames wrote %d bytes, want %d", n, size)
	}
}
