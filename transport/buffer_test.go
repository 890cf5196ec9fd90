package transport

import (
	"bytes"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 37, varint1Max,
		varint1Max + 1, 15293, varint2Max,
		varint2Max + 1, 494878333, varint4Max,
		varint4Max + 1, 151288809941952652, varint8Max,
	}
	for _, v := range values {
		b := make([]byte, 8)
		buf := newBuffer(b)
		if err := buf.writeVarint(v); err != nil {
			t.Fatalf("writeVarint(%d): %v", v, err)
		}
		n := buf.tell()
		buf.seek(0)
		got, err := buf.readVarint()
		if err != nil {
			t.Fatalf("readVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip mismatch: wrote %d, read %d", v, got)
		}
		if sizeVarint(v) != n {
			t.Fatalf("sizeVarint(%d) = %d, wrote %d bytes", v, sizeVarint(v), n)
		}
	}
}

// TestVarintRFC9000Samples checks the worked examples from RFC 9000
// appendix A.1.
func TestVarintRFC9000Samples(t *testing.T) {
	cases := []struct {
		encoded []byte
		value   uint64
	}{
		{[]byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}, 151288809941952652},
		{[]byte{0x9d, 0x7f, 0x3e, 0x7d}, 494878333},
		{[]byte{0x7b, 0xbd}, 15293},
		{[]byte{0x25}, 37},
		{[]byte{0x40, 0x25}, 37},
	}
	for _, c := range cases {
		buf := newBuffer(c.encoded)
		got, err := buf.readVarint()
		if err != nil {
			t.Fatalf("readVarint(% x): %v", c.encoded, err)
		}
		if got != c.value {
			t.Fatalf("readVarint(% x) = %d, want %d", c.encoded, got, c.value)
		}
	}
}

func TestBufferUnderrunOverrun(t *testing.T) {
	b := newBuffer(make([]byte, 1))
	if err := b.writeUint16(1); err != errBufferOverrun {
		t.Fatalf("writeUint16 into 1-byte buffer: got %v, want errBufferOverrun", err)
	}
	r := newBuffer([]byte{0x01})
	if _, err := r.readUint16(); err != errBufferUnderrun {
		t.Fatalf("readUint16 from 1-byte buffer: got %v, want errBufferUnderrun", err)
	}
}

func TestVarintBytesRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox")
	b := make([]byte, 1+len(payload))
	buf := newBuffer(b)
	if err := buf.writeVarintBytes(payload); err != nil {
		t.Fatalf("writeVarintBytes: %v", err)
	}
	buf.seek(0)
	got, err := buf.readVarintBytes()
	if err != nil {
		t.Fatalf("readVarintBytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("readVarintBytes = %q, want %q", got, payload)
	}
}

func TestGetVarint(t *testing.T) {
	b := make([]byte, 8)
	buf := newBuffer(b)
	buf.writeVarint(494878333)
	var v uint64
	n := getVarint(b, &v)
	if n != 4 || v != 494878333 {
		t.Fatalf("getVarint = (%d, %d), want (4, 494878333)", n, v)
	}
}
