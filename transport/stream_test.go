package transport

import (
	"bytes"
	"io"
	"testing"
)

func TestStreamWriteReadRoundTrip(t *testing.T) {
	connFlow := &flowControl{}
	connFlow.init(1<<20, 1<<20)
	s := newStream(4, 1<<20, 1<<20, connFlow)

	if _, err := s.Write([]byte("hello ")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Feed the send-side bytes straight into the recv side to exercise
	// Read/EOF without going through the wire codec.
	data, offset, fin, ok := s.popSend(1024)
	if !ok {
		t.Fatal("popSend: expected pending data")
	}
	if offset != 0 || !fin {
		t.Fatalf("popSend = (offset=%d, fin=%v), want (0, true)", offset, fin)
	}
	if err := s.pushRecv(offset, data, fin); err != nil {
		t.Fatalf("pushRecv: %v", err)
	}

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != io.EOF {
		t.Fatalf("Read: err=%v, want io.EOF", err)
	}
	if got := string(buf[:n]); got != "hello " {
		t.Fatalf("Read = %q, want %q", got, "hello ")
	}
}

func TestStreamReadPartialBuffer(t *testing.T) {
	connFlow := &flowControl{}
	connFlow.init(1<<20, 1<<20)
	s := newStream(0, 1<<20, 1<<20, connFlow)

	if err := s.pushRecv(0, []byte("abcdefgh"), false); err != nil {
		t.Fatalf("pushRecv: %v", err)
	}

	var out bytes.Buffer
	small := make([]byte, 3)
	for out.Len() < 8 {
		n, err := s.Read(small)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			t.Fatal("Read returned 0 bytes before all data consumed")
		}
		out.Write(small[:n])
	}
	if out.String() != "abcdefgh" {
		t.Fatalf("reassembled = %q, want %q", out.String(), "abcdefgh")
	}
}

func TestStreamWriteFlowControlLimit(t *testing.T) {
	connFlow := &flowControl{}
	connFlow.init(1<<20, 1<<20)
	s := newStream(4, 4, 1<<20, connFlow)

	if _, err := s.Write([]byte("12345")); err != errFlowControl {
		t.Fatalf("Write past send limit: err=%v, want errFlowControl", err)
	}
}

func TestStreamMapLimitsLocallyInitiatedStreams(t *testing.T) {
	var m streamMap
	m.init(true, 1, 0)
	m.setPeerMaxStreamsBidi(1)

	connFlow := &flowControl{}
	connFlow.init(1<<20, 1<<20)

	if _, err := m.create(0x00, 1<<16, 1<<16, connFlow); err != nil {
		t.Fatalf("first locally-initiated stream: %v", err)
	}
	if _, err := m.create(0x04, 1<<16, 1<<16, connFlow); err == nil {
		t.Fatal("expected stream limit error for second locally-initiated bidi stream")
	}
}

func TestStreamPushRecvFinalSizeMismatch(t *testing.T) {
	connFlow := &flowControl{}
	connFlow.init(1<<20, 1<<20)
	s := newStream(0, 1<<20, 1<<20, connFlow)

	if err := s.pushRecv(0, []byte("abcd"), true); err != nil {
		t.Fatalf("first FIN: %v", err)
	}
	if err := s.pushRecv(0, []byte("abcde"), true); !isTransportError(err, FinalSizeError) {
		t.Fatalf("conflicting FIN offset: err=%v, want FinalSizeError", err)
	}
	if err := s.pushRecv(4, []byte("x"), false); !isTransportError(err, FinalSizeError) {
		t.Fatalf("data beyond fixed final size: err=%v, want FinalSizeError", err)
	}
}

func TestIsStreamBidiAndLocal(t *testing.T) {
	if !isStreamBidi(0) || isStreamBidi(2) {
		t.Fatal("isStreamBidi classification wrong")
	}
	if !isStreamLocal(0, true) || isStreamLocal(1, true) {
		t.Fatal("isStreamLocal classification wrong for client")
	}
	if !isStreamLocal(1, false) || isStreamLocal(0, false) {
		t.Fatal("isStreamLocal classification wrong for server")
	}
}
