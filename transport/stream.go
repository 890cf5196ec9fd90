package transport

import (
	"io"
	"sort"
)

// Stream send states (RFC 9000 section 3.1).
type streamSendState uint8

const (
	streamSendReady streamSendState = iota
	streamSendSend
	streamSendDataSent
	streamSendDataRecvd
	streamSendResetSent
	streamSendResetRecvd
)

// Stream receive states (RFC 9000 section 3.2).
type streamRecvState uint8

const (
	streamRecvRecv streamRecvState = iota
	streamRecvSizeKnown
	streamRecvDataRecvd
	streamRecvDataRead
	streamRecvResetRecvd
	streamRecvResetRead
)

// chunk is one contiguous run of unread/unacked bytes at a given
// offset, used by both the send buffer (data not yet acked) and the
// receive buffer (data received out of order, pending reassembly).
type chunk struct {
	offset uint64
	data   []byte
	fin    bool
}

func (c chunk) end() uint64 { return c.offset + uint64(len(c.data)) }

// streamState is an offset-keyed byte-stream buffer shared by the
// CRYPTO pseudo-stream (one per packet number space, unbounded) and by
// each application Stream's send/receive halves.
type streamState struct {
	chunks    []chunk
	sendOff   uint64 // next offset to hand the application on push, or next unsent offset on the send side
	readOff   uint64 // next offset to deliver to the application, or next acked offset on the send side
	maxSize   uint64
	finalSize uint64
	finSet    bool
}

func (s *streamState) init(maxSize uint64) {
	s.maxSize = maxSize
}

// push inserts data received/queued at offset, sorted and merged with
// any overlapping chunk so popped/read data is always contiguous.
func (s *streamState) push(offset uint64, data []byte, fin bool) {
	if len(data) == 0 && !fin {
		return
	}
	s.chunks = append(s.chunks, chunk{offset: offset, data: data, fin: fin})
	sort.Slice(s.chunks, func(i, j int) bool { return s.chunks[i].offset < s.chunks[j].offset })
	if fin {
		s.finSet = true
		s.finalSize = offset + uint64(len(data))
	}
}

// pop returns the next contiguous run of bytes starting at readOff, or
// ok=false if there is a gap or no more data.
func (s *streamState) pop() (data []byte, fin bool, ok bool) {
	for len(s.chunks) > 0 {
		c := s.chunks[0]
		if c.end() <= s.readOff {
			s.chunks = s.chunks[1:]
			continue
		}
		if c.offset > s.readOff {
			return nil, false, false
		}
		skip := s.readOff - c.offset
		out := c.data[skip:]
		s.readOff = c.end()
		s.chunks = s.chunks[1:]
		return out, c.fin, true
	}
	return nil, false, false
}

// complete reports whether every byte up to the known final size has
// been read (receive side) or acked (send side).
func (s *streamState) complete() bool {
	return s.finSet && s.readOff >= s.finalSize
}

// ack marks [offset, offset+len(data)) as acknowledged on the send
// side, used by Conn.applyAcked to retire send-buffer bytes.
func (s *streamState) ack(offset uint64, n int) {
	if offset+uint64(n) > s.readOff {
		s.readOff = offset + uint64(n)
	}
}

// reset discards all buffered data, used when a RESET_STREAM/
// STOP_SENDING transitions the stream out of its normal data flow.
func (s *streamState) reset() {
	s.chunks = nil
}

// cryptoStreamState is the unbounded, flow-control-exempt offset-keyed
// buffer backing the CRYPTO pseudo-stream of one packet number space
// (RFC 9001 section 4).
type cryptoStreamState struct {
	send streamState
	recv streamState
}

// pushRecv reassembles received CRYPTO frame data; fin is always false
// for CRYPTO, which has no explicit end-of-stream marker.
func (c *cryptoStreamState) pushRecv(offset uint64, data []byte) {
	c.recv.push(offset, data, false)
}

// popRecv returns the next contiguous run of reassembled crypto bytes
// ready to hand to the TLS engine.
func (c *cryptoStreamState) popRecv() ([]byte, bool) {
	data, _, ok := c.recv.pop()
	return data, ok
}

func (c *cryptoStreamState) pushSend(data []byte) {
	c.send.push(c.send.sendOff, data, false)
	c.send.sendOff += uint64(len(data))
}

func (c *cryptoStreamState) popSend(maxLen int) (data []byte, offset uint64, ok bool) {
	if len(c.send.chunks) == 0 {
		return nil, 0, false
	}
	ch := &c.send.chunks[0]
	offset = ch.offset
	if len(ch.data) <= maxLen {
		data = ch.data
		c.send.chunks = c.send.chunks[1:]
	} else {
		data = ch.data[:maxLen]
		ch.data = ch.data[maxLen:]
		ch.offset += uint64(maxLen)
	}
	return data, offset, true
}

func (c *cryptoStreamState) ack(offset uint64, n int) {
	c.send.ack(offset, n)
}

// pushBackLost re-queues data declared lost so popSend offers it again.
func (c *cryptoStreamState) pushBackLost(offset uint64, data []byte) {
	c.send.push(offset, data, false)
}

// Stream is one bidirectional or unidirectional QUIC stream (RFC 9000
// section 2). Both halves carry independent state machines; a
// unidirectional stream only has the half its role allows.
type Stream struct {
	id uint64

	sendState streamSendState
	recvState streamRecvState

	send streamState
	recv streamState

	sendFlow flowControl
	recvFlow flowControl
	connFlow *flowControl // shared, connection-level send credit

	sendErrorCode  uint64
	recvErrorCode  uint64
	sendResetQueued bool
	stopQueued      bool

	readable bool // has unread contiguous data, drives StreamDataReceived events
	writable bool

	// readBuf holds the tail of a popped chunk that did not fit in the
	// caller's buffer on a previous Read call, along with whether it
	// ends in FIN.
	readBuf    []byte
	readBufFin bool
}

// Write queues b for sending on the stream, returning errFlowControl
// if the connection or stream send credit is exhausted. It never
// blocks: queued bytes are drained by the connection's next Read call.
func (s *Stream) Write(b []byte) (int, error) {
	if err := s.pushSend(b, false); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a FIN, finishing the send side of the stream. It is an
// io.Closer, not a destructor: the receive side and the Stream value
// itself remain usable until both directions reach a terminal state.
func (s *Stream) Close() error {
	return s.pushSend(nil, true)
}

// Read copies reassembled, in-order bytes into b, returning io.EOF once
// the final offset has been delivered. It returns (0, nil) rather than
// blocking when no contiguous data is available yet; callers drive Read
// from a StreamDataReceived event.
func (s *Stream) Read(b []byte) (int, error) {
	if len(s.readBuf) == 0 {
		data, fin, ok := s.recv.pop()
		if !ok {
			s.readable = false
			return 0, nil
		}
		s.readBuf = data
		s.readBufFin = fin
	}
	n := copy(b, s.readBuf)
	s.readBuf = s.readBuf[n:]
	if len(s.readBuf) > 0 {
		return n, nil
	}
	if s.readBufFin {
		s.recvState = streamRecvDataRead
		return n, io.EOF
	}
	return n, nil
}

func isStreamBidi(id uint64) bool { return id&0x02 == 0 }

func isStreamLocal(id uint64, isClient bool) bool {
	clientInitiated := id&0x01 == 0
	return clientInitiated == isClient
}

func newStream(id uint64, initialMaxSend, initialMaxRecv uint64, connFlow *flowControl) *Stream {
	s := &Stream{id: id, connFlow: connFlow}
	s.send.init(1 << 62)
	s.recv.init(1 << 62)
	s.sendFlow.init(initialMaxSend, 0)
	s.recvFlow.init(0, initialMaxRecv)
	return s
}

// pushSend queues application data for sending; returns errFlowControl
// if it would exceed the peer's advertised limit.
func (s *Stream) pushSend(data []byte, fin bool) error {
	if s.sendState != streamSendReady && s.sendState != streamSendSend {
		return newError(StreamStateError, "stream is not in a sendable state")
	}
	if !s.sendFlow.canSend(uint64(len(data))) || !s.connFlow.canSend(uint64(len(data))) {
		return errFlowControl
	}
	s.send.push(s.send.sendOff, data, fin)
	s.send.sendOff += uint64(len(data))
	s.sendFlow.addSend(uint64(len(data)))
	s.connFlow.addSend(uint64(len(data)))
	if s.sendState == streamSendReady {
		s.sendState = streamSendSend
	}
	if fin {
		s.sendState = streamSendDataSent
	}
	s.writable = true
	return nil
}

// popSend returns up to maxLen bytes of unsent data for a STREAM
// frame, or ok=false if nothing is pending.
func (s *Stream) popSend(maxLen int) (data []byte, offset uint64, fin bool, ok bool) {
	if len(s.send.chunks) == 0 {
		s.writable = false
		return nil, 0, false, false
	}
	c := &s.send.chunks[0]
	offset = c.offset
	if len(c.data) <= maxLen {
		data = c.data
		fin = c.fin
		s.send.chunks = s.send.chunks[1:]
		// A FIN queued by Close right after this data rides in the same frame.
		if !fin && len(s.send.chunks) > 0 {
			next := s.send.chunks[0]
			if next.fin && len(next.data) == 0 && next.offset == offset+uint64(len(data)) {
				fin = true
				s.send.chunks = s.send.chunks[1:]
			}
		}
	} else {
		data = c.data[:maxLen]
		c.data = c.data[maxLen:]
		c.offset += uint64(maxLen)
	}
	if len(s.send.chunks) == 0 {
		s.writable = false
	}
	return data, offset, fin, true
}

// pushRecv delivers payload from a received STREAM frame into the
// reassembly buffer, enforcing the local flow-control limit and the
// final-size invariant: once a FIN fixes the stream's size, every
// subsequent frame (FIN or not) must agree with it.
func (s *Stream) pushRecv(offset uint64, data []byte, fin bool) error {
	if s.recvState == streamRecvResetRecvd || s.recvState == streamRecvResetRead {
		return nil
	}
	end := offset + uint64(len(data))
	if s.recv.finSet {
		if (fin && end != s.recv.finalSize) || end > s.recv.finalSize {
			return newError(FinalSizeError, "inconsistent stream final size")
		}
	}
	if !s.recvFlow.canRecv(offset, uint64(len(data))) {
		return errFlowControl
	}
	if fin {
		if s.recvState == streamRecvRecv {
			s.recvState = streamRecvSizeKnown
		}
	}
	s.recv.push(offset, data, fin)
	s.recvFlow.addRecv(offset, uint64(len(data)))
	if len(data) > 0 || fin {
		s.readable = true
	}
	if s.recv.complete() {
		s.recvState = streamRecvDataRecvd
	}
	return nil
}

// reset transitions the receive side on a RESET_STREAM, discarding any
// buffered data (RFC 9000 section 3.2).
func (s *Stream) resetRecv(errorCode, finalSize uint64) {
	s.recv.reset()
	s.recvErrorCode = errorCode
	s.recvState = streamRecvResetRecvd
	s.readable = true
}

func (s *Stream) resetSend(errorCode uint64) {
	s.send.reset()
	s.sendErrorCode = errorCode
	s.sendState = streamSendResetSent
}

// streamMap owns every Stream keyed by id plus the peer-imposed
// concurrent-stream limits (RFC 9000 section 4.6).
type streamMap struct {
	streams map[uint64]*Stream

	isClient bool

	nextBidi uint64
	nextUni  uint64

	peerMaxStreamsBidi uint64
	peerMaxStreamsUni  uint64
	localMaxStreamsBidi uint64
	localMaxStreamsUni  uint64

	openBidi uint64
	openUni  uint64
}

func (m *streamMap) init(isClient bool, localMaxBidi, localMaxUni uint64) {
	m.streams = make(map[uint64]*Stream)
	m.isClient = isClient
	m.localMaxStreamsBidi = localMaxBidi
	m.localMaxStreamsUni = localMaxUni
	if isClient {
		m.nextBidi, m.nextUni = 0x00, 0x02
	} else {
		m.nextBidi, m.nextUni = 0x01, 0x03
	}
}

func (m *streamMap) get(id uint64) *Stream {
	return m.streams[id]
}

// create admits a new stream by id, enforcing the peer-advertised
// concurrent stream limit for locally-initiated streams.
func (m *streamMap) create(id uint64, initialMaxSend, initialMaxRecv uint64, connFlow *flowControl) (*Stream, error) {
	if s, ok := m.streams[id]; ok {
		return s, nil
	}
	local := isStreamLocal(id, m.isClient)
	bidi := isStreamBidi(id)
	if local {
		if bidi && m.openBidi >= m.peerMaxStreamsBidi {
			return nil, newError(StreamLimitError, "bidirectional stream limit exceeded")
		}
		if !bidi && m.openUni >= m.peerMaxStreamsUni {
			return nil, newError(StreamLimitError, "unidirectional stream limit exceeded")
		}
	}
	s := newStream(id, initialMaxSend, initialMaxRecv, connFlow)
	m.streams[id] = s
	if bidi {
		m.openBidi++
	} else {
		m.openUni++
	}
	return s, nil
}

func (m *streamMap) setPeerMaxStreamsBidi(max uint64) {
	if max > m.peerMaxStreamsBidi {
		m.peerMaxStreamsBidi = max
	}
}

func (m *streamMap) setPeerMaxStreamsUni(max uint64) {
	if max > m.peerMaxStreamsUni {
		m.peerMaxStreamsUni = max
	}
}

// hasFlushable reports whether any stream has data queued to send,
// used by the connection to decide whether a space is ready to write.
func (m *streamMap) hasFlushable() bool {
	for _, s := range m.streams {
		if s.writable {
			return true
		}
	}
	return false
}
