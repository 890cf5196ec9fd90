package transport

// buffer is a forward-only cursor over a fixed-capacity byte region.
// Every read fails with errBufferUnderrun and every write fails with
// errBufferOverrun instead of consuming or writing a partial value.
type buffer struct {
	b   []byte
	pos int
}

func newBuffer(b []byte) buffer {
	return buffer{b: b}
}

func (s *buffer) len() int {
	return len(s.b) - s.pos
}

func (s *buffer) tell() int {
	return s.pos
}

func (s *buffer) seek(pos int) {
	s.pos = pos
}

// data returns the full underlying region: buffers are sized exactly to
// their content, so this is the same as dataSlice(0, len(b)).
func (s *buffer) data() []byte {
	return s.b
}

func (s *buffer) dataSlice(start, end int) []byte {
	return s.b[start:end]
}

func (s *buffer) readByte() (byte, error) {
	if s.len() < 1 {
		return 0, errBufferUnderrun
	}
	b := s.b[s.pos]
	s.pos++
	return b, nil
}

func (s *buffer) writeByte(b byte) error {
	if s.len() < 1 {
		return errBufferOverrun
	}
	s.b[s.pos] = b
	s.pos++
	return nil
}

func (s *buffer) readBytes(n int) ([]byte, error) {
	if s.len() < n {
		return nil, errBufferUnderrun
	}
	b := s.b[s.pos : s.pos+n]
	s.pos += n
	return b, nil
}

func (s *buffer) writeBytes(b []byte) error {
	if s.len() < len(b) {
		return errBufferOverrun
	}
	copy(s.b[s.pos:], b)
	s.pos += len(b)
	return nil
}

// writeZeros writes n zero bytes (used for PADDING and datagram padding).
func (s *buffer) writeZeros(n int) error {
	if s.len() < n {
		return errBufferOverrun
	}
	for i := 0; i < n; i++ {
		s.b[s.pos+i] = 0
	}
	s.pos += n
	return nil
}

func (s *buffer) readUint8() (uint8, error) {
	return s.readByte()
}

func (s *buffer) writeUint8(v uint8) error {
	return s.writeByte(v)
}

func (s *buffer) readUint16() (uint16, error) {
	b, err := s.readBytes(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (s *buffer) writeUint16(v uint16) error {
	if s.len() < 2 {
		return errBufferOverrun
	}
	s.b[s.pos] = byte(v >> 8)
	s.b[s.pos+1] = byte(v)
	s.pos += 2
	return nil
}

func (s *buffer) readUint24() (uint32, error) {
	b, err := s.readBytes(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func (s *buffer) readUint32() (uint32, error) {
	b, err := s.readBytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (s *buffer) writeUint32(v uint32) error {
	if s.len() < 4 {
		return errBufferOverrun
	}
	s.b[s.pos] = byte(v >> 24)
	s.b[s.pos+1] = byte(v >> 16)
	s.b[s.pos+2] = byte(v >> 8)
	s.b[s.pos+3] = byte(v)
	s.pos += 4
	return nil
}

func (s *buffer) readUint64() (uint64, error) {
	b, err := s.readBytes(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

func (s *buffer) writeUint64(v uint64) error {
	if s.len() < 8 {
		return errBufferOverrun
	}
	for i := 7; i >= 0; i-- {
		s.b[s.pos+i] = byte(v)
		v >>= 8
	}
	s.pos += 8
	return nil
}

// QUIC variable-length integer encoding (RFC 9000 section 16).
// The two most significant bits of the first byte select the length:
// 00 -> 1 byte, 01 -> 2 bytes, 10 -> 4 bytes, 11 -> 8 bytes.
const (
	varint1Max = 1<<6 - 1
	varint2Max = 1<<14 - 1
	varint4Max = 1<<30 - 1
	varint8Max = 1<<62 - 1
)

// sizeVarint returns the number of bytes needed to encode n as a varint.
func sizeVarint(n uint64) int {
	switch {
	case n <= varint1Max:
		return 1
	case n <= varint2Max:
		return 2
	case n <= varint4Max:
		return 4
	case n <= varint8Max:
		return 8
	default:
		panic("varint value too large")
	}
}

func (s *buffer) readVarint() (uint64, error) {
	if s.len() < 1 {
		return 0, errBufferUnderrun
	}
	first := s.b[s.pos]
	ln := 1 << (first >> 6)
	if s.len() < ln {
		return 0, errBufferUnderrun
	}
	v := uint64(first & 0x3f)
	for i := 1; i < ln; i++ {
		v = v<<8 | uint64(s.b[s.pos+i])
	}
	s.pos += ln
	return v, nil
}

func (s *buffer) writeVarint(v uint64) error {
	n := sizeVarint(v)
	if s.len() < n {
		return errBufferOverrun
	}
	switch n {
	case 1:
		s.b[s.pos] = byte(v)
	case 2:
		s.b[s.pos] = byte(v>>8) | 0x40
		s.b[s.pos+1] = byte(v)
	case 4:
		s.b[s.pos] = byte(v>>24) | 0x80
		s.b[s.pos+1] = byte(v >> 16)
		s.b[s.pos+2] = byte(v >> 8)
		s.b[s.pos+3] = byte(v)
	case 8:
		s.b[s.pos] = byte(v>>56) | 0xc0
		s.b[s.pos+1] = byte(v >> 48)
		s.b[s.pos+2] = byte(v >> 40)
		s.b[s.pos+3] = byte(v >> 32)
		s.b[s.pos+4] = byte(v >> 24)
		s.b[s.pos+5] = byte(v >> 16)
		s.b[s.pos+6] = byte(v >> 8)
		s.b[s.pos+7] = byte(v)
	}
	s.pos += n
	return nil
}

// readVarintBytes reads a varint-length-prefixed byte slice (used by
// tokens and CRYPTO/STREAM payloads where the remaining bytes are not
// simply "rest of packet").
func (s *buffer) readVarintBytes() ([]byte, error) {
	n, err := s.readVarint()
	if err != nil {
		return nil, err
	}
	return s.readBytes(int(n))
}

func (s *buffer) writeVarintBytes(b []byte) error {
	if err := s.writeVarint(uint64(len(b))); err != nil {
		return err
	}
	return s.writeBytes(b)
}

// getVarint is a free function used by frame parsers that only have a
// []byte slice (not a buffer) in hand; Conn.recvFrames uses it to peek
// the frame type without constructing a buffer.
func getVarint(b []byte, v *uint64) int {
	buf := newBuffer(b)
	pos := buf.pos
	val, err := buf.readVarint()
	if err != nil {
		return 0
	}
	*v = val
	return buf.pos - pos
}
