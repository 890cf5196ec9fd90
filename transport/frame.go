package transport

// Frame type codes (RFC 9000 section 19).
const (
	frameTypePadding               = 0x00
	frameTypePing                  = 0x01
	frameTypeAck                   = 0x02
	frameTypeAckECN                = 0x03
	frameTypeResetStream           = 0x04
	frameTypeStopSending           = 0x05
	frameTypeCrypto                = 0x06
	frameTypeNewToken              = 0x07
	frameTypeStream                = 0x08
	frameTypeStreamEnd             = 0x0f
	frameTypeMaxData               = 0x10
	frameTypeMaxStreamData         = 0x11
	frameTypeMaxStreamsBidi        = 0x12
	frameTypeMaxStreamsUni         = 0x13
	frameTypeDataBlocked           = 0x14
	frameTypeStreamDataBlocked     = 0x15
	frameTypeStreamsBlockedBidi    = 0x16
	frameTypeStreamsBlockedUni     = 0x17
	frameTypeNewConnectionID       = 0x18
	frameTypeRetireConnectionID    = 0x19
	frameTypePathChallenge         = 0x1a
	frameTypePathResponse          = 0x1b
	frameTypeConnectionClose       = 0x1c
	frameTypeApplicationClose      = 0x1d
	frameTypeHanshakeDone          = 0x1e
	frameTypeDatagramNoLen         = 0x30
	frameTypeDatagram              = 0x31
)

// frame is the interface implemented by every concrete frame type. It is
// a value-typed descriptor, not a closure, so that loss recovery can
// replay its logical intent on retransmission.
type frame interface {
	encodedLen() int
	encode(b []byte) (int, error)
	String() string
}

// isFrameAckEliciting reports whether a frame of this type is anything
// other than ACK/PADDING/CONNECTION_CLOSE.
func isFrameAckEliciting(typ uint64) bool {
	switch typ {
	case frameTypePadding, frameTypeAck, frameTypeAckECN,
		frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	default:
		return true
	}
}

// isFrameInFlight reports whether a sent packet containing only frames
// of this type should count against the congestion window.
func isFrameInFlight(typ uint64) bool {
	switch typ {
	case frameTypeAck, frameTypeAckECN,
		frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	default:
		return true
	}
}

// --- PADDING ---

type paddingFrame struct {
	length int
}

func newPaddingFrame(n int) *paddingFrame {
	return &paddingFrame{length: n}
}

func (f *paddingFrame) encodedLen() int { return f.length }

func (f *paddingFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeZeros(f.length); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == frameTypePadding {
		n++
	}
	f.length = n
	return n, nil
}

func (f *paddingFrame) String() string { return sprint("padding len=", f.length) }

// --- PING ---

type pingFrame struct{}

func (f *pingFrame) encodedLen() int { return 1 }

func (f *pingFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypePing); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *pingFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *pingFrame) String() string { return "ping" }

// --- ACK ---

type ackRange struct {
	gap    uint64
	length uint64
}

type ackFrame struct {
	largestAck     uint64
	ackDelay       uint64
	firstAckRange  uint64
	ranges         []ackRange
}

func newAckFrame(ackDelay uint64, recv *rangeSet) *ackFrame {
	f := &ackFrame{ackDelay: ackDelay}
	recv.toAckFrame(f)
	return f
}

func (f *ackFrame) encodedLen() int {
	n := sizeVarint(frameTypeAck) + sizeVarint(f.largestAck) + sizeVarint(f.ackDelay) +
		sizeVarint(uint64(len(f.ranges))) + sizeVarint(f.firstAckRange)
	for _, r := range f.ranges {
		n += sizeVarint(r.gap) + sizeVarint(r.length)
	}
	return n
}

func (f *ackFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypeAck); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.largestAck); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.ackDelay); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(uint64(len(f.ranges))); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.firstAckRange); err != nil {
		return 0, err
	}
	for _, r := range f.ranges {
		if err := buf.writeVarint(r.gap); err != nil {
			return 0, err
		}
		if err := buf.writeVarint(r.length); err != nil {
			return 0, err
		}
	}
	return buf.tell(), nil
}

func (f *ackFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil { // type
		return 0, err
	}
	var err error
	if f.largestAck, err = buf.readVarint(); err != nil {
		return 0, err
	}
	if f.ackDelay, err = buf.readVarint(); err != nil {
		return 0, err
	}
	count, err := buf.readVarint()
	if err != nil {
		return 0, err
	}
	if f.firstAckRange, err = buf.readVarint(); err != nil {
		return 0, err
	}
	f.ranges = f.ranges[:0]
	for i := uint64(0); i < count; i++ {
		var r ackRange
		if r.gap, err = buf.readVarint(); err != nil {
			return 0, err
		}
		if r.length, err = buf.readVarint(); err != nil {
			return 0, err
		}
		f.ranges = append(f.ranges, r)
	}
	return buf.tell(), nil
}

// toRangeSet expands the gap/length-encoded ranges into ascending
// [start,end] packet-number ranges, or nil if the encoding underflows.
func (f *ackFrame) toRangeSet() *rangeSet {
	rs := newRangeSet()
	upper := f.largestAck
	lower := upper - f.firstAckRange
	if lower > upper {
		return nil
	}
	rs.add(lower, upper)
	for _, r := range f.ranges {
		if r.gap+2 > lower {
			return nil
		}
		upper = lower - r.gap - 2
		lower = upper - r.length
		if lower > upper {
			return nil
		}
		rs.add(lower, upper)
	}
	return rs
}

func (f *ackFrame) String() string {
	return sprint("ack largest=", f.largestAck, " delay=", f.ackDelay)
}

// --- RESET_STREAM ---

type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(streamID, errorCode, finalSize uint64) *resetStreamFrame {
	return &resetStreamFrame{streamID: streamID, errorCode: errorCode, finalSize: finalSize}
}

func (f *resetStreamFrame) encodedLen() int {
	return sizeVarint(frameTypeResetStream) + sizeVarint(f.streamID) + sizeVarint(f.errorCode) + sizeVarint(f.finalSize)
}

func (f *resetStreamFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	for _, v := range []uint64{frameTypeResetStream, f.streamID, f.errorCode, f.finalSize} {
		if err := buf.writeVarint(v); err != nil {
			return 0, err
		}
	}
	return buf.tell(), nil
}

func (f *resetStreamFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if f.streamID, err = buf.readVarint(); err != nil {
		return 0, err
	}
	if f.errorCode, err = buf.readVarint(); err != nil {
		return 0, err
	}
	if f.finalSize, err = buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *resetStreamFrame) String() string {
	return sprint("reset_stream id=", f.streamID, " code=", f.errorCode, " size=", f.finalSize)
}

// --- STOP_SENDING ---

type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(streamID, errorCode uint64) *stopSendingFrame {
	return &stopSendingFrame{streamID: streamID, errorCode: errorCode}
}

func (f *stopSendingFrame) encodedLen() int {
	return sizeVarint(frameTypeStopSending) + sizeVarint(f.streamID) + sizeVarint(f.errorCode)
}

func (f *stopSendingFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	for _, v := range []uint64{frameTypeStopSending, f.streamID, f.errorCode} {
		if err := buf.writeVarint(v); err != nil {
			return 0, err
		}
	}
	return buf.tell(), nil
}

func (f *stopSendingFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if f.streamID, err = buf.readVarint(); err != nil {
		return 0, err
	}
	if f.errorCode, err = buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *stopSendingFrame) String() string {
	return sprint("stop_sending id=", f.streamID, " code=", f.errorCode)
}

// --- CRYPTO ---

type cryptoFrame struct {
	data   []byte
	offset uint64
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{data: data, offset: offset}
}

// maxCryptoFrameOverhead bounds type+offset+length varints (worst case).
const maxCryptoFrameOverhead = 1 + 8 + 8

func (f *cryptoFrame) encodedLen() int {
	return sizeVarint(frameTypeCrypto) + sizeVarint(f.offset) + sizeVarint(uint64(len(f.data))) + len(f.data)
}

func (f *cryptoFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypeCrypto); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.offset); err != nil {
		return 0, err
	}
	if err := buf.writeVarintBytes(f.data); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *cryptoFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if f.offset, err = buf.readVarint(); err != nil {
		return 0, err
	}
	if f.data, err = buf.readVarintBytes(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *cryptoFrame) String() string {
	return sprint("crypto offset=", f.offset, " len=", len(f.data))
}

// --- NEW_TOKEN ---

type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame {
	return &newTokenFrame{token: token}
}

func (f *newTokenFrame) encodedLen() int {
	return sizeVarint(frameTypeNewToken) + sizeVarint(uint64(len(f.token))) + len(f.token)
}

func (f *newTokenFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypeNewToken); err != nil {
		return 0, err
	}
	if err := buf.writeVarintBytes(f.token); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *newTokenFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if f.token, err = buf.readVarintBytes(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *newTokenFrame) String() string { return sprint("new_token len=", len(f.token)) }

// --- STREAM ---

type streamFrame struct {
	streamID uint64
	data     []byte
	offset   uint64
	fin      bool
}

func newStreamFrame(streamID uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: streamID, data: data, offset: offset, fin: fin}
}

// maxStreamFrameOverhead bounds type+id+offset+length varints.
const maxStreamFrameOverhead = 1 + 8 + 8 + 8

func (f *streamFrame) frameType() uint64 {
	typ := uint64(frameTypeStream) | 0x02 /* LEN */
	if f.offset > 0 {
		typ |= 0x04
	}
	if f.fin {
		typ |= 0x01
	}
	return typ
}

func (f *streamFrame) encodedLen() int {
	n := sizeVarint(f.frameType()) + sizeVarint(f.streamID)
	if f.offset > 0 {
		n += sizeVarint(f.offset)
	}
	n += sizeVarint(uint64(len(f.data))) + len(f.data)
	return n
}

func (f *streamFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(f.frameType()); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.streamID); err != nil {
		return 0, err
	}
	if f.offset > 0 {
		if err := buf.writeVarint(f.offset); err != nil {
			return 0, err
		}
	}
	if err := buf.writeVarintBytes(f.data); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *streamFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	typ, err := buf.readVarint()
	if err != nil {
		return 0, err
	}
	if f.streamID, err = buf.readVarint(); err != nil {
		return 0, err
	}
	if typ&0x04 != 0 {
		if f.offset, err = buf.readVarint(); err != nil {
			return 0, err
		}
	} else {
		f.offset = 0
	}
	f.fin = typ&0x01 != 0
	if typ&0x02 != 0 {
		if f.data, err = buf.readVarintBytes(); err != nil {
			return 0, err
		}
	} else {
		f.data, err = buf.readBytes(buf.len())
		if err != nil {
			return 0, err
		}
	}
	return buf.tell(), nil
}

func (f *streamFrame) String() string {
	return sprint("stream id=", f.streamID, " offset=", f.offset, " len=", len(f.data), " fin=", f.fin)
}

// --- MAX_DATA ---

type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame { return &maxDataFrame{maximumData: max} }

func (f *maxDataFrame) encodedLen() int {
	return sizeVarint(frameTypeMaxData) + sizeVarint(f.maximumData)
}

func (f *maxDataFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypeMaxData); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.maximumData); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *maxDataFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if f.maximumData, err = buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *maxDataFrame) String() string { return sprint("max_data max=", f.maximumData) }

// --- MAX_STREAM_DATA ---

type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(streamID, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: streamID, maximumData: max}
}

func (f *maxStreamDataFrame) encodedLen() int {
	return sizeVarint(frameTypeMaxStreamData) + sizeVarint(f.streamID) + sizeVarint(f.maximumData)
}

func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	for _, v := range []uint64{frameTypeMaxStreamData, f.streamID, f.maximumData} {
		if err := buf.writeVarint(v); err != nil {
			return 0, err
		}
	}
	return buf.tell(), nil
}

func (f *maxStreamDataFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if f.streamID, err = buf.readVarint(); err != nil {
		return 0, err
	}
	if f.maximumData, err = buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *maxStreamDataFrame) String() string {
	return sprint("max_stream_data id=", f.streamID, " max=", f.maximumData)
}

// --- MAX_STREAMS ---

type maxStreamsFrame struct {
	maximumStreams uint64
	bidi           bool
}

func newMaxStreamsFrame(max uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{maximumStreams: max, bidi: bidi}
}

func (f *maxStreamsFrame) frameType() uint64 {
	if f.bidi {
		return frameTypeMaxStreamsBidi
	}
	return frameTypeMaxStreamsUni
}

func (f *maxStreamsFrame) encodedLen() int {
	return sizeVarint(f.frameType()) + sizeVarint(f.maximumStreams)
}

func (f *maxStreamsFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(f.frameType()); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.maximumStreams); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *maxStreamsFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	typ, err := buf.readVarint()
	if err != nil {
		return 0, err
	}
	f.bidi = typ == frameTypeMaxStreamsBidi
	if f.maximumStreams, err = buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *maxStreamsFrame) String() string {
	return sprint("max_streams bidi=", f.bidi, " max=", f.maximumStreams)
}

// --- DATA_BLOCKED ---

type dataBlockedFrame struct {
	dataLimit uint64
}

func newDataBlockedFrame(limit uint64) *dataBlockedFrame { return &dataBlockedFrame{dataLimit: limit} }

func (f *dataBlockedFrame) encodedLen() int {
	return sizeVarint(frameTypeDataBlocked) + sizeVarint(f.dataLimit)
}

func (f *dataBlockedFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypeDataBlocked); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.dataLimit); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *dataBlockedFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if f.dataLimit, err = buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *dataBlockedFrame) String() string { return sprint("data_blocked limit=", f.dataLimit) }

// --- STREAM_DATA_BLOCKED ---

type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func newStreamDataBlockedFrame(streamID, limit uint64) *streamDataBlockedFrame {
	return &streamDataBlockedFrame{streamID: streamID, dataLimit: limit}
}

func (f *streamDataBlockedFrame) encodedLen() int {
	return sizeVarint(frameTypeStreamDataBlocked) + sizeVarint(f.streamID) + sizeVarint(f.dataLimit)
}

func (f *streamDataBlockedFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	for _, v := range []uint64{frameTypeStreamDataBlocked, f.streamID, f.dataLimit} {
		if err := buf.writeVarint(v); err != nil {
			return 0, err
		}
	}
	return buf.tell(), nil
}

func (f *streamDataBlockedFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if f.streamID, err = buf.readVarint(); err != nil {
		return 0, err
	}
	if f.dataLimit, err = buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *streamDataBlockedFrame) String() string {
	return sprint("stream_data_blocked id=", f.streamID, " limit=", f.dataLimit)
}

// --- STREAMS_BLOCKED ---

type streamsBlockedFrame struct {
	streamLimit uint64
	bidi        bool
}

func newStreamsBlockedFrame(limit uint64, bidi bool) *streamsBlockedFrame {
	return &streamsBlockedFrame{streamLimit: limit, bidi: bidi}
}

func (f *streamsBlockedFrame) frameType() uint64 {
	if f.bidi {
		return frameTypeStreamsBlockedBidi
	}
	return frameTypeStreamsBlockedUni
}

func (f *streamsBlockedFrame) encodedLen() int {
	return sizeVarint(f.frameType()) + sizeVarint(f.streamLimit)
}

func (f *streamsBlockedFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(f.frameType()); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.streamLimit); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *streamsBlockedFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	typ, err := buf.readVarint()
	if err != nil {
		return 0, err
	}
	f.bidi = typ == frameTypeStreamsBlockedBidi
	if f.streamLimit, err = buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *streamsBlockedFrame) String() string {
	return sprint("streams_blocked bidi=", f.bidi, " limit=", f.streamLimit)
}

// --- NEW_CONNECTION_ID ---

type newConnectionIDFrame struct {
	sequenceNumber uint64
	retirePriorTo  uint64
	connectionID   []byte
	resetToken     [16]byte
}

func (f *newConnectionIDFrame) encodedLen() int {
	return sizeVarint(frameTypeNewConnectionID) + sizeVarint(f.sequenceNumber) + sizeVarint(f.retirePriorTo) +
		1 + len(f.connectionID) + 16
}

func (f *newConnectionIDFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	for _, v := range []uint64{frameTypeNewConnectionID, f.sequenceNumber, f.retirePriorTo} {
		if err := buf.writeVarint(v); err != nil {
			return 0, err
		}
	}
	if err := buf.writeUint8(uint8(len(f.connectionID))); err != nil {
		return 0, err
	}
	if err := buf.writeBytes(f.connectionID); err != nil {
		return 0, err
	}
	if err := buf.writeBytes(f.resetToken[:]); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *newConnectionIDFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if f.sequenceNumber, err = buf.readVarint(); err != nil {
		return 0, err
	}
	if f.retirePriorTo, err = buf.readVarint(); err != nil {
		return 0, err
	}
	cidLen, err := buf.readUint8()
	if err != nil {
		return 0, err
	}
	if f.connectionID, err = buf.readBytes(int(cidLen)); err != nil {
		return 0, err
	}
	token, err := buf.readBytes(16)
	if err != nil {
		return 0, err
	}
	copy(f.resetToken[:], token)
	return buf.tell(), nil
}

func (f *newConnectionIDFrame) String() string {
	return sprint("new_connection_id seq=", f.sequenceNumber, " retire_prior_to=", f.retirePriorTo)
}

// --- RETIRE_CONNECTION_ID ---

type retireConnectionIDFrame struct {
	sequenceNumber uint64
}

func (f *retireConnectionIDFrame) encodedLen() int {
	return sizeVarint(frameTypeRetireConnectionID) + sizeVarint(f.sequenceNumber)
}

func (f *retireConnectionIDFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypeRetireConnectionID); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.sequenceNumber); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *retireConnectionIDFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if f.sequenceNumber, err = buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *retireConnectionIDFrame) String() string {
	return sprint("retire_connection_id seq=", f.sequenceNumber)
}

// --- PATH_CHALLENGE / PATH_RESPONSE ---

type pathChallengeFrame struct {
	data [8]byte
}

func (f *pathChallengeFrame) encodedLen() int { return 1 + 8 }

func (f *pathChallengeFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypePathChallenge); err != nil {
		return 0, err
	}
	if err := buf.writeBytes(f.data[:]); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *pathChallengeFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	d, err := buf.readBytes(8)
	if err != nil {
		return 0, err
	}
	copy(f.data[:], d)
	return buf.tell(), nil
}

func (f *pathChallengeFrame) String() string { return "path_challenge" }

type pathResponseFrame struct {
	data [8]byte
}

func (f *pathResponseFrame) encodedLen() int { return 1 + 8 }

func (f *pathResponseFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypePathResponse); err != nil {
		return 0, err
	}
	if err := buf.writeBytes(f.data[:]); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *pathResponseFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	d, err := buf.readBytes(8)
	if err != nil {
		return 0, err
	}
	copy(f.data[:], d)
	return buf.tell(), nil
}

func (f *pathResponseFrame) String() string { return "path_response" }

// --- CONNECTION_CLOSE ---

type connectionCloseFrame struct {
	application  bool
	errorCode    uint64
	frameType    uint64
	reasonPhrase []byte
}

func newConnectionCloseFrame(errorCode, frameType uint64, reason []byte, application bool) *connectionCloseFrame {
	return &connectionCloseFrame{application: application, errorCode: errorCode, frameType: frameType, reasonPhrase: reason}
}

func (f *connectionCloseFrame) encodedLen() int {
	n := sizeVarint(f.typeCode()) + sizeVarint(f.errorCode)
	if !f.application {
		n += sizeVarint(f.frameType)
	}
	n += sizeVarint(uint64(len(f.reasonPhrase))) + len(f.reasonPhrase)
	return n
}

func (f *connectionCloseFrame) typeCode() uint64 {
	if f.application {
		return frameTypeApplicationClose
	}
	return frameTypeConnectionClose
}

func (f *connectionCloseFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(f.typeCode()); err != nil {
		return 0, err
	}
	if err := buf.writeVarint(f.errorCode); err != nil {
		return 0, err
	}
	if !f.application {
		if err := buf.writeVarint(f.frameType); err != nil {
			return 0, err
		}
	}
	if err := buf.writeVarintBytes(f.reasonPhrase); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *connectionCloseFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	typ, err := buf.readVarint()
	if err != nil {
		return 0, err
	}
	f.application = typ == frameTypeApplicationClose
	if f.errorCode, err = buf.readVarint(); err != nil {
		return 0, err
	}
	if !f.application {
		if f.frameType, err = buf.readVarint(); err != nil {
			return 0, err
		}
	}
	if f.reasonPhrase, err = buf.readVarintBytes(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *connectionCloseFrame) String() string {
	return sprint("connection_close code=", f.errorCode, " reason=", string(f.reasonPhrase))
}

// --- HANDSHAKE_DONE ---

type handshakeDoneFrame struct{}

func (f *handshakeDoneFrame) encodedLen() int { return 1 }

func (f *handshakeDoneFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypeHanshakeDone); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *handshakeDoneFrame) decode(b []byte) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *handshakeDoneFrame) String() string { return "handshake_done" }

// --- DATAGRAM (RFC 9221 extension) ---

type datagramFrame struct {
	data []byte
}

func newDatagramFrame(data []byte) *datagramFrame { return &datagramFrame{data: data} }

func (f *datagramFrame) encodedLen() int {
	return sizeVarint(frameTypeDatagram) + sizeVarint(uint64(len(f.data))) + len(f.data)
}

func (f *datagramFrame) encode(b []byte) (int, error) {
	buf := newBuffer(b)
	if err := buf.writeVarint(frameTypeDatagram); err != nil {
		return 0, err
	}
	if err := buf.writeVarintBytes(f.data); err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *datagramFrame) decode(b []byte, hasLen bool) (int, error) {
	buf := newBuffer(b)
	if _, err := buf.readVarint(); err != nil {
		return 0, err
	}
	var err error
	if hasLen {
		f.data, err = buf.readVarintBytes()
	} else {
		f.data, err = buf.readBytes(buf.len())
	}
	if err != nil {
		return 0, err
	}
	return buf.tell(), nil
}

func (f *datagramFrame) String() string { return sprint("datagram len=", len(f.data)) }

// encodeFrames writes each frame in order into b, returning the total
// bytes written.
func encodeFrames(b []byte, frames []frame) (int, error) {
	n := 0
	for _, f := range frames {
		m, err := f.encode(b[n:])
		if err != nil {
			return 0, err
		}
		n += m
	}
	return n, nil
}
