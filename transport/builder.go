package transport

// errBuilderStop is returned by appendFrame/startPacket when the
// current packet or datagram has no room left; the caller (Conn.send)
// treats it as "stop trying to add more, flush what's built so far"
// rather than a fatal error.
var errBuilderStop = newError(InternalError, "packet builder stop")

// builtPacket records what ended up in one finished packet: enough to
// both feed the delivery tracker and log it.
type builtPacket struct {
	space        packetSpace
	packetType   packetType
	packetNumber uint64
	ackEliciting bool
	inFlight     bool
	sentBytes    int
	frames       []frame
}

// packetBuilder assembles one or more packets, coalesced into
// datagrams, following a startPacket/appendFrame/flush protocol.
type packetBuilder struct {
	hostCID   []byte
	peerCID   []byte
	version   uint32
	isClient  bool
	peerToken []byte
	spinBit   bool

	packetNumber uint64

	maxFlightBytes int // <0 means unlimited
	maxTotalBytes  int

	buf         []byte
	pos         int
	bufCapacity int
	flightCapacity int

	datagrams [][]byte
	packets   []builtPacket

	flightBytes int
	totalBytes  int

	datagramFlightBytes  int
	datagramInit         bool
	datagramNeedsPadding bool

	headerSize       int
	packet           *builtPacket
	packetCrypto     *cryptoSuite
	packetLongHeader bool
	packetStart      int
	packetType       packetType
	packetSpace      packetSpace
}

func newPacketBuilder(hostCID, peerCID []byte, version uint32, isClient bool, packetNumber uint64, peerToken []byte, spinBit bool) *packetBuilder {
	b := &packetBuilder{
		hostCID:        hostCID,
		peerCID:        peerCID,
		version:        version,
		isClient:       isClient,
		peerToken:      peerToken,
		spinBit:        spinBit,
		packetNumber:   packetNumber,
		maxFlightBytes: -1,
		maxTotalBytes:  -1,
		buf:            make([]byte, MaxPacketSize),
		bufCapacity:    MaxPacketSize,
		flightCapacity: MaxPacketSize,
		datagramInit:   true,
	}
	return b
}

func (b *packetBuilder) packetIsEmpty() bool {
	return b.pos-b.packetStart <= b.headerSize
}

func (b *packetBuilder) remainingBufferSpace() int {
	return b.bufCapacity - b.pos - b.packetCrypto.aead.Overhead()
}

func (b *packetBuilder) remainingFlightSpace() int {
	return b.flightCapacity - b.pos - b.packetCrypto.aead.Overhead()
}

// flush finishes any in-progress packet/datagram and returns everything
// assembled so far, resetting the builder for the next Write call.
func (b *packetBuilder) flush() ([][]byte, []builtPacket) {
	if b.packet != nil {
		b.endPacket()
	}
	b.flushCurrentDatagram()
	datagrams, packets := b.datagrams, b.packets
	b.datagrams, b.packets = nil, nil
	return datagrams, packets
}

// appendFrame encodes f into the packet under construction if there is
// room, updating the packet's ack-eliciting/in-flight classification
// and recording f as a value-typed descriptor for recovery to replay
// on ACK/LOSS. Returns errBuilderStop if the frame does not fit.
func (b *packetBuilder) appendFrame(f frame) error {
	typ := frameTypeOf(f)
	n := f.encodedLen()
	if b.remainingBufferSpace() < n {
		return errBuilderStop
	}
	if isFrameInFlight(typ) && b.remainingFlightSpace() < n {
		return errBuilderStop
	}
	m, err := f.encode(b.buf[b.pos:])
	if err != nil {
		return errBuilderStop
	}
	b.pos += m
	if isFrameAckEliciting(typ) {
		b.packet.ackEliciting = true
	}
	if isFrameInFlight(typ) {
		b.packet.inFlight = true
	}
	b.packet.frames = append(b.packet.frames, f)
	return nil
}

// startPacket begins a new packet of typ in packet number space space,
// protected under crypto. Retry and Version Negotiation packets are not
// built here, and the connection does not send either kind.
func (b *packetBuilder) startPacket(typ packetType, space packetSpace, crypto *cryptoSuite) error {
	if b.packet != nil {
		b.endPacket()
	}

	packetStart := b.pos
	if b.bufCapacity-packetStart < 128 {
		b.flushCurrentDatagram()
		packetStart = 0
	}

	if b.datagramInit {
		if b.maxTotalBytes >= 0 {
			remaining := b.maxTotalBytes - b.totalBytes
			if remaining < b.bufCapacity {
				b.bufCapacity = remaining
			}
		}
		b.flightCapacity = b.bufCapacity
		if b.maxFlightBytes >= 0 {
			remaining := b.maxFlightBytes - b.flightBytes
			if remaining < b.flightCapacity {
				b.flightCapacity = remaining
			}
		}
		b.datagramFlightBytes = 0
		b.datagramInit = false
		b.datagramNeedsPadding = false
	}

	var headerSize int
	if typ != packetTypeShort {
		headerSize = 11 + len(b.peerCID) + len(b.hostCID)
		if typ == packetTypeInitial {
			headerSize += sizeVarint(uint64(len(b.peerToken))) + len(b.peerToken)
		}
	} else {
		headerSize = 3 + len(b.peerCID)
	}

	if packetStart+headerSize >= b.bufCapacity {
		return errBuilderStop
	}

	b.headerSize = headerSize
	b.packet = &builtPacket{space: space, packetType: typ, packetNumber: b.packetNumber}
	b.packetCrypto = crypto
	b.packetStart = packetStart
	b.packetType = typ
	b.packetSpace = space
	b.packetLongHeader = typ != packetTypeShort

	b.pos = packetStart + headerSize
	return nil
}

// endPacket finishes the current packet: pads it if needed, writes and
// protects its header, encrypts the body, and appends it to the
// datagram under construction. An empty packet (nothing written past
// its header) is silently discarded, since a caller may start a packet
// speculatively and end up writing nothing into it.
func (b *packetBuilder) endPacket() {
	packetSize := b.pos - b.packetStart
	if packetSize > b.headerSize {
		paddingSize := PacketNumberMaxSize - PacketNumberSendSize + b.headerSize - packetSize

		if (b.isClient || b.packet.ackEliciting) && b.packetType == packetTypeInitial {
			b.datagramNeedsPadding = true
		}

		if b.datagramNeedsPadding && b.packetType == packetTypeShort {
			if rem := b.remainingFlightSpace(); rem > paddingSize {
				paddingSize = rem
			}
			b.datagramNeedsPadding = false
		}

		if paddingSize > 0 {
			for i := 0; i < paddingSize; i++ {
				b.buf[b.pos+i] = 0
			}
			b.pos += paddingSize
			packetSize += paddingSize
			b.packet.inFlight = true
			b.packet.frames = append(b.packet.frames, newPaddingFrame(paddingSize))
		}

		p := &packet{
			typ:          b.packetType,
			packetNumber: b.packetNumber,
			header: packetHeader{
				version: b.version,
				dcid:    b.peerCID,
				scid:    b.hostCID,
			},
			token: b.peerToken,
		}
		if b.packetType != packetTypeShort {
			p.payloadLen = packetSize - b.headerSize + PacketNumberSendSize + b.packetCrypto.aead.Overhead()
		}
		hdr := make([]byte, b.headerSize)
		if _, err := p.encode(hdr); err != nil {
			b.cancelPacket()
			return
		}

		payload := b.buf[b.packetStart+b.headerSize : b.packetStart+packetSize]
		protected, err := b.packetCrypto.encryptPacket(hdr, payload, b.packetNumber, PacketNumberSendSize, b.packetLongHeader)
		if err != nil {
			b.cancelPacket()
			return
		}
		copy(b.buf[b.packetStart:], protected)
		b.pos = b.packetStart + len(protected)

		b.packet.sentBytes = b.pos - b.packetStart
		b.packets = append(b.packets, *b.packet)
		if b.packet.inFlight {
			b.datagramFlightBytes += b.packet.sentBytes
		}

		if b.packetType == packetTypeShort {
			b.flushCurrentDatagram()
		}
		b.packetNumber++
	} else {
		b.cancelPacket()
	}
	b.packet = nil
}

func (b *packetBuilder) cancelPacket() {
	b.pos = b.packetStart
}

func (b *packetBuilder) flushCurrentDatagram() {
	datagramBytes := b.pos
	if datagramBytes == 0 {
		return
	}
	if b.datagramNeedsPadding {
		extra := b.flightCapacity - b.pos
		if extra > 0 {
			for i := 0; i < extra; i++ {
				b.buf[b.pos+i] = 0
			}
			b.datagramFlightBytes += extra
			datagramBytes += extra
			b.pos += extra
		}
	}
	out := make([]byte, datagramBytes)
	copy(out, b.buf[:datagramBytes])
	b.datagrams = append(b.datagrams, out)
	b.flightBytes += b.datagramFlightBytes
	b.totalBytes += datagramBytes
	b.datagramInit = true
	b.pos = 0
}
