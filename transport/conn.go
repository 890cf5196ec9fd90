package transport

import (
	"bytes"
	"crypto/rand"
	"io"
	"time"

	"github.com/rs/xid"
)

// connectionState tracks the lifecycle phases a Conn moves through:
// FIRSTFLIGHT (stateAttempted) until the peer's address is validated,
// CONNECTED (stateActive) once the handshake completes, then CLOSING/
// DRAINING on local or peer-initiated shutdown, finally TERMINATED.
type connectionState uint8

const (
	stateAttempted connectionState = iota
	stateHandshake
	stateActive
	stateClosing
	stateDraining
	stateClosed
)

// Conn is a single QUIC connection: a sans-I/O state machine driven
// entirely through Write (receive a datagram), Read (produce a
// datagram), and Timeout/OnTimeout (fire timers). None of these methods
// touch a socket; the embedder owns I/O.
type Conn struct {
	isClient bool
	version  uint32

	scid  []byte
	dcid  []byte
	odcid []byte
	rscid []byte
	token []byte

	localCIDs connectionIDPool
	peerCIDs  connectionIDPool

	spaces  [packetSpaceCount]packetNumberSpace
	streams streamMap
	flow    flowControl
	datagrams datagramQueue

	localParams Parameters
	peerParams  Parameters

	handshake tlsHandshake
	recovery  lossRecovery
	tlsConfig *TLSConfig

	path pathValidator

	state                 connectionState
	gotPeerCID            bool
	didRetry              bool
	didVersionNegotiation bool
	ackElicitingSent      bool
	handshakeConfirmed    bool
	derivedInitialSecrets bool
	updateMaxData         bool

	closeFrame     *connectionCloseFrame
	closeRetransmitTime time.Time

	pendingPathResponse *pathResponseFrame
	pendingRetireSeqs   []uint64
	pendingResendCIDs   []*newConnectionIDFrame

	idleTimer     time.Time
	drainingTimer time.Time

	events []Event

	traceID string

	logEventFn func(LogEvent)
	metrics    *metricsRecorder
}

// Connect creates a client connection.
func Connect(scid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, nil, true)
}

// Accept creates a server connection.
func Accept(scid, odcid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, odcid, false)
}

func newConn(config *Config, scid, odcid []byte, isClient bool) (*Conn, error) {
	if config == nil {
		return nil, newError(InternalError, "config required")
	}
	config.setDefaults()
	if len(scid) > MaxCIDLength || len(odcid) > MaxCIDLength {
		return nil, newError(ProtocolViolation, "cid too long")
	}
	s := &Conn{
		version:     config.Version,
		isClient:    isClient,
		localParams: config.Params,
		tlsConfig:   config.TLS,
		state:       stateAttempted,
	}
	now := s.time()
	for i := range s.spaces {
		s.spaces[i].init()
	}
	s.streams.init(isClient, s.localParams.InitialMaxStreamsBidi, s.localParams.InitialMaxStreamsUni)
	s.recovery.init(config.MaxDatagramSize, s.localParams.MaxAckDelay)
	s.flow.init(0, s.localParams.InitialMaxData)
	s.datagrams.init(s.localParams.MaxDatagramFrameSize)

	if len(scid) > 0 {
		s.scid = append(s.scid[:0], scid...)
	}
	s.localCIDs.init(maxActiveConnectionIDs, s.scid)
	s.localParams.InitialSourceCID = s.scid

	if len(odcid) > 0 {
		s.odcid = append(s.odcid[:0], odcid...)
		s.localParams.OriginalDestinationCID = s.odcid
		s.localParams.RetrySourceCID = s.scid
		s.didRetry = true
	} else {
		s.localParams.OriginalDestinationCID = nil
		s.localParams.RetrySourceCID = nil
	}

	if isClient {
		s.localParams.StatelessResetToken = nil
		s.dcid = make([]byte, MaxCIDLength)
		if err := s.rand(s.dcid); err != nil {
			return nil, err
		}
		s.deriveInitialKeyMaterial(s.dcid)
	}

	paramBytes := encodeTransportParameters(&s.localParams)
	s.handshake = *newTLSHandshake(isClient, s.tlsConfig, paramBytes)
	if err := s.handshake.start(); err != nil {
		return nil, err
	}
	s.traceID = xid.New().String()
	s.metrics = Metrics()
	_ = now
	return s, nil
}

func (s *Conn) deriveInitialKeyMaterial(cid []byte) {
	aead := initialAEAD{}
	if err := aead.init(cid); err != nil {
		return
	}
	space := &s.spaces[packetSpaceInitial]
	if s.isClient {
		space.opener.current, space.sealer.current = aead.server, aead.client
	} else {
		space.opener.current, space.sealer.current = aead.client, aead.server
	}
	space.opener.set = true
	space.sealer.set = true
	s.derivedInitialSecrets = true
}

// Write consumes one or more coalesced packets from a received UDP
// datagram.
func (s *Conn) Write(b []byte) (int, error) {
	now := s.time()
	n := 0
	for n < len(b) {
		if s.state >= stateDraining {
			break
		}
		i, err := s.recv(b[n:], now)
		if err != nil {
			return n, err
		}
		if i == 0 {
			break
		}
		n += i
	}
	s.checkTimeout(now)
	return n, nil
}

func (s *Conn) recv(b []byte, now time.Time) (int, error) {
	p := packet{header: packetHeader{dcil: uint8(len(s.scid))}}
	if _, err := p.decodeHeader(b); err != nil {
		return 0, err
	}
	switch p.typ {
	case packetTypeVersionNegotiation:
		return s.recvPacketVersionNegotiation(b, &p, now)
	case packetTypeRetry:
		return s.recvPacketRetry(b, &p, now)
	case packetTypeInitial:
		return s.recvPacketInitial(b, &p, now)
	case packetTypeZeroRTT:
		s.logPacketDropped(&p, now)
		return len(b), nil
	case packetTypeHandshake:
		return s.recvPacketHandshake(b, &p, now)
	case packetTypeShort:
		return s.recvPacketShort(b, &p, now)
	default:
		return 0, newError(ProtocolViolation, "unsupported packet type")
	}
}

func (s *Conn) recvPacketVersionNegotiation(b []byte, p *packet, now time.Time) (int, error) {
	if !s.isClient || s.didVersionNegotiation || s.state != stateAttempted ||
		!bytes.Equal(p.header.dcid, s.scid) || !bytes.Equal(p.header.scid, s.dcid) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	n, err := p.decodeBody(b)
	if err != nil {
		return 0, err
	}
	var newVersion uint32
	for _, v := range p.supportedVersions {
		if versionSupported(v) {
			newVersion = v
			break
		}
	}
	if newVersion == 0 {
		return 0, newError(VersionNegotiationError, "no supported version offered")
	}
	s.version = newVersion
	s.didVersionNegotiation = true
	s.gotPeerCID = false
	s.recovery.dropUnackedData(&s.spaces[packetSpaceInitial])
	s.spaces[packetSpaceInitial].reset()
	s.logPacketReceived(p, now)
	return p.headerLen + n, nil
}

func (s *Conn) recvPacketRetry(b []byte, p *packet, now time.Time) (int, error) {
	if !s.isClient || s.didRetry || s.state != stateAttempted ||
		!bytes.Equal(p.header.dcid, s.scid) || bytes.Equal(p.header.scid, s.dcid) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	if _, err := p.decodeBody(b); err != nil {
		return 0, err
	}
	if len(p.token) == 0 || !verifyRetryIntegrity(b, s.dcid) {
		return 0, newError(RetryFailure, "retry integrity check failed")
	}
	s.didRetry = true
	s.token = append(s.token[:0], p.token...)
	s.odcid = append(s.odcid[:0], s.dcid...)
	s.dcid = append(s.dcid[:0], p.header.scid...)
	s.rscid = s.dcid
	s.deriveInitialKeyMaterial(s.dcid)
	s.gotPeerCID = false
	s.recovery.dropUnackedData(&s.spaces[packetSpaceInitial])
	s.spaces[packetSpaceInitial].reset()
	s.logPacketReceived(p, now)
	return len(b), nil
}

func (s *Conn) recvPacketInitial(b []byte, p *packet, now time.Time) (int, error) {
	if s.gotPeerCID && (!bytes.Equal(p.header.dcid, s.scid) || !bytes.Equal(p.header.scid, s.dcid)) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	if !s.derivedInitialSecrets {
		s.deriveInitialKeyMaterial(p.header.dcid)
	}
	if !s.gotPeerCID {
		if s.isClient {
			if len(s.odcid) == 0 {
				s.odcid = append(s.odcid[:0], s.dcid...)
			}
		} else if !s.didRetry {
			s.odcid = append(s.odcid[:0], p.header.dcid...)
			s.localParams.OriginalDestinationCID = s.odcid
		}
		s.dcid = append(s.dcid[:0], p.header.scid...)
		s.peerCIDs.init(s.localParams.ActiveConnectionIDLimit, s.dcid)
		s.gotPeerCID = true
	}
	return s.recvPacket(b, p, packetSpaceInitial, now)
}

func (s *Conn) recvPacketHandshake(b []byte, p *packet, now time.Time) (int, error) {
	if !bytes.Equal(p.header.dcid, s.scid) || !bytes.Equal(p.header.scid, s.dcid) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	return s.recvPacket(b, p, packetSpaceHandshake, now)
}

func (s *Conn) recvPacketShort(b []byte, p *packet, now time.Time) (int, error) {
	if !bytes.Equal(p.header.dcid, s.scid) {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	return s.recvPacket(b, p, packetSpaceApplication, now)
}

func (s *Conn) recvPacket(b []byte, p *packet, space packetSpace, now time.Time) (int, error) {
	pnSpace := &s.spaces[space]
	if !pnSpace.canDecrypt() {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	payload, length, err := pnSpace.decryptPacket(b, p)
	if err != nil {
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	if pnSpace.isPacketReceived(p.packetNumber) {
		return length, nil
	}
	s.logPacketReceived(p, now)
	if err := s.recvFrames(payload, space, now); err != nil {
		return 0, err
	}
	pnSpace.onPacketReceived(p.packetNumber, now, pnSpace.ackElicited)

	if s.localParams.MaxIdleTimeout > 0 {
		s.idleTimer = now.Add(s.localParams.MaxIdleTimeout)
	}
	if !s.isClient && space == packetSpaceHandshake && s.state == stateAttempted {
		s.state = stateHandshake
		s.dropPacketSpace(packetSpaceInitial)
	}
	s.ackElicitingSent = false
	return length, nil
}

func (s *Conn) recvFrames(b []byte, space packetSpace, now time.Time) error {
	ackElicited := false
	for len(b) > 0 {
		var typ uint64
		n := getVarint(b, &typ)
		if n == 0 {
			return newError(FrameEncodingError, "truncated frame type")
		}
		var err error
		switch {
		case typ == frameTypePadding:
			n, err = s.recvFramePadding(b)
		case typ == frameTypePing:
			n, err = s.recvFramePing(b, now)
		case typ == frameTypeAck || typ == frameTypeAckECN:
			n, err = s.recvFrameAck(b, space, now)
		case typ == frameTypeResetStream:
			n, err = s.recvFrameResetStream(b, now)
		case typ == frameTypeStopSending:
			n, err = s.recvFrameStopSending(b, now)
		case typ == frameTypeCrypto:
			n, err = s.recvFrameCrypto(b, space, now)
		case typ == frameTypeNewToken:
			n, err = s.recvFrameNewToken(b)
		case typ >= frameTypeStream && typ <= frameTypeStreamEnd:
			n, err = s.recvFrameStream(b, now)
		case typ == frameTypeMaxData:
			n, err = s.recvFrameMaxData(b)
		case typ == frameTypeMaxStreamData:
			n, err = s.recvFrameMaxStreamData(b)
		case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
			n, err = s.recvFrameMaxStreams(b)
		case typ == frameTypeDataBlocked:
			n, err = s.recvFrameDataBlocked(b)
		case typ == frameTypeStreamDataBlocked:
			n, err = s.recvFrameStreamDataBlocked(b)
		case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
			n, err = s.recvFrameStreamsBlocked(b)
		case typ == frameTypeNewConnectionID:
			n, err = s.recvFrameNewConnectionID(b, now)
		case typ == frameTypeRetireConnectionID:
			n, err = s.recvFrameRetireConnectionID(b, now)
		case typ == frameTypePathChallenge:
			n, err = s.recvFramePathChallenge(b)
		case typ == frameTypePathResponse:
			n, err = s.recvFramePathResponse(b, now)
		case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
			n, err = s.recvFrameConnectionClose(b, now)
		case typ == frameTypeHanshakeDone:
			n, err = s.recvFrameHandshakeDone(b, now)
		case typ == frameTypeDatagramNoLen || typ == frameTypeDatagram:
			n, err = s.recvFrameDatagram(b, typ == frameTypeDatagram)
		default:
			return newError(FrameEncodingError, sprint("unsupported frame ", typ))
		}
		if err != nil {
			return err
		}
		if !ackElicited {
			ackElicited = isFrameAckEliciting(typ)
		}
		b = b[n:]
	}
	if ackElicited {
		s.spaces[space].ackElicited = true
	}
	return nil
}

func (s *Conn) recvFramePadding(b []byte) (int, error) {
	var f paddingFrame
	return f.decode(b)
}

func (s *Conn) recvFramePing(b []byte, now time.Time) (int, error) {
	var f pingFrame
	n, err := f.decode(b)
	s.addEvent(newPingAcknowledgedEvent())
	return n, err
}

func (s *Conn) recvFrameAck(b []byte, space packetSpace, now time.Time) (int, error) {
	var f ackFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	acked := s.recovery.onAckReceived(int(space), &s.spaces[space], &f, now)
	s.applyAcked(space, acked)
	s.processLostPackets(space, now)

	if !s.spaces[space].firstPacketAcked {
		s.spaces[space].firstPacketAcked = true
		if space == packetSpaceApplication && s.state == stateActive {
			s.dropPacketSpace(packetSpaceHandshake)
			if s.isClient && !s.handshakeConfirmed {
				s.handshakeConfirmed = true
			}
		}
	}
	return n, nil
}

func (s *Conn) recvFrameResetStream(b []byte, now time.Time) (int, error) {
	var f resetStreamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if isStreamLocal(f.streamID, s.isClient) && !isStreamBidi(f.streamID) {
		return 0, newError(StreamStateError, "reset of local send-only stream")
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	st.resetRecv(f.errorCode, f.finalSize)
	s.addEvent(newStreamResetEvent(f.streamID, f.errorCode, f.finalSize))
	return n, nil
}

func (s *Conn) recvFrameStopSending(b []byte, now time.Time) (int, error) {
	var f stopSendingFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if isStreamLocal(f.streamID, s.isClient) && s.streams.get(f.streamID) == nil {
		return 0, newError(StreamStateError, "stop sending unknown local stream")
	}
	if !isStreamBidi(f.streamID) {
		return 0, newError(StreamStateError, "stop sending receive-only stream")
	}
	s.addEvent(newStreamStopEvent(f.streamID, f.errorCode))
	return n, nil
}

func (s *Conn) recvFrameCrypto(b []byte, space packetSpace, now time.Time) (int, error) {
	var f cryptoFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.spaces[space].cryptoStream.pushRecv(f.offset, f.data)
	if err := s.doHandshake(space, now); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Conn) recvFrameNewToken(b []byte) (int, error) {
	var f newTokenFrame
	return f.decode(b)
}

func (s *Conn) recvFrameStream(b []byte, now time.Time) (int, error) {
	var f streamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if isStreamLocal(f.streamID, s.isClient) && !isStreamBidi(f.streamID) {
		return 0, newError(StreamStateError, "write to our receive-only stream")
	}
	if !s.flow.canRecv(f.offset, uint64(len(f.data))) {
		return 0, errFlowControl
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	if err := st.pushRecv(f.offset, f.data, f.fin); err != nil {
		return 0, err
	}
	s.flow.addRecv(f.offset, uint64(len(f.data)))
	s.addEvent(newStreamRecvEvent(f.streamID))
	return n, nil
}

func (s *Conn) recvFrameMaxData(b []byte) (int, error) {
	var f maxDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.flow.setMaxSend(f.maximumData)
	return n, nil
}

func (s *Conn) recvFrameMaxStreamData(b []byte) (int, error) {
	var f maxStreamDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	st.sendFlow.setMaxSend(f.maximumData)
	return n, nil
}

func (s *Conn) recvFrameMaxStreams(b []byte) (int, error) {
	var f maxStreamsFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if f.bidi {
		s.streams.setPeerMaxStreamsBidi(f.maximumStreams)
	} else {
		s.streams.setPeerMaxStreamsUni(f.maximumStreams)
	}
	return n, nil
}

func (s *Conn) recvFrameDataBlocked(b []byte) (int, error) {
	var f dataBlockedFrame
	return f.decode(b)
}

func (s *Conn) recvFrameStreamDataBlocked(b []byte) (int, error) {
	var f streamDataBlockedFrame
	return f.decode(b)
}

func (s *Conn) recvFrameStreamsBlocked(b []byte) (int, error) {
	var f streamsBlockedFrame
	return f.decode(b)
}

func (s *Conn) recvFrameNewConnectionID(b []byte, now time.Time) (int, error) {
	var f newConnectionIDFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	retired := s.peerCIDs.receive(f.sequenceNumber, f.retirePriorTo, f.connectionID, f.resetToken)
	for _, seq := range retired {
		s.addEvent(newConnectionIDRetiredEvent(nil, seq))
	}
	return n, nil
}

func (s *Conn) recvFrameRetireConnectionID(b []byte, now time.Time) (int, error) {
	var f retireConnectionIDFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if cid, ok := s.localCIDs.retire(f.sequenceNumber); ok {
		s.addEvent(newConnectionIDRetiredEvent(cid.id, cid.seq))
	}
	return n, nil
}

func (s *Conn) recvFramePathChallenge(b []byte) (int, error) {
	var f pathChallengeFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.pendingPathResponse = &pathResponseFrame{data: f.data}
	return n, nil
}

func (s *Conn) recvFramePathResponse(b []byte, now time.Time) (int, error) {
	var f pathResponseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.path.onResponse(f.data)
	return n, nil
}

func (s *Conn) recvFrameConnectionClose(b []byte, now time.Time) (int, error) {
	var f connectionCloseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if s.state < stateDraining {
		s.setDraining(now, &TransportError{Code: ErrorCode(f.errorCode), Message: string(f.reasonPhrase)})
	}
	return n, nil
}

func (s *Conn) recvFrameHandshakeDone(b []byte, now time.Time) (int, error) {
	var f handshakeDoneFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if !s.isClient {
		return 0, newError(ProtocolViolation, "unexpected handshake done frame")
	}
	if s.state == stateActive && !s.handshakeConfirmed {
		s.dropPacketSpace(packetSpaceHandshake)
		s.handshakeConfirmed = true
	}
	return n, nil
}

func (s *Conn) recvFrameDatagram(b []byte, hasLen bool) (int, error) {
	var f datagramFrame
	n, err := f.decode(b, hasLen)
	if err != nil {
		return 0, err
	}
	s.addEvent(newDatagramReceivedEvent(f.data))
	return n, nil
}

// applyAcked replays each newly-acked packet's frames against the
// connection's send-side state using the value-typed frame descriptors
// recorded at send time.
func (s *Conn) applyAcked(space packetSpace, acked []*sentPacket) {
	pnSpace := &s.spaces[space]
	for _, sp := range acked {
		for _, f := range sp.frames {
			switch f := f.(type) {
			case *ackFrame:
				pnSpace.recvPacketNeedAck.removeBelow(f.largestAck + 1)
			case *cryptoFrame:
				pnSpace.cryptoStream.ack(f.offset, len(f.data))
			case *streamFrame:
				if st := s.streams.get(f.streamID); st != nil {
					st.send.ack(f.offset, len(f.data))
					if st.send.complete() {
						s.addEvent(newStreamCompleteEvent(f.streamID))
					}
				}
			case *maxDataFrame:
				s.updateMaxData = false
			case *maxStreamDataFrame:
				// Nothing further to do; the limit was already committed
				// when the frame was queued.
			case *newConnectionIDFrame:
				s.addEvent(newConnectionIDIssuedEvent(f.connectionID, f.sequenceNumber))
			case *handshakeDoneFrame:
				s.handshakeConfirmed = true
			}
		}
	}
}

func (s *Conn) processLostPackets(space packetSpace, now time.Time) {
	pnSpace := &s.spaces[space]
	lost := s.recovery.drainLost(int(space))
	for _, f := range lost {
		switch f := f.(type) {
		case *ackFrame:
			pnSpace.ackElicited = true
		case *cryptoFrame:
			pnSpace.cryptoStream.pushBackLost(f.offset, f.data)
		case *streamFrame:
			if st := s.streams.get(f.streamID); st != nil {
				st.send.push(f.offset, f.data, f.fin)
				st.writable = true
			}
		case *handshakeDoneFrame:
			s.handshakeConfirmed = false
		case *newConnectionIDFrame:
			s.pendingResendCIDs = append(s.pendingResendCIDs, f)
		case *retireConnectionIDFrame:
			s.pendingRetireSeqs = append(s.pendingRetireSeqs, f.sequenceNumber)
		}
	}
	if sentCount := len(pnSpace.sent); sentCount == 0 && len(lost) == 0 {
		return
	}
}

func (s *Conn) doHandshake(space packetSpace, now time.Time) error {
	for {
		data, ok := s.spaces[space].cryptoStream.popRecv()
		if !ok {
			break
		}
		if err := s.handshake.handleCryptoData(space, data); err != nil {
			return newErrorWithFrame(cryptoErrorBase, frameTypeCrypto, err.Error())
		}
	}
	s.installHandshakeKeys(now)
	for sp := packetSpaceInitial; sp < packetSpaceCount; sp++ {
		if data := s.handshake.takeWriteData(sp); len(data) > 0 {
			s.spaces[sp].cryptoStream.pushSend(data)
		}
	}
	if s.state >= stateActive {
		return nil
	}
	if s.handshake.handshakeComplete() {
		peerParamBytes := s.handshake.peerTransportParams()
		peerParams, err := decodeTransportParameters(peerParamBytes)
		if err != nil {
			return err
		}
		if err := s.validatePeerTransportParams(peerParams); err != nil {
			return err
		}
		s.flow.setMaxSend(peerParams.InitialMaxData)
		s.streams.setPeerMaxStreamsBidi(peerParams.InitialMaxStreamsBidi)
		s.streams.setPeerMaxStreamsUni(peerParams.InitialMaxStreamsUni)
		if peerParams.MaxAckDelay > 0 {
			s.recovery.maxAckDelay = peerParams.MaxAckDelay
		}
		s.datagrams.maxFrameSize = minUint64(s.datagrams.maxFrameSize, peerParams.MaxDatagramFrameSize)
		s.peerParams = *peerParams
		s.state = stateActive
		s.addEvent(newHandshakeCompletedEvent())
		if proto := s.handshake.negotiatedProtocol(); proto != "" {
			s.addEvent(newProtocolNegotiatedEvent(proto))
		}
	}
	return nil
}

// installHandshakeKeys derives and installs any newly available
// Handshake/Application epoch secrets the TLS engine has produced.
func (s *Conn) installHandshakeKeys(now time.Time) {
	for _, space := range []packetSpace{packetSpaceHandshake, packetSpaceApplication} {
		if secret, ok := s.handshake.takeReadSecret(space); ok {
			if suite, err := deriveSuiteForCipherSuite(s.handshake.cipherSuite(), secret); err == nil {
				s.spaces[space].opener.current = suite
				s.spaces[space].opener.set = true
			}
		}
		if secret, ok := s.handshake.takeWriteSecret(space); ok {
			if suite, err := deriveSuiteForCipherSuite(s.handshake.cipherSuite(), secret); err == nil {
				s.spaces[space].sealer.current = suite
				s.spaces[space].sealer.set = true
			}
		}
	}
}

func (s *Conn) validatePeerTransportParams(p *Parameters) error {
	if p == nil {
		return newError(TransportParameterError, "missing transport parameters")
	}
	if len(p.InitialSourceCID) == 0 || !bytes.Equal(p.InitialSourceCID, s.dcid) {
		return newError(TransportParameterError, "initial_source_connection_id mismatch")
	}
	if s.isClient {
		if !bytes.Equal(p.OriginalDestinationCID, s.odcid) {
			return newError(TransportParameterError, "original_destination_connection_id mismatch")
		}
	} else {
		if len(p.OriginalDestinationCID) > 0 {
			return newError(TransportParameterError, "client sent original_destination_connection_id")
		}
		if len(p.StatelessResetToken) > 0 {
			return newError(TransportParameterError, "client sent stateless_reset_token")
		}
	}
	if len(s.rscid) > 0 && !bytes.Equal(p.RetrySourceCID, s.rscid) {
		return newError(TransportParameterError, "retry_source_connection_id mismatch")
	}
	return nil
}

// Read produces the next datagram to send, or (0, nil) if there is
// nothing to send right now.
func (s *Conn) Read(b []byte) (int, error) {
	now := s.time()
	if s.state == stateDraining || s.state == stateClosed {
		return 0, nil
	}
	space := s.writeSpace()
	if space == packetSpaceCount {
		return 0, nil
	}
	if err := s.doHandshake(space, now); err != nil {
		return 0, err
	}
	n, err := s.send(b, space, now)
	if err != nil {
		return 0, err
	}
	if space < packetSpaceApplication {
		avail := minInt(s.maxPacketSize(), len(b))
		if avail-n >= 96 {
			nextSpace := s.writeSpace()
			if nextSpace < packetSpaceCount && nextSpace > space {
				m, err := s.send(b[n:avail], nextSpace, now)
				if err != nil {
					return n, err
				}
				n += m
			}
		}
	}
	s.metrics.observe(s.traceID, &s.recovery)
	return n, nil
}

func (s *Conn) send(b []byte, space packetSpace, now time.Time) (int, error) {
	pnSpace := &s.spaces[space]
	if !pnSpace.canEncrypt() {
		return 0, nil
	}
	builder := newPacketBuilder(s.scid, s.dcid, s.version, s.isClient, pnSpace.nextPacketNumber, s.token, false)
	if err := builder.startPacket(packetTypeFromSpace(space), space, &pnSpace.sealer.current); err != nil {
		return 0, nil
	}
	s.appendFrames(builder, pnSpace, space, now)
	datagrams, packets := builder.flush()
	if len(packets) == 0 {
		return 0, nil
	}
	off := 0
	for _, d := range datagrams {
		if off+len(d) > len(b) {
			break
		}
		copy(b[off:], d)
		off += len(d)
	}
	for _, bp := range packets {
		sp := newSentPacket(bp.packetNumber)
		sp.timeSent = now
		sp.size = bp.sentBytes
		sp.ackEliciting = bp.ackEliciting
		sp.inFlight = bp.inFlight
		sp.frames = bp.frames
		s.recovery.onPacketSent(int(space), sp, now)
		if bp.ackEliciting {
			pnSpace.sent[bp.packetNumber] = sp
		}
		pnSpace.nextPacketNumber = bp.packetNumber + 1
		s.logPacketSent(bp, now)
		if bp.ackEliciting {
			if !s.ackElicitingSent && s.localParams.MaxIdleTimeout > 0 {
				s.idleTimer = now.Add(s.localParams.MaxIdleTimeout)
			}
			s.ackElicitingSent = true
		}
	}
	if s.isClient && builder.packetType == packetTypeHandshake && s.state == stateAttempted {
		s.state = stateHandshake
		s.dropPacketSpace(packetSpaceInitial)
	}
	return off, nil
}

// appendFrames fills the current packet with whatever this space has
// to send, in a fixed priority order: CONNECTION_CLOSE, ACK, CRYPTO, a
// PING if a PTO probe is still owed in this space (every space, not
// just Application — ptoRetransmit already re-queued any unacked
// CRYPTO/STREAM data ahead of this call so Initial/Handshake probes
// carry real retransmissions rather than an empty packet), then
// (Application only) HANDSHAKE_DONE, connection ids, MAX_DATA/
// MAX_STREAM_DATA, STREAM, DATAGRAM.
func (s *Conn) appendFrames(b *packetBuilder, pnSpace *packetNumberSpace, space packetSpace, now time.Time) {
	if s.closeFrame != nil && s.closeRetransmissionDue(now) {
		if b.appendFrame(s.closeFrame) == nil {
			s.closeRetransmitTime = now.Add(s.recovery.probeTimeout(int(space)))
			s.setDraining(now, nil)
			return
		}
	}
	if s.state >= stateDraining {
		return
	}
	if pnSpace.ackElicited {
		ackDelay := uint64(now.Sub(pnSpace.largestRecvPacketTime).Microseconds())
		if s.peerParams.AckDelayExponent > 0 {
			ackDelay >>= s.peerParams.AckDelayExponent
		}
		f := newAckFrame(ackDelay, pnSpace.recvPacketNeedAck)
		if b.appendFrame(f) == nil {
			pnSpace.ackElicited = false
		}
	}
	for {
		data, offset, ok := pnSpace.cryptoStream.popSend(b.remainingBufferSpace() - maxCryptoFrameOverhead)
		if !ok {
			break
		}
		if b.appendFrame(newCryptoFrame(data, offset)) != nil {
			pnSpace.cryptoStream.pushBackLost(offset, data)
			break
		}
	}
	if s.recovery.probes > 0 {
		if b.appendFrame(&pingFrame{}) == nil {
			s.recovery.probes--
		}
	}
	if space != packetSpaceApplication {
		return
	}
	if !s.isClient && s.state == stateActive && !s.handshakeConfirmed {
		if b.appendFrame(&handshakeDoneFrame{}) == nil {
			s.handshakeConfirmed = true
		}
	}
	if s.pendingPathResponse != nil {
		if b.appendFrame(s.pendingPathResponse) == nil {
			s.pendingPathResponse = nil
		}
	}
	for len(s.pendingRetireSeqs) > 0 {
		seq := s.pendingRetireSeqs[0]
		if b.appendFrame(&retireConnectionIDFrame{sequenceNumber: seq}) != nil {
			break
		}
		s.pendingRetireSeqs = s.pendingRetireSeqs[1:]
	}
	for len(s.pendingResendCIDs) > 0 {
		f := s.pendingResendCIDs[0]
		if b.appendFrame(f) != nil {
			break
		}
		s.pendingResendCIDs = s.pendingResendCIDs[1:]
	}
	for s.state == stateActive {
		cid, ok := s.localCIDs.issue()
		if !ok {
			break
		}
		f := &newConnectionIDFrame{sequenceNumber: cid.seq, connectionID: cid.id, resetToken: cid.resetToken}
		if b.appendFrame(f) != nil {
			break
		}
	}
	if s.updateMaxData || s.flow.shouldUpdateMaxRecv() {
		if b.appendFrame(newMaxDataFrame(s.flow.maxRecvNext)) == nil {
			s.updateMaxData = true
			s.flow.commitMaxRecv()
		}
	}
	for id, st := range s.streams.streams {
		if st.recvFlow.shouldUpdateMaxRecv() {
			if b.appendFrame(newMaxStreamDataFrame(id, st.recvFlow.maxRecvNext)) == nil {
				st.recvFlow.commitMaxRecv()
			}
		}
	}
	for id, st := range s.streams.streams {
		if !st.writable {
			continue
		}
		allowed := int(s.flow.maxSend - s.flow.sent)
		room := b.remainingBufferSpace() - maxStreamFrameOverhead
		if room > allowed {
			room = allowed
		}
		if room <= 0 {
			continue
		}
		data, offset, fin, ok := st.popSend(room)
		if !ok {
			continue
		}
		f := newStreamFrame(id, data, offset, fin)
		if b.appendFrame(f) != nil {
			st.send.push(offset, data, fin)
			continue
		}
		s.flow.addSend(uint64(len(data)))
	}
	for {
		d, ok := s.datagrams.pop()
		if !ok {
			break
		}
		if b.appendFrame(newDatagramFrame(d)) != nil {
			break
		}
	}
}

func (s *Conn) closeRetransmissionDue(now time.Time) bool {
	return s.closeRetransmitTime.IsZero() || !now.Before(s.closeRetransmitTime)
}

func (s *Conn) writeSpace() packetSpace {
	if s.closeFrame != nil || s.recovery.probes > 0 {
		if s.state >= stateDraining {
			return packetSpaceCount
		}
		for i := packetSpaceApplication; i >= packetSpaceInitial; i-- {
			if s.spaces[i].canEncrypt() {
				return i
			}
		}
		return packetSpaceCount
	}
	for i := packetSpaceInitial; i < packetSpaceCount; i++ {
		if i == packetSpaceApplication && s.state < stateActive {
			continue
		}
		if s.spaces[i].ready() {
			return i
		}
		if len(s.recovery.lost[i]) > 0 {
			return i
		}
	}
	if s.state >= stateActive && (s.streams.hasFlushable() || s.datagrams.hasPending() || s.pendingPathResponse != nil) {
		return packetSpaceApplication
	}
	return packetSpaceCount
}

func (s *Conn) maxPacketSize() int {
	if s.state >= stateActive && s.peerParams.MaxUDPPayloadSize > 0 {
		n := int(s.peerParams.MaxUDPPayloadSize)
		if n >= MinInitialPacketSize && n <= MaxPacketSize {
			return n
		}
	}
	return MinInitialPacketSize
}

// Timeout returns the amount of time until the next timer event, or a
// negative duration if no timer is armed.
func (s *Conn) Timeout() time.Duration {
	if s.state == stateClosed {
		return -1
	}
	var deadline time.Time
	for _, t := range []time.Time{s.drainingTimer, s.recovery.lossDetectionTimer, s.idleTimer} {
		if !t.IsZero() && (deadline.IsZero() || t.Before(deadline)) {
			deadline = t
		}
	}
	if deadline.IsZero() {
		return -1
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return 0
}

// OnTimeout fires whichever of the idle/loss-detection/draining timers
// has reached its deadline. The embedder calls it when Timeout's
// returned duration elapses without an intervening Write.
func (s *Conn) OnTimeout() {
	s.checkTimeout(s.time())
}

func (s *Conn) checkTimeout(now time.Time) {
	if !s.drainingTimer.IsZero() && !now.Before(s.drainingTimer) {
		s.state = stateClosed
		return
	}
	if !s.idleTimer.IsZero() && !now.Before(s.idleTimer) {
		s.state = stateClosed
		s.addEvent(newConnectionTerminatedEvent(&TransportError{Code: NoError, Message: "idle timeout"}))
		return
	}
	if !s.recovery.lossDetectionTimer.IsZero() && !now.Before(s.recovery.lossDetectionTimer) {
		s.ptoRetransmit(now)
		s.recovery.onLossDetectionTimeout()
		s.recovery.lossDetectionTimer = time.Time{}
	}
}

// ptoRetransmit implements the "retransmitted crypto" half of RFC 9002
// section 6.2.2's probe data: on PTO expiry, the oldest still-unacked
// ack-eliciting packet's CRYPTO/STREAM frames are copied back onto
// their send streams so the next appendFrames call offers them again,
// in the earliest space that has any outstanding unacked data. The
// original sent-packet record is left in place (unlike
// detectLostPackets, this never touches the congestion controller or
// pnSpace.sent — a PTO alone does not declare a packet lost) so a
// late ACK or a genuine timeout-based loss still resolves normally;
// the retransmitted copy is sent under a fresh packet number.
func (s *Conn) ptoRetransmit(now time.Time) {
	for space := packetSpaceInitial; space < packetSpaceCount; space++ {
		pnSpace := &s.spaces[space]
		var oldestPN uint64
		var oldest *sentPacket
		for pn, sp := range pnSpace.sent {
			if !sp.ackEliciting {
				continue
			}
			if oldest == nil || pn < oldestPN {
				oldestPN, oldest = pn, sp
			}
		}
		if oldest == nil {
			continue
		}
		for _, f := range oldest.frames {
			switch f := f.(type) {
			case *cryptoFrame:
				pnSpace.cryptoStream.pushBackLost(f.offset, f.data)
			case *streamFrame:
				if st := s.streams.get(f.streamID); st != nil {
					st.send.push(f.offset, f.data, f.fin)
					st.writable = true
				}
			}
		}
		return
	}
}

// Close begins a locally-initiated shutdown, queuing a CONNECTION_CLOSE
// to be sent by the next Read call.
func (s *Conn) Close(app bool, errCode uint64, reason string) {
	if s.state >= stateDraining {
		return
	}
	s.closeFrame = &connectionCloseFrame{
		application:  app,
		errorCode:    errCode,
		reasonPhrase: []byte(reason),
	}
	s.state = stateClosing
}

func (s *Conn) IsEstablished() bool { return s.state == stateActive }

func (s *Conn) IsClosed() bool { return s.state == stateClosed }

// Events drains and appends all queued events onto the caller-supplied
// slice, returning the extended slice.
func (s *Conn) Events(events []Event) []Event {
	events = append(events, s.events...)
	s.events = s.events[:0]
	return events
}

// Stream returns the stream with the given id, creating it locally if
// it does not already exist.
func (s *Conn) Stream(id uint64) (*Stream, error) {
	return s.getOrCreateStream(id, true)
}

// SendDatagram queues data for delivery as an unreliable DATAGRAM
// frame (RFC 9221); data is dropped, never retransmitted, if lost.
func (s *Conn) SendDatagram(data []byte) error {
	return s.datagrams.push(data)
}

// RequestKeyUpdate initiates a key-phase rotation for the Application
// epoch (RFC 9001 section 6). The actual phase bit flips on the next
// 1-RTT packet sent; the previous generation is retained until the
// peer acknowledges a packet sent under the new phase.
func (s *Conn) RequestKeyUpdate() error {
	space := &s.spaces[packetSpaceApplication]
	if !space.sealer.isSet() {
		return newError(KeyUpdateError, "1-rtt keys not yet installed")
	}
	nextSend, err := updateKey(space.sealer.current)
	if err != nil {
		return err
	}
	nextRecv, err := updateKey(space.opener.current)
	if err != nil {
		return err
	}
	prevSend := space.sealer.current
	prevRecv := space.opener.current
	space.sealer.previous = &prevSend
	space.opener.previous = &prevRecv
	space.sealer.current = nextSend
	space.opener.current = nextRecv
	space.sealer.keyPhase = !space.sealer.keyPhase
	space.opener.keyPhase = !space.opener.keyPhase
	return nil
}

func (s *Conn) getOrCreateStream(id uint64, local bool) (*Stream, error) {
	if st := s.streams.get(id); st != nil {
		return st, nil
	}
	if local != isStreamLocal(id, s.isClient) {
		return nil, newError(StreamStateError, "invalid stream id for direction")
	}
	bidi := isStreamBidi(id)
	var maxRecv, maxSend uint64
	if local {
		if bidi {
			maxRecv, maxSend = s.localParams.InitialMaxStreamDataBidiLocal, s.peerParams.InitialMaxStreamDataBidiRemote
		} else {
			maxRecv, maxSend = 0, s.peerParams.InitialMaxStreamDataUni
		}
	} else {
		if bidi {
			maxRecv, maxSend = s.localParams.InitialMaxStreamDataBidiRemote, s.peerParams.InitialMaxStreamDataBidiLocal
		} else {
			maxRecv, maxSend = s.localParams.InitialMaxStreamDataUni, 0
		}
	}
	st, err := s.streams.create(id, maxSend, maxRecv, &s.flow)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Conn) dropPacketSpace(space packetSpace) {
	s.recovery.dropUnackedData(&s.spaces[space])
	s.spaces[space].drop()
}

func (s *Conn) addEvent(e Event) {
	s.events = append(s.events, e)
}

func (s *Conn) setDraining(now time.Time, err *TransportError) {
	if s.drainingTimer.IsZero() {
		pto := s.recovery.probeTimeout(int(packetSpaceApplication))
		s.drainingTimer = now.Add(3 * pto)
	}
	s.state = stateDraining
	if err != nil {
		s.addEvent(newConnectionTerminatedEvent(err))
	}
}

func (s *Conn) rand(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}

func (s *Conn) time() time.Time {
	return time.Now()
}

// OnLogEvent installs a handler invoked for every packet/frame
// processing event, mirroring a qlog sink.
func (s *Conn) OnLogEvent(fn func(LogEvent)) {
	s.logEventFn = fn
}

func (s *Conn) logPacketDropped(p *packet, now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventPacket(now, logEventPacketDropped, p))
	}
}

func (s *Conn) logPacketReceived(p *packet, now time.Time) {
	if s.logEventFn != nil {
		s.logEventFn(newLogEventPacket(now, logEventPacketReceived, p))
	}
}

func (s *Conn) logPacketSent(bp builtPacket, now time.Time) {
	if s.logEventFn == nil {
		return
	}
	p := &packet{typ: bp.packetType, packetNumber: bp.packetNumber}
	s.logEventFn(newLogEventPacket(now, logEventPacketSent, p))
	for _, f := range bp.frames {
		s.logEventFn(newLogEventFrame(now, logEventFramesProcessed, f))
	}
}
