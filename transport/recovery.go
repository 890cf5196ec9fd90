package transport

import (
	"math"
	"sort"
	"time"
)

// rangeSet is an ascending, non-overlapping set of inclusive packet
// number (or stream-offset) ranges, used for the received-packet ledger
// that feeds ACK generation and for ACK-frame decoding.
type rangeSet struct {
	ranges [][2]uint64 // [start, end] inclusive, ascending, non-overlapping
}

func newRangeSet() *rangeSet { return &rangeSet{} }

// add inserts [start,end] (inclusive), merging with any overlapping or
// adjacent existing range.
func (rs *rangeSet) add(start, end uint64) {
	if start > end {
		start, end = end, start
	}
	merged := [2]uint64{start, end}
	out := rs.ranges[:0]
	inserted := false
	for _, r := range rs.ranges {
		if r[1]+1 < merged[0] {
			out = append(out, r)
			continue
		}
		if merged[1]+1 < r[0] {
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			out = append(out, r)
			continue
		}
		if r[0] < merged[0] {
			merged[0] = r[0]
		}
		if r[1] > merged[1] {
			merged[1] = r[1]
		}
	}
	if !inserted {
		out = append(out, merged)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	rs.ranges = out
}

func (rs *rangeSet) contains(n uint64) bool {
	for _, r := range rs.ranges {
		if n >= r[0] && n <= r[1] {
			return true
		}
	}
	return false
}

func (rs *rangeSet) largest() uint64 {
	if len(rs.ranges) == 0 {
		return 0
	}
	return rs.ranges[len(rs.ranges)-1][1]
}

func (rs *rangeSet) empty() bool { return len(rs.ranges) == 0 }

// removeBelow drops any part of any range below n, used once the peer
// acknowledges that it no longer needs those packet numbers reported.
func (rs *rangeSet) removeBelow(n uint64) {
	out := rs.ranges[:0]
	for _, r := range rs.ranges {
		if r[1] < n {
			continue
		}
		if r[0] < n {
			r[0] = n
		}
		out = append(out, r)
	}
	rs.ranges = out
}

// toAckFrame fills in f.largestAck/firstAckRange/ranges from the highest
// range down, in the gap/length encoding RFC 9000 section 19.3 uses.
func (rs *rangeSet) toAckFrame(f *ackFrame) {
	if rs.empty() {
		return
	}
	n := len(rs.ranges)
	top := rs.ranges[n-1]
	f.largestAck = top[1]
	f.firstAckRange = top[1] - top[0]
	prevLow := top[0]
	f.ranges = f.ranges[:0]
	for i := n - 2; i >= 0; i-- {
		r := rs.ranges[i]
		gap := prevLow - r[1] - 2
		length := r[1] - r[0]
		f.ranges = append(f.ranges, ackRange{gap: gap, length: length})
		prevLow = r[0]
	}
}

// sentPacket is the delivery-tracking record kept per packet number
// until it is acked, declared lost, or the space is dropped. frames
// holds value-typed descriptors replayed on ACK/LOSS, never closures.
type sentPacket struct {
	packetNumber uint64
	timeSent     time.Time
	size         int
	ackEliciting bool
	inFlight     bool
	frames       []frame
}

func newSentPacket(pn uint64) *sentPacket {
	return &sentPacket{packetNumber: pn}
}

func (p *sentPacket) addFrame(f frame) {
	p.frames = append(p.frames, f)
	if isFrameAckEliciting(frameTypeOf(f)) {
		p.ackEliciting = true
	}
	if isFrameInFlight(frameTypeOf(f)) {
		p.inFlight = true
	}
}

// frameTypeOf recovers the wire type of a frame for classification
// purposes without duplicating a type tag on every struct.
func frameTypeOf(f frame) uint64 {
	switch v := f.(type) {
	case *paddingFrame:
		return frameTypePadding
	case *pingFrame:
		return frameTypePing
	case *ackFrame:
		return frameTypeAck
	case *resetStreamFrame:
		return frameTypeResetStream
	case *stopSendingFrame:
		return frameTypeStopSending
	case *cryptoFrame:
		return frameTypeCrypto
	case *newTokenFrame:
		return frameTypeNewToken
	case *streamFrame:
		return v.frameType()
	case *maxDataFrame:
		return frameTypeMaxData
	case *maxStreamDataFrame:
		return frameTypeMaxStreamData
	case *maxStreamsFrame:
		return v.frameType()
	case *dataBlockedFrame:
		return frameTypeDataBlocked
	case *streamDataBlockedFrame:
		return frameTypeStreamDataBlocked
	case *streamsBlockedFrame:
		return v.frameType()
	case *newConnectionIDFrame:
		return frameTypeNewConnectionID
	case *retireConnectionIDFrame:
		return frameTypeRetireConnectionID
	case *pathChallengeFrame:
		return frameTypePathChallenge
	case *pathResponseFrame:
		return frameTypePathResponse
	case *connectionCloseFrame:
		return v.typeCode()
	case *handshakeDoneFrame:
		return frameTypeHanshakeDone
	case *datagramFrame:
		return frameTypeDatagram
	default:
		return frameTypePadding
	}
}

// packetNumberSpace tracks per-epoch send/recv state: the sent-packet
// ledger, the receive ledger feeding ACK generation, and the next
// packet number to issue. One instance exists per packetSpace.
type packetNumberSpace struct {
	opener cryptoPair
	sealer cryptoPair

	cryptoStream cryptoStreamState // offset-keyed crypto data reassembly/send buffer

	nextPacketNumber uint64
	sent             map[uint64]*sentPacket

	recvPacketNeedAck *rangeSet
	ackElicited       bool
	firstPacketAcked  bool
	largestRecvPacketNumber uint64
	largestRecvPacketTime  time.Time

	lossTime        time.Time
	lastAckEliciting time.Time
}

func (s *packetNumberSpace) init() {
	s.nextPacketNumber = 0
	s.sent = make(map[uint64]*sentPacket)
	s.recvPacketNeedAck = newRangeSet()
	s.cryptoStream.send.init(math.MaxUint64)
	s.cryptoStream.recv.init(math.MaxUint64)
}

func (s *packetNumberSpace) canDecrypt() bool { return s.opener.isSet() }
func (s *packetNumberSpace) canEncrypt() bool { return s.sealer.isSet() }

func (s *packetNumberSpace) isPacketReceived(pn uint64) bool {
	return s.recvPacketNeedAck.contains(pn) // still-unacked receipt implies seen
}

func (s *packetNumberSpace) onPacketReceived(pn uint64, t time.Time, ackEliciting bool) {
	s.recvPacketNeedAck.add(pn, pn)
	if ackEliciting {
		s.ackElicited = true
	}
	if pn >= s.largestRecvPacketNumber || s.largestRecvPacketTime.IsZero() {
		s.largestRecvPacketNumber = pn
		s.largestRecvPacketTime = t
	}
}

func (s *packetNumberSpace) ready() bool {
	return s.ackElicited || len(s.sent) > 0 || len(s.cryptoStream.send.chunks) > 0
}

// decryptPacket removes header protection and AEAD-decrypts a packet
// whose header has already been parsed into p (p.headerLen is the
// offset of the still-protected packet number field). Returns the
// plaintext frame payload and the total number of datagram bytes this
// packet occupied.
func (s *packetNumberSpace) decryptPacket(b []byte, p *packet) ([]byte, int, error) {
	total := len(b)
	if p.typ != packetTypeShort {
		total = p.headerLen + p.payloadLen
		if total > len(b) {
			return nil, 0, errBufferUnderrun
		}
	}
	largestAcked := int64(-1)
	if !s.largestRecvPacketTime.IsZero() {
		largestAcked = int64(s.largestRecvPacketNumber)
	}
	longHeader := p.typ != packetTypeShort
	plain, pn, hdrLen, err := s.opener.current.decryptPacket(b[:total], p.headerLen, PacketNumberSendSize, largestAcked, longHeader)
	if err != nil {
		return nil, 0, err
	}
	p.packetNumber = pn
	p.headerLen = hdrLen
	return plain, total, nil
}

// drop releases all per-epoch sent/recv state; called when a space is
// discarded (RFC 9001 section 4.9) after the handshake advances past it.
func (s *packetNumberSpace) drop() {
	s.sent = make(map[uint64]*sentPacket)
	s.recvPacketNeedAck = newRangeSet()
	s.ackElicited = false
	s.opener.reset()
	s.sealer.reset()
}

func (s *packetNumberSpace) reset() {
	*s = packetNumberSpace{}
	s.init()
}

// --- loss recovery (RFC 9002) ---

const (
	kPacketThreshold  = 3
	kTimeThresholdNum = 9
	kTimeThresholdDen = 8
	kGranularity      = 1 * time.Millisecond
	kInitialRTT       = 333 * time.Millisecond
	maxPTOProbes      = 2 // cap on consecutive probe count tracked for backoff clarity
)

// congestionController implements NewReno (RFC 9002 appendix B).
type congestionController struct {
	maxDatagramSize    int
	congestionWindow   uint64
	bytesInFlight      uint64
	ssthresh           uint64
	congestionRecoveryStart time.Time
	inPersistentCongestion  bool
}

func (c *congestionController) init(maxDatagramSize int) {
	c.maxDatagramSize = maxDatagramSize
	c.congestionWindow = uint64(10 * maxDatagramSize)
	c.ssthresh = math.MaxUint64
}

func (c *congestionController) inCongestionRecovery(sentTime time.Time) bool {
	return !c.congestionRecoveryStart.IsZero() && !sentTime.After(c.congestionRecoveryStart)
}

func (c *congestionController) onPacketSentCC(size int) {
	c.bytesInFlight += uint64(size)
}

func (c *congestionController) onPacketAcked(size int, sentTime, now time.Time) {
	if c.bytesInFlight >= uint64(size) {
		c.bytesInFlight -= uint64(size)
	} else {
		c.bytesInFlight = 0
	}
	if c.inCongestionRecovery(sentTime) {
		return
	}
	if c.congestionWindow < c.ssthresh {
		c.congestionWindow += uint64(size) // slow start
	} else {
		c.congestionWindow += uint64(c.maxDatagramSize) * uint64(size) / c.congestionWindow
	}
}

func (c *congestionController) onPacketLost(size int, sentTime, now time.Time) {
	if c.bytesInFlight >= uint64(size) {
		c.bytesInFlight -= uint64(size)
	} else {
		c.bytesInFlight = 0
	}
	if c.inCongestionRecovery(sentTime) {
		return
	}
	c.congestionRecoveryStart = now
	c.congestionWindow = c.congestionWindow / 2
	minWindow := uint64(2 * c.maxDatagramSize)
	if c.congestionWindow < minWindow {
		c.congestionWindow = minWindow
	}
	c.ssthresh = c.congestionWindow
}

func (c *congestionController) onPersistentCongestion() {
	c.congestionWindow = uint64(2 * c.maxDatagramSize)
	c.inPersistentCongestion = true
}

func (c *congestionController) canSend(size int) bool {
	return c.bytesInFlight+uint64(size) <= c.congestionWindow
}

// rttEstimator implements the RFC 9002 section 5 RTT sample filter.
type rttEstimator struct {
	latestRTT   time.Duration
	minRTT      time.Duration
	smoothedRTT time.Duration
	rttVar      time.Duration
	haveSample  bool
}

func (r *rttEstimator) init() {
	r.smoothedRTT = kInitialRTT
	r.rttVar = kInitialRTT / 2
}

func (r *rttEstimator) update(sample, ackDelay, maxAckDelay time.Duration) {
	r.latestRTT = sample
	if !r.haveSample {
		r.haveSample = true
		r.minRTT = sample
		r.smoothedRTT = sample
		r.rttVar = sample / 2
		return
	}
	if sample < r.minRTT {
		r.minRTT = sample
	}
	adjusted := sample
	if adjusted > r.minRTT+maxAckDelay {
		if ackDelay > maxAckDelay {
			ackDelay = maxAckDelay
		}
		if adjusted-ackDelay >= r.minRTT {
			adjusted -= ackDelay
		}
	}
	rttVarSample := absDuration(r.smoothedRTT - adjusted)
	r.rttVar = (r.rttVar*3 + rttVarSample) / 4
	r.smoothedRTT = (r.smoothedRTT*7 + adjusted) / 8
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (r *rttEstimator) pto(maxAckDelay time.Duration) time.Duration {
	base := r.smoothedRTT + maxUint64Duration(4*r.rttVar, kGranularity) + maxAckDelay
	return base
}

func maxUint64Duration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// lossRecovery runs one RTT estimator and congestion controller shared
// across all packet number spaces, per RFC 9002.
type lossRecovery struct {
	rtt   rttEstimator
	cc    congestionController
	probes int
	maxAckDelay time.Duration
	ptoCount    int
	lossDetectionTimer time.Time
	lost   [packetSpaceCount][]frame

	timeOfLastAckElicitingPacket [packetSpaceCount]time.Time
	largestAckedPacket           [packetSpaceCount]uint64
	haveLargestAcked             [packetSpaceCount]bool
}

func (l *lossRecovery) init(maxDatagramSize int, maxAckDelay time.Duration) {
	l.rtt.init()
	l.cc.init(maxDatagramSize)
	l.maxAckDelay = maxAckDelay
}

func (l *lossRecovery) onPacketSent(space int, p *sentPacket, now time.Time) {
	if p.ackEliciting {
		l.timeOfLastAckElicitingPacket[space] = now
		l.lossDetectionTimer = now.Add(l.probeTimeout(space))
	}
	if p.inFlight {
		l.cc.onPacketSentCC(p.size)
	}
}

// onAckReceived processes a decoded ACK frame: updates the RTT sample
// from the largest newly-acked packet, runs NewReno accounting for
// every acked packet, and detects+records losses. Returns the
// sent-packet records newly acknowledged (for the caller's delivery
// replay); frames of packets declared lost are collected for drainLost.
func (l *lossRecovery) onAckReceived(space int, pns *packetNumberSpace, f *ackFrame, now time.Time) []*sentPacket {
	rs := f.toRangeSet()
	if rs == nil {
		return nil
	}
	var newlyAcked []*sentPacket
	largestNewlyAcked := uint64(0)
	haveLargest := false
	for pn, sp := range pns.sent {
		if rs.contains(pn) {
			newlyAcked = append(newlyAcked, sp)
			delete(pns.sent, pn)
			l.cc.onPacketAcked(sp.size, sp.timeSent, now)
			if pn > largestNewlyAcked || !haveLargest {
				largestNewlyAcked = pn
				haveLargest = true
			}
		}
	}
	if haveLargest && largestNewlyAcked == f.largestAck {
		if sp := findSent(newlyAcked, largestNewlyAcked); sp != nil {
			sample := now.Sub(sp.timeSent)
			ackDelay := time.Duration(f.ackDelay) * time.Microsecond
			l.rtt.update(sample, ackDelay, l.maxAckDelay)
		}
	}
	if haveLargest {
		l.largestAckedPacket[space] = maxUint64(l.largestAckedPacket[space], largestNewlyAcked)
		l.haveLargestAcked[space] = true
	}
	l.detectLostPackets(space, pns, now)
	if len(newlyAcked) > 0 {
		l.ptoCount = 0
		l.cc.inPersistentCongestion = false
		if len(pns.sent) > 0 {
			l.lossDetectionTimer = now.Add(l.probeTimeout(space))
		} else {
			l.lossDetectionTimer = time.Time{}
		}
	}
	return newlyAcked
}

func findSent(sps []*sentPacket, pn uint64) *sentPacket {
	for _, sp := range sps {
		if sp.packetNumber == pn {
			return sp
		}
	}
	return nil
}

// detectLostPackets implements RFC 9002 section 6.1: a packet is lost
// if a later packet (by number or by send time) has been acked.
func (l *lossRecovery) detectLostPackets(space int, pns *packetNumberSpace, now time.Time) {
	if !l.haveLargestAcked[space] {
		return
	}
	largest := l.largestAckedPacket[space]
	lossDelay := time.Duration(kTimeThresholdNum) * maxDuration(l.rtt.latestRTT, l.rtt.smoothedRTT) / kTimeThresholdDen
	if lossDelay < kGranularity {
		lossDelay = kGranularity
	}
	lostSendTime := now.Add(-lossDelay)
	pns.lossTime = time.Time{}
	for pn, sp := range pns.sent {
		if pn > largest {
			continue
		}
		if largest-pn >= kPacketThreshold || !sp.timeSent.After(lostSendTime) {
			l.lost[space] = append(l.lost[space], sp.frames...)
			if sp.inFlight {
				l.cc.onPacketLost(sp.size, sp.timeSent, now)
			}
			delete(pns.sent, pn)
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// drainLost returns and clears the frames declared lost in space since
// the last call, for replay by the connection's processLostPackets.
func (l *lossRecovery) drainLost(space int) []frame {
	out := l.lost[space]
	l.lost[space] = nil
	return out
}

// probeTimeout returns the duration until the PTO should fire for the
// given space, per RFC 9002 section 6.2.1.
func (l *lossRecovery) probeTimeout(space int) time.Duration {
	pto := l.rtt.pto(l.maxAckDelay)
	backoff := time.Duration(1) << uint(minInt(l.ptoCount, 16))
	return pto * backoff
}

// onLossDetectionTimeout is invoked by the connection when its PTO
// timer fires; it increments ptoCount so the caller can send a probe
// and the next PTO backs off exponentially. Per spec section 4.5, two
// consecutive PTOs spanning an in-flight ack-eliciting packet with no
// intervening ACK declare persistent congestion.
func (l *lossRecovery) onLossDetectionTimeout() {
	l.ptoCount++
	l.probes++
	if l.ptoCount >= 2 && l.cc.bytesInFlight > 0 {
		l.cc.onPersistentCongestion()
	}
}

// dropUnackedData discards all sent-packet tracking for a space, used
// when that epoch's keys are discarded (RFC 9001 section 4.9).
func (l *lossRecovery) dropUnackedData(pns *packetNumberSpace) {
	for _, sp := range pns.sent {
		if sp.inFlight {
			if l.cc.bytesInFlight >= uint64(sp.size) {
				l.cc.bytesInFlight -= uint64(sp.size)
			}
		}
	}
	pns.sent = make(map[uint64]*sentPacket)
}
