package transport

import (
	"testing"
	"time"
)

func TestCongestionControllerSlowStartAndLoss(t *testing.T) {
	var cc congestionController
	cc.init(1200)

	initial := cc.congestionWindow
	if initial != 12000 {
		t.Fatalf("initial cwnd = %d, want 12000", initial)
	}

	now := time.Unix(0, 0)
	cc.onPacketSentCC(1200)
	if cc.bytesInFlight != 1200 {
		t.Fatalf("bytesInFlight = %d, want 1200", cc.bytesInFlight)
	}

	cc.onPacketAcked(1200, now, now.Add(10*time.Millisecond))
	if cc.congestionWindow <= initial {
		t.Fatalf("cwnd should grow in slow start: got %d, was %d", cc.congestionWindow, initial)
	}
	if cc.bytesInFlight != 0 {
		t.Fatalf("bytesInFlight after ack = %d, want 0", cc.bytesInFlight)
	}

	grown := cc.congestionWindow
	cc.onPacketSentCC(1200)
	cc.onPacketLost(1200, now, now.Add(20*time.Millisecond))
	if cc.congestionWindow >= grown {
		t.Fatalf("cwnd should shrink on loss: got %d, was %d", cc.congestionWindow, grown)
	}
	if cc.congestionWindow < uint64(2*cc.maxDatagramSize) {
		t.Fatalf("cwnd fell below the 2*maxDatagramSize floor: %d", cc.congestionWindow)
	}
}

func TestCongestionControllerIgnoresLossDuringRecovery(t *testing.T) {
	var cc congestionController
	cc.init(1200)
	now := time.Unix(0, 0)

	cc.onPacketSentCC(1200)
	cc.onPacketLost(1200, now, now.Add(time.Millisecond))
	afterFirstLoss := cc.congestionWindow

	// A second loss for a packet sent before the recovery episode began
	// must not shrink the window again (RFC 9002 section 7.3.2).
	cc.onPacketSentCC(1200)
	cc.onPacketLost(1200, now, now.Add(2*time.Millisecond))
	if cc.congestionWindow != afterFirstLoss {
		t.Fatalf("cwnd changed during congestion recovery: %d -> %d", afterFirstLoss, cc.congestionWindow)
	}
}

func TestRTTEstimatorFirstSampleAndEWMA(t *testing.T) {
	var r rttEstimator
	r.init()

	r.update(100*time.Millisecond, 0, 25*time.Millisecond)
	if r.smoothedRTT != 100*time.Millisecond {
		t.Fatalf("first sample should set smoothedRTT directly: got %v", r.smoothedRTT)
	}
	if r.minRTT != 100*time.Millisecond {
		t.Fatalf("minRTT = %v, want 100ms", r.minRTT)
	}

	r.update(150*time.Millisecond, 0, 25*time.Millisecond)
	if r.smoothedRTT <= 100*time.Millisecond || r.smoothedRTT >= 150*time.Millisecond {
		t.Fatalf("smoothedRTT after second sample out of expected range: %v", r.smoothedRTT)
	}
	if r.minRTT != 100*time.Millisecond {
		t.Fatalf("minRTT should not rise: %v", r.minRTT)
	}
}

func TestLossRecoveryDetectsPacketThresholdLoss(t *testing.T) {
	var l lossRecovery
	l.init(1200, 25*time.Millisecond)

	var pns packetNumberSpace
	pns.init()

	base := time.Unix(0, 0)
	for pn := uint64(0); pn <= 3; pn++ {
		sp := newSentPacket(pn)
		sp.timeSent = base
		sp.size = 1200
		sp.ackEliciting = true
		sp.inFlight = true
		sp.addFrame(&pingFrame{})
		pns.sent[pn] = sp
		l.onPacketSent(int(packetSpaceApplication), sp, base)
	}

	// Ack only packet 3 (kPacketThreshold=3 behind 0), which should
	// declare packet 0 lost by packet-number threshold.
	recv := newRangeSet()
	recv.add(3, 3)
	ack := newAckFrame(0, recv)

	l.onAckReceived(int(packetSpaceApplication), &pns, ack, base.Add(5*time.Millisecond))

	lost := l.drainLost(int(packetSpaceApplication))
	if len(lost) == 0 {
		t.Fatal("expected packet 0 to be declared lost")
	}
	if _, stillTracked := pns.sent[0]; stillTracked {
		t.Fatal("lost packet should be removed from the sent ledger")
	}
	if _, acked := pns.sent[3]; acked {
		t.Fatal("acked packet should be removed from the sent ledger")
	}
}
