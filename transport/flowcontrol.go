package transport

// flowControl tracks one direction's credit against a MAX_DATA-style
// limit, shared by the connection-level and per-stream flow
// controllers (RFC 9000 section 4).
type flowControl struct {
	sent   uint64 // or received, depending on direction
	maxSend uint64

	recvOffset uint64 // highest offset received so far
	maxRecv    uint64 // current advertised limit
	maxRecvNext uint64 // next limit to advertise once the update is sent

	// windowSize auto-scales: every time received data comes within
	// half a window of the advertised limit, it doubles, bounded by
	// flowControlWindowMax.
	windowSize uint64
}

const (
	flowControlWindowMin = 1 << 15
	flowControlWindowMax = 1 << 24
)

func (f *flowControl) init(initialMaxSend, initialMaxRecv uint64) {
	f.maxSend = initialMaxSend
	f.maxRecv = initialMaxRecv
	f.maxRecvNext = initialMaxRecv
	f.windowSize = flowControlWindowMin
	if f.windowSize > initialMaxRecv {
		f.windowSize = initialMaxRecv
	}
}

// canSend reports whether n additional bytes fit under the send limit.
func (f *flowControl) canSend(n uint64) bool {
	return f.sent+n <= f.maxSend
}

func (f *flowControl) addSend(n uint64) {
	f.sent += n
}

func (f *flowControl) setMaxSend(max uint64) {
	if max > f.maxSend {
		f.maxSend = max
	}
}

// canRecv reports whether accepting data up to offset+n violates the
// advertised receive limit.
func (f *flowControl) canRecv(offset, n uint64) bool {
	return offset+n <= f.maxRecv
}

func (f *flowControl) addRecv(offset, n uint64) {
	if offset+n > f.recvOffset {
		f.recvOffset = offset + n
	}
}

// shouldUpdateMaxRecv reports whether the consumed fraction of the
// current window warrants sending a new MAX_DATA/MAX_STREAM_DATA,
// auto-scaling the window if it is being exhausted quickly.
func (f *flowControl) shouldUpdateMaxRecv() bool {
	threshold := f.maxRecv - f.windowSize/2
	if f.recvOffset < threshold {
		return false
	}
	if f.windowSize < flowControlWindowMax {
		f.windowSize *= 2
	}
	f.maxRecvNext = f.recvOffset + f.windowSize
	return f.maxRecvNext > f.maxRecv
}

// commitMaxRecv advances maxRecv to maxRecvNext once the update frame
// carrying it has actually been queued for send.
func (f *flowControl) commitMaxRecv() {
	f.maxRecv = f.maxRecvNext
}
