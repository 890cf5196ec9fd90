package transport

import (
	"crypto/rand"
	"time"
)

// pathValidator tracks one outstanding PATH_CHALLENGE. The connection
// only matches received PATH_RESPONSE frames against it (onResponse);
// it never calls start, so no PATH_CHALLENGE is sent, and it never
// calls expired, so no challenge is abandoned on a timer.
type pathValidator struct {
	pending   bool
	data      [8]byte
	sentTime  time.Time
	validated bool
}

func (v *pathValidator) start(now time.Time) ([8]byte, error) {
	var data [8]byte
	if _, err := rand.Read(data[:]); err != nil {
		return data, err
	}
	v.pending = true
	v.data = data
	v.sentTime = now
	v.validated = false
	return data, nil
}

// onResponse reports whether resp matches the outstanding challenge;
// if so the path is validated and the challenge is cleared.
func (v *pathValidator) onResponse(resp [8]byte) bool {
	if !v.pending || resp != v.data {
		return false
	}
	v.pending = false
	v.validated = true
	return true
}

// expired reports whether the challenge has gone unanswered for longer
// than 3*pto, at which point the path is considered unreachable (RFC
// 9000 section 8.2.4).
func (v *pathValidator) expired(now time.Time, pto time.Duration) bool {
	return v.pending && now.Sub(v.sentTime) > 3*pto
}
