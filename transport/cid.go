package transport

import "crypto/rand"

const maxActiveConnectionIDs = 8

// connectionID is one entry in a connectionIDPool: the wire bytes plus
// the sequence number and (for pool entries we issued) the stateless
// reset token the peer should use once it retires this one.
type connectionID struct {
	seq        uint64
	id         []byte
	resetToken [16]byte
	retired    bool
}

// connectionIDPool tracks connection IDs for one direction: the set we
// issued to the peer via NEW_CONNECTION_ID (so we know which sequence
// numbers are still live), or the set the peer issued to us (so we can
// rotate our destination CID on demand, e.g. after a path change).
type connectionIDPool struct {
	items       []connectionID
	nextSeq     uint64
	retirePriorTo uint64
	limit       uint64
}

func (p *connectionIDPool) init(limit uint64, first []byte) {
	p.limit = limit
	p.items = append(p.items, connectionID{seq: 0, id: first})
	p.nextSeq = 1
}

// issue generates and appends a new locally-issued connection ID if
// fewer than limit are outstanding, returning it for the caller to
// frame as NEW_CONNECTION_ID, or ok=false if the pool is already full.
func (p *connectionIDPool) issue() (connectionID, bool) {
	if uint64(len(p.items)) >= p.limit {
		return connectionID{}, false
	}
	// New ids take the length of the pool's existing ones.
	n := DefaultConnectionIDLength
	if len(p.items) > 0 && len(p.items[0].id) > 0 {
		n = len(p.items[0].id)
	}
	cid := make([]byte, n)
	if _, err := rand.Read(cid); err != nil {
		return connectionID{}, false
	}
	var token [16]byte
	if _, err := rand.Read(token[:]); err != nil {
		return connectionID{}, false
	}
	entry := connectionID{seq: p.nextSeq, id: cid, resetToken: token}
	p.items = append(p.items, entry)
	p.nextSeq++
	return entry, true
}

// receive records a connection ID the peer issued to us via
// NEW_CONNECTION_ID, retiring any with a lower sequence number than
// retirePriorTo as RFC 9000 section 5.1.2 requires.
func (p *connectionIDPool) receive(seq, retirePriorTo uint64, id []byte, token [16]byte) []uint64 {
	p.items = append(p.items, connectionID{seq: seq, id: id, resetToken: token})
	var retiredSeqs []uint64
	if retirePriorTo > p.retirePriorTo {
		p.retirePriorTo = retirePriorTo
	}
	kept := p.items[:0]
	for _, c := range p.items {
		if c.seq < p.retirePriorTo && !c.retired {
			retiredSeqs = append(retiredSeqs, c.seq)
			continue
		}
		kept = append(kept, c)
	}
	p.items = kept
	return retiredSeqs
}

// retire removes the entry with the given sequence number (RFC 9000
// section 19.16), used both when we choose to retire a peer-issued CID
// ourselves and when processing a peer's RETIRE_CONNECTION_ID.
func (p *connectionIDPool) retire(seq uint64) (connectionID, bool) {
	for i, c := range p.items {
		if c.seq == seq {
			p.items = append(p.items[:i], p.items[i+1:]...)
			return c, true
		}
	}
	return connectionID{}, false
}

func (p *connectionIDPool) active() []connectionID {
	return p.items
}

func (p *connectionIDPool) current() connectionID {
	if len(p.items) == 0 {
		return connectionID{}
	}
	return p.items[0]
}
