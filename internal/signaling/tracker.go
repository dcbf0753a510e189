package signaling

import (
	"sync"
	"time"

	"github.com/your-org/forest-router/internal/pktstore"
)

// RetryInterval is how long routercore waits before resending an
// unacknowledged control request.
const RetryInterval = time.Second

// MaxAttempts bounds how many times a request is sent in all, the
// first send included, before it is given up on (spec.md §4.5's
// resendControl).
const MaxAttempts = 3

// Pending is the bookkeeping kept for one outstanding control
// request awaiting a reply.
type Pending struct {
	SeqNum   uint64
	Px       pktstore.Px
	Link     int
	NumSent  int
	LastSent time.Time
}

// Tracker matches outgoing control requests to their replies by
// sequence number and drives the fixed-interval, bounded-attempt
// retransmit policy.
type Tracker struct {
	mu      sync.Mutex
	nextSeq uint64
	pending map[uint64]*Pending
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[uint64]*Pending)}
}

// NextSeqNum returns a fresh, monotonically increasing sequence
// number for a new outgoing request.
func (tr *Tracker) NextSeqNum() uint64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.nextSeq++
	return tr.nextSeq
}

// Track registers a request's packet as pending reply on seqNum.
func (tr *Tracker) Track(seqNum uint64, px pktstore.Px, lnk int, now time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.pending[seqNum] = &Pending{SeqNum: seqNum, Px: px, Link: lnk, NumSent: 1, LastSent: now}
}

// Ack removes and returns the pending request matching seqNum, if
// any — called when a POS_REPLY or NEG_REPLY arrives.
func (tr *Tracker) Ack(seqNum uint64) (*Pending, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	p, ok := tr.pending[seqNum]
	if ok {
		delete(tr.pending, seqNum)
	}
	return p, ok
}

// Due returns every pending request whose RetryInterval has elapsed,
// bumping its NumSent/LastSent for those still under MaxAttempts and
// dropping (removing from tracking) the rest. The two returned slices
// partition the expired set: toResend should be retransmitted as-is,
// dropped should be reported to the caller as request failures.
func (tr *Tracker) Due(now time.Time) (toResend, dropped []*Pending) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for seq, p := range tr.pending {
		if now.Sub(p.LastSent) < RetryInterval {
			continue
		}
		if p.NumSent >= MaxAttempts {
			delete(tr.pending, seq)
			dropped = append(dropped, p)
			continue
		}
		p.NumSent++
		p.LastSent = now
		toResend = append(toResend, p)
	}
	return toResend, dropped
}

// Len reports how many requests are currently awaiting reply.
func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.pending)
}
