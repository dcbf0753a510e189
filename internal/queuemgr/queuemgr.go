// Package queuemgr implements the Forest router's per-link output
// scheduler: weighted deficit round robin realized as a two-heap
// Self-Clocked Fair Queueing variant. Every link carries a small
// min-heap of its own non-empty queues keyed by virtual finish time;
// a pair of global min-heaps (active, vactive) track, across all
// links, when each link next becomes eligible to send.
package queuemgr

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/your-org/forest-router/internal/pktstore"
	"github.com/your-org/forest-router/internal/wire"
)

// baseQuantum is the reference quantum against which a queue's
// configured quantum is weighed: a queue with quantum == baseQuantum
// gets the link's nsPerByte rate unscaled, a larger quantum gets a
// proportionally larger share.
const baseQuantum = 1500

// Clock returns the current time in nanoseconds. Tests supply a
// deterministic clock; production wires time.Now().UnixNano().
type Clock func() int64

func systemClock() int64 { return time.Now().UnixNano() }

type queueState struct {
	link         int
	qid          int
	quantum      int
	vft          int64
	packets      list.List
	npkts        int
	nbytes       int
	pktLim       int
	byteLim      int
	deferredFree bool
}

type linkState struct {
	id         int
	nsPerByte  float64
	minDelta   int64
	avgPktTime int64
	vt         int64
	maxPPL     int
	totalPkts  int
	queues     *queueHeap
	states     map[int]*queueState
}

// Manager is the per-router queue scheduler. It owns no network I/O;
// RouterCore hands it packets to enqueue and drains it via
// Deq to decide what to transmit next (spec.md §4.3).
type Manager struct {
	mu      sync.Mutex
	store   *pktstore.Store
	clock   Clock
	links   map[int]*linkState
	active  *linkHeap
	vactive *linkHeap
}

// New returns an empty Manager backed by store. A nil clock defaults
// to the system clock.
func New(store *pktstore.Store, clock Clock) *Manager {
	if clock == nil {
		clock = systemClock
	}
	return &Manager{
		store:   store,
		clock:   clock,
		links:   make(map[int]*linkState),
		active:  newLinkHeap(),
		vactive: newLinkHeap(),
	}
}

// AddLink registers scheduling state for lnk at the given committed
// rates. maxPPL bounds the link's total queued packet count across
// all its queues; 0 means unbounded.
func (m *Manager) AddLink(lnk int, bitRate, pktRate uint64, maxPPL int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[lnk]; ok {
		return fmt.Errorf("queuemgr: link %d already scheduled", lnk)
	}
	if bitRate == 0 || pktRate == 0 {
		return fmt.Errorf("queuemgr: link %d needs nonzero bit and packet rates", lnk)
	}
	minDelta := int64(1e9 / float64(pktRate))
	m.links[lnk] = &linkState{
		id:         lnk,
		nsPerByte:  8e9 / float64(bitRate),
		minDelta:   minDelta,
		avgPktTime: minDelta,
		maxPPL:     maxPPL,
		queues:     newQueueHeap(),
		states:     make(map[int]*queueState),
	}
	return nil
}

// RemoveLink drops all scheduling state for lnk, including any queued
// but undelivered packets, which are freed back to the packet store.
func (m *Manager) RemoveLink(lnk int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.links[lnk]
	if !ok {
		return
	}
	for _, qs := range ls.states {
		m.drainQueue(qs)
	}
	m.active.Remove(lnk)
	m.vactive.Remove(lnk)
	delete(m.links, lnk)
}

// AddQueue allocates queue qid on link lnk with the given quantum
// (weight relative to baseQuantum) and optional packet/byte limits
// (0 means unbounded).
func (m *Manager) AddQueue(lnk, qid, quantum, pktLim, byteLim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.links[lnk]
	if !ok {
		return fmt.Errorf("queuemgr: no such link %d", lnk)
	}
	if _, exists := ls.states[qid]; exists {
		return fmt.Errorf("queuemgr: queue %d already exists on link %d", qid, lnk)
	}
	if quantum <= 0 {
		quantum = baseQuantum
	}
	ls.states[qid] = &queueState{link: lnk, qid: qid, quantum: quantum, pktLim: pktLim, byteLim: byteLim}
	return nil
}

// FreeQueue releases queue qid on link lnk. A queue still holding
// packets is marked for deferred free: it keeps draining through Deq
// as normal but rejects further Enq calls, and its state is reclaimed
// the moment it empties out (spec.md §4.3 invariants).
func (m *Manager) FreeQueue(lnk, qid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.links[lnk]
	if !ok {
		return fmt.Errorf("queuemgr: no such link %d", lnk)
	}
	qs, ok := ls.states[qid]
	if !ok {
		return fmt.Errorf("queuemgr: no such queue %d on link %d", qid, lnk)
	}
	if qs.npkts == 0 {
		delete(ls.states, qid)
		return nil
	}
	qs.deferredFree = true
	return nil
}

func (m *Manager) drainQueue(qs *queueState) {
	for e := qs.packets.Front(); e != nil; e = qs.packets.Front() {
		px := qs.packets.Remove(e).(pktstore.Px)
		m.store.Free(px)
	}
}

// Enq admits px onto queue qid of link lnk. It returns false (and
// does not enqueue) if the link or queue is unknown, the queue is
// pending deferred free, or the link's total packet count or the
// queue's own packet/byte limit would be exceeded by this packet —
// enqueueing at exactly the limit is allowed, the NEXT one is not.
func (m *Manager) Enq(px pktstore.Px, lnk, qid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.links[lnk]
	if !ok {
		return false
	}
	qs, ok := ls.states[qid]
	if !ok || qs.deferredFree {
		return false
	}

	trueLen := wire.TruPktLeng(m.store.Header(px).Length)
	if ls.maxPPL > 0 && ls.totalPkts >= ls.maxPPL {
		return false
	}
	if qs.pktLim > 0 && qs.npkts >= qs.pktLim {
		return false
	}
	if qs.byteLim > 0 && qs.nbytes+trueLen > qs.byteLim {
		return false
	}

	wasEmpty := qs.npkts == 0
	qs.packets.PushBack(px)
	qs.npkts++
	qs.nbytes += trueLen
	ls.totalPkts++

	if wasEmpty {
		now := m.clock()
		if ls.queues.Len() == 0 {
			var d int64
			if key, ok := m.vactive.Remove(lnk); ok {
				d = key
				if now > d {
					d = now
				}
			} else {
				d = now
				ls.avgPktTime = ls.minDelta
			}
			m.active.Insert(lnk, d)
		}
		base := qs.vft
		if ls.vt > base {
			base = ls.vt
		}
		qs.vft = base + serviceTime(ls, qs, trueLen)
		ls.queues.Insert(qid, qs.vft)
	}
	return true
}

// Deq removes and returns the next packet due for transmission, the
// link it belongs to, and true. It returns ok=false if no link is
// currently eligible (either every link is empty or every non-empty
// link's vactive cooldown has not yet elapsed).
func (m *Manager) Deq() (px pktstore.Px, lnk int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.vactive.PopBelow(now)

	lnk, d, ok := m.active.Min()
	if !ok || now < d {
		return 0, 0, false
	}
	ls := m.links[lnk]
	qid, ok := ls.queues.Min()
	if !ok {
		m.active.Remove(lnk)
		return 0, 0, false
	}
	qs := ls.states[qid]

	front := qs.packets.Front()
	px = front.Value.(pktstore.Px)
	qs.packets.Remove(front)

	pleng := wire.TruPktLeng(m.store.Header(px).Length)
	qs.npkts--
	qs.nbytes -= pleng
	ls.totalPkts--
	ls.vt = qs.vft

	if qs.npkts == 0 {
		ls.queues.Remove(qid)
		if qs.deferredFree {
			delete(ls.states, qid)
		}
	} else {
		nextPx := qs.packets.Front().Value.(pktstore.Px)
		nextLen := wire.TruPktLeng(m.store.Header(nextPx).Length)
		qs.vft += serviceTime(ls, qs, nextLen)
		ls.queues.ChangeKey(qid, qs.vft)
	}

	t := int64(float64(pleng) * ls.nsPerByte)
	ls.avgPktTime = ls.avgPktTime - ls.avgPktTime/16 + t/16
	effT := t
	if ls.avgPktTime < ls.minDelta && t < ls.minDelta {
		effT = ls.minDelta
	}
	nextTime := d + effT

	if ls.queues.Len() == 0 {
		m.active.Remove(lnk)
		m.vactive.Insert(lnk, nextTime)
	} else {
		m.active.ChangeKey(lnk, nextTime)
	}
	return px, lnk, true
}

// serviceTime is the virtual-finish-time increment a packet of
// trueLen bytes contributes on qs, weighted by qs's quantum relative
// to baseQuantum and floored at the link's minDelta.
func serviceTime(ls *linkState, qs *queueState, trueLen int) int64 {
	weight := float64(qs.quantum) / baseQuantum
	inc := int64(float64(trueLen) * ls.nsPerByte / weight)
	if inc < ls.minDelta {
		inc = ls.minDelta
	}
	return inc
}

// QueueDepth reports a queue's current packet and byte occupancy, for
// diagnostics and stats reporting.
func (m *Manager) QueueDepth(lnk, qid int) (npkts, nbytes int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.links[lnk]
	if !ok {
		return 0, 0, false
	}
	qs, ok := ls.states[qid]
	if !ok {
		return 0, 0, false
	}
	return qs.npkts, qs.nbytes, true
}
