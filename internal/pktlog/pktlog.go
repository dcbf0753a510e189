// Package pktlog implements a bounded, filterable capture ring for
// diagnosing live traffic: ENABLE_PACKET_LOG arms it with a filter,
// GET_LOGGED_PACKETS drains what it caught (spec.md §4.7, expanding
// the PacketLog component original_source/PacketLog.h describes).
package pktlog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/forest-router/internal/wire"
)

// Filter selects which packets a capture session records. A zero
// value in any field means "don't filter on this".
type Filter struct {
	Link    int
	Comtree uint32
	Type    wire.PacketType
}

func (f Filter) matches(lnk int, hdr wire.Header) bool {
	if f.Link != 0 && f.Link != lnk {
		return false
	}
	if f.Comtree != 0 && f.Comtree != hdr.Comtree {
		return false
	}
	if f.Type != 0 && f.Type != hdr.Type {
		return false
	}
	return true
}

// Entry is one captured packet's header and arrival metadata.
type Entry struct {
	SessionID uuid.UUID
	Captured  time.Time
	Link      int
	Header    wire.Header
	Payload   []byte
}

// Log is a single bounded capture ring. Enabling a new session
// replaces any previous filter and clears prior captures, matching
// the one-capture-at-a-time model of ENABLE_PACKET_LOG.
type Log struct {
	mu        sync.Mutex
	enabled   bool
	sessionID uuid.UUID
	filter    Filter
	capacity  int
	entries   []Entry
}

// New returns a disabled Log with the given ring capacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 256
	}
	return &Log{capacity: capacity}
}

// Enable arms the log with a fresh session id and filter, discarding
// any prior captures.
func (l *Log) Enable(f Filter) uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = true
	l.sessionID = uuid.New()
	l.filter = f
	l.entries = l.entries[:0]
	return l.sessionID
}

// Disable stops capturing without clearing what was already caught.
func (l *Log) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
}

// Capture records px's header and payload if the log is enabled and
// the filter matches. Oldest entries are evicted once at capacity.
func (l *Log) Capture(lnk int, hdr wire.Header, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || !l.filter.matches(lnk, hdr) {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	entry := Entry{SessionID: l.sessionID, Captured: time.Now(), Link: lnk, Header: hdr, Payload: cp}
	if len(l.entries) >= l.capacity {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)
}

// Drain returns every captured entry for the current session and
// clears the ring, leaving the enabled/filter state untouched.
func (l *Log) Drain() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

// SessionID reports the current capture session id and whether
// logging is currently enabled.
func (l *Log) SessionID() (uuid.UUID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID, l.enabled
}
