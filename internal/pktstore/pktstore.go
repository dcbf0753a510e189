// Package pktstore implements the Forest packet store: fixed pools of
// packet descriptors and buffers, with reference-counted buffer
// sharing so multicast fan-out can clone a packet without copying its
// payload (spec.md §4.1).
package pktstore

import (
	"sync"
	"sync/atomic"

	"github.com/your-org/forest-router/internal/wire"
)

// Px is a packet descriptor index. 0 means "no packet" throughout the
// API, matching the C++ reference's use of packet index 0 as null.
type Px uint32

// descriptor holds the ephemeral per-descriptor state; the buffer
// itself is shared across clones via refcounting.
type descriptor struct {
	hdr   wire.Header
	buf   uint32 // index into buffers, 0 if free
	inUse bool
}

// Store is the fixed-size descriptor+buffer arena. The zero value is
// not usable; construct with New.
type Store struct {
	descs []descriptor // 1-indexed; descs[0] unused
	bufs  [][]byte     // 1-indexed; bufs[0] unused
	refs  []int32      // refs[b] = live descriptor count for buffer b

	lockFree bool

	// ST free lists: plain slices used as stacks, valid only when
	// lockFree is false and the caller guarantees single-threaded use
	// (spec.md §5).
	mu        sync.Mutex
	freeDescs []uint32
	freeBufs  []uint32

	// lock-free MPMC free lists: intrusive singly linked lists over
	// nextFreeDesc/nextFreeBuf, addressed through a tagged
	// (generation<<32 | index) head to sidestep the ABA problem on a
	// plain CAS stack (spec.md §4.1/§5).
	nextFreeDesc []uint32
	nextFreeBuf  []uint32
	freeDescHead atomic.Uint64
	freeBufHead  atomic.Uint64
}

const nilIdx = ^uint32(0)

// New creates a Store with room for n packet descriptors and m
// buffers (n should be >= m per spec.md §4.1). lockFree selects the
// atomic MPMC free-list variant used by the multi-threaded router
// (spec.md §5); false selects the single-threaded variant with no
// locking overhead beyond a single mutex guarding the free-list
// slices.
func New(n, m int, lockFree bool) *Store {
	s := &Store{
		descs:    make([]descriptor, n+1),
		bufs:     make([][]byte, m+1),
		refs:     make([]int32, m+1),
		lockFree: lockFree,
	}
	for i := 1; i <= m; i++ {
		s.bufs[i] = make([]byte, wire.MaxPktLeng)
	}

	if lockFree {
		s.nextFreeDesc = make([]uint32, n+1)
		s.nextFreeBuf = make([]uint32, m+1)
		for i := 1; i < n; i++ {
			s.nextFreeDesc[i] = uint32(i + 1)
		}
		s.nextFreeDesc[n] = nilIdx
		s.freeDescHead.Store(uint64(1))
		for i := 1; i < m; i++ {
			s.nextFreeBuf[i] = uint32(i + 1)
		}
		s.nextFreeBuf[m] = nilIdx
		s.freeBufHead.Store(uint64(1))
	} else {
		s.freeDescs = make([]uint32, n)
		for i := range s.freeDescs {
			s.freeDescs[i] = uint32(n - i)
		}
		s.freeBufs = make([]uint32, m)
		for i := range s.freeBufs {
			s.freeBufs[i] = uint32(m - i)
		}
	}
	return s
}

func (s *Store) popFreeDesc() (uint32, bool) {
	if !s.lockFree {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.freeDescs) == 0 {
			return 0, false
		}
		last := len(s.freeDescs) - 1
		p := s.freeDescs[last]
		s.freeDescs = s.freeDescs[:last]
		return p, true
	}
	for {
		head := s.freeDescHead.Load()
		idx := uint32(head)
		gen := head >> 32
		if idx == nilIdx || idx == 0 {
			return 0, false
		}
		next := s.nextFreeDesc[idx]
		newHead := (gen+1)<<32 | uint64(next)
		if s.freeDescHead.CompareAndSwap(head, newHead) {
			return idx, true
		}
	}
}

func (s *Store) pushFreeDesc(p uint32) {
	if !s.lockFree {
		s.mu.Lock()
		s.freeDescs = append(s.freeDescs, p)
		s.mu.Unlock()
		return
	}
	for {
		head := s.freeDescHead.Load()
		idx := uint32(head)
		gen := head >> 32
		s.nextFreeDesc[p] = idx
		newHead := (gen+1)<<32 | uint64(p)
		if s.freeDescHead.CompareAndSwap(head, newHead) {
			return
		}
	}
}

func (s *Store) popFreeBuf() (uint32, bool) {
	if !s.lockFree {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.freeBufs) == 0 {
			return 0, false
		}
		last := len(s.freeBufs) - 1
		b := s.freeBufs[last]
		s.freeBufs = s.freeBufs[:last]
		return b, true
	}
	for {
		head := s.freeBufHead.Load()
		idx := uint32(head)
		gen := head >> 32
		if idx == nilIdx || idx == 0 {
			return 0, false
		}
		next := s.nextFreeBuf[idx]
		newHead := (gen+1)<<32 | uint64(next)
		if s.freeBufHead.CompareAndSwap(head, newHead) {
			return idx, true
		}
	}
}

func (s *Store) pushFreeBuf(b uint32) {
	if !s.lockFree {
		s.mu.Lock()
		s.freeBufs = append(s.freeBufs, b)
		s.mu.Unlock()
		return
	}
	for {
		head := s.freeBufHead.Load()
		idx := uint32(head)
		gen := head >> 32
		s.nextFreeBuf[b] = idx
		newHead := (gen+1)<<32 | uint64(b)
		if s.freeBufHead.CompareAndSwap(head, newHead) {
			return
		}
	}
}

// Alloc draws one descriptor and one buffer, sets the buffer's
// refcount to 1, and returns the descriptor index, or 0 if either
// pool is exhausted.
func (s *Store) Alloc() Px {
	p, ok := s.popFreeDesc()
	if !ok {
		return 0
	}
	b, ok := s.popFreeBuf()
	if !ok {
		s.pushFreeDesc(p)
		return 0
	}
	atomic.StoreInt32(&s.refs[b], 1)
	s.descs[p] = descriptor{buf: b, inUse: true}
	return Px(p)
}

// Free releases px's descriptor and decrements its buffer's refcount,
// releasing the buffer to the pool exactly when the count reaches
// zero. Idempotent on an invalid or already-free descriptor.
func (s *Store) Free(px Px) {
	p := uint32(px)
	if p == 0 || int(p) >= len(s.descs) || !s.descs[p].inUse {
		return
	}
	b := s.descs[p].buf
	s.descs[p] = descriptor{}
	s.pushFreeDesc(p)
	if atomic.AddInt32(&s.refs[b], -1) == 0 {
		s.pushFreeBuf(b)
	}
}

// Clone draws a fresh descriptor aliasing px's buffer (refcount+1),
// with a header bit-equal to px's at the moment of cloning. Returns 0
// if the descriptor pool is exhausted.
func (s *Store) Clone(px Px) Px {
	p := uint32(px)
	if p == 0 || int(p) >= len(s.descs) || !s.descs[p].inUse {
		return 0
	}
	cp, ok := s.popFreeDesc()
	if !ok {
		return 0
	}
	b := s.descs[p].buf
	atomic.AddInt32(&s.refs[b], 1)
	s.descs[cp] = descriptor{buf: b, hdr: s.descs[p].hdr, inUse: true}
	return Px(cp)
}

// FullCopy draws a fresh descriptor and buffer and copies px's
// payload bytes into it, for the cases that need to mutate a copy
// independently of the original (spec.md §9, e.g. RTE_REPLY payload
// surgery).
func (s *Store) FullCopy(px Px) Px {
	p := uint32(px)
	if p == 0 || int(p) >= len(s.descs) || !s.descs[p].inUse {
		return 0
	}
	cp := s.Alloc()
	if cp == 0 {
		return 0
	}
	srcBuf := s.bufs[s.descs[p].buf]
	dstBuf := s.bufs[s.descs[uint32(cp)].buf]
	n := s.descs[p].hdr.BufferLen
	if n > len(srcBuf) {
		n = len(srcBuf)
	}
	if n > len(dstBuf) {
		n = len(dstBuf)
	}
	copy(dstBuf[:n], srcBuf[:n])
	s.descs[uint32(cp)].hdr = s.descs[p].hdr
	return cp
}

// Header returns a copy of px's header. The zero Header is returned
// for an invalid or free descriptor.
func (s *Store) Header(px Px) wire.Header {
	p := uint32(px)
	if p == 0 || int(p) >= len(s.descs) || !s.descs[p].inUse {
		return wire.Header{}
	}
	return s.descs[p].hdr
}

// SetHeader overwrites px's header fields.
func (s *Store) SetHeader(px Px, h wire.Header) {
	p := uint32(px)
	if p == 0 || int(p) >= len(s.descs) || !s.descs[p].inUse {
		return
	}
	s.descs[p].hdr = h
}

// Buffer returns the raw buffer bytes backing px, or nil if px is
// invalid. Clones share the same backing slice; callers must not
// mutate payload bytes of a clone that is still shared unless they
// know they hold the only live reference (use FullCopy instead).
func (s *Store) Buffer(px Px) []byte {
	p := uint32(px)
	if p == 0 || int(p) >= len(s.descs) || !s.descs[p].inUse {
		return nil
	}
	return s.bufs[s.descs[p].buf]
}

// Payload returns the buffer bytes following the header.
func (s *Store) Payload(px Px) []byte {
	buf := s.Buffer(px)
	if buf == nil || len(buf) < wire.HdrLength {
		return nil
	}
	return buf[wire.HdrLength:]
}

// RefCount returns the current reference count of px's buffer, for
// tests and invariant checks (spec.md §8).
func (s *Store) RefCount(px Px) int {
	p := uint32(px)
	if p == 0 || int(p) >= len(s.descs) || !s.descs[p].inUse {
		return 0
	}
	return int(atomic.LoadInt32(&s.refs[s.descs[p].buf]))
}
