// Package linktable implements the Forest router's link table: per-link
// peer identity, rates, comtree membership and the dual (ip,port)/nonce
// index used to resolve a newly-connected peer to its pre-declared
// link (spec.md §3/§4.2).
package linktable

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/your-org/forest-router/internal/tableio"
	"github.com/your-org/forest-router/internal/wire"
)

// MaxLink bounds the valid link id range.
const MaxLink = 65536

// PeerType enumerates the kinds of peer a link can terminate at.
type PeerType int

const (
	Undef PeerType = iota
	Client
	Server
	Router
	Controller
)

// ipPort is the key used for the connected-link index.
type ipPort struct {
	ip   string
	port uint16
}

// Link is one entry of the link table.
type Link struct {
	ID           int
	Iface        int
	PeerIP       net.IP
	PeerPort     uint16
	PeerAdr      uint32
	PeerType     PeerType
	Connected    bool
	Nonce        uint64
	Committed    wire.RateSpec
	Avail        wire.RateSpec
	Comtrees     map[uint32]struct{} // set of comtree numbers this link participates in
	PermittedDst uint32              // 0 means unrestricted
}

// Table is the link table with its dual index, guarded by a single
// RWMutex (spec.md §5, table-level locking for the multi-threaded
// variant).
type Table struct {
	mu       sync.RWMutex
	links    map[int]*Link
	byIPPort map[ipPort]int
	byNonce  map[uint64]int
}

// New returns an empty link table.
func New() *Table {
	return &Table{
		links:    make(map[int]*Link),
		byIPPort: make(map[ipPort]int),
		byNonce:  make(map[uint64]int),
	}
}

// Valid reports whether lnk names a live entry.
func (t *Table) Valid(lnk int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.links[lnk]
	return ok
}

// Add installs a pre-declared link, indexed initially by nonce (it
// moves to the (ip,port) index on CONNECT). Fails, leaving the table
// unchanged, if lnk is out of range or already present, or if the
// nonce collides with another pre-declared link.
func (t *Table) Add(lnk int, iface int, peerIP net.IP, peerPort uint16, peerAdr uint32, peerType PeerType, nonce uint64, committed wire.RateSpec) error {
	if lnk < 1 || lnk > MaxLink {
		return fmt.Errorf("linktable: link %d out of range", lnk)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.links[lnk]; ok {
		return fmt.Errorf("linktable: link %d already exists", lnk)
	}
	if _, ok := t.byNonce[nonce]; ok {
		return fmt.Errorf("linktable: nonce already in use")
	}
	l := &Link{
		ID: lnk, Iface: iface, PeerIP: peerIP, PeerPort: peerPort,
		PeerAdr: peerAdr, PeerType: peerType, Nonce: nonce,
		Committed: committed, Avail: committed.ScalePercent(90),
		Comtrees: make(map[uint32]struct{}),
	}
	t.links[lnk] = l
	t.byNonce[nonce] = lnk
	return nil
}

// Drop removes lnk from both indices. A no-op if it does not exist.
func (t *Table) Drop(lnk int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[lnk]
	if !ok {
		return
	}
	if l.Connected {
		delete(t.byIPPort, ipPort{l.PeerIP.String(), l.PeerPort})
	} else {
		delete(t.byNonce, l.Nonce)
	}
	delete(t.links, lnk)
}

// Get returns a copy of lnk's entry and whether it exists.
func (t *Table) Get(lnk int) (Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.links[lnk]
	if !ok {
		return Link{}, false
	}
	return cloneLink(l), true
}

// LookupAddr returns the unique lnk whose connected index matches
// (ip,port), or 0.
func (t *Table) LookupAddr(ip net.IP, port uint16) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byIPPort[ipPort{ip.String(), port}]
}

// LookupNonce returns the unique pre-declared lnk matching nonce, or 0.
func (t *Table) LookupNonce(nonce uint64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byNonce[nonce]
}

// Connect moves lnk from the nonce index to the (ip,port) index and
// marks it connected. Fails, leaving the table unchanged, if lnk is
// already connected or if (ip,port) is already claimed by another
// link (spec.md §4.2).
func (t *Table) Connect(lnk int, ip net.IP, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[lnk]
	if !ok {
		return fmt.Errorf("linktable: no such link %d", lnk)
	}
	if l.Connected {
		return fmt.Errorf("linktable: link %d already connected", lnk)
	}
	key := ipPort{ip.String(), port}
	if _, taken := t.byIPPort[key]; taken {
		return fmt.Errorf("linktable: (%s,%d) already in use", ip, port)
	}
	delete(t.byNonce, l.Nonce)
	t.byIPPort[key] = lnk
	l.PeerIP, l.PeerPort, l.Connected = ip, port, true
	return nil
}

// RevertEntry is the inverse of Connect: it moves lnk back to the
// nonce index, used on disconnect (spec.md §4.2).
func (t *Table) RevertEntry(lnk int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[lnk]
	if !ok {
		return fmt.Errorf("linktable: no such link %d", lnk)
	}
	if !l.Connected {
		return nil
	}
	delete(t.byIPPort, ipPort{l.PeerIP.String(), l.PeerPort})
	t.byNonce[l.Nonce] = lnk
	l.Connected = false
	return nil
}

// AddComtree records that lnk participates in comtree ct.
func (t *Table) AddComtree(lnk int, ct uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[lnk]
	if !ok {
		return fmt.Errorf("linktable: no such link %d", lnk)
	}
	l.Comtrees[ct] = struct{}{}
	return nil
}

// DropComtree removes ct from lnk's comtree set.
func (t *Table) DropComtree(lnk int, ct uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.links[lnk]; ok {
		delete(l.Comtrees, ct)
	}
}

// ReserveRate subtracts spec from lnk's available rate, failing
// cleanly if lnk cannot cover it.
func (t *Table) ReserveRate(lnk int, spec wire.RateSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[lnk]
	if !ok {
		return fmt.Errorf("linktable: no such link %d", lnk)
	}
	if !l.Avail.Covers(spec) {
		return fmt.Errorf("linktable: link %d cannot cover requested rate", lnk)
	}
	l.Avail = l.Avail.Sub(spec)
	return nil
}

// ReleaseRate returns spec to lnk's available rate.
func (t *Table) ReleaseRate(lnk int, spec wire.RateSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.links[lnk]; ok {
		l.Avail = l.Avail.Add(spec)
	}
}

// SetCommitted changes lnk's committed rate, rejecting the change
// (table unchanged) if the new rate's 90% budget can't cover what
// comtree-link reservations already hold against it.
func (t *Table) SetCommitted(lnk int, committed wire.RateSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[lnk]
	if !ok {
		return fmt.Errorf("linktable: no such link %d", lnk)
	}
	reserved := l.Committed.ScalePercent(90).Sub(l.Avail)
	budget := committed.ScalePercent(90)
	if !budget.Covers(reserved) {
		return fmt.Errorf("linktable: new rate for link %d cannot cover reserved comtree rate", lnk)
	}
	l.Committed = committed
	l.Avail = budget.Sub(reserved)
	return nil
}

// SetAvail overwrites lnk's available rate outright; used once at
// startup by setAvailRates (spec.md §4.5) rather than incrementally.
func (t *Table) SetAvail(lnk int, spec wire.RateSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.links[lnk]; ok {
		l.Avail = spec
	}
}

// All returns a snapshot of every link, for diagnostics and
// serialization.
func (t *Table) All() []Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, cloneLink(l))
	}
	return out
}

func cloneLink(l *Link) Link {
	cp := *l
	cp.Comtrees = make(map[uint32]struct{}, len(l.Comtrees))
	for ct := range l.Comtrees {
		cp.Comtrees[ct] = struct{}{}
	}
	return cp
}

// Write serializes the table to the line-oriented text format from
// spec.md §6: "lnk iface peerIp:port peerTypeWord peerForestAdr
// rateSpec nonce".
func Write(w *bufio.Writer, links []Link) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(links)); err != nil {
		return err
	}
	for _, l := range links {
		_, err := fmt.Fprintf(w, "%d %d %s:%d %d %d %d %d %d %d %d\n",
			l.ID, l.Iface, l.PeerIP, l.PeerPort, int(l.PeerType), l.PeerAdr,
			l.Committed.BitRateUp, l.Committed.BitRateDown,
			l.Committed.PktRateUp, l.Committed.PktRateDown, l.Nonce)
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

// Read parses the line-oriented link table format back into a Table.
func Read(r *bufio.Reader) (*Table, error) {
	t := New()
	sc := bufio.NewScanner(r)
	count := -1
	for sc.Scan() {
		line := tableio.StripComment(sc.Text())
		if line == "" {
			continue
		}
		if count < 0 {
			n, err := strconv.Atoi(line)
			if err != nil {
				return nil, fmt.Errorf("linktable: bad count line %q: %w", line, err)
			}
			count = n
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 10 {
			return nil, fmt.Errorf("linktable: malformed record %q", line)
		}
		id, _ := strconv.Atoi(fields[0])
		iface, _ := strconv.Atoi(fields[1])
		ipPortStr := strings.SplitN(fields[2], ":", 2)
		if len(ipPortStr) != 2 {
			return nil, fmt.Errorf("linktable: malformed peer address %q", fields[2])
		}
		ip := net.ParseIP(ipPortStr[0])
		port64, _ := strconv.ParseUint(ipPortStr[1], 10, 16)
		peerTypeN, _ := strconv.Atoi(fields[3])
		peerAdr64, _ := strconv.ParseUint(fields[4], 10, 32)
		bru, _ := strconv.ParseUint(fields[5], 10, 64)
		brd, _ := strconv.ParseUint(fields[6], 10, 64)
		pru, _ := strconv.ParseUint(fields[7], 10, 64)
		prd, _ := strconv.ParseUint(fields[8], 10, 64)
		nonce, _ := strconv.ParseUint(fields[9], 10, 64)
		committed := wire.RateSpec{BitRateUp: bru, BitRateDown: brd, PktRateUp: pru, PktRateDown: prd}
		if err := t.Add(id, iface, ip, uint16(port64), uint32(peerAdr64), PeerType(peerTypeN), nonce, committed); err != nil {
			return nil, err
		}
		count--
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
