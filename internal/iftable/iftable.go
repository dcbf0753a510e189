// Package iftable implements the Forest router's interface table: the
// logical 1..MAX_IFACE interfaces a router binds UDP sockets on
// (spec.md §3/§4.2).
package iftable

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

// MaxIface bounds the valid interface id range.
const MaxIface = 4096

// Iface is one logical interface: a local address/port and the rate
// budget available to links attached to it.
type Iface struct {
	ID       int
	LocalIP  net.IP
	Port     uint16
	Capacity wire.RateSpec // configured ceiling
	Avail    wire.RateSpec // capacity minus attached links' committed rates

	// Conn is set by the I/O layer once the interface's UDP socket is
	// bound; the table itself never dials or listens.
	Conn *net.UDPConn
}

// Table is the interface table, guarded by a single RWMutex per the
// multi-threaded variant's table-level locking rule (spec.md §5).
type Table struct {
	mu    sync.RWMutex
	faces map[int]*Iface
}

// New returns an empty interface table.
func New() *Table {
	return &Table{faces: make(map[int]*Iface)}
}

// Valid reports whether iface names a live entry.
func (t *Table) Valid(iface int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.faces[iface]
	return ok
}

// Add installs a new interface entry. Fails if iface is out of range
// or already present, leaving the table unchanged (spec.md §4.2).
func (t *Table) Add(iface int, localIP net.IP, port uint16, capacity wire.RateSpec) error {
	if iface < 1 || iface > MaxIface {
		return fmt.Errorf("iftable: interface %d out of range", iface)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.faces[iface]; ok {
		return fmt.Errorf("iftable: interface %d already exists", iface)
	}
	t.faces[iface] = &Iface{ID: iface, LocalIP: localIP, Port: port, Capacity: capacity, Avail: capacity}
	return nil
}

// Drop removes iface. A no-op if it does not exist.
func (t *Table) Drop(iface int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.faces, iface)
}

// Get returns a copy of iface's entry and whether it exists.
func (t *Table) Get(iface int) (Iface, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.faces[iface]
	if !ok {
		return Iface{}, false
	}
	return *f, true
}

// SetConn attaches the bound UDP socket for iface, once the I/O layer
// has opened it.
func (t *Table) SetConn(iface int, conn *net.UDPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.faces[iface]; ok {
		f.Conn = conn
	}
}

// ReserveRate subtracts spec from iface's available rate, failing
// cleanly (table unchanged) if iface cannot cover it (spec.md §5's
// rate-hierarchy rule).
func (t *Table) ReserveRate(iface int, spec wire.RateSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.faces[iface]
	if !ok {
		return fmt.Errorf("iftable: no such interface %d", iface)
	}
	if !f.Avail.Covers(spec) {
		return fmt.Errorf("iftable: interface %d cannot cover requested rate", iface)
	}
	f.Avail = f.Avail.Sub(spec)
	return nil
}

// ReleaseRate returns spec to iface's available rate.
func (t *Table) ReleaseRate(iface int, spec wire.RateSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.faces[iface]; ok {
		f.Avail = f.Avail.Add(spec)
	}
}

// SetCapacity changes iface's rate ceiling, rejecting the change
// (table unchanged) if the new capacity can't cover what's already
// reserved against it.
func (t *Table) SetCapacity(iface int, capacity wire.RateSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.faces[iface]
	if !ok {
		return fmt.Errorf("iftable: no such interface %d", iface)
	}
	reserved := f.Capacity.Sub(f.Avail)
	if !capacity.Covers(reserved) {
		return fmt.Errorf("iftable: new capacity for interface %d cannot cover reserved rate", iface)
	}
	f.Capacity = capacity
	f.Avail = capacity.Sub(reserved)
	return nil
}

// Reset replaces availRate with capacity for every interface; used by
// setAvailRates at startup (spec.md §4.5) before links re-reserve.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.faces {
		f.Avail = f.Capacity
	}
}

// All returns a snapshot of every interface, for diagnostics and
// serialization. Order is unspecified.
func (t *Table) All() []Iface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Iface, 0, len(t.faces))
	for _, f := range t.faces {
		out = append(out, *f)
	}
	return out
}

// Write serializes the table to the line-oriented text format from
// spec.md §6: a count, then one record per interface
// "ifaceNum ipAdr bitRate pktRate". firstLink/lastLink are derived
// from LinkTable, not stored here, and are not emitted.
func Write(w *bufio.Writer, ifaces []Iface) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(ifaces)); err != nil {
		return err
	}
	for _, f := range ifaces {
		_, err := fmt.Fprintf(w, "%d %s %d %d\n", f.ID, f.LocalIP.String(), f.Capacity.BitRateUp, f.Capacity.PktRateUp)
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

// Read parses the line-oriented interface table format back into a
// Table. Blank lines and '#'-prefixed comments are ignored per
// spec.md §6.
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
				return nil, fmt.Errorf("iftable: bad count line %q: %w", line, err)
			}
			count = n
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("iftable: malformed record %q", line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("iftable: bad interface id %q: %w", fields[0], err)
		}
		ip := net.ParseIP(fields[1])
		bitRate, _ := strconv.ParseUint(fields[2], 10, 64)
		pktRate, _ := strconv.ParseUint(fields[3], 10, 64)
		spec := wire.RateSpec{BitRateUp: bitRate, BitRateDown: bitRate, PktRateUp: pktRate, PktRateDown: pktRate}
		if err := t.Add(id, ip, 0, spec); err != nil {
			return nil, err
		}
		count--
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
