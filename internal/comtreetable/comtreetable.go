// Package comtreetable implements the Forest router's comtree table:
// each comtree's local slice of the tree overlay — parent link, member
// links, core links, and per-(comtree,link) queue/rate state
// (spec.md §3/§4.2).
package comtreetable

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/your-org/forest-router/internal/tableio"
	"github.com/your-org/forest-router/internal/wire"
)

// ComtLink is the per-(comtree,link) state.
type ComtLink struct {
	Link         int
	QueueID      int
	PermittedDst uint32 // 0 means unrestricted
	Committed    wire.RateSpec
	IsRouterLink bool
	IsCoreLink   bool
}

// Comtree is one comtree's local state.
type Comtree struct {
	Number   uint32
	CoreFlag bool
	Parent   int // 0 if this router is the tree's root in its zip region
	Links    map[int]*ComtLink
}

// Table is the comtree table, guarded by a single RWMutex (spec.md §5).
type Table struct {
	mu       sync.RWMutex
	comtrees map[uint32]*Comtree
}

// New returns an empty comtree table.
func New() *Table {
	return &Table{comtrees: make(map[uint32]*Comtree)}
}

// Valid reports whether ct names a live comtree.
func (t *Table) Valid(ct uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.comtrees[ct]
	return ok
}

// Add installs a new, empty comtree entry. Fails if ct already exists.
func (t *Table) Add(ct uint32, coreFlag bool, parent int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.comtrees[ct]; ok {
		return fmt.Errorf("comtreetable: comtree %d already exists", ct)
	}
	t.comtrees[ct] = &Comtree{Number: ct, CoreFlag: coreFlag, Parent: parent, Links: make(map[int]*ComtLink)}
	return nil
}

// Drop removes ct entirely; callers are responsible for having
// already freed its queues and released its committed rates (the
// RouterCore's dropComtree orchestrates that, per spec.md §3's
// lifecycle summary).
func (t *Table) Drop(ct uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.comtrees, ct)
}

// Get returns a deep copy of ct's entry and whether it exists.
func (t *Table) Get(ct uint32) (Comtree, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.comtrees[ct]
	if !ok {
		return Comtree{}, false
	}
	return cloneComtree(c), true
}

// SetParent updates ct's parent link. Fails the invariant check if
// the new parent would violate core/router-link rules, leaving the
// table unchanged.
func (t *Table) SetParent(ct uint32, parent int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.comtrees[ct]
	if !ok {
		return fmt.Errorf("comtreetable: no such comtree %d", ct)
	}
	old := c.Parent
	c.Parent = parent
	if err := checkEntry(c); err != nil {
		c.Parent = old
		return err
	}
	return nil
}

// SetCoreFlag updates whether this router is in ct's core.
func (t *Table) SetCoreFlag(ct uint32, core bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.comtrees[ct]
	if !ok {
		return fmt.Errorf("comtreetable: no such comtree %d", ct)
	}
	old := c.CoreFlag
	c.CoreFlag = core
	if err := checkEntry(c); err != nil {
		c.CoreFlag = old
		return err
	}
	return nil
}

// SetLinkRate changes the (ct,lnk) comtree-link's committed rate.
// Reconciling this against the link's own rate budget is the caller's
// job (comtreetable has no visibility into a link's other comtrees).
func (t *Table) SetLinkRate(ct uint32, lnk int, committed wire.RateSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.comtrees[ct]
	if !ok {
		return fmt.Errorf("comtreetable: no such comtree %d", ct)
	}
	cl, ok := c.Links[lnk]
	if !ok {
		return fmt.Errorf("comtreetable: no such comtree link %d in comtree %d", lnk, ct)
	}
	cl.Committed = committed
	return nil
}

// SetLinkCoreFlag updates whether (ct,lnk) is one of ct's core links.
// Fails the invariant check if the new flag would violate checkEntry's
// rules, leaving the table unchanged.
func (t *Table) SetLinkCoreFlag(ct uint32, lnk int, core bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.comtrees[ct]
	if !ok {
		return fmt.Errorf("comtreetable: no such comtree %d", ct)
	}
	cl, ok := c.Links[lnk]
	if !ok {
		return fmt.Errorf("comtreetable: no such comtree link %d in comtree %d", lnk, ct)
	}
	old := cl.IsCoreLink
	cl.IsCoreLink = core
	if err := checkEntry(c); err != nil {
		cl.IsCoreLink = old
		return err
	}
	return nil
}

// AddLink installs lnk as a comtree link of ct, optionally a router
// link and/or core link. Fails (table unchanged) if the resulting
// entry would violate checkEntry's invariants.
func (t *Table) AddLink(ct uint32, lnk int, isRouterLink, isCoreLink bool, queueID int, committed wire.RateSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.comtrees[ct]
	if !ok {
		return fmt.Errorf("comtreetable: no such comtree %d", ct)
	}
	if _, exists := c.Links[lnk]; exists {
		return fmt.Errorf("comtreetable: link %d already in comtree %d", lnk, ct)
	}
	c.Links[lnk] = &ComtLink{
		Link: lnk, QueueID: queueID, Committed: committed,
		IsRouterLink: isRouterLink, IsCoreLink: isCoreLink,
	}
	if err := checkEntry(c); err != nil {
		delete(c.Links, lnk)
		return err
	}
	return nil
}

// DropLink removes lnk from ct. A no-op if it was not a member.
func (t *Table) DropLink(ct uint32, lnk int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.comtrees[ct]; ok {
		delete(c.Links, lnk)
	}
}

// GetLink returns a copy of the (ct,lnk) entry and whether it exists.
func (t *Table) GetLink(ct uint32, lnk int) (ComtLink, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.comtrees[ct]
	if !ok {
		return ComtLink{}, false
	}
	cl, ok := c.Links[lnk]
	if !ok {
		return ComtLink{}, false
	}
	return *cl, true
}

// RouterLinks returns the link ids of ct's router links.
func (t *Table) RouterLinks(ct uint32) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.comtrees[ct]
	if !ok {
		return nil
	}
	var out []int
	for lnk, cl := range c.Links {
		if cl.IsRouterLink {
			out = append(out, lnk)
		}
	}
	return out
}

// CoreLinks returns the link ids of ct's core links.
func (t *Table) CoreLinks(ct uint32) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.comtrees[ct]
	if !ok {
		return nil
	}
	var out []int
	for lnk, cl := range c.Links {
		if cl.IsCoreLink {
			out = append(out, lnk)
		}
	}
	return out
}

// All returns a snapshot of every comtree, for diagnostics.
func (t *Table) All() []Comtree {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Comtree, 0, len(t.comtrees))
	for _, c := range t.comtrees {
		out = append(out, cloneComtree(c))
	}
	return out
}

// checkEntry enforces the comtree invariants from spec.md §4.2:
// every router link is a comtree link (true by construction, since
// Links only ever holds comtree links); every core link is a router
// link; the parent link, if non-zero, is a router link; if core-flag,
// the parent link (if any) is a core link; if not core-flag, at most
// one core link exists and, if present, it is the parent.
func checkEntry(c *Comtree) error {
	coreCount := 0
	var soleCore int
	for lnk, cl := range c.Links {
		if cl.IsCoreLink && !cl.IsRouterLink {
			return fmt.Errorf("comtreetable: core link %d is not a router link", lnk)
		}
		if cl.IsCoreLink {
			coreCount++
			soleCore = lnk
		}
	}
	if c.Parent != 0 {
		pl, ok := c.Links[c.Parent]
		if !ok || !pl.IsRouterLink {
			return fmt.Errorf("comtreetable: parent link %d is not a router link", c.Parent)
		}
		if c.CoreFlag && !pl.IsCoreLink {
			return fmt.Errorf("comtreetable: core-flag set but parent link %d is not a core link", c.Parent)
		}
	}
	if !c.CoreFlag {
		if coreCount > 1 {
			return fmt.Errorf("comtreetable: non-core router has %d core links, want <= 1", coreCount)
		}
		if coreCount == 1 && soleCore != c.Parent {
			return fmt.Errorf("comtreetable: sole core link %d must be the parent link %d", soleCore, c.Parent)
		}
	}
	return nil
}

// Write serializes the table to the line-oriented text format from
// spec.md §6: a count, then one record per comtree
// "comtNum coreFlag parentLink numLinks" followed by numLinks lines
// "link queueID isRouterLink isCoreLink permittedDst bitRateUp
// bitRateDown pktRateUp pktRateDown".
func Write(w *bufio.Writer, comtrees []Comtree) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(comtrees)); err != nil {
		return err
	}
	for _, c := range comtrees {
		if _, err := fmt.Fprintf(w, "%d %t %d %d\n", c.Number, c.CoreFlag, c.Parent, len(c.Links)); err != nil {
			return err
		}
		for _, cl := range c.Links {
			_, err := fmt.Fprintf(w, "%d %d %t %t %d %d %d %d %d\n",
				cl.Link, cl.QueueID, cl.IsRouterLink, cl.IsCoreLink, cl.PermittedDst,
				cl.Committed.BitRateUp, cl.Committed.BitRateDown, cl.Committed.PktRateUp, cl.Committed.PktRateDown)
			if err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// Read parses the line-oriented comtree table format back into a Table.
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
				return nil, fmt.Errorf("comtreetable: bad count line %q: %w", line, err)
			}
			count = n
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("comtreetable: malformed comtree record %q", line)
		}
		ct64, _ := strconv.ParseUint(fields[0], 10, 32)
		coreFlag, _ := strconv.ParseBool(fields[1])
		parent, _ := strconv.Atoi(fields[2])
		numLinks, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("comtreetable: bad link count %q: %w", fields[3], err)
		}
		ct := uint32(ct64)
		if err := t.Add(ct, coreFlag, parent); err != nil {
			return nil, err
		}
		for i := 0; i < numLinks; i++ {
			if !sc.Scan() {
				return nil, fmt.Errorf("comtreetable: truncated link list for comtree %d", ct)
			}
			lline := tableio.StripComment(sc.Text())
			if lline == "" {
				i--
				continue
			}
			lf := strings.Fields(lline)
			if len(lf) < 9 {
				return nil, fmt.Errorf("comtreetable: malformed comtree-link record %q", lline)
			}
			lnk, _ := strconv.Atoi(lf[0])
			qid, _ := strconv.Atoi(lf[1])
			isRouterLink, _ := strconv.ParseBool(lf[2])
			isCoreLink, _ := strconv.ParseBool(lf[3])
			permittedDst64, _ := strconv.ParseUint(lf[4], 10, 32)
			bru, _ := strconv.ParseUint(lf[5], 10, 64)
			brd, _ := strconv.ParseUint(lf[6], 10, 64)
			pru, _ := strconv.ParseUint(lf[7], 10, 64)
			prd, _ := strconv.ParseUint(lf[8], 10, 64)
			committed := wire.RateSpec{BitRateUp: bru, BitRateDown: brd, PktRateUp: pru, PktRateDown: prd}
			if err := t.AddLink(ct, lnk, isRouterLink, isCoreLink, qid, committed); err != nil {
				return nil, err
			}
			if permittedDst64 != 0 {
				t.mu.Lock()
				t.comtrees[ct].Links[lnk].PermittedDst = uint32(permittedDst64)
				t.mu.Unlock()
			}
		}
		count--
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func cloneComtree(c *Comtree) Comtree {
	cp := Comtree{Number: c.Number, CoreFlag: c.CoreFlag, Parent: c.Parent, Links: make(map[int]*ComtLink, len(c.Links))}
	for lnk, cl := range c.Links {
		v := *cl
		cp.Links[lnk] = &v
	}
	return cp
}
