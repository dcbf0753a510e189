// Package routetable implements the Forest router's route table:
// (comtree,destAdr) -> a single link (unicast) or a set of links
// (multicast), computed on demand from route replies and
// subscribe/unsubscribe processing (spec.md §3/§4.2).
package routetable

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/your-org/forest-router/internal/tableio"
)

// Rtx is a route index, 0 meaning "no route".
type Rtx uint32

type key struct {
	comtree uint32
	dest    uint32
}

// Route is one route entry. A unicast route has exactly one link in
// Links; a multicast route may have zero or more.
type Route struct {
	Comtree uint32
	Dest    uint32
	Links   map[int]struct{}
}

// Table is the route table, guarded by a single RWMutex (spec.md §5).
type Table struct {
	mu      sync.RWMutex
	routes  map[Rtx]*Route
	byKey   map[key]Rtx
	nextRtx Rtx
}

// New returns an empty route table.
func New() *Table {
	return &Table{
		routes: make(map[Rtx]*Route),
		byKey:  make(map[key]Rtx),
	}
}

// Lookup returns the route index for (comtree,dest), or 0 if none.
func (t *Table) Lookup(comtree, dest uint32) Rtx {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byKey[key{comtree, dest}]
}

// Get returns a copy of rtx's entry and whether it exists.
func (t *Table) Get(rtx Rtx) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[rtx]
	if !ok {
		return Route{}, false
	}
	return cloneRoute(r), true
}

// AddEntry installs a new route for (comtree,dest) with an initial
// link (or 0 for an as-yet-empty multicast route), returning its
// index. Fails if a route for this key already exists.
func (t *Table) AddEntry(comtree, dest uint32, lnk int) (Rtx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{comtree, dest}
	if _, ok := t.byKey[k]; ok {
		return 0, fmt.Errorf("routetable: route for (%d,%d) already exists", comtree, dest)
	}
	t.nextRtx++
	rtx := t.nextRtx
	links := make(map[int]struct{})
	if lnk != 0 {
		links[lnk] = struct{}{}
	}
	t.routes[rtx] = &Route{Comtree: comtree, Dest: dest, Links: links}
	t.byKey[k] = rtx
	return rtx, nil
}

// RemoveEntry deletes rtx outright.
func (t *Table) RemoveEntry(rtx Rtx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[rtx]
	if !ok {
		return
	}
	delete(t.byKey, key{r.Comtree, r.Dest})
	delete(t.routes, rtx)
}

// AddLink adds lnk to a multicast route's link set.
func (t *Table) AddLink(rtx Rtx, lnk int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[rtx]
	if !ok {
		return fmt.Errorf("routetable: no such route %d", rtx)
	}
	r.Links[lnk] = struct{}{}
	return nil
}

// RemoveLink removes lnk from a multicast route's link set.
func (t *Table) RemoveLink(rtx Rtx, lnk int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[rtx]
	if !ok {
		return fmt.Errorf("routetable: no such route %d", rtx)
	}
	delete(r.Links, lnk)
	return nil
}

// NoLinks reports whether rtx's multicast link set is empty.
func (t *Table) NoLinks(rtx Rtx) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[rtx]
	return !ok || len(r.Links) == 0
}

// HasLink reports whether lnk is a member of rtx's link set.
func (t *Table) HasLink(rtx Rtx, lnk int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[rtx]
	if !ok {
		return false
	}
	_, ok = r.Links[lnk]
	return ok
}

// PurgeRoutes removes every route entry belonging to comtree ct
// (spec.md §4.3's dropComtree step).
func (t *Table) PurgeRoutes(ct uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for rtx, r := range t.routes {
		if r.Comtree == ct {
			delete(t.byKey, key{r.Comtree, r.Dest})
			delete(t.routes, rtx)
		}
	}
}

// All returns a snapshot of every route, for diagnostics.
func (t *Table) All() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, cloneRoute(r))
	}
	return out
}

// Write serializes the table to the line-oriented text format from
// spec.md §6: a count, then one record per route
// "comtNum destAdr numLinks link...".
func Write(w *bufio.Writer, routes []Route) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(routes)); err != nil {
		return err
	}
	for _, r := range routes {
		if _, err := fmt.Fprintf(w, "%d %d %d", r.Comtree, r.Dest, len(r.Links)); err != nil {
			return err
		}
		for lnk := range r.Links {
			if _, err := fmt.Fprintf(w, " %d", lnk); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Read parses the line-oriented route table format back into a Table.
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
				return nil, fmt.Errorf("routetable: bad count line %q: %w", line, err)
			}
			count = n
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("routetable: malformed record %q", line)
		}
		comtree64, _ := strconv.ParseUint(fields[0], 10, 32)
		dest64, _ := strconv.ParseUint(fields[1], 10, 32)
		numLinks, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("routetable: bad link count %q: %w", fields[2], err)
		}
		if len(fields) < 3+numLinks {
			return nil, fmt.Errorf("routetable: truncated link list %q", line)
		}
		rtx, err := t.AddEntry(uint32(comtree64), uint32(dest64), 0)
		if err != nil {
			return nil, err
		}
		for i := 0; i < numLinks; i++ {
			lnk, _ := strconv.Atoi(fields[3+i])
			if lnk != 0 {
				t.AddLink(rtx, lnk)
			}
		}
		count--
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func cloneRoute(r *Route) Route {
	cp := Route{Comtree: r.Comtree, Dest: r.Dest, Links: make(map[int]struct{}, len(r.Links))}
	for lnk := range r.Links {
		cp.Links[lnk] = struct{}{}
	}
	return cp
}
