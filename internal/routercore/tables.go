// Package routercore wires the Forest router's tables, scheduler,
// I/O processor and control-plane handling into the single running
// engine each forestrouter process hosts (spec.md §4's RouterCore).
package routercore

import (
	"github.com/your-org/forest-router/internal/comtreetable"
	"github.com/your-org/forest-router/internal/iftable"
	"github.com/your-org/forest-router/internal/linktable"
	"github.com/your-org/forest-router/internal/routetable"
)

// Tables bundles the four table types RouterCore threads through its
// handlers, mirroring the single-context-object habit the rest of
// this repo family uses for per-request state.
type Tables struct {
	Ifaces   *iftable.Table
	Links    *linktable.Table
	Comtrees *comtreetable.Table
	Routes   *routetable.Table
}

// NewTables returns an empty Tables, ready for setup() to populate
// from the configured table files.
func NewTables() *Tables {
	return &Tables{
		Ifaces:   iftable.New(),
		Links:    linktable.New(),
		Comtrees: comtreetable.New(),
		Routes:   routetable.New(),
	}
}
