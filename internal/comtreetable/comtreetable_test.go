package comtreetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/forest-router/internal/wire"
)

func TestCoreLinkMustBeRouterLink(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(500, false, 0))
	err := tbl.AddLink(500, 1, false, true, 1, wire.RateSpec{})
	assert.Error(t, err)
	assert.False(t, linkExists(tbl, 500, 1), "failed AddLink must leave the table unchanged")
}

func TestNonCoreAllowsAtMostOneCoreLinkAtParent(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(500, false, 1))
	require.NoError(t, tbl.AddLink(500, 1, true, true, 1, wire.RateSpec{}))

	// a second core link on a non-core router is rejected
	err := tbl.AddLink(500, 2, true, true, 2, wire.RateSpec{})
	assert.Error(t, err)

	// a non-core router link is fine
	require.NoError(t, tbl.AddLink(500, 3, true, false, 3, wire.RateSpec{}))
}

func TestCoreFlagRequiresCoreParent(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(500, true, 0))
	require.NoError(t, tbl.AddLink(500, 2, true, false, 2, wire.RateSpec{}))

	err := tbl.SetParent(500, 2)
	assert.Error(t, err, "parent of a core-flagged comtree must itself be a core link")

	require.NoError(t, tbl.AddLink(500, 3, true, true, 3, wire.RateSpec{}))
	assert.NoError(t, tbl.SetParent(500, 3))
}

func linkExists(tbl *Table, ct uint32, lnk int) bool {
	_, ok := tbl.GetLink(ct, lnk)
	return ok
}
