package linktable

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/forest-router/internal/wire"
)

func TestConnectRemapsNonceToAddress(t *testing.T) {
	tbl := New()
	rate := wire.RateSpec{BitRateUp: 10000, BitRateDown: 10000, PktRateUp: 1000, PktRateDown: 1000}
	require.NoError(t, tbl.Add(1, 1, net.IPv4zero, 0, 0x00010002, Client, 0xdeadbeef, rate))

	assert.Equal(t, 0, tbl.LookupAddr(net.ParseIP("10.0.0.5"), 4321))
	assert.Equal(t, 1, tbl.LookupNonce(0xdeadbeef))

	require.NoError(t, tbl.Connect(1, net.ParseIP("10.0.0.5"), 4321))

	assert.Equal(t, 1, tbl.LookupAddr(net.ParseIP("10.0.0.5"), 4321))
	assert.Equal(t, 0, tbl.LookupNonce(0xdeadbeef), "nonce index must be vacated on connect")

	l, ok := tbl.Get(1)
	require.True(t, ok)
	assert.True(t, l.Connected)
}

func TestConnectFailsOnDuplicateAddress(t *testing.T) {
	tbl := New()
	rate := wire.RateSpec{}
	require.NoError(t, tbl.Add(1, 1, net.IPv4zero, 0, 1, Client, 1, rate))
	require.NoError(t, tbl.Add(2, 1, net.IPv4zero, 0, 2, Client, 2, rate))

	require.NoError(t, tbl.Connect(1, net.ParseIP("10.0.0.1"), 100))
	err := tbl.Connect(2, net.ParseIP("10.0.0.1"), 100)
	assert.Error(t, err)

	// table left unchanged on failure
	l2, _ := tbl.Get(2)
	assert.False(t, l2.Connected)
	assert.Equal(t, 2, tbl.LookupNonce(2))
}

func TestRevertEntryReindexesByNonce(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(1, 1, net.IPv4zero, 0, 1, Client, 99, wire.RateSpec{}))
	require.NoError(t, tbl.Connect(1, net.ParseIP("10.0.0.1"), 100))

	require.NoError(t, tbl.RevertEntry(1))
	assert.Equal(t, 0, tbl.LookupAddr(net.ParseIP("10.0.0.1"), 100))
	assert.Equal(t, 1, tbl.LookupNonce(99))
}

func TestDropLinkClearsBothIndices(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(1, 1, net.IPv4zero, 0, 1, Client, 7, wire.RateSpec{}))
	tbl.Drop(1)
	assert.False(t, tbl.Valid(1))
	assert.Equal(t, 0, tbl.LookupNonce(7))
}
