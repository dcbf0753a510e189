package iftable

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/forest-router/internal/wire"
)

func writeToBuf(t *testing.T, ifaces []Iface) *bufio.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, Write(w, ifaces))
	return bufio.NewReader(&buf)
}

func TestReserveRateFailsWhenOversubscribed(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(1, net.IPv4(10, 0, 0, 1), 30123, wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}))

	require.NoError(t, tbl.ReserveRate(1, wire.RateSpec{BitRateUp: 600, BitRateDown: 600, PktRateUp: 60, PktRateDown: 60}))

	err := tbl.ReserveRate(1, wire.RateSpec{BitRateUp: 600, BitRateDown: 600, PktRateUp: 60, PktRateDown: 60})
	assert.Error(t, err, "a second reservation that exceeds the remaining budget must fail")

	iface, ok := tbl.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(400), iface.Avail.BitRateUp, "a failed reservation must not change Avail")
}

func TestReleaseRateRestoresBudget(t *testing.T) {
	tbl := New()
	capacity := wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}
	require.NoError(t, tbl.Add(1, net.IPv4(10, 0, 0, 1), 30123, capacity))

	spec := wire.RateSpec{BitRateUp: 400, BitRateDown: 400, PktRateUp: 40, PktRateDown: 40}
	require.NoError(t, tbl.ReserveRate(1, spec))
	tbl.ReleaseRate(1, spec)

	iface, ok := tbl.Get(1)
	require.True(t, ok)
	assert.Equal(t, capacity.BitRateUp, iface.Avail.BitRateUp)
}

func TestResetRestoresCapacityAcrossAllInterfaces(t *testing.T) {
	tbl := New()
	capacity := wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}
	require.NoError(t, tbl.Add(1, net.IPv4(10, 0, 0, 1), 30123, capacity))
	require.NoError(t, tbl.Add(2, net.IPv4(10, 0, 0, 2), 30124, capacity))
	require.NoError(t, tbl.ReserveRate(1, capacity))
	require.NoError(t, tbl.ReserveRate(2, wire.RateSpec{BitRateUp: 500, BitRateDown: 500, PktRateUp: 50, PktRateDown: 50}))

	tbl.Reset()

	for _, id := range []int{1, 2} {
		iface, ok := tbl.Get(id)
		require.True(t, ok)
		assert.Equal(t, capacity, iface.Avail)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(1, net.IPv4(10, 0, 0, 1), 0, wire.RateSpec{BitRateUp: 1_000_000, BitRateDown: 1_000_000, PktRateUp: 1000, PktRateDown: 1000}))
	require.NoError(t, tbl.Add(2, net.IPv4(10, 0, 0, 2), 0, wire.RateSpec{BitRateUp: 2_000_000, BitRateDown: 2_000_000, PktRateUp: 2000, PktRateDown: 2000}))

	buf := writeToBuf(t, tbl.All())
	got, err := Read(buf)
	require.NoError(t, err)

	a, ok := got.Get(1)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", a.LocalIP.String())
	assert.Equal(t, uint64(1_000_000), a.Capacity.BitRateUp)

	b, ok := got.Get(2)
	require.True(t, ok)
	assert.Equal(t, uint64(2000), b.Capacity.PktRateUp)
}
