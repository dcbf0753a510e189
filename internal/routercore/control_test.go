package routercore

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/forest-router/internal/signaling"
	"github.com/your-org/forest-router/internal/wire"
)

func TestHandleAddLinkThenGetLinkRoundTrip(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Ifaces.Add(1, net.IPv4(10, 0, 0, 1), 30123, wire.RateSpec{BitRateUp: 10_000_000, BitRateDown: 10_000_000, PktRateUp: 10_000, PktRateDown: 10_000}))

	req := signaling.New(signaling.AddLink, 1)
	req.SetInt(signaling.AttrLink, 7)
	req.SetInt(signaling.AttrIface, 1)
	req.SetString(signaling.AttrIP1, "10.0.0.2")
	req.SetUint(signaling.AttrPort1, 4000)
	req.SetUint(signaling.AttrAdr1, 0x00020002)
	req.SetString(signaling.AttrNodeType, "client")
	req.SetUint(signaling.AttrNonce, 0xabc)
	req.SetString(signaling.AttrRspec1, formatRateSpec(wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}))

	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)

	getReq := signaling.New(signaling.GetLink, 2)
	getReq.SetInt(signaling.AttrLink, 7)
	getReply := rc.dispatch(getReq)
	require.Equal(t, signaling.PosReply, getReply.Mode)

	adr, ok := getReply.GetUint(signaling.AttrAdr1)
	require.True(t, ok)
	assert.Equal(t, uint64(0x00020002), adr)

	nodeType, ok := getReply.GetString(signaling.AttrNodeType)
	require.True(t, ok)
	assert.Equal(t, "client", nodeType)

	iface, ok := rc.tables.Ifaces.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(9_999_000), iface.Avail.BitRateUp, "AddLink must reserve the link's rate against its interface")
}

func TestHandleAddLinkFailsWhenIfaceOversubscribed(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Ifaces.Add(1, net.IPv4(10, 0, 0, 1), 30123, wire.RateSpec{BitRateUp: 500, BitRateDown: 500, PktRateUp: 50, PktRateDown: 50}))

	req := signaling.New(signaling.AddLink, 1)
	req.SetInt(signaling.AttrLink, 7)
	req.SetInt(signaling.AttrIface, 1)
	req.SetString(signaling.AttrIP1, "10.0.0.2")
	req.SetUint(signaling.AttrPort1, 4000)
	req.SetUint(signaling.AttrAdr1, 0x00020002)
	req.SetString(signaling.AttrNodeType, "client")
	req.SetUint(signaling.AttrNonce, 0xabc)
	req.SetString(signaling.AttrRspec1, formatRateSpec(wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}))

	reply := rc.dispatch(req)
	require.Equal(t, signaling.NegReply, reply.Mode)
	_, ok := rc.tables.Links.Get(7)
	assert.False(t, ok, "a failed AddLink must not leave a partially-installed link")
}

func TestHandleDropLinkReleasesIfaceRate(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Ifaces.Add(1, net.IPv4(10, 0, 0, 1), 30123, wire.RateSpec{BitRateUp: 10_000_000, BitRateDown: 10_000_000, PktRateUp: 10_000, PktRateDown: 10_000}))
	rs := wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}
	require.NoError(t, rc.tables.Ifaces.ReserveRate(1, rs))
	require.NoError(t, rc.tables.Links.Add(7, 1, net.IPv4(10, 0, 0, 2), 4000, 0x00020002, 0, 0xabc, rs))
	require.NoError(t, rc.qm.AddLink(7, rs.BitRateUp, rs.PktRateUp, 0))

	req := signaling.New(signaling.DropLink, 1)
	req.SetInt(signaling.AttrLink, 7)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)

	_, ok := rc.tables.Links.Get(7)
	assert.False(t, ok)
	iface, ok := rc.tables.Ifaces.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(10_000_000), iface.Avail.BitRateUp, "dropping a link must release its reserved rate back to the interface")
}

func TestHandleAddComtreeThenGetComtree(t *testing.T) {
	rc := newTestCore(t)
	req := signaling.New(signaling.AddComtree, 1)
	req.SetUint(signaling.AttrComtree, 500)
	req.SetBool(signaling.AttrCoreFlag, true)
	req.SetInt(signaling.AttrLink, 0)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)

	getReq := signaling.New(signaling.GetComtree, 2)
	getReq.SetUint(signaling.AttrComtree, 500)
	getReply := rc.dispatch(getReq)
	require.Equal(t, signaling.PosReply, getReply.Mode)
	core, ok := getReply.GetBool(signaling.AttrCoreFlag)
	require.True(t, ok)
	assert.True(t, core)
}

func TestHandleAddComtreeLinkReservesLinkRateAndRejectsOversubscription(t *testing.T) {
	rc := newTestCore(t)
	rs := wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}
	require.NoError(t, rc.tables.Links.Add(7, 1, nil, 0, 0, 0, 0, rs))
	require.NoError(t, rc.qm.AddLink(7, rs.BitRateUp, rs.PktRateUp, 0))
	require.NoError(t, rc.tables.Comtrees.Add(500, false, 0))

	req := signaling.New(signaling.AddComtreeLink, 1)
	req.SetUint(signaling.AttrComtree, 500)
	req.SetInt(signaling.AttrLink, 7)
	req.SetInt(signaling.AttrQueue, 1)
	req.SetBool(signaling.AttrCoreFlag, false)
	req.SetString(signaling.AttrRspec1, formatRateSpec(wire.RateSpec{BitRateUp: 600, BitRateDown: 600, PktRateUp: 60, PktRateDown: 60}))
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)

	req2 := signaling.New(signaling.AddComtreeLink, 2)
	req2.SetUint(signaling.AttrComtree, 500)
	req2.SetInt(signaling.AttrLink, 7)
	req2.SetInt(signaling.AttrQueue, 2)
	req2.SetBool(signaling.AttrCoreFlag, false)
	req2.SetString(signaling.AttrRspec1, formatRateSpec(wire.RateSpec{BitRateUp: 600, BitRateDown: 600, PktRateUp: 60, PktRateDown: 60}))
	reply2 := rc.dispatch(req2)
	assert.Equal(t, signaling.NegReply, reply2.Mode, "a second comtree-link that oversubscribes the link's rate must fail")

	_, ok := rc.tables.Comtrees.GetLink(500, 7)
	require.True(t, ok, "the first, successful AddComtreeLink must remain installed")
}

func TestHandleAddRouteThenGetRoute(t *testing.T) {
	rc := newTestCore(t)
	req := signaling.New(signaling.AddRoute, 1)
	req.SetUint(signaling.AttrComtree, 500)
	req.SetUint(signaling.AttrAdr1, 0x00020002)
	req.SetInt(signaling.AttrLink, 7)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)

	getReq := signaling.New(signaling.GetRoute, 2)
	getReq.SetUint(signaling.AttrComtree, 500)
	getReq.SetUint(signaling.AttrAdr1, 0x00020002)
	getReply := rc.dispatch(getReq)
	require.Equal(t, signaling.PosReply, getReply.Mode)
	s, ok := getReply.GetString(signaling.AttrStringData)
	require.True(t, ok)
	assert.Equal(t, "7", s)

	dupReply := rc.dispatch(req)
	assert.Equal(t, signaling.NegReply, dupReply.Mode, "a second AddRoute for the same (comtree,dest) must fail")
}

func TestHandleSetLeafRange(t *testing.T) {
	rc := newTestCore(t)
	req := signaling.New(signaling.SetLeafRange, 1)
	req.SetUint(signaling.AttrAdr1, 0x00010000)
	req.SetUint(signaling.AttrAdr2, 0x0001ffff)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)
	assert.Equal(t, uint32(0x00010000), rc.cfg.FirstLeafAdr)
	assert.Equal(t, uint32(0x0001ffff), rc.cfg.LastLeafAdr)
}

func TestHandleEnablePacketLogThenGetLoggedPackets(t *testing.T) {
	rc := newTestCore(t)
	req := signaling.New(signaling.EnablePacketLog, 1)
	req.SetInt(signaling.AttrLink, 0)
	req.SetUint(signaling.AttrComtree, 0)
	req.SetInt(signaling.AttrIndex1, 0)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)
	sessionStr, ok := reply.GetString(signaling.AttrStringData)
	require.True(t, ok)
	assert.NotEmpty(t, sessionStr)

	rc.log.Capture(3, wire.Header{Type: wire.ClientData}, []byte("x"))

	getReq := signaling.New(signaling.GetLoggedPackets, 2)
	getReply := rc.dispatch(getReq)
	require.Equal(t, signaling.PosReply, getReply.Mode)
	count, ok := getReply.GetInt(signaling.AttrCount)
	require.True(t, ok)
	assert.Equal(t, int64(1), count)
}

func TestDispatchRejectsUnsupportedType(t *testing.T) {
	rc := newTestCore(t)
	req := signaling.New(signaling.AddFilter, 1)
	reply := rc.dispatch(req)
	assert.Equal(t, signaling.NegReply, reply.Mode)
}

func TestHandleModLinkChangesRateAndReconcilesIfaceBudget(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Ifaces.Add(1, net.IPv4(10, 0, 0, 1), 30123, wire.RateSpec{BitRateUp: 10_000, BitRateDown: 10_000, PktRateUp: 1000, PktRateDown: 1000}))
	rs := wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}
	require.NoError(t, rc.tables.Ifaces.ReserveRate(1, rs))
	require.NoError(t, rc.tables.Links.Add(7, 1, net.IPv4(10, 0, 0, 2), 4000, 0x00020002, 0, 0xabc, rs))

	req := signaling.New(signaling.ModLink, 1)
	req.SetInt(signaling.AttrLink, 7)
	req.SetString(signaling.AttrRspec1, formatRateSpec(wire.RateSpec{BitRateUp: 2000, BitRateDown: 2000, PktRateUp: 200, PktRateDown: 200}))
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)

	l, ok := rc.tables.Links.Get(7)
	require.True(t, ok)
	assert.Equal(t, uint64(2000), l.Committed.BitRateUp)

	iface, ok := rc.tables.Ifaces.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(8000), iface.Avail.BitRateUp, "raising a link's committed rate must reserve the delta from its interface")
}

func TestHandleModLinkRejectsWhenIfaceCannotCoverIncrease(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Ifaces.Add(1, net.IPv4(10, 0, 0, 1), 30123, wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}))
	rs := wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}
	require.NoError(t, rc.tables.Ifaces.ReserveRate(1, rs))
	require.NoError(t, rc.tables.Links.Add(7, 1, net.IPv4(10, 0, 0, 2), 4000, 0x00020002, 0, 0xabc, rs))

	req := signaling.New(signaling.ModLink, 1)
	req.SetInt(signaling.AttrLink, 7)
	req.SetString(signaling.AttrRspec1, formatRateSpec(wire.RateSpec{BitRateUp: 5000, BitRateDown: 5000, PktRateUp: 500, PktRateDown: 500}))
	reply := rc.dispatch(req)
	assert.Equal(t, signaling.NegReply, reply.Mode)

	l, ok := rc.tables.Links.Get(7)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), l.Committed.BitRateUp, "a rejected ModLink must leave the link's committed rate unchanged")
}

func TestHandleGetLinkSetListsEveryLink(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Links.Add(7, 1, nil, 0, 0, 0, 0x1, wire.RateSpec{}))
	require.NoError(t, rc.tables.Links.Add(9, 1, nil, 0, 0, 0, 0x2, wire.RateSpec{}))

	req := signaling.New(signaling.GetLinkSet, 1)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)
	count, ok := reply.GetInt(signaling.AttrCount)
	require.True(t, ok)
	assert.Equal(t, int64(2), count)
}

func TestHandleModComtreeUpdatesParentAndCoreFlag(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Comtrees.Add(500, false, 0))
	require.NoError(t, rc.tables.Comtrees.AddLink(500, 7, true, false, 1, wire.RateSpec{}))

	req := signaling.New(signaling.ModComtree, 1)
	req.SetUint(signaling.AttrComtree, 500)
	req.SetInt(signaling.AttrLink, 7)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)

	c, ok := rc.tables.Comtrees.Get(500)
	require.True(t, ok)
	assert.Equal(t, 7, c.Parent)
}

func TestHandleGetComtreeSetListsEveryComtree(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Comtrees.Add(500, false, 0))
	require.NoError(t, rc.tables.Comtrees.Add(600, false, 0))

	req := signaling.New(signaling.GetComtreeSet, 1)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)
	count, ok := reply.GetInt(signaling.AttrCount)
	require.True(t, ok)
	assert.Equal(t, int64(2), count)
}

func TestHandleModComtreeLinkRaisesRateAgainstLinkBudget(t *testing.T) {
	rc := newTestCore(t)
	rs := wire.RateSpec{BitRateUp: 10_000, BitRateDown: 10_000, PktRateUp: 1000, PktRateDown: 1000}
	require.NoError(t, rc.tables.Links.Add(7, 1, nil, 0, 0, 0, 0, rs))
	require.NoError(t, rc.tables.Comtrees.Add(500, false, 0))
	committed := wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}
	require.NoError(t, rc.tables.Links.ReserveRate(7, committed))
	require.NoError(t, rc.tables.Comtrees.AddLink(500, 7, false, false, 1, committed))

	req := signaling.New(signaling.ModComtreeLink, 1)
	req.SetUint(signaling.AttrComtree, 500)
	req.SetInt(signaling.AttrLink, 7)
	req.SetString(signaling.AttrRspec1, formatRateSpec(wire.RateSpec{BitRateUp: 2000, BitRateDown: 2000, PktRateUp: 200, PktRateDown: 200}))
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)

	cl, ok := rc.tables.Comtrees.GetLink(500, 7)
	require.True(t, ok)
	assert.Equal(t, uint64(2000), cl.Committed.BitRateUp)

	l, ok := rc.tables.Links.Get(7)
	require.True(t, ok)
	assert.Equal(t, rs.ScalePercent(90).BitRateUp-2000, l.Avail.BitRateUp)
}

func TestHandleGetComtreeLinkSetListsLinksInComtree(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Links.Add(7, 1, nil, 0, 0, 0, 0, wire.RateSpec{}))
	require.NoError(t, rc.tables.Comtrees.Add(500, false, 0))
	require.NoError(t, rc.tables.Comtrees.AddLink(500, 7, false, false, 1, wire.RateSpec{}))

	req := signaling.New(signaling.GetComtreeLinkSet, 1)
	req.SetUint(signaling.AttrComtree, 500)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)
	s, ok := reply.GetString(signaling.AttrStringData)
	require.True(t, ok)
	assert.Equal(t, "7", s)
}

func TestHandleModRouteReplacesLinkSet(t *testing.T) {
	rc := newTestCore(t)
	req := signaling.New(signaling.AddRoute, 1)
	req.SetUint(signaling.AttrComtree, 500)
	req.SetUint(signaling.AttrAdr1, 0x00020002)
	req.SetInt(signaling.AttrLink, 7)
	require.Equal(t, signaling.PosReply, rc.dispatch(req).Mode)

	modReq := signaling.New(signaling.ModRoute, 2)
	modReq.SetUint(signaling.AttrComtree, 500)
	modReq.SetUint(signaling.AttrAdr1, 0x00020002)
	modReq.SetInt(signaling.AttrLink, 9)
	reply := rc.dispatch(modReq)
	require.Equal(t, signaling.PosReply, reply.Mode)

	getReq := signaling.New(signaling.GetRoute, 3)
	getReq.SetUint(signaling.AttrComtree, 500)
	getReq.SetUint(signaling.AttrAdr1, 0x00020002)
	getReply := rc.dispatch(getReq)
	s, ok := getReply.GetString(signaling.AttrStringData)
	require.True(t, ok)
	assert.Equal(t, "9", s, "ModRoute must replace, not add to, the route's link set")
}

func TestHandleGetRouteSetFiltersByComtree(t *testing.T) {
	rc := newTestCore(t)
	_, err := rc.tables.Routes.AddEntry(500, 0x00020002, 7)
	require.NoError(t, err)
	_, err = rc.tables.Routes.AddEntry(600, 0x00020003, 9)
	require.NoError(t, err)

	req := signaling.New(signaling.GetRouteSet, 1)
	req.SetUint(signaling.AttrComtree, 500)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)
	s, ok := reply.GetString(signaling.AttrStringData)
	require.True(t, ok)
	assert.Equal(t, "500:131074", s)
}

func TestHandleModIfaceChangesCapacity(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Ifaces.Add(1, net.IPv4(10, 0, 0, 1), 30123, wire.RateSpec{BitRateUp: 1000, BitRateDown: 1000, PktRateUp: 100, PktRateDown: 100}))

	req := signaling.New(signaling.ModIface, 1)
	req.SetInt(signaling.AttrIface, 1)
	req.SetString(signaling.AttrRspec1, formatRateSpec(wire.RateSpec{BitRateUp: 5000, BitRateDown: 5000, PktRateUp: 500, PktRateDown: 500}))
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)

	f, ok := rc.tables.Ifaces.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(5000), f.Capacity.BitRateUp)
	assert.Equal(t, uint64(5000), f.Avail.BitRateUp)
}

func TestHandleGetIfaceSetListsEveryIface(t *testing.T) {
	rc := newTestCore(t)
	require.NoError(t, rc.tables.Ifaces.Add(1, net.IPv4(10, 0, 0, 1), 30123, wire.RateSpec{}))
	require.NoError(t, rc.tables.Ifaces.Add(2, net.IPv4(10, 0, 0, 2), 30124, wire.RateSpec{}))

	req := signaling.New(signaling.GetIfaceSet, 1)
	reply := rc.dispatch(req)
	require.Equal(t, signaling.PosReply, reply.Mode)
	count, ok := reply.GetInt(signaling.AttrCount)
	require.True(t, ok)
	assert.Equal(t, int64(2), count)
}
