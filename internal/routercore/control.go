package routercore

// Control packet dispatch: each control packet type gets one handler
// that mutates the tables/scheduler and returns the POS_REPLY or
// NEG_REPLY to send back (spec.md §4.5/§6).

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/your-org/forest-router/internal/linktable"
	"github.com/your-org/forest-router/internal/pktlog"
	"github.com/your-org/forest-router/internal/signaling"
	"github.com/your-org/forest-router/internal/wire"
)

// dispatch routes a decoded request to its handler, or returns a
// NEG_REPLY for any control type this router does not implement (the
// filter family ADD_FILTER/DROP_FILTER/GET_FILTER/MOD_FILTER/
// GET_FILTER_SET, and the boot-sequence request types, which only
// ever flow the other direction once booting completes).
func (rc *RouterCore) dispatch(cp *signaling.CtlPkt) *signaling.CtlPkt {
	switch cp.Type {
	case signaling.AddLink:
		return rc.handleAddLink(cp)
	case signaling.DropLink:
		return rc.handleDropLink(cp)
	case signaling.GetLink:
		return rc.handleGetLink(cp)
	case signaling.ModLink:
		return rc.handleModLink(cp)
	case signaling.GetLinkSet:
		return rc.handleGetLinkSet(cp)
	case signaling.AddComtree:
		return rc.handleAddComtree(cp)
	case signaling.DropComtree:
		return rc.handleDropComtree(cp)
	case signaling.GetComtree:
		return rc.handleGetComtree(cp)
	case signaling.ModComtree:
		return rc.handleModComtree(cp)
	case signaling.GetComtreeSet:
		return rc.handleGetComtreeSet(cp)
	case signaling.AddComtreeLink:
		return rc.handleAddComtreeLink(cp)
	case signaling.DropComtreeLink:
		return rc.handleDropComtreeLink(cp)
	case signaling.GetComtreeLink:
		return rc.handleGetComtreeLink(cp)
	case signaling.ModComtreeLink:
		return rc.handleModComtreeLink(cp)
	case signaling.GetComtreeLinkSet:
		return rc.handleGetComtreeLinkSet(cp)
	case signaling.AddRoute:
		return rc.handleAddRoute(cp)
	case signaling.DropRoute:
		return rc.handleDropRoute(cp)
	case signaling.GetRoute:
		return rc.handleGetRoute(cp)
	case signaling.ModRoute:
		return rc.handleModRoute(cp)
	case signaling.GetRouteSet:
		return rc.handleGetRouteSet(cp)
	case signaling.AddIface:
		return rc.handleAddIface(cp)
	case signaling.DropIface:
		return rc.handleDropIface(cp)
	case signaling.GetIface:
		return rc.handleGetIface(cp)
	case signaling.ModIface:
		return rc.handleModIface(cp)
	case signaling.GetIfaceSet:
		return rc.handleGetIfaceSet(cp)
	case signaling.SetLeafRange:
		return rc.handleSetLeafRange(cp)
	case signaling.EnablePacketLog:
		return rc.handleEnablePacketLog(cp)
	case signaling.GetLoggedPackets:
		return rc.handleGetLoggedPackets(cp)
	default:
		return cp.Fail("unsupported control packet type")
	}
}

// parseRateSpec reads a "bitRateUp,bitRateDown,pktRateUp,pktRateDown"
// attribute value, the comma-list texture spec.md §6 illustrates for
// multi-valued fields.
func parseRateSpec(s string) (wire.RateSpec, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return wire.RateSpec{}, fmt.Errorf("routercore: malformed rate spec %q", s)
	}
	vals := make([]uint64, 4)
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return wire.RateSpec{}, fmt.Errorf("routercore: malformed rate spec %q: %w", s, err)
		}
		vals[i] = v
	}
	return wire.RateSpec{BitRateUp: vals[0], BitRateDown: vals[1], PktRateUp: vals[2], PktRateDown: vals[3]}, nil
}

func formatRateSpec(rs wire.RateSpec) string {
	return fmt.Sprintf("%d,%d,%d,%d", rs.BitRateUp, rs.BitRateDown, rs.PktRateUp, rs.PktRateDown)
}

func peerTypeFromString(s string) (linktable.PeerType, error) {
	switch s {
	case "client":
		return linktable.Client, nil
	case "server":
		return linktable.Server, nil
	case "router":
		return linktable.Router, nil
	case "controller":
		return linktable.Controller, nil
	default:
		return linktable.Undef, fmt.Errorf("routercore: unknown node type %q", s)
	}
}

func peerTypeString(pt linktable.PeerType) string {
	switch pt {
	case linktable.Client:
		return "client"
	case linktable.Server:
		return "server"
	case linktable.Router:
		return "router"
	case linktable.Controller:
		return "controller"
	default:
		return "undef"
	}
}

func (rc *RouterCore) handleAddLink(cp *signaling.CtlPkt) *signaling.CtlPkt {
	lnk, _ := cp.GetInt(signaling.AttrLink)
	iface, _ := cp.GetInt(signaling.AttrIface)
	ip1, _ := cp.GetString(signaling.AttrIP1)
	port1, _ := cp.GetUint(signaling.AttrPort1)
	adr1, _ := cp.GetUint(signaling.AttrAdr1)
	nodeTypeStr, _ := cp.GetString(signaling.AttrNodeType)
	nonce, _ := cp.GetUint(signaling.AttrNonce)
	rspec1Str, _ := cp.GetString(signaling.AttrRspec1)

	pt, err := peerTypeFromString(nodeTypeStr)
	if err != nil {
		return cp.Fail(err.Error())
	}
	rs, err := parseRateSpec(rspec1Str)
	if err != nil {
		return cp.Fail(err.Error())
	}
	ip := net.ParseIP(ip1)
	if err := rc.tables.Ifaces.ReserveRate(int(iface), rs); err != nil {
		return cp.Fail(err.Error())
	}
	if err := rc.tables.Links.Add(int(lnk), int(iface), ip, uint16(port1), uint32(adr1), pt, nonce, rs); err != nil {
		rc.tables.Ifaces.ReleaseRate(int(iface), rs)
		return cp.Fail(err.Error())
	}
	if err := rc.qm.AddLink(int(lnk), rs.BitRateUp, rs.PktRateUp, 0); err != nil {
		rc.tables.Links.Drop(int(lnk))
		rc.tables.Ifaces.ReleaseRate(int(iface), rs)
		return cp.Fail(err.Error())
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetInt(signaling.AttrLink, lnk)
	return reply
}

func (rc *RouterCore) handleDropLink(cp *signaling.CtlPkt) *signaling.CtlPkt {
	lnk, _ := cp.GetInt(signaling.AttrLink)
	l, ok := rc.tables.Links.Get(int(lnk))
	if !ok {
		return cp.Fail("no such link")
	}
	rc.qm.RemoveLink(int(lnk))
	rc.tables.Links.Drop(int(lnk))
	rc.tables.Ifaces.ReleaseRate(l.Iface, l.Committed)
	return cp.Reply(signaling.PosReply)
}

func (rc *RouterCore) handleGetLink(cp *signaling.CtlPkt) *signaling.CtlPkt {
	lnk, _ := cp.GetInt(signaling.AttrLink)
	l, ok := rc.tables.Links.Get(int(lnk))
	if !ok {
		return cp.Fail("no such link")
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetInt(signaling.AttrIface, int64(l.Iface))
	reply.SetString(signaling.AttrIP1, l.PeerIP.String())
	reply.SetUint(signaling.AttrPort1, uint64(l.PeerPort))
	reply.SetUint(signaling.AttrAdr1, uint64(l.PeerAdr))
	reply.SetString(signaling.AttrNodeType, peerTypeString(l.PeerType))
	reply.SetString(signaling.AttrRspec1, formatRateSpec(l.Committed))
	return reply
}

func (rc *RouterCore) handleAddComtree(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	coreFlag, _ := cp.GetBool(signaling.AttrCoreFlag)
	parent, _ := cp.GetInt(signaling.AttrLink)
	if err := rc.tables.Comtrees.Add(uint32(ct), coreFlag, int(parent)); err != nil {
		return cp.Fail(err.Error())
	}
	return cp.Reply(signaling.PosReply)
}

func (rc *RouterCore) handleDropComtree(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	rc.tables.Comtrees.Drop(uint32(ct))
	rc.tables.Routes.PurgeRoutes(uint32(ct))
	return cp.Reply(signaling.PosReply)
}

// handleModLink applies a partial update to an existing link. Only
// rspec1 is settable; peer identity and address are fixed at AddLink
// time and are not reassigned in place.
func (rc *RouterCore) handleModLink(cp *signaling.CtlPkt) *signaling.CtlPkt {
	lnk, _ := cp.GetInt(signaling.AttrLink)
	l, ok := rc.tables.Links.Get(int(lnk))
	if !ok {
		return cp.Fail("no such link")
	}
	rspec1Str, present := cp.GetString(signaling.AttrRspec1)
	if !present {
		return cp.Reply(signaling.PosReply)
	}
	rs, err := parseRateSpec(rspec1Str)
	if err != nil {
		return cp.Fail(err.Error())
	}
	if rs.Covers(l.Committed) {
		if err := rc.tables.Ifaces.ReserveRate(l.Iface, rs.Sub(l.Committed)); err != nil {
			return cp.Fail(err.Error())
		}
	} else {
		rc.tables.Ifaces.ReleaseRate(l.Iface, l.Committed.Sub(rs))
	}
	if err := rc.tables.Links.SetCommitted(int(lnk), rs); err != nil {
		return cp.Fail(err.Error())
	}
	return cp.Reply(signaling.PosReply)
}

// handleGetLinkSet lists every link id this router knows about.
func (rc *RouterCore) handleGetLinkSet(cp *signaling.CtlPkt) *signaling.CtlPkt {
	links := rc.tables.Links.All()
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, strconv.Itoa(l.ID))
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetString(signaling.AttrStringData, strings.Join(ids, ","))
	reply.SetInt(signaling.AttrCount, int64(len(ids)))
	return reply
}

func (rc *RouterCore) handleGetComtree(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	c, ok := rc.tables.Comtrees.Get(uint32(ct))
	if !ok {
		return cp.Fail("no such comtree")
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetBool(signaling.AttrCoreFlag, c.CoreFlag)
	reply.SetInt(signaling.AttrLink, int64(c.Parent))
	reply.SetInt(signaling.AttrCount, int64(len(c.Links)))
	return reply
}

// handleModComtree applies a partial update to an existing comtree's
// parent link and/or core flag.
func (rc *RouterCore) handleModComtree(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	if !rc.tables.Comtrees.Valid(uint32(ct)) {
		return cp.Fail("no such comtree")
	}
	if parent, present := cp.GetInt(signaling.AttrLink); present {
		if err := rc.tables.Comtrees.SetParent(uint32(ct), int(parent)); err != nil {
			return cp.Fail(err.Error())
		}
	}
	if coreFlag, present := cp.GetBool(signaling.AttrCoreFlag); present {
		if err := rc.tables.Comtrees.SetCoreFlag(uint32(ct), coreFlag); err != nil {
			return cp.Fail(err.Error())
		}
	}
	return cp.Reply(signaling.PosReply)
}

// handleGetComtreeSet lists every comtree number this router knows
// about.
func (rc *RouterCore) handleGetComtreeSet(cp *signaling.CtlPkt) *signaling.CtlPkt {
	comtrees := rc.tables.Comtrees.All()
	ids := make([]string, 0, len(comtrees))
	for _, c := range comtrees {
		ids = append(ids, strconv.FormatUint(uint64(c.Number), 10))
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetString(signaling.AttrStringData, strings.Join(ids, ","))
	reply.SetInt(signaling.AttrCount, int64(len(ids)))
	return reply
}

func (rc *RouterCore) handleAddComtreeLink(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	lnk, _ := cp.GetInt(signaling.AttrLink)
	qid, _ := cp.GetInt(signaling.AttrQueue)
	coreFlag, _ := cp.GetBool(signaling.AttrCoreFlag)
	rspec1Str, _ := cp.GetString(signaling.AttrRspec1)

	rs, err := parseRateSpec(rspec1Str)
	if err != nil {
		return cp.Fail(err.Error())
	}
	l, ok := rc.tables.Links.Get(int(lnk))
	if !ok {
		return cp.Fail("no such link")
	}
	isRouterLink := l.PeerType == linktable.Router
	if err := rc.tables.Links.ReserveRate(int(lnk), rs); err != nil {
		return cp.Fail(err.Error())
	}
	if err := rc.tables.Comtrees.AddLink(uint32(ct), int(lnk), isRouterLink, coreFlag, int(qid), rs); err != nil {
		rc.tables.Links.ReleaseRate(int(lnk), rs)
		return cp.Fail(err.Error())
	}
	if err := rc.qm.AddQueue(int(lnk), int(qid), 0, 0, 0); err != nil {
		rc.tables.Comtrees.DropLink(uint32(ct), int(lnk))
		rc.tables.Links.ReleaseRate(int(lnk), rs)
		return cp.Fail(err.Error())
	}
	return cp.Reply(signaling.PosReply)
}

func (rc *RouterCore) handleDropComtreeLink(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	lnk, _ := cp.GetInt(signaling.AttrLink)
	cl, ok := rc.tables.Comtrees.GetLink(uint32(ct), int(lnk))
	if !ok {
		return cp.Fail("no such comtree link")
	}
	rc.tables.Comtrees.DropLink(uint32(ct), int(lnk))
	rc.qm.FreeQueue(int(lnk), cl.QueueID)
	rc.tables.Links.ReleaseRate(int(lnk), cl.Committed)
	return cp.Reply(signaling.PosReply)
}

func (rc *RouterCore) handleGetComtreeLink(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	lnk, _ := cp.GetInt(signaling.AttrLink)
	cl, ok := rc.tables.Comtrees.GetLink(uint32(ct), int(lnk))
	if !ok {
		return cp.Fail("no such comtree link")
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetInt(signaling.AttrQueue, int64(cl.QueueID))
	reply.SetBool(signaling.AttrCoreFlag, cl.IsCoreLink)
	reply.SetString(signaling.AttrRspec1, formatRateSpec(cl.Committed))
	return reply
}

// handleModComtreeLink applies a partial update to an existing
// comtree link's committed rate and/or core-link flag. A rate change
// is reconciled against the underlying link's rate budget: raising
// the comtree link's rate reserves the delta from the link, lowering
// it releases the delta back.
func (rc *RouterCore) handleModComtreeLink(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	lnk, _ := cp.GetInt(signaling.AttrLink)
	cl, ok := rc.tables.Comtrees.GetLink(uint32(ct), int(lnk))
	if !ok {
		return cp.Fail("no such comtree link")
	}
	if rspec1Str, present := cp.GetString(signaling.AttrRspec1); present {
		rs, err := parseRateSpec(rspec1Str)
		if err != nil {
			return cp.Fail(err.Error())
		}
		if rs.Covers(cl.Committed) {
			if err := rc.tables.Links.ReserveRate(int(lnk), rs.Sub(cl.Committed)); err != nil {
				return cp.Fail(err.Error())
			}
		} else {
			rc.tables.Links.ReleaseRate(int(lnk), cl.Committed.Sub(rs))
		}
		if err := rc.tables.Comtrees.SetLinkRate(uint32(ct), int(lnk), rs); err != nil {
			return cp.Fail(err.Error())
		}
	}
	if coreFlag, present := cp.GetBool(signaling.AttrCoreFlag); present {
		if err := rc.tables.Comtrees.SetLinkCoreFlag(uint32(ct), int(lnk), coreFlag); err != nil {
			return cp.Fail(err.Error())
		}
	}
	return cp.Reply(signaling.PosReply)
}

// handleGetComtreeLinkSet lists the link ids that belong to comtree.
func (rc *RouterCore) handleGetComtreeLinkSet(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	c, ok := rc.tables.Comtrees.Get(uint32(ct))
	if !ok {
		return cp.Fail("no such comtree")
	}
	ids := make([]string, 0, len(c.Links))
	for lnk := range c.Links {
		ids = append(ids, strconv.Itoa(lnk))
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetString(signaling.AttrStringData, strings.Join(ids, ","))
	reply.SetInt(signaling.AttrCount, int64(len(ids)))
	return reply
}

func (rc *RouterCore) handleAddRoute(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	dest, _ := cp.GetUint(signaling.AttrAdr1)
	lnk, _ := cp.GetInt(signaling.AttrLink)
	if rc.tables.Routes.Lookup(uint32(ct), uint32(dest)) != 0 {
		return cp.Fail("route already exists")
	}
	if _, err := rc.tables.Routes.AddEntry(uint32(ct), uint32(dest), int(lnk)); err != nil {
		return cp.Fail(err.Error())
	}
	return cp.Reply(signaling.PosReply)
}

func (rc *RouterCore) handleDropRoute(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	dest, _ := cp.GetUint(signaling.AttrAdr1)
	rtx := rc.tables.Routes.Lookup(uint32(ct), uint32(dest))
	if rtx == 0 {
		return cp.Fail("no such route")
	}
	rc.tables.Routes.RemoveEntry(rtx)
	return cp.Reply(signaling.PosReply)
}

func (rc *RouterCore) handleGetRoute(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	dest, _ := cp.GetUint(signaling.AttrAdr1)
	rtx := rc.tables.Routes.Lookup(uint32(ct), uint32(dest))
	if rtx == 0 {
		return cp.Fail("no such route")
	}
	route, _ := rc.tables.Routes.Get(rtx)
	links := make([]string, 0, len(route.Links))
	for lnk := range route.Links {
		links = append(links, strconv.Itoa(lnk))
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetString(signaling.AttrStringData, strings.Join(links, ","))
	reply.SetInt(signaling.AttrCount, int64(len(route.Links)))
	return reply
}

// handleModRoute replaces a route's link set with a single link (or
// clears it, for a multicast route whose last member left, when
// AttrLink is 0 or absent).
func (rc *RouterCore) handleModRoute(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, _ := cp.GetUint(signaling.AttrComtree)
	dest, _ := cp.GetUint(signaling.AttrAdr1)
	lnk, _ := cp.GetInt(signaling.AttrLink)
	rtx := rc.tables.Routes.Lookup(uint32(ct), uint32(dest))
	if rtx == 0 {
		return cp.Fail("no such route")
	}
	route, _ := rc.tables.Routes.Get(rtx)
	for old := range route.Links {
		rc.tables.Routes.RemoveLink(rtx, old)
	}
	if lnk != 0 {
		if err := rc.tables.Routes.AddLink(rtx, int(lnk)); err != nil {
			return cp.Fail(err.Error())
		}
	}
	return cp.Reply(signaling.PosReply)
}

// handleGetRouteSet lists every route as "comtree:dest" pairs,
// optionally restricted to a single comtree when AttrComtree is set.
func (rc *RouterCore) handleGetRouteSet(cp *signaling.CtlPkt) *signaling.CtlPkt {
	ct, filterByComtree := cp.GetUint(signaling.AttrComtree)
	entries := make([]string, 0)
	for _, r := range rc.tables.Routes.All() {
		if filterByComtree && r.Comtree != uint32(ct) {
			continue
		}
		entries = append(entries, fmt.Sprintf("%d:%d", r.Comtree, r.Dest))
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetString(signaling.AttrStringData, strings.Join(entries, ","))
	reply.SetInt(signaling.AttrCount, int64(len(entries)))
	return reply
}

func (rc *RouterCore) handleAddIface(cp *signaling.CtlPkt) *signaling.CtlPkt {
	iface, _ := cp.GetInt(signaling.AttrIface)
	ip1, _ := cp.GetString(signaling.AttrIP1)
	port1, _ := cp.GetUint(signaling.AttrPort1)
	rspec1Str, _ := cp.GetString(signaling.AttrRspec1)
	rs, err := parseRateSpec(rspec1Str)
	if err != nil {
		return cp.Fail(err.Error())
	}
	ip := net.ParseIP(ip1)
	if err := rc.tables.Ifaces.Add(int(iface), ip, uint16(port1), rs); err != nil {
		return cp.Fail(err.Error())
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: int(port1)})
	if err != nil {
		rc.tables.Ifaces.Drop(int(iface))
		return cp.Fail(err.Error())
	}
	rc.tables.Ifaces.SetConn(int(iface), conn)
	return cp.Reply(signaling.PosReply)
}

func (rc *RouterCore) handleDropIface(cp *signaling.CtlPkt) *signaling.CtlPkt {
	iface, _ := cp.GetInt(signaling.AttrIface)
	rc.tables.Ifaces.Drop(int(iface))
	return cp.Reply(signaling.PosReply)
}

func (rc *RouterCore) handleGetIface(cp *signaling.CtlPkt) *signaling.CtlPkt {
	iface, _ := cp.GetInt(signaling.AttrIface)
	f, ok := rc.tables.Ifaces.Get(int(iface))
	if !ok {
		return cp.Fail("no such interface")
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetString(signaling.AttrIP1, f.LocalIP.String())
	reply.SetUint(signaling.AttrPort1, uint64(f.Port))
	reply.SetString(signaling.AttrRspec1, formatRateSpec(f.Capacity))
	return reply
}

// handleModIface changes an interface's rate ceiling. Rebinding the
// interface's local IP/port/socket in place is out of scope: that
// requires tearing down and re-establishing the I/O layer's receive
// loop, which a table update alone can't drive.
func (rc *RouterCore) handleModIface(cp *signaling.CtlPkt) *signaling.CtlPkt {
	iface, _ := cp.GetInt(signaling.AttrIface)
	rspec1Str, present := cp.GetString(signaling.AttrRspec1)
	if !present {
		return cp.Reply(signaling.PosReply)
	}
	rs, err := parseRateSpec(rspec1Str)
	if err != nil {
		return cp.Fail(err.Error())
	}
	if err := rc.tables.Ifaces.SetCapacity(int(iface), rs); err != nil {
		return cp.Fail(err.Error())
	}
	return cp.Reply(signaling.PosReply)
}

// handleGetIfaceSet lists every interface id this router knows about.
func (rc *RouterCore) handleGetIfaceSet(cp *signaling.CtlPkt) *signaling.CtlPkt {
	faces := rc.tables.Ifaces.All()
	ids := make([]string, 0, len(faces))
	for _, f := range faces {
		ids = append(ids, strconv.Itoa(f.ID))
	}
	reply := cp.Reply(signaling.PosReply)
	reply.SetString(signaling.AttrStringData, strings.Join(ids, ","))
	reply.SetInt(signaling.AttrCount, int64(len(ids)))
	return reply
}

func (rc *RouterCore) handleSetLeafRange(cp *signaling.CtlPkt) *signaling.CtlPkt {
	first, _ := cp.GetUint(signaling.AttrAdr1)
	last, _ := cp.GetUint(signaling.AttrAdr2)
	rc.cfg.FirstLeafAdr = uint32(first)
	rc.cfg.LastLeafAdr = uint32(last)
	return cp.Reply(signaling.PosReply)
}

func (rc *RouterCore) handleEnablePacketLog(cp *signaling.CtlPkt) *signaling.CtlPkt {
	lnk, _ := cp.GetInt(signaling.AttrLink)
	ct, _ := cp.GetUint(signaling.AttrComtree)
	typ, _ := cp.GetInt(signaling.AttrIndex1)
	sessionID := rc.log.Enable(pktlog.Filter{Link: int(lnk), Comtree: uint32(ct), Type: wire.PacketType(typ)})
	reply := cp.Reply(signaling.PosReply)
	reply.SetString(signaling.AttrStringData, sessionID.String())
	return reply
}

func (rc *RouterCore) handleGetLoggedPackets(cp *signaling.CtlPkt) *signaling.CtlPkt {
	entries := rc.log.Drain()
	reply := cp.Reply(signaling.PosReply)
	reply.SetInt(signaling.AttrCount, int64(len(entries)))
	return reply
}
