package routercore

// The main loop: receive, validate, classify and dispatch every
// datagram, drain the scheduler, and service the control plane, all
// from a single cooperative loop (spec.md §4.5).

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/forest-router/internal/adminserver"
	"github.com/your-org/forest-router/internal/comtreetable"
	"github.com/your-org/forest-router/internal/config"
	"github.com/your-org/forest-router/internal/iftable"
	"github.com/your-org/forest-router/internal/ioproc"
	"github.com/your-org/forest-router/internal/linktable"
	"github.com/your-org/forest-router/internal/pktlog"
	"github.com/your-org/forest-router/internal/pktstore"
	"github.com/your-org/forest-router/internal/queuemgr"
	"github.com/your-org/forest-router/internal/routetable"
	"github.com/your-org/forest-router/internal/signaling"
	"github.com/your-org/forest-router/internal/statsmodule"
	"github.com/your-org/forest-router/internal/tracing"
	"github.com/your-org/forest-router/internal/wire"
)

// controlBudget is how many otherwise-busy iterations the main loop
// runs before it is guaranteed to service one pending control packet,
// ensuring control-plane progress even under sustained data load
// (spec.md §4.5).
const controlBudget = 20

// RouterCore owns the tables, scheduler and I/O processor and drives
// them from a single-threaded cooperative loop.
type RouterCore struct {
	cfg     *config.Config
	tables  *Tables
	store   *pktstore.Store
	qm      *queuemgr.Manager
	io      *ioproc.Processor
	tracker *signaling.Tracker
	log     *pktlog.Log
	logger  *zap.Logger

	myAdr uint32

	controlQueue chan ioproc.Received
	controlCount int
	booting      bool
}

// New builds a RouterCore over already-constructed collaborators.
// Call Setup (or wait for a BOOT_ROUTER reply to trigger it, in remote
// mode) before Run.
func New(cfg *config.Config, tables *Tables, store *pktstore.Store, qm *queuemgr.Manager, io *ioproc.Processor, tracker *signaling.Tracker, log *pktlog.Log, logger *zap.Logger) *RouterCore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RouterCore{
		cfg: cfg, tables: tables, store: store, qm: qm, io: io, tracker: tracker, log: log, logger: logger,
		myAdr:        cfg.MyAdr,
		controlQueue: make(chan ioproc.Received, 256),
		controlCount: controlBudget,
		booting:      cfg.Mode == config.ModeRemote,
	}
}

// QueueStats samples every comtree link's queue occupancy, for the
// admin server's /queues endpoint.
func (rc *RouterCore) QueueStats() []adminserver.QueueStat {
	var out []adminserver.QueueStat
	seen := make(map[[2]int]bool)
	for _, ct := range rc.tables.Comtrees.All() {
		for lnk, cl := range ct.Links {
			key := [2]int{lnk, cl.QueueID}
			if seen[key] {
				continue
			}
			seen[key] = true
			npkts, nbytes, ok := rc.qm.QueueDepth(lnk, cl.QueueID)
			if !ok {
				continue
			}
			out = append(out, adminserver.QueueStat{Link: lnk, Queue: cl.QueueID, Packets: npkts, Bytes: nbytes})
		}
	}
	return out
}

// Setup loads the configured table files, binds every interface's UDP
// socket, registers every link and comtree-link with the scheduler,
// and establishes the rate hierarchy. A failure here is fatal for
// startup (spec.md §7g).
func (rc *RouterCore) Setup() error {
	ift, err := readIfaceTable(rc.cfg.IfTbl)
	if err != nil {
		return fmt.Errorf("routercore: interface table: %w", err)
	}
	lt, err := readLinkTable(rc.cfg.LnkTbl)
	if err != nil {
		return fmt.Errorf("routercore: link table: %w", err)
	}
	ct, err := readComtreeTable(rc.cfg.ComtTbl)
	if err != nil {
		return fmt.Errorf("routercore: comtree table: %w", err)
	}
	rt, err := readRouteTable(rc.cfg.RteTbl)
	if err != nil {
		return fmt.Errorf("routercore: route table: %w", err)
	}
	rc.tables.Ifaces, rc.tables.Links, rc.tables.Comtrees, rc.tables.Routes = ift, lt, ct, rt

	for _, iface := range rc.tables.Ifaces.All() {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: iface.LocalIP, Port: int(iface.Port)})
		if err != nil {
			return fmt.Errorf("routercore: bind interface %d: %w", iface.ID, err)
		}
		rc.tables.Ifaces.SetConn(iface.ID, conn)
	}

	for _, l := range rc.tables.Links.All() {
		if err := rc.qm.AddLink(l.ID, l.Committed.BitRateUp, l.Committed.PktRateUp, 0); err != nil {
			return fmt.Errorf("routercore: schedule link %d: %w", l.ID, err)
		}
	}
	seenQueues := make(map[[2]int]bool)
	for _, c := range rc.tables.Comtrees.All() {
		for lnk, cl := range c.Links {
			key := [2]int{lnk, cl.QueueID}
			if seenQueues[key] {
				continue
			}
			seenQueues[key] = true
			if err := rc.qm.AddQueue(lnk, cl.QueueID, 0, 0, 0); err != nil {
				return fmt.Errorf("routercore: queue %d on link %d: %w", cl.QueueID, lnk, err)
			}
		}
	}

	if err := rc.setAvailRates(); err != nil {
		return fmt.Errorf("routercore: setAvailRates: %w", err)
	}
	rc.booting = false
	return nil
}

// setAvailRates establishes the rate hierarchy: interface capacity
// minus its links' committed rates, each link's own availability
// scaled to 90% of its committed rate, minus its comtree-links'
// committed rates (spec.md §4.5).
func (rc *RouterCore) setAvailRates() error {
	rc.tables.Ifaces.Reset()
	for _, l := range rc.tables.Links.All() {
		if err := rc.tables.Ifaces.ReserveRate(l.Iface, l.Committed); err != nil {
			return fmt.Errorf("link %d oversubscribes interface %d: %w", l.ID, l.Iface, err)
		}
		rc.tables.Links.SetAvail(l.ID, l.Committed.ScalePercent(90))
	}
	for _, c := range rc.tables.Comtrees.All() {
		for lnk, cl := range c.Links {
			if err := rc.tables.Links.ReserveRate(lnk, cl.Committed); err != nil {
				return fmt.Errorf("comtree %d link %d oversubscribes link: %w", c.Number, lnk, err)
			}
		}
	}
	return nil
}

func readIfaceTable(path string) (*iftable.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return iftable.Read(bufio.NewReader(f))
}

func readLinkTable(path string) (*linktable.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return linktable.Read(bufio.NewReader(f))
}

func readComtreeTable(path string) (*comtreetable.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return comtreetable.Read(bufio.NewReader(f))
}

func readRouteTable(path string) (*routetable.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return routetable.Read(bufio.NewReader(f))
}

// Run drives the main loop until ctx is canceled. Each iteration:
// service one received datagram, drain every packet the scheduler has
// made eligible, service at most one pending control packet (subject
// to controlBudget fairness), and every 300ms record stats and run
// resendControl (spec.md §4.5).
func (rc *RouterCore) Run(ctx context.Context) error {
	rc.io.Start(ctx)

	statsTicker := time.NewTicker(300 * time.Millisecond)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		did := false

		select {
		case rcv, ok := <-rc.io.In():
			if ok {
				rc.handleReceived(ctx, rcv)
				did = true
			}
		default:
		}

		for {
			px, lnk, ok := rc.qm.Deq()
			if !ok {
				break
			}
			did = true
			rc.transmit(lnk, px)
		}

		if len(rc.controlQueue) > 0 && (!did || rc.controlCount <= 0) {
			rcv := <-rc.controlQueue
			rc.processControl(ctx, rcv)
			did = true
			rc.controlCount = controlBudget
		} else {
			rc.controlCount--
		}

		select {
		case <-statsTicker.C:
			rc.tick()
			did = true
		default:
		}

		if !did {
			time.Sleep(time.Millisecond)
		}
	}
}

func (rc *RouterCore) transmit(lnk int, px pktstore.Px) {
	hdr := rc.store.Header(px)
	n := wire.TruPktLeng(hdr.Length)
	if err := rc.io.Send(lnk, px); err != nil {
		statsmodule.RecordDropped(lnk, "send-failed")
		return
	}
	statsmodule.RecordForwarded(lnk, "out", n)
}

func (rc *RouterCore) handleReceived(ctx context.Context, rcv ioproc.Received) {
	if !rc.pktCheck(rcv) {
		statsmodule.RecordDropped(rcv.InLink, "pktcheck")
		rc.store.Free(rcv.Px)
		return
	}

	hdr := rcv.Header
	rc.log.Capture(rcv.InLink, hdr, rc.store.Payload(rcv.Px))
	statsmodule.RecordForwarded(rcv.InLink, "in", wire.TruPktLeng(hdr.Length))

	if rc.booting {
		rc.pushControl(rcv)
		return
	}

	switch hdr.Type {
	case wire.ClientData:
		rc.forward(rcv)
	case wire.SubUnsub:
		rc.subUnsub(rcv)
	case wire.RteReply:
		rc.handleRteReply(rcv)
	case wire.Connect, wire.Disconnect:
		rc.handleConnDisc(rcv)
	default:
		if hdr.DstAdr != rc.myAdr {
			rc.forward(rcv)
		} else {
			rc.pushControl(rcv)
		}
	}
}

// pktCheck enforces spec.md §4.5's validation rules: version and
// length sanity for every packet, the receiving-interface-matches-
// link check, and, for untrusted peers (the resolved link's PeerType
// below linktable.Router — not a property of the packet's own type),
// a type whitelist plus spoofed-source, destination-restriction and
// comtree-whitelist checks.
func (rc *RouterCore) pktCheck(rcv ioproc.Received) bool {
	hdr := rcv.Header
	if hdr.Version != 1 {
		return false
	}
	if hdr.BufferLen < wire.HdrLength || int(hdr.Length) != hdr.BufferLen {
		return false
	}

	if rc.booting {
		return hdr.Type == wire.NetSig && hdr.Comtree == rc.cfg.NetSigComt && hdr.SrcAdr == rc.cfg.NmAdr && hdr.DstAdr == rc.myAdr
	}

	if rcv.InLink == 0 {
		return false
	}
	l, ok := rc.tables.Links.Get(rcv.InLink)
	if !ok {
		return false
	}
	if l.Iface != rcv.Iface {
		return false
	}

	if l.PeerType >= linktable.Router {
		return true
	}

	switch hdr.Type {
	case wire.ClientData, wire.Connect, wire.Disconnect, wire.SubUnsub, wire.ClientSig:
	default:
		return false
	}

	if l.PeerAdr != 0 && l.PeerAdr != hdr.SrcAdr {
		return false
	}
	if l.PermittedDst != 0 && hdr.DstAdr != l.PermittedDst && hdr.DstAdr != rc.myAdr {
		return false
	}
	if (hdr.Type == wire.Connect || hdr.Type == wire.Disconnect) && hdr.Comtree != rc.cfg.ConnectComt {
		return false
	}
	if hdr.Type == wire.ClientSig && hdr.Comtree != rc.cfg.ClientSigComt {
		return false
	}
	return true
}

func (rc *RouterCore) enqueueOn(ct uint32, lnk int, px pktstore.Px) {
	cl, ok := rc.tables.Comtrees.GetLink(ct, lnk)
	if !ok {
		rc.store.Free(px)
		statsmodule.RecordDropped(lnk, "not-comtree-member")
		return
	}
	if !rc.qm.Enq(px, lnk, cl.QueueID) {
		rc.store.Free(px)
		statsmodule.RecordDropped(lnk, "queue-full")
	}
}

func soleLink(route routetable.Route) int {
	for lnk := range route.Links {
		return lnk
	}
	return 0
}

// forward handles a unicast or multicast CLIENT_DATA packet, or a
// self-originated control packet (InLink == 0), per spec.md §4.5.
func (rc *RouterCore) forward(rcv ioproc.Received) {
	hdr := rcv.Header
	ct, ok := rc.tables.Comtrees.Get(hdr.Comtree)
	if !ok {
		statsmodule.RecordDropped(rcv.InLink, "no-comtree")
		rc.store.Free(rcv.Px)
		return
	}

	rtx := rc.tables.Routes.Lookup(hdr.Comtree, hdr.DstAdr)
	if rtx != 0 && wire.IsUnicast(hdr.DstAdr) {
		route, _ := rc.tables.Routes.Get(rtx)
		outLink := soleLink(route)
		if hdr.Flags&wire.RteReqFlag != 0 {
			rc.sendRteReply(rcv, outLink)
			hdr.Flags &^= wire.RteReqFlag
			rc.store.SetHeader(rcv.Px, hdr)
		}
		if outLink == 0 || outLink == rcv.InLink {
			statsmodule.RecordDropped(rcv.InLink, "forward-loop")
			rc.store.Free(rcv.Px)
			return
		}
		rc.enqueueOn(ct.Number, outLink, rcv.Px)
		return
	}
	if rtx != 0 {
		rc.multiSend(rcv, ct, rtx)
		return
	}
	if wire.IsUnicast(hdr.DstAdr) {
		hdr.Flags |= wire.RteReqFlag
		rc.store.SetHeader(rcv.Px, hdr)
		rc.multiSend(rcv, ct, 0)
		return
	}
	statsmodule.RecordDropped(rcv.InLink, "no-route")
	rc.store.Free(rcv.Px)
}

// multiSend computes the neighbor set for a flood (unknown unicast
// route) or true multicast delivery and fans out clones to every
// target but one, which gets the original descriptor (spec.md §4.5).
func (rc *RouterCore) multiSend(rcv ioproc.Received, ct comtreetable.Comtree, rtx routetable.Rtx) {
	hdr := rcv.Header
	targets := make(map[int]struct{})

	if wire.IsUnicast(hdr.DstAdr) {
		myZip := wire.Zip(rc.myAdr)
		dstZip := wire.Zip(hdr.DstAdr)
		for lnk, cl := range ct.Links {
			if !cl.IsRouterLink || lnk == rcv.InLink {
				continue
			}
			if dstZip == myZip {
				if peer, ok := rc.tables.Links.Get(lnk); !ok || wire.Zip(peer.PeerAdr) != myZip {
					continue
				}
			}
			targets[lnk] = struct{}{}
		}
	} else {
		for _, lnk := range rc.tables.Comtrees.CoreLinks(ct.Number) {
			if lnk != rcv.InLink && lnk != ct.Parent {
				targets[lnk] = struct{}{}
			}
		}
		if ct.Parent != 0 && ct.Parent != rcv.InLink {
			targets[ct.Parent] = struct{}{}
		}
		if rtx != 0 {
			route, _ := rc.tables.Routes.Get(rtx)
			for lnk := range route.Links {
				if lnk != rcv.InLink {
					targets[lnk] = struct{}{}
				}
			}
		}
	}

	if len(targets) == 0 {
		rc.store.Free(rcv.Px)
		return
	}
	i, n := 0, len(targets)
	for lnk := range targets {
		i++
		px := rcv.Px
		if i != n {
			px = rc.store.Clone(rcv.Px)
			if px == 0 {
				continue
			}
		}
		rc.enqueueOn(hdr.Comtree, lnk, px)
	}
}

// sendRteReply answers a route-seeking packet (RTE_REQ set) with an
// RTE_REPLY carrying the now-known destination address back to the
// original requester, along the link the request arrived on (spec.md
// §4.5).
func (rc *RouterCore) sendRteReply(rcv ioproc.Received, knownVia int) {
	if knownVia == 0 || rcv.InLink == 0 {
		return
	}
	px := rc.store.Alloc()
	if px == 0 {
		return
	}
	payload := rc.store.Payload(px)
	binary.BigEndian.PutUint32(payload[:4], rcv.Header.DstAdr)
	rc.store.SetHeader(px, wire.Header{
		Version: 1, Type: wire.RteReply, Comtree: rcv.Header.Comtree,
		SrcAdr: rc.myAdr, DstAdr: rcv.Header.SrcAdr,
		Length: wire.HdrLength + 4, BufferLen: wire.HdrLength + 4,
	})
	rc.enqueueOn(rcv.Header.Comtree, rcv.InLink, px)
}

// handleRteReply installs a route for the address embedded in the
// reply's payload, echoes a further reply if this packet itself still
// carries RTE_REQ, and either forwards along the resulting route or
// re-floods if none exists yet (spec.md §4.5).
func (rc *RouterCore) handleRteReply(rcv ioproc.Received) {
	hdr := rcv.Header
	payload := rc.store.Payload(rcv.Px)
	if len(payload) < 4 {
		statsmodule.RecordDropped(rcv.InLink, "malformed-rte-reply")
		rc.store.Free(rcv.Px)
		return
	}
	ct, ok := rc.tables.Comtrees.Get(hdr.Comtree)
	if !ok {
		rc.store.Free(rcv.Px)
		return
	}

	if dstRtx := rc.tables.Routes.Lookup(hdr.Comtree, hdr.DstAdr); dstRtx != 0 && hdr.Flags&wire.RteReqFlag != 0 {
		route, _ := rc.tables.Routes.Get(dstRtx)
		rc.sendRteReply(rcv, soleLink(route))
	}

	learned := binary.BigEndian.Uint32(payload[:4])
	if wire.IsUnicast(learned) && rc.tables.Routes.Lookup(hdr.Comtree, learned) == 0 {
		rc.tables.Routes.AddEntry(hdr.Comtree, learned, rcv.InLink)
	}

	rtx := rc.tables.Routes.Lookup(hdr.Comtree, hdr.DstAdr)
	if rtx == 0 {
		hdr.Flags |= wire.RteReqFlag
		rc.store.SetHeader(rcv.Px, hdr)
		rc.multiSend(rcv, ct, 0)
		return
	}
	route, _ := rc.tables.Routes.Get(rtx)
	outLink := soleLink(route)
	if outLink != 0 && outLink != rcv.InLink {
		if peer, ok := rc.tables.Links.Get(outLink); ok && peer.PeerType == linktable.Router {
			rc.enqueueOn(hdr.Comtree, outLink, rcv.Px)
			return
		}
	}
	rc.store.Free(rcv.Px)
}

func zeroSlot(payload []byte, off int) {
	if off >= 0 && off+4 <= len(payload) {
		for i := 0; i < 4; i++ {
			payload[off+i] = 0
		}
	}
}

// subUnsub processes a SUB_UNSUB packet from a non-parent, non-core
// neighbor: [addCount, addrs..., dropCount, addrs...], each a 4-byte
// big-endian address, updating the route table and propagating
// upward if anything changed (spec.md §4.5).
func (rc *RouterCore) subUnsub(rcv ioproc.Received) {
	hdr := rcv.Header
	ct, ok := rc.tables.Comtrees.Get(hdr.Comtree)
	if !ok {
		rc.store.Free(rcv.Px)
		return
	}
	cl, isMember := ct.Links[rcv.InLink]
	if !isMember || cl.IsCoreLink || rcv.InLink == ct.Parent {
		statsmodule.RecordDropped(rcv.InLink, "sub-unsub-not-child")
		rc.store.Free(rcv.Px)
		return
	}

	payload := rc.store.Payload(rcv.Px)
	if len(payload) < 4 {
		rc.store.Free(rcv.Px)
		return
	}
	addCount := binary.BigEndian.Uint32(payload[0:4])
	off := 4
	if addCount > 350 || off+int(addCount)*4+4 > len(payload) {
		statsmodule.RecordDropped(rcv.InLink, "sub-unsub-malformed")
		rc.store.Free(rcv.Px)
		return
	}
	addOff := off
	addAddrs := make([]uint32, addCount)
	for i := range addAddrs {
		addAddrs[i] = binary.BigEndian.Uint32(payload[off : off+4])
		off += 4
	}
	dropCount := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	if addCount+dropCount > 350 || off+int(dropCount)*4 > len(payload) {
		statsmodule.RecordDropped(rcv.InLink, "sub-unsub-malformed")
		rc.store.Free(rcv.Px)
		return
	}
	dropOff := off
	dropAddrs := make([]uint32, dropCount)
	for i := range dropAddrs {
		dropAddrs[i] = binary.BigEndian.Uint32(payload[off : off+4])
		off += 4
	}

	propagate := false
	for i, adr := range addAddrs {
		rtx := rc.tables.Routes.Lookup(hdr.Comtree, adr)
		if rtx != 0 && rc.tables.Routes.HasLink(rtx, rcv.InLink) {
			zeroSlot(payload, addOff+i*4)
			continue
		}
		if rtx == 0 {
			var err error
			rtx, err = rc.tables.Routes.AddEntry(hdr.Comtree, adr, rcv.InLink)
			if err != nil {
				continue
			}
		} else {
			rc.tables.Routes.AddLink(rtx, rcv.InLink)
		}
		propagate = true
	}
	for i, adr := range dropAddrs {
		rtx := rc.tables.Routes.Lookup(hdr.Comtree, adr)
		if rtx == 0 {
			zeroSlot(payload, dropOff+i*4)
			continue
		}
		rc.tables.Routes.RemoveLink(rtx, rcv.InLink)
		if rc.tables.Routes.NoLinks(rtx) {
			rc.tables.Routes.RemoveEntry(rtx)
			propagate = true
		} else {
			zeroSlot(payload, dropOff+i*4)
		}
	}

	if propagate && !ct.CoreFlag && ct.Parent != 0 {
		if fwd := rc.store.FullCopy(rcv.Px); fwd != 0 {
			rc.enqueueOn(hdr.Comtree, ct.Parent, fwd)
		}
	}

	ackHdr := hdr
	ackHdr.Flags |= wire.AckFlag
	ackHdr.SrcAdr, ackHdr.DstAdr = hdr.DstAdr, hdr.SrcAdr
	ackHdr.Length, ackHdr.BufferLen = wire.HdrLength, wire.HdrLength
	if ackPx := rc.store.Alloc(); ackPx != 0 {
		rc.store.SetHeader(ackPx, ackHdr)
		rc.enqueueOn(hdr.Comtree, rcv.InLink, ackPx)
	}
	rc.store.Free(rcv.Px)
}

// handleConnDisc validates a CONNECT/DISCONNECT against the link's
// stored peer address and nonce, remaps the link between the nonce
// and (ip,port) indices, notifies the net manager of client
// connect/disconnect when one is configured, and acknowledges the
// peer (spec.md §4.5).
func (rc *RouterCore) handleConnDisc(rcv ioproc.Received) {
	hdr := rcv.Header
	if rcv.InLink == 0 {
		rc.store.Free(rcv.Px)
		return
	}
	l, ok := rc.tables.Links.Get(rcv.InLink)
	if !ok {
		rc.store.Free(rcv.Px)
		return
	}
	payload := rc.store.Payload(rcv.Px)
	if len(payload) < 8 {
		rc.store.Free(rcv.Px)
		return
	}
	nonce := binary.BigEndian.Uint64(payload[:8])
	if nonce != l.Nonce || (l.PeerAdr != 0 && hdr.SrcAdr != l.PeerAdr) {
		statsmodule.RecordDropped(rcv.InLink, "conndisc-auth")
		rc.store.Free(rcv.Px)
		return
	}

	rc.ackConnDisc(rcv, hdr)

	switch hdr.Type {
	case wire.Connect:
		if l.Connected {
			rc.tables.Links.RevertEntry(rcv.InLink)
		}
		if err := rc.tables.Links.Connect(rcv.InLink, rcv.PeerIP, rcv.PeerPort); err != nil {
			rc.logger.Warn("connect failed", zap.Int("link", rcv.InLink), zap.Error(err))
			return
		}
		if rc.cfg.NmAdr != 0 && l.PeerType == linktable.Client {
			req := signaling.New(signaling.ClientConnect, 0)
			req.SetUint(signaling.AttrAdr1, uint64(l.PeerAdr))
			req.SetInt(signaling.AttrLink, int64(rcv.InLink))
			rc.sendCpReq(rc.cfg.NmAdr, rc.cfg.NetSigComt, 0, req)
		}
	case wire.Disconnect:
		rc.tables.Links.RevertEntry(rcv.InLink)
		if l.PeerType == linktable.Client {
			if rc.cfg.NmAdr != 0 {
				req := signaling.New(signaling.ClientDisconnect, 0)
				req.SetUint(signaling.AttrAdr1, uint64(l.PeerAdr))
				rc.sendCpReq(rc.cfg.NmAdr, rc.cfg.NetSigComt, 0, req)
			}
			rc.qm.RemoveLink(rcv.InLink)
			rc.tables.Links.Drop(rcv.InLink)
		}
	}
}

func (rc *RouterCore) ackConnDisc(rcv ioproc.Received, hdr wire.Header) {
	ackHdr := hdr
	ackHdr.Flags |= wire.AckFlag
	ackHdr.SrcAdr, ackHdr.DstAdr = hdr.DstAdr, hdr.SrcAdr
	ackHdr.Length, ackHdr.BufferLen = wire.HdrLength, wire.HdrLength
	px := rc.store.Alloc()
	if px == 0 {
		return
	}
	rc.store.SetHeader(px, ackHdr)
	rc.enqueueOn(hdr.Comtree, rcv.InLink, px)
}

// pushControl enqueues a CLIENT_SIG/NET_SIG packet addressed to this
// router onto the bounded control queue, dropping it if the queue is
// already full.
func (rc *RouterCore) pushControl(rcv ioproc.Received) {
	select {
	case rc.controlQueue <- rcv:
	default:
		statsmodule.RecordDropped(rcv.InLink, "control-queue-full")
		rc.store.Free(rcv.Px)
	}
}

func (rc *RouterCore) processControl(ctx context.Context, rcv ioproc.Received) {
	cp, err := signaling.Decode(rc.store.Payload(rcv.Px))
	if err != nil {
		statsmodule.RecordDropped(rcv.InLink, "bad-control")
		rc.store.Free(rcv.Px)
		return
	}

	_, span := tracing.StartControlOp(ctx, cp.Type.String(), rcv.Header.Comtree, rcv.InLink)
	defer span.End()

	if cp.Mode != signaling.Request {
		rc.handleControlReply(cp)
		rc.store.Free(rcv.Px)
		return
	}

	reply := rc.dispatch(cp)
	origHdr, lnk := rcv.Header, rcv.InLink
	rc.store.Free(rcv.Px)
	rc.sendReply(origHdr, lnk, reply)
}

func (rc *RouterCore) sendReply(origHdr wire.Header, lnk int, reply *signaling.CtlPkt) {
	payload := signaling.Encode(reply)
	px := rc.store.Alloc()
	if px == 0 {
		return
	}
	buf := rc.store.Payload(px)
	if len(payload) > len(buf) {
		rc.store.Free(px)
		return
	}
	copy(buf, payload)
	hdr := wire.Header{
		Version: 1, Type: origHdr.Type, Comtree: origHdr.Comtree,
		SrcAdr: rc.myAdr, DstAdr: origHdr.SrcAdr,
		Length: uint16(wire.HdrLength + len(payload)), BufferLen: wire.HdrLength + len(payload),
	}
	rc.store.SetHeader(px, hdr)
	if lnk != 0 {
		rc.enqueueOn(hdr.Comtree, lnk, px)
		return
	}
	rc.forward(ioproc.Received{Px: px, Header: hdr, InLink: 0})
}

// handleControlReply matches an incoming reply to its pending
// request by sequence number, frees the held request, logs failures,
// and runs Setup on a successful BOOT_ROUTER reply (spec.md §4.5).
func (rc *RouterCore) handleControlReply(cp *signaling.CtlPkt) {
	p, ok := rc.tracker.Ack(cp.SeqNum)
	if !ok {
		return
	}
	rc.store.Free(p.Px)
	if cp.Mode == signaling.NegReply {
		msg, _ := cp.GetString(signaling.AttrErrMsg)
		rc.logger.Warn("control request failed", zap.String("type", cp.Type.String()), zap.String("error", msg))
		return
	}
	if cp.Type == signaling.BootRouter && rc.booting {
		if err := rc.Setup(); err != nil {
			rc.logger.Fatal("setup after boot failed", zap.Error(err))
		}
	}
}

// sendCpReq is how RouterCore originates its own signaling requests
// (boot handshake, client connect/disconnect notifications): it
// allocates, encodes, tracks the request for retransmission, and
// sends a full copy either directly out viaLink or by routing toward
// dstAdr (spec.md §4.5).
func (rc *RouterCore) sendCpReq(dstAdr, comtree uint32, viaLink int, cp *signaling.CtlPkt) (uint64, error) {
	seq := rc.tracker.NextSeqNum()
	cp.SeqNum = seq
	payload := signaling.Encode(cp)

	px := rc.store.Alloc()
	if px == 0 {
		return 0, fmt.Errorf("routercore: packet store exhausted")
	}
	buf := rc.store.Payload(px)
	if len(payload) > len(buf) {
		rc.store.Free(px)
		return 0, fmt.Errorf("routercore: control payload too large")
	}
	copy(buf, payload)
	hdr := wire.Header{
		Version: 1, Type: wire.NetSig, Comtree: comtree, SrcAdr: rc.myAdr, DstAdr: dstAdr,
		Length: uint16(wire.HdrLength + len(payload)), BufferLen: wire.HdrLength + len(payload),
	}
	rc.store.SetHeader(px, hdr)
	rc.tracker.Track(seq, px, viaLink, time.Now())

	sendPx := rc.store.FullCopy(px)
	if sendPx == 0 {
		return seq, fmt.Errorf("routercore: packet store exhausted for send copy")
	}
	if viaLink != 0 {
		rc.enqueueOn(comtree, viaLink, sendPx)
	} else {
		rc.forward(ioproc.Received{Px: sendPx, Header: hdr, InLink: 0})
	}
	statsmodule.RecordControlSent(cp.Type.String())
	return seq, nil
}

// tick runs every 300ms: resendControl's retry/drop sweep, and
// publishing link/queue occupancy to Prometheus (spec.md §4.5/§4.6).
func (rc *RouterCore) tick() {
	now := time.Now()
	toResend, dropped := rc.tracker.Due(now)
	for _, p := range toResend {
		clone := rc.store.Clone(p.Px)
		if clone == 0 {
			continue
		}
		hdr := rc.store.Header(p.Px)
		if p.Link != 0 {
			rc.enqueueOn(hdr.Comtree, p.Link, clone)
		} else {
			rc.forward(ioproc.Received{Px: clone, Header: hdr, InLink: 0})
		}
		statsmodule.RecordControlSent(strconv.Itoa(int(hdr.Type)))
	}
	for _, p := range dropped {
		hdr := rc.store.Header(p.Px)
		statsmodule.RecordControlDropped(strconv.Itoa(int(hdr.Type)))
		rc.store.Free(p.Px)
		rc.logger.Warn("control request abandoned after max retries", zap.Int("link", p.Link), zap.Uint64("seq", p.SeqNum))
	}
	statsmodule.SetPendingControlRequests(rc.tracker.Len())

	for _, q := range rc.QueueStats() {
		statsmodule.SetQueueDepth(q.Link, q.Queue, q.Packets, q.Bytes)
	}
}
