// Package ioproc is the Forest router's I/O processor: it owns the
// UDP sockets bound to each configured interface, reads datagrams off
// them into packet-store buffers, resolves which link a datagram
// arrived on, and writes outbound datagrams back out. Reliability and
// wire-level interpretation of packet content live in routercore and
// signaling; ioproc only moves bytes (spec.md §4.4).
package ioproc

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/your-org/forest-router/internal/iftable"
	"github.com/your-org/forest-router/internal/linktable"
	"github.com/your-org/forest-router/internal/pktstore"
	"github.com/your-org/forest-router/internal/wire"
)

// Received is one datagram read off an interface socket, with its
// header already parsed and its originating link resolved as far as
// possible without consulting control-plane state.
type Received struct {
	Px       pktstore.Px
	Header   wire.Header
	Iface    int
	PeerIP   net.IP
	PeerPort uint16
	// InLink is the resolved link id, looked up first by peer address
	// then, for packets from a not-yet-connected peer, by the nonce
	// carried in the first 8 bytes of payload. 0 means unresolved;
	// routercore's pktCheck rejects such packets.
	InLink int
}

// Processor reads and writes UDP datagrams across every registered
// interface, fanning inbound reads into a single channel so
// routercore's main loop never has to poll sockets directly.
type Processor struct {
	store  *pktstore.Store
	ifaces *iftable.Table
	links  *linktable.Table
	logger *zap.Logger

	in chan Received
}

// New returns a Processor. Call Start once every interface has been
// registered in ifaces and bound to a live *net.UDPConn.
func New(store *pktstore.Store, ifaces *iftable.Table, links *linktable.Table, logger *zap.Logger, queueDepth int) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:  store,
		ifaces: ifaces,
		links:  links,
		logger: logger,
		in:     make(chan Received, queueDepth),
	}
}

// In returns the channel routercore's main loop drains received
// datagrams from.
func (p *Processor) In() <-chan Received { return p.in }

// Start spawns one reader goroutine per currently-registered
// interface with a bound connection. Each goroutine runs until ctx is
// canceled or its socket closes.
func (p *Processor) Start(ctx context.Context) {
	for _, iface := range p.ifaces.All() {
		if iface.Conn == nil {
			continue
		}
		go p.readLoop(ctx, iface.ID, iface.Conn)
	}
}

func (p *Processor) readLoop(ctx context.Context, ifaceID int, conn *net.UDPConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		px := p.store.Alloc()
		if px == 0 {
			p.logger.Warn("packet store exhausted, dropping read opportunity", zap.Int("iface", ifaceID))
			continue
		}
		buf := p.store.Buffer(px)
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			p.store.Free(px)
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("udp read error", zap.Int("iface", ifaceID), zap.Error(err))
			continue
		}
		if n < wire.HdrLength {
			p.store.Free(px)
			continue
		}

		hdr, err := wire.Unpack(buf[:n])
		if err != nil {
			p.store.Free(px)
			p.logger.Debug("malformed header, dropped", zap.Int("iface", ifaceID), zap.Error(err))
			continue
		}
		hdr.InLink = 0
		hdr.BufferLen = n
		p.store.SetHeader(px, hdr)

		rcv := Received{
			Px:       px,
			Header:   hdr,
			Iface:    ifaceID,
			PeerIP:   peer.IP,
			PeerPort: uint16(peer.Port),
			InLink:   p.links.LookupAddr(peer.IP, uint16(peer.Port)),
		}
		if rcv.InLink == 0 {
			if nonce, ok := leadingNonce(buf[wire.HdrLength:n]); ok {
				rcv.InLink = p.links.LookupNonce(nonce)
			}
		}

		select {
		case p.in <- rcv:
		case <-ctx.Done():
			p.store.Free(px)
			return
		}
	}
}

// leadingNonce extracts an 8-byte big-endian nonce from the front of
// a CONNECT/DISCONNECT payload, per spec.md §4.4's control packet
// layout. It reports false if the payload is too short to carry one.
func leadingNonce(payload []byte) (uint64, bool) {
	if len(payload) < 8 {
		return 0, false
	}
	var n uint64
	for i := 0; i < 8; i++ {
		n = n<<8 | uint64(payload[i])
	}
	return n, true
}

// Send transmits the packet held at px out over lnk's bound
// interface, addressed to the link's peer. The packet is always
// freed, whether or not the write succeeds — Send never blocks the
// caller on a slow or unreachable peer, matching the non-blocking
// send semantics of spec.md §4.4.
func (p *Processor) Send(lnk int, px pktstore.Px) error {
	defer p.store.Free(px)

	l, ok := p.links.Get(lnk)
	if !ok {
		return fmt.Errorf("ioproc: no such link %d", lnk)
	}
	iface, ok := p.ifaces.Get(l.Iface)
	if !ok || iface.Conn == nil {
		return fmt.Errorf("ioproc: link %d's interface %d has no bound socket", lnk, l.Iface)
	}

	hdr := p.store.Header(px)
	buf := p.store.Buffer(px)
	wire.Pack(hdr, buf)

	n := hdr.BufferLen
	if n <= 0 || n > len(buf) {
		n = wire.TruPktLeng(hdr.Length)
	}
	addr := &net.UDPAddr{IP: l.PeerIP, Port: int(l.PeerPort)}
	_, err := iface.Conn.WriteToUDP(buf[:n], addr)
	if err != nil {
		p.logger.Debug("udp write failed", zap.Int("link", lnk), zap.Error(err))
	}
	return err
}
