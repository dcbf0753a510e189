package ioproc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/forest-router/internal/iftable"
	"github.com/your-org/forest-router/internal/linktable"
	"github.com/your-org/forest-router/internal/pktstore"
	"github.com/your-org/forest-router/internal/wire"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestReadLoopResolvesLinkByPeerAddress(t *testing.T) {
	store := pktstore.New(16, 16, false)
	ifaces := iftable.New()
	links := linktable.New()

	serverConn := listenLoopback(t)
	clientConn := listenLoopback(t)

	require.NoError(t, ifaces.Add(1, net.IPv4(127, 0, 0, 1), uint16(serverConn.LocalAddr().(*net.UDPAddr).Port), wire.RateSpec{BitRateUp: 1_000_000, BitRateDown: 1_000_000, PktRateUp: 1000, PktRateDown: 1000}))
	ifaces.SetConn(1, serverConn)

	clientPort := uint16(clientConn.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, links.Add(1, 1, net.IPv4(127, 0, 0, 1), clientPort, 0x00010002, linktable.Client, 0xabc, wire.RateSpec{}))
	require.NoError(t, links.Connect(1, net.IPv4(127, 0, 0, 1), clientPort))

	proc := New(store, ifaces, links, nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc.Start(ctx)

	buf := make([]byte, wire.HdrLength+8)
	wire.Pack(wire.Header{Version: 1, Length: uint16(len(buf)), Type: wire.ClientData, Comtree: 500, SrcAdr: 0x00010002, DstAdr: 0x00010003}, buf)
	_, err := clientConn.WriteToUDP(buf, serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case rcv := <-proc.In():
		assert.Equal(t, 1, rcv.InLink)
		assert.Equal(t, uint32(500), rcv.Header.Comtree)
		store.Free(rcv.Px)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for received datagram")
	}
}

func TestReadLoopLeavesInLinkZeroForUnknownPeer(t *testing.T) {
	store := pktstore.New(16, 16, false)
	ifaces := iftable.New()
	links := linktable.New()

	serverConn := listenLoopback(t)
	clientConn := listenLoopback(t)

	require.NoError(t, ifaces.Add(1, net.IPv4(127, 0, 0, 1), uint16(serverConn.LocalAddr().(*net.UDPAddr).Port), wire.RateSpec{}))
	ifaces.SetConn(1, serverConn)

	proc := New(store, ifaces, links, nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc.Start(ctx)

	buf := make([]byte, wire.HdrLength)
	wire.Pack(wire.Header{Version: 1, Length: wire.HdrLength, Type: wire.Connect}, buf)
	_, err := clientConn.WriteToUDP(buf, serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case rcv := <-proc.In():
		assert.Equal(t, 0, rcv.InLink)
		store.Free(rcv.Px)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for received datagram")
	}
}

func TestSendFreesPacketEvenOnFailure(t *testing.T) {
	store := pktstore.New(4, 4, false)
	ifaces := iftable.New()
	links := linktable.New()
	proc := New(store, ifaces, links, nil, 8)

	px := store.Alloc()
	require.NotZero(t, px)
	store.SetHeader(px, wire.Header{Length: wire.HdrLength})

	err := proc.Send(99, px)
	assert.Error(t, err, "unknown link must fail")
	assert.Zero(t, store.RefCount(px), "packet must be freed even when Send fails")
}
