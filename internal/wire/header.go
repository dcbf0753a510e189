// Package wire implements the Forest overlay packet wire format:
// header layout, addressing rules and rate-spec arithmetic shared by
// every data-plane and control-plane component.
package wire

import (
	"encoding/binary"
	"errors"
)

// Header sizes, in bytes.
const (
	HdrLength  = 20 // 5 big-endian words
	MaxPktLeng = 1600
)

// Packet types (spec.md §3).
type PacketType uint8

const (
	ClientData PacketType = 1
	SubUnsub   PacketType = 2
	Connect    PacketType = 3
	Disconnect PacketType = 4
	RteReply   PacketType = 5
	ClientSig  PacketType = 6
	NetSig     PacketType = 7

	// Trusted is the first signaling packet type. pktCheck does not
	// consult it: trust there follows the inbound link's peer type.
	Trusted PacketType = ClientSig
)

// Flags (spec.md §3).
type Flags uint8

const (
	RteReqFlag Flags = 1 << 0
	AckFlag    Flags = 1 << 1
)

// ErrHeader signals a malformed or truncated header; callers treat it
// as a silent drop per spec.md §7a, never a panic.
var ErrHeader = errors.New("wire: malformed header")

// Header is the in-memory form of the 5-word Forest header.
type Header struct {
	Version  uint8
	Length   uint16 // total byte count, header+payload, not counting padding
	Type     PacketType
	Flags    Flags
	Comtree  uint32
	SrcAdr   uint32
	DstAdr   uint32

	// Ephemeral fields set by the receiver (spec.md §3); never packed
	// onto the wire.
	InLink     int
	TunSrcIP   uint32
	TunSrcPort uint16
	BufferLen  int
}

// Unpack decodes a Header from the first HdrLength bytes of buf.
// buf must contain at least HdrLength bytes.
func Unpack(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HdrLength {
		return h, ErrHeader
	}
	w0 := binary.BigEndian.Uint32(buf[0:4])
	h.Version = uint8(w0 >> 28)
	h.Length = uint16((w0 >> 16) & 0xfff)
	h.Type = PacketType((w0 >> 8) & 0xff)
	h.Flags = Flags(w0 & 0xff)
	h.Comtree = binary.BigEndian.Uint32(buf[4:8])
	h.SrcAdr = binary.BigEndian.Uint32(buf[8:12])
	h.DstAdr = binary.BigEndian.Uint32(buf[12:16])
	// buf[16:20] is the header error check, a no-op hook (spec.md §9 open question).
	return h, nil
}

// Pack encodes h into the first HdrLength bytes of buf. buf must have
// length >= HdrLength.
func Pack(h Header, buf []byte) {
	w0 := uint32(h.Version&0xf)<<28 |
		uint32(h.Length&0xfff)<<16 |
		uint32(h.Type)<<8 |
		uint32(h.Flags)
	binary.BigEndian.PutUint32(buf[0:4], w0)
	binary.BigEndian.PutUint32(buf[4:8], h.Comtree)
	binary.BigEndian.PutUint32(buf[8:12], h.SrcAdr)
	binary.BigEndian.PutUint32(buf[12:16], h.DstAdr)
	binary.BigEndian.PutUint32(buf[16:20], 0) // hdr error check: no-op
}

// HdrErrCheck is a no-op hook reserved for a CRC-like header check
// (spec.md §9's open question leaves this unimplemented by design).
func HdrErrCheck([]byte) bool { return true }

// PayErrCheck is the payload analogue of HdrErrCheck.
func PayErrCheck([]byte) bool { return true }

// IsUnicast reports whether adr has both a non-zero zip and non-zero
// local part, per spec.md §3.
func IsUnicast(adr uint32) bool {
	zip := adr >> 16
	local := adr & 0xffff
	return zip != 0 && local != 0 && !IsMulticast(adr)
}

// IsMulticast reports whether adr carries the multicast bit pattern
// (its top bit set, i.e. adr interpreted as a signed 32-bit value is
// negative).
func IsMulticast(adr uint32) bool {
	return adr&0x80000000 != 0
}

// Zip returns the 16-bit zip code (high half) of a unicast address.
func Zip(adr uint32) uint16 { return uint16(adr >> 16) }

// Local returns the 16-bit local address (low half) of a unicast address.
func Local(adr uint32) uint16 { return uint16(adr & 0xffff) }

// TruPktLeng returns the "true" length used for rate accounting: the
// packet's on-wire byte length, floored at the header length.
func TruPktLeng(length uint16) int {
	if int(length) < HdrLength {
		return HdrLength
	}
	return int(length)
}
