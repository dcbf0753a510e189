// Package signaling implements the Forest router's in-band control
// protocol: typed, attribute-valued request/reply messages carried as
// the payload of CLIENT_SIG and NET_SIG packets (spec.md §4.1/§4.5).
package signaling

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// CpType identifies the operation a control packet requests.
type CpType int

const (
	Undefined CpType = iota

	AddIface
	DropIface
	GetIface
	ModIface
	GetIfaceSet

	AddLink
	DropLink
	GetLink
	ModLink
	GetLinkSet

	AddComtree
	DropComtree
	GetComtree
	ModComtree
	GetComtreeSet

	AddComtreeLink
	DropComtreeLink
	GetComtreeLink
	ModComtreeLink
	GetComtreeLinkSet

	AddRoute
	DropRoute
	GetRoute
	ModRoute
	GetRouteSet

	AddFilter
	DropFilter
	GetFilter
	ModFilter
	GetFilterSet

	GetLoggedPackets
	EnablePacketLog

	SetLeafRange

	BootRouter
	BootComplete
	BootAbort

	ClientConnect
	ClientDisconnect
)

var cpTypeNames = map[CpType]string{
	Undefined:          "undefined",
	AddIface:           "addIface",
	DropIface:          "dropIface",
	GetIface:           "getIface",
	ModIface:           "modIface",
	GetIfaceSet:        "getIfaceSet",
	AddLink:            "addLink",
	DropLink:           "dropLink",
	GetLink:            "getLink",
	ModLink:            "modLink",
	GetLinkSet:         "getLinkSet",
	AddComtree:         "addComtree",
	DropComtree:        "dropComtree",
	GetComtree:         "getComtree",
	ModComtree:         "modComtree",
	GetComtreeSet:      "getComtreeSet",
	AddComtreeLink:     "addComtreeLink",
	DropComtreeLink:    "dropComtreeLink",
	GetComtreeLink:     "getComtreeLink",
	ModComtreeLink:     "modComtreeLink",
	GetComtreeLinkSet:  "getComtreeLinkSet",
	AddRoute:           "addRoute",
	DropRoute:          "dropRoute",
	GetRoute:           "getRoute",
	ModRoute:           "modRoute",
	GetRouteSet:        "getRouteSet",
	AddFilter:          "addFilter",
	DropFilter:         "dropFilter",
	GetFilter:          "getFilter",
	ModFilter:          "modFilter",
	GetFilterSet:       "getFilterSet",
	GetLoggedPackets:   "getLoggedPackets",
	EnablePacketLog:    "enablePacketLog",
	SetLeafRange:       "setLeafRange",
	BootRouter:         "bootRouter",
	BootComplete:       "bootComplete",
	BootAbort:          "bootAbort",
	ClientConnect:      "clientConnect",
	ClientDisconnect:   "clientDisconnect",
}

var cpTypeByName = func() map[string]CpType {
	m := make(map[string]CpType, len(cpTypeNames))
	for t, name := range cpTypeNames {
		m[name] = t
	}
	return m
}()

func (t CpType) String() string {
	if name, ok := cpTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Mode distinguishes a request from its two possible reply outcomes.
type Mode int

const (
	Request Mode = iota
	PosReply
	NegReply
)

func (m Mode) String() string {
	switch m {
	case Request:
		return "REQUEST"
	case PosReply:
		return "POS_REPLY"
	case NegReply:
		return "NEG_REPLY"
	default:
		return "?"
	}
}

// Attr names the attribute keys a CtlPkt's payload may carry.
type Attr string

const (
	AttrIface      Attr = "iface"
	AttrLink       Attr = "link"
	AttrComtree    Attr = "comtree"
	AttrRspec1     Attr = "rspec1"
	AttrRspec2     Attr = "rspec2"
	AttrNodeType   Attr = "nodeType"
	AttrIP1        Attr = "ip1"
	AttrPort1      Attr = "port1"
	AttrAdr1       Attr = "adr1"
	AttrAdr2       Attr = "adr2"
	AttrCoreFlag   Attr = "coreFlag"
	AttrQueue      Attr = "queue"
	AttrCount      Attr = "count"
	AttrIndex1     Attr = "index1"
	AttrIndex2     Attr = "index2"
	AttrNonce      Attr = "nonce"
	AttrStringData Attr = "stringData"
	AttrErrMsg     Attr = "errMsg"
)

// CtlPkt is a decoded control packet: the request/reply envelope
// (type, mode, sequence number) plus its attribute set.
type CtlPkt struct {
	Type   CpType
	Mode   Mode
	SeqNum uint64
	Attrs  map[Attr]string
}

// New returns a request CtlPkt of the given type with an empty
// attribute set.
func New(t CpType, seqNum uint64) *CtlPkt {
	return &CtlPkt{Type: t, Mode: Request, SeqNum: seqNum, Attrs: make(map[Attr]string)}
}

// Reply builds a reply to cp with the given mode, copying its type
// and sequence number as the Forest protocol requires for matching a
// reply back to its request.
func (cp *CtlPkt) Reply(mode Mode) *CtlPkt {
	return &CtlPkt{Type: cp.Type, Mode: mode, SeqNum: cp.SeqNum, Attrs: make(map[Attr]string)}
}

// Fail is a convenience for building a NEG_REPLY carrying an error
// message.
func (cp *CtlPkt) Fail(msg string) *CtlPkt {
	r := cp.Reply(NegReply)
	r.Attrs[AttrErrMsg] = msg
	return r
}

func (cp *CtlPkt) SetInt(a Attr, v int64)     { cp.Attrs[a] = strconv.FormatInt(v, 10) }
func (cp *CtlPkt) SetUint(a Attr, v uint64)   { cp.Attrs[a] = strconv.FormatUint(v, 10) }
func (cp *CtlPkt) SetString(a Attr, v string) { cp.Attrs[a] = v }
func (cp *CtlPkt) SetBool(a Attr, v bool)     { cp.Attrs[a] = strconv.FormatBool(v) }

func (cp *CtlPkt) GetInt(a Attr) (int64, bool) {
	v, ok := cp.Attrs[a]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func (cp *CtlPkt) GetUint(a Attr) (uint64, bool) {
	v, ok := cp.Attrs[a]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}

func (cp *CtlPkt) GetString(a Attr) (string, bool) {
	v, ok := cp.Attrs[a]
	return v, ok
}

func (cp *CtlPkt) GetBool(a Attr) (bool, bool) {
	v, ok := cp.Attrs[a]
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

// Has reports whether attribute a was present in the packet.
func (cp *CtlPkt) Has(a Attr) bool {
	_, ok := cp.Attrs[a]
	return ok
}

// Encode serializes cp to a CLIENT_SIG/NET_SIG payload: a header
// line of "type mode seqNum" followed by one "name=value" line per
// attribute, matching the plain-text control protocol Forest routers
// speak to each other and to the net-mgr/client-lib.
func Encode(cp *CtlPkt) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %d\n", cp.Type, cp.Mode, cp.SeqNum)
	for a, v := range cp.Attrs {
		fmt.Fprintf(&buf, "%s=%s\n", a, v)
	}
	return buf.Bytes()
}

// Decode parses a control-packet payload produced by Encode.
func Decode(payload []byte) (*CtlPkt, error) {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	if !scanner.Scan() {
		return nil, fmt.Errorf("signaling: empty control packet")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) != 3 {
		return nil, fmt.Errorf("signaling: malformed control packet header %q", scanner.Text())
	}
	t, ok := cpTypeByName[fields[0]]
	if !ok {
		return nil, fmt.Errorf("signaling: unknown control packet type %q", fields[0])
	}
	var mode Mode
	switch fields[1] {
	case "REQUEST":
		mode = Request
	case "POS_REPLY":
		mode = PosReply
	case "NEG_REPLY":
		mode = NegReply
	default:
		return nil, fmt.Errorf("signaling: unknown mode %q", fields[1])
	}
	seqNum, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("signaling: malformed seqNum %q: %w", fields[2], err)
	}

	cp := &CtlPkt{Type: t, Mode: mode, SeqNum: seqNum, Attrs: make(map[Attr]string)}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		name, val, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("signaling: malformed attribute line %q", line)
		}
		cp.Attrs[Attr(name)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("signaling: %w", err)
	}
	return cp, nil
}
