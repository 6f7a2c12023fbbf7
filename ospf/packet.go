package ospf

import (
	"fmt"
	"net/netip"

	"github.com/davidbalbert/chatter/chatterd/common"
	"golang.org/x/net/ipv4"
)

var (
	AllSPFRouters = netip.MustParseAddr("224.0.0.5")
	AllDRouters   = netip.MustParseAddr("224.0.0.6")
)

const (
	// Options
	capE = 1 << 1

	mtu          = 1500
	headerSize   = 24
	minDDSize    = headerSize + 8
	minLSRSize   = headerSize
	reqSize      = 12
	maxDDHeaders = (mtu - ipv4.HeaderLen - minDDSize) / lsaHeaderLen
	maxRequests  = (mtu - ipv4.HeaderLen - minLSRSize) / reqSize
)

type PacketType uint8

const (
	PacketHello                PacketType = 1
	PacketDatabaseDescription  PacketType = 2
	PacketLinkStateRequest     PacketType = 3
	PacketLinkStateUpdate      PacketType = 4
	PacketLinkStateAcknowledge PacketType = 5
)

func (t PacketType) String() string {
	switch t {
	case PacketHello:
		return "Hello"
	case PacketDatabaseDescription:
		return "Database Description"
	case PacketLinkStateRequest:
		return "Link State Request"
	case PacketLinkStateUpdate:
		return "Link State Update"
	case PacketLinkStateAcknowledge:
		return "Link State Acknowledgment"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Header is the part common to every packet.
type Header struct {
	RouterID common.RouterID
	AreaID   common.AreaID
	AuthType uint16
	AuthKey  string
}

// Packet is one of *Hello, *DatabaseDescription, *LinkStateRequest,
// *LinkStateUpdate or *LinkStateAck. Packets travel over a simulated
// segment as values and are shared by every receiver, so receivers must not
// modify them.
type Packet interface {
	Type() PacketType
	header() *Header
}

type Hello struct {
	Header
	Bits          int
	HelloInterval uint16
	Options       uint8
	Priority      uint8
	DeadInterval  uint32
	DR            netip.Addr
	BDR           netip.Addr
	Neighbors     []common.RouterID
}

type DatabaseDescription struct {
	Header
	MTU     uint16
	Options uint8
	Init    bool
	More    bool
	Master  bool
	Seq     uint32
	Headers []LSAHeader
}

type LinkStateRequest struct {
	Header
	Requests []LSAKey
}

type LinkStateUpdate struct {
	Header
	LSAs []*LSA
}

type LinkStateAck struct {
	Header
	Headers []LSAHeader
}

func (*Hello) Type() PacketType               { return PacketHello }
func (*DatabaseDescription) Type() PacketType { return PacketDatabaseDescription }
func (*LinkStateRequest) Type() PacketType    { return PacketLinkStateRequest }
func (*LinkStateUpdate) Type() PacketType     { return PacketLinkStateUpdate }
func (*LinkStateAck) Type() PacketType        { return PacketLinkStateAcknowledge }

func (h *Header) header() *Header { return h }

// sameDD reports whether dd repeats prev (RFC 2328 §10.6).
func sameDD(prev, dd *DatabaseDescription) bool {
	if prev == nil {
		return false
	}

	return prev.Init == dd.Init && prev.More == dd.More && prev.Master == dd.Master && prev.Options == dd.Options && prev.Seq == dd.Seq
}
