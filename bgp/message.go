package bgp

import (
	"net/netip"

	"github.com/davidbalbert/chatter/chatterd/common"
)

type MessageType uint8

const (
	MessageOpen      MessageType = 1
	MessageUpdate    MessageType = 2
	MessageKeepalive MessageType = 4
)

// Message is one of *Open, *Keepalive or *Update.
type Message interface {
	Type() MessageType
}

type Open struct {
	AS       common.ASN
	HoldTime uint16 // seconds
	RouterID common.RouterID
}

type Keepalive struct{}

type Update struct {
	Withdrawn []netip.Prefix

	Origin  Origin
	ASPath  []common.ASN
	NextHop netip.Addr
	NLRI    []netip.Prefix
}

func (*Open) Type() MessageType      { return MessageOpen }
func (*Keepalive) Type() MessageType { return MessageKeepalive }
func (*Update) Type() MessageType    { return MessageUpdate }
