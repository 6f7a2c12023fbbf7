// Package bgp implements a BGP-4 speaker: the session finite-state machine,
// the decision process and the update-send process.
package bgp

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/davidbalbert/chatter/chatterd/common"
)

// Port is the well-known BGP port.
const Port = 179

var (
	ErrASLoop   = errors.New("bgp: AS loop detected")
	ErrFiltered = errors.New("bgp: route filtered")
)

type State int

const (
	StateIdle State = iota
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
	numStates
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Event int

const (
	EventManualStart Event = iota
	EventConnectRetryTimerExpires
	EventHoldTimerExpires
	EventKeepaliveTimerExpires
	EventTCPConnectionConfirmed
	EventTCPConnectionFails
	EventOpenMsg
	EventKeepaliveMsg
	EventUpdateMsg
	numEvents
)

func (e Event) String() string {
	switch e {
	case EventManualStart:
		return "ManualStart"
	case EventConnectRetryTimerExpires:
		return "ConnectRetryTimer_Expires"
	case EventHoldTimerExpires:
		return "HoldTimer_Expires"
	case EventKeepaliveTimerExpires:
		return "KeepaliveTimer_Expires"
	case EventTCPConnectionConfirmed:
		return "TcpConnectionConfirmed"
	case EventTCPConnectionFails:
		return "TcpConnectionFails"
	case EventOpenMsg:
		return "OpenMsgEvent"
	case EventKeepaliveMsg:
		return "KeepAliveMsgEvent"
	case EventUpdateMsg:
		return "UpdateMsgEvent"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// SessionType is IGP for peers in our own AS and EGP otherwise. The values
// double as the ORIGIN we attach to routes sent over the session.
type SessionType int

const (
	SessionIGP SessionType = iota
	SessionEGP
)

func (t SessionType) String() string {
	switch t {
	case SessionIGP:
		return "IGP"
	case SessionEGP:
		return "EGP"
	default:
		return fmt.Sprintf("SessionType(%d)", int(t))
	}
}

// Origin is the ORIGIN path attribute. Lower values are preferred.
type Origin uint8

const (
	OriginIGP Origin = iota
	OriginEGP
	OriginIncomplete
)

func (o Origin) String() string {
	switch o {
	case OriginIGP:
		return "IGP"
	case OriginEGP:
		return "EGP"
	case OriginIncomplete:
		return "Incomplete"
	default:
		return fmt.Sprintf("Origin(%d)", int(o))
	}
}

// ChangeType is the outcome of the decision process, and tells the
// update-send process who to tell.
type ChangeType int

const (
	NoChange ChangeType = iota
	NewRouteAdded
	RouteDestinationChanged
	NewSessionEstablished
)

func (c ChangeType) String() string {
	switch c {
	case NoChange:
		return "NoChange"
	case NewRouteAdded:
		return "NewRouteAdded"
	case RouteDestinationChanged:
		return "RouteDestinationChanged"
	case NewSessionEstablished:
		return "NewSessionEstablished"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(c))
	}
}

// Entry is a route in the BGP routing table. There is at most one entry per
// prefix.
type Entry struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr
	Interface string
	Origin    Origin
	ASPath    []common.ASN

	// Peer is the session the entry was learned from.
	Peer netip.Addr
}

func (e Entry) String() string {
	return fmt.Sprintf("%s via %s origin %s path %v", e.Prefix, e.NextHop, e.Origin, e.ASPath)
}

func (e Entry) equal(other Entry) bool {
	return e.Prefix == other.Prefix &&
		e.NextHop == other.NextHop &&
		e.Origin == other.Origin &&
		slices.Equal(e.ASPath, other.ASPath)
}

// Stats counts messages sent and received on a session.
type Stats struct {
	OpenSent      uint64
	OpenRecv      uint64
	KeepaliveSent uint64
	KeepaliveRecv uint64
	UpdateSent    uint64
	UpdateRecv    uint64
}
