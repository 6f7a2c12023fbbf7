// Package transport provides the socket abstraction the routing protocols
// consume: reliable message streams for BGP and multi-access segments for
// OSPF. Callbacks are always delivered on the event loop goroutine.
package transport

import (
	"errors"
	"fmt"
	"net/netip"
)

var ErrClosed = errors.New("transport: socket closed")

type State int

const (
	StateNotBound State = iota
	StateConnecting
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotBound:
		return "NotBound"
	case StateConnecting:
		return "Connecting"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type FailureCode int

const (
	FailureRefused FailureCode = iota
	FailureReset
	FailureTimeout
	FailureUnreachable
)

func (c FailureCode) String() string {
	switch c {
	case FailureRefused:
		return "connection refused"
	case FailureReset:
		return "connection reset"
	case FailureTimeout:
		return "timed out"
	case FailureUnreachable:
		return "network unreachable"
	default:
		return fmt.Sprintf("FailureCode(%d)", int(c))
	}
}

// Socket is one end of a reliable, message-preserving stream.
type Socket interface {
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	State() State

	// Send queues b for delivery. It fails once the socket is closed.
	Send(b []byte) error

	// Close performs an orderly shutdown; the peer sees PeerClosed.
	Close()

	// Abort drops the connection at once. No further callbacks are
	// delivered for an aborted socket.
	Abort()
}

// Handler receives socket events.
type Handler interface {
	Established(s Socket)
	DataArrived(s Socket, msg []byte)
	PeerClosed(s Socket)
	Closed(s Socket)
	Failure(s Socket, code FailureCode)
}

// AcceptFunc decides whether to accept an inbound connection from remote. It
// returns the handler for the new socket, or nil to refuse.
type AcceptFunc func(remote netip.AddrPort) Handler

type Listener interface {
	Addr() netip.AddrPort
	Close()
}

// Stack opens sockets.
type Stack interface {
	// Dial starts an active open. The result arrives as Established or
	// Failure on h.
	Dial(local netip.Addr, remote netip.AddrPort, h Handler) Socket
	Listen(local netip.AddrPort, accept AcceptFunc) (Listener, error)
}
