package transport

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/davidbalbert/chatter/sched"
)

const DefaultLatency = time.Millisecond

// Fabric is a simulated TCP network. Every segment takes one latency to
// cross; a connection is established two latencies after Dial.
type Fabric struct {
	loop      *sched.Loop
	latency   time.Duration
	listeners map[netip.AddrPort]*simListener
	segments  map[string]*Segment
	nextPort  uint16

	// Reachable, when set, decides whether a and b can talk at all.
	Reachable func(a, b netip.Addr) bool
}

func NewFabric(loop *sched.Loop, latency time.Duration) *Fabric {
	if latency <= 0 {
		latency = DefaultLatency
	}

	return &Fabric{
		loop:      loop,
		latency:   latency,
		listeners: make(map[netip.AddrPort]*simListener),
		nextPort:  49152,
	}
}

type simListener struct {
	f      *Fabric
	addr   netip.AddrPort
	accept AcceptFunc
	closed bool
}

func (l *simListener) Addr() netip.AddrPort {
	return l.addr
}

func (l *simListener) Close() {
	if l.closed {
		return
	}
	l.closed = true
	if l.f.listeners[l.addr] == l {
		delete(l.f.listeners, l.addr)
	}
}

func (f *Fabric) Listen(local netip.AddrPort, accept AcceptFunc) (Listener, error) {
	if _, ok := f.listeners[local]; ok {
		return nil, fmt.Errorf("listen %s: address already in use", local)
	}

	l := &simListener{f: f, addr: local, accept: accept}
	f.listeners[local] = l
	return l, nil
}

type simSocket struct {
	f       *Fabric
	local   netip.AddrPort
	remote  netip.AddrPort
	h       Handler
	peer    *simSocket
	state   State
	aborted bool
}

func (f *Fabric) ephemeralPort() uint16 {
	p := f.nextPort
	f.nextPort++
	if f.nextPort == 0 {
		f.nextPort = 49152
	}
	return p
}

func (f *Fabric) Dial(local netip.Addr, remote netip.AddrPort, h Handler) Socket {
	s := &simSocket{
		f:      f,
		local:  netip.AddrPortFrom(local, f.ephemeralPort()),
		remote: remote,
		h:      h,
		state:  StateConnecting,
	}

	f.loop.Schedule(f.latency, func() {
		f.arriveSYN(s)
	})

	return s
}

func (f *Fabric) reachable(a, b netip.Addr) bool {
	if f.Reachable == nil {
		return true
	}
	return f.Reachable(a, b)
}

func (f *Fabric) arriveSYN(client *simSocket) {
	if client.aborted || client.state != StateConnecting {
		return
	}

	fail := func(code FailureCode) {
		f.loop.Schedule(f.latency, func() {
			if client.aborted || client.state != StateConnecting {
				return
			}
			client.state = StateClosed
			client.h.Failure(client, code)
		})
	}

	if !f.reachable(client.local.Addr(), client.remote.Addr()) {
		fail(FailureUnreachable)
		return
	}

	l, ok := f.listeners[client.remote]
	if !ok || l.closed {
		fail(FailureRefused)
		return
	}

	h := l.accept(client.local)
	if h == nil {
		fail(FailureRefused)
		return
	}

	server := &simSocket{
		f:      f,
		local:  client.remote,
		remote: client.local,
		h:      h,
		peer:   client,
		state:  StateConnecting,
	}
	client.peer = server

	f.loop.Schedule(f.latency, func() {
		if client.aborted {
			return
		}
		client.state = StateEstablished
		client.h.Established(client)
	})
	f.loop.Schedule(f.latency, func() {
		if server.aborted {
			return
		}
		server.state = StateEstablished
		server.h.Established(server)
	})
}

func (s *simSocket) LocalAddr() netip.AddrPort  { return s.local }
func (s *simSocket) RemoteAddr() netip.AddrPort { return s.remote }
func (s *simSocket) State() State               { return s.state }

func (s *simSocket) Send(b []byte) error {
	if s.aborted || s.state != StateEstablished {
		return ErrClosed
	}

	msg := make([]byte, len(b))
	copy(msg, b)

	peer := s.peer
	s.f.loop.Schedule(s.f.latency, func() {
		if peer.aborted || peer.state != StateEstablished {
			return
		}
		peer.h.DataArrived(peer, msg)
	})

	return nil
}

func (s *simSocket) Close() {
	if s.aborted || s.state == StateClosed {
		return
	}

	wasEstablished := s.state == StateEstablished
	s.state = StateClosed

	peer := s.peer
	f := s.f
	f.loop.Schedule(f.latency, func() {
		if !s.aborted {
			s.h.Closed(s)
		}
		if wasEstablished && peer != nil && !peer.aborted && peer.state == StateEstablished {
			peer.state = StateClosed
			peer.h.PeerClosed(peer)
		}
	})
}

func (s *simSocket) Abort() {
	if s.aborted {
		return
	}

	wasOpen := s.state == StateEstablished || s.state == StateConnecting
	s.aborted = true
	s.state = StateClosed

	peer := s.peer
	if !wasOpen || peer == nil {
		return
	}

	s.f.loop.Schedule(s.f.latency, func() {
		if peer.aborted || peer.state == StateClosed {
			return
		}
		peer.state = StateClosed
		peer.h.Failure(peer, FailureReset)
	})
}
