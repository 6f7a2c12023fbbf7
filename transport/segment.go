package transport

import (
	"net/netip"
	"time"

	"github.com/davidbalbert/chatter/sched"
)

// Datagram is one packet on a segment. Payload is owned by the receiver
// once delivered and must not be modified by the sender afterwards.
type Datagram struct {
	Src     netip.Addr
	Dst     netip.Addr
	Payload any
}

// Segment is a simulated multi-access link (or a point-to-point link with
// two endpoints). Delivery is unreliable only in that detached or down
// endpoints miss packets.
type Segment struct {
	loop      *sched.Loop
	name      string
	latency   time.Duration
	endpoints []*Endpoint
}

type Endpoint struct {
	seg    *Segment
	addr   netip.Addr
	recv   func(Datagram)
	groups map[netip.Addr]bool
	up     bool
}

// Segment returns the named segment, creating it on first use.
func (f *Fabric) Segment(name string) *Segment {
	if f.segments == nil {
		f.segments = make(map[string]*Segment)
	}

	s, ok := f.segments[name]
	if !ok {
		s = &Segment{loop: f.loop, name: name, latency: f.latency}
		f.segments[name] = s
	}
	return s
}

func (s *Segment) Name() string {
	return s.name
}

// Attach connects an interface with address addr. recv runs on the loop for
// every packet addressed to it.
func (s *Segment) Attach(addr netip.Addr, recv func(Datagram)) *Endpoint {
	e := &Endpoint{
		seg:    s,
		addr:   addr,
		recv:   recv,
		groups: make(map[netip.Addr]bool),
		up:     true,
	}
	s.endpoints = append(s.endpoints, e)
	return e
}

// Peers lists the addresses of the other endpoints on the segment.
func (s *Segment) Peers(self netip.Addr) []netip.Addr {
	var addrs []netip.Addr
	for _, e := range s.endpoints {
		if e.addr != self {
			addrs = append(addrs, e.addr)
		}
	}
	return addrs
}

func (e *Endpoint) Addr() netip.Addr {
	return e.addr
}

func (e *Endpoint) Join(group netip.Addr) {
	e.groups[group] = true
}

func (e *Endpoint) Leave(group netip.Addr) {
	delete(e.groups, group)
}

func (e *Endpoint) SetUp(up bool) {
	e.up = up
}

func (e *Endpoint) Detach() {
	s := e.seg
	for i, other := range s.endpoints {
		if other == e {
			s.endpoints = append(s.endpoints[:i], s.endpoints[i+1:]...)
			break
		}
	}
	e.up = false
}

// Send delivers payload to dst: every member of a multicast group, or the
// single endpoint owning a unicast address.
func (e *Endpoint) Send(dst netip.Addr, payload any) error {
	if !e.up {
		return ErrClosed
	}

	d := Datagram{Src: e.addr, Dst: dst, Payload: payload}
	for _, other := range e.seg.endpoints {
		if other == e {
			continue
		}
		if dst.IsMulticast() && !other.groups[dst] {
			continue
		}
		if !dst.IsMulticast() && other.addr != dst {
			continue
		}

		target := other
		e.seg.loop.Schedule(e.seg.latency, func() {
			if target.up {
				target.recv(d)
			}
		})
	}

	return nil
}
