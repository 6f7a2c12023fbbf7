//go:build linux

package fib

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/davidbalbert/chatter/rib"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// Route protocol numbers from linux/rtnetlink.h.
const (
	rtprotStatic = 4
	rtprotBGP    = 186
	rtprotOSPF   = 188
)

// Sink receives encoded netlink messages.
type Sink interface {
	Send(b []byte) error
}

// Exporter keeps a kernel FIB in sync with the best route per prefix.
// Directly attached networks are left to the kernel.
type Exporter struct {
	table    *rib.Table
	sink     Sink
	ifindex  func(name string) uint32
	capacity int
	seq      uint32
	log      *slog.Logger
}

func NewExporter(table *rib.Table, sink Sink, ifindex func(string) uint32, logger *slog.Logger) *Exporter {
	e := &Exporter{
		table:    table,
		sink:     sink,
		ifindex:  ifindex,
		capacity: DefaultCapacity,
		log:      logger,
	}
	table.Subscribe(e.routeChanged)
	return e
}

func protocolFor(s rib.Source) uint8 {
	switch s {
	case rib.SourceBGP:
		return rtprotBGP
	case rib.SourceOSPF:
		return rtprotOSPF
	case rib.SourceStatic, rib.SourceManual:
		return rtprotStatic
	default:
		return unix.RTPROT_BOOT
	}
}

func (e *Exporter) routeChanged(c rib.Change) {
	prefix := c.Route.Prefix

	best, ok := e.table.Best(prefix)
	if ok && best.Source == rib.SourceInterface {
		return
	}

	var (
		b   []byte
		err error
	)
	if ok {
		b, err = e.encode(unix.RTM_NEWROUTE, unix.NLM_F_REQUEST|unix.NLM_F_CREATE|unix.NLM_F_REPLACE, best)
	} else if c.Kind == rib.RouteDeleted && c.Route.Source != rib.SourceInterface {
		b, err = e.encode(unix.RTM_DELROUTE, unix.NLM_F_REQUEST, c.Route)
	} else {
		return
	}

	if err != nil {
		e.log.Error("failed to encode route message", "prefix", prefix, "err", err)
		return
	}

	if err := e.sink.Send(b); err != nil {
		e.log.Error("failed to send route message", "prefix", prefix, "err", err)
	}
}

func (e *Exporter) encode(msgType, flags uint16, r rib.Route) ([]byte, error) {
	e.seq++

	rt := nl.NewRtMsg()
	rt.Family = unix.AF_INET
	rt.Dst_len = uint8(r.Prefix.Bits())
	rt.Protocol = protocolFor(r.Source)
	if !r.Gateway.IsValid() {
		rt.Scope = unix.RT_SCOPE_LINK
	}

	b := NewBuilder(e.capacity).
		Header(msgType, flags, e.seq).
		RtMsg(rt).
		AddrAttr(unix.RTA_DST, r.Prefix.Addr())

	if r.Gateway.IsValid() {
		b.AddrAttr(unix.RTA_GATEWAY, r.Gateway)
	}
	if idx := e.ifindex(r.Interface); idx != 0 {
		b.Uint32Attr(unix.RTA_OIF, idx)
	}
	b.Uint32Attr(unix.RTA_PRIORITY, r.Metric)

	return b.Bytes()
}

// KernelRoute is one entry of a SimKernel.
type KernelRoute struct {
	Prefix   netip.Prefix
	Gateway  netip.Addr
	OutIf    uint32
	Priority uint32
	Protocol uint8
}

// SimKernel decodes route messages into an in-memory FIB.
type SimKernel struct {
	Routes map[netip.Prefix]KernelRoute
	log    *slog.Logger
}

func NewSimKernel(logger *slog.Logger) *SimKernel {
	return &SimKernel{
		Routes: make(map[netip.Prefix]KernelRoute),
		log:    logger,
	}
}

func (k *SimKernel) Send(b []byte) error {
	m, err := Parse(b)
	if err != nil {
		return err
	}

	switch m.Type {
	case unix.RTM_NEWROUTE:
		k.Routes[m.Prefix] = KernelRoute{
			Prefix:   m.Prefix,
			Gateway:  m.Gateway,
			OutIf:    m.OutIf,
			Priority: m.Priority,
			Protocol: m.Protocol,
		}
		k.log.Debug("kernel route installed", "prefix", m.Prefix, "gateway", m.Gateway, "oif", m.OutIf)
	case unix.RTM_DELROUTE:
		delete(k.Routes, m.Prefix)
		k.log.Debug("kernel route removed", "prefix", m.Prefix)
	default:
		return fmt.Errorf("fib: unexpected message type %d", m.Type)
	}

	return nil
}

// NetlinkSink writes messages to the kernel's rtnetlink socket.
type NetlinkSink struct {
	fd int
}

func NewNetlinkSink() (*NetlinkSink, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("fib: netlink socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fib: netlink bind: %w", err)
	}

	return &NetlinkSink{fd: fd}, nil
}

func (s *NetlinkSink) Send(b []byte) error {
	return unix.Sendto(s.fd, b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

func (s *NetlinkSink) Close() error {
	return unix.Close(s.fd)
}
