//go:build linux

// Package fib exports routing table changes as rtnetlink route messages.
package fib

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

const DefaultCapacity = 4096

var ErrMessageTooLarge = errors.New("fib: message exceeds capacity")

func align4(n int) int {
	return (n + 3) &^ 3
}

type attr struct {
	tag   uint16
	value []byte
}

// Builder assembles one netlink message: header, route header and a list of
// (tag, length, value) attributes. Bytes refuses to produce a message longer
// than the capacity the builder was created with.
type Builder struct {
	capacity int

	msgType uint16
	flags   uint16
	seq     uint32

	rtmsg *nl.RtMsg
	attrs []attr
}

func NewBuilder(capacity int) *Builder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Builder{capacity: capacity}
}

func (b *Builder) Header(msgType, flags uint16, seq uint32) *Builder {
	b.msgType = msgType
	b.flags = flags
	b.seq = seq
	return b
}

func (b *Builder) RtMsg(m *nl.RtMsg) *Builder {
	b.rtmsg = m
	return b
}

func (b *Builder) Attr(tag uint16, value []byte) *Builder {
	b.attrs = append(b.attrs, attr{tag: tag, value: value})
	return b
}

func (b *Builder) AddrAttr(tag uint16, addr netip.Addr) *Builder {
	return b.Attr(tag, addr.AsSlice())
}

func (b *Builder) Uint32Attr(tag uint16, v uint32) *Builder {
	buf := make([]byte, 4)
	nl.NativeEndian().PutUint32(buf, v)
	return b.Attr(tag, buf)
}

// Len is the encoded length of the message as currently built.
func (b *Builder) Len() int {
	n := unix.SizeofNlMsghdr
	if b.rtmsg != nil {
		n += unix.SizeofRtMsg
	}
	for _, a := range b.attrs {
		n += align4(unix.SizeofRtAttr + len(a.value))
	}
	return n
}

func (b *Builder) Bytes() ([]byte, error) {
	if b.rtmsg == nil {
		return nil, fmt.Errorf("fib: message has no route header")
	}

	n := b.Len()
	if n > b.capacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, b.capacity)
	}

	buf := make([]byte, unix.SizeofNlMsghdr, n)
	order := nl.NativeEndian()
	order.PutUint32(buf[0:4], uint32(n))
	order.PutUint16(buf[4:6], b.msgType)
	order.PutUint16(buf[6:8], b.flags)
	order.PutUint32(buf[8:12], b.seq)
	order.PutUint32(buf[12:16], 0)

	buf = append(buf, b.rtmsg.Serialize()...)

	for _, a := range b.attrs {
		enc := nl.NewRtAttr(int(a.tag), a.value).Serialize()
		buf = append(buf, enc...)
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
	}

	if len(buf) != n {
		panic(fmt.Sprintf("fib: encoded %d bytes, expected %d", len(buf), n))
	}

	return buf, nil
}

// Message is a decoded route message.
type Message struct {
	Type     uint16
	Seq      uint32
	Protocol uint8
	Prefix   netip.Prefix
	Gateway  netip.Addr
	OutIf    uint32
	Priority uint32
}

// Parse decodes a message produced by Builder.
func Parse(b []byte) (Message, error) {
	if len(b) < unix.SizeofNlMsghdr+unix.SizeofRtMsg {
		return Message{}, fmt.Errorf("fib: short message: %d bytes", len(b))
	}

	order := nl.NativeEndian()
	n := int(order.Uint32(b[0:4]))
	if n > len(b) || n < unix.SizeofNlMsghdr+unix.SizeofRtMsg {
		return Message{}, fmt.Errorf("fib: bad message length %d (have %d bytes)", n, len(b))
	}

	m := Message{
		Type: order.Uint16(b[4:6]),
		Seq:  order.Uint32(b[8:12]),
	}

	rt := nl.DeserializeRtMsg(b[unix.SizeofNlMsghdr:])
	m.Protocol = rt.Protocol

	attrs, err := nl.ParseRouteAttr(b[unix.SizeofNlMsghdr+unix.SizeofRtMsg : n])
	if err != nil {
		return Message{}, fmt.Errorf("fib: parse attributes: %w", err)
	}

	var dst netip.Addr
	for _, a := range attrs {
		switch a.Attr.Type {
		case unix.RTA_DST:
			dst, _ = netip.AddrFromSlice(a.Value)
		case unix.RTA_GATEWAY:
			m.Gateway, _ = netip.AddrFromSlice(a.Value)
		case unix.RTA_OIF, unix.RTA_PRIORITY:
			if len(a.Value) < 4 {
				return Message{}, fmt.Errorf("fib: attribute %d: %d byte value, want 4", a.Attr.Type, len(a.Value))
			}
			if a.Attr.Type == unix.RTA_OIF {
				m.OutIf = order.Uint32(a.Value)
			} else {
				m.Priority = order.Uint32(a.Value)
			}
		}
	}

	if !dst.IsValid() {
		dst = netip.IPv4Unspecified()
	}
	m.Prefix = netip.PrefixFrom(dst, int(rt.Dst_len))

	return m, nil
}
