//go:build linux

package fib

import (
	"net/netip"
	"testing"

	"github.com/vishvananda/netlink/nl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBuilderRoundTrip(t *testing.T) {
	rt := nl.NewRtMsg()
	rt.Family = unix.AF_INET
	rt.Dst_len = 24
	rt.Protocol = rtprotBGP

	b, err := NewBuilder(0).
		Header(unix.RTM_NEWROUTE, unix.NLM_F_REQUEST|unix.NLM_F_CREATE, 7).
		RtMsg(rt).
		AddrAttr(unix.RTA_DST, netip.MustParseAddr("192.0.2.0")).
		AddrAttr(unix.RTA_GATEWAY, netip.MustParseAddr("10.0.0.2")).
		Uint32Attr(unix.RTA_OIF, 3).
		Uint32Attr(unix.RTA_PRIORITY, 20).
		Bytes()
	require.NoError(t, err)

	// header + rtmsg + four 8 byte attributes
	assert.Len(t, b, 16+12+4*8)
	assert.Zero(t, len(b)%4)

	m, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(unix.RTM_NEWROUTE), m.Type)
	assert.Equal(t, uint32(7), m.Seq)
	assert.Equal(t, uint8(rtprotBGP), m.Protocol)
	assert.Equal(t, netip.MustParsePrefix("192.0.2.0/24"), m.Prefix)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), m.Gateway)
	assert.Equal(t, uint32(3), m.OutIf)
	assert.Equal(t, uint32(20), m.Priority)
}

func TestBuilderPadsAttributes(t *testing.T) {
	b := NewBuilder(0).RtMsg(nl.NewRtMsg()).Attr(1, []byte{1, 2, 3, 4, 5})
	assert.Equal(t, 16+12+12, b.Len())

	enc, err := b.Bytes()
	require.NoError(t, err)
	assert.Len(t, enc, b.Len())
}

func TestBuilderCapacity(t *testing.T) {
	b := NewBuilder(40).RtMsg(nl.NewRtMsg()).Uint32Attr(unix.RTA_OIF, 1)
	_, err := b.Bytes()
	require.NoError(t, err)

	b.Uint32Attr(unix.RTA_PRIORITY, 1)
	_, err = b.Bytes()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestBuilderRequiresRouteHeader(t *testing.T) {
	_, err := NewBuilder(0).Uint32Attr(unix.RTA_OIF, 1).Bytes()
	assert.Error(t, err)
}

func TestParseRejectsTruncated(t *testing.T) {
	b, err := NewBuilder(0).RtMsg(nl.NewRtMsg()).Uint32Attr(unix.RTA_OIF, 1).Bytes()
	require.NoError(t, err)

	_, err = Parse(b[:20])
	assert.Error(t, err)

	_, err = Parse(b[:len(b)-4])
	assert.Error(t, err)
}

func TestParseRejectsShortAttribute(t *testing.T) {
	for _, tag := range []uint16{unix.RTA_OIF, unix.RTA_PRIORITY} {
		b, err := NewBuilder(0).RtMsg(nl.NewRtMsg()).Attr(tag, []byte{1, 2}).Bytes()
		require.NoError(t, err)

		_, err = Parse(b)
		assert.ErrorContains(t, err, "2 byte value", "attribute %d", tag)
	}
}
