package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/davidbalbert/chatter/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []string
	data   [][]byte
	sock   Socket
}

func (r *recorder) Established(s Socket) {
	r.sock = s
	r.events = append(r.events, "established")
}

func (r *recorder) DataArrived(s Socket, msg []byte) {
	r.data = append(r.data, msg)
	r.events = append(r.events, "data")
}

func (r *recorder) PeerClosed(s Socket) { r.events = append(r.events, "peer-closed") }
func (r *recorder) Closed(s Socket)     { r.events = append(r.events, "closed") }

func (r *recorder) Failure(s Socket, code FailureCode) {
	r.events = append(r.events, "failure: "+code.String())
}

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
)

func TestFabricConnect(t *testing.T) {
	loop := sched.NewLoop(sched.Options{Virtual: true})
	f := NewFabric(loop, time.Millisecond)

	server := &recorder{}
	_, err := f.Listen(netip.AddrPortFrom(addrB, 179), func(remote netip.AddrPort) Handler {
		assert.Equal(t, addrA, remote.Addr())
		return server
	})
	require.NoError(t, err)

	client := &recorder{}
	s := f.Dial(addrA, netip.AddrPortFrom(addrB, 179), client)
	assert.Equal(t, StateConnecting, s.State())

	loop.RunFor(time.Millisecond)
	assert.Empty(t, client.events)

	loop.RunFor(time.Millisecond)
	assert.Equal(t, []string{"established"}, client.events)
	assert.Equal(t, []string{"established"}, server.events)
	assert.Equal(t, StateEstablished, s.State())

	require.NoError(t, s.Send([]byte("hello")))
	loop.RunFor(time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("hello")}, server.data)

	require.NoError(t, server.sock.Send([]byte("back")))
	loop.RunFor(time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("back")}, client.data)

	s.Close()
	loop.RunFor(time.Millisecond)
	assert.Equal(t, []string{"established", "data", "closed"}, client.events)
	assert.Equal(t, []string{"established", "data", "peer-closed"}, server.events)
	assert.ErrorIs(t, s.Send([]byte("late")), ErrClosed)
}

func TestFabricRefused(t *testing.T) {
	loop := sched.NewLoop(sched.Options{Virtual: true})
	f := NewFabric(loop, time.Millisecond)

	client := &recorder{}
	f.Dial(addrA, netip.AddrPortFrom(addrB, 179), client)
	loop.RunFor(10 * time.Millisecond)

	assert.Equal(t, []string{"failure: connection refused"}, client.events)
}

func TestFabricAcceptRefused(t *testing.T) {
	loop := sched.NewLoop(sched.Options{Virtual: true})
	f := NewFabric(loop, time.Millisecond)

	_, err := f.Listen(netip.AddrPortFrom(addrB, 179), func(remote netip.AddrPort) Handler {
		return nil
	})
	require.NoError(t, err)

	client := &recorder{}
	f.Dial(addrA, netip.AddrPortFrom(addrB, 179), client)
	loop.RunFor(10 * time.Millisecond)

	assert.Equal(t, []string{"failure: connection refused"}, client.events)
}

func TestFabricUnreachable(t *testing.T) {
	loop := sched.NewLoop(sched.Options{Virtual: true})
	f := NewFabric(loop, time.Millisecond)
	f.Reachable = func(a, b netip.Addr) bool { return false }

	_, err := f.Listen(netip.AddrPortFrom(addrB, 179), func(remote netip.AddrPort) Handler {
		return &recorder{}
	})
	require.NoError(t, err)

	client := &recorder{}
	f.Dial(addrA, netip.AddrPortFrom(addrB, 179), client)
	loop.RunFor(10 * time.Millisecond)

	assert.Equal(t, []string{"failure: network unreachable"}, client.events)
}

func TestFabricAbort(t *testing.T) {
	loop := sched.NewLoop(sched.Options{Virtual: true})
	f := NewFabric(loop, time.Millisecond)

	server := &recorder{}
	_, err := f.Listen(netip.AddrPortFrom(addrB, 179), func(remote netip.AddrPort) Handler {
		return server
	})
	require.NoError(t, err)

	client := &recorder{}
	s := f.Dial(addrA, netip.AddrPortFrom(addrB, 179), client)
	loop.RunFor(2 * time.Millisecond)

	require.NoError(t, server.sock.Send([]byte("in flight")))
	s.Abort()
	loop.RunFor(10 * time.Millisecond)

	assert.Equal(t, []string{"established"}, client.events)
	assert.Equal(t, []string{"established", "failure: connection reset"}, server.events)
}

func TestFabricDuplicateListen(t *testing.T) {
	loop := sched.NewLoop(sched.Options{Virtual: true})
	f := NewFabric(loop, time.Millisecond)

	accept := func(remote netip.AddrPort) Handler { return nil }
	l, err := f.Listen(netip.AddrPortFrom(addrB, 179), accept)
	require.NoError(t, err)

	_, err = f.Listen(netip.AddrPortFrom(addrB, 179), accept)
	assert.Error(t, err)

	l.Close()
	_, err = f.Listen(netip.AddrPortFrom(addrB, 179), accept)
	assert.NoError(t, err)
}
