package transport

import (
	"bufio"
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/davidbalbert/chatter/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type chanHandler struct {
	events chan string
	sock   chan Socket
}

func newChanHandler() *chanHandler {
	return &chanHandler{events: make(chan string, 16), sock: make(chan Socket, 1)}
}

func (h *chanHandler) Established(s Socket) {
	h.sock <- s
	h.events <- "established"
}

func (h *chanHandler) DataArrived(s Socket, msg []byte) { h.events <- "data " + string(msg) }
func (h *chanHandler) PeerClosed(s Socket)              { h.events <- "peer-closed" }
func (h *chanHandler) Closed(s Socket)                  { h.events <- "closed" }
func (h *chanHandler) Failure(s Socket, code FailureCode) {
	h.events <- "failure"
}

func next(t *testing.T, c chan string) string {
	t.Helper()
	select {
	case e := <-c:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for socket event")
		return ""
	}
}

func TestTCPStack(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := sched.NewLoop(sched.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	stack := NewTCPStack(loop, bufio.ScanLines, slog.Default())

	server := newChanHandler()
	listenerC := make(chan Listener, 1)
	loop.Post(func() {
		l, err := stack.Listen(netip.MustParseAddrPort("127.0.0.1:0"), func(remote netip.AddrPort) Handler {
			return server
		})
		assert.NoError(t, err)
		listenerC <- l
	})
	l := <-listenerC

	client := newChanHandler()
	loop.Post(func() {
		stack.Dial(netip.MustParseAddr("127.0.0.1"), l.Addr(), client)
	})

	require.Equal(t, "established", next(t, client.events))
	require.Equal(t, "established", next(t, server.events))
	cs := <-client.sock
	ss := <-server.sock

	loop.Post(func() {
		assert.NoError(t, cs.Send([]byte("open\n")))
	})
	require.Equal(t, "data open", next(t, server.events))

	loop.Post(func() {
		cs.Close()
	})
	require.Equal(t, "closed", next(t, client.events))
	require.Equal(t, "peer-closed", next(t, server.events))

	require.NoError(t, loop.Call(ctx, func() {
		ss.Abort()
		l.Close()
	}))

	cancel()
	require.NoError(t, <-done)
}
