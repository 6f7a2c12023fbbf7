package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/davidbalbert/chatter/sched"
	"github.com/davidbalbert/chatter/sync"
	"golang.org/x/net/ipv4"
)

// TCPStack opens real TCP sockets. Message boundaries are recovered from the
// byte stream with Split, and every callback is posted to the loop.
type TCPStack struct {
	loop        *sched.Loop
	split       bufio.SplitFunc
	log         *slog.Logger
	DialTimeout time.Duration

	// TTL, when nonzero, is set on every connection. External peers on a
	// shared link use 1.
	TTL int

	// MaxMessage bounds a single framed message.
	MaxMessage int
}

func NewTCPStack(loop *sched.Loop, split bufio.SplitFunc, logger *slog.Logger) *TCPStack {
	return &TCPStack{
		loop:        loop,
		split:       split,
		log:         logger,
		DialTimeout: 30 * time.Second,
		MaxMessage:  64 * 1024,
	}
}

type tcpSocket struct {
	stack   *TCPStack
	local   netip.AddrPort
	remote  netip.AddrPort
	h       Handler
	state   State
	aborted bool

	conn   net.Conn
	out    *sync.Queue[[]byte]
	cancel context.CancelFunc
}

func (t *TCPStack) Dial(local netip.Addr, remote netip.AddrPort, h Handler) Socket {
	s := &tcpSocket{
		stack:  t,
		local:  netip.AddrPortFrom(local, 0),
		remote: remote,
		h:      h,
		state:  StateConnecting,
	}

	go func() {
		d := net.Dialer{
			LocalAddr: net.TCPAddrFromAddrPort(netip.AddrPortFrom(local, 0)),
			Timeout:   t.DialTimeout,
			Control:   reuseAddr,
		}
		conn, err := d.Dial("tcp", remote.String())

		t.loop.Post(func() {
			if s.aborted {
				if conn != nil {
					conn.Close()
				}
				return
			}

			if err != nil {
				t.log.Debug("dial failed", "remote", remote, "err", err)
				s.state = StateClosed
				h.Failure(s, failureCode(err))
				return
			}

			s.attach(conn)
			h.Established(s)
		})
	}()

	return s
}

func failureCode(err error) FailureCode {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureRefused
}

type tcpListener struct {
	l      net.Listener
	addr   netip.AddrPort
	cancel context.CancelFunc
}

func (l *tcpListener) Addr() netip.AddrPort {
	return l.addr
}

func (l *tcpListener) Close() {
	l.cancel()
	l.l.Close()
}

func (t *TCPStack) Listen(local netip.AddrPort, accept AcceptFunc) (Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}

	ctx, cancel := context.WithCancel(context.Background())
	nl, err := lc.Listen(ctx, "tcp", local.String())
	if err != nil {
		cancel()
		return nil, err
	}

	addr := local
	if ta, ok := nl.Addr().(*net.TCPAddr); ok {
		addr = ta.AddrPort()
	}

	go func() {
		for {
			conn, err := nl.Accept()
			if err != nil {
				if ctx.Err() == nil {
					t.log.Warn("accept failed", "addr", addr, "err", err)
				}
				return
			}

			t.loop.Post(func() {
				t.adopt(conn, accept)
			})
		}
	}()

	return &tcpListener{l: nl, addr: addr, cancel: cancel}, nil
}

func (t *TCPStack) adopt(conn net.Conn, accept AcceptFunc) {
	remote := conn.RemoteAddr().(*net.TCPAddr).AddrPort()
	local := conn.LocalAddr().(*net.TCPAddr).AddrPort()

	h := accept(remote)
	if h == nil {
		conn.Close()
		return
	}

	s := &tcpSocket{
		stack:  t,
		local:  local,
		remote: remote,
		h:      h,
	}
	s.attach(conn)
	h.Established(s)
}

func (s *tcpSocket) attach(conn net.Conn) {
	s.conn = conn
	s.state = StateEstablished
	if ta, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		s.local = ta.AddrPort()
	}

	if s.stack.TTL > 0 {
		if err := ipv4.NewConn(conn).SetTTL(s.stack.TTL); err != nil {
			s.stack.log.Warn("failed to set ttl", "remote", s.remote, "err", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.out = sync.NewQueue[[]byte]()

	go s.writeLoop(ctx)
	go s.readLoop()
}

func (s *tcpSocket) writeLoop(ctx context.Context) {
	for {
		b, ok := s.out.Get(ctx)
		if !ok {
			return
		}
		if _, err := s.conn.Write(b); err != nil {
			return
		}
	}
}

func (s *tcpSocket) readLoop() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), s.stack.MaxMessage)
	scanner.Split(s.stack.split)

	for scanner.Scan() {
		msg := make([]byte, len(scanner.Bytes()))
		copy(msg, scanner.Bytes())

		s.stack.loop.Post(func() {
			if s.aborted || s.state != StateEstablished {
				return
			}
			s.h.DataArrived(s, msg)
		})
	}

	err := scanner.Err()
	s.stack.loop.Post(func() {
		if s.aborted || s.state != StateEstablished {
			return
		}
		s.state = StateClosed
		s.cancel()

		if err == nil || errors.Is(err, io.EOF) {
			s.h.PeerClosed(s)
		} else {
			s.h.Failure(s, FailureReset)
		}
	})
}

func (s *tcpSocket) LocalAddr() netip.AddrPort  { return s.local }
func (s *tcpSocket) RemoteAddr() netip.AddrPort { return s.remote }
func (s *tcpSocket) State() State               { return s.state }

func (s *tcpSocket) Send(b []byte) error {
	if s.aborted || s.state != StateEstablished {
		return ErrClosed
	}

	msg := make([]byte, len(b))
	copy(msg, b)
	s.out.Put(msg)

	return nil
}

func (s *tcpSocket) Close() {
	if s.aborted || s.state == StateClosed {
		return
	}

	s.state = StateClosed
	if s.conn != nil {
		s.cancel()
		s.conn.Close()
	}
	s.stack.loop.Post(func() {
		if !s.aborted {
			s.h.Closed(s)
		}
	})
}

func (s *tcpSocket) Abort() {
	if s.aborted {
		return
	}

	s.aborted = true
	s.state = StateClosed
	if s.conn != nil {
		s.cancel()
		if tc, ok := s.conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		s.conn.Close()
	}
}
