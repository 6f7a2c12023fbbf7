package bgp

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/sched"
	"github.com/davidbalbert/chatter/transport"
	"github.com/jpillora/backoff"
)

// Session is the state for one configured peer. Only the session's own FSM
// actions and socket callbacks modify it. It owns its timers and its
// connection.
type Session struct {
	r   *Router
	cfg config.BGPNeighborConfig
	log *slog.Logger

	typ       SessionType
	localAS   common.ASN
	peer      netip.Addr
	localAddr netip.Addr
	iface     string
	stack     transport.Stack

	state State
	event Event

	connectRetryCounter int
	backoff             *backoff.Backoff

	// Values learned from the peer's OPEN.
	peerRouterID common.RouterID
	holdTime     time.Duration
	keepalive    time.Duration

	listening bool
	conn      *conn

	connectRetryTimer *sched.Timer
	holdTimer         *sched.Timer
	keepaliveTimer    *sched.Timer
	startTimer        *sched.Timer

	stats Stats
}

func newSession(r *Router, cfg config.BGPNeighborConfig, localAddr netip.Addr, stack transport.Stack) *Session {
	s := &Session{
		r:         r,
		cfg:       cfg,
		localAS:   r.as,
		peer:      cfg.Address,
		localAddr: localAddr,
		iface:     cfg.Interface,
		stack:     stack,
		state:     StateIdle,
		backoff: &backoff.Backoff{
			Min:    cfg.ConnectRetryTime,
			Max:    cfg.ConnectRetryMax,
			Factor: 2,
		},
	}

	if cfg.RemoteAS == r.as {
		s.typ = SessionIGP
	} else {
		s.typ = SessionEGP
	}

	s.log = r.log.With("peer", cfg.Address, "as", cfg.RemoteAS)

	loop := r.loop
	s.connectRetryTimer = loop.NewTimer(func() { s.handleEvent(EventConnectRetryTimerExpires) })
	s.holdTimer = loop.NewTimer(func() { s.handleEvent(EventHoldTimerExpires) })
	s.keepaliveTimer = loop.NewTimer(func() { s.handleEvent(EventKeepaliveTimerExpires) })
	s.startTimer = loop.NewTimer(s.autoStart)

	return s
}

func (s *Session) Peer() netip.Addr         { return s.peer }
func (s *Session) LocalAddr() netip.Addr    { return s.localAddr }
func (s *Session) PeerAS() common.ASN       { return s.cfg.RemoteAS }
func (s *Session) Type() SessionType        { return s.typ }
func (s *Session) State() State             { return s.state }
func (s *Session) Interface() string        { return s.iface }
func (s *Session) Stats() Stats             { return s.stats }
func (s *Session) ConnectRetryCounter() int { return s.connectRetryCounter }
func (s *Session) PeerRouterID() common.RouterID {
	return s.peerRouterID
}

// HoldTime is the negotiated hold time. Zero means no hold timer.
func (s *Session) HoldTime() time.Duration { return s.holdTime }

func (s *Session) Established() bool {
	return s.state == StateEstablished
}

// handleEvent runs one FSM transition.
func (s *Session) handleEvent(e Event) {
	act := transitions[s.state][e]
	if act == nil {
		s.log.Debug("BGP event ignored", "state", s.state, "event", e)
		return
	}

	s.event = e
	from := s.state
	to := act(s)
	if to != from {
		s.changeState(from, to, e)
	}
}

func (s *Session) changeState(from, to State, e Event) {
	s.state = to
	s.log.Info("BGP peer state change", "from", from, "to", to, "event", e)

	if from == StateEstablished {
		s.r.sessionDown(s)
	}

	switch to {
	case StateIdle:
		s.enterIdle()
	case StateEstablished:
		s.r.sessionEstablished(s)
	}
}

// enterIdle releases everything the session holds and, if configured,
// schedules an automatic restart.
func (s *Session) enterIdle() {
	s.connectRetryTimer.Stop()
	s.holdTimer.Stop()
	s.keepaliveTimer.Stop()
	s.abortConnection()
	s.listening = false
	s.holdTime = 0
	s.keepalive = 0

	if s.r.cfg.AutoRestart {
		s.startTimer.Reset(s.retryInterval())
	}
}

func (s *Session) autoStart() {
	if s.state != StateIdle {
		return
	}

	if s.typ == SessionIGP && !s.r.allEGPEstablished() {
		return
	}

	s.handleEvent(EventManualStart)
}

// retryInterval grows with the number of failed attempts, up to the
// configured maximum.
func (s *Session) retryInterval() time.Duration {
	return s.backoff.ForAttempt(float64(s.connectRetryCounter))
}

func (s *Session) restartConnectRetryTimer() {
	s.connectRetryTimer.Reset(s.retryInterval())
}

func (s *Session) restartHoldTimer() {
	if s.holdTime == 0 {
		s.holdTimer.Stop()
		return
	}
	s.holdTimer.Reset(s.holdTime)
}

func (s *Session) restartKeepaliveTimer() {
	if s.keepalive == 0 {
		s.keepaliveTimer.Stop()
		return
	}
	s.keepaliveTimer.Reset(s.keepalive)
}

func (s *Session) connect() {
	c := &conn{s: s}
	s.conn = c
	c.sock = s.stack.Dial(s.localAddr, netip.AddrPortFrom(s.peer, Port), c)
}

func (s *Session) abortConnection() {
	if s.conn == nil {
		return
	}

	s.conn.dead = true
	if s.conn.sock != nil {
		s.conn.sock.Abort()
	}
	s.conn = nil
}

// connecting reports whether an outbound connection attempt is under way.
func (s *Session) connecting() bool {
	return s.conn != nil && !s.conn.inbound && s.conn.sock != nil && s.conn.sock.State() == transport.StateConnecting
}

// accept decides what to do with an inbound connection from the peer. When
// both sides connect at once, the connection opened by the peer with the
// higher address survives.
func (s *Session) accept() transport.Handler {
	if !s.listening {
		s.log.Debug("refusing connection: not listening")
		return nil
	}

	if s.conn != nil {
		if !s.connecting() {
			s.log.Debug("refusing connection: already connected")
			return nil
		}

		if s.localAddr.Compare(s.peer) > 0 {
			s.log.Debug("refusing connection: collision, keeping outbound")
			return nil
		}

		s.log.Debug("connection collision, dropping outbound")
		s.abortConnection()
	}

	c := &conn{s: s, inbound: true}
	s.conn = c
	return c
}

func (s *Session) send(m Message) {
	if s.conn == nil || s.conn.sock == nil {
		s.log.Debug("no connection, dropping message", "type", fmt.Sprintf("%T", m))
		return
	}

	b, err := Marshal(m)
	if err != nil {
		s.log.Error("failed to encode message", "err", err)
		return
	}

	if err := s.conn.sock.Send(b); err != nil {
		s.log.Debug("send failed", "err", err)
		return
	}

	switch m.(type) {
	case *Open:
		s.stats.OpenSent++
	case *Keepalive:
		s.stats.KeepaliveSent++
	case *Update:
		s.stats.UpdateSent++
	default:
		panic(fmt.Sprintf("bgp: unknown message type %T", m))
	}
}

func (s *Session) socketEstablished() {
	if s.typ == SessionIGP && !s.r.allEGPEstablished() {
		s.log.Debug("external sessions not yet established")
		s.abortConnection()
		s.handleEvent(EventTCPConnectionFails)
		return
	}

	s.listening = false
	s.handleEvent(EventTCPConnectionConfirmed)
}

func (s *Session) dataArrived(b []byte) {
	msg, err := Unmarshal(b)
	if err != nil {
		s.log.Warn("malformed message", "err", err)
		s.handleEvent(EventHoldTimerExpires)
		return
	}

	switch m := msg.(type) {
	case *Open:
		s.stats.OpenRecv++
		if err := s.checkOpen(m); err != nil {
			s.log.Warn("bad OPEN", "err", err)
			s.handleEvent(EventHoldTimerExpires)
			return
		}
		s.handleEvent(EventOpenMsg)
	case *Keepalive:
		s.stats.KeepaliveRecv++
		s.handleEvent(EventKeepaliveMsg)
	case *Update:
		s.stats.UpdateRecv++
		s.handleEvent(EventUpdateMsg)
		if s.state == StateEstablished {
			s.r.processUpdate(s, m)
		}
	default:
		panic(fmt.Sprintf("bgp: unknown message type %T", m))
	}
}

// checkOpen validates the peer's OPEN and records the negotiated timers.
func (s *Session) checkOpen(m *Open) error {
	if m.AS != s.cfg.RemoteAS {
		return fmt.Errorf("wrong peer AS: got %v, want %v", m.AS, s.cfg.RemoteAS)
	}

	if m.HoldTime == 1 || m.HoldTime == 2 {
		return fmt.Errorf("unacceptable hold time: %d", m.HoldTime)
	}

	if s.state != StateOpenSent {
		return nil
	}

	s.peerRouterID = m.RouterID
	s.holdTime = min(s.cfg.HoldTime, time.Duration(m.HoldTime)*time.Second)
	if s.holdTime == 0 {
		s.keepalive = 0
	} else {
		s.keepalive = min(s.cfg.KeepaliveTime, s.holdTime/3)
	}

	return nil
}

// transportDown handles a peer close or a socket failure.
func (s *Session) transportDown(reason string) {
	s.log.Info("BGP connection lost", "state", s.state, "reason", reason)

	if s.state != StateEstablished {
		s.abortConnection()
		s.handleEvent(EventTCPConnectionFails)
		return
	}

	s.abortConnection()
	s.connectRetryCounter++
	s.changeState(StateEstablished, StateIdle, EventTCPConnectionFails)
}

// conn is the handler for one connection attempt. Callbacks for a
// connection the session has given up on are dropped.
type conn struct {
	s       *Session
	sock    transport.Socket
	inbound bool
	dead    bool
}

func (c *conn) Established(sock transport.Socket) {
	if c.dead {
		sock.Abort()
		return
	}
	c.sock = sock
	c.s.socketEstablished()
}

func (c *conn) DataArrived(sock transport.Socket, b []byte) {
	if c.dead {
		return
	}
	c.s.dataArrived(b)
}

func (c *conn) PeerClosed(sock transport.Socket) {
	if c.dead {
		return
	}
	c.s.transportDown("peer closed")
}

func (c *conn) Closed(sock transport.Socket) {}

func (c *conn) Failure(sock transport.Socket, code transport.FailureCode) {
	if c.dead {
		return
	}
	c.s.transportDown(code.String())
}
