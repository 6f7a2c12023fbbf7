package bgp

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/rib"
	"github.com/davidbalbert/chatter/sched"
	"github.com/davidbalbert/chatter/transport"
	"go4.org/netipx"
)

// ExternalRoutes is an IGP that can carry routes learned from other ASes.
type ExternalRoutes interface {
	InsertExternalRoute(prefix netip.Prefix, metric uint32)
	RemoveExternalRoute(prefix netip.Prefix)
}

type Deps struct {
	Loop   *sched.Loop
	Stacks map[config.Transport]transport.Stack
	RIB    *rib.Table

	// OSPF is nil when the router does not run OSPF.
	OSPF ExternalRoutes

	Logger *slog.Logger
}

type listenKey struct {
	transport config.Transport
	addr      netip.Addr
}

// Router is the BGP speaker of one router.
type Router struct {
	cfg      *config.BGPConfig
	as       common.ASN
	routerID common.RouterID

	loop   *sched.Loop
	stacks map[config.Transport]transport.Stack
	rib    *rib.Table
	ospf   ExternalRoutes
	log    *slog.Logger

	filter *Filter

	sessions  []*Session
	byPeer    map[netip.Addr]*Session
	listeners map[listenKey]transport.Listener

	table map[netip.Prefix]*tableEntry
}

type tableEntry struct {
	Entry

	// displaced is the non-BGP route this entry replaced in the IP table.
	displaced *rib.Route
}

func New(rc *config.RouterConfig, deps Deps) (*Router, error) {
	if rc.BGP == nil {
		return nil, fmt.Errorf("bgp: router %s has no bgp configuration", rc.Name)
	}

	filter, err := NewFilter(rc.BGP)
	if err != nil {
		return nil, fmt.Errorf("bgp: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		cfg:       rc.BGP,
		as:        rc.BGP.AS,
		routerID:  rc.RouterID,
		loop:      deps.Loop,
		stacks:    deps.Stacks,
		rib:       deps.RIB,
		ospf:      deps.OSPF,
		log:       logger.With("as", rc.BGP.AS),
		filter:    filter,
		byPeer:    make(map[netip.Addr]*Session),
		listeners: make(map[listenKey]transport.Listener),
		table:     make(map[netip.Prefix]*tableEntry),
	}

	for addr, nc := range rc.BGP.Neighbors {
		ic, ok := rc.Interfaces[nc.Interface]
		if !ok {
			return nil, fmt.Errorf("bgp neighbor %s: unknown interface: %s", addr, nc.Interface)
		}

		stack, ok := deps.Stacks[nc.Transport]
		if !ok {
			return nil, fmt.Errorf("bgp neighbor %s: no %s transport", addr, nc.Transport)
		}

		s := newSession(r, nc, ic.Address.Addr(), stack)
		r.sessions = append(r.sessions, s)
		r.byPeer[addr] = s
	}

	slices.SortFunc(r.sessions, func(a, b *Session) int {
		return a.peer.Compare(b.peer)
	})

	return r, nil
}

func (r *Router) AS() common.ASN                { return r.as }
func (r *Router) RouterID() common.RouterID     { return r.routerID }
func (r *Router) Sessions() []*Session          { return r.sessions }
func (r *Router) Session(peer netip.Addr) *Session {
	return r.byPeer[peer]
}

// Start listens for peers and starts the external sessions. Internal
// sessions start once every external session is established.
func (r *Router) Start() error {
	for _, s := range r.sessions {
		key := listenKey{s.cfg.Transport, s.localAddr}
		if _, ok := r.listeners[key]; ok {
			continue
		}

		local := s.localAddr
		l, err := s.stack.Listen(netip.AddrPortFrom(local, Port), func(remote netip.AddrPort) transport.Handler {
			return r.accept(local, remote)
		})
		if err != nil {
			return fmt.Errorf("bgp: %w", err)
		}
		r.listeners[key] = l
	}

	r.log.Info("starting BGP", "router-id", r.routerID, "sessions", len(r.sessions))

	r.startSessions(SessionEGP)
	if r.allEGPEstablished() {
		r.startSessions(SessionIGP)
	}

	return nil
}

// Stop drops every session and closes the listeners.
func (r *Router) Stop() {
	for _, l := range r.listeners {
		l.Close()
	}
	clear(r.listeners)

	for _, s := range r.sessions {
		s.startTimer.Stop()
		s.connectRetryTimer.Stop()
		s.holdTimer.Stop()
		s.keepaliveTimer.Stop()
		s.abortConnection()
	}
}

// HandleEvent feeds an event to a session's FSM.
func (r *Router) HandleEvent(s *Session, e Event) {
	s.handleEvent(e)
}

func (r *Router) startSessions(typ SessionType) {
	for _, s := range r.sessions {
		if s.typ == typ && s.state == StateIdle {
			s.startTimer.Stop()
			s.handleEvent(EventManualStart)
		}
	}
}

func (r *Router) accept(local netip.Addr, remote netip.AddrPort) transport.Handler {
	s, ok := r.byPeer[remote.Addr()]
	if !ok || s.localAddr != local {
		r.log.Debug("refusing connection from unknown peer", "remote", remote)
		return nil
	}

	return s.accept()
}

func (r *Router) allEGPEstablished() bool {
	for _, s := range r.sessions {
		if s.typ == SessionEGP && s.state != StateEstablished {
			return false
		}
	}
	return true
}

// Entries returns the BGP routing table ordered by prefix.
func (r *Router) Entries() []Entry {
	entries := make([]Entry, 0, len(r.table))
	for _, e := range r.table {
		entries = append(entries, e.Entry)
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		return netipx.ComparePrefix(a.Prefix, b.Prefix)
	})

	return entries
}

func (r *Router) Lookup(prefix netip.Prefix) (Entry, bool) {
	e, ok := r.table[prefix.Masked()]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// advertisable reports whether an IP route is announced to a newly
// established external peer.
func advertisable(rt rib.Route) bool {
	if rt.Prefix.Bits() == 32 {
		return false
	}

	switch rt.Source {
	case rib.SourceInterface, rib.SourceManual, rib.SourceBGP:
		return false
	case rib.SourceOSPF:
		return !rt.External
	default:
		return true
	}
}

func (r *Router) sessionEstablished(s *Session) {
	if s.typ == SessionEGP {
		seen := make(map[netip.Prefix]bool)
		for _, rt := range r.rib.All() {
			if seen[rt.Prefix] || !advertisable(rt) {
				continue
			}
			seen[rt.Prefix] = true

			e := Entry{
				Prefix:    rt.Prefix,
				NextHop:   rt.Gateway,
				Interface: rt.Interface,
				Origin:    OriginIGP,
				ASPath:    []common.ASN{r.as},
			}
			r.UpdateSendProcess(NewSessionEstablished, s, e)
		}
	}

	for _, e := range r.Entries() {
		r.UpdateSendProcess(NewSessionEstablished, s, e)
	}

	if r.allEGPEstablished() {
		r.startSessions(SessionIGP)
	}
}

// sessionDown removes everything learned from s and tells the other peers.
func (r *Router) sessionDown(s *Session) {
	var gone []netip.Prefix
	for _, e := range r.Entries() {
		if e.Peer == s.peer {
			r.removeEntry(r.table[e.Prefix])
			gone = append(gone, e.Prefix)
		}
	}

	if len(gone) > 0 {
		r.log.Info("removed routes learned from peer", "peer", s.peer, "count", len(gone))
	}

	r.sendWithdrawals(s, gone)
}

func (r *Router) sendWithdrawals(src *Session, prefixes []netip.Prefix) {
	if len(prefixes) == 0 {
		return
	}

	for _, t := range r.sessions {
		if t == src || t.state != StateEstablished {
			continue
		}
		t.send(&Update{Withdrawn: prefixes})
	}
}

func (r *Router) processUpdate(s *Session, m *Update) {
	var gone []netip.Prefix
	for _, p := range m.Withdrawn {
		e, ok := r.table[p]
		if !ok || e.Peer != s.peer {
			continue
		}
		r.removeEntry(e)
		gone = append(gone, p)
	}
	r.sendWithdrawals(s, gone)

	for _, p := range m.NLRI {
		e := Entry{
			Prefix:  p,
			NextHop: m.NextHop,
			Origin:  m.Origin,
			ASPath:  slices.Clone(m.ASPath),
		}

		change, err := r.DecisionProcess(s, e)
		if err != nil {
			r.log.Debug("route rejected", "peer", s.peer, "prefix", p, "err", err)
			continue
		}

		if change != NoChange {
			r.UpdateSendProcess(change, s, e)
		}
	}
}
