package ospf

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/sched"
)

type NeighborState int

const (
	NbrDown NeighborState = iota
	NbrAttempt
	NbrInit
	NbrTwoWay
	NbrExStart
	NbrExchange
	NbrLoading
	NbrFull
	numNbrStates
)

func (s NeighborState) String() string {
	switch s {
	case NbrDown:
		return "Down"
	case NbrAttempt:
		return "Attempt"
	case NbrInit:
		return "Init"
	case NbrTwoWay:
		return "2-Way"
	case NbrExStart:
		return "ExStart"
	case NbrExchange:
		return "Exchange"
	case NbrLoading:
		return "Loading"
	case NbrFull:
		return "Full"
	default:
		return fmt.Sprintf("NeighborState(%d)", int(s))
	}
}

type neighborEvent int

const (
	neHelloReceived neighborEvent = iota
	neStart
	ne2WayReceived
	neNegotiationDone
	neExchangeDone
	neBadLSReq
	neLoadingDone
	neAdjOK
	neSeqNumberMismatch
	ne1WayReceived
	neKillNbr
	neInactivityTimer
	neLLDown
	numNbrEvents
)

func (e neighborEvent) String() string {
	switch e {
	case neHelloReceived:
		return "HelloReceived"
	case neStart:
		return "Start"
	case ne2WayReceived:
		return "2-WayReceived"
	case neNegotiationDone:
		return "NegotiationDone"
	case neExchangeDone:
		return "ExchangeDone"
	case neBadLSReq:
		return "BadLSReq"
	case neLoadingDone:
		return "LoadingDone"
	case neAdjOK:
		return "AdjOK?"
	case neSeqNumberMismatch:
		return "SeqNumberMismatch"
	case ne1WayReceived:
		return "1-WayReceived"
	case neKillNbr:
		return "KillNbr"
	case neInactivityTimer:
		return "InactivityTimer"
	case neLLDown:
		return "LLDown"
	default:
		return fmt.Sprintf("neighborEvent(%d)", int(e))
	}
}

type nbrAction func(n *Neighbor) NeighborState

// nbrTransitions is the RFC 2328 §10.3 table. A nil entry is an event the
// state ignores.
var nbrTransitions [numNbrStates][numNbrEvents]nbrAction

func init() {
	nbrTransitions = [numNbrStates][numNbrEvents]nbrAction{
		NbrDown: {
			neStart:         startAttempt,
			neHelloReceived: helloReceivedWhileDown,
		},
		NbrAttempt: {
			neHelloReceived: helloReceivedWhileDown,
		},
		NbrInit: {
			neHelloReceived: restartInactivityTimer,
			ne2WayReceived:  twoWayReceived,
		},
		NbrTwoWay: {
			neHelloReceived: restartInactivityTimer,
			neAdjOK:         adjacencyCheck,
			ne1WayReceived:  backToInit,
		},
		NbrExStart: {
			neHelloReceived:   restartInactivityTimer,
			neNegotiationDone: startExchange,
			neAdjOK:           adjacencyCheck,
			ne1WayReceived:    backToInit,
		},
		NbrExchange: {
			neHelloReceived:     restartInactivityTimer,
			neExchangeDone:      exchangeDone,
			neAdjOK:             adjacencyCheck,
			neSeqNumberMismatch: restartExStart,
			neBadLSReq:          restartExStart,
			ne1WayReceived:      backToInit,
		},
		NbrLoading: {
			neHelloReceived:     restartInactivityTimer,
			neLoadingDone:       loadingDone,
			neAdjOK:             adjacencyCheck,
			neSeqNumberMismatch: restartExStart,
			neBadLSReq:          restartExStart,
			ne1WayReceived:      backToInit,
		},
		NbrFull: {
			neHelloReceived:     restartInactivityTimer,
			neAdjOK:             adjacencyCheck,
			neSeqNumberMismatch: restartExStart,
			neBadLSReq:          restartExStart,
			ne1WayReceived:      backToInit,
		},
	}

	for s := NbrDown; s < numNbrStates; s++ {
		nbrTransitions[s][neKillNbr] = killNeighbor
		nbrTransitions[s][neLLDown] = killNeighbor
		nbrTransitions[s][neInactivityTimer] = killNeighbor
	}
}

// Neighbor is a router heard on an interface.
type Neighbor struct {
	iface *Interface
	log   *slog.Logger

	state    NeighborState
	id       common.RouterID
	addr     netip.Addr
	priority uint8
	dr       netip.Addr
	bdr      netip.Addr
	options  uint8

	// configured marks a neighbor from an NBMA interface's configuration.
	// It is kept when it goes Down.
	configured bool

	master   bool
	ddSeq    uint32
	ddSeqSet bool

	lastReceivedDD *DatabaseDescription
	lastSentDD     *DatabaseDescription
	lastSentCount  int

	summary       []LSAHeader
	requests      []LSAHeader
	lastRequested []LSAKey
	retransmit    map[LSAKey]*LSA

	inactivityTimer *sched.Timer
	ddRxmtTimer     *sched.Timer
	lsrRxmtTimer    *sched.Timer
	rxmtTimer       *sched.Timer
}

func newNeighbor(i *Interface, id common.RouterID, addr netip.Addr) *Neighbor {
	n := &Neighbor{
		iface:      i,
		log:        i.log.With("neighbor", addr),
		id:         id,
		addr:       addr,
		retransmit: make(map[LSAKey]*LSA),
	}

	loop := i.inst.loop
	n.inactivityTimer = loop.NewTimer(func() { n.handleEvent(neInactivityTimer) })
	n.ddRxmtTimer = loop.NewTimer(n.retransmitDD)
	n.lsrRxmtTimer = loop.NewTimer(n.retransmitRequest)
	n.rxmtTimer = loop.NewTimer(n.retransmitUpdates)

	return n
}

func (n *Neighbor) ID() common.RouterID  { return n.id }
func (n *Neighbor) Addr() netip.Addr     { return n.addr }
func (n *Neighbor) State() NeighborState { return n.state }
func (n *Neighbor) Priority() uint8      { return n.priority }

// RetransmissionList returns the keys of the LSAs awaiting
// acknowledgement from the neighbor.
func (n *Neighbor) RetransmissionList() []LSAKey {
	keys := make([]LSAKey, 0, len(n.retransmit))
	for k := range n.retransmit {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

func (n *Neighbor) key() netip.Addr {
	return n.iface.neighborKey(n.addr, n.id)
}

func (n *Neighbor) handleEvent(e neighborEvent) {
	act := nbrTransitions[n.state][e]
	if act == nil {
		n.log.Debug("OSPF neighbor event ignored", "state", n.state, "event", e)
		return
	}

	from := n.state
	to := act(n)
	if to != from {
		n.changeState(from, to, e)
	}
}

func (n *Neighbor) changeState(from, to NeighborState, e neighborEvent) {
	n.state = to
	n.log.Info("OSPF neighbor state change", "router-id", n.id, "from", from, "to", to, "event", e)

	if to < NbrExStart {
		n.clearAdjacency()
	}

	i := n.iface
	if !i.resetting {
		if (from == NbrFull) != (to == NbrFull) {
			i.area.originateRouterLSA()
			if i.state == IfDR {
				i.originateNetworkLSA()
			}
		}

		if (from >= NbrTwoWay) != (to >= NbrTwoWay) {
			i.handleEvent(ieNeighborChange)
		}
	}

	if to == NbrDown {
		i.removeNeighbor(n)
	}
}

func (n *Neighbor) restartInactivity() {
	n.inactivityTimer.Reset(n.iface.deadDuration())
}

func startAttempt(n *Neighbor) NeighborState {
	n.iface.send(n.addr, n.iface.hello())
	n.restartInactivity()
	return NbrAttempt
}

func helloReceivedWhileDown(n *Neighbor) NeighborState {
	n.restartInactivity()
	return NbrInit
}

func restartInactivityTimer(n *Neighbor) NeighborState {
	n.restartInactivity()
	return n.state
}

func twoWayReceived(n *Neighbor) NeighborState {
	if !n.shouldBeAdjacent() {
		return NbrTwoWay
	}
	return n.startExStart()
}

func adjacencyCheck(n *Neighbor) NeighborState {
	adjacent := n.shouldBeAdjacent()

	switch {
	case n.state == NbrTwoWay && adjacent:
		return n.startExStart()
	case n.state >= NbrExStart && !adjacent:
		return NbrTwoWay
	default:
		return n.state
	}
}

func restartExStart(n *Neighbor) NeighborState {
	n.clearAdjacency()
	return n.startExStart()
}

func backToInit(n *Neighbor) NeighborState {
	return NbrInit
}

func killNeighbor(n *Neighbor) NeighborState {
	n.inactivityTimer.Stop()
	n.clearAdjacency()
	return NbrDown
}

func startExchange(n *Neighbor) NeighborState {
	n.summary = n.iface.area.summary()
	return NbrExchange
}

func exchangeDone(n *Neighbor) NeighborState {
	if len(n.requests) == 0 {
		return NbrFull
	}
	return NbrLoading
}

func loadingDone(n *Neighbor) NeighborState {
	return NbrFull
}

// shouldBeAdjacent is RFC 2328 §10.4.
func (n *Neighbor) shouldBeAdjacent() bool {
	i := n.iface
	switch i.typ {
	case config.NetworkPointToPoint, config.NetworkPointToMultipoint, config.NetworkVirtual:
		return true
	}

	self := i.addr()
	return i.dr == self || i.bdr == self || i.dr == n.addr || i.bdr == n.addr
}

// startExStart begins a database exchange with the neighbor, claiming to be
// master until told otherwise.
func (n *Neighbor) startExStart() NeighborState {
	if !n.ddSeqSet {
		n.ddSeq = n.iface.inst.loop.Rand().Uint32()
		n.ddSeqSet = true
	} else {
		n.ddSeq++
	}

	n.master = true
	n.lastReceivedDD = nil
	n.sendDD(true, true, nil)
	n.ddRxmtTimer.Reset(n.iface.rxmtDuration())

	return NbrExStart
}

// clearAdjacency forgets the database exchange and stops its timers.
func (n *Neighbor) clearAdjacency() {
	n.summary = nil
	n.requests = nil
	n.lastRequested = nil
	n.lastSentDD = nil
	n.lastSentCount = 0
	clear(n.retransmit)

	n.ddRxmtTimer.Stop()
	n.lsrRxmtTimer.Stop()
	n.rxmtTimer.Stop()
}

func (n *Neighbor) sendDD(init, more bool, headers []LSAHeader) {
	dd := &DatabaseDescription{
		Header:  n.iface.header(),
		MTU:     mtu,
		Options: n.iface.options(),
		Init:    init,
		More:    more,
		Master:  n.master,
		Seq:     n.ddSeq,
		Headers: headers,
	}

	n.lastSentDD = dd
	n.iface.send(n.addr, dd)
}

func (n *Neighbor) retransmitDD() {
	if n.lastSentDD == nil || !n.master {
		return
	}
	if n.state != NbrExStart && n.state != NbrExchange {
		return
	}

	n.iface.send(n.addr, n.lastSentDD)
	n.ddRxmtTimer.Reset(n.iface.rxmtDuration())
}

// sendNextDD sends the next batch of the database summary.
func (n *Neighbor) sendNextDD() {
	count := min(len(n.summary), maxDDHeaders)
	headers := slices.Clone(n.summary[:count])

	for j := range headers {
		headers[j].Age = min(headers[j].Age+n.iface.transmitDelay, maxAge)
	}

	n.lastSentCount = count
	n.sendDD(false, len(n.summary) > count, headers)
}

// handleDatabaseDescription is RFC 2328 §10.6.
func (n *Neighbor) handleDatabaseDescription(dd *DatabaseDescription) {
	switch n.state {
	case NbrDown, NbrAttempt, NbrTwoWay:
		return
	case NbrInit:
		n.handleEvent(ne2WayReceived)
		if n.state != NbrExStart {
			return
		}
		n.negotiate(dd)
	case NbrExStart:
		n.negotiate(dd)
	case NbrExchange:
		n.exchange(dd)
	case NbrLoading, NbrFull:
		if sameDD(n.lastReceivedDD, dd) {
			if !n.master && n.lastSentDD != nil {
				n.iface.send(n.addr, n.lastSentDD)
			}
			return
		}
		n.handleEvent(neSeqNumberMismatch)
	}
}

func (n *Neighbor) negotiate(dd *DatabaseDescription) {
	self := n.iface.inst.routerID

	switch {
	case dd.Init && dd.More && dd.Master && len(dd.Headers) == 0 && n.id > self:
		n.log.Debug("database exchange: slave")

		n.master = false
		n.ddSeq = dd.Seq
		n.options = dd.Options
		n.ddRxmtTimer.Stop()
		n.handleEvent(neNegotiationDone)

		n.lastReceivedDD = dd
		n.sendNextDD()
		n.checkSlaveDone(dd)
	case !dd.Init && !dd.Master && dd.Seq == n.ddSeq && n.id < self:
		n.log.Debug("database exchange: master")

		n.options = dd.Options
		n.handleEvent(neNegotiationDone)
		n.exchange(dd)
	}
}

func (n *Neighbor) exchange(dd *DatabaseDescription) {
	if sameDD(n.lastReceivedDD, dd) {
		if !n.master {
			n.iface.send(n.addr, n.lastSentDD)
		}
		return
	}

	if dd.Master == n.master || dd.Init || dd.Options != n.options {
		n.handleEvent(neSeqNumberMismatch)
		return
	}

	if n.master && dd.Seq != n.ddSeq || !n.master && dd.Seq != n.ddSeq+1 {
		n.log.Debug("database description out of sequence", "seq", dd.Seq, "want", n.ddSeq)
		n.handleEvent(neSeqNumberMismatch)
		return
	}

	if !n.addRequests(dd.Headers) {
		n.handleEvent(neSeqNumberMismatch)
		return
	}
	n.lastReceivedDD = dd

	if n.master {
		n.summary = n.summary[n.lastSentCount:]
		n.lastSentCount = 0

		if len(n.summary) == 0 && !dd.More {
			n.ddRxmtTimer.Stop()
			n.handleEvent(neExchangeDone)
		} else {
			n.ddSeq++
			n.sendNextDD()
			n.ddRxmtTimer.Reset(n.iface.rxmtDuration())
		}
	} else {
		n.ddSeq = dd.Seq
		n.sendNextDD()
		n.checkSlaveDone(dd)
	}

	n.sendRequest()
}

// checkSlaveDone runs after the slave answers dd: its batch has been sent
// and won't be retransmitted except as a reply to a duplicate.
func (n *Neighbor) checkSlaveDone(dd *DatabaseDescription) {
	n.summary = n.summary[n.lastSentCount:]
	n.lastSentCount = 0

	if !dd.More && !n.lastSentDD.More {
		n.handleEvent(neExchangeDone)
	}
}

// addRequests puts every advertised LSA we don't have, or have an older
// copy of, on the link state request list. It reports false if a header is
// unacceptable.
func (n *Neighbor) addRequests(headers []LSAHeader) bool {
	area := n.iface.area

	for _, h := range headers {
		if h.Type < LSTypeRouter || h.Type > LSTypeASExternal {
			n.log.Debug("invalid LSA type in database description", "type", h.Type)
			return false
		}
		if h.Type == LSTypeASExternal && area.stub {
			n.log.Debug("AS-external LSA advertised in stub area")
			return false
		}

		cur := area.lookup(h.Key())
		if cur == nil || h.Compare(cur.LSAHeader) > 0 {
			n.setRequest(h)
		}
	}

	return true
}

func (n *Neighbor) requestIndex(k LSAKey) int {
	return slices.IndexFunc(n.requests, func(h LSAHeader) bool { return h.Key() == k })
}

func (n *Neighbor) setRequest(h LSAHeader) {
	if j := n.requestIndex(h.Key()); j >= 0 {
		n.requests[j] = h
		return
	}
	n.requests = append(n.requests, h)
}

func (n *Neighbor) removeRequest(k LSAKey) {
	if j := n.requestIndex(k); j >= 0 {
		n.requests = slices.Delete(n.requests, j, j+1)
	}
}

func (n *Neighbor) inFlight() bool {
	for _, k := range n.lastRequested {
		if n.requestIndex(k) >= 0 {
			return true
		}
	}
	return false
}

// sendRequest sends a Link State Request for the head of the request list
// unless the previous one is still unanswered.
func (n *Neighbor) sendRequest() {
	if n.state != NbrExchange && n.state != NbrLoading {
		return
	}
	if len(n.requests) == 0 {
		n.lsrRxmtTimer.Stop()
		n.lastRequested = nil
		return
	}
	if n.inFlight() {
		return
	}

	count := min(len(n.requests), maxRequests)
	keys := make([]LSAKey, count)
	for j, h := range n.requests[:count] {
		keys[j] = h.Key()
	}

	n.lastRequested = keys
	n.iface.send(n.addr, &LinkStateRequest{Header: n.iface.header(), Requests: keys})
	n.lsrRxmtTimer.Reset(n.iface.rxmtDuration())
}

func (n *Neighbor) retransmitRequest() {
	n.lastRequested = nil
	n.sendRequest()
}

// requestsChanged runs after LSAs have been taken off the request list.
func (n *Neighbor) requestsChanged() {
	if len(n.requests) == 0 && n.state == NbrLoading {
		n.lsrRxmtTimer.Stop()
		n.handleEvent(neLoadingDone)
		return
	}
	n.sendRequest()
}

// handleLinkStateRequest is RFC 2328 §10.7.
func (n *Neighbor) handleLinkStateRequest(r *LinkStateRequest) {
	if n.state < NbrExchange {
		return
	}

	area := n.iface.area
	lsas := make([]*LSA, 0, len(r.Requests))
	for _, k := range r.Requests {
		l := area.lookup(k)
		if l == nil {
			n.log.Debug("request for unknown LSA", "lsa", k)
			n.handleEvent(neBadLSReq)
			return
		}
		lsas = append(lsas, n.iface.outgoing(l))
	}

	n.iface.send(n.addr, &LinkStateUpdate{Header: n.iface.header(), LSAs: lsas})
}

// handleLinkStateAck is RFC 2328 §13.7.
func (n *Neighbor) handleLinkStateAck(ack *LinkStateAck) {
	if n.state < NbrExchange {
		return
	}

	for _, h := range ack.Headers {
		l, ok := n.retransmit[h.Key()]
		if !ok {
			continue
		}

		if h.Compare(l.LSAHeader) != 0 {
			n.log.Debug("ack for unsent update", "lsa", h.Key(), "seq", h.Seq)
			continue
		}

		delete(n.retransmit, h.Key())
	}

	if len(n.retransmit) == 0 {
		n.rxmtTimer.Stop()
	}
}

func (n *Neighbor) addRetransmit(l *LSA) {
	n.retransmit[l.Key()] = l
	if !n.rxmtTimer.Pending() {
		n.rxmtTimer.Reset(n.iface.rxmtDuration())
	}
}

// retransmitUpdates resends every unacknowledged LSA directly to the
// neighbor.
func (n *Neighbor) retransmitUpdates() {
	if len(n.retransmit) == 0 || n.state < NbrExchange {
		return
	}

	var lsas []*LSA
	for _, k := range n.RetransmissionList() {
		lsas = append(lsas, n.iface.outgoing(n.retransmit[k]))
	}

	n.iface.send(n.addr, &LinkStateUpdate{Header: n.iface.header(), LSAs: lsas})
	n.rxmtTimer.Reset(n.iface.rxmtDuration())
}
