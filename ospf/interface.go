package ospf

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/sched"
	"github.com/davidbalbert/chatter/transport"
	"golang.org/x/exp/maps"
)

const (
	// helloStartDelay is the mean delay before the first Hello. It is
	// jittered so routers started together don't send in lockstep.
	helloStartDelay = 100 * time.Millisecond
	ackInterval     = time.Second
)

type InterfaceState int

const (
	IfDown InterfaceState = iota
	IfLoopback
	IfWaiting
	IfPointToPoint
	IfDROther
	IfBackup
	IfDR
	numIfStates
)

func (s InterfaceState) String() string {
	switch s {
	case IfDown:
		return "Down"
	case IfLoopback:
		return "Loopback"
	case IfWaiting:
		return "Waiting"
	case IfPointToPoint:
		return "Point-to-point"
	case IfDROther:
		return "DROther"
	case IfBackup:
		return "Backup"
	case IfDR:
		return "DR"
	default:
		return fmt.Sprintf("InterfaceState(%d)", int(s))
	}
}

type interfaceEvent int

const (
	ieInterfaceUp interfaceEvent = iota
	ieWaitTimer
	ieBackupSeen
	ieNeighborChange
	ieLoopInd
	ieUnloopInd
	ieInterfaceDown
	ieHelloTimer
	ieAckTimer
	numIfEvents
)

func (e interfaceEvent) String() string {
	switch e {
	case ieInterfaceUp:
		return "InterfaceUp"
	case ieWaitTimer:
		return "WaitTimer"
	case ieBackupSeen:
		return "BackupSeen"
	case ieNeighborChange:
		return "NeighborChange"
	case ieLoopInd:
		return "LoopInd"
	case ieUnloopInd:
		return "UnloopInd"
	case ieInterfaceDown:
		return "InterfaceDown"
	case ieHelloTimer:
		return "HelloTimer"
	case ieAckTimer:
		return "AckTimer"
	default:
		return fmt.Sprintf("interfaceEvent(%d)", int(e))
	}
}

type ifAction func(i *Interface) InterfaceState

// ifTransitions is the RFC 2328 §9.3 table plus the two interface timers.
// A nil entry is an event the state ignores.
var ifTransitions [numIfStates][numIfEvents]ifAction

func init() {
	ifTransitions = [numIfStates][numIfEvents]ifAction{
		IfDown: {
			ieInterfaceUp: interfaceUp,
		},
		IfLoopback: {
			ieUnloopInd: toDown,
		},
		IfWaiting: {
			ieBackupSeen: electDesignatedRouter,
			ieWaitTimer:  electDesignatedRouter,
			ieHelloTimer: helloTimer,
			ieAckTimer:   ackTimer,
		},
		IfPointToPoint: {
			ieHelloTimer: helloTimer,
			ieAckTimer:   ackTimer,
		},
		IfDROther: {
			ieNeighborChange: electDesignatedRouter,
			ieHelloTimer:     helloTimer,
			ieAckTimer:       ackTimer,
		},
		IfBackup: {
			ieNeighborChange: electDesignatedRouter,
			ieHelloTimer:     helloTimer,
			ieAckTimer:       ackTimer,
		},
		IfDR: {
			ieNeighborChange: electDesignatedRouter,
			ieHelloTimer:     helloTimer,
			ieAckTimer:       ackTimer,
		},
	}

	for s := IfDown; s < numIfStates; s++ {
		ifTransitions[s][ieLoopInd] = toLoopback
		if s != IfDown {
			ifTransitions[s][ieInterfaceDown] = toDown
		}
	}
}

// Interface is an OSPF interface: the router's attachment to one network in
// one area.
type Interface struct {
	inst *Instance
	area *Area
	log  *slog.Logger

	name    string
	prefix  netip.Prefix
	link    string
	typ     config.NetworkType
	passive bool

	priority      uint8
	cost          uint16
	helloInterval uint16
	deadInterval  uint32
	rxmtInterval  uint16
	transmitDelay uint16
	authType      uint16
	authKey       string

	// configured NBMA neighbors and their priorities
	nbma map[netip.Addr]uint8

	state     InterfaceState
	dr        netip.Addr
	bdr       netip.Addr
	neighbors map[netip.Addr]*Neighbor

	endpoint *transport.Endpoint

	helloTimer *sched.Timer
	waitTimer  *sched.Timer
	ackTimer   *sched.Timer

	delayedAcks []LSAHeader

	// resetting is set while reset kills the neighbors.
	resetting bool
}

func newInterface(inst *Instance, area *Area, ic config.InterfaceConfig, oc config.OSPFInterfaceConfig) *Interface {
	i := &Interface{
		inst:          inst,
		area:          area,
		log:           inst.log.With("interface", ic.Name),
		name:          ic.Name,
		prefix:        ic.Address,
		link:          ic.Link,
		typ:           oc.Type,
		passive:       oc.Passive,
		priority:      oc.Priority,
		cost:          oc.Cost,
		helloInterval: oc.HelloInterval,
		deadInterval:  oc.RouterDeadInterval,
		rxmtInterval:  oc.RetransmitInterval,
		transmitDelay: oc.TransmitDelay,
		authType:      oc.AuthType,
		authKey:       oc.AuthKey,
		nbma:          oc.Neighbors,
		neighbors:     make(map[netip.Addr]*Neighbor),
	}

	i.helloTimer = inst.loop.NewTimer(func() { i.handleEvent(ieHelloTimer) })
	i.waitTimer = inst.loop.NewTimer(func() { i.handleEvent(ieWaitTimer) })
	i.ackTimer = inst.loop.NewTimer(func() { i.handleEvent(ieAckTimer) })

	return i
}

func (i *Interface) Name() string                { return i.name }
func (i *Interface) Prefix() netip.Prefix        { return i.prefix }
func (i *Interface) Type() config.NetworkType    { return i.typ }
func (i *Interface) State() InterfaceState       { return i.state }
func (i *Interface) AreaID() common.AreaID       { return i.area.id }
func (i *Interface) Cost() uint16                { return i.cost }
func (i *Interface) Passive() bool               { return i.passive }
func (i *Interface) addr() netip.Addr            { return i.prefix.Addr() }
func (i *Interface) deadDuration() time.Duration { return time.Duration(i.deadInterval) * time.Second }
func (i *Interface) rxmtDuration() time.Duration { return time.Duration(i.rxmtInterval) * time.Second }

// DR returns the router ID and interface address of the Designated Router.
// The address is invalid if there is none.
func (i *Interface) DR() (common.RouterID, netip.Addr) {
	return i.routerAt(i.dr), i.dr
}

func (i *Interface) BDR() (common.RouterID, netip.Addr) {
	return i.routerAt(i.bdr), i.bdr
}

func (i *Interface) routerAt(addr netip.Addr) common.RouterID {
	if !addr.IsValid() {
		return 0
	}
	if addr == i.addr() {
		return i.inst.routerID
	}
	for _, n := range i.neighbors {
		if n.addr == addr {
			return n.id
		}
	}
	return 0
}

// Neighbors returns the interface's neighbors ordered by address.
func (i *Interface) Neighbors() []*Neighbor {
	keys := maps.Keys(i.neighbors)
	slices.SortFunc(keys, func(a, b netip.Addr) int { return a.Compare(b) })

	ns := make([]*Neighbor, len(keys))
	for j, k := range keys {
		ns[j] = i.neighbors[k]
	}
	return ns
}

func (i *Interface) options() uint8 {
	if i.area.stub {
		return 0
	}
	return capE
}

func (i *Interface) multiAccess() bool {
	return i.typ == config.NetworkBroadcast || i.typ == config.NetworkNBMA
}

// neighborKey identifies a neighbor by source address on multi-access
// networks and by router ID on point-to-point links and virtual links.
func (i *Interface) neighborKey(src netip.Addr, id common.RouterID) netip.Addr {
	if i.typ == config.NetworkPointToPoint || i.typ == config.NetworkVirtual {
		return id.Addr()
	}
	return src
}

func (i *Interface) handleEvent(e interfaceEvent) {
	act := ifTransitions[i.state][e]
	if act == nil {
		i.log.Debug("OSPF interface event ignored", "state", i.state, "event", e)
		return
	}

	from := i.state
	to := act(i)
	if to != from {
		i.changeState(from, to, e)
	}
}

func (i *Interface) changeState(from, to InterfaceState, e interfaceEvent) {
	i.state = to
	i.log.Info("OSPF interface state change", "from", from, "to", to, "event", e)

	if i.endpoint != nil {
		if to == IfDR || to == IfBackup {
			i.endpoint.Join(AllDRouters)
		} else {
			i.endpoint.Leave(AllDRouters)
		}
	}

	if from == IfDR {
		i.flushNetworkLSA()
	}

	i.area.originateRouterLSA()

	if to == IfDR {
		i.originateNetworkLSA()
	}
}

func (i *Interface) attach() {
	if i.endpoint != nil || i.inst.fabric == nil {
		return
	}

	name := i.link
	if name == "" {
		name = i.inst.name + "/" + i.name
	}
	i.endpoint = i.inst.fabric.Segment(name).Attach(i.addr(), i.receive)
}

func (i *Interface) detach() {
	if i.endpoint == nil {
		return
	}
	i.endpoint.Detach()
	i.endpoint = nil
}

func interfaceUp(i *Interface) InterfaceState {
	i.helloTimer.Reset(i.inst.loop.Jitter(helloStartDelay, 0.5))
	i.ackTimer.Reset(ackInterval)

	if i.endpoint != nil && !i.passive {
		i.endpoint.Join(AllSPFRouters)
	}

	switch {
	case !i.multiAccess():
		return IfPointToPoint
	case i.passive, i.priority == 0:
		i.startNBMANeighbors()
		return IfDROther
	default:
		i.waitTimer.Reset(i.deadDuration())
		i.startNBMANeighbors()
		return IfWaiting
	}
}

// startNBMANeighbors creates the configured neighbors of an NBMA network
// and starts the eligible ones (RFC 2328 §9.3, InterfaceUp).
func (i *Interface) startNBMANeighbors() {
	if i.typ != config.NetworkNBMA {
		return
	}

	addrs := maps.Keys(i.nbma)
	slices.SortFunc(addrs, func(a, b netip.Addr) int { return a.Compare(b) })

	for _, addr := range addrs {
		n, ok := i.neighbors[addr]
		if !ok {
			n = newNeighbor(i, 0, addr)
			n.priority = i.nbma[addr]
			n.configured = true
			i.neighbors[addr] = n
		}

		if i.priority > 0 && n.priority > 0 {
			n.handleEvent(neStart)
		}
	}
}

func toLoopback(i *Interface) InterfaceState {
	i.reset()
	return IfLoopback
}

func toDown(i *Interface) InterfaceState {
	i.reset()
	return IfDown
}

// reset stops the interface timers and destroys every neighbor.
func (i *Interface) reset() {
	i.helloTimer.Stop()
	i.waitTimer.Stop()
	i.ackTimer.Stop()
	i.delayedAcks = nil

	i.resetting = true
	for _, n := range i.Neighbors() {
		n.handleEvent(neKillNbr)
		delete(i.neighbors, n.key())
	}
	i.resetting = false

	i.dr = netip.Addr{}
	i.bdr = netip.Addr{}

	if i.endpoint != nil {
		i.endpoint.Leave(AllSPFRouters)
		i.endpoint.Leave(AllDRouters)
	}
}

func helloTimer(i *Interface) InterfaceState {
	i.sendHello()
	i.helloTimer.Reset(time.Duration(i.helloInterval) * time.Second)
	return i.state
}

func ackTimer(i *Interface) InterfaceState {
	i.flushDelayedAcks()
	i.ackTimer.Reset(ackInterval)
	return i.state
}

// electDesignatedRouter runs the RFC 2328 §9.4 election and moves the
// interface to DR, Backup or DROther.
func electDesignatedRouter(i *Interface) InterfaceState {
	i.waitTimer.Stop()

	self := candidate{
		id:       i.inst.routerID,
		addr:     i.addr(),
		priority: i.priority,
		dr:       i.dr,
		bdr:      i.bdr,
	}

	var cs []candidate
	for _, n := range i.Neighbors() {
		if n.state < NbrTwoWay {
			continue
		}
		cs = append(cs, candidate{id: n.id, addr: n.addr, priority: n.priority, dr: n.dr, bdr: n.bdr})
	}

	dr, bdr := electDR(self, cs)
	changed := dr != i.dr || bdr != i.bdr
	i.dr, i.bdr = dr, bdr

	if changed {
		i.log.Info("OSPF designated router elected", "dr", dr, "bdr", bdr)

		if i.typ == config.NetworkNBMA && (dr == i.addr() || bdr == i.addr()) {
			for _, n := range i.Neighbors() {
				if n.priority == 0 && n.state == NbrDown {
					n.handleEvent(neStart)
				}
			}
		}

		for _, n := range i.Neighbors() {
			if n.state >= NbrTwoWay {
				n.handleEvent(neAdjOK)
			}
		}
	}

	switch i.addr() {
	case dr:
		return IfDR
	case bdr:
		return IfBackup
	default:
		return IfDROther
	}
}

func (i *Interface) header() Header {
	return Header{
		RouterID: i.inst.routerID,
		AreaID:   i.area.id,
		AuthType: i.authType,
		AuthKey:  i.authKey,
	}
}

func (i *Interface) send(dst netip.Addr, p Packet) {
	if i.endpoint == nil || i.passive {
		return
	}

	if err := i.endpoint.Send(dst, p); err != nil {
		i.log.Debug("OSPF send failed", "type", p.Type(), "dst", dst, "err", err)
	}
}

func (i *Interface) hello() *Hello {
	h := &Hello{
		Header:        i.header(),
		Bits:          i.prefix.Bits(),
		HelloInterval: i.helloInterval,
		Options:       i.options(),
		Priority:      i.priority,
		DeadInterval:  i.deadInterval,
		DR:            i.dr,
		BDR:           i.bdr,
	}

	for _, n := range i.Neighbors() {
		if n.state >= NbrInit {
			h.Neighbors = append(h.Neighbors, n.id)
		}
	}

	return h
}

func (i *Interface) sendHello() {
	h := i.hello()

	if i.typ != config.NetworkNBMA {
		i.send(AllSPFRouters, h)
		return
	}

	// RFC 2328 §9.5.1: an eligible router talks to every neighbor, others
	// only to the DR and BDR.
	for _, n := range i.Neighbors() {
		if i.priority > 0 || n.addr == i.dr || n.addr == i.bdr {
			i.send(n.addr, h)
		}
	}
}

// floodDestination is where multicast updates and delayed acks go.
func (i *Interface) floodDestination() netip.Addr {
	if i.typ == config.NetworkBroadcast && i.state != IfDR && i.state != IfBackup {
		return AllDRouters
	}
	return AllSPFRouters
}

// sendToAdjacent sends p to the interface's adjacent neighbors: by
// multicast where the network supports it, otherwise one copy each.
func (i *Interface) sendToAdjacent(p Packet) {
	if i.typ == config.NetworkBroadcast || i.typ == config.NetworkPointToPoint {
		i.send(i.floodDestination(), p)
		return
	}

	for _, n := range i.Neighbors() {
		if n.state >= NbrExchange {
			i.send(n.addr, p)
		}
	}
}

func (i *Interface) delayAck(h LSAHeader) {
	i.delayedAcks = append(i.delayedAcks, h)
}

func (i *Interface) flushDelayedAcks() {
	if len(i.delayedAcks) == 0 {
		return
	}

	i.sendToAdjacent(&LinkStateAck{Header: i.header(), Headers: i.delayedAcks})
	i.delayedAcks = nil
}

// outgoing is the copy of l that goes on the wire: its age is incremented
// by the interface transmit delay.
func (i *Interface) outgoing(l *LSA) *LSA {
	out := l.Clone()
	out.Age = min(out.Age+i.transmitDelay, maxAge)
	return out
}

func (i *Interface) receive(d transport.Datagram) {
	p, ok := d.Payload.(Packet)
	if !ok {
		i.log.Debug("dropping non-OSPF payload", "src", d.Src, "type", fmt.Sprintf("%T", d.Payload))
		return
	}

	if i.passive || i.state == IfDown || i.state == IfLoopback {
		return
	}

	h := p.header()
	if h.RouterID == i.inst.routerID {
		return
	}

	if h.AreaID != i.area.id {
		i.log.Debug("dropping packet for another area", "src", d.Src, "area", h.AreaID)
		return
	}

	if h.AuthType != i.authType || (i.authType != 0 && h.AuthKey != i.authKey) {
		i.log.Debug("authentication mismatch", "src", d.Src, "type", p.Type())
		return
	}

	if d.Dst == AllDRouters && i.state != IfDR && i.state != IfBackup {
		return
	}

	if hello, ok := p.(*Hello); ok {
		i.handleHello(d.Src, hello)
		return
	}

	n := i.neighbors[i.neighborKey(d.Src, h.RouterID)]
	if n == nil {
		i.log.Debug("dropping packet from unknown neighbor", "src", d.Src, "type", p.Type())
		return
	}

	switch p := p.(type) {
	case *DatabaseDescription:
		n.handleDatabaseDescription(p)
	case *LinkStateRequest:
		n.handleLinkStateRequest(p)
	case *LinkStateUpdate:
		n.handleLinkStateUpdate(p)
	case *LinkStateAck:
		n.handleLinkStateAck(p)
	default:
		panic(fmt.Sprintf("ospf: unknown packet type %T", p))
	}
}

// handleHello is RFC 2328 §10.5.
func (i *Interface) handleHello(src netip.Addr, h *Hello) {
	if i.multiAccess() && h.Bits != i.prefix.Bits() {
		i.log.Debug("hello: network mask mismatch", "src", src, "bits", h.Bits)
		return
	}

	if h.HelloInterval != i.helloInterval || h.DeadInterval != i.deadInterval {
		i.log.Debug("hello: interval mismatch", "src", src, "hello", h.HelloInterval, "dead", h.DeadInterval)
		return
	}

	if (h.Options&capE != 0) != !i.area.stub {
		i.log.Debug("hello: E-bit mismatch", "src", src)
		return
	}

	key := i.neighborKey(src, h.RouterID)
	n, ok := i.neighbors[key]
	if !ok {
		n = newNeighbor(i, h.RouterID, src)
		i.neighbors[key] = n
	}

	wasDR := n.dr == n.addr
	wasBDR := n.bdr == n.addr
	oldPriority := n.priority

	n.id = h.RouterID
	n.addr = src
	n.priority = h.Priority
	n.dr = h.DR
	n.bdr = h.BDR
	n.options = h.Options

	n.handleEvent(neHelloReceived)

	if !slices.Contains(h.Neighbors, i.inst.routerID) {
		n.handleEvent(ne1WayReceived)
		return
	}
	n.handleEvent(ne2WayReceived)

	isDR := h.DR == src
	isBDR := h.BDR == src

	switch {
	case i.state == IfWaiting && ((isDR && !h.BDR.IsValid()) || isBDR):
		i.handleEvent(ieBackupSeen)
	case oldPriority != h.Priority || wasDR != isDR || wasBDR != isBDR:
		i.handleEvent(ieNeighborChange)
	}
}

func (i *Interface) removeNeighbor(n *Neighbor) {
	if n.configured {
		return
	}
	if i.neighbors[n.key()] == n {
		delete(i.neighbors, n.key())
	}
}
