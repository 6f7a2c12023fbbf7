package ospf

import (
	"net/netip"
	"slices"
	"time"

	"github.com/davidbalbert/chatter/chatterd/common"
	"go4.org/netipx"
	"golang.org/x/exp/maps"
)

// minLSArrival is the minimum time between accepting two instances of the
// same LSA from the network.
const minLSArrival = time.Second

// install puts l in the database. It schedules the routing table
// calculation if the contents changed.
func (inst *Instance) install(area *Area, l *LSA) {
	db := inst.external
	if l.Type != LSTypeASExternal {
		db = area.db
	}

	old := db.get(l.Key())
	db.set(l, inst.loop.Now())

	if old == nil || !sameContents(old, l) {
		inst.scheduleSPF()
	}
}

// floodScope lists the interfaces an LSA is flooded out of: the area's for
// area-scoped LSAs and those of every non-stub area for AS-external LSAs.
func (inst *Instance) floodScope(area *Area, l *LSA) []*Interface {
	if l.Type != LSTypeASExternal {
		return area.interfaces
	}

	var ifaces []*Interface
	for _, a := range inst.Areas() {
		if !a.stub {
			ifaces = append(ifaces, a.interfaces...)
		}
	}
	return ifaces
}

// flood sends l to every adjacent neighbor that needs it (RFC 2328 §13.3).
// from and sender are the interface and neighbor l arrived from, or nil for
// our own LSAs. It reports whether l went back out the interface it came in
// on.
func (inst *Instance) flood(area *Area, l *LSA, from *Interface, sender *Neighbor) bool {
	floodedBack := false

	for _, i := range inst.floodScope(area, l) {
		if i.state == IfDown || i.state == IfLoopback || i.passive {
			continue
		}

		added := false
		for _, n := range i.Neighbors() {
			if n.state < NbrExchange {
				continue
			}

			if n.state < NbrFull {
				if j := n.requestIndex(l.Key()); j >= 0 {
					c := l.Compare(n.requests[j])
					if c < 0 {
						continue
					}
					n.removeRequest(l.Key())
					n.requestsChanged()
					if c == 0 {
						continue
					}
				}
			}

			if n == sender {
				continue
			}

			n.addRetransmit(l)
			added = true
		}

		if !added {
			continue
		}

		if i == from && sender != nil && (sender.addr == i.dr || sender.addr == i.bdr) {
			continue
		}
		if i == from && i.state == IfBackup {
			continue
		}
		if i == from {
			floodedBack = true
		}

		i.sendToAdjacent(&LinkStateUpdate{Header: i.header(), LSAs: []*LSA{i.outgoing(l)}})
	}

	return floodedBack
}

// handleLinkStateUpdate is RFC 2328 §13.
func (n *Neighbor) handleLinkStateUpdate(u *LinkStateUpdate) {
	if n.state < NbrExchange {
		return
	}

	i := n.iface
	area := i.area
	inst := i.inst

	for _, l := range u.LSAs {
		if !l.IsChecksumValid() {
			n.log.Debug("dropping LSA with bad checksum", "lsa", l.Key())
			continue
		}

		if l.Type != LSTypeRouter && l.Type != LSTypeNetwork && l.Type != LSTypeASExternal {
			n.log.Debug("dropping LSA of unsupported type", "lsa", l.Key())
			continue
		}

		if l.Type == LSTypeASExternal && area.stub {
			n.log.Debug("dropping AS-external LSA in stub area", "lsa", l.Key())
			continue
		}

		cur := area.lookup(l.Key())

		if l.Age == maxAge && cur == nil && !inst.exchanging() {
			n.sendAck(l.LSAHeader)
			continue
		}

		if cur == nil || l.Compare(cur.LSAHeader) > 0 {
			if cur != nil {
				at, _ := area.database(l.Type).installedAt(l.Key())
				if inst.loop.Now()-at < minLSArrival {
					n.log.Debug("LSA arrived too soon", "lsa", l.Key())
					continue
				}
			}

			mine := l.Clone()
			inst.removeFromRetransmissionLists(mine.Key())
			floodedBack := inst.flood(area, mine, i, n)
			inst.install(area, mine)

			if !floodedBack {
				if i.state != IfBackup || n.addr == i.dr {
					i.delayAck(mine.LSAHeader)
				}
			}

			if inst.isSelfOriginated(mine) {
				inst.selfOriginatedReceived(area, mine)
			}
			continue
		}

		if n.requestIndex(l.Key()) >= 0 {
			n.handleEvent(neBadLSReq)
			return
		}

		if l.Compare(cur.LSAHeader) == 0 {
			if _, ok := n.retransmit[l.Key()]; ok {
				// implied acknowledgement
				delete(n.retransmit, l.Key())
				if i.state == IfBackup && n.addr == i.dr {
					i.delayAck(l.LSAHeader)
				}
			} else {
				n.sendAck(l.LSAHeader)
			}
			continue
		}

		// Our copy is more recent.
		if cur.Age == maxAge && cur.Seq == maxSequenceNumber {
			continue
		}
		i.send(n.addr, &LinkStateUpdate{Header: i.header(), LSAs: []*LSA{i.outgoing(cur)}})
	}

	n.requestsChanged()
}

func (n *Neighbor) sendAck(h LSAHeader) {
	n.iface.send(n.addr, &LinkStateAck{Header: n.iface.header(), Headers: []LSAHeader{h}})
}

func (inst *Instance) removeFromRetransmissionLists(k LSAKey) {
	for _, i := range inst.interfaces {
		for _, n := range i.neighbors {
			delete(n.retransmit, k)
		}
	}
}

func (inst *Instance) ownsAddress(addr netip.Addr) bool {
	for _, i := range inst.interfaces {
		if i.addr() == addr {
			return true
		}
	}
	return false
}

func (inst *Instance) isSelfOriginated(l *LSA) bool {
	return l.AdvRouter == inst.routerID || (l.Type == LSTypeNetwork && inst.ownsAddress(l.ID))
}

// selfOriginatedReceived handles a newer instance of one of our own LSAs
// (RFC 2328 §13.4): a leftover from before a restart, or a copy someone
// else aged out. We originate a fresher instance if we still want the LSA
// and flush it otherwise.
func (inst *Instance) selfOriginatedReceived(area *Area, l *LSA) {
	inst.log.Debug("received newer instance of self-originated LSA", "lsa", l.Key(), "seq", l.Seq)

	if l.AdvRouter == inst.routerID && inst.wants(area, l.Key()) {
		inst.reoriginate(area, l.Key(), true)
		return
	}

	if l.Age != maxAge {
		inst.flush(area, l)
	}
}

// wants reports whether we would originate an LSA with key k.
func (inst *Instance) wants(area *Area, k LSAKey) bool {
	switch k.Type {
	case LSTypeRouter:
		return k.AdvRouter == inst.routerID && area.active()
	case LSTypeNetwork:
		i := area.interfaceAt(k.ID)
		return i != nil && i.state == IfDR
	case LSTypeASExternal:
		_, ok := inst.externalPrefix(k.ID)
		return ok
	default:
		return false
	}
}

func (a *Area) interfaceAt(addr netip.Addr) *Interface {
	for _, i := range a.interfaces {
		if i.addr() == addr {
			return i
		}
	}
	return nil
}

func (inst *Instance) externalPrefix(id netip.Addr) (netip.Prefix, bool) {
	p, ok := inst.externalIDs[id]
	return p, ok
}

// assignExternalIDs picks a link state ID for each external prefix (RFC 2328
// Appendix E). More specific prefixes take their network address. A less
// specific prefix that shares it uses its address with all host bits set.
func assignExternalIDs(routes map[netip.Prefix]uint32) (ids map[netip.Addr]netip.Prefix, unassigned []netip.Prefix) {
	prefixes := maps.Keys(routes)
	slices.SortFunc(prefixes, func(a, b netip.Prefix) int {
		if c := b.Bits() - a.Bits(); c != 0 {
			return c
		}
		return a.Addr().Compare(b.Addr())
	})

	ids = make(map[netip.Addr]netip.Prefix, len(prefixes))
	for _, p := range prefixes {
		id := p.Addr()
		if _, taken := ids[id]; taken {
			id = netipx.PrefixLastIP(p)
		}
		if _, taken := ids[id]; taken {
			unassigned = append(unassigned, p)
			continue
		}
		ids[id] = p
	}
	return ids, unassigned
}

// updateExternalLSAs brings our AS-external LSAs in line with externalRoutes.
func (inst *Instance) updateExternalLSAs() {
	ids, unassigned := assignExternalIDs(inst.externalRoutes)
	for _, p := range unassigned {
		inst.log.Warn("no link state ID available for external route", "prefix", p)
	}

	for id := range inst.externalIDs {
		if _, ok := ids[id]; ok {
			continue
		}
		k := LSAKey{Type: LSTypeASExternal, ID: id, AdvRouter: inst.routerID}
		if l := inst.external.get(k); l != nil && l.Age != maxAge {
			inst.flush(nil, l)
		}
	}

	inst.externalIDs = ids

	keys := maps.Keys(ids)
	slices.SortFunc(keys, netip.Addr.Compare)
	for _, id := range keys {
		inst.originate(nil, inst.externalLSABody(ids[id]), id, false)
	}
}

// reoriginate builds our LSA with key k again. force makes a new instance
// even if its contents are unchanged. An LSA we no longer want is flushed.
func (inst *Instance) reoriginate(area *Area, k LSAKey, force bool) {
	switch k.Type {
	case LSTypeRouter:
		if area != nil && area.active() {
			inst.originate(area, area.routerLSA(), k.ID, force)
			return
		}
	case LSTypeNetwork:
		if area != nil {
			if i := area.interfaceAt(k.ID); i != nil && i.state == IfDR {
				inst.originate(area, i.networkLSABody(), k.ID, force)
				return
			}
		}
	case LSTypeASExternal:
		if p, ok := inst.externalPrefix(k.ID); ok {
			inst.originate(nil, inst.externalLSABody(p), k.ID, force)
			return
		}
	}

	db := inst.external
	if area != nil {
		db = area.database(k.Type)
	}
	if l := db.get(k); l != nil && l.Age != maxAge {
		inst.flush(area, l)
	}
}

// originate installs and floods a new instance of one of our LSAs. At the
// maximum sequence number the current instance is aged out first and the
// new one is originated after it has left the database.
func (inst *Instance) originate(area *Area, body LSABody, id netip.Addr, force bool) {
	key := LSAKey{Type: body.lsType(), ID: id, AdvRouter: inst.routerID}

	db := inst.external
	if area != nil {
		db = area.database(key.Type)
	}

	l := &LSA{
		LSAHeader: LSAHeader{
			Options:   capE,
			ID:        id,
			AdvRouter: inst.routerID,
			Seq:       initialSequenceNumber,
		},
		Body: body,
	}
	if area != nil && area.stub {
		l.Options = 0
	}

	old := db.get(key)
	if old != nil {
		if old.Seq == maxSequenceNumber {
			db.pending[key] = true
			if old.Age != maxAge {
				inst.log.Info("sequence number wrapped, aging out LSA", "lsa", key)
				inst.flush(area, old)
			}
			return
		}
		l.Seq = old.Seq + 1
	}

	l.finish()

	if old != nil && !force && old.Age != maxAge && sameContents(old, l) {
		return
	}

	inst.log.Debug("originating LSA", "lsa", key, "seq", l.Seq)
	inst.removeFromRetransmissionLists(key)
	inst.install(area, l)
	inst.flood(area, l, nil, nil)
}

// flush ages l out of the routing domain (RFC 2328 §14.1).
func (inst *Instance) flush(area *Area, l *LSA) {
	aged := l.Clone()
	aged.Age = maxAge

	inst.removeFromRetransmissionLists(aged.Key())
	inst.install(area, aged)
	inst.flood(area, aged, nil, nil)
}

func (i *Interface) networkLSABody() *NetworkLSA {
	routers := []common.RouterID{i.inst.routerID}
	for _, n := range i.Neighbors() {
		if n.state == NbrFull {
			routers = append(routers, n.id)
		}
	}
	slices.Sort(routers)

	return &NetworkLSA{Bits: i.prefix.Bits(), Routers: routers}
}

func (inst *Instance) externalLSABody(p netip.Prefix) *ASExternalLSA {
	return &ASExternalLSA{
		Bits:   p.Bits(),
		Type2:  true,
		Metric: inst.externalRoutes[p],
	}
}

