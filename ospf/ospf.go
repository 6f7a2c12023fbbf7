// Package ospf implements OSPFv2 (RFC 2328) for one router: interface and
// neighbor state machines, Designated Router election, the link state
// database with flooding and aging, and the shortest path calculation.
package ospf

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/rib"
	"github.com/davidbalbert/chatter/sched"
	"github.com/davidbalbert/chatter/transport"
	"golang.org/x/exp/maps"
)

type Deps struct {
	Loop   *sched.Loop
	Fabric *transport.Fabric
	RIB    *rib.Table
	Logger *slog.Logger
}

// Instance is the OSPF process of one router.
type Instance struct {
	routerID common.RouterID
	name     string

	loop   *sched.Loop
	rib    *rib.Table
	fabric *transport.Fabric
	log    *slog.Logger

	areas      map[common.AreaID]*Area
	interfaces []*Interface

	external       *Database
	externalRoutes map[netip.Prefix]uint32
	externalIDs    map[netip.Addr]netip.Prefix

	// routes are the routes this instance has put in the IP table.
	routes map[netip.Prefix]rib.Route

	ageTimer *sched.Timer
	spfTimer *sched.Timer

	started bool
}

func New(rc *config.RouterConfig, deps Deps) (*Instance, error) {
	if rc.OSPF == nil {
		return nil, fmt.Errorf("ospf: router %s has no ospf configuration", rc.Name)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	inst := &Instance{
		routerID:       rc.OSPF.RouterID,
		name:           rc.Name,
		loop:           deps.Loop,
		rib:            deps.RIB,
		fabric:         deps.Fabric,
		log:            logger.With("router-id", rc.OSPF.RouterID),
		areas:          make(map[common.AreaID]*Area),
		external:       newDatabase(),
		externalRoutes: make(map[netip.Prefix]uint32),
		externalIDs:    make(map[netip.Addr]netip.Prefix),
		routes:         make(map[netip.Prefix]rib.Route),
	}

	inst.ageTimer = inst.loop.NewTimer(inst.ageTick)
	inst.spfTimer = inst.loop.NewTimer(inst.RebuildRoutingTable)

	areaIDs := maps.Keys(rc.OSPF.Areas)
	slices.Sort(areaIDs)

	for _, id := range areaIDs {
		ac := rc.OSPF.Areas[id]
		area := newArea(inst, id, ac.Stub)
		inst.areas[id] = area

		names := maps.Keys(ac.Interfaces)
		slices.Sort(names)

		for _, name := range names {
			ic, ok := rc.Interfaces[name]
			if !ok {
				return nil, fmt.Errorf("ospf area %s: unknown interface: %s", id, name)
			}

			iface := newInterface(inst, area, ic, ac.Interfaces[name])
			area.interfaces = append(area.interfaces, iface)
			inst.interfaces = append(inst.interfaces, iface)
		}
	}

	slices.SortFunc(inst.interfaces, func(a, b *Interface) int {
		return a.prefix.Addr().Compare(b.prefix.Addr())
	})

	return inst, nil
}

func (inst *Instance) RouterID() common.RouterID { return inst.routerID }

// Interfaces returns the OSPF interfaces ordered by address.
func (inst *Instance) Interfaces() []*Interface {
	return inst.interfaces
}

// Areas returns the areas ordered by ID.
func (inst *Instance) Areas() []*Area {
	ids := maps.Keys(inst.areas)
	slices.Sort(ids)

	areas := make([]*Area, len(ids))
	for i, id := range ids {
		areas[i] = inst.areas[id]
	}
	return areas
}

// LSDB returns the headers of every LSA visible in area, AS-external LSAs
// included unless the area is a stub.
func (inst *Instance) LSDB(id common.AreaID) []LSAHeader {
	area, ok := inst.areas[id]
	if !ok {
		return nil
	}

	headers := area.db.Headers()
	if !area.stub {
		headers = append(headers, inst.external.Headers()...)
	}
	return headers
}

// Lookup returns the current instance of an LSA in area.
func (inst *Instance) Lookup(id common.AreaID, k LSAKey) *LSA {
	area, ok := inst.areas[id]
	if !ok {
		return nil
	}
	return area.lookup(k)
}

// HasRoutes reports whether the instance has put any route in the IP table.
func (inst *Instance) HasRoutes() bool {
	return len(inst.routes) > 0
}

// Start brings every interface up.
func (inst *Instance) Start() {
	if inst.started {
		return
	}
	inst.started = true

	inst.log.Info("starting OSPF", "areas", len(inst.areas), "interfaces", len(inst.interfaces))

	for _, iface := range inst.interfaces {
		iface.attach()
		iface.handleEvent(ieInterfaceUp)
	}

	inst.ageTimer.Reset(time.Second)
}

// Stop brings every interface down.
func (inst *Instance) Stop() {
	if !inst.started {
		return
	}
	inst.started = false

	for _, iface := range inst.interfaces {
		iface.handleEvent(ieInterfaceDown)
		iface.detach()
	}

	inst.ageTimer.Stop()
	inst.spfTimer.Stop()
}

// SetInterfaceUp raises InterfaceUp or InterfaceDown for the named
// interface.
func (inst *Instance) SetInterfaceUp(name string, up bool) error {
	for _, iface := range inst.interfaces {
		if iface.name != name {
			continue
		}

		if up {
			iface.attach()
			iface.handleEvent(ieInterfaceUp)
		} else {
			iface.handleEvent(ieInterfaceDown)
			iface.detach()
		}
		return nil
	}

	return fmt.Errorf("ospf: unknown interface: %s", name)
}

// SetLoopback raises LoopInd or UnloopInd for the named interface.
func (inst *Instance) SetLoopback(name string, looped bool) error {
	for _, iface := range inst.interfaces {
		if iface.name != name {
			continue
		}

		if looped {
			iface.handleEvent(ieLoopInd)
		} else {
			iface.handleEvent(ieUnloopInd)
		}
		return nil
	}

	return fmt.Errorf("ospf: unknown interface: %s", name)
}

// isASBR reports whether the router originates AS-external LSAs.
func (inst *Instance) isASBR() bool {
	return len(inst.externalRoutes) > 0
}

func (inst *Instance) isABR() bool {
	n := 0
	for _, a := range inst.areas {
		if a.active() {
			n++
		}
	}
	return n > 1
}

// InsertExternalRoute originates an AS-external LSA (type 2 metric) for a
// route learned from another routing protocol.
func (inst *Instance) InsertExternalRoute(prefix netip.Prefix, metric uint32) {
	prefix = prefix.Masked()

	wasASBR := inst.isASBR()
	if old, ok := inst.externalRoutes[prefix]; ok && old == metric {
		return
	}
	inst.externalRoutes[prefix] = metric

	inst.log.Debug("inserting external route", "prefix", prefix, "metric", metric)
	inst.updateExternalLSAs()

	if !wasASBR {
		inst.originateRouterLSAs()
	}
}

// RemoveExternalRoute withdraws the AS-external LSA for prefix.
func (inst *Instance) RemoveExternalRoute(prefix netip.Prefix) {
	prefix = prefix.Masked()

	if _, ok := inst.externalRoutes[prefix]; !ok {
		return
	}
	delete(inst.externalRoutes, prefix)

	inst.log.Debug("removing external route", "prefix", prefix)
	inst.updateExternalLSAs()

	if !inst.isASBR() {
		inst.originateRouterLSAs()
	}
}

func (inst *Instance) originateRouterLSAs() {
	for _, a := range inst.Areas() {
		if a.active() {
			a.originateRouterLSA()
		}
	}
}

func (inst *Instance) scheduleSPF() {
	if !inst.spfTimer.Pending() {
		inst.spfTimer.Reset(0)
	}
}

// ageTick runs once a second: it ages every LSA, refreshes our own and
// removes MaxAge LSAs nobody is waiting on.
func (inst *Instance) ageTick() {
	inst.ageTimer.Reset(time.Second)

	for _, a := range inst.Areas() {
		inst.ageDatabase(a, a.db)
	}
	if inst.external.Len() > 0 {
		inst.ageDatabase(nil, inst.external)
	}
}

func (inst *Instance) ageDatabase(area *Area, db *Database) {
	for _, l := range db.All() {
		if l.Age < maxAge {
			l.Age++

			if l.Age == maxAge {
				inst.log.Debug("LSA reached MaxAge", "lsa", l.Key())
				inst.flood(area, l, nil, nil)
				inst.scheduleSPF()
			} else if l.AdvRouter == inst.routerID && l.Age%lsRefreshTime == 0 {
				inst.reoriginate(area, l.Key(), true)
			}
			continue
		}

		if inst.onAnyRetransmissionList(l.Key()) || inst.exchanging() {
			continue
		}

		db.delete(l.Key())
		inst.log.Debug("removed MaxAge LSA", "lsa", l.Key())

		if db.pending[l.Key()] {
			delete(db.pending, l.Key())
			inst.reoriginate(area, l.Key(), false)
		}
	}
}

// exchanging reports whether any neighbor is in Exchange or Loading.
func (inst *Instance) exchanging() bool {
	for _, iface := range inst.interfaces {
		for _, n := range iface.neighbors {
			if n.state == NbrExchange || n.state == NbrLoading {
				return true
			}
		}
	}
	return false
}

func (inst *Instance) onAnyRetransmissionList(k LSAKey) bool {
	for _, iface := range inst.interfaces {
		for _, n := range iface.neighbors {
			if _, ok := n.retransmit[k]; ok {
				return true
			}
		}
	}
	return false
}
