package ospf

import (
	"net/netip"
	"slices"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/config"
)

var hostMask = netip.MustParseAddr("255.255.255.255")

type Area struct {
	inst *Instance

	id         common.AreaID
	stub       bool
	interfaces []*Interface
	db         *Database
}

func newArea(inst *Instance, id common.AreaID, stub bool) *Area {
	return &Area{
		inst: inst,
		id:   id,
		stub: stub,
		db:   newDatabase(),
	}
}

func (a *Area) ID() common.AreaID { return a.id }
func (a *Area) Stub() bool        { return a.stub }

// active reports whether any of the area's interfaces is up.
func (a *Area) active() bool {
	return slices.ContainsFunc(a.interfaces, func(i *Interface) bool {
		return i.state != IfDown
	})
}

// database returns the database that holds LSAs of type t.
func (a *Area) database(t LSType) *Database {
	if t == LSTypeASExternal {
		return a.inst.external
	}
	return a.db
}

func (a *Area) lookup(k LSAKey) *LSA {
	if k.Type == LSTypeASExternal && a.stub {
		return nil
	}
	return a.database(k.Type).get(k)
}

// summary is the database summary list sent to a neighbor entering
// Exchange.
func (a *Area) summary() []LSAHeader {
	headers := a.db.Headers()
	if !a.stub {
		headers = append(headers, a.inst.external.Headers()...)
	}
	return headers
}

// routerLSA describes the router's interfaces into the area
// (RFC 2328 §12.4.1).
func (a *Area) routerLSA() *RouterLSA {
	r := &RouterLSA{
		Border:   a.inst.isABR(),
		External: a.inst.isASBR() && !a.stub,
	}

	for _, i := range a.interfaces {
		if i.state == IfDown {
			continue
		}

		if i.state == IfLoopback {
			r.Links = append(r.Links, Link{ID: i.addr(), Data: hostMask, Type: LinkStub})
			continue
		}

		stub := Link{
			ID:     i.prefix.Masked().Addr(),
			Data:   maskFromBits(i.prefix.Bits()),
			Type:   LinkStub,
			Metric: i.cost,
		}

		switch i.typ {
		case config.NetworkPointToPoint:
			for _, n := range i.Neighbors() {
				if n.state == NbrFull {
					r.Links = append(r.Links, Link{ID: n.id.Addr(), Data: i.addr(), Type: LinkPointToPoint, Metric: i.cost})
				}
			}
			r.Links = append(r.Links, stub)
		case config.NetworkPointToMultipoint:
			for _, n := range i.Neighbors() {
				if n.state == NbrFull {
					r.Links = append(r.Links, Link{ID: n.id.Addr(), Data: i.addr(), Type: LinkPointToPoint, Metric: i.cost})
				}
			}
			r.Links = append(r.Links, Link{ID: i.addr(), Data: hostMask, Type: LinkStub})
		case config.NetworkVirtual:
			for _, n := range i.Neighbors() {
				if n.state == NbrFull {
					r.Links = append(r.Links, Link{ID: n.id.Addr(), Data: i.addr(), Type: LinkVirtual, Metric: i.cost})
				}
			}
		default:
			if i.fullyAdjacentToDR() {
				r.Links = append(r.Links, Link{ID: i.dr, Data: i.addr(), Type: LinkTransit, Metric: i.cost})
			} else {
				r.Links = append(r.Links, stub)
			}
		}
	}

	return r
}

// fullyAdjacentToDR reports whether a multi-access network is transit: we
// are the DR with at least one full adjacency, or we are fully adjacent to
// the DR.
func (i *Interface) fullyAdjacentToDR() bool {
	if i.state == IfWaiting || i.passive || !i.dr.IsValid() {
		return false
	}

	for _, n := range i.neighbors {
		if n.state != NbrFull {
			continue
		}
		if i.dr == i.addr() || n.addr == i.dr {
			return true
		}
	}
	return false
}

func (a *Area) originateRouterLSA() {
	if !a.active() && a.db.get(a.routerLSAKey()) == nil {
		return
	}
	a.inst.originate(a, a.routerLSA(), a.inst.routerID.Addr(), false)
}

func (a *Area) routerLSAKey() LSAKey {
	id := a.inst.routerID
	return LSAKey{Type: LSTypeRouter, ID: id.Addr(), AdvRouter: id}
}

func (i *Interface) networkLSAKey() LSAKey {
	return LSAKey{Type: LSTypeNetwork, ID: i.addr(), AdvRouter: i.inst.routerID}
}

// originateNetworkLSA lists the routers on the network we are DR for: us and
// every neighbor we are fully adjacent to.
func (i *Interface) originateNetworkLSA() {
	if i.state != IfDR {
		return
	}
	i.inst.originate(i.area, i.networkLSABody(), i.addr(), false)
}

func (i *Interface) flushNetworkLSA() {
	if l := i.area.db.get(i.networkLSAKey()); l != nil && l.Age != maxAge {
		i.inst.flush(i.area, l)
	}
}
