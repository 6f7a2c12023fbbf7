package ospf

import (
	"container/heap"
	"net/netip"
	"slices"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/rib"
	"go4.org/netipx"
	"golang.org/x/exp/maps"
)

type nextHop struct {
	iface   *Interface
	gateway netip.Addr // invalid for directly attached networks
}

func compareHops(a, b nextHop) int {
	if c := a.gateway.Compare(b.gateway); c != 0 {
		return c
	}
	return a.iface.addr().Compare(b.iface.addr())
}

// A vertex is a router or transit network in the shortest path tree.
type vertex struct {
	lsa      *LSA
	dist     uint32
	nextHops []nextHop
	index    int
}

func (v *vertex) network() bool {
	return v.lsa.Type == LSTypeNetwork
}

// direct reports whether v is a network the root is attached to.
func (v *vertex) direct() bool {
	return len(v.nextHops) > 0 && !v.nextHops[0].gateway.IsValid()
}

// candidates is the candidate list of RFC 2328 §16.1, ordered by distance
// with networks ahead of routers at equal distance.
type candidates []*vertex

func (c candidates) Len() int { return len(c) }

func (c candidates) Less(i, j int) bool {
	a, b := c[i], c[j]
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	if a.network() != b.network() {
		return a.network()
	}
	return compareKeys(a.lsa.Key(), b.lsa.Key()) < 0
}

func (c candidates) Swap(i, j int) {
	c[i], c[j] = c[j], c[i]
	c[i].index = i
	c[j].index = j
}

func (c *candidates) Push(x any) {
	v := x.(*vertex)
	v.index = len(*c)
	*c = append(*c, v)
}

func (c *candidates) Pop() any {
	old := *c
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*c = old[:n-1]
	return v
}

// edge is a link from one vertex to a neighboring router or network.
type edge struct {
	to   *LSA
	cost uint32
	link Link // for edges out of a router
}

// networkLSA finds the Network-LSA for a transit network by its ID. The
// advertising router is whoever is DR.
func (a *Area) networkLSA(id netip.Addr) *LSA {
	for _, l := range a.db.All() {
		if l.Type == LSTypeNetwork && l.ID == id && l.Age != maxAge {
			return l
		}
	}
	return nil
}

func (a *Area) routerLSAOf(id common.RouterID) *LSA {
	l := a.db.get(LSAKey{Type: LSTypeRouter, ID: id.Addr(), AdvRouter: id})
	if l == nil || l.Age == maxAge {
		return nil
	}
	return l
}

// linksBack reports whether w has a link to v (RFC 2328 §16.1 step 2b).
func linksBack(w, v *LSA) bool {
	switch body := w.Body.(type) {
	case *RouterLSA:
		for _, l := range body.Links {
			switch {
			case v.Type == LSTypeRouter && (l.Type == LinkPointToPoint || l.Type == LinkVirtual) && l.ID == v.AdvRouter.Addr():
				return true
			case v.Type == LSTypeNetwork && l.Type == LinkTransit && l.ID == v.ID:
				return true
			}
		}
	case *NetworkLSA:
		return v.Type == LSTypeRouter && slices.Contains(body.Routers, v.AdvRouter)
	}
	return false
}

func (a *Area) edges(v *vertex) []edge {
	var es []edge

	switch body := v.lsa.Body.(type) {
	case *RouterLSA:
		for _, l := range body.Links {
			var w *LSA
			switch l.Type {
			case LinkPointToPoint, LinkVirtual:
				w = a.routerLSAOf(common.RouterIDFromAddr(l.ID))
			case LinkTransit:
				w = a.networkLSA(l.ID)
			}
			if w != nil && linksBack(w, v.lsa) {
				es = append(es, edge{to: w, cost: uint32(l.Metric), link: l})
			}
		}
	case *NetworkLSA:
		for _, id := range body.Routers {
			if w := a.routerLSAOf(id); w != nil && linksBack(w, v.lsa) {
				es = append(es, edge{to: w})
			}
		}
	}

	return es
}

// nextHops is RFC 2328 §16.1.1.
func (a *Area) nextHops(root, v *vertex, e edge) []nextHop {
	switch {
	case v == root:
		i := a.interfaceAt(e.link.Data)
		if i == nil {
			return nil
		}
		if e.to.Type == LSTypeNetwork {
			return []nextHop{{iface: i}}
		}
		for _, n := range i.neighbors {
			if n.id == e.to.AdvRouter && n.state == NbrFull {
				return []nextHop{{iface: i, gateway: n.addr}}
			}
		}
		return nil
	case v.network() && v.direct() && e.to.Type == LSTypeRouter:
		body := e.to.Body.(*RouterLSA)
		for _, l := range body.Links {
			if l.Type == LinkTransit && l.ID == v.lsa.ID {
				return []nextHop{{iface: v.nextHops[0].iface, gateway: l.Data}}
			}
		}
		return nil
	default:
		return slices.Clone(v.nextHops)
	}
}

func mergeHops(a, b []nextHop) []nextHop {
	for _, h := range b {
		if !slices.Contains(a, h) {
			a = append(a, h)
		}
	}
	slices.SortFunc(a, compareHops)
	return a
}

// shortestPathTree runs Dijkstra over the area's routers and transit
// networks, rooted at our Router-LSA.
func (a *Area) shortestPathTree() map[LSAKey]*vertex {
	rootLSA := a.routerLSAOf(a.inst.routerID)
	if rootLSA == nil {
		return nil
	}

	root := &vertex{lsa: rootLSA}
	tree := make(map[LSAKey]*vertex)
	cands := make(map[LSAKey]*vertex)
	h := &candidates{}

	for v := root; v != nil; {
		tree[v.lsa.Key()] = v

		for _, e := range a.edges(v) {
			k := e.to.Key()
			if _, ok := tree[k]; ok {
				continue
			}

			hops := a.nextHops(root, v, e)
			if len(hops) == 0 {
				continue
			}
			d := v.dist + e.cost

			if c, ok := cands[k]; ok {
				switch {
				case d > c.dist:
				case d == c.dist:
					c.nextHops = mergeHops(c.nextHops, hops)
				default:
					c.dist = d
					c.nextHops = hops
					heap.Fix(h, c.index)
				}
				continue
			}

			c := &vertex{lsa: e.to, dist: d, nextHops: hops}
			cands[k] = c
			heap.Push(h, c)
		}

		v = nil
		if h.Len() > 0 {
			v = heap.Pop(h).(*vertex)
			delete(cands, v.lsa.Key())
		}
	}

	return tree
}

type ospfRoute struct {
	dist     uint32
	asbrDist uint32
	hop      nextHop
	external bool
	type2    bool
}

// better orders two paths to the same prefix: intra-area first, then type 2
// externals by metric and distance to the ASBR.
func (r ospfRoute) better(o ospfRoute) bool {
	if r.external != o.external {
		return !r.external
	}
	if r.type2 != o.type2 {
		return !r.type2
	}
	if r.dist != o.dist {
		return r.dist < o.dist
	}
	return r.asbrDist < o.asbrDist
}

// calculateRoutes is RFC 2328 §16.1 stage 2 plus the AS-external routes of
// §16.4. Networks we are attached to produce no route.
func (inst *Instance) calculateRoutes() map[netip.Prefix]ospfRoute {
	routes := make(map[netip.Prefix]ospfRoute)
	asbrs := make(map[common.RouterID]*vertex)

	add := func(p netip.Prefix, r ospfRoute) {
		if old, ok := routes[p]; !ok || r.better(old) {
			routes[p] = r
		}
	}

	for _, a := range inst.Areas() {
		tree := a.shortestPathTree()

		keys := maps.Keys(tree)
		slices.SortFunc(keys, compareKeys)

		for _, k := range keys {
			v := tree[k]
			if len(v.nextHops) == 0 {
				// the root: its stub links are attached networks
				continue
			}

			switch body := v.lsa.Body.(type) {
			case *NetworkLSA:
				if v.direct() {
					continue
				}
				p := netip.PrefixFrom(v.lsa.ID, body.Bits).Masked()
				add(p, ospfRoute{dist: v.dist, hop: v.nextHops[0]})
			case *RouterLSA:
				if body.External && !a.stub {
					if cur, ok := asbrs[v.lsa.AdvRouter]; !ok || v.dist < cur.dist {
						asbrs[v.lsa.AdvRouter] = v
					}
				}

				for _, l := range body.Links {
					if l.Type != LinkStub {
						continue
					}
					p := netip.PrefixFrom(l.ID, bitsFromMask(l.Data)).Masked()
					add(p, ospfRoute{dist: v.dist + uint32(l.Metric), hop: v.nextHops[0]})
				}
			}
		}
	}

	for _, l := range inst.external.All() {
		if l.Age == maxAge || l.AdvRouter == inst.routerID {
			continue
		}

		body := l.Body.(*ASExternalLSA)
		if body.Metric >= lsInfinity {
			continue
		}

		asbr, ok := asbrs[l.AdvRouter]
		if !ok {
			continue
		}

		p := netip.PrefixFrom(l.ID, body.Bits).Masked()
		r := ospfRoute{hop: asbr.nextHops[0], external: true, type2: body.Type2, asbrDist: asbr.dist}
		if body.Type2 {
			r.dist = body.Metric
		} else {
			r.dist = asbr.dist + body.Metric
		}
		add(p, r)
	}

	for _, i := range inst.interfaces {
		delete(routes, i.prefix.Masked())
	}

	return routes
}

// RebuildRoutingTable recalculates OSPF routes and brings the IP table in
// line with them. Only routes owned by OSPF are touched, and no route is
// installed for a prefix that has a directly connected route.
func (inst *Instance) RebuildRoutingTable() {
	want := make(map[netip.Prefix]rib.Route)
	for p, r := range inst.calculateRoutes() {
		if inst.hasDirectRoute(p) {
			continue
		}
		want[p] = rib.Route{
			Prefix:    p,
			Gateway:   r.hop.gateway,
			Interface: r.hop.iface.name,
			Metric:    r.dist,
			Source:    rib.SourceOSPF,
			External:  r.external,
		}
	}

	old := maps.Keys(inst.routes)
	slices.SortFunc(old, netipx.ComparePrefix)
	for _, p := range old {
		if _, ok := want[p]; ok {
			continue
		}
		inst.rib.Delete(p, rib.SourceOSPF)
		inst.log.Info("OSPF route deleted", "route", inst.routes[p])
	}

	prefixes := maps.Keys(want)
	slices.SortFunc(prefixes, netipx.ComparePrefix)
	for _, p := range prefixes {
		r := want[p]
		if cur, ok := inst.routes[p]; ok && cur == r {
			continue
		}
		inst.rib.Add(r)
		inst.log.Info("OSPF route added", "route", r)
	}

	inst.routes = want
}

func (inst *Instance) hasDirectRoute(p netip.Prefix) bool {
	for _, r := range inst.rib.Get(p) {
		if r.Source == rib.SourceInterface {
			return true
		}
	}
	return false
}
