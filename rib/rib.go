// Package rib is the IP routing table shared by every protocol on a router.
package rib

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/gaissmai/bart"
	"go4.org/netipx"
)

// Source says which protocol owns a route.
type Source int

const (
	SourceInterface Source = iota
	SourceManual
	SourceStatic
	SourceOSPF
	SourceBGP
)

func (s Source) String() string {
	switch s {
	case SourceInterface:
		return "interface"
	case SourceManual:
		return "manual"
	case SourceStatic:
		return "static"
	case SourceOSPF:
		return "ospf"
	case SourceBGP:
		return "bgp"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Distance is the administrative distance used to pick between sources for
// the same prefix. Lower wins.
func (s Source) Distance() int {
	switch s {
	case SourceInterface:
		return 0
	case SourceManual, SourceStatic:
		return 1
	case SourceBGP:
		return 20
	case SourceOSPF:
		return 110
	default:
		return 255
	}
}

type Route struct {
	Prefix    netip.Prefix
	Gateway   netip.Addr // invalid for directly attached networks
	Interface string
	Metric    uint32
	Source    Source

	// External marks OSPF routes derived from AS-external LSAs.
	External bool
}

func (r Route) String() string {
	gw := "direct"
	if r.Gateway.IsValid() {
		gw = "via " + r.Gateway.String()
	}
	return fmt.Sprintf("%s %s dev %s metric %d proto %s", r.Prefix, gw, r.Interface, r.Metric, r.Source)
}

type ChangeKind int

const (
	RouteAdded ChangeKind = iota
	RouteDeleted
)

func (k ChangeKind) String() string {
	if k == RouteAdded {
		return "added"
	}
	return "deleted"
}

type Change struct {
	Kind  ChangeKind
	Route Route
}

// Table holds at most one route per (prefix, source). It is not safe for
// concurrent use; every caller runs on the router's event loop.
type Table struct {
	routes bart.Table[[]Route]
	count  int
	subs   []func(Change)
	log    *slog.Logger
}

func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{log: logger}
}

// Subscribe registers fn to be called after every change.
func (t *Table) Subscribe(fn func(Change)) {
	t.subs = append(t.subs, fn)
}

func (t *Table) notify(kind ChangeKind, r Route) {
	t.log.Debug("route "+kind.String(), "route", r.String())
	for _, fn := range t.subs {
		fn(Change{Kind: kind, Route: r})
	}
}

// Add installs r, replacing any route for the same prefix and source.
func (t *Table) Add(r Route) {
	r.Prefix = r.Prefix.Masked()

	routes, _ := t.routes.Get(r.Prefix)
	for i, old := range routes {
		if old.Source == r.Source {
			routes = slices.Clone(routes)
			routes[i] = r
			t.routes.Insert(r.Prefix, routes)
			t.notify(RouteDeleted, old)
			t.notify(RouteAdded, r)
			return
		}
	}

	routes = append(slices.Clone(routes), r)
	t.routes.Insert(r.Prefix, routes)
	t.count++
	t.notify(RouteAdded, r)
}

// Delete removes the route for prefix owned by source.
func (t *Table) Delete(prefix netip.Prefix, source Source) (Route, bool) {
	prefix = prefix.Masked()

	routes, ok := t.routes.Get(prefix)
	if !ok {
		return Route{}, false
	}

	for i, old := range routes {
		if old.Source != source {
			continue
		}

		rest := slices.Delete(slices.Clone(routes), i, i+1)
		if len(rest) == 0 {
			t.routes.Delete(prefix)
		} else {
			t.routes.Insert(prefix, rest)
		}
		t.count--
		t.notify(RouteDeleted, old)
		return old, true
	}

	return Route{}, false
}

// Get returns every route for exactly prefix, best first.
func (t *Table) Get(prefix netip.Prefix) []Route {
	routes, _ := t.routes.Get(prefix.Masked())
	routes = slices.Clone(routes)
	slices.SortStableFunc(routes, compareRoutes)
	return routes
}

// Best returns the preferred route for exactly prefix.
func (t *Table) Best(prefix netip.Prefix) (Route, bool) {
	routes := t.Get(prefix)
	if len(routes) == 0 {
		return Route{}, false
	}
	return routes[0], true
}

// Lookup does a longest-prefix match for addr.
func (t *Table) Lookup(addr netip.Addr) (Route, bool) {
	routes, ok := t.routes.Lookup(addr)
	if !ok || len(routes) == 0 {
		return Route{}, false
	}
	return slices.MinFunc(routes, compareRoutes), true
}

// Find returns every route matching pred, in the order of All.
func (t *Table) Find(pred func(Route) bool) []Route {
	var found []Route
	for _, r := range t.All() {
		if pred(r) {
			found = append(found, r)
		}
	}
	return found
}

// All returns every route ordered by prefix length, then address, then
// preference.
func (t *Table) All() []Route {
	all := make([]Route, 0, t.count)
	for _, routes := range t.routes.All() {
		all = append(all, routes...)
	}

	slices.SortStableFunc(all, func(a, b Route) int {
		if c := netipx.ComparePrefix(a.Prefix, b.Prefix); c != 0 {
			return c
		}
		return compareRoutes(a, b)
	})

	return all
}

func (t *Table) Len() int {
	return t.count
}

func compareRoutes(a, b Route) int {
	if d := a.Source.Distance() - b.Source.Distance(); d != 0 {
		return d
	}
	if a.Metric != b.Metric {
		if a.Metric < b.Metric {
			return -1
		}
		return 1
	}
	return int(a.Source) - int(b.Source)
}
