package network

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/davidbalbert/chatter/bgp"
	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/ospf"
	"github.com/davidbalbert/chatter/rib"
	"go4.org/netipx"
	"golang.org/x/exp/maps"
)

// KernelRoute is a route as the router's forwarding table holds it.
type KernelRoute struct {
	Prefix    netip.Prefix
	Gateway   netip.Addr
	Interface string
	Metric    uint32
}

// Router is one configured router and the protocols it runs.
type Router struct {
	name     string
	routerID common.RouterID
	conf     *config.RouterConfig
	log      *slog.Logger

	rib  *rib.Table
	ospf *ospf.Instance
	bgp  *bgp.Router

	// ifnames are the interface names, sorted. A simulated interface's
	// index is its position plus one.
	ifnames []string

	// kernel reads back the forwarding table, if the router has one.
	kernel func() []KernelRoute
	close  func() error
}

func newRouter(n *Network, rc *config.RouterConfig) (*Router, error) {
	logger := n.log.With("router", rc.Name)

	r := &Router{
		name:     rc.Name,
		routerID: rc.RouterID,
		conf:     rc,
		log:      logger,
		rib:      rib.NewTable(logger),
		ifnames:  maps.Keys(rc.Interfaces),
	}
	slices.Sort(r.ifnames)

	// The forwarding table is attached first so it sees every route.
	if err := r.attachFIB(n.sim != nil); err != nil {
		return nil, err
	}

	for _, name := range r.ifnames {
		ic := rc.Interfaces[name]
		r.rib.Add(rib.Route{Prefix: ic.Address.Masked(), Interface: name, Source: rib.SourceInterface})
	}

	for _, rt := range rc.Routes {
		src := rib.SourceStatic
		if !rt.Advertise {
			src = rib.SourceManual
		}
		r.rib.Add(rib.Route{
			Prefix:    rt.Prefix,
			Gateway:   rt.NextHop,
			Interface: rt.Interface,
			Metric:    rt.Metric,
			Source:    src,
		})
	}

	if rc.OSPF != nil {
		inst, err := ospf.New(rc, ospf.Deps{
			Loop:   n.loop,
			Fabric: n.fabric,
			RIB:    r.rib,
			Logger: logger.With("protocol", "ospf"),
		})
		if err != nil {
			return nil, err
		}
		r.ospf = inst
	}

	if rc.BGP != nil {
		deps := bgp.Deps{
			Loop:   n.loop,
			Stacks: n.stacks,
			RIB:    r.rib,
			Logger: logger.With("protocol", "bgp"),
		}
		// A nil *ospf.Instance in the interface would not compare equal to nil.
		if r.ospf != nil {
			deps.OSPF = r.ospf
		}

		br, err := bgp.New(rc, deps)
		if err != nil {
			return nil, err
		}
		r.bgp = br
	}

	return r, nil
}

func (r *Router) start() error {
	if r.ospf != nil {
		r.ospf.Start()
	}
	if r.bgp != nil {
		if err := r.bgp.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) stop() {
	if r.bgp != nil {
		r.bgp.Stop()
	}
	if r.ospf != nil {
		r.ospf.Stop()
	}
	if r.close != nil {
		if err := r.close(); err != nil {
			r.log.Warn("closing forwarding table", "err", err)
		}
		r.close = nil
	}
}

func (r *Router) Name() string                 { return r.name }
func (r *Router) RouterID() common.RouterID    { return r.routerID }
func (r *Router) Config() *config.RouterConfig { return r.conf }
func (r *Router) RIB() *rib.Table              { return r.rib }

// OSPF returns the router's OSPF instance, or nil.
func (r *Router) OSPF() *ospf.Instance { return r.ospf }

// BGP returns the router's BGP speaker, or nil.
func (r *Router) BGP() *bgp.Router { return r.bgp }

// Kernel returns the forwarding table sorted by prefix, or nil if the
// router doesn't keep one.
func (r *Router) Kernel() []KernelRoute {
	if r.kernel == nil {
		return nil
	}
	routes := r.kernel()
	slices.SortFunc(routes, func(a, b KernelRoute) int {
		return netipx.ComparePrefix(a.Prefix, b.Prefix)
	})
	return routes
}

// simIndex is the interface index of a simulated interface, or 0.
func (r *Router) simIndex(name string) uint32 {
	i, ok := slices.BinarySearch(r.ifnames, name)
	if !ok {
		return 0
	}
	return uint32(i + 1)
}

func (r *Router) simName(index uint32) string {
	if index == 0 || int(index) > len(r.ifnames) {
		return ""
	}
	return r.ifnames[index-1]
}

func (r *Router) String() string {
	return fmt.Sprintf("%s (%s)", r.name, r.routerID)
}
