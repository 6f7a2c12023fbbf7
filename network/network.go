// Package network assembles the configured routers: their routing tables,
// BGP speakers and OSPF instances, all sharing one event loop and, in
// simulation, one fabric of simulated links.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/davidbalbert/chatter/bgp"
	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/sched"
	"github.com/davidbalbert/chatter/transport"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

type Network struct {
	loop   *sched.Loop
	fabric *transport.Fabric
	stacks map[config.Transport]transport.Stack
	sim    *config.SimulationConfig
	log    *slog.Logger

	routers map[string]*Router
	names   []string

	// owners maps interface addresses to routers.
	owners map[netip.Addr]*Router
}

// directPeersOnly reports whether every TCP neighbor is an external peer.
// Config only accepts neighbors on an attached subnet.
func directPeersOnly(c *config.Config) bool {
	for _, rc := range c.Routers {
		if rc.BGP == nil {
			continue
		}
		for _, nc := range rc.BGP.Neighbors {
			if nc.Transport != config.TransportTCP {
				continue
			}
			if rc.BGP.Internal(nc) {
				return false
			}
		}
	}
	return true
}

// Build creates every router in c. Nothing runs until Run.
func Build(c *config.Config, logger *slog.Logger) (*Network, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := sched.Options{Logger: logger, Seed: time.Now().UnixNano()}
	var latency time.Duration
	if sc := c.Simulation; sc != nil {
		opts.Virtual = true
		opts.Until = sc.Duration
		opts.Seed = sc.Seed
		latency = sc.Latency
	}

	loop := sched.NewLoop(opts)

	n := &Network{
		loop:    loop,
		fabric:  transport.NewFabric(loop, latency),
		sim:     c.Simulation,
		log:     logger,
		routers: make(map[string]*Router),
		owners:  make(map[netip.Addr]*Router),
	}
	n.fabric.Reachable = n.reachable

	n.stacks = map[config.Transport]transport.Stack{config.TransportSim: n.fabric}
	if c.Simulation == nil {
		tcp := transport.NewTCPStack(loop, bgp.SplitMessages, logger.With("transport", "tcp"))
		if directPeersOnly(c) {
			tcp.TTL = 1
		}
		n.stacks[config.TransportTCP] = tcp
	}

	n.names = maps.Keys(c.Routers)
	slices.Sort(n.names)

	for _, name := range n.names {
		r, err := newRouter(n, c.Routers[name])
		if err != nil {
			return nil, fmt.Errorf("router %s: %w", name, err)
		}
		n.routers[name] = r

		for _, ic := range c.Routers[name].Interfaces {
			n.owners[ic.Address.Addr()] = r
		}
	}

	return n, nil
}

func (n *Network) Loop() *sched.Loop { return n.loop }

// Simulated reports whether the network runs on virtual time.
func (n *Network) Simulated() bool { return n.sim != nil }

// Routers returns the routers ordered by name.
func (n *Network) Routers() []*Router {
	rs := make([]*Router, len(n.names))
	for i, name := range n.names {
		rs[i] = n.routers[name]
	}
	return rs
}

func (n *Network) Router(name string) (*Router, bool) {
	r, ok := n.routers[name]
	return r, ok
}

// Start starts every router's protocols. It must run on the loop, or before
// the loop runs.
func (n *Network) Start() error {
	for _, r := range n.Routers() {
		if err := r.start(); err != nil {
			return fmt.Errorf("router %s: %w", r.name, err)
		}
	}
	return nil
}

// Stop stops every router's protocols.
func (n *Network) Stop() {
	for _, r := range n.Routers() {
		r.stop()
	}
}

// Run starts the routers and drives the loop until ctx is done. A
// simulation runs its configured duration of virtual time and then keeps
// serving Inspect calls.
func (n *Network) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}

	if n.sim != nil {
		n.log.Info("running simulation", "routers", len(n.routers), "duration", n.sim.Duration, "seed", n.sim.Seed)
	} else {
		n.log.Info("running", "routers", len(n.routers))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.loop.Run(ctx)
	})

	if n.sim == nil {
		g.Go(func() error {
			return n.watchLinks(ctx)
		})
	}

	err := g.Wait()

	// The loop has returned, so this goroutine owns the routers again.
	n.Stop()
	return err
}

// Inspect runs fn on the loop, where protocol state may be read safely.
func (n *Network) Inspect(ctx context.Context, fn func()) error {
	return n.loop.Call(ctx, fn)
}

// reachable decides whether a stream connection between two interface
// addresses can be set up: each end needs a route to the other.
func (n *Network) reachable(a, b netip.Addr) bool {
	ra, rb := n.owners[a], n.owners[b]
	if ra == nil || rb == nil {
		return false
	}

	_, ok := ra.rib.Lookup(b)
	if !ok {
		return false
	}
	_, ok = rb.rib.Lookup(a)
	return ok
}

// setLinkState raises interface up or down on every router with an OSPF
// interface of that name.
func (n *Network) setLinkState(name string, up bool) {
	for _, r := range n.Routers() {
		if r.ospf == nil {
			continue
		}
		if err := r.ospf.SetInterfaceUp(name, up); err == nil {
			r.log.Info("link state changed", "interface", name, "up", up)
		}
	}
}
