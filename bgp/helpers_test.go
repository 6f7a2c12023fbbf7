package bgp

import (
	"log/slog"
	"slices"
	"testing"

	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/rib"
	"github.com/davidbalbert/chatter/sched"
	"github.com/davidbalbert/chatter/transport"
	"github.com/stretchr/testify/require"
)

type testNet struct {
	loop    *sched.Loop
	fabric  *transport.Fabric
	routers map[string]*Router
	ribs    map[string]*rib.Table
}

// newTestNet builds a BGP router for every router in conf on a virtual
// loop. Nothing is started.
func newTestNet(t *testing.T, conf string) *testNet {
	t.Helper()

	c, err := config.Parse(conf)
	require.NoError(t, err)

	loop := sched.NewLoop(sched.Options{Virtual: true, Seed: 1})
	n := &testNet{
		loop:    loop,
		fabric:  transport.NewFabric(loop, 0),
		routers: make(map[string]*Router),
		ribs:    make(map[string]*rib.Table),
	}

	logger := slog.New(slog.DiscardHandler)

	for name, rc := range c.Routers {
		table := rib.NewTable(logger)
		for _, ic := range rc.Interfaces {
			table.Add(rib.Route{Prefix: ic.Address.Masked(), Interface: ic.Name, Source: rib.SourceInterface})
		}
		for _, rt := range rc.Routes {
			src := rib.SourceStatic
			if !rt.Advertise {
				src = rib.SourceManual
			}
			table.Add(rib.Route{Prefix: rt.Prefix, Gateway: rt.NextHop, Interface: rt.Interface, Metric: rt.Metric, Source: src})
		}

		r, err := New(rc, Deps{
			Loop:   loop,
			Stacks: map[config.Transport]transport.Stack{config.TransportSim: n.fabric},
			RIB:    table,
			Logger: logger,
		})
		require.NoError(t, err)

		n.routers[name] = r
		n.ribs[name] = table
	}

	return n
}

// start starts the routers in name order.
func (n *testNet) start(t *testing.T) {
	t.Helper()

	names := make([]string, 0, len(n.routers))
	for name := range n.routers {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		require.NoError(t, n.routers[name].Start())
	}
}
