package ospf

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
	loop      *sched.Loop
	fabric    *transport.Fabric
	instances map[string]*Instance
	ribs      map[string]*rib.Table
}

// newTestNet builds an OSPF instance for every router in conf on a virtual
// loop. Nothing is started.
func newTestNet(t *testing.T, conf string) *testNet {
	t.Helper()

	c, err := config.Parse(conf)
	require.NoError(t, err)

	loop := sched.NewLoop(sched.Options{Virtual: true, Seed: 1})
	n := &testNet{
		loop:      loop,
		fabric:    transport.NewFabric(loop, 0),
		instances: make(map[string]*Instance),
		ribs:      make(map[string]*rib.Table),
	}

	logger := slog.New(slog.DiscardHandler)

	for name, rc := range c.Routers {
		table := rib.NewTable(logger)
		for _, ic := range rc.Interfaces {
			table.Add(rib.Route{Prefix: ic.Address.Masked(), Interface: ic.Name, Source: rib.SourceInterface})
		}

		inst, err := New(rc, Deps{
			Loop:   loop,
			Fabric: n.fabric,
			RIB:    table,
			Logger: logger,
		})
		require.NoError(t, err)

		n.instances[name] = inst
		n.ribs[name] = table
	}

	return n
}

// start starts the instances in name order.
func (n *testNet) start() {
	names := make([]string, 0, len(n.instances))
	for name := range n.instances {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		n.instances[name].Start()
	}
}

func (inst *Instance) iface(name string) *Interface {
	for _, i := range inst.interfaces {
		if i.name == name {
			return i
		}
	}
	return nil
}

func headerKeys(headers []LSAHeader) []LSAKey {
	ks := make([]LSAKey, len(headers))
	for i, h := range headers {
		ks[i] = h.Key()
	}
	return ks
}
