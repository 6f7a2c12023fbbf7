package network

import (
	"context"
	"log/slog"
	"net/netip"
	"runtime"
	"testing"
	"time"

	"github.com/davidbalbert/chatter/bgp"
	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/ospf"
	"github.com/davidbalbert/chatter/rib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// r1 is an external BGP peer of r2. r2 and r3 run OSPF, so r3 learns r1's
// networks as AS-external routes.
const border = `
simulation:
  duration: 90s
  seed: 7
router r1:
  router-id: 1.1.1.1
  interface eth0:
    address: 10.0.0.1/24
    link: wan
  route 192.168.1.0/24:
    next-hop: 10.0.0.254
    interface: eth0
  bgp:
    as: 65001
    connect-retry-time: 5
    neighbor 10.0.0.2:
      remote-as: 65002
router r2:
  router-id: 2.2.2.2
  interface eth0:
    address: 10.0.0.2/24
    link: wan
  interface eth1:
    address: 10.0.1.1/24
    link: lan
  bgp:
    as: 65002
    connect-retry-time: 5
    neighbor 10.0.0.1:
      remote-as: 65001
  ospf:
    area 0:
      interface eth1:
        type: broadcast
router r3:
  router-id: 3.3.3.3
  interface eth0:
    address: 10.0.1.2/24
    link: lan
  ospf:
    area 0:
      interface eth0:
        type: broadcast
`

func build(t *testing.T, conf string) *Network {
	t.Helper()

	c, err := config.Parse(conf)
	require.NoError(t, err)

	n, err := Build(c, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return n
}

func TestBuild(t *testing.T) {
	n := build(t, border)

	assert.True(t, n.Simulated())

	rs := n.Routers()
	require.Len(t, rs, 3)
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{rs[0].Name(), rs[1].Name(), rs[2].Name()})

	r1, ok := n.Router("r1")
	require.True(t, ok)
	assert.NotNil(t, r1.BGP())
	assert.Nil(t, r1.OSPF())

	r3, _ := n.Router("r3")
	assert.Nil(t, r3.BGP())
	assert.NotNil(t, r3.OSPF())

	_, ok = n.Router("r9")
	assert.False(t, ok)

	// Interface and configured routes are in place before anything runs.
	best, ok := r1.RIB().Best(netip.MustParsePrefix("192.168.1.0/24"))
	require.True(t, ok)
	assert.Equal(t, rib.SourceStatic, best.Source)

	_, ok = r3.RIB().Best(netip.MustParsePrefix("10.0.1.0/24"))
	assert.True(t, ok)
}

func TestReachable(t *testing.T) {
	n := build(t, border)

	a1 := netip.MustParseAddr("10.0.0.1")
	a2 := netip.MustParseAddr("10.0.0.2")
	a3 := netip.MustParseAddr("10.0.1.2")

	assert.True(t, n.reachable(a1, a2))
	assert.True(t, n.reachable(a2, a1))

	// r1 has no route to r3's network, nor r3 to r1's.
	assert.False(t, n.reachable(a1, a3))
	assert.False(t, n.reachable(netip.MustParseAddr("10.9.9.9"), a1))
}

func TestBorderRouter(t *testing.T) {
	n := build(t, border)
	require.NoError(t, n.Start())
	n.Loop().RunFor(90 * time.Second)

	r1, _ := n.Router("r1")
	r2, _ := n.Router("r2")
	r3, _ := n.Router("r3")

	s := r2.BGP().Session(netip.MustParseAddr("10.0.0.1"))
	require.NotNil(t, s)
	assert.Equal(t, bgp.StateEstablished, s.State())

	nbrs := r3.OSPF().Interfaces()[0].Neighbors()
	require.Len(t, nbrs, 1)
	assert.Equal(t, ospf.NbrFull, nbrs[0].State())

	prefix := netip.MustParsePrefix("192.168.1.0/24")

	best, ok := r2.RIB().Best(prefix)
	require.True(t, ok)
	assert.Equal(t, rib.SourceBGP, best.Source)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), best.Gateway)

	best, ok = r3.RIB().Best(prefix)
	require.True(t, ok)
	assert.Equal(t, rib.SourceOSPF, best.Source)
	assert.True(t, best.External)
	assert.Equal(t, netip.MustParseAddr("10.0.1.1"), best.Gateway)
	assert.Equal(t, uint32(1), best.Metric)

	// The simulated kernels hold the learned routes but not attached networks.
	// Forwarding tables are netlink-encoded, so only linux keeps them.
	if runtime.GOOS == "linux" {
		assert.Contains(t, r3.Kernel(), KernelRoute{
			Prefix:    prefix,
			Gateway:   netip.MustParseAddr("10.0.1.1"),
			Interface: "eth0",
			Metric:    1,
		})
		for _, kr := range r3.Kernel() {
			assert.NotEqual(t, netip.MustParsePrefix("10.0.1.0/24"), kr.Prefix)
		}

		assert.Contains(t, r2.Kernel(), KernelRoute{
			Prefix:    prefix,
			Gateway:   netip.MustParseAddr("10.0.0.1"),
			Interface: "eth0",
			Metric:    1,
		})

		assert.Contains(t, r1.Kernel(), KernelRoute{
			Prefix:    prefix,
			Gateway:   netip.MustParseAddr("10.0.0.254"),
			Interface: "eth0",
		})
	}

	// Losing the BGP peer withdraws the external route from the OSPF domain.
	r1.stop()
	n.Loop().RunFor(10 * time.Second)

	_, ok = r3.RIB().Best(prefix)
	assert.False(t, ok)
	for _, kr := range r3.Kernel() {
		assert.NotEqual(t, prefix, kr.Prefix)
	}
}

func TestRunServesInspect(t *testing.T) {
	defer goleak.VerifyNone(t)

	n := build(t, border)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx)
	}()

	var routers int
	var now time.Duration
	require.NoError(t, n.Inspect(ctx, func() {
		routers = len(n.Routers())
		now = n.Loop().Now()
	}))

	assert.Equal(t, 3, routers)
	assert.LessOrEqual(t, now, 90*time.Second)

	cancel()
	assert.NoError(t, <-done)
}

func TestDirectPeersOnly(t *testing.T) {
	const live = `
router r1:
  router-id: 1.1.1.1
  interface eth0:
    address: 10.0.0.1/24
  bgp:
    as: 65001
    neighbor 10.0.0.2:
      remote-as: 65002
      transport: tcp
`
	c, err := config.Parse(live)
	require.NoError(t, err)
	assert.True(t, directPeersOnly(c))

	// An internal peer may be several hops away.
	nc := c.Routers["r1"].BGP.Neighbors[netip.MustParseAddr("10.0.0.2")]
	nc.RemoteAS = 65001
	c.Routers["r1"].BGP.Neighbors[netip.MustParseAddr("10.0.0.2")] = nc
	assert.False(t, directPeersOnly(c))
}
