package ospf

import (
	"net/netip"
	"testing"
	"time"

	"github.com/davidbalbert/chatter/rib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// r1 and r2 share a LAN, r2 and r3 a point-to-point link, and r3 has a
// stub network nobody else is on.
const threeRouters = `
simulation: {}
router r1:
  router-id: 1.1.1.1
  interface eth0:
    address: 10.0.0.1/24
    link: lan
  ospf:
    area 0:
      interface eth0:
        type: broadcast
router r2:
  router-id: 2.2.2.2
  interface eth0:
    address: 10.0.0.2/24
    link: lan
  interface eth1:
    address: 10.0.1.1/30
    link: p2p
  ospf:
    area 0:
      interface eth0:
        type: broadcast
      interface eth1:
        type: point-to-point
router r3:
  router-id: 3.3.3.3
  interface eth0:
    address: 10.0.1.2/30
    link: p2p
  interface eth1:
    address: 10.0.2.1/24
  ospf:
    area 0:
      interface eth0:
        type: point-to-point
      interface eth1:
        mode: passive
`

func routeFrom(t *testing.T, table *rib.Table, prefix string) rib.Route {
	t.Helper()

	for _, r := range table.Get(netip.MustParsePrefix(prefix)) {
		if r.Source == rib.SourceOSPF {
			return r
		}
	}
	t.Fatalf("no OSPF route for %s", prefix)
	return rib.Route{}
}

func hasOSPFRoute(table *rib.Table, prefix string) bool {
	for _, r := range table.Get(netip.MustParsePrefix(prefix)) {
		if r.Source == rib.SourceOSPF {
			return true
		}
	}
	return false
}

func TestShortestPathRoutes(t *testing.T) {
	n := newTestNet(t, threeRouters)
	n.start()
	n.loop.RunFor(90 * time.Second)

	r := routeFrom(t, n.ribs["r3"], "10.0.0.0/24")
	assert.Equal(t, netip.MustParseAddr("10.0.1.1"), r.Gateway)
	assert.Equal(t, "eth0", r.Interface)
	assert.Equal(t, uint32(2), r.Metric)
	assert.False(t, r.External)

	r = routeFrom(t, n.ribs["r1"], "10.0.1.0/30")
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), r.Gateway)
	assert.Equal(t, uint32(2), r.Metric)

	r = routeFrom(t, n.ribs["r1"], "10.0.2.0/24")
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), r.Gateway)
	assert.Equal(t, "eth0", r.Interface)
	assert.Equal(t, uint32(3), r.Metric)

	r = routeFrom(t, n.ribs["r2"], "10.0.2.0/24")
	assert.Equal(t, netip.MustParseAddr("10.0.1.2"), r.Gateway)
	assert.Equal(t, "eth1", r.Interface)

	// Attached networks are left to the interface routes.
	assert.False(t, hasOSPFRoute(n.ribs["r2"], "10.0.0.0/24"))
	assert.False(t, hasOSPFRoute(n.ribs["r3"], "10.0.1.0/30"))
}

func TestExternalRoutes(t *testing.T) {
	n := newTestNet(t, threeRouters)
	n.start()
	n.loop.RunFor(90 * time.Second)

	n.instances["r1"].InsertExternalRoute(netip.MustParsePrefix("192.168.50.0/24"), 20)
	n.loop.RunFor(10 * time.Second)

	r := routeFrom(t, n.ribs["r3"], "192.168.50.0/24")
	assert.True(t, r.External)
	assert.Equal(t, netip.MustParseAddr("10.0.1.1"), r.Gateway)
	assert.Equal(t, uint32(20), r.Metric)

	// The originator doesn't route to its own external LSA.
	assert.False(t, hasOSPFRoute(n.ribs["r1"], "192.168.50.0/24"))

	n.instances["r1"].RemoveExternalRoute(netip.MustParsePrefix("192.168.50.0/24"))
	n.loop.RunFor(10 * time.Second)

	assert.False(t, hasOSPFRoute(n.ribs["r3"], "192.168.50.0/24"))
}

func TestExternalRoutesSharingAnAddress(t *testing.T) {
	n := newTestNet(t, threeRouters)
	r1 := n.instances["r1"]
	n.start()
	n.loop.RunFor(90 * time.Second)

	r1.InsertExternalRoute(netip.MustParsePrefix("10.8.0.0/16"), 3)
	r1.InsertExternalRoute(netip.MustParsePrefix("10.8.0.0/24"), 5)
	n.loop.RunFor(10 * time.Second)

	assert.Equal(t, uint32(3), routeFrom(t, n.ribs["r3"], "10.8.0.0/16").Metric)
	assert.Equal(t, uint32(5), routeFrom(t, n.ribs["r3"], "10.8.0.0/24").Metric)

	moved := LSAKey{Type: LSTypeASExternal, ID: netip.MustParseAddr("10.8.255.255"), AdvRouter: 0x01010101}
	l := n.instances["r3"].Lookup(0, moved)
	require.NotNil(t, l)
	assert.Equal(t, 16, l.Body.(*ASExternalLSA).Bits)

	r1.RemoveExternalRoute(netip.MustParsePrefix("10.8.0.0/24"))
	n.loop.RunFor(10 * time.Second)

	assert.False(t, hasOSPFRoute(n.ribs["r3"], "10.8.0.0/24"))
	assert.Equal(t, uint32(3), routeFrom(t, n.ribs["r3"], "10.8.0.0/16").Metric)

	r1.RemoveExternalRoute(netip.MustParsePrefix("10.8.0.0/16"))
	n.loop.RunFor(10 * time.Second)

	assert.False(t, hasOSPFRoute(n.ribs["r3"], "10.8.0.0/16"))
}

func TestRoutesWithdrawnWhenLinkFails(t *testing.T) {
	n := newTestNet(t, threeRouters)
	n.start()
	n.loop.RunFor(90 * time.Second)
	require.True(t, hasOSPFRoute(n.ribs["r1"], "10.0.2.0/24"))

	require.NoError(t, n.instances["r3"].SetInterfaceUp("eth0", false))
	n.loop.RunFor(60 * time.Second)

	assert.False(t, hasOSPFRoute(n.ribs["r1"], "10.0.2.0/24"))
	assert.False(t, hasOSPFRoute(n.ribs["r3"], "10.0.0.0/24"))
	assert.False(t, n.instances["r3"].HasRoutes())
}

func TestCandidateOrder(t *testing.T) {
	router := &vertex{lsa: routerLSA(initialSequenceNumber), dist: 5}
	network := &vertex{lsa: &LSA{LSAHeader: LSAHeader{Type: LSTypeNetwork}}, dist: 5}
	near := &vertex{lsa: routerLSA(initialSequenceNumber), dist: 1}

	c := candidates{router, network, near}
	assert.True(t, c.Less(2, 0))
	assert.True(t, c.Less(1, 0))
	assert.False(t, c.Less(0, 1))
}
