package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoRouters = `
log-file: /tmp/chatterd.log
simulation:
  duration: 300s
  seed: 7
router r1:
  interface eth0:
    address: 10.0.0.1/24
    link: lan
  route 192.168.1.0/24:
    next-hop: 10.0.0.254
    interface: eth0
  bgp:
    as: 65001
    hold-time: 90
    keepalive-time: 30
    connect-retry-time: 5
    connect-retry-max: 60
    deny-route-in: [10.9.0.0/16]
    deny-route: [172.16.0.0/12]
    deny-as-out: [65099]
    import-policy: 'route.prefix_len <= 24'
    neighbor 10.0.0.2:
      remote-as: 65002
  ospf:
    hello-interval: 5
    area 0:
      cost: 20
      interface eth0:
        priority: 3
        type: broadcast
router r2:
  router-id: 2.2.2.2
  interface eth0:
    address: 10.0.0.2/24
    link: lan
  bgp:
    as: 65002
    neighbor 10.0.0.1:
      remote-as: 65001
      hold-time: 0
`

func TestParseConfig(t *testing.T) {
	c, err := Parse(twoRouters)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/chatterd.log", c.LogFile)
	require.NotNil(t, c.Simulation)
	assert.Equal(t, 300*time.Second, c.Simulation.Duration)
	assert.Equal(t, int64(7), c.Simulation.Seed)

	require.Len(t, c.Routers, 2)

	r1 := c.Routers["r1"]
	assert.Equal(t, common.RouterID(0x0a000001), r1.RouterID)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.1/24"), r1.Interfaces["eth0"].Address)
	assert.Equal(t, "lan", r1.Interfaces["eth0"].Link)

	want := []RouteConfig{{
		Prefix:    netip.MustParsePrefix("192.168.1.0/24"),
		NextHop:   netip.MustParseAddr("10.0.0.254"),
		Interface: "eth0",
		Advertise: true,
	}}
	if diff := cmp.Diff(want, r1.Routes, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }), cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}

	bgp := r1.BGP
	require.NotNil(t, bgp)
	assert.Equal(t, common.ASN(65001), bgp.AS)
	assert.True(t, bgp.AutoRestart)
	assert.ElementsMatch(t, []netip.Prefix{
		netip.MustParsePrefix("10.9.0.0/16"),
		netip.MustParsePrefix("172.16.0.0/12"),
	}, bgp.DenyRouteIn)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("172.16.0.0/12")}, bgp.DenyRouteOut)
	assert.Equal(t, []common.ASN{65099}, bgp.DenyASOut)
	assert.Empty(t, bgp.DenyASIn)

	n := bgp.Neighbors[netip.MustParseAddr("10.0.0.2")]
	assert.Equal(t, common.ASN(65002), n.RemoteAS)
	assert.Equal(t, "eth0", n.Interface)
	assert.Equal(t, TransportSim, n.Transport)
	assert.Equal(t, 90*time.Second, n.HoldTime)
	assert.Equal(t, 30*time.Second, n.KeepaliveTime)
	assert.Equal(t, 5*time.Second, n.ConnectRetryTime)
	assert.Equal(t, 60*time.Second, n.ConnectRetryMax)
	assert.False(t, bgp.Internal(n))

	ospf := r1.OSPF
	require.NotNil(t, ospf)
	assert.Equal(t, r1.RouterID, ospf.RouterID)
	ic := ospf.InterfaceConfigs()["eth0"]
	assert.Equal(t, uint16(20), ic.Cost)
	assert.Equal(t, uint16(5), ic.HelloInterval)
	assert.Equal(t, uint32(40), ic.RouterDeadInterval)
	assert.Equal(t, uint8(3), ic.Priority)
	assert.Equal(t, NetworkBroadcast, ic.Type)

	r2 := c.Routers["r2"]
	assert.Equal(t, common.RouterID(0x02020202), r2.RouterID)
	// a neighbor hold time of zero inherits the router's
	assert.Equal(t, 180*time.Second, r2.BGP.Neighbors[netip.MustParseAddr("10.0.0.1")].HoldTime)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		conf string
		err  string
	}{
		{
			name: "unknown top level key",
			conf: "foo: bar\n",
			err:  "unknown top level key: foo",
		},
		{
			name: "unknown router key",
			conf: "router r1:\n  router-id: 1.1.1.1\n  mtu: 1500\n",
			err:  "router r1: unknown key: mtu",
		},
		{
			name: "missing as",
			conf: "router r1:\n  router-id: 1.1.1.1\n  bgp:\n    hold-time: 90\n",
			err:  "router r1 bgp: as is required",
		},
		{
			name: "short hold time",
			conf: "router r1:\n  router-id: 1.1.1.1\n  bgp:\n    as: 1\n    hold-time: 2\n",
			err:  "hold-time must be zero or at least 3 seconds",
		},
		{
			name: "neighbor off subnet",
			conf: "router r1:\n  interface eth0:\n    address: 10.0.0.1/24\n  bgp:\n    as: 1\n    neighbor 10.1.0.1:\n      remote-as: 2\n",
			err:  "not on any interface's subnet",
		},
		{
			name: "no backbone",
			conf: "router r1:\n  router-id: 1.1.1.1\n  ospf:\n    area 1: {}\n",
			err:  "backbone area must be configured",
		},
		{
			name: "ospf interface unknown",
			conf: "simulation: {}\nrouter r1:\n  router-id: 1.1.1.1\n  ospf:\n    area 0:\n      interface eth9: {}\n",
			err:  "unknown interface: eth9",
		},
		{
			name: "cost too big",
			conf: "router r1:\n  router-id: 1.1.1.1\n  ospf:\n    area 0:\n      cost: 70000\n",
			err:  "ospf area 0.0.0.0: cost too big: 70000",
		},
		{
			name: "bad network type",
			conf: "router r1:\n  interface eth0:\n    address: 10.0.0.1/24\n  ospf:\n    area 0:\n      interface eth0:\n        type: token-ring\n",
			err:  "unknown network type: token-ring",
		},
		{
			name: "tcp in simulation",
			conf: "simulation: {}\nrouter r1:\n  interface eth0:\n    address: 10.0.0.1/24\n  bgp:\n    as: 1\n    neighbor 10.0.0.2:\n      remote-as: 2\n      transport: tcp\n",
			err:  "tcp transport is not available in simulation",
		},
		{
			name: "two live routers",
			conf: "router r1:\n  router-id: 1.1.1.1\nrouter r2:\n  router-id: 2.2.2.2\n",
			err:  "only one router may be configured outside of simulation",
		},
		{
			name: "no router id",
			conf: "router r1: {}\n",
			err:  "router r1: router-id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.conf)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestParseID(t *testing.T) {
	id, err := parseID("1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), id)

	id, err = parseID("42")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), id)

	_, err = parseID("::1")
	assert.Error(t, err)
}

func TestServicesInBootOrder(t *testing.T) {
	c, err := Parse(twoRouters)
	require.NoError(t, err)

	assert.Equal(t, []ServiceID{ServiceNetwork, ServiceAPIServer}, c.ServicesInBootOrder())

	empty, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, []ServiceID{ServiceAPIServer}, empty.ServicesInBootOrder())
}
