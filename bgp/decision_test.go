package bgp

import (
	"net/netip"
	"testing"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/rib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const onePeerPerSide = `
simulation: {}
router r1:
  interface eth0:
    address: 10.0.0.1/24
  interface eth1:
    address: 10.0.1.1/24
  bgp:
    as: 65001
    deny-route-in: [10.99.0.0/16]
    deny-as-in: [65666]
    import-policy: 'route.prefix_len <= 24'
    neighbor 10.0.0.2:
      remote-as: 65002
    neighbor 10.0.1.2:
      remote-as: 65003
    neighbor 10.0.0.3:
      remote-as: 65001
`

var (
	peer65002 = netip.MustParseAddr("10.0.0.2")
	peer65003 = netip.MustParseAddr("10.0.1.2")
	internal  = netip.MustParseAddr("10.0.0.3")

	dest = netip.MustParsePrefix("192.168.50.0/24")
)

type externalRoutes struct {
	routes map[netip.Prefix]uint32
}

func (x *externalRoutes) InsertExternalRoute(prefix netip.Prefix, metric uint32) {
	x.routes[prefix] = metric
}

func (x *externalRoutes) RemoveExternalRoute(prefix netip.Prefix) {
	delete(x.routes, prefix)
}

func newDecisionRouter(t *testing.T) (*Router, *rib.Table) {
	t.Helper()
	n := newTestNet(t, onePeerPerSide)
	return n.routers["r1"], n.ribs["r1"]
}

func entry(prefix netip.Prefix, nextHop string, path ...common.ASN) Entry {
	return Entry{
		Prefix:  prefix,
		NextHop: netip.MustParseAddr(nextHop),
		Origin:  OriginEGP,
		ASPath:  path,
	}
}

func TestDecisionASLoop(t *testing.T) {
	r, table := newDecisionRouter(t)

	change, err := r.DecisionProcess(r.Session(peer65002), entry(dest, "10.0.0.2", 65002, 65001))
	assert.ErrorIs(t, err, ErrASLoop)
	assert.Equal(t, NoChange, change)

	_, ok := r.Lookup(dest)
	assert.False(t, ok)
	assert.Empty(t, table.Get(dest))
}

func TestDecisionPrefersShorterPath(t *testing.T) {
	long := entry(dest, "10.0.0.2", 65002, 65010)
	short := entry(dest, "10.0.1.2", 65003)

	tests := []struct {
		name    string
		first   Entry
		firstP  netip.Addr
		second  Entry
		secondP netip.Addr
		want    []ChangeType
	}{
		{"long then short", long, peer65002, short, peer65003, []ChangeType{NewRouteAdded, RouteDestinationChanged}},
		{"short then long", short, peer65003, long, peer65002, []ChangeType{NewRouteAdded, NoChange}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, table := newDecisionRouter(t)

			var got []ChangeType
			c, err := r.DecisionProcess(r.Session(tt.firstP), tt.first)
			require.NoError(t, err)
			got = append(got, c)

			c, err = r.DecisionProcess(r.Session(tt.secondP), tt.second)
			require.NoError(t, err)
			got = append(got, c)

			assert.Equal(t, tt.want, got)

			e, ok := r.Lookup(dest)
			require.True(t, ok)
			assert.Equal(t, []common.ASN{65003}, e.ASPath)
			assert.Equal(t, peer65003, e.Peer)
			assert.Equal(t, "eth1", e.Interface)

			best, ok := table.Best(dest)
			require.True(t, ok)
			assert.Equal(t, rib.SourceBGP, best.Source)
			assert.Equal(t, netip.MustParseAddr("10.0.1.2"), best.Gateway)
			assert.Equal(t, uint32(1), best.Metric)
			assert.Len(t, table.Get(dest), 1)
		})
	}
}

func TestDecisionKeepsIncumbentOnTie(t *testing.T) {
	r, _ := newDecisionRouter(t)

	_, err := r.DecisionProcess(r.Session(peer65003), entry(dest, "10.0.1.2", 65003, 65010))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c, err := r.DecisionProcess(r.Session(peer65002), entry(dest, "10.0.0.2", 65002, 65010))
		require.NoError(t, err)
		assert.Equal(t, NoChange, c)
	}

	e, _ := r.Lookup(dest)
	assert.Equal(t, peer65003, e.Peer)

	// Equal length, better origin.
	igp := entry(dest, "10.0.0.2", 65002, 65010)
	igp.Origin = OriginIGP
	c, err := r.DecisionProcess(r.Session(peer65002), igp)
	require.NoError(t, err)
	assert.Equal(t, RouteDestinationChanged, c)
}

func TestDecisionSamePeerReplaces(t *testing.T) {
	r, table := newDecisionRouter(t)
	s := r.Session(peer65002)

	c, err := r.DecisionProcess(s, entry(dest, "10.0.0.2", 65002))
	require.NoError(t, err)
	assert.Equal(t, NewRouteAdded, c)

	c, err = r.DecisionProcess(s, entry(dest, "10.0.0.2", 65002))
	require.NoError(t, err)
	assert.Equal(t, NoChange, c)

	// A longer path from the same peer still replaces the old one.
	c, err = r.DecisionProcess(s, entry(dest, "10.0.0.2", 65002, 65020, 65030))
	require.NoError(t, err)
	assert.Equal(t, RouteDestinationChanged, c)

	best, _ := table.Best(dest)
	assert.Equal(t, uint32(3), best.Metric)
}

func TestDecisionFilters(t *testing.T) {
	tests := []struct {
		name string
		e    Entry
	}{
		{"denied prefix", entry(netip.MustParsePrefix("10.99.0.0/16"), "10.0.0.2", 65002)},
		{"denied AS", entry(dest, "10.0.0.2", 65002, 65666)},
		{"import policy", entry(netip.MustParsePrefix("192.168.50.128/25"), "10.0.0.2", 65002)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newDecisionRouter(t)

			c, err := r.DecisionProcess(r.Session(peer65002), tt.e)
			assert.ErrorIs(t, err, ErrFiltered)
			assert.Equal(t, NoChange, c)
			assert.Empty(t, r.Entries())
		})
	}
}

func TestDecisionExternalRoutesReachOSPF(t *testing.T) {
	r, _ := newDecisionRouter(t)
	x := &externalRoutes{routes: make(map[netip.Prefix]uint32)}
	r.ospf = x

	_, err := r.DecisionProcess(r.Session(peer65002), entry(dest, "10.0.0.2", 65002, 65010))
	require.NoError(t, err)
	assert.Equal(t, map[netip.Prefix]uint32{dest: 2}, x.routes)

	r.processUpdate(r.Session(peer65002), &Update{Withdrawn: []netip.Prefix{dest}})
	assert.Empty(t, x.routes)
	assert.Empty(t, r.Entries())
}

func TestDecisionNonBGPRoute(t *testing.T) {
	ospfRoute := rib.Route{
		Prefix:    dest,
		Gateway:   netip.MustParseAddr("10.0.0.9"),
		Interface: "eth0",
		Metric:    30,
		Source:    rib.SourceOSPF,
	}

	t.Run("external peer", func(t *testing.T) {
		r, table := newDecisionRouter(t)
		table.Add(ospfRoute)

		c, err := r.DecisionProcess(r.Session(peer65002), entry(dest, "10.0.0.2", 65002))
		require.NoError(t, err)
		assert.Equal(t, NoChange, c)
		assert.Empty(t, r.Entries())
		assert.Equal(t, []rib.Route{ospfRoute}, table.Get(dest))
	})

	t.Run("internal peer", func(t *testing.T) {
		r, table := newDecisionRouter(t)
		table.Add(ospfRoute)

		s := r.Session(internal)
		require.Equal(t, SessionIGP, s.Type())

		c, err := r.DecisionProcess(s, entry(dest, "10.0.0.3", 65002))
		require.NoError(t, err)
		assert.Equal(t, NewRouteAdded, c)

		routes := table.Get(dest)
		require.Len(t, routes, 1)
		assert.Equal(t, rib.SourceBGP, routes[0].Source)
		assert.Equal(t, ospfRoute.Gateway, routes[0].Gateway)

		r.processUpdate(s, &Update{Withdrawn: []netip.Prefix{dest}})
		assert.Equal(t, []rib.Route{ospfRoute}, table.Get(dest))
	})
}

func TestPolicy(t *testing.T) {
	r, _ := newDecisionRouter(t)
	s := r.Session(peer65002)

	p, err := CompilePolicy(`!(65010 in route.as_path) && !peer.internal`)
	require.NoError(t, err)

	ok, err := p.Accept(entry(dest, "10.0.0.2", 65002), s)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Accept(entry(dest, "10.0.0.2", 65002, 65010), s)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Accept(entry(dest, "10.0.0.3"), r.Session(internal))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = CompilePolicy(`route.prefix_len + 1`)
	assert.Error(t, err)

	p, err = CompilePolicy("")
	require.NoError(t, err)
	assert.Nil(t, p)
	ok, err = p.Accept(entry(dest, "10.0.0.2"), s)
	require.NoError(t, err)
	assert.True(t, ok)
}
