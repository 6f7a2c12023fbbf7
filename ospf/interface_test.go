package ospf

import (
	"net/netip"
	"testing"
	"time"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lonelyRouter = `
router r1:
  router-id: 1.1.1.1
  interface eth0:
    address: 10.0.0.1/24
  interface eth1:
    address: 10.0.1.1/30
  interface eth2:
    address: 10.0.2.1/24
  ospf:
    area 0:
      interface eth0:
        type: broadcast
      interface eth1:
        type: point-to-point
      interface eth2:
        priority: 0
`

func TestBroadcastWaitingToDR(t *testing.T) {
	n := newTestNet(t, lonelyRouter)
	inst := n.instances["r1"]
	i := inst.iface("eth0")

	assert.Equal(t, IfDown, i.State())

	n.start()
	assert.Equal(t, IfWaiting, i.State())

	n.loop.RunFor(39 * time.Second)
	assert.Equal(t, IfWaiting, i.State())

	n.loop.RunFor(2 * time.Second)
	assert.Equal(t, IfDR, i.State())

	id, addr := i.DR()
	assert.Equal(t, common.RouterID(0x01010101), id)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), addr)

	_, bdr := i.BDR()
	assert.False(t, bdr.IsValid())

	rk := LSAKey{Type: LSTypeRouter, ID: netip.MustParseAddr("1.1.1.1"), AdvRouter: 0x01010101}
	nk := LSAKey{Type: LSTypeNetwork, ID: netip.MustParseAddr("10.0.0.1"), AdvRouter: 0x01010101}
	assert.Equal(t, []LSAKey{rk, nk}, headerKeys(inst.LSDB(0)))

	network := inst.Lookup(0, nk)
	require.NotNil(t, network)
	body := network.Body.(*NetworkLSA)
	assert.Equal(t, 24, body.Bits)
	assert.Equal(t, []common.RouterID{0x01010101}, body.Routers)

	router := inst.Lookup(0, rk)
	require.NotNil(t, router)
	assert.Contains(t, router.Body.(*RouterLSA).Links, Link{
		ID:     netip.MustParseAddr("10.0.0.0"),
		Data:   netip.MustParseAddr("255.255.255.0"),
		Type:   LinkStub,
		Metric: 1,
	})
}

func TestPointToPointAndIneligible(t *testing.T) {
	n := newTestNet(t, lonelyRouter)
	inst := n.instances["r1"]

	n.start()
	n.loop.RunFor(time.Second)

	assert.Equal(t, IfPointToPoint, inst.iface("eth1").State())
	assert.Equal(t, IfDROther, inst.iface("eth2").State())

	n.loop.RunFor(60 * time.Second)

	assert.Equal(t, IfPointToPoint, inst.iface("eth1").State())
	assert.Equal(t, IfDROther, inst.iface("eth2").State())

	_, dr := inst.iface("eth2").DR()
	assert.False(t, dr.IsValid())
}

func TestInterfaceDownFlushesNetworkLSA(t *testing.T) {
	n := newTestNet(t, lonelyRouter)
	inst := n.instances["r1"]

	n.start()
	n.loop.RunFor(41 * time.Second)
	require.Equal(t, IfDR, inst.iface("eth0").State())

	require.NoError(t, inst.SetInterfaceUp("eth0", false))
	assert.Equal(t, IfDown, inst.iface("eth0").State())

	nk := LSAKey{Type: LSTypeNetwork, ID: netip.MustParseAddr("10.0.0.1"), AdvRouter: 0x01010101}
	l := inst.Lookup(0, nk)
	require.NotNil(t, l)
	assert.Equal(t, uint16(maxAge), l.Age)

	// Nobody is waiting on an acknowledgement, so the next tick removes it.
	n.loop.RunFor(2 * time.Second)
	assert.Nil(t, inst.Lookup(0, nk))

	assert.Error(t, inst.SetInterfaceUp("eth9", true))
}

func TestSequenceNumbersIncrease(t *testing.T) {
	n := newTestNet(t, lonelyRouter)
	inst := n.instances["r1"]

	n.start()
	n.loop.RunFor(time.Second)

	rk := LSAKey{Type: LSTypeRouter, ID: netip.MustParseAddr("1.1.1.1"), AdvRouter: 0x01010101}
	last := inst.Lookup(0, rk).Seq

	for range 3 {
		require.NoError(t, inst.SetInterfaceUp("eth1", false))
		n.loop.RunFor(time.Second)
		seq := inst.Lookup(0, rk).Seq
		assert.Greater(t, seq, last)
		last = seq

		require.NoError(t, inst.SetInterfaceUp("eth1", true))
		n.loop.RunFor(time.Second)
		seq = inst.Lookup(0, rk).Seq
		assert.Greater(t, seq, last)
		last = seq
	}
}

func TestLoopback(t *testing.T) {
	n := newTestNet(t, lonelyRouter)
	inst := n.instances["r1"]

	n.start()
	n.loop.RunFor(time.Second)

	require.NoError(t, inst.SetLoopback("eth1", true))
	assert.Equal(t, IfLoopback, inst.iface("eth1").State())

	rk := LSAKey{Type: LSTypeRouter, ID: netip.MustParseAddr("1.1.1.1"), AdvRouter: 0x01010101}
	assert.Contains(t, inst.Lookup(0, rk).Body.(*RouterLSA).Links, Link{
		ID:   netip.MustParseAddr("10.0.1.1"),
		Data: hostMask,
		Type: LinkStub,
	})

	// InterfaceUp means nothing to a looped interface.
	inst.iface("eth1").handleEvent(ieInterfaceUp)
	assert.Equal(t, IfLoopback, inst.iface("eth1").State())

	require.NoError(t, inst.SetLoopback("eth1", false))
	assert.Equal(t, IfDown, inst.iface("eth1").State())
}

func TestPrematureAgingAtMaxSequenceNumber(t *testing.T) {
	n := newTestNet(t, lonelyRouter)
	inst := n.instances["r1"]
	area := inst.areas[0]

	n.start()
	n.loop.RunFor(time.Second)

	rk := area.routerLSAKey()
	area.db.get(rk).Seq = maxSequenceNumber

	require.NoError(t, inst.SetInterfaceUp("eth1", false))

	l := inst.Lookup(0, rk)
	require.NotNil(t, l)
	assert.Equal(t, maxSequenceNumber, l.Seq)
	assert.Equal(t, uint16(maxAge), l.Age)

	n.loop.RunFor(2 * time.Second)

	l = inst.Lookup(0, rk)
	require.NotNil(t, l)
	assert.Equal(t, initialSequenceNumber, l.Seq)
	assert.Less(t, l.Age, uint16(maxAge))
	assert.NotContains(t, l.Body.(*RouterLSA).Links, Link{
		ID:     netip.MustParseAddr("10.0.1.0"),
		Data:   netip.MustParseAddr("255.255.255.252"),
		Type:   LinkStub,
		Metric: 1,
	})
}

func TestIgnoredEventsKeepState(t *testing.T) {
	n := newTestNet(t, lonelyRouter)
	i := n.instances["r1"].iface("eth0")

	for e := ieInterfaceUp; e < numIfEvents; e++ {
		if ifTransitions[IfDown][e] != nil {
			continue
		}
		i.handleEvent(e)
		assert.Equal(t, IfDown, i.State(), "event %s", e)
	}
}
