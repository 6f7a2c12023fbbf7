package rpc

import "net/netip"

type Service struct {
	Type string `json:"type" yaml:"type"`
	Name string `json:"name" yaml:"name"`
}

type Router struct {
	Name       string   `json:"name" yaml:"name"`
	RouterID   string   `json:"router_id" yaml:"router-id"`
	Interfaces []string `json:"interfaces" yaml:"interfaces"`
	BGP        bool     `json:"bgp" yaml:"bgp"`
	OSPF       bool     `json:"ospf" yaml:"ospf"`
}

type BGPSession struct {
	Peer                netip.Addr `json:"peer" yaml:"peer"`
	LocalAddr           netip.Addr `json:"local_addr" yaml:"local-addr"`
	PeerAS              uint32     `json:"peer_as" yaml:"peer-as"`
	PeerRouterID        string     `json:"peer_router_id,omitempty" yaml:"peer-router-id,omitempty"`
	Type                string     `json:"type" yaml:"type"`
	State               string     `json:"state" yaml:"state"`
	Interface           string     `json:"interface,omitempty" yaml:"interface,omitempty"`
	HoldTime            string     `json:"hold_time" yaml:"hold-time"`
	ConnectRetryCounter int        `json:"connect_retry_counter" yaml:"connect-retry-counter"`
	MessagesSent        uint64     `json:"messages_sent" yaml:"messages-sent"`
	MessagesReceived    uint64     `json:"messages_received" yaml:"messages-received"`
}

type BGPEntry struct {
	Prefix    netip.Prefix `json:"prefix" yaml:"prefix"`
	NextHop   netip.Addr   `json:"next_hop" yaml:"next-hop"`
	Interface string       `json:"interface,omitempty" yaml:"interface,omitempty"`
	Origin    string       `json:"origin" yaml:"origin"`
	ASPath    []uint32     `json:"as_path" yaml:"as-path"`
	Peer      netip.Addr   `json:"peer" yaml:"peer"`
}

type OSPFNeighbor struct {
	RouterID string     `json:"router_id" yaml:"router-id"`
	Addr     netip.Addr `json:"addr" yaml:"addr"`
	State    string     `json:"state" yaml:"state"`
	Priority uint8      `json:"priority" yaml:"priority"`
}

type OSPFInterface struct {
	Name      string         `json:"name" yaml:"name"`
	Area      string         `json:"area" yaml:"area"`
	Prefix    netip.Prefix   `json:"prefix" yaml:"prefix"`
	Type      string         `json:"type" yaml:"type"`
	State     string         `json:"state" yaml:"state"`
	Cost      uint16         `json:"cost" yaml:"cost"`
	Passive   bool           `json:"passive,omitempty" yaml:"passive,omitempty"`
	DR        string         `json:"dr,omitempty" yaml:"dr,omitempty"`
	BDR       string         `json:"bdr,omitempty" yaml:"bdr,omitempty"`
	Neighbors []OSPFNeighbor `json:"neighbors,omitempty" yaml:"neighbors,omitempty"`
}

type LSA struct {
	Area      string     `json:"area" yaml:"area"`
	Type      string     `json:"type" yaml:"type"`
	ID        netip.Addr `json:"id" yaml:"id"`
	AdvRouter string     `json:"adv_router" yaml:"adv-router"`
	Age       uint16     `json:"age" yaml:"age"`
	Seq       string     `json:"seq" yaml:"seq"`
	Checksum  string     `json:"checksum" yaml:"checksum"`
	Length    uint16     `json:"length" yaml:"length"`
}

type Route struct {
	Prefix    netip.Prefix `json:"prefix" yaml:"prefix"`
	Gateway   netip.Addr   `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Interface string       `json:"interface,omitempty" yaml:"interface,omitempty"`
	Metric    uint32       `json:"metric" yaml:"metric"`
	Source    string       `json:"source" yaml:"source"`
	External  bool         `json:"external,omitempty" yaml:"external,omitempty"`
}
