package config

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/davidbalbert/chatter/chatterd/common"
)

type InterfaceConfig struct {
	Name    string
	Address netip.Prefix

	// Link names the simulated segment the interface is plugged into.
	Link string
}

// RouteConfig is a manually configured route.
type RouteConfig struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr
	Interface string
	Metric    uint32

	// Advertise offers the route to external BGP peers.
	Advertise bool
}

type RouterConfig struct {
	Name       string
	RouterID   common.RouterID
	Interfaces map[string]InterfaceConfig
	Routes     []RouteConfig
	BGP        *BGPConfig
	OSPF       *OSPFConfig

	// KernelExport sends routing table changes to the host's kernel.
	KernelExport bool
}

func parseRouterConfig(name string, data map[string]interface{}) (*RouterConfig, error) {
	where := "router " + name

	rc := &RouterConfig{
		Name:       name,
		Interfaces: make(map[string]InterfaceConfig),
	}

	var (
		bgpData  map[string]interface{}
		ospfData map[string]interface{}
	)

	for k, v := range data {
		switch {
		case k == "router-id":
			id, err := parseIDValue(where, k, v)
			if err != nil {
				return nil, err
			}
			rc.RouterID = common.RouterID(id)
		case k == "kernel-export":
			b, err := parseBool(where, k, v)
			if err != nil {
				return nil, err
			}
			rc.KernelExport = b
		case strings.HasPrefix(k, "interface "):
			ifname := strings.TrimPrefix(k, "interface ")

			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s interface %s: must be a map", where, ifname)
			}

			ic, err := parseInterface(where, ifname, m)
			if err != nil {
				return nil, err
			}
			rc.Interfaces[ifname] = *ic
		case strings.HasPrefix(k, "route "):
			s := strings.TrimPrefix(k, "route ")

			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s route %s: must be a map", where, s)
			}

			r, err := parseRoute(where, s, m)
			if err != nil {
				return nil, err
			}
			rc.Routes = append(rc.Routes, *r)
		case k == "bgp":
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s: bgp must be a map", where)
			}
			bgpData = m
		case k == "ospf":
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s: ospf must be a map", where)
			}
			ospfData = m
		default:
			return nil, fmt.Errorf("%s: unknown key: %s", where, k)
		}
	}

	if rc.RouterID == 0 {
		rc.RouterID = highestAddress(rc.Interfaces)
	}

	if bgpData != nil {
		bc, err := parseBGPConfig(where, bgpData, rc)
		if err != nil {
			return nil, err
		}
		rc.BGP = bc
	}

	if ospfData != nil {
		oc, err := parseOSPFConfig(where, ospfData)
		if err != nil {
			return nil, err
		}
		if oc.RouterID == 0 {
			oc.RouterID = rc.RouterID
		}
		rc.OSPF = oc
	}

	return rc, nil
}

func highestAddress(interfaces map[string]InterfaceConfig) common.RouterID {
	var id common.RouterID
	for _, ic := range interfaces {
		if a := common.RouterIDFromAddr(ic.Address.Addr()); a > id {
			id = a
		}
	}
	return id
}

func parseInterface(where, name string, data map[string]interface{}) (*InterfaceConfig, error) {
	where = where + " interface " + name

	ic := &InterfaceConfig{Name: name}

	for k, v := range data {
		switch k {
		case "address":
			s, err := parseString(where, k, v)
			if err != nil {
				return nil, err
			}

			p, err := netip.ParsePrefix(s)
			if err != nil || !p.Addr().Is4() {
				return nil, fmt.Errorf("%s: address must be an IPv4 prefix: %s", where, s)
			}
			ic.Address = p
		case "link":
			s, err := parseString(where, k, v)
			if err != nil {
				return nil, err
			}
			ic.Link = s
		default:
			return nil, fmt.Errorf("%s: unknown key: %s", where, k)
		}
	}

	if !ic.Address.IsValid() {
		return nil, fmt.Errorf("%s: address is required", where)
	}

	return ic, nil
}

func parseRoute(where, s string, data map[string]interface{}) (*RouteConfig, error) {
	where = where + " route " + s

	p, err := netip.ParsePrefix(s)
	if err != nil || !p.Addr().Is4() {
		return nil, fmt.Errorf("%s: must be an IPv4 prefix", where)
	}

	r := &RouteConfig{Prefix: p.Masked(), Advertise: true}

	for k, v := range data {
		switch k {
		case "next-hop":
			s, err := parseString(where, k, v)
			if err != nil {
				return nil, err
			}

			addr, err := netip.ParseAddr(s)
			if err != nil || !addr.Is4() {
				return nil, fmt.Errorf("%s: next-hop must be an IPv4 address", where)
			}
			r.NextHop = addr
		case "interface":
			s, err := parseString(where, k, v)
			if err != nil {
				return nil, err
			}
			r.Interface = s
		case "metric":
			n, err := parseInt(where, k, v, 0, math.MaxInt32)
			if err != nil {
				return nil, err
			}
			r.Metric = uint32(n)
		case "advertise":
			b, err := parseBool(where, k, v)
			if err != nil {
				return nil, err
			}
			r.Advertise = b
		default:
			return nil, fmt.Errorf("%s: unknown key: %s", where, k)
		}
	}

	if r.Interface == "" {
		return nil, fmt.Errorf("%s: interface is required", where)
	}

	return r, nil
}

// InterfaceFor returns the interface whose subnet contains addr.
func (rc *RouterConfig) InterfaceFor(addr netip.Addr) (InterfaceConfig, bool) {
	for _, ic := range rc.Interfaces {
		if ic.Address.Masked().Contains(addr) {
			return ic, true
		}
	}
	return InterfaceConfig{}, false
}

func (rc *RouterConfig) validate() error {
	if rc.RouterID == 0 {
		return fmt.Errorf("router-id is required when no interface has an address")
	}

	for _, r := range rc.Routes {
		if _, ok := rc.Interfaces[r.Interface]; !ok {
			return fmt.Errorf("route %s: unknown interface: %s", r.Prefix, r.Interface)
		}
	}

	if rc.BGP != nil {
		for addr, nc := range rc.BGP.Neighbors {
			if _, ok := rc.Interfaces[nc.Interface]; !ok {
				return fmt.Errorf("bgp neighbor %s: unknown interface: %s", addr, nc.Interface)
			}
		}
	}

	if rc.OSPF != nil {
		seen := make(map[string]common.AreaID)
		for areaID, ac := range rc.OSPF.Areas {
			for name := range ac.Interfaces {
				if _, ok := rc.Interfaces[name]; !ok {
					return fmt.Errorf("ospf area %s: unknown interface: %s", areaID, name)
				}
				if other, ok := seen[name]; ok {
					return fmt.Errorf("ospf: interface %s is in areas %s and %s", name, other, areaID)
				}
				seen[name] = areaID
			}
		}
	}

	return nil
}
