package config

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/davidbalbert/chatter/chatterd/common"
)

type NetworkType int

const (
	NetworkBroadcast NetworkType = iota
	NetworkPointToPoint
	NetworkNBMA
	NetworkPointToMultipoint
	NetworkVirtual
)

func (t NetworkType) String() string {
	switch t {
	case NetworkBroadcast:
		return "broadcast"
	case NetworkPointToPoint:
		return "point-to-point"
	case NetworkNBMA:
		return "nbma"
	case NetworkPointToMultipoint:
		return "point-to-multipoint"
	case NetworkVirtual:
		return "virtual"
	default:
		return fmt.Sprintf("NetworkType(%d)", int(t))
	}
}

func parseNetworkType(s string) (NetworkType, bool) {
	for t := NetworkBroadcast; t <= NetworkVirtual; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

type OSPFConfig struct {
	RouterID           common.RouterID
	Cost               uint16
	HelloInterval      uint16
	RouterDeadInterval uint32
	RetransmitInterval uint16
	TransmitDelay      uint16
	Areas              map[common.AreaID]OSPFAreaConfig
}

func (c *OSPFConfig) InterfaceConfigs() map[string]OSPFInterfaceConfig {
	configs := make(map[string]OSPFInterfaceConfig)

	for _, area := range c.Areas {
		for name, conf := range area.Interfaces {
			configs[name] = conf
		}
	}

	return configs
}

type OSPFAreaConfig struct {
	Stub               bool
	Cost               uint16
	HelloInterval      uint16
	RouterDeadInterval uint32
	RetransmitInterval uint16
	TransmitDelay      uint16
	Interfaces         map[string]OSPFInterfaceConfig
}

type OSPFInterfaceConfig struct {
	AreaID             common.AreaID
	Type               NetworkType
	Passive            bool
	Priority           uint8
	Cost               uint16
	HelloInterval      uint16
	RouterDeadInterval uint32
	RetransmitInterval uint16
	TransmitDelay      uint16
	AuthType           uint16
	AuthKey            string

	// Neighbors are the configured neighbors of an NBMA interface and
	// their priorities.
	Neighbors map[netip.Addr]uint8
}

// ospfTimers is the set of values that are inherited from the instance to
// its areas and from areas to their interfaces.
type ospfTimers struct {
	cost               *uint16
	helloInterval      *uint16
	routerDeadInterval *uint32
	retransmitInterval *uint16
	transmitDelay      *uint16
}

func parseOSPFTimer(where, k string, v interface{}, t ospfTimers) (bool, error) {
	switch k {
	case "cost":
		n, err := parseInt(where, k, v, 1, math.MaxUint16)
		if err != nil {
			return true, err
		}
		*t.cost = uint16(n)
	case "hello-interval":
		n, err := parseInt(where, k, v, 1, math.MaxUint16)
		if err != nil {
			return true, err
		}
		*t.helloInterval = uint16(n)
	case "dead-interval":
		n, err := parseInt(where, k, v, 1, math.MaxUint32)
		if err != nil {
			return true, err
		}
		*t.routerDeadInterval = uint32(n)
	case "retransmit-interval":
		n, err := parseInt(where, k, v, 1, math.MaxUint16)
		if err != nil {
			return true, err
		}
		*t.retransmitInterval = uint16(n)
	case "transmit-delay":
		n, err := parseInt(where, k, v, 1, math.MaxUint16)
		if err != nil {
			return true, err
		}
		*t.transmitDelay = uint16(n)
	default:
		return false, nil
	}

	return true, nil
}

func parseOSPFConfig(where string, data map[string]interface{}) (*OSPFConfig, error) {
	where = where + " ospf"

	c := &OSPFConfig{
		RouterID:           0,
		Cost:               1,
		HelloInterval:      10,
		RouterDeadInterval: 40,
		RetransmitInterval: 5,
		TransmitDelay:      1,
		Areas:              make(map[common.AreaID]OSPFAreaConfig),
	}

	timers := ospfTimers{&c.Cost, &c.HelloInterval, &c.RouterDeadInterval, &c.RetransmitInterval, &c.TransmitDelay}

	for k, v := range data {
		if ok, err := parseOSPFTimer(where, k, v, timers); err != nil {
			return nil, err
		} else if ok {
			continue
		}

		if k == "router-id" {
			id, err := parseIDValue(where, k, v)
			if err != nil {
				return nil, err
			}
			c.RouterID = common.RouterID(id)
		} else if strings.HasPrefix(k, "area ") {
			name := strings.TrimPrefix(k, "area ")

			id, err := parseID(name)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid area id: %s", where, err)
			}

			area, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s: area must be a map", where)
			}

			ac, err := parseAreaConfig(common.AreaID(id), area)
			if err != nil {
				return nil, err
			}

			c.Areas[common.AreaID(id)] = *ac
		} else {
			return nil, fmt.Errorf("%s: unknown key: %s", where, k)
		}
	}

	for k, ac := range c.Areas {
		ac.setDefaults(c)
		c.Areas[k] = ac
	}

	backbone, ok := c.Areas[common.BackboneAreaID]
	if !ok {
		return nil, fmt.Errorf("%s: backbone area must be configured", where)
	}

	if backbone.Stub {
		return nil, fmt.Errorf("%s: backbone area cannot be a stub area", where)
	}

	return c, nil
}

func (ac *OSPFAreaConfig) setDefaults(c *OSPFConfig) {
	if ac.HelloInterval == 0 {
		ac.HelloInterval = c.HelloInterval
	}

	if ac.RouterDeadInterval == 0 {
		ac.RouterDeadInterval = c.RouterDeadInterval
	}

	if ac.Cost == 0 {
		ac.Cost = c.Cost
	}

	if ac.RetransmitInterval == 0 {
		ac.RetransmitInterval = c.RetransmitInterval
	}

	if ac.TransmitDelay == 0 {
		ac.TransmitDelay = c.TransmitDelay
	}

	for k, ic := range ac.Interfaces {
		ic.setDefaults(ac)
		ac.Interfaces[k] = ic
	}
}

func (ic *OSPFInterfaceConfig) setDefaults(ac *OSPFAreaConfig) {
	if ic.Cost == 0 {
		ic.Cost = ac.Cost
	}

	if ic.HelloInterval == 0 {
		ic.HelloInterval = ac.HelloInterval
	}

	if ic.RouterDeadInterval == 0 {
		ic.RouterDeadInterval = ac.RouterDeadInterval
	}

	if ic.RetransmitInterval == 0 {
		ic.RetransmitInterval = ac.RetransmitInterval
	}

	if ic.TransmitDelay == 0 {
		ic.TransmitDelay = ac.TransmitDelay
	}
}

func parseAreaConfig(areaID common.AreaID, data map[string]interface{}) (*OSPFAreaConfig, error) {
	where := fmt.Sprintf("ospf area %s", areaID)

	ac := OSPFAreaConfig{
		Interfaces: make(map[string]OSPFInterfaceConfig),
	}

	timers := ospfTimers{&ac.Cost, &ac.HelloInterval, &ac.RouterDeadInterval, &ac.RetransmitInterval, &ac.TransmitDelay}

	for k, v := range data {
		if ok, err := parseOSPFTimer(where, k, v, timers); err != nil {
			return nil, err
		} else if ok {
			continue
		}

		if k == "stub" {
			b, err := parseBool(where, k, v)
			if err != nil {
				return nil, err
			}
			ac.Stub = b
		} else if strings.HasPrefix(k, "interface ") {
			interfaceName := strings.TrimPrefix(k, "interface ")

			i, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s interface %s: must be a map", where, interfaceName)
			}

			ic, err := parseInterfaceConfig(areaID, interfaceName, i)
			if err != nil {
				return nil, err
			}

			ac.Interfaces[interfaceName] = *ic
		} else {
			return nil, fmt.Errorf("%s: unknown key: %s", where, k)
		}
	}

	return &ac, nil
}

func parseInterfaceConfig(areaID common.AreaID, name string, data map[string]interface{}) (*OSPFInterfaceConfig, error) {
	where := fmt.Sprintf("ospf area %s interface %s", areaID, name)

	ic := OSPFInterfaceConfig{
		AreaID:    areaID,
		Type:      NetworkBroadcast,
		Priority:  1,
		Neighbors: make(map[netip.Addr]uint8),
	}

	timers := ospfTimers{&ic.Cost, &ic.HelloInterval, &ic.RouterDeadInterval, &ic.RetransmitInterval, &ic.TransmitDelay}

	for k, v := range data {
		if ok, err := parseOSPFTimer(where, k, v, timers); err != nil {
			return nil, err
		} else if ok {
			continue
		}

		switch {
		case k == "type":
			s, err := parseString(where, k, v)
			if err != nil {
				return nil, err
			}

			t, ok := parseNetworkType(s)
			if !ok {
				return nil, fmt.Errorf("%s: unknown network type: %s", where, s)
			}
			ic.Type = t
		case k == "mode":
			s, err := parseString(where, k, v)
			if err != nil {
				return nil, err
			}

			switch s {
			case "active":
				ic.Passive = false
			case "passive":
				ic.Passive = true
			default:
				return nil, fmt.Errorf("%s: mode must be active or passive: %s", where, s)
			}
		case k == "priority":
			n, err := parseInt(where, k, v, 0, math.MaxUint8)
			if err != nil {
				return nil, err
			}
			ic.Priority = uint8(n)
		case k == "authentication-type":
			n, err := parseInt(where, k, v, 0, 2)
			if err != nil {
				return nil, err
			}
			ic.AuthType = uint16(n)
		case k == "authentication-key":
			s, err := parseString(where, k, v)
			if err != nil {
				return nil, err
			}
			if len(s) > 8 {
				return nil, fmt.Errorf("%s: authentication-key longer than 8 bytes", where)
			}
			ic.AuthKey = s
		case strings.HasPrefix(k, "neighbor "):
			s := strings.TrimPrefix(k, "neighbor ")

			addr, err := netip.ParseAddr(s)
			if err != nil || !addr.Is4() {
				return nil, fmt.Errorf("%s: neighbor must be an IPv4 address: %s", where, s)
			}

			var prio uint8
			if v != nil {
				m, ok := v.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%s neighbor %s: must be a map", where, s)
				}

				for nk, nv := range m {
					if nk != "priority" {
						return nil, fmt.Errorf("%s neighbor %s: unknown key: %s", where, s, nk)
					}

					n, err := parseInt(where+" neighbor "+s, nk, nv, 0, math.MaxUint8)
					if err != nil {
						return nil, err
					}
					prio = uint8(n)
				}
			}

			ic.Neighbors[addr] = prio
		default:
			return nil, fmt.Errorf("%s: unknown key: %s", where, k)
		}
	}

	if len(ic.Neighbors) > 0 && ic.Type != NetworkNBMA {
		return nil, fmt.Errorf("%s: neighbors can only be configured on nbma interfaces", where)
	}

	return &ic, nil
}
