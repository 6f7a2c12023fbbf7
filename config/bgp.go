package config

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"github.com/davidbalbert/chatter/chatterd/common"
)

type Transport int

const (
	TransportSim Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	switch t {
	case TransportSim:
		return "sim"
	case TransportTCP:
		return "tcp"
	default:
		return fmt.Sprintf("Transport(%d)", int(t))
	}
}

type BGPConfig struct {
	AS               common.ASN
	HoldTime         time.Duration
	KeepaliveTime    time.Duration
	ConnectRetryTime time.Duration

	// ConnectRetryMax caps exponential connect-retry backoff. When equal to
	// ConnectRetryTime the retry interval is fixed.
	ConnectRetryMax time.Duration

	// AutoRestart sends ManualStart to a session ConnectRetryTime after it
	// falls back to Idle.
	AutoRestart bool

	DenyRouteIn  []netip.Prefix
	DenyRouteOut []netip.Prefix
	DenyASIn     []common.ASN
	DenyASOut    []common.ASN

	ImportPolicy string
	ExportPolicy string

	Neighbors map[netip.Addr]BGPNeighborConfig
}

type BGPNeighborConfig struct {
	Address          netip.Addr
	RemoteAS         common.ASN
	Interface        string
	Transport        Transport
	HoldTime         time.Duration
	KeepaliveTime    time.Duration
	ConnectRetryTime time.Duration
	ConnectRetryMax  time.Duration
}

// Internal reports whether the session is an IGP (same AS) session.
func (c *BGPConfig) Internal(n BGPNeighborConfig) bool {
	return n.RemoteAS == c.AS
}

func parseBGPConfig(where string, data map[string]interface{}, rc *RouterConfig) (*BGPConfig, error) {
	where = where + " bgp"

	c := &BGPConfig{
		HoldTime:         180 * time.Second,
		KeepaliveTime:    60 * time.Second,
		ConnectRetryTime: 120 * time.Second,
		AutoRestart:      true,
		Neighbors:        make(map[netip.Addr]BGPNeighborConfig),
	}

	var (
		denyRoute []netip.Prefix
		denyAS    []common.ASN
		err       error
	)

	for k, v := range data {
		switch {
		case k == "as":
			n, err := parseInt(where, k, v, 1, math.MaxUint32)
			if err != nil {
				return nil, err
			}
			c.AS = common.ASN(n)
		case k == "hold-time":
			c.HoldTime, err = parseHoldTime(where, k, v)
		case k == "keepalive-time":
			c.KeepaliveTime, err = parseSeconds(where, k, v, 1, math.MaxUint16)
		case k == "connect-retry-time":
			c.ConnectRetryTime, err = parseSeconds(where, k, v, 1, math.MaxUint16)
		case k == "connect-retry-max":
			c.ConnectRetryMax, err = parseSeconds(where, k, v, 1, math.MaxUint16)
		case k == "auto-restart":
			c.AutoRestart, err = parseBool(where, k, v)
		case k == "deny-route-in":
			c.DenyRouteIn, err = parsePrefixList(where, k, v)
		case k == "deny-route-out":
			c.DenyRouteOut, err = parsePrefixList(where, k, v)
		case k == "deny-route":
			denyRoute, err = parsePrefixList(where, k, v)
		case k == "deny-as-in":
			c.DenyASIn, err = parseASList(where, k, v)
		case k == "deny-as-out":
			c.DenyASOut, err = parseASList(where, k, v)
		case k == "deny-as":
			denyAS, err = parseASList(where, k, v)
		case k == "import-policy":
			c.ImportPolicy, err = parseString(where, k, v)
		case k == "export-policy":
			c.ExportPolicy, err = parseString(where, k, v)
		case strings.HasPrefix(k, "neighbor "):
			s := strings.TrimPrefix(k, "neighbor ")

			addr, perr := netip.ParseAddr(s)
			if perr != nil || !addr.Is4() {
				return nil, fmt.Errorf("%s: neighbor must be an IPv4 address: %s", where, s)
			}

			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s neighbor %s: must be a map", where, s)
			}

			nc, perr := parseBGPNeighborConfig(where, addr, m)
			if perr != nil {
				return nil, perr
			}
			c.Neighbors[addr] = *nc
		default:
			return nil, fmt.Errorf("%s: unknown key: %s", where, k)
		}

		if err != nil {
			return nil, err
		}
	}

	if c.AS == 0 {
		return nil, fmt.Errorf("%s: as is required", where)
	}

	// deny-route and deny-as apply in both directions.
	c.DenyRouteIn = append(c.DenyRouteIn, denyRoute...)
	c.DenyRouteOut = append(c.DenyRouteOut, denyRoute...)
	c.DenyASIn = append(c.DenyASIn, denyAS...)
	c.DenyASOut = append(c.DenyASOut, denyAS...)

	if c.ConnectRetryMax < c.ConnectRetryTime {
		c.ConnectRetryMax = c.ConnectRetryTime
	}

	for addr, nc := range c.Neighbors {
		if nc.Interface == "" {
			ic, ok := rc.InterfaceFor(addr)
			if !ok {
				return nil, fmt.Errorf("%s neighbor %s: not on any interface's subnet and no interface given", where, addr)
			}
			nc.Interface = ic.Name
		}
		nc.setDefaults(c)
		c.Neighbors[addr] = nc
	}

	return c, nil
}

func parseHoldTime(where, key string, v interface{}) (time.Duration, error) {
	d, err := parseSeconds(where, key, v, 0, math.MaxUint16)
	if err != nil {
		return 0, err
	}

	if d != 0 && d < 3*time.Second {
		return 0, fmt.Errorf("%s: %s must be zero or at least 3 seconds: %d", where, key, v)
	}

	return d, nil
}

func parseASList(where, key string, v interface{}) ([]common.ASN, error) {
	l, err := parseList(where, key, v)
	if err != nil {
		return nil, err
	}

	var asns []common.ASN
	for _, item := range l {
		n, err := parseInt(where, key, item, 1, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		asns = append(asns, common.ASN(n))
	}

	return asns, nil
}

func parseBGPNeighborConfig(where string, addr netip.Addr, data map[string]interface{}) (*BGPNeighborConfig, error) {
	where = fmt.Sprintf("%s neighbor %s", where, addr)

	nc := &BGPNeighborConfig{Address: addr}

	var err error
	for k, v := range data {
		switch k {
		case "remote-as":
			n, perr := parseInt(where, k, v, 1, math.MaxUint32)
			if perr != nil {
				return nil, perr
			}
			nc.RemoteAS = common.ASN(n)
		case "interface":
			nc.Interface, err = parseString(where, k, v)
		case "transport":
			s, perr := parseString(where, k, v)
			if perr != nil {
				return nil, perr
			}

			switch s {
			case "sim":
				nc.Transport = TransportSim
			case "tcp":
				nc.Transport = TransportTCP
			default:
				return nil, fmt.Errorf("%s: transport must be sim or tcp: %s", where, s)
			}
		case "hold-time":
			nc.HoldTime, err = parseHoldTime(where, k, v)
		case "keepalive-time":
			nc.KeepaliveTime, err = parseSeconds(where, k, v, 1, math.MaxUint16)
		case "connect-retry-time":
			nc.ConnectRetryTime, err = parseSeconds(where, k, v, 1, math.MaxUint16)
		case "connect-retry-max":
			nc.ConnectRetryMax, err = parseSeconds(where, k, v, 1, math.MaxUint16)
		default:
			return nil, fmt.Errorf("%s: unknown key: %s", where, k)
		}

		if err != nil {
			return nil, err
		}
	}

	if nc.RemoteAS == 0 {
		return nil, fmt.Errorf("%s: remote-as is required", where)
	}

	return nc, nil
}

func (nc *BGPNeighborConfig) setDefaults(c *BGPConfig) {
	if nc.HoldTime == 0 {
		nc.HoldTime = c.HoldTime
	}

	if nc.KeepaliveTime == 0 {
		nc.KeepaliveTime = c.KeepaliveTime
	}

	if nc.ConnectRetryTime == 0 {
		nc.ConnectRetryTime = c.ConnectRetryTime
	}

	if nc.ConnectRetryMax == 0 {
		nc.ConnectRetryMax = c.ConnectRetryMax
	}

	if nc.ConnectRetryMax < nc.ConnectRetryTime {
		nc.ConnectRetryMax = nc.ConnectRetryTime
	}
}
