package config

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServiceType int

const (
	ServiceTypeAPIServer ServiceType = iota
	ServiceTypeNetwork
)

func (t ServiceType) String() string {
	switch t {
	case ServiceTypeAPIServer:
		return "APIServer"
	case ServiceTypeNetwork:
		return "Network"
	default:
		return fmt.Sprintf("unknown service type: %d", t)
	}
}

type ServiceID struct {
	Type ServiceType
	Name string
}

var (
	ServiceAPIServer = ServiceID{Type: ServiceTypeAPIServer, Name: "APIServer"}
	ServiceNetwork   = ServiceID{Type: ServiceTypeNetwork, Name: "Network"}
)

// Bootstrap is what the service manager needs to start one service.
type Bootstrap struct {
	ID     ServiceID
	Config any
}

type SimulationConfig struct {
	// Duration of virtual time to run before switching to serving API
	// requests. Zero runs until the event queue is empty.
	Duration time.Duration
	Seed     int64
	Latency  time.Duration
}

type Config struct {
	LogFile string

	// Simulation is nil when routers run against the wall clock.
	Simulation *SimulationConfig

	Routers map[string]*RouterConfig
}

func loadConfig(path string) (*Config, error) {
	s, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config, err := parseConfig(string(s))
	if err != nil {
		return nil, err
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Parse parses and validates a configuration document.
func Parse(s string) (*Config, error) {
	c, err := parseConfig(s)
	if err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func parseConfig(s string) (*Config, error) {
	var data map[string]interface{}

	if err := yaml.Unmarshal([]byte(s), &data); err != nil {
		return nil, err
	}

	c := Config{
		Routers: make(map[string]*RouterConfig),
	}

	for k, v := range data {
		switch {
		case k == "log-file":
			v, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("log-file must be a string")
			}
			c.LogFile = v
		case k == "simulation":
			v, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("simulation must be a map")
			}

			sc, err := parseSimulationConfig(v)
			if err != nil {
				return nil, err
			}
			c.Simulation = sc
		case strings.HasPrefix(k, "router "):
			name := strings.TrimPrefix(k, "router ")

			v, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("router %s: must be a map", name)
			}

			rc, err := parseRouterConfig(name, v)
			if err != nil {
				return nil, err
			}
			c.Routers[name] = rc
		default:
			return nil, fmt.Errorf("unknown top level key: %s", k)
		}
	}

	return &c, nil
}

func parseSimulationConfig(data map[string]interface{}) (*SimulationConfig, error) {
	sc := &SimulationConfig{Seed: 1}

	for k, v := range data {
		switch k {
		case "duration":
			d, err := parseDuration("simulation", k, v)
			if err != nil {
				return nil, err
			}
			sc.Duration = d
		case "latency":
			d, err := parseDuration("simulation", k, v)
			if err != nil {
				return nil, err
			}
			sc.Latency = d
		case "seed":
			v, ok := v.(int)
			if !ok {
				return nil, fmt.Errorf("simulation: seed must be an integer")
			}
			sc.Seed = int64(v)
		default:
			return nil, fmt.Errorf("simulation: unknown key: %s", k)
		}
	}

	return sc, nil
}

func (c *Config) ServicesInBootOrder() []ServiceID {
	g := newGraph()

	g.addNode(ServiceAPIServer)

	if len(c.Routers) > 0 {
		g.addNode(ServiceNetwork)
		g.addNode(ServiceAPIServer, ServiceNetwork)
	}

	return g.topologicalSort()
}

func (c *Config) Bootstraps() []Bootstrap {
	var bs []Bootstrap
	for _, id := range c.ServicesInBootOrder() {
		bs = append(bs, Bootstrap{ID: id, Config: c})
	}
	return bs
}

func (c *Config) validate() error {
	for name, rc := range c.Routers {
		if err := rc.validate(); err != nil {
			return fmt.Errorf("router %s: %w", name, err)
		}

		if c.Simulation == nil {
			continue
		}

		if rc.KernelExport {
			return fmt.Errorf("router %s: kernel-export is not available in simulation", name)
		}
		if rc.BGP != nil {
			for addr, nc := range rc.BGP.Neighbors {
				if nc.Transport == TransportTCP {
					return fmt.Errorf("router %s: bgp neighbor %s: tcp transport is not available in simulation", name, addr)
				}
			}
		}
	}

	if c.Simulation == nil && len(c.Routers) > 1 {
		return fmt.Errorf("only one router may be configured outside of simulation")
	}

	return nil
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err == nil {
		return uint32(n), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("must be an IPv4 address or an unsigned 32 bit integer")
	}

	return binary.BigEndian.Uint32(addr.AsSlice()), nil
}

// parseIDValue accepts a dotted quad string or a bare integer.
func parseIDValue(where, key string, v interface{}) (uint32, error) {
	switch v := v.(type) {
	case string:
		id, err := parseID(v)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid %s: %s", where, key, err)
		}
		return id, nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("%s: %s must be positive: %d", where, key, v)
		} else if v > math.MaxUint32 {
			return 0, fmt.Errorf("%s: %s too big: %d", where, key, v)
		}
		return uint32(v), nil
	default:
		return 0, fmt.Errorf("%s: %s must be an IPv4 address or an unsigned 32 bit integer", where, key)
	}
}

func parseInt(where, key string, v interface{}, min, max int) (int, error) {
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("%s: %s must be an integer", where, key)
	}

	if n < min {
		return 0, fmt.Errorf("%s: %s too small: %d", where, key, n)
	} else if n > max {
		return 0, fmt.Errorf("%s: %s too big: %d", where, key, n)
	}

	return n, nil
}

// parseSeconds reads an integer number of seconds.
func parseSeconds(where, key string, v interface{}, min, max int) (time.Duration, error) {
	n, err := parseInt(where, key, v, min, max)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// parseDuration reads either a Go duration string or an integer number of
// seconds.
func parseDuration(where, key string, v interface{}) (time.Duration, error) {
	switch v := v.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid %s: %s", where, key, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("%s: %s must be positive: %s", where, key, v)
		}
		return d, nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("%s: %s must be positive: %d", where, key, v)
		}
		return time.Duration(v) * time.Second, nil
	default:
		return 0, fmt.Errorf("%s: %s must be a duration", where, key)
	}
}

func parseBool(where, key string, v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: %s must be true or false", where, key)
	}
	return b, nil
}

func parseString(where, key string, v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: %s must be a string", where, key)
	}
	return s, nil
}

func parseList(where, key string, v interface{}) ([]interface{}, error) {
	if v == nil {
		return nil, nil
	}

	l, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: %s must be a list", where, key)
	}
	return l, nil
}

func parsePrefixList(where, key string, v interface{}) ([]netip.Prefix, error) {
	l, err := parseList(where, key, v)
	if err != nil {
		return nil, err
	}

	var prefixes []netip.Prefix
	for _, item := range l {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s: %s: entries must be prefixes", where, key)
		}

		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %s", where, key, err)
		}
		prefixes = append(prefixes, p.Masked())
	}

	return prefixes, nil
}
