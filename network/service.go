package network

import (
	"fmt"

	"github.com/davidbalbert/chatter/chatterd/services"
	"github.com/davidbalbert/chatter/config"
)

// NewService builds the network service from the daemon's configuration.
func NewService(m *services.ServiceManager, conf any) (services.Runner, error) {
	c, ok := conf.(*config.Config)
	if !ok {
		return nil, fmt.Errorf("network: unexpected configuration %T", conf)
	}

	return Build(c, m.Logger().With("service", "network"))
}
