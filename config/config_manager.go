package config

import (
	"context"

	"github.com/davidbalbert/chatter/sync"
)

type ConfigManager struct {
	*sync.Notifier[*Config]
	path string
}

func NewConfigManager(path string) (*ConfigManager, error) {
	conf, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	return &ConfigManager{Notifier: sync.NewNotifier(conf), path: path}, nil
}

func (c *ConfigManager) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *ConfigManager) UpdateConfig(conf *Config) error {
	err := conf.validate()
	if err != nil {
		return err
	}

	c.NotifyChange(conf)

	return nil
}

// Reload reads the configuration file again and publishes it.
func (c *ConfigManager) Reload() error {
	conf, err := loadConfig(c.path)
	if err != nil {
		return err
	}

	c.NotifyChange(conf)

	return nil
}
