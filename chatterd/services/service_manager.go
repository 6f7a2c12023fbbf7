package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/davidbalbert/chatter/config"
	"golang.org/x/sync/errgroup"
)

type Runner interface {
	Run(ctx context.Context) error
}

type BuilderFunc func(m *ServiceManager, conf any) (Runner, error)

var builders = make(map[config.ServiceType]BuilderFunc)

func registerServiceType(t config.ServiceType, fn BuilderFunc) error {
	_, ok := builders[t]
	if ok {
		return fmt.Errorf("service type already registered: %v", t)
	}

	builders[t] = fn

	return nil
}

func MustRegisterServiceType(t config.ServiceType, fn BuilderFunc) {
	err := registerServiceType(t, fn)
	if err != nil {
		panic(err)
	}
}

type ServiceController struct {
	service any
	id      config.ServiceID
	cancel  context.CancelFunc
	done    chan struct{}
}

func (c *ServiceController) Stop() {
	c.cancel()
}

func (c *ServiceController) Wait() {
	<-c.done
}

type state struct {
	controllers map[string]*ServiceController

	// order holds service names in boot order.
	order []string
}

type ServiceManager struct {
	st            chan state
	configManager *config.ConfigManager
	log           *slog.Logger
}

func NewServiceManager(configManager *config.ConfigManager, logger *slog.Logger) *ServiceManager {
	c := make(chan state, 1)
	c <- state{controllers: make(map[string]*ServiceController)}

	return &ServiceManager{
		st:            c,
		configManager: configManager,
		log:           logger,
	}
}

// Run starts the services the current configuration asks for and restarts
// them whenever the configuration changes.
func (s *ServiceManager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	confCh := make(chan *config.Config, 1)

	g.Go(func() error {
		conf, seq := s.configManager.LastChange()
		for {
			select {
			case <-ctx.Done():
				return nil
			case confCh <- conf:
			}

			conf, seq = s.configManager.AwaitChange(ctx, seq)
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case conf := <-confCh:
				s.stopAll()

				if err := s.startAll(ctx, g, conf); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}

// stopAll stops every running service, dependents first. Services are
// forgotten before they are stopped, so Get doesn't wait on a restart.
func (s *ServiceManager) stopAll() {
	st := <-s.st
	controllers, order := st.controllers, st.order
	st.controllers = make(map[string]*ServiceController)
	st.order = nil
	s.st <- st

	for i := len(order) - 1; i >= 0; i-- {
		c := controllers[order[i]]
		s.log.Info("stopping service", "service", c.id.Name)
		c.Stop()
		c.Wait()
	}
}

func (s *ServiceManager) startAll(ctx context.Context, g *errgroup.Group, conf *config.Config) error {
	st := <-s.st
	defer func() {
		s.st <- st
	}()

	for _, b := range conf.Bootstraps() {
		if err := s.start(ctx, g, &st, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *ServiceManager) start(ctx context.Context, g *errgroup.Group, st *state, b config.Bootstrap) error {
	if _, ok := st.controllers[b.ID.Name]; ok {
		return fmt.Errorf("service already running: %s", b.ID.Name)
	}

	builder, ok := builders[b.ID.Type]
	if !ok {
		return fmt.Errorf("unknown service type: %v", b.ID.Type)
	}

	service, err := builder(s, b.Config)
	if err != nil {
		return fmt.Errorf("%s: %w", b.ID.Name, err)
	}

	ctx, cancel := context.WithCancel(ctx)

	c := &ServiceController{
		service: service,
		id:      b.ID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	st.controllers[b.ID.Name] = c
	st.order = append(st.order, b.ID.Name)

	s.log.Info("starting service", "service", b.ID.Name)

	g.Go(func() error {
		defer close(c.done)

		if err := service.Run(ctx); err != nil {
			return fmt.Errorf("%s: %w", b.ID.Name, err)
		}
		return nil
	})

	return nil
}

func (s *ServiceManager) Get(id config.ServiceID) (any, error) {
	st := <-s.st
	defer func() {
		s.st <- st
	}()

	controller, ok := st.controllers[id.Name]
	if !ok {
		return nil, fmt.Errorf("service not running: %s", id.Name)
	}

	return controller.service, nil
}

func (s *ServiceManager) ConfigManager() *config.ConfigManager {
	return s.configManager
}

// Logger returns the logger services should derive theirs from.
func (s *ServiceManager) Logger() *slog.Logger {
	return s.log
}

// RunningServices returns the running services in boot order.
func (s *ServiceManager) RunningServices() []config.ServiceID {
	st := <-s.st
	defer func() {
		s.st <- st
	}()

	ids := make([]config.ServiceID, 0, len(st.order))
	for _, name := range st.order {
		ids = append(ids, st.controllers[name].id)
	}

	return ids
}
