package services

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidbalbert/chatter/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const oneRouter = `
simulation:
  duration: 1s
router r1:
  router-id: 1.1.1.1
  interface eth0:
    address: 10.0.0.1/24
    link: lan
`

type fakeService struct {
	name  string
	gen   int
	stops chan<- string
}

func (f *fakeService) Run(ctx context.Context) error {
	<-ctx.Done()
	f.stops <- f.name
	return nil
}

func TestRestartOnConfigChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "chatterd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(oneRouter), 0o644))

	cm, err := config.NewConfigManager(path)
	require.NoError(t, err)

	stops := make(chan string, 16)
	gens := make(map[string]int)
	builder := func(name string) BuilderFunc {
		return func(m *ServiceManager, conf any) (Runner, error) {
			gens[name]++
			return &fakeService{name: name, gen: gens[name], stops: stops}, nil
		}
	}
	MustRegisterServiceType(config.ServiceTypeAPIServer, builder("APIServer"))
	MustRegisterServiceType(config.ServiceTypeNetwork, builder("Network"))
	t.Cleanup(func() {
		delete(builders, config.ServiceTypeAPIServer)
		delete(builders, config.ServiceTypeNetwork)
	})

	m := NewServiceManager(cm, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	bootOrder := []config.ServiceID{config.ServiceNetwork, config.ServiceAPIServer}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(bootOrder, m.RunningServices())
	}, 5*time.Second, 10*time.Millisecond)

	svc, err := m.Get(config.ServiceNetwork)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.(*fakeService).gen)

	conf, err := config.Parse(oneRouter)
	require.NoError(t, err)
	require.NoError(t, cm.UpdateConfig(conf))

	// Dependents stop first.
	assert.Equal(t, "APIServer", <-stops)
	assert.Equal(t, "Network", <-stops)

	require.Eventually(t, func() bool {
		svc, err := m.Get(config.ServiceNetwork)
		return err == nil && svc.(*fakeService).gen == 2 && len(m.RunningServices()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestGetUnknownService(t *testing.T) {
	m := NewServiceManager(nil, slog.New(slog.DiscardHandler))

	_, err := m.Get(config.ServiceNetwork)
	assert.ErrorContains(t, err, "service not running: Network")
}
