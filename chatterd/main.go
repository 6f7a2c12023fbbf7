package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davidbalbert/chatter/api"
	"github.com/davidbalbert/chatter/chatterd/services"
	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/network"
	"github.com/encodeous/tint"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var (
	version    string
	configPath string
	socketPath string
	logLevel   string
)

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("bad log level %q", s)
	}
	return level, nil
}

func newLogger(level slog.Level, logFile string) (*slog.Logger, error) {
	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		}),
	}

	if logFile != "" {
		w, err := rotatelogs.New(
			logFile+".%Y%m%d",
			rotatelogs.WithLinkName(logFile),
			rotatelogs.WithMaxAge(7*24*time.Hour),
			rotatelogs.WithRotationTime(24*time.Hour),
		)
		if err != nil {
			return nil, fmt.Errorf("log file: %w", err)
		}
		handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), nil
}

func run() error {
	flag.StringVar(&configPath, "config", "/etc/chatterd/chatterd.yaml", "path to chatterd.yaml")
	flag.StringVar(&socketPath, "socket", "/var/run/chatterd.sock", "path to chatterd socket")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	flag.Parse()

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}

	configManager, err := config.NewConfigManager(configPath)
	if err != nil {
		return err
	}

	conf, _ := configManager.LastChange()
	logger, err := newLogger(level, conf.LogFile)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting chatterd", "version", version, "uid", os.Getuid(), "config", configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	services.MustRegisterServiceType(config.ServiceTypeAPIServer, func(serviceManager *services.ServiceManager, conf any) (services.Runner, error) {
		return api.NewServer(serviceManager, socketPath, cancel, version), nil
	})
	services.MustRegisterServiceType(config.ServiceTypeNetwork, network.NewService)

	serviceManager := services.NewServiceManager(configManager, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return configManager.Run(ctx)
	})

	g.Go(func() error {
		return serviceManager.Run(ctx)
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := configManager.Reload(); err != nil {
					logger.Error("reloading configuration", "err", err)
				} else {
					logger.Info("configuration reloaded")
				}
			}
		}
	})

	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
