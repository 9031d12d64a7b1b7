package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Voinich26/siget-sistema-trafico/internal/config"
	"github.com/Voinich26/siget-sistema-trafico/internal/light"
	"github.com/Voinich26/siget-sistema-trafico/internal/logging"
	"github.com/Voinich26/siget-sistema-trafico/internal/metrics"
	"github.com/Voinich26/siget-sistema-trafico/internal/server"
	"github.com/Voinich26/siget-sistema-trafico/internal/ws"
)

var (
	configPath       = flag.String("config", "", "Path to YAML config file (built-in defaults when empty)")
	portFlag         = flag.Int("port", 0, "Override the light-facing port")
	demoFlag         = flag.Int("demo", 0, "Run N simulated traffic lights in-process")
	cpuProfileFlag   = flag.Bool("profile-cpu", false, "Enable CPU profiling.")
	memProfileFlag   = flag.Bool("profile-mem", false, "Enable Memory profiling.")
	blockProfileFlag = flag.Bool("profile-lock", false, "Enable lock profiling.")
	profilePathFlag  = flag.String("profile-path", "", "Path where to write profile data.")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if *portFlag > 0 {
		cfg.Server.Port = *portFlag
	}

	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		logrus.WithError(err).Fatal("failed to set up logging")
	}
	defer closer.Close()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("sigetd exiting")
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch {
	case *cpuProfileFlag:
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(*profilePathFlag), profile.NoShutdownHook).Stop()
	case *memProfileFlag:
		defer profile.Start(profile.MemProfile, profile.MemProfileAllocs, profile.ProfilePath(*profilePathFlag), profile.NoShutdownHook).Stop()
	case *blockProfileFlag:
		defer profile.Start(profile.BlockProfile, profile.ProfilePath(*profilePathFlag), profile.NoShutdownHook).Stop()
	}

	m := metrics.New()
	srv, err := server.New(cfg, log, m)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		if srv.Running() {
			if err := srv.Stop(); err != nil {
				log.WithError(err).Warn("unclean stop")
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.Management.Enabled {
		wsLog := logging.Component(log, "ws")
		b := ws.NewBroadcaster(srv, cfg.Management.SnapshotInterval, cfg.Management.MaxClients, wsLog)
		defer b.Stop()
		srv.SetEventHook(b.Publish)
		api := ws.NewServer(srv, b, m.Handler(), wsLog)
		g.Go(func() error {
			return ws.ListenAndServe(gctx, cfg.Management.Addr(), api.Handler(), wsLog)
		})
	}

	if *demoFlag > 0 {
		log.WithField("lights", *demoFlag).Info("starting in demo mode")
		fleet := light.Fleet(*demoFlag, srv.Addr(), light.Config{
			Durations:         cfg.Sync.Durations.ByState(),
			HeartbeatInterval: cfg.Heartbeat.CheckInterval,
		})
		g.Go(func() error {
			return light.RunFleet(gctx, fleet, time.Second, logging.Component(log, "light"))
		})
	}

	err = g.Wait()
	log.Info("shutting down")
	return err
}
