package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/config"
	"github.com/Voinich26/siget-sistema-trafico/internal/light"
	"github.com/Voinich26/siget-sistema-trafico/internal/logging"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:8888", "Coordinator address")
	count := flag.Int("n", 1, "Number of lights to run")
	id := flag.String("id", "", "Light id (single light only; default L1..Ln)")
	intersection := flag.String("intersection", "", "Intersection name (single light only)")
	heartbeat := flag.Duration("heartbeat", 10*time.Second, "Heartbeat interval")
	red := flag.Duration("red", 8*time.Second, "RED phase length")
	green := flag.Duration("green", 10*time.Second, "GREEN phase length")
	yellow := flag.Duration("yellow", 3*time.Second, "YELLOW phase length")
	retry := flag.Duration("retry", 2*time.Second, "Reconnect delay (0 exits on disconnect)")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log, closer, err := logging.New(config.LoggingConfig{Level: *level})
	if err != nil {
		logrus.WithError(err).Fatal("failed to set up logging")
	}
	defer closer.Close()

	fleet := light.Fleet(*count, *addr, light.Config{
		Durations: map[protocol.LightState]time.Duration{
			protocol.Red:    *red,
			protocol.Green:  *green,
			protocol.Yellow: *yellow,
		},
		HeartbeatInterval: *heartbeat,
	})
	if *count == 1 {
		if *id != "" {
			fleet[0].ID = *id
		}
		if *intersection != "" {
			fleet[0].Intersection = *intersection
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{"lights": len(fleet), "addr": *addr}).Info("starting lights")
	if err := light.RunFleet(ctx, fleet, *retry, logging.Component(log, "light")); err != nil {
		log.WithError(err).Error("lights stopped")
		closer.Close()
		os.Exit(1)
	}
}
