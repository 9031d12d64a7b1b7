package light

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

type preset struct {
	intersection string
	x, y         float64
	initial      protocol.LightState
}

var presets = []preset{
	{"Av. Principal & Calle 1", 100, 100, protocol.Red},
	{"Av. Principal & Calle 2", 300, 100, protocol.Green},
	{"Av. Libertador & Carrera 7", 500, 100, protocol.Yellow},
	{"Av. Libertador & Carrera 9", 100, 300, protocol.Red},
	{"Calle 26 & Av. Boyacá", 300, 300, protocol.Green},
	{"Calle 26 & Carrera 30", 500, 300, protocol.Red},
}

// Fleet builds n light configs named L1..Ln for a coordinator at addr. base
// supplies timing; identity fields come from the preset table.
func Fleet(n int, addr string, base Config) []Config {
	out := make([]Config, 0, n)
	for i := 0; i < n; i++ {
		p := presets[i%len(presets)]
		cfg := base
		cfg.ID = fmt.Sprintf("L%d", i+1)
		cfg.Addr = addr
		cfg.Intersection = p.intersection
		cfg.Position = &protocol.Position{X: p.x, Y: p.y}
		cfg.InitialState = p.initial
		out = append(out, cfg)
	}
	return out
}

// RunFleet runs every light until ctx is cancelled. A light whose connection
// drops reconnects after retry; a rejected light stops for good.
func RunFleet(ctx context.Context, cfgs []Config, retry time.Duration, log *logrus.Entry) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cfg := range cfgs {
		l := New(cfg, log)
		g.Go(func() error {
			return runWithRetry(ctx, l, retry)
		})
	}
	return g.Wait()
}

func runWithRetry(ctx context.Context, l *Light, retry time.Duration) error {
	for {
		err := l.Run(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrRejected):
			l.log.WithError(err).Warn("light gave up")
			return nil
		case retry <= 0:
			return err
		}
		l.log.WithError(err).WithField("retry_in", retry).Warn("light disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
}
