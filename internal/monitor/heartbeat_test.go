package monitor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voinich26/siget-sistema-trafico/internal/lockorder"
	"github.com/Voinich26/siget-sistema-trafico/internal/session"
	"github.com/Voinich26/siget-sistema-trafico/internal/session/sessiontest"
	"github.com/Voinich26/siget-sistema-trafico/internal/system"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMonitorFixture(t *testing.T) (*HeartbeatMonitor, *session.Store, *system.State, *clock) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	locks := lockorder.NewManager(time.Second)
	store := session.NewStore(locks, 10)
	store.SetClock(clk.Now)
	sys := system.New(locks)
	m := NewHeartbeatMonitor(store, sys, 10*time.Second, 60*time.Second, logrus.NewEntry(log))
	m.SetClock(clk.Now)
	return m, store, sys, clk
}

func registerLight(t *testing.T, store *session.Store, id string) *sessiontest.Transport {
	t.Helper()
	tr := sessiontest.NewTransport("conn-" + id)
	_, err := store.Register(context.Background(), session.Registration{ID: id, Transport: tr})
	require.NoError(t, err)
	return tr
}

func TestCheckBoundary(t *testing.T) {
	m, store, sys, clk := newMonitorFixture(t)
	tr := registerLight(t, store, "L1")
	ctx := context.Background()

	clk.Advance(60 * time.Second)
	evicted, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, evicted, "exactly at the threshold is not stale")

	clk.Advance(time.Second)
	evicted, err = m.Check(ctx)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "L1", evicted[0].ID)
	assert.Equal(t, 1, tr.Closes())

	n, _ := store.Len(ctx)
	assert.Zero(t, n)
	snap, _ := sys.Read(ctx)
	assert.EqualValues(t, 1, snap.Counters.Evictions)
	assert.Equal(t, StatusHealthy, m.Health().Status)
}

func TestCheckKeepsLiveSessions(t *testing.T) {
	m, store, _, clk := newMonitorFixture(t)
	registerLight(t, store, "L1")
	registerLight(t, store, "L2")
	ctx := context.Background()

	clk.Advance(50 * time.Second)
	require.NoError(t, store.TouchHeartbeat(ctx, "L2", time.Time{}))
	clk.Advance(20 * time.Second)

	evicted, err := m.Check(ctx)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "L1", evicted[0].ID)

	_, err = store.Get(ctx, "L2")
	assert.NoError(t, err)
}

func TestRunEvictsWithinOneCycle(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	locks := lockorder.NewManager(time.Second)
	store := session.NewStore(locks, 10)
	sys := system.New(locks)
	m := NewHeartbeatMonitor(store, sys, 20*time.Millisecond, 50*time.Millisecond, logrus.NewEntry(log))

	var statsCalls sync.WaitGroup
	statsCalls.Add(1)
	var once sync.Once
	m.SetStats(func(context.Context) logrus.Fields {
		once.Do(statsCalls.Done)
		return logrus.Fields{"connected": 1}
	})

	registerLight(t, store, "L1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		n, _ := store.Len(context.Background())
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
	statsCalls.Wait()
}
