package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func heartbeat(conn string, n int) Envelope {
	return Envelope{ConnID: conn, Msg: &protocol.Heartbeat{LightID: fmt.Sprintf("%s-%d", conn, n)}}
}

func TestPerConnectionOrderWithManyWorkers(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	h := HandlerFunc(func(_ context.Context, env Envelope) error {
		mu.Lock()
		seen[env.ConnID] = append(seen[env.ConnID], protocol.SenderID(env.Msg))
		mu.Unlock()
		return nil
	})
	d := New(4, 64, h, quietLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() { done <- d.Run(ctx, time.Second) }()

	conns := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, d.Enqueue(context.Background(), heartbeat(c, i)))
			}
		}(c)
	}
	wg.Wait()
	cancel()
	assert.Zero(t, <-done)

	for _, c := range conns {
		got := seen[c]
		require.Len(t, got, 100, c)
		for i, id := range got {
			assert.Equal(t, fmt.Sprintf("%s-%d", c, i), id)
		}
	}
}

func TestRunDrainsQueueOnShutdown(t *testing.T) {
	var handled atomic.Int32
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, env Envelope) error {
		<-release
		assert.NoError(t, ctx.Err(), "handlers keep a live context while draining")
		handled.Add(1)
		return nil
	})
	d := New(1, 16, h, quietLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() { done <- d.Run(ctx, 2*time.Second) }()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(context.Background(), heartbeat("a", i)))
	}
	cancel()
	close(release)

	assert.Zero(t, <-done)
	assert.EqualValues(t, 5, handled.Load())
	assert.ErrorIs(t, d.Enqueue(context.Background(), heartbeat("a", 9)), ErrStopped)
}

func TestRunDropsAfterGrace(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := HandlerFunc(func(ctx context.Context, env Envelope) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ctx.Err()
	})
	d := New(1, 16, h, quietLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() { done <- d.Run(ctx, 50*time.Millisecond) }()

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Enqueue(context.Background(), heartbeat("a", i)))
	}
	// Let the worker pick up the first message.
	require.Eventually(t, func() bool { return d.Depth() == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case dropped := <-done:
		assert.Equal(t, 3, dropped)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the grace period")
	}
	assert.Zero(t, d.Depth())
}

func TestRecorderSeesHandlerErrorsAndPanics(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, env Envelope) error {
		switch env.ConnID {
		case "err":
			return fmt.Errorf("boom")
		case "panic":
			panic("bad handler")
		}
		return nil
	})
	d := New(1, 8, h, quietLog())

	var mu sync.Mutex
	results := map[string]error{}
	d.SetRecorder(func(_ context.Context, env Envelope, err error) {
		mu.Lock()
		results[env.ConnID] = err
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() { done <- d.Run(ctx, time.Second) }()

	for _, c := range []string{"ok", "err", "panic"} {
		require.NoError(t, d.Enqueue(context.Background(), heartbeat(c, 0)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.NoError(t, results["ok"])
	assert.EqualError(t, results["err"], "boom")
	assert.ErrorContains(t, results["panic"], "bad handler")
}

func TestEnqueueHonoursContextWhenLaneFull(t *testing.T) {
	d := New(1, 1, HandlerFunc(func(context.Context, Envelope) error { return nil }), quietLog())
	require.NoError(t, d.Enqueue(context.Background(), heartbeat("a", 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Enqueue(ctx, heartbeat("a", 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, d.Depth())
}
