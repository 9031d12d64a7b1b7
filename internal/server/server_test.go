package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voinich26/siget-sistema-trafico/internal/config"
	"github.com/Voinich26/siget-sistema-trafico/internal/lockorder"
	"github.com/Voinich26/siget-sistema-trafico/internal/logging"
	"github.com/Voinich26/siget-sistema-trafico/internal/metrics"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
	"github.com/Voinich26/siget-sistema-trafico/internal/session"
)

const waitFor = 3 * time.Second

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownGrace = time.Second
	cfg.Management.Enabled = false
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(cfg, logging.Discard(), metrics.New())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if srv.Running() {
			srv.Stop()
		}
	})
	return srv
}

// testLight speaks the line protocol over a real TCP connection.
type testLight struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialLight(t *testing.T, addr string) *testLight {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &testLight{t: t, conn: c, r: bufio.NewReader(c)}
}

func (l *testLight) sendLine(line string) {
	l.t.Helper()
	_, err := l.conn.Write([]byte(line + "\n"))
	require.NoError(l.t, err)
}

func (l *testLight) send(m protocol.Message) {
	l.t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(l.t, err)
	_, err = l.conn.Write(data)
	require.NoError(l.t, err)
}

func (l *testLight) recv() protocol.Message {
	l.t.Helper()
	l.conn.SetReadDeadline(time.Now().Add(waitFor))
	line, err := l.r.ReadBytes('\n')
	require.NoError(l.t, err)
	m, err := protocol.Decode(line)
	require.NoError(l.t, err)
	return m
}

// recvKind skips messages until one of kind k arrives.
func (l *testLight) recvKind(k protocol.Kind) protocol.Message {
	l.t.Helper()
	for {
		if m := l.recv(); m.Kind() == k {
			return m
		}
	}
}

func (l *testLight) register(id string, state protocol.LightState) *protocol.RegistrationConfirmed {
	l.t.Helper()
	l.send(&protocol.Register{LightID: id, Intersection: "Main & 1st", State: &state, Timestamp: time.Now()})
	m := l.recv()
	confirmed, ok := m.(*protocol.RegistrationConfirmed)
	require.True(l.t, ok, "expected registration_confirmed, got %s", m.Kind())
	require.Equal(l.t, id, confirmed.ClientID)
	return confirmed
}

// expectClosed asserts the server closed the connection.
func (l *testLight) expectClosed() {
	l.t.Helper()
	l.conn.SetReadDeadline(time.Now().Add(waitFor))
	_, err := l.r.ReadBytes('\n')
	require.Error(l.t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(l.t, ne.Timeout(), "connection was not closed by the server")
	}
}

// connected returns the registry size, or -1 if status failed. It is safe
// to call from Eventually conditions.
func connected(t *testing.T, srv *Server) int {
	t.Helper()
	st, err := srv.Status(context.Background())
	if err != nil {
		return -1
	}
	return st.Connected
}

func TestRegisterConfirmsAndReportsStatus(t *testing.T) {
	srv := startServer(t, testConfig())
	light := dialLight(t, srv.Addr())

	confirmed := light.register("L1", protocol.Green)
	assert.Equal(t, protocol.ModeNormal, confirmed.Mode)

	st, err := srv.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, "L1", st.Sessions[0].ID)
	assert.Equal(t, "Main & 1st", st.Sessions[0].Intersection)
	assert.Equal(t, protocol.Green, st.Sessions[0].State)
	assert.Equal(t, 10, st.Capacity)
	require.NotNil(t, st.Canonical)
	assert.Equal(t, protocol.Red, st.Canonical.State)
	assert.Equal(t, []PhaseLength{
		{State: protocol.Red, Seconds: 8},
		{State: protocol.Green, Seconds: 10},
		{State: protocol.Yellow, Seconds: 3},
	}, st.Canonical.Phases)
	assert.Equal(t, 60.0, st.StaleAfter)
}

func TestCapacityRejectsExtraConnection(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxSessions = 1
	srv := startServer(t, cfg)

	first := dialLight(t, srv.Addr())
	first.register("L1", protocol.Red)

	second := dialLight(t, srv.Addr())
	m := second.recv()
	rejected, ok := m.(*protocol.RegistrationRejected)
	require.True(t, ok, "expected registration_rejected, got %s", m.Kind())
	assert.Equal(t, protocol.RejectCapacity, rejected.Reason)
	second.expectClosed()

	assert.Equal(t, 1, connected(t, srv))
	st, err := srv.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Counters.Rejections)
}

func TestDuplicateIDFromAnotherConnectionIsRejected(t *testing.T) {
	srv := startServer(t, testConfig())

	owner := dialLight(t, srv.Addr())
	owner.register("L1", protocol.Red)

	intruder := dialLight(t, srv.Addr())
	intruder.send(&protocol.Register{LightID: "L1", Timestamp: time.Now()})
	m := intruder.recv()
	rejected, ok := m.(*protocol.RegistrationRejected)
	require.True(t, ok, "expected registration_rejected, got %s", m.Kind())
	assert.Equal(t, protocol.RejectDuplicate, rejected.Reason)
	intruder.expectClosed()

	// The original owner keeps working.
	owner.send(&protocol.Heartbeat{LightID: "L1", Timestamp: time.Now()})
	assert.Equal(t, 1, connected(t, srv))
}

func TestConnectionCarriesOneLight(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxSessions = 2
	srv := startServer(t, cfg)

	light := dialLight(t, srv.Addr())
	light.register("L1", protocol.Red)
	light.send(&protocol.Register{LightID: "L2", Timestamp: time.Now()})
	light.send(&protocol.StateUpdate{LightID: "L2", State: protocol.Green, Timestamp: time.Now()})
	light.send(&protocol.StateUpdate{LightID: "L1", State: protocol.Green, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		st, err := srv.Status(context.Background())
		return err == nil && len(st.Sessions) == 1 && st.Sessions[0].State == protocol.Green
	}, waitFor, 10*time.Millisecond)
	st, err := srv.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "L1", st.Sessions[0].ID)
	assert.Equal(t, uint64(1), st.Counters.ProtocolErrors)

	// The second slot is still free for another connection.
	other := dialLight(t, srv.Addr())
	other.register("L2", protocol.Red)
	assert.Equal(t, 2, connected(t, srv))

	// Re-registering the same id on its own connection is a refresh.
	yellow := protocol.Yellow
	light.send(&protocol.Register{LightID: "L1", State: &yellow, Timestamp: time.Now()})
	confirmed := light.recvKind(protocol.KindRegistrationConfirmed).(*protocol.RegistrationConfirmed)
	assert.Equal(t, "L1", confirmed.ClientID)
	assert.Equal(t, 2, connected(t, srv))
}

func TestMalformedLineKeepsConnection(t *testing.T) {
	srv := startServer(t, testConfig())
	light := dialLight(t, srv.Addr())

	light.sendLine("this is not json")
	light.sendLine(`{"type":"teleport","light_id":"L1"}`)
	light.sendLine(`{"type":"state_update","light_id":"L1"}`)
	light.register("L1", protocol.Red)

	st, err := srv.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Counters.ProtocolErrors)
	assert.Equal(t, 1, st.Connected)
}

func TestOversizedLineIsSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxLineBytes = 128
	srv := startServer(t, cfg)
	light := dialLight(t, srv.Addr())

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'x'
	}
	light.sendLine(string(big))
	light.register("L1", protocol.Red)

	st, err := srv.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Counters.ProtocolErrors)
}

func TestDisconnectRemovesSession(t *testing.T) {
	srv := startServer(t, testConfig())
	light := dialLight(t, srv.Addr())
	light.register("L1", protocol.Red)
	require.Equal(t, 1, connected(t, srv))

	light.conn.Close()
	require.Eventually(t, func() bool { return connected(t, srv) == 0 }, waitFor, 10*time.Millisecond)
}

func TestStaleLightIsEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat.CheckInterval = 50 * time.Millisecond
	cfg.Heartbeat.StaleAfter = 200 * time.Millisecond
	srv := startServer(t, cfg)

	var mu sync.Mutex
	var evicted []string
	srv.SetEventHook(func(ev Event) {
		if ev.Type == EventEvicted {
			mu.Lock()
			evicted = append(evicted, ev.LightID)
			mu.Unlock()
		}
	})

	silent := dialLight(t, srv.Addr())
	silent.register("L1", protocol.Red)
	chatty := dialLight(t, srv.Addr())
	chatty.register("L2", protocol.Red)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				data, _ := protocol.Encode(&protocol.Heartbeat{LightID: "L2", Timestamp: time.Now()})
				chatty.conn.Write(data)
			}
		}
	}()

	require.Eventually(t, func() bool { return connected(t, srv) == 1 }, waitFor, 20*time.Millisecond)
	st, err := srv.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, "L2", st.Sessions[0].ID)
	assert.Equal(t, uint64(1), st.Counters.Evictions)

	mu.Lock()
	assert.Equal(t, []string{"L1"}, evicted)
	mu.Unlock()
	silent.expectClosed()
}

func TestEmergencyReachesEveryLight(t *testing.T) {
	srv := startServer(t, testConfig())

	ids := []string{"L1", "L2", "L3"}
	lights := make(map[string]*testLight, len(ids))
	for _, id := range ids {
		l := dialLight(t, srv.Addr())
		l.register(id, protocol.Green)
		lights[id] = l
	}

	res, err := srv.TriggerEmergency(context.Background(), "ambulance")
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, res.Delivered)
	assert.Empty(t, res.Failed)
	assert.False(t, res.Resent)

	for _, id := range ids {
		m := lights[id].recvKind(protocol.KindEmergencyOverride)
		override := m.(*protocol.EmergencyOverride)
		assert.Equal(t, "ambulance", override.Reason)
		assert.Equal(t, protocol.Red, override.State)
		lights[id].send(&protocol.EmergencyAck{LightID: id, Timestamp: time.Now()})
	}

	require.Eventually(t, func() bool {
		st, err := srv.Status(context.Background())
		return err == nil && st.Emergency != nil && len(st.Emergency.Acknowledged) == len(ids)
	}, waitFor, 10*time.Millisecond)

	// A light registering during the emergency gets the override right away.
	late := dialLight(t, srv.Addr())
	confirmed := late.register("L4", protocol.Green)
	assert.Equal(t, protocol.ModeEmergency, confirmed.Mode)
	override := late.recvKind(protocol.KindEmergencyOverride).(*protocol.EmergencyOverride)
	assert.Equal(t, res.Seq, override.Seq)

	st, err := srv.Status(context.Background())
	require.NoError(t, err)
	for _, sess := range st.Sessions {
		assert.Equal(t, protocol.ModeEmergency, sess.Mode, sess.ID)
	}

	changed, err := srv.ClearEmergency(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	st, err = srv.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeNormal, st.Mode)
}

func TestSyncRequestsMismatchedLights(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.Interval = time.Hour
	srv := startServer(t, cfg)

	// The schedule starts on RED, so GREEN is out of step.
	off := dialLight(t, srv.Addr())
	off.register("L1", protocol.Green)

	res, err := srv.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, protocol.Red, res.Target)
	assert.Equal(t, 1, res.Sent)

	req := off.recvKind(protocol.KindSyncRequest).(*protocol.SyncRequest)
	assert.Equal(t, "L1", req.LightID)
	assert.Equal(t, protocol.Red, req.TargetState)

	off.send(&protocol.SyncComplete{LightID: "L1", Timestamp: time.Now()})
	require.Eventually(t, func() bool {
		st, err := srv.Status(context.Background())
		return err == nil && len(st.Sessions) == 1 && st.Sessions[0].PendingSync == nil &&
			st.Sessions[0].State == protocol.Red
	}, waitFor, 10*time.Millisecond)
}

func TestMessagesForOtherConnectionsLightAreIgnored(t *testing.T) {
	srv := startServer(t, testConfig())
	owner := dialLight(t, srv.Addr())
	owner.register("L1", protocol.Red)

	other := dialLight(t, srv.Addr())
	other.register("L2", protocol.Red)
	other.send(&protocol.StateUpdate{LightID: "L1", State: protocol.Yellow, Timestamp: time.Now()})
	other.send(&protocol.StateUpdate{LightID: "L2", State: protocol.Yellow, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		st, err := srv.Status(context.Background())
		if err != nil || len(st.Sessions) != 2 {
			return false
		}
		return st.Sessions[1].State == protocol.Yellow
	}, waitFor, 10*time.Millisecond)

	st, err := srv.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.Red, st.Sessions[0].State, "L1 must only change from its own connection")
}

func TestStartStopRestart(t *testing.T) {
	srv, err := New(testConfig(), logging.Discard(), metrics.New())
	require.NoError(t, err)

	assert.ErrorIs(t, srv.Stop(), ErrNotRunning)
	_, err = srv.TriggerEmergency(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, srv.Start())
	assert.ErrorIs(t, srv.Start(), ErrAlreadyRunning)

	light := dialLight(t, srv.Addr())
	light.register("L1", protocol.Red)
	require.NoError(t, srv.Stop())
	assert.False(t, srv.Running())
	assert.Equal(t, 0, connected(t, srv))
	light.expectClosed()

	require.NoError(t, srv.Start())
	defer srv.Stop()
	again := dialLight(t, srv.Addr())
	again.register("L1", protocol.Red)
	assert.Equal(t, 1, connected(t, srv))
}

func TestStopHandlesQueuedMessagesBeforeDroppingSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatcher.Workers = 1
	cfg.Sync.Interval = time.Hour
	srv := startServer(t, cfg)
	light := dialLight(t, srv.Addr())
	light.register("L1", protocol.Red)

	removed := make(chan session.Session, 1)
	srv.Store().SetObserver(func(ev session.Event) {
		if ev.Type != session.EventRemoved {
			return
		}
		select {
		case removed <- ev.Session:
		default:
		}
	})

	// Hold the registry so updates pile up in the dispatcher.
	g, err := srv.Locks().Acquire(context.Background(), lockorder.Exclusive(lockorder.Clients))
	require.NoError(t, err)
	const updates = 20
	cycle := []protocol.LightState{protocol.Green, protocol.Yellow, protocol.Red}
	for i := 0; i < updates; i++ {
		light.send(&protocol.StateUpdate{LightID: "L1", State: cycle[i%len(cycle)], Timestamp: time.Now()})
	}
	r := srv.current.Load()
	require.Eventually(t, func() bool { return r.dispatcher.Depth() == updates-1 }, waitFor, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- srv.Stop() }()
	time.Sleep(100 * time.Millisecond)
	g.Release()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}
	select {
	case sess := <-removed:
		assert.Equal(t, updates, sess.StateChanges, "every queued update lands before the session goes")
	case <-time.After(waitFor):
		t.Fatal("session was never removed")
	}
	light.expectClosed()
}

func TestStartReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	srv, err := New(cfg, logging.Discard(), metrics.New())
	require.NoError(t, err)

	require.Error(t, srv.Start())
	assert.False(t, srv.Running())
}

func TestMultiResourceAcquisitionsFollowCanonicalOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat.CheckInterval = 10 * time.Millisecond
	cfg.Dispatcher.Workers = 2
	srv := startServer(t, cfg)

	var mu sync.Mutex
	last := make(map[uint64]int)
	var violations []string
	srv.Locks().SetObserver(func(ev lockorder.Event) {
		if ev.Kind != lockorder.Acquired {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		rank := lockorder.Rank(ev.Resource)
		if prev, ok := last[ev.Guard]; ok && rank <= prev {
			violations = append(violations, string(ev.Resource))
		}
		last[ev.Guard] = rank
	})

	ids := []string{"L1", "L2", "L3"}
	lights := make([]*testLight, len(ids))
	for i, id := range ids {
		lights[i] = dialLight(t, srv.Addr())
		lights[i].register(id, protocol.Yellow)
	}
	before, err := srv.Status(context.Background())
	require.NoError(t, err)

	// Lights keep the dispatcher busy while the monitor ticks and the
	// synchronizer and emergency paths contend for all three resources.
	done := make(chan struct{})
	var chatter sync.WaitGroup
	for i, id := range ids {
		chatter.Add(1)
		go func(l *testLight, id string) {
			defer chatter.Done()
			states := []protocol.LightState{protocol.Red, protocol.Green, protocol.Yellow}
			for n := 0; ; n++ {
				select {
				case <-done:
					return
				default:
				}
				var m protocol.Message = &protocol.Heartbeat{LightID: id, Timestamp: time.Now()}
				if n%2 == 1 {
					m = &protocol.StateUpdate{LightID: id, State: states[n%3], Timestamp: time.Now()}
				}
				data, _ := protocol.Encode(m)
				if _, err := l.conn.Write(data); err != nil {
					return
				}
				time.Sleep(2 * time.Millisecond)
			}
		}(lights[i], id)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			srv.SyncNow(context.Background())
		}()
		go func() {
			defer wg.Done()
			srv.TriggerEmergency(context.Background(), "drill")
		}()
		go func() {
			defer wg.Done()
			srv.ClearEmergency(context.Background())
		}()
		time.Sleep(15 * time.Millisecond)
	}
	wg.Wait()
	time.Sleep(30 * time.Millisecond)
	close(done)
	chatter.Wait()

	st, err := srv.Status(context.Background())
	require.NoError(t, err)
	assert.Positive(t, st.OrderedAcquisitions)
	assert.Greater(t, st.Counters.MessagesProcessed, before.Counters.MessagesProcessed+10, "dispatcher handled light traffic")
	assert.True(t, st.Heartbeat.LastSuccess.After(before.StartedAt), "heartbeat monitor ran")
	assert.Equal(t, len(ids), st.Connected)
	require.Eventually(t, func() bool { return len(srv.Locks().Held()) == 0 }, waitFor, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, violations)
}
