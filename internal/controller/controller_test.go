package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mtcbridge/internal/connection"
	"github.com/ChuLiYu/mtcbridge/internal/devicesim"
	"github.com/ChuLiYu/mtcbridge/internal/metrics"
	"github.com/ChuLiYu/mtcbridge/internal/protocol"
	"github.com/ChuLiYu/mtcbridge/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// recordingListener collects notifications
type recordingListener struct {
	mu       sync.Mutex
	statuses []types.Status
	catalogs []types.CatalogSnapshot
}

func (l *recordingListener) StatusChanged(s types.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *recordingListener) CatalogChanged(s types.CatalogSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.catalogs = append(l.catalogs, s)
}

func (l *recordingListener) catalogCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.catalogs)
}

func (l *recordingListener) lastCatalog() (types.CatalogSnapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.catalogs) == 0 {
		return types.CatalogSnapshot{}, false
	}
	return l.catalogs[len(l.catalogs)-1], true
}

func (l *recordingListener) sawState(state types.ConnState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.statuses {
		if s.State == state {
			return true
		}
	}
	return false
}

func (l *recordingListener) countState(state types.ConnState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.statuses {
		if s.State == state {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Connection.FirstConnectTimeout = time.Second
	cfg.Connection.RetryConnectTimeout = time.Second
	cfg.Connection.RetryDelay = 100 * time.Millisecond
	return cfg
}

// createTestController creates and starts a test Controller
func createTestController(t *testing.T, cfg Config, opts ...Option) (*Controller, *recordingListener) {
	t.Helper()

	listener := &recordingListener{}
	opts = append([]Option{WithLogger(testLogger()), WithListener(listener)}, opts...)
	controller := NewController(cfg, opts...)
	require.NoError(t, controller.Start())
	t.Cleanup(controller.Stop)

	return controller, listener
}

func startDevice(t *testing.T, cfg devicesim.Config) *devicesim.Server {
	t.Helper()

	cfg.Logger = testLogger()
	srv := devicesim.New(cfg)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Close() })
	return srv
}

// connectTo configures the controller for srv and waits for Connected
func connectTo(t *testing.T, c *Controller, port int, poll time.Duration) {
	t.Helper()

	require.NoError(t, c.Configure(DeviceConfig{Host: "127.0.0.1", Port: port, PollInterval: poll}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	state, err := c.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, types.StateConnected, state)
}

func countQueries(queries []string, q string) int {
	n := 0
	for _, got := range queries {
		if got == q {
			n++
		}
	}
	return n
}

// rawDevice is a bare TCP peer for tests that script every response
type rawDevice struct {
	ln    net.Listener
	conns chan net.Conn
}

func newRawDevice(t *testing.T) *rawDevice {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &rawDevice{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *rawDevice) port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

type rawPeer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (d *rawDevice) accept(t *testing.T) *rawPeer {
	t.Helper()
	select {
	case conn := <-d.conns:
		t.Cleanup(func() { conn.Close() })
		return &rawPeer{conn: conn, reader: bufio.NewReader(conn)}
	case <-time.After(3 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

type rawQuery struct {
	Request int64              `json:"request"`
	Query   protocol.QueryBody `json:"query"`
}

func (p *rawPeer) readQuery(t *testing.T) rawQuery {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := p.reader.ReadString('\n')
	require.NoError(t, err)

	var q rawQuery
	require.NoError(t, json.Unmarshal([]byte(line), &q))
	return q
}

func (p *rawPeer) write(t *testing.T, line string) {
	t.Helper()
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

// TestNewController tests Controller initialization
func TestNewController(t *testing.T) {
	controller := NewController(Config{})
	defer controller.Stop()

	assert.Equal(t, 30*time.Second, controller.config.RequestTimeout)
	assert.Equal(t, types.StateDisconnected, controller.Status().State)
	assert.Empty(t, controller.Players())
	assert.Empty(t, controller.Tracks())
	assert.Empty(t, controller.Sections("anything"))
	assert.False(t, controller.Snapshot().Fresh)
}

// TestStartStop tests the start/stop contract
func TestStartStop(t *testing.T) {
	controller := NewController(testConfig(), WithLogger(testLogger()))

	assert.ErrorIs(t, controller.Configure(DeviceConfig{Host: "127.0.0.1", Port: 1}), ErrNotStarted)

	require.NoError(t, controller.Start())
	assert.ErrorIs(t, controller.Start(), ErrAlreadyStarted)

	controller.Stop()
	assert.NotPanics(t, controller.Stop, "Stop is idempotent")

	assert.ErrorIs(t, controller.Start(), ErrStopped)
	assert.ErrorIs(t, controller.Configure(DeviceConfig{Host: "127.0.0.1", Port: 1}), ErrStopped)
	_, err := controller.Connect(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, controller.Refresh(context.Background()), ErrStopped)
}

// TestStopBeforeStart tests Stop on a never-started controller
func TestStopBeforeStart(t *testing.T) {
	controller := NewController(testConfig(), WithLogger(testLogger()))
	assert.NotPanics(t, controller.Stop)
}

// ============================================================================
// Configuration Tests
// ============================================================================

func TestConfigure_Invalid(t *testing.T) {
	controller, _ := createTestController(t, testConfig())

	err := controller.Configure(DeviceConfig{Host: "bad host", Port: 54321})
	var cerr *connection.ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "host", cerr.Field)
	assert.Equal(t, types.StateDisconnected, controller.Status().State)

	_, err = controller.Connect(context.Background())
	assert.ErrorIs(t, err, connection.ErrNotConfigured)
}

func TestConnect_NotConfigured(t *testing.T) {
	controller, _ := createTestController(t, testConfig())

	state, err := controller.Connect(context.Background())
	assert.ErrorIs(t, err, connection.ErrNotConfigured)
	assert.Equal(t, types.StateDisconnected, state)
}

func TestConfigure_SameEndpointKeepsSocket(t *testing.T) {
	srv := startDevice(t, devicesim.Config{Players: []string{"A"}})
	controller, _ := createTestController(t, testConfig())
	connectTo(t, controller, srv.Port(), time.Hour)

	require.NoError(t, controller.Configure(DeviceConfig{Host: "127.0.0.1", Port: srv.Port(), PollInterval: 2 * time.Hour}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.Accepted())
	assert.Equal(t, types.StateConnected, controller.Status().State)

	stats, err := controller.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2h0m0s", stats["poll_interval"])
	assert.Equal(t, true, stats["polling"])
}

func TestConfigure_NewEndpointReconnects(t *testing.T) {
	first := startDevice(t, devicesim.Config{Players: []string{"A"}})
	second := startDevice(t, devicesim.Config{Players: []string{"B"}})
	controller, _ := createTestController(t, testConfig())

	connectTo(t, controller, first.Port(), time.Hour)
	require.Eventually(t, func() bool { return cmp.Equal(controller.Players(), []string{"A"}) },
		3*time.Second, 10*time.Millisecond)

	connectTo(t, controller, second.Port(), time.Hour)
	require.Eventually(t, func() bool { return cmp.Equal(controller.Players(), []string{"B"}) },
		3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return first.Clients() == 0 }, 3*time.Second, 10*time.Millisecond)
}

// ============================================================================
// End-to-end Tests
// ============================================================================

func TestCatalogPopulatedAfterConnect(t *testing.T) {
	srv := startDevice(t, devicesim.Config{
		Players:  []string{"Transport A", "Transport B"},
		Tracks:   []string{"Intro", "Main"},
		Sections: map[string][]string{"Intro": {"Verse", "Chorus"}, "Main": {"Drop"}},
	})
	controller, listener := createTestController(t, testConfig())
	connectTo(t, controller, srv.Port(), time.Hour)

	want := types.CatalogSnapshot{
		Players:  []string{"Transport A", "Transport B"},
		Tracks:   []string{"Intro", "Main"},
		Sections: map[string][]string{"Intro": {"Verse", "Chorus"}, "Main": {"Drop"}},
		Fresh:    true,
	}
	require.Eventually(t, func() bool { return cmp.Equal(controller.Snapshot(), want) },
		3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"Verse", "Chorus"}, controller.Sections("Intro"))
	assert.Equal(t, []string{"Intro: Verse", "Intro: Chorus", "Main: Drop"}, controller.Snapshot().SectionLabels())
	assert.True(t, listener.sawState(types.StateConnecting))
	assert.True(t, listener.sawState(types.StateConnected))
	require.Eventually(t, func() bool { return listener.catalogCount() > 0 }, time.Second, 10*time.Millisecond)

	// Unchanged poll: no extra notifications
	time.Sleep(50 * time.Millisecond)
	notified := listener.catalogCount()
	require.NoError(t, controller.Refresh(context.Background()))
	require.Eventually(t, func() bool { return countQueries(srv.Queries(), "playerList") == 2 },
		3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, notified, listener.catalogCount())
}

// TestPlayerListResponse follows the documented scenario: the response for
// request 3 updates the players and notifies exactly once.
func TestPlayerListResponse(t *testing.T) {
	device := newRawDevice(t)
	controller, listener := createTestController(t, testConfig())

	// Polling disabled: only Refresh issues queries
	connectTo(t, controller, device.port(), 0)
	peer := device.accept(t)

	require.NoError(t, controller.Refresh(context.Background()))
	assert.Equal(t, rawQuery{Request: 1, Query: protocol.QueryBody{Q: "playerList"}}, peer.readQuery(t))
	assert.Equal(t, rawQuery{Request: 2, Query: protocol.QueryBody{Q: "trackList"}}, peer.readQuery(t))

	require.NoError(t, controller.Refresh(context.Background()))
	assert.Equal(t, int64(3), peer.readQuery(t).Request)
	assert.Equal(t, int64(4), peer.readQuery(t).Request)

	peer.write(t, `{"request":3,"status":"OK","results":[{"player":"Transport A"},{"player":"Transport B"}]}`)

	require.Eventually(t, func() bool {
		return cmp.Equal(controller.Players(), []string{"Transport A", "Transport B"})
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return listener.catalogCount() == 1 }, time.Second, 10*time.Millisecond)

	// Duplicate answer for an already resolved id: ignored
	peer.write(t, `{"request":3,"status":"OK","results":[{"player":"Other"}]}`)
	// OK without results: ignored, entry removed
	peer.write(t, `{"request":1,"status":"OK"}`)
	// Device error for a known id: no catalog change, entry removed
	peer.write(t, `{"request":2,"status":"unknown query"}`)

	require.Eventually(t, func() bool {
		stats, err := controller.GetStatus(context.Background())
		return err == nil && stats["pending"] == 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, listener.catalogCount(), "exactly one catalog notification")
	assert.Equal(t, []string{"Transport A", "Transport B"}, controller.Players())
	assert.Equal(t, types.StateConnected, controller.Status().State)
}

func TestResponsesMatchedById(t *testing.T) {
	device := newRawDevice(t)
	controller, _ := createTestController(t, testConfig())
	connectTo(t, controller, device.port(), 0)
	peer := device.accept(t)

	require.NoError(t, controller.Refresh(context.Background()))
	players := peer.readQuery(t)
	tracks := peer.readQuery(t)

	// Answer in reverse order, split across writes
	peer.write(t, `{"request":`+itoa(tracks.Request)+`,"status":"OK","results":[{"track":"T1"}]}`)
	_, err := peer.conn.Write([]byte(`{"request":` + itoa(players.Request) + `,"status":"OK",`))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	peer.write(t, `"results":[{"player":"P1"}]}`)

	// First track list after connect asks for sections
	cue := peer.readQuery(t)
	assert.Equal(t, "cueList T1", cue.Query.Q)
	peer.write(t, `{"request":`+itoa(cue.Request)+`,"status":"OK","results":[{"location":"S1"},{"location":"  "}]}`)

	require.Eventually(t, func() bool {
		snap := controller.Snapshot()
		return cmp.Equal(snap.Players, []string{"P1"}) &&
			cmp.Equal(snap.Tracks, []string{"T1"}) &&
			cmp.Equal(snap.Sections["T1"], []string{"S1"})
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, controller.Snapshot().Fresh)
}

func TestRequestTimeoutExpiresPending(t *testing.T) {
	device := newRawDevice(t)
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	controller, _ := createTestController(t, cfg)
	connectTo(t, controller, device.port(), 0)
	device.accept(t)

	require.NoError(t, controller.Refresh(context.Background()))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, controller.Refresh(context.Background()))

	stats, err := controller.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats["pending"], "the first two queries expired")
}

func TestGarbageLinesIgnored(t *testing.T) {
	srv := startDevice(t, devicesim.Config{Players: []string{"A"}})
	controller, _ := createTestController(t, testConfig())
	connectTo(t, controller, srv.Port(), time.Hour)
	require.Eventually(t, func() bool { return cmp.Equal(controller.Players(), []string{"A"}) },
		3*time.Second, 10*time.Millisecond)

	srv.Broadcast("garbage{")
	srv.Broadcast("")
	srv.Broadcast(`{"status":"OK","results":[{"player":"Ghost"}]}`)
	srv.Broadcast(`{"request":-1,"status":"invalid json"}`)

	srv.SetPlayers("B")
	require.NoError(t, controller.Refresh(context.Background()))
	require.Eventually(t, func() bool { return cmp.Equal(controller.Players(), []string{"B"}) },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.StateConnected, controller.Status().State)
}

func TestTrackRemovalPrunesSections(t *testing.T) {
	srv := startDevice(t, devicesim.Config{
		Tracks:   []string{"T1", "T2"},
		Sections: map[string][]string{"T1": {"A"}, "T2": {"B"}},
	})
	controller, _ := createTestController(t, testConfig())
	connectTo(t, controller, srv.Port(), time.Hour)
	require.Eventually(t, func() bool { return cmp.Equal(controller.Sections("T2"), []string{"B"}) },
		3*time.Second, 10*time.Millisecond)

	srv.SetTracks("T1")
	srv.SetSections("T1", "A", "C")
	require.NoError(t, controller.Refresh(context.Background()))

	require.Eventually(t, func() bool {
		snap := controller.Snapshot()
		_, hasT2 := snap.Sections["T2"]
		return !hasT2 && cmp.Equal(snap.Sections["T1"], []string{"A", "C"})
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"T1"}, controller.Tracks())
}

// A cueList answer that arrives after its track left the track list must not
// bring the track's sections back.
func TestLateSectionAnswerForRemovedTrack(t *testing.T) {
	device := newRawDevice(t)
	controller, listener := createTestController(t, testConfig())
	connectTo(t, controller, device.port(), 0)
	peer := device.accept(t)

	require.NoError(t, controller.Refresh(context.Background()))
	players := peer.readQuery(t)
	tracks := peer.readQuery(t)
	peer.write(t, `{"request":`+itoa(players.Request)+`,"status":"OK","results":[{"player":"P1"}]}`)
	peer.write(t, `{"request":`+itoa(tracks.Request)+`,"status":"OK","results":[{"track":"A"},{"track":"B"}]}`)

	cueA := peer.readQuery(t)
	cueB := peer.readQuery(t)
	require.Equal(t, "cueList A", cueA.Query.Q)
	require.Equal(t, "cueList B", cueB.Query.Q)
	peer.write(t, `{"request":`+itoa(cueA.Request)+`,"status":"OK","results":[{"location":"A1"}]}`)
	require.Eventually(t, func() bool { return cmp.Equal(controller.Sections("A"), []string{"A1"}) },
		3*time.Second, 10*time.Millisecond)

	// B disappears while its cueList answer is still outstanding
	require.NoError(t, controller.Refresh(context.Background()))
	players = peer.readQuery(t)
	tracks = peer.readQuery(t)
	peer.write(t, `{"request":`+itoa(players.Request)+`,"status":"OK","results":[{"player":"P1"}]}`)
	peer.write(t, `{"request":`+itoa(tracks.Request)+`,"status":"OK","results":[{"track":"A"}]}`)
	cueA = peer.readQuery(t)
	require.Equal(t, "cueList A", cueA.Query.Q)
	require.Eventually(t, func() bool {
		last, ok := listener.lastCatalog()
		return ok && cmp.Equal(last.Tracks, []string{"A"})
	}, 3*time.Second, 10*time.Millisecond)
	before := listener.catalogCount()

	// Late answer for B, then the answer for A on the same socket
	peer.write(t, `{"request":`+itoa(cueB.Request)+`,"status":"OK","results":[{"location":"B1"}]}`)
	peer.write(t, `{"request":`+itoa(cueA.Request)+`,"status":"OK","results":[{"location":"A1"},{"location":"A2"}]}`)

	require.Eventually(t, func() bool { return cmp.Equal(controller.Sections("A"), []string{"A1", "A2"}) },
		3*time.Second, 10*time.Millisecond)
	snap := controller.Snapshot()
	_, hasB := snap.Sections["B"]
	assert.False(t, hasB, "sections of a removed track are not stored")
	assert.Empty(t, controller.Sections("B"))
	assert.Equal(t, []string{"A"}, snap.Tracks)
	require.Eventually(t, func() bool { return listener.catalogCount() == before+1 },
		time.Second, 10*time.Millisecond, "only the A update is published")
}

// TestDropAndReconnect follows the documented scenario: a mid-session drop
// stops polling, the automatic retry reconnects, and polling restarts with an
// immediate poll.
func TestDropAndReconnect(t *testing.T) {
	srv := startDevice(t, devicesim.Config{Players: []string{"A"}, Tracks: []string{"T"}})
	cfg := testConfig()
	cfg.Connection.RetryDelay = 300 * time.Millisecond
	controller, listener := createTestController(t, cfg)
	connectTo(t, controller, srv.Port(), time.Hour)

	require.Eventually(t, func() bool { return countQueries(srv.Queries(), "playerList") == 1 },
		3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return controller.Snapshot().Fresh }, 3*time.Second, 10*time.Millisecond)

	srv.DropConnections()

	require.Eventually(t, func() bool { return controller.Status().State == types.StateFailed },
		3*time.Second, 5*time.Millisecond)
	stats, err := controller.GetStatus(context.Background())
	require.NoError(t, err)
	if stats["state"] == types.StateFailed.String() {
		assert.Equal(t, false, stats["polling"], "poller stops on disconnect")
		assert.Equal(t, 0, stats["pending"])
		assert.Equal(t, true, stats["retry_pending"])
	}
	require.Eventually(t, func() bool { return !controller.Snapshot().Fresh }, time.Second, 5*time.Millisecond,
		"catalog is stale after a drop")
	assert.Equal(t, []string{"A"}, controller.Players(), "stale data stays readable")

	require.Eventually(t, func() bool {
		return controller.Status().State == types.StateConnected &&
			countQueries(srv.Queries(), "playerList") == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, srv.Accepted())
	assert.GreaterOrEqual(t, listener.countState(types.StateConnected), 2)
	require.Eventually(t, func() bool { return controller.Snapshot().Fresh }, 3*time.Second, 10*time.Millisecond)
}

func TestStop_TearsDownWithoutRetry(t *testing.T) {
	srv := startDevice(t, devicesim.Config{Players: []string{"A"}})
	controller := NewController(testConfig(), WithLogger(testLogger()))
	require.NoError(t, controller.Start())
	connectTo(t, controller, srv.Port(), 20*time.Millisecond)

	controller.Stop()

	require.Eventually(t, func() bool { return srv.Clients() == 0 }, 3*time.Second, 10*time.Millisecond)
	queries := len(srv.Queries())
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, srv.Accepted(), "no reconnect after Stop")
	assert.Equal(t, queries, len(srv.Queries()), "no poll after Stop")
	assert.Equal(t, types.StateDisconnected, controller.Status().State)
}

// ============================================================================
// Command Tests
// ============================================================================

func TestSendGoToCue(t *testing.T) {
	srv := startDevice(t, devicesim.Config{})
	controller, _ := createTestController(t, testConfig())
	connectTo(t, controller, srv.Port(), 0)

	err := controller.SendGoToCue(context.Background(), protocol.GoToCueFields{
		Player:            "Transport A",
		Track:             "Intro",
		Location:          "1.2",
		TransitionSection: "Main: Drop",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(srv.Commands()) == 1 }, 3*time.Second, 10*time.Millisecond)
	want := protocol.TrackCommand{
		Player:            "Transport A",
		Command:           protocol.CommandPlaySection,
		Track:             "Intro",
		Location:          "CUE 1.2",
		TransitionTrack:   "Main",
		TransitionSection: "Drop",
	}
	if diff := cmp.Diff(want, srv.Commands()[0]); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
}

func TestSendTransportCommand(t *testing.T) {
	srv := startDevice(t, devicesim.Config{})
	controller, _ := createTestController(t, testConfig())
	connectTo(t, controller, srv.Port(), 0)

	require.NoError(t, controller.SendTransportCommand(context.Background(),
		protocol.TransportFields{Player: "Transport A", Command: protocol.CommandStop}))

	require.Eventually(t, func() bool { return len(srv.Commands()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.TrackCommand{Player: "Transport A", Command: "stop"}, srv.Commands()[0])
}

func TestSendCommand_Rejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	controller, _ := createTestController(t, testConfig(), WithMetrics(metrics.NewCollector(reg)))

	// Not connected
	err := controller.SendTransportCommand(context.Background(), protocol.TransportFields{Player: "A"})
	assert.ErrorIs(t, err, connection.ErrNotConnected)

	// Invalid
	err = controller.SendGoToCue(context.Background(), protocol.GoToCueFields{Player: "A", Track: "T", Location: "soon"})
	assert.ErrorIs(t, err, protocol.ErrValidation)

	expected := `
# HELP mtc_commands_rejected_total Total number of track commands rejected before sending
# TYPE mtc_commands_rejected_total counter
mtc_commands_rejected_total{kind="goto"} 1
mtc_commands_rejected_total{kind="transport"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mtc_commands_rejected_total"))
}

func TestMetricsCountConnection(t *testing.T) {
	srv := startDevice(t, devicesim.Config{Players: []string{"A"}, Tracks: []string{"T"}})
	reg := prometheus.NewRegistry()
	controller, _ := createTestController(t, testConfig(), WithMetrics(metrics.NewCollector(reg)))
	connectTo(t, controller, srv.Port(), time.Hour)
	require.Eventually(t, func() bool { return controller.Snapshot().Fresh }, 3*time.Second, 10*time.Millisecond)

	expected := `
# HELP mtc_connect_attempts_total Total number of TCP connect attempts
# TYPE mtc_connect_attempts_total counter
mtc_connect_attempts_total 1
# HELP mtc_connection_state Current connection state (0=disconnected 1=connecting 2=connected 3=failed)
# TYPE mtc_connection_state gauge
mtc_connection_state 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"mtc_connect_attempts_total", "mtc_connection_state"))

	count, err := testutil.GatherAndCount(reg, "mtc_queries_issued_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 2)
}

func TestMetricsCountDroppedLines(t *testing.T) {
	device := newRawDevice(t)
	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.MaxLineLength = 32
	controller, _ := createTestController(t, cfg, WithMetrics(metrics.NewCollector(reg)))
	connectTo(t, controller, device.port(), 0)
	peer := device.accept(t)

	require.NoError(t, controller.Refresh(context.Background()))
	players := peer.readQuery(t)

	expected := `
# HELP mtc_lines_dropped_total Total number of over-long lines discarded by the framer
# TYPE mtc_lines_dropped_total counter
mtc_lines_dropped_total 1
`
	dropped := func() bool {
		return testutil.GatherAndCompare(reg, strings.NewReader(expected), "mtc_lines_dropped_total") == nil
	}

	// Unterminated, so the framer has to discard it as a tail
	_, err := peer.conn.Write([]byte(strings.Repeat("x", 100)))
	require.NoError(t, err)
	require.Eventually(t, dropped, 3*time.Second, 10*time.Millisecond)

	peer.write(t, "xxxx")
	peer.write(t, `{"request":`+itoa(players.Request)+`,"status":"OK","results":[{"player":"P1"}]}`)
	require.Eventually(t, func() bool { return cmp.Equal(controller.Players(), []string{"P1"}) },
		3*time.Second, 10*time.Millisecond, "framing resumes after the long line")
	assert.True(t, dropped(), "the rest of the long line is skipped, not counted again")
}

// ============================================================================
// Listener Tests
// ============================================================================

// TestListenerMayCallBack tests that a listener can use the controller from
// inside a notification
func TestListenerMayCallBack(t *testing.T) {
	srv := startDevice(t, devicesim.Config{Players: []string{"A"}})

	var (
		mu      sync.Mutex
		seen    []string
		control *Controller
	)
	listener := ListenerFuncs{
		OnCatalog: func(s types.CatalogSnapshot) {
			stats, err := control.GetStatus(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			seen = append(seen, stats["state"].(string))
			mu.Unlock()
		},
	}

	control = NewController(testConfig(), WithLogger(testLogger()), WithListener(listener))
	require.NoError(t, control.Start())
	defer control.Stop()
	connectTo(t, control, srv.Port(), time.Hour)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestListenerPanicRecovered(t *testing.T) {
	srv := startDevice(t, devicesim.Config{Players: []string{"A"}})
	listener := ListenerFuncs{OnStatus: func(types.Status) { panic("boom") }}
	controller, _ := createTestController(t, testConfig(), WithListener(listener))

	connectTo(t, controller, srv.Port(), time.Hour)
	require.Eventually(t, func() bool { return cmp.Equal(controller.Players(), []string{"A"}) },
		3*time.Second, 10*time.Millisecond)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
