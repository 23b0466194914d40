package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/badgerloop-software/sc2-driver-io/internal/channel"
	"github.com/badgerloop-software/sc2-driver-io/internal/config"
	"github.com/badgerloop-software/sc2-driver-io/internal/gps"
	"github.com/badgerloop-software/sc2-driver-io/internal/metrics"
	"github.com/badgerloop-software/sc2-driver-io/internal/telemetry"
)

type fixture struct {
	srv   *Server
	http  *httptest.Server
	store *telemetry.Store
	gate  *telemetry.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	f := &fixture{
		store: telemetry.NewStore(),
		gate:  telemetry.NewGate([]telemetry.Interlock{{Name: "door", Nominal: false}}, log),
	}
	f.srv = New(Deps{
		Config:   config.DefaultConfig(),
		Store:    f.store,
		Gate:     f.gate,
		Hub:      NewHub("dashboard", log, m),
		Odometer: gps.NewOdometer(""),
		Registry: reg,
		Web:      fstest.MapFS{"index.html": {Data: []byte("<html>driverio</html>")}},
	}, log)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestSnapshotAndFieldEndpoints(t *testing.T) {
	f := newFixture(t)
	snap := telemetry.Default()
	snap.Speed = 42
	f.store.Publish(snap)

	resp, err := http.Get(f.http.URL + "/api/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got telemetry.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 42.0, got.Speed)

	resp2, err := http.Get(f.http.URL + "/api/field/speed")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var field map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&field))
	assert.Equal(t, 42.0, field["value"])

	resp3, err := http.Get(f.http.URL + "/api/field/warp_drive")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestRestartEndpointFollowsGate(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/api/restart", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.gate.Evaluate(telemetry.FlagMap{"door": false})
	resp, err = http.Post(f.http.URL+"/api/restart", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.gate.Pending())

	resp, err = http.Get(f.http.URL + "/api/restart")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebsocketStreamsFramesAndStatus(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var statuses []channel.Status
	f.srv.Hub().OnStatus(func(s channel.Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	conn := f.dial(t)
	first := readJSON(t, conn)
	require.NotNil(t, first.Snapshot)
	require.NotNil(t, first.Odo)
	require.Eventually(t, func() bool { return f.srv.Hub().Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.srv.Hub().Send(context.Background(), []byte{0xde, 0xad}, time.Now()))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{0xde, 0xad}, data)

	conn.Close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.srv.Hub().Clients())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []channel.Status{
		{Channel: "dashboard", Connected: true},
		{Channel: "dashboard", Connected: false},
	}, statuses)
}

func TestWebsocketRestartCommand(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "restart"}))
	msg := readJSON(t, conn)
	require.NotNil(t, msg.Restart)
	assert.False(t, msg.Restart.Accepted)
	assert.Contains(t, msg.Restart.Error, "not permitted")
}

func TestPushLoopSendsOnChange(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	readJSON(t, conn)
	require.Eventually(t, func() bool { return f.srv.Hub().Clients() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.pushLoop(ctx, 10*time.Millisecond)

	snap := telemetry.Default()
	snap.Soc = 88
	f.store.Publish(snap)

	msg := readJSON(t, conn)
	require.NotNil(t, msg.Snapshot)
	assert.Equal(t, 88.0, msg.Snapshot.Soc)
}

func TestConfigWebAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/api/config")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"interlocks"`)

	resp, err = http.Post(f.http.URL+"/api/config", "application/json", strings.NewReader(`{"recorder":{"intervalMs":250}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "driverio")

	resp, err = http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "driverio_dashboard_clients")
}

func TestOdometerEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/api/odo")
	require.NoError(t, err)
	var r gps.Reading
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	resp.Body.Close()
	assert.Zero(t, r.Trip)

	resp, err = http.Post(f.http.URL+"/api/odo/reset-trip", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
