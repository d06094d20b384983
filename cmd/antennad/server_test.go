package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/antenna_control/arbiter"
	"github.com/w1xm/antenna_control/internal/logging"
	"github.com/w1xm/antenna_control/internal/timeutil"
	"github.com/w1xm/antenna_control/metrics"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"github.com/w1xm/antenna_control/rotator/rotatortest"
	"github.com/w1xm/antenna_control/safety"
	"github.com/w1xm/antenna_control/telemetry"
)

type fixture struct {
	srv  *httptest.Server
	link *rotatortest.Link
	hub  *telemetry.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	limits := position.DefaultLimits()
	link := rotatortest.New()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	monitor := safety.NewMonitor(limits, safety.DefaultThresholds(), clock, logging.Discard())
	arb := arbiter.New(link, monitor, arbiter.Config{Limits: limits, Park: position.Position{Elevation: 90}}, clock, logging.Discard(), m)
	hub := telemetry.NewHub()
	srv := httptest.NewServer(NewServer(arb, hub, logging.Discard(), m).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, link: link, hub: hub}
}

func (f *fixture) post(t *testing.T, path, body string) (int, Result) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var res Result
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	}
	return resp.StatusCode, res
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.hub.Publish(&telemetry.Snapshot{Sequence: 7, PositionValid: true, Position: position.Position{Azimuth: 12, Elevation: 34}})

	resp, err := http.Get(f.srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got telemetry.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, 12.0, got.Position.Azimuth)
	assert.Equal(t, 34.0, got.Position.Elevation)
}

func TestMove(t *testing.T) {
	f := newFixture(t)
	code, res := f.post(t, "/api/move", `{"azimuth": 180, "elevation": 45}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "move", res.Command)
	assert.NotEmpty(t, res.ID)
	require.NotNil(t, res.Target)
	assert.Equal(t, 180.0, res.Target.Azimuth)
	assert.Equal(t, []rotatortest.Call{{Op: "move", Target: position.Position{Azimuth: 180, Elevation: 45}}}, f.link.Calls())
}

func TestMoveRejections(t *testing.T) {
	f := newFixture(t)

	code, res := f.post(t, "/api/move", `{"azimuth": 10, "elevation": 120}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "out of limits", res.Reason)

	code, _ = f.post(t, "/api/move", `{"azimuth": `)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Empty(t, f.link.Calls())

	code, res = f.post(t, "/api/estop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, safety.EmergencyStop, res.State.Level)

	code, res = f.post(t, "/api/move", `{"azimuth": 10, "elevation": 10}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "safety interlock", res.Reason)
	assert.Equal(t, safety.ReasonManual, res.State.Reason)

	code, res = f.post(t, "/api/reset", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, safety.Nominal, res.State.Level)

	f.link.SetError("move", rotator.NewError(rotator.IOError, "move", nil))
	code, res = f.post(t, "/api/park", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "link unavailable", res.Reason)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/api/stop")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Empty(t, f.link.Calls())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/api/stop", "")
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusSocket(t *testing.T) {
	f := newFixture(t)
	f.hub.Publish(&telemetry.Snapshot{Sequence: 1})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg message
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Status)
	assert.Equal(t, uint64(1), msg.Status.Sequence)

	f.hub.Publish(&telemetry.Snapshot{Sequence: 2})
	msg = message{}
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Status)
	assert.Equal(t, uint64(2), msg.Status.Sequence)

	require.NoError(t, conn.WriteJSON(Command{Command: "move", Azimuth: 90, Elevation: 30}))
	msg = message{}
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Result)
	assert.Equal(t, "move", msg.Result.Command)
	assert.Empty(t, msg.Result.Error)

	require.NoError(t, conn.WriteJSON(Command{Command: "spin"}))
	msg = message{}
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Result)
	assert.Equal(t, "unknown command", msg.Result.Error)

	assert.Equal(t, []string{"move"}, f.link.Ops())
}
