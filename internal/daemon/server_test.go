package daemon_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/MarkusPolo/consoled/internal/api"
	"github.com/MarkusPolo/consoled/internal/config"
	"github.com/MarkusPolo/consoled/internal/console"
	"github.com/MarkusPolo/consoled/internal/daemon"
	"github.com/MarkusPolo/consoled/internal/db"
	"github.com/MarkusPolo/consoled/internal/engine"
	"github.com/MarkusPolo/consoled/internal/model"
	"github.com/MarkusPolo/consoled/internal/scheduler"
	"github.com/MarkusPolo/consoled/internal/serial"
	"github.com/MarkusPolo/consoled/internal/testutil"
)

type testServer struct {
	addr  string
	store *db.Store
	mgr   *serial.Manager
	ctx   context.Context
}

func startServer(t *testing.T, respond func(string) string) *testServer {
	t.Helper()
	store, ctx := testutil.NewStore(t)

	cfg := config.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PortCount = 4
	cfg.PortPathTemplate = "/dev/ttyFAKE%d"
	cfg.CaptureIdle = 150 * time.Millisecond
	cfg.CaptureTimeout = 3 * time.Second
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.DetachGrace = 100 * time.Millisecond

	opener := testutil.NewFakeOpener(respond)
	mgr := serial.NewManager(opener, cfg.StreamBuffer)
	t.Cleanup(mgr.CloseAll)
	registry := serial.NewRegistry(cfg.PortCount, cfg.DefaultBaud, cfg.ProbeTimeout, cfg.PortPath, opener, mgr)
	hub := console.NewHub(mgr, console.Options{
		CaptureIdle:    cfg.CaptureIdle,
		CaptureTimeout: cfg.CaptureTimeout,
		DetachGrace:    cfg.DetachGrace,
		StreamBuffer:   cfg.StreamBuffer,
	}, nil)
	eng := engine.New(mgr, engine.Options{
		SettleDelay:    cfg.SettleDelay,
		CaptureIdle:    cfg.CaptureIdle,
		CaptureTimeout: cfg.CaptureTimeout,
	}, nil)
	resolve := func(_ context.Context, port string) (string, int, error) {
		return "/dev/ttyFAKE-" + port, 9600, nil
	}
	sched := scheduler.New(store, eng, resolve, scheduler.Options{MaxConcurrency: 2}, nil)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(shutdownCtx)
	})

	srv := daemon.NewServer(cfg, store, registry, hub, sched, nil)
	srvCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(srvCtx) //nolint:errcheck

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	return &testServer{addr: srv.Addr(), store: store, mgr: mgr, ctx: ctx}
}

func (ts *testServer) url(path string) string {
	return "http://" + ts.addr + path
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestHealthEndpoint(t *testing.T) {
	ts := startServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, ts.url("/v1/health"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health api.HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "v1", health.SchemaVersion)
}

func TestPortsEndpoint(t *testing.T) {
	ts := startServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, ts.url("/v1/ports"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env api.PortsEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	require.Len(t, env.Ports, 4)
	require.Equal(t, 1, env.Ports[0].ID)
	require.Equal(t, "/dev/ttyFAKE1", env.Ports[0].Path)
	require.Equal(t, 9600, env.Ports[0].Baud)
	// the fake paths do not exist on disk
	require.False(t, env.Ports[0].Connected)
}

func TestSettingsValidation(t *testing.T) {
	ts := startServer(t, nil)

	resp, _ := doJSON(t, http.MethodPut, ts.url("/v1/settings/port_baud_rates"),
		api.PutSettingRequest{Value: map[string]any{"99": 9600}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, ts.url("/v1/settings/port_baud_rates"),
		api.PutSettingRequest{Value: map[string]any{"2": 115200}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, ts.url("/v1/settings/port_baud_rates"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var env api.SettingEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	require.JSONEq(t, `{"2":115200}`, string(env.Setting.Value))
}

func TestTemplateEndpointValidation(t *testing.T) {
	ts := startServer(t, nil)

	// placeholder not declared in the schema
	resp, body := doJSON(t, http.MethodPost, ts.url("/v1/templates"), api.TemplateRequest{
		Name:  "bad",
		Steps: []model.Step{{Type: model.StepCommand, Content: "hostname {{ hostname }}"}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "hostname")

	good := api.TemplateRequest{
		Name:  "good",
		Steps: []model.Step{{Type: model.StepCommand, Content: "hostname {{ hostname }}"}},
		ConfigSchema: model.ConfigSchema{
			Properties: map[string]model.SchemaProperty{"hostname": {Type: "string"}},
			Required:   []string{"hostname"},
		},
	}
	resp, body = doJSON(t, http.MethodPost, ts.url("/v1/templates"), good)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var env api.TemplateEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	require.NotZero(t, env.Template.ID)

	// duplicate name
	resp, _ = doJSON(t, http.MethodPost, ts.url("/v1/templates"), good)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// a schema property no step references is flagged, not rejected
	resp, body = doJSON(t, http.MethodPost, ts.url("/v1/templates"), api.TemplateRequest{
		Name:  "dead-var",
		Steps: []model.Step{{Type: model.StepCommand, Content: "hostname {{ hostname }}"}},
		ConfigSchema: model.ConfigSchema{
			Properties: map[string]model.SchemaProperty{
				"hostname": {Type: "string"},
				"location": {Type: "string"},
			},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var deadEnv api.TemplateEnvelope
	require.NoError(t, json.Unmarshal(body, &deadEnv))
	require.Len(t, deadEnv.Warnings, 1)
	require.Contains(t, deadEnv.Warnings[0], "location")

	resp, _ = doJSON(t, http.MethodGet, ts.url(fmt.Sprintf("/v1/templates/%d", env.Template.ID)), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, ts.url(fmt.Sprintf("/v1/templates/%d", env.Template.ID)), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestJobEndpointLifecycle(t *testing.T) {
	ts := startServer(t, func(string) string { return "#" })
	tpl := testutil.SeedTemplate(t, ts.store, ts.ctx, "baseline")

	// missing required variable fails fast with per-port details
	resp, body := doJSON(t, http.MethodPost, ts.url("/v1/jobs"), api.CreateJobRequest{
		TemplateID: &tpl.ID,
		Targets:    []api.JobTargetRequest{{Port: "1"}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, model.ErrCodeValidation, errResp.Error.Code)
	require.Contains(t, string(body), `"1":["hostname"]`)

	resp, body = doJSON(t, http.MethodPost, ts.url("/v1/jobs"), api.CreateJobRequest{
		TemplateID: &tpl.ID,
		Targets: []api.JobTargetRequest{
			{Port: "1", Variables: map[string]string{"hostname": "sw1"}},
			{Port: "2", Variables: map[string]string{"hostname": "sw2"}},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var jobEnv api.JobEnvelope
	require.NoError(t, json.Unmarshal(body, &jobEnv))
	jobID := jobEnv.Job.ID

	require.Eventually(t, func() bool {
		resp, body := doJSON(t, http.MethodGet, ts.url("/v1/jobs/"+jobID), nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var env api.JobEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return false
		}
		return env.Job.Status == model.StatusCompleted
	}, 10*time.Second, 100*time.Millisecond)

	// CSV export: header plus one row per target
	resp, body = doJSON(t, http.MethodGet, ts.url("/v1/jobs/"+jobID+"/export"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "port", rows[0][0])
	require.Equal(t, "completed", rows[1][1])

	// a finished job can no longer be aborted
	resp, _ = doJSON(t, http.MethodPost, ts.url("/v1/jobs/"+jobID+"/abort"), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.url("/v1/jobs/no-such-job"), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialConsole(t *testing.T, ts *testServer, port string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ts.addr+"/v1/console/"+port, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// nextJSONEvent skips binary data frames and returns the next control event.
func nextJSONEvent(t *testing.T, ws *websocket.Conn) api.ConsoleEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		msgType, data, err := ws.ReadMessage()
		require.NoError(t, err)
		if msgType != websocket.TextMessage {
			continue
		}
		var ev api.ConsoleEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}
}

func TestConsoleWebsocketRecording(t *testing.T) {
	ts := startServer(t, nil)
	ws := dialConsole(t, ts, "1")

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("show ve\x7fr\r")))
	ev := nextJSONEvent(t, ws)
	require.Equal(t, "recorded_command", ev.Type)
	require.Equal(t, "show vr", ev.Command)
}

func TestConsoleWebsocketCapture(t *testing.T) {
	ts := startServer(t, func(line string) string {
		if line == "show vlan brief" {
			return "42 engineering active\r\nsw1#"
		}
		return ""
	})
	ws := dialConsole(t, ts, "1")

	require.NoError(t, ws.WriteJSON(api.ConsoleControl{Type: "capture", Command: "show vlan brief"}))
	ev := nextJSONEvent(t, ws)
	require.Equal(t, "capture_result", ev.Type)
	require.Contains(t, ev.Output, "42 engineering active")
}

func TestConsoleWebsocketSetBackspace(t *testing.T) {
	ts := startServer(t, nil)
	ws := dialConsole(t, ts, "1")

	// terminal frontends put the literal BS byte in the sequence field
	require.NoError(t, ws.WriteJSON(api.ConsoleControl{Type: "set_backspace", Sequence: "\x08"}))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("show vve\x08r\r")))
	ev := nextJSONEvent(t, ws)
	require.Equal(t, "recorded_command", ev.Type)
	require.Equal(t, "show vvr", ev.Command)

	// mnemonic spelling switches back to DEL
	require.NoError(t, ws.WriteJSON(api.ConsoleControl{Type: "set_backspace", Sequence: "del"}))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("ab\x7fc\r")))
	ev = nextJSONEvent(t, ws)
	require.Equal(t, "recorded_command", ev.Type)
	require.Equal(t, "ac", ev.Command)
}

func TestConsoleWebsocketBadControl(t *testing.T) {
	ts := startServer(t, nil)
	ws := dialConsole(t, ts, "1")

	require.NoError(t, ws.WriteJSON(api.ConsoleControl{Type: "set_backspace", Sequence: "tab"}))
	ev := nextJSONEvent(t, ws)
	require.Equal(t, "error", ev.Type)
	require.Contains(t, ev.Message, "backspace")
}

func TestConsoleWebsocketPortBusy(t *testing.T) {
	ts := startServer(t, nil)

	// a job engine (or anything else) already holds the port
	held, err := ts.mgr.Open("/dev/ttyFAKE1", 9600)
	require.NoError(t, err)
	defer ts.mgr.Release(held)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ts.addr+"/v1/console/1", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, "Port busy", closeErr.Text)
}

func TestConsoleWebsocketSharedPort(t *testing.T) {
	ts := startServer(t, nil)

	a := dialConsole(t, ts, "1")
	b := dialConsole(t, ts, "1")

	// output typed on one socket is visible on the other
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte("show clock\r")))
	ev := nextJSONEvent(t, a)
	require.Equal(t, "recorded_command", ev.Type)

	// both sockets stayed open on the same port
	require.NoError(t, b.WriteMessage(websocket.BinaryMessage, []byte("en\r")))
	ev = nextJSONEvent(t, b)
	require.Equal(t, "recorded_command", ev.Type)
	require.Equal(t, "en", ev.Command)

	require.True(t, strings.HasPrefix(ev.Command, "en"))
}
