package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"frankamera/camerad/internal/adapter"
	"frankamera/camerad/internal/camerr"
	"frankamera/camerad/internal/config"
	"frankamera/camerad/internal/device"
	"frankamera/camerad/internal/dispatch"
	"frankamera/camerad/internal/metrics"
	"frankamera/camerad/internal/probe"
	"frankamera/camerad/internal/registry"
	"frankamera/camerad/internal/sdkguard"
)

type fakeDispatcher struct {
	lastCmd  dispatch.Command
	submitFn func(ctx context.Context, cmd dispatch.Command) (*dispatch.Result, error)
}

func (f *fakeDispatcher) Submit(ctx context.Context, cmd dispatch.Command) (*dispatch.Result, error) {
	f.lastCmd = cmd
	if f.submitFn != nil {
		return f.submitFn(ctx, cmd)
	}
	return &dispatch.Result{CommandID: "cmd-1", Attempts: 1}, nil
}

type fakeProber struct {
	report probe.Report
}

func (f *fakeProber) Probe(ctx context.Context, addr string) probe.Report {
	rep := f.report
	rep.Address = addr
	return rep
}

const testConfigYAML = `
devices:
  - name: lobby
    vendor: hikvision
    address: 192.168.1.64
    username: admin
    password: hunter2
  - name: parking
    vendor: hikvision
    address: 192.168.1.65
    username: admin
    password: hunter2
    channel: 2
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "camerad.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func newTestHandler(t *testing.T, disp Dispatcher, p Prober) (*Handler, http.Handler) {
	t.Helper()
	guard := sdkguard.New(func() error { return nil }, func() {})
	reg := registry.New(zerolog.Nop(), map[string]adapter.Adapter{}, guard, nil, registry.Options{})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	h := NewHandler(zerolog.Nop(), testConfig(t), disp, reg, metrics.New(), nil, p)
	return h, h.Router()
}

func doRequest(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	_, router := newTestHandler(t, &fakeDispatcher{}, nil)
	rr := doRequest(router, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReadyz_NoJournalConfigured(t *testing.T) {
	_, router := newTestHandler(t, &fakeDispatcher{}, nil)
	rr := doRequest(router, http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 without a journal, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := newTestHandler(t, &fakeDispatcher{}, nil)

	// Drive one request through the access log so a counter exists.
	doRequest(router, http.MethodGet, "/healthz", nil)

	rr := doRequest(router, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "camerad_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestListDevices(t *testing.T) {
	_, router := newTestHandler(t, &fakeDispatcher{}, nil)
	rr := doRequest(router, http.MethodGet, "/api/v1/devices", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var views []deviceView
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(views))
	}
	if views[0].Name != "lobby" || views[0].State != "inactive" {
		t.Fatalf("unexpected first view %+v", views[0])
	}
	if views[0].Channel != 1 || views[1].Channel != 2 {
		t.Fatalf("expected channel defaults 1/2, got %d/%d", views[0].Channel, views[1].Channel)
	}
}

func TestGetDevice_Unknown(t *testing.T) {
	_, router := newTestHandler(t, &fakeDispatcher{}, nil)
	rr := doRequest(router, http.MethodGet, "/api/v1/devices/attic", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMove_DefaultsChannelFromInventory(t *testing.T) {
	disp := &fakeDispatcher{}
	_, router := newTestHandler(t, disp, nil)

	rr := doRequest(router, http.MethodPost, "/api/v1/devices/parking/ptz", map[string]any{"pan": 900, "tilt": -50, "zoom": 10})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if disp.lastCmd.Kind != dispatch.KindMove {
		t.Fatalf("expected move command, got %q", disp.lastCmd.Kind)
	}
	if disp.lastCmd.Move.Channel != 2 {
		t.Fatalf("expected inventory channel 2, got %d", disp.lastCmd.Move.Channel)
	}
	if disp.lastCmd.Move.Pan != 900 || disp.lastCmd.Move.Tilt != -50 {
		t.Fatalf("unexpected move params %+v", disp.lastCmd.Move)
	}
	want := device.Identity{Address: "192.168.1.65", Port: 80, Vendor: "hikvision"}
	if disp.lastCmd.Identity != want {
		t.Fatalf("expected identity %v, got %v", want, disp.lastCmd.Identity)
	}

	var resp commandResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.CommandID != "cmd-1" {
		t.Fatalf("expected command id in response, got %+v", resp)
	}
}

func TestMove_InvalidBody(t *testing.T) {
	_, router := newTestHandler(t, &fakeDispatcher{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/lobby/ptz", strings.NewReader(`{"pan": "sideways"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSnapshot_WritesImageBody(t *testing.T) {
	disp := &fakeDispatcher{submitFn: func(ctx context.Context, cmd dispatch.Command) (*dispatch.Result, error) {
		return &dispatch.Result{
			CommandID: "cmd-7",
			Attempts:  1,
			Snapshot:  &adapter.Snapshot{ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}},
		}, nil
	}}
	_, router := newTestHandler(t, disp, nil)

	rr := doRequest(router, http.MethodPost, "/api/v1/devices/lobby/snapshot", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %q", ct)
	}
	if rr.Header().Get("X-Command-Id") != "cmd-7" {
		t.Fatalf("expected command id header")
	}
	if rr.Body.Len() != 3 {
		t.Fatalf("expected 3 image bytes, got %d", rr.Body.Len())
	}
	if disp.lastCmd.Snapshot.Channel != 1 {
		t.Fatalf("expected default channel 1, got %d", disp.lastCmd.Snapshot.Channel)
	}
}

func TestCommandErrorMapping(t *testing.T) {
	id := device.Identity{Address: "192.168.1.64", Port: 80, Vendor: "hikvision"}
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			"auth failure",
			&camerr.ConnectError{Device: id, Class: camerr.AuthFailure, Err: errors.New("bad password")},
			http.StatusUnauthorized, "device_auth_failed",
		},
		{
			"permanent rejection",
			&camerr.OperationError{Device: id, Op: "move", Class: camerr.Permanent, Err: errors.New("position out of range")},
			http.StatusBadGateway, "device_rejected",
		},
		{
			"transient",
			&camerr.ConnectError{Device: id, Class: camerr.Transient, Err: errors.New("connection refused")},
			http.StatusGatewayTimeout, "device_unreachable",
		},
		{
			"exhausted retries",
			&camerr.ExhaustedError{Device: id, Attempts: 4, Err: &camerr.ConnectError{Device: id, Class: camerr.Transient, Err: errors.New("no route")}},
			http.StatusGatewayTimeout, "device_unreachable",
		},
		{
			"unknown device credential",
			&camerr.ConnectError{Device: id, Class: camerr.Permanent, Err: dispatch.ErrUnknownDevice},
			http.StatusNotFound, "unknown_device",
		},
		{
			"shutdown",
			registry.ErrShutdown,
			http.StatusServiceUnavailable, "shutting_down",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			disp := &fakeDispatcher{submitFn: func(ctx context.Context, cmd dispatch.Command) (*dispatch.Result, error) {
				return &dispatch.Result{CommandID: "x", Attempts: 1}, tc.err
			}}
			_, router := newTestHandler(t, disp, nil)

			rr := doRequest(router, http.MethodPost, "/api/v1/devices/lobby/ptz", map[string]any{"pan": 0, "tilt": 0, "zoom": 0})
			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tc.wantCode) {
				t.Fatalf("expected error code %q in body %s", tc.wantCode, rr.Body.String())
			}
		})
	}
}

func TestStreamStartAndStop(t *testing.T) {
	disp := &fakeDispatcher{submitFn: func(ctx context.Context, cmd dispatch.Command) (*dispatch.Result, error) {
		if cmd.Kind == dispatch.KindStreamStart {
			return &dispatch.Result{
				CommandID: "cmd-2",
				Attempts:  1,
				Stream:    &adapter.StreamHandle{ID: "s1", Channel: cmd.Stream.Channel, URL: "rtsp://192.168.1.64:554/Streaming/Channels/101"},
			}, nil
		}
		return &dispatch.Result{CommandID: "cmd-3", Attempts: 1}, nil
	}}
	_, router := newTestHandler(t, disp, nil)

	rr := doRequest(router, http.MethodPost, "/api/v1/devices/lobby/stream/start", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var started streamStartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &started); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if started.Stream == nil || !strings.HasPrefix(started.Stream.URL, "rtsp://") {
		t.Fatalf("expected playable rtsp url, got %+v", started.Stream)
	}
	if disp.lastCmd.Stream.Substream != 1 {
		t.Fatalf("expected default substream 1, got %d", disp.lastCmd.Stream.Substream)
	}

	rr = doRequest(router, http.MethodPost, "/api/v1/devices/lobby/stream/stop", started.Stream)
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if disp.lastCmd.Kind != dispatch.KindStreamStop || disp.lastCmd.StopHandle == nil || disp.lastCmd.StopHandle.ID != "s1" {
		t.Fatalf("unexpected stop command %+v", disp.lastCmd)
	}
}

func TestStreamStop_RequiresID(t *testing.T) {
	_, router := newTestHandler(t, &fakeDispatcher{}, nil)
	rr := doRequest(router, http.MethodPost, "/api/v1/devices/lobby/stream/stop", map[string]any{"channel": 1, "url": "rtsp://x"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestRecordingSearch(t *testing.T) {
	disp := &fakeDispatcher{submitFn: func(ctx context.Context, cmd dispatch.Command) (*dispatch.Result, error) {
		return &dispatch.Result{
			CommandID: "cmd-4",
			Attempts:  1,
			Segments: []adapter.RecordingSegment{
				{TrackID: 101, PlaybackURI: "rtsp://192.168.1.64/Streaming/tracks/101?starttime=20260801T120000Z", Filename: "ch01_0001", Size: 1048576},
			},
		}, nil
	}}
	_, router := newTestHandler(t, disp, nil)

	rr := doRequest(router, http.MethodPost, "/api/v1/devices/lobby/recordings/search", map[string]any{
		"start": "2026-08-01T12:00:00Z",
		"end":   "2026-08-01T13:00:00Z",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp searchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Segments) != 1 || resp.Segments[0].Filename != "ch01_0001" {
		t.Fatalf("unexpected segments %+v", resp.Segments)
	}
}

func TestRecordingSearch_RequiresTimeRange(t *testing.T) {
	_, router := newTestHandler(t, &fakeDispatcher{}, nil)
	rr := doRequest(router, http.MethodPost, "/api/v1/devices/lobby/recordings/search", map[string]any{"track_id": 101})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestJournal_NotConfigured(t *testing.T) {
	_, router := newTestHandler(t, &fakeDispatcher{}, nil)
	rr := doRequest(router, http.MethodGet, "/api/v1/journal", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without journal, got %d", rr.Code)
	}
}

func TestProbe_MergesInventoryCandidate(t *testing.T) {
	p := &fakeProber{report: probe.Report{
		Candidates: []probe.NameCandidate{{Name: "cam-64.site.example", Source: "reverse_dns"}},
		SysName:    "cam-64",
	}}
	_, router := newTestHandler(t, &fakeDispatcher{}, p)

	rr := doRequest(router, http.MethodGet, "/api/v1/devices/lobby/probe", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var rep probe.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.Address != "192.168.1.64" {
		t.Fatalf("expected probed address, got %q", rep.Address)
	}
	// The configured name outranks the reverse DNS candidate.
	if rep.DisplayName != "lobby" {
		t.Fatalf("expected display name lobby, got %q", rep.DisplayName)
	}
	if len(rep.Candidates) != 2 {
		t.Fatalf("expected merged candidates, got %+v", rep.Candidates)
	}
}
