// Package httpapi is the HTTP surface for camerad: camera commands,
// inventory listing, probing and the usual health and metrics endpoints.
// Command errors map onto status codes by their class, so callers can
// distinguish a wrong password from a camera that is briefly unreachable.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"frankamera/camerad/internal/adapter"
	"frankamera/camerad/internal/camerr"
	"frankamera/camerad/internal/config"
	"frankamera/camerad/internal/device"
	"frankamera/camerad/internal/dispatch"
	"frankamera/camerad/internal/journal"
	"frankamera/camerad/internal/metrics"
	"frankamera/camerad/internal/probe"
	"frankamera/camerad/internal/registry"
)

// Dispatcher is the slice of the command dispatcher the handlers need.
type Dispatcher interface {
	Submit(ctx context.Context, cmd dispatch.Command) (*dispatch.Result, error)
}

// Prober is optional; nil disables the probe endpoint's active lookups.
type Prober interface {
	Probe(ctx context.Context, addr string) probe.Report
}

type Handler struct {
	log     zerolog.Logger
	cfg     *config.Config
	disp    Dispatcher
	reg     *registry.Registry
	metrics *metrics.Metrics
	journal *journal.Journal
	prober  Prober
}

func NewHandler(log zerolog.Logger, cfg *config.Config, disp Dispatcher, reg *registry.Registry, m *metrics.Metrics, j *journal.Journal, p Prober) *Handler {
	return &Handler{log: log, cfg: cfg, disp: disp, reg: reg, metrics: m, journal: j, prober: p}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", h.handleListDevices)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", h.handleGetDevice)
					r.Get("/probe", h.handleProbe)
					r.Post("/ptz", h.handleMove)
					r.Post("/snapshot", h.handleSnapshot)
					r.Post("/stream/start", h.handleStreamStart)
					r.Post("/stream/stop", h.handleStreamStop)
					r.Post("/recordings/search", h.handleRecordingSearch)
				})
			})

			r.Get("/journal", h.handleJournal)
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			// Use the route pattern so metric cardinality stays bounded.
			path = rc.RoutePattern()
		}
		h.metrics.ObserveHTTPRequest(r.Method, path, ww.Status(), elapsed)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

// decodeBody is decodeJSONStrict that also accepts an empty body, leaving
// dst at its defaults. Command bodies are optional on most endpoints.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeJSONStrict(r, dst)
}

// writeCommandError maps the command error taxonomy onto HTTP statuses:
// auth failures are the caller's credential problem, permanent errors mean
// the device rejected the request, transient and exhausted errors mean the
// gateway could not reach the device in time.
func (h *Handler) writeCommandError(w http.ResponseWriter, err error) {
	details := map[string]any{"error": err.Error()}
	if id, ok := camerr.IdentityOf(err); ok {
		details["device"] = id.String()
	}

	if errors.Is(err, dispatch.ErrUnknownDevice) {
		h.writeError(w, http.StatusNotFound, "unknown_device", "no such device configured", details)
		return
	}
	if errors.Is(err, registry.ErrShutdown) {
		h.writeError(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down", details)
		return
	}

	class, ok := camerr.ClassOf(err)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "command_failed", "command failed", details)
		return
	}
	switch class {
	case camerr.AuthFailure:
		h.writeError(w, http.StatusUnauthorized, "device_auth_failed", "device rejected the configured credentials", details)
	case camerr.Permanent:
		h.writeError(w, http.StatusBadGateway, "device_rejected", "device rejected the command", details)
	default:
		h.writeError(w, http.StatusGatewayTimeout, "device_unreachable", "device did not respond in time", details)
	}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	// The journal is optional; readiness only checks it when configured.
	if err := h.journal.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "journal_unavailable", "journal database not ready", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// deviceView joins the static inventory entry with live session state.
type deviceView struct {
	Name     string `json:"name"`
	Vendor   string `json:"vendor"`
	Address  string `json:"address"`
	Port     uint16 `json:"port"`
	Channel  int    `json:"channel"`
	Identity string `json:"identity"`

	State        string     `json:"state"`
	Pending      int        `json:"pending,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

func (h *Handler) deviceView(d config.DeviceConfig, live map[device.Identity]registry.DeviceStatus) deviceView {
	id := d.Identity()
	v := deviceView{
		Name:     d.Name,
		Vendor:   d.Vendor,
		Address:  d.Address,
		Port:     d.Port,
		Channel:  d.Channel,
		Identity: id.String(),
		State:    "inactive",
	}
	if st, ok := live[id]; ok {
		v.State = st.State
		v.Pending = st.Pending
		la := st.LastActivity
		v.LastActivity = &la
	}
	return v
}

func (h *Handler) liveSessions() map[device.Identity]registry.DeviceStatus {
	snap := h.reg.Snapshot()
	out := make(map[device.Identity]registry.DeviceStatus, len(snap))
	for _, st := range snap {
		out[st.Identity] = st
	}
	return out
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	live := h.liveSessions()
	resp := make([]deviceView, 0, len(h.cfg.Devices))
	for _, d := range h.cfg.Devices {
		resp = append(resp, h.deviceView(d, live))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := h.cfg.Device(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown_device", "no such device configured", map[string]any{"name": name})
		return
	}
	h.writeJSON(w, http.StatusOK, h.deviceView(d, h.liveSessions()))
}

func (h *Handler) handleProbe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := h.cfg.Device(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown_device", "no such device configured", map[string]any{"name": name})
		return
	}

	var rep probe.Report
	if h.prober != nil {
		rep = h.prober.Probe(r.Context(), d.Address)
	} else {
		rep = probe.Report{Address: d.Address}
	}

	// The configured name always competes as a candidate.
	rep.Candidates = append(rep.Candidates, probe.NameCandidate{Name: d.Name, Source: "inventory"})
	if best, ok := probe.ChooseBestDisplayName(rep.Candidates); ok {
		rep.DisplayName = best
	}

	h.writeJSON(w, http.StatusOK, rep)
}

type moveRequest struct {
	Channel int `json:"channel,omitempty"`
	Pan     int `json:"pan"`
	Tilt    int `json:"tilt"`
	Zoom    int `json:"zoom"`
}

type commandResponse struct {
	CommandID string `json:"command_id"`
	Attempts  int    `json:"attempts"`
	Retries   int    `json:"retries,omitempty"`
}

// resolveCommand turns a device name into a command skeleton with the
// identity filled in, or writes a 404 and reports false.
func (h *Handler) resolveCommand(w http.ResponseWriter, r *http.Request) (config.DeviceConfig, bool) {
	name := chi.URLParam(r, "name")
	d, ok := h.cfg.Device(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown_device", "no such device configured", map[string]any{"name": name})
		return config.DeviceConfig{}, false
	}
	return d, true
}

func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request) {
	d, ok := h.resolveCommand(w, r)
	if !ok {
		return
	}
	req := moveRequest{Channel: d.Channel}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	res, err := h.disp.Submit(r.Context(), dispatch.Command{
		Identity: d.Identity(),
		Kind:     dispatch.KindMove,
		Move:     adapter.MoveParams{Channel: req.Channel, Pan: req.Pan, Tilt: req.Tilt, Zoom: req.Zoom},
	})
	if err != nil {
		h.writeCommandError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, commandResponse{CommandID: res.CommandID, Attempts: res.Attempts, Retries: res.Retries})
}

type snapshotRequest struct {
	Channel int `json:"channel,omitempty"`
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	d, ok := h.resolveCommand(w, r)
	if !ok {
		return
	}
	req := snapshotRequest{Channel: d.Channel}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	res, err := h.disp.Submit(r.Context(), dispatch.Command{
		Identity: d.Identity(),
		Kind:     dispatch.KindSnapshot,
		Snapshot: adapter.SnapshotParams{Channel: req.Channel},
	})
	if err != nil {
		h.writeCommandError(w, err)
		return
	}

	contentType := res.Snapshot.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Command-Id", res.CommandID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Snapshot.Data)
}

type streamStartRequest struct {
	Channel   int `json:"channel,omitempty"`
	Substream int `json:"substream,omitempty"`
}

type streamStartResponse struct {
	commandResponse
	Stream *adapter.StreamHandle `json:"stream"`
}

func (h *Handler) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	d, ok := h.resolveCommand(w, r)
	if !ok {
		return
	}
	req := streamStartRequest{Channel: d.Channel, Substream: 1}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	res, err := h.disp.Submit(r.Context(), dispatch.Command{
		Identity: d.Identity(),
		Kind:     dispatch.KindStreamStart,
		Stream:   adapter.StreamParams{Channel: req.Channel, Substream: req.Substream},
	})
	if err != nil {
		h.writeCommandError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, streamStartResponse{
		commandResponse: commandResponse{CommandID: res.CommandID, Attempts: res.Attempts, Retries: res.Retries},
		Stream:          res.Stream,
	})
}

func (h *Handler) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	d, ok := h.resolveCommand(w, r)
	if !ok {
		return
	}
	var handle adapter.StreamHandle
	if err := decodeJSONStrict(r, &handle); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if handle.ID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "stream id is required", nil)
		return
	}

	res, err := h.disp.Submit(r.Context(), dispatch.Command{
		Identity:   d.Identity(),
		Kind:       dispatch.KindStreamStop,
		StopHandle: &handle,
	})
	if err != nil {
		h.writeCommandError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, commandResponse{CommandID: res.CommandID, Attempts: res.Attempts, Retries: res.Retries})
}

type searchRequest struct {
	TrackID    int       `json:"track_id,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	MaxResults int       `json:"max_results,omitempty"`
}

type searchResponse struct {
	commandResponse
	Segments []adapter.RecordingSegment `json:"segments"`
}

func (h *Handler) handleRecordingSearch(w http.ResponseWriter, r *http.Request) {
	d, ok := h.resolveCommand(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if req.Start.IsZero() || req.End.IsZero() {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "start and end are required", nil)
		return
	}

	res, err := h.disp.Submit(r.Context(), dispatch.Command{
		Identity: d.Identity(),
		Kind:     dispatch.KindRecordingSearch,
		Search:   adapter.SearchParams{TrackID: req.TrackID, Start: req.Start, End: req.End, MaxResults: req.MaxResults},
	})
	if err != nil {
		h.writeCommandError(w, err)
		return
	}

	segments := res.Segments
	if segments == nil {
		segments = []adapter.RecordingSegment{}
	}
	h.writeJSON(w, http.StatusOK, searchResponse{
		commandResponse: commandResponse{CommandID: res.CommandID, Attempts: res.Attempts, Retries: res.Retries},
		Segments:        segments,
	})
}

func (h *Handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeError(w, http.StatusServiceUnavailable, "journal_unavailable", "journal database not configured", nil)
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > 1000 {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "limit must be between 1 and 1000", nil)
			return
		}
		limit = n
	}

	entries, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("journal query failed")
		h.writeError(w, http.StatusInternalServerError, "journal_error", "failed to read journal", nil)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}
