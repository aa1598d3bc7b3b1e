// Package hikvision binds Hikvision DVR/NVR devices over ISAPI
// (XML-over-HTTP). Connection handles wrap an authenticated HTTP client
// pinned to one device; the shared transport is owned by the adapter and
// bracketed by the SDK guard via SDKInit/SDKCleanup.
package hikvision

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"frankamera/camerad/internal/adapter"
	"frankamera/camerad/internal/camerr"
	"frankamera/camerad/internal/device"
)

// Tag is the vendor tag this adapter registers under.
const Tag = "hikvision"

type Options struct {
	Scheme    string // "http" (default) or "https"
	RTSPPort  uint16
	UserAgent string
	// MaxResponseBytes bounds snapshot and search response bodies.
	MaxResponseBytes int64
}

type Adapter struct {
	log  zerolog.Logger
	opts Options

	mu        sync.Mutex
	transport *http.Transport
}

func New(log zerolog.Logger, opts Options) *Adapter {
	if strings.TrimSpace(opts.Scheme) == "" {
		opts.Scheme = "http"
	}
	if opts.RTSPPort == 0 {
		opts.RTSPPort = 554
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "camerad"
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 16 << 20
	}
	return &Adapter{log: log.With().Str("vendor", Tag).Logger(), opts: opts}
}

func (a *Adapter) Vendor() string { return Tag }

// SDKInit builds the shared HTTP transport. Called only through the SDK
// guard on the 0->1 transition.
func (a *Adapter) SDKInit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transport != nil {
		return nil
	}
	a.transport = &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	a.log.Debug().Msg("isapi transport initialized")
	return nil
}

// SDKCleanup tears the shared transport down. Called only through the SDK
// guard on the 1->0 transition.
func (a *Adapter) SDKCleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transport == nil {
		return
	}
	a.transport.CloseIdleConnections()
	a.transport = nil
	a.log.Debug().Msg("isapi transport released")
}

type conn struct {
	id     device.Identity
	base   string
	user   string
	secret string
	client *http.Client
	closed bool
}

func (c *conn) Vendor() string { return Tag }

func (a *Adapter) Connect(ctx context.Context, id device.Identity, cred device.Credential) (adapter.Conn, error) {
	a.mu.Lock()
	tr := a.transport
	a.mu.Unlock()
	if tr == nil {
		return nil, &camerr.ConnectError{Device: id, Class: camerr.Permanent, Err: errors.New("adapter not initialized")}
	}

	c := &conn{
		id:     id,
		base:   fmt.Sprintf("%s://%s:%d", a.opts.Scheme, id.Address, id.Port),
		user:   cred.Username,
		secret: cred.Secret,
		client: &http.Client{Transport: tr},
	}

	// Login probe: a device that answers its deviceInfo endpoint has
	// accepted the credential and is ready for commands.
	body, err := a.get(ctx, c, "/ISAPI/System/deviceInfo")
	if err != nil {
		return nil, asConnectError(id, err)
	}

	var info deviceInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		return nil, &camerr.ConnectError{Device: id, Class: camerr.Permanent, Err: fmt.Errorf("invalid deviceInfo response: %w", err)}
	}

	a.log.Info().
		Str("device", id.String()).
		Str("model", info.Model).
		Str("firmware", info.FirmwareVersion).
		Msg("connected")

	return c, nil
}

func (a *Adapter) Disconnect(ctx context.Context, ac adapter.Conn) {
	c, ok := ac.(*conn)
	if !ok || c == nil || c.closed {
		a.log.Debug().Msg("disconnect on invalid handle ignored")
		return
	}
	c.closed = true
	a.log.Info().Str("device", c.id.String()).Msg("disconnected")
}

func (a *Adapter) MoveToPosition(ctx context.Context, ac adapter.Conn, p adapter.MoveParams) error {
	c, err := a.live(ac)
	if err != nil {
		return err
	}
	ch := channelOrDefault(p.Channel)

	payload, err := xml.Marshal(ptzData{
		XMLVersion: isapiVersion,
		AbsoluteHigh: absoluteHigh{
			Elevation:    p.Tilt,
			Azimuth:      p.Pan,
			AbsoluteZoom: p.Zoom,
		},
	})
	if err != nil {
		return &camerr.OperationError{Device: c.id, Op: "move", Class: camerr.Permanent, Err: err}
	}

	path := fmt.Sprintf("/ISAPI/PTZCtrl/channels/%d/absolute", ch)
	body, err := a.put(ctx, c, path, payload)
	if err != nil {
		return asOperationError(c.id, "move", err)
	}
	if err := checkResponseStatus(body); err != nil {
		return &camerr.OperationError{Device: c.id, Op: "move", Class: camerr.Permanent, Err: err}
	}
	return nil
}

func (a *Adapter) CapturePicture(ctx context.Context, ac adapter.Conn, p adapter.SnapshotParams) (*adapter.Snapshot, error) {
	c, err := a.live(ac)
	if err != nil {
		return nil, err
	}
	ch := channelOrDefault(p.Channel)

	path := fmt.Sprintf("/ISAPI/Streaming/channels/%d01/picture", ch)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &camerr.OperationError{Device: c.id, Op: "snapshot", Class: camerr.Permanent, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, asOperationError(c.id, "snapshot", transportError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, asOperationError(c.id, "snapshot", statusError(resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, a.opts.MaxResponseBytes))
	if err != nil {
		return nil, asOperationError(c.id, "snapshot", transportError(err))
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/jpeg"
	}
	return &adapter.Snapshot{ContentType: ct, Data: data}, nil
}

func (a *Adapter) StartStream(ctx context.Context, ac adapter.Conn, p adapter.StreamParams) (*adapter.StreamHandle, error) {
	c, err := a.live(ac)
	if err != nil {
		return nil, err
	}
	ch := channelOrDefault(p.Channel)
	sub := p.Substream
	if sub <= 0 {
		sub = 1
	}
	streamID := ch*100 + sub

	// Verify the streaming channel exists before handing out an RTSP URL.
	path := fmt.Sprintf("/ISAPI/Streaming/channels/%d", streamID)
	if _, err := a.get(ctx, c, path); err != nil {
		return nil, asOperationError(c.id, "stream_start", err)
	}

	return &adapter.StreamHandle{
		ID:      uuid.NewString(),
		Channel: ch,
		URL:     fmt.Sprintf("rtsp://%s:%d/Streaming/Channels/%d", c.id.Address, a.opts.RTSPPort, streamID),
	}, nil
}

func (a *Adapter) StopStream(ctx context.Context, ac adapter.Conn, h *adapter.StreamHandle) error {
	c, err := a.live(ac)
	if err != nil {
		return err
	}
	// RTSP streams are pull-based; the device stops serving when the client
	// disconnects. Stopping only invalidates the handle on our side.
	if h != nil {
		a.log.Debug().Str("device", c.id.String()).Str("stream", h.ID).Msg("stream handle released")
	}
	return nil
}

func (a *Adapter) SearchRecordings(ctx context.Context, ac adapter.Conn, p adapter.SearchParams) ([]adapter.RecordingSegment, error) {
	c, err := a.live(ac)
	if err != nil {
		return nil, err
	}
	if !p.End.After(p.Start) {
		return nil, &camerr.OperationError{
			Device: c.id, Op: "recording_search", Class: camerr.Permanent,
			Err: fmt.Errorf("invalid range: start %s is not before end %s", p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339)),
		}
	}
	maxResults := p.MaxResults
	if maxResults <= 0 {
		maxResults = 50
	}
	track := p.TrackID
	if track <= 0 {
		track = 101
	}

	payload, err := xml.Marshal(searchDescription{
		XMLVersion: isapiVersion,
		SearchID:   uuid.NewString(),
		TrackList:  trackList{TrackIDs: []int{track}},
		TimeSpanList: timeSpanList{Spans: []timeSpan{{
			Start: p.Start.UTC().Format(isapiTimeLayout),
			End:   p.End.UTC().Format(isapiTimeLayout),
		}}},
		MaxResults:     maxResults,
		SearchPosition: 0,
		MetadataList:   metadataList{Descriptors: []string{"//recordType.meta.std-cgi.com"}},
	})
	if err != nil {
		return nil, &camerr.OperationError{Device: c.id, Op: "recording_search", Class: camerr.Permanent, Err: err}
	}

	body, err := a.post(ctx, c, "/ISAPI/ContentMgmt/search", payload)
	if err != nil {
		return nil, asOperationError(c.id, "recording_search", err)
	}

	segments, err := parseSearchResult(body)
	if err != nil {
		return nil, &camerr.OperationError{Device: c.id, Op: "recording_search", Class: camerr.Permanent, Err: err}
	}
	return segments, nil
}

func (a *Adapter) live(ac adapter.Conn) (*conn, error) {
	c, ok := ac.(*conn)
	if !ok || c == nil {
		return nil, &camerr.OperationError{Op: "call", Class: camerr.Permanent, Err: errors.New("foreign connection handle")}
	}
	if c.closed {
		return nil, &camerr.OperationError{Device: c.id, Op: "call", Class: camerr.Transient, Err: errors.New("connection handle is closed")}
	}
	return c, nil
}

func (c *conn) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.user, c.secret)
	if body != nil {
		req.Header.Set("Content-Type", `application/xml; charset="UTF-8"`)
	}
	return req, nil
}

func (a *Adapter) get(ctx context.Context, c *conn, path string) ([]byte, error) {
	return a.roundTrip(ctx, c, http.MethodGet, path, nil)
}

func (a *Adapter) put(ctx context.Context, c *conn, path string, body []byte) ([]byte, error) {
	return a.roundTrip(ctx, c, http.MethodPut, path, body)
}

func (a *Adapter) post(ctx context.Context, c *conn, path string, body []byte) ([]byte, error) {
	return a.roundTrip(ctx, c, http.MethodPost, path, body)
}

func (a *Adapter) roundTrip(ctx context.Context, c *conn, method, path string, body []byte) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, statusClassified(camerr.Permanent, err)
	}
	req.Header.Set("User-Agent", a.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, a.opts.MaxResponseBytes))
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode)
	}
	return data, nil
}

func channelOrDefault(ch int) int {
	if ch <= 0 {
		return 1
	}
	return ch
}
