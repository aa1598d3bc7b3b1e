// Package adapter defines the capability interface every vendor binding
// implements. The core never talks to a vendor SDK outside this interface,
// and adapters hold no state beyond their connection handles.
package adapter

import (
	"context"
	"time"

	"frankamera/camerad/internal/device"
)

// Conn is an opaque, vendor-owned connection handle. Handles are not safe
// for concurrent use; the session layer serializes access.
type Conn interface {
	Vendor() string
}

// MoveParams describes an absolute PTZ move on one channel.
type MoveParams struct {
	Channel int `json:"channel"`
	// Pan/Tilt in tenths of a degree, Zoom in vendor units.
	Pan  int `json:"pan"`
	Tilt int `json:"tilt"`
	Zoom int `json:"zoom"`
}

// SnapshotParams selects the channel to capture a still from.
type SnapshotParams struct {
	Channel int `json:"channel"`
}

// StreamParams selects the channel and substream to start.
type StreamParams struct {
	Channel int `json:"channel"`
	// Substream 1 is the main stream, 2 the low-bandwidth substream.
	Substream int `json:"substream"`
}

// SearchParams bounds a recording search on one track.
type SearchParams struct {
	TrackID    int       `json:"track_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	MaxResults int       `json:"max_results"`
}

// Snapshot is a captured still image.
type Snapshot struct {
	ContentType string
	Data        []byte
}

// StreamHandle identifies a started stream. URL is directly playable by the
// caller (RTSP for every vendor so far).
type StreamHandle struct {
	ID      string `json:"id"`
	Channel int    `json:"channel"`
	URL     string `json:"url"`
}

// RecordingSegment is one stored-video match from a recording search.
type RecordingSegment struct {
	TrackID     int       `json:"track_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	ContentType string    `json:"content_type"`
	PlaybackURI string    `json:"playback_uri"`
	Filename    string    `json:"filename,omitempty"`
	Size        int64     `json:"size,omitempty"`
}

// Adapter is the per-vendor capability surface. Every method that can fail
// returns errors from internal/camerr, classified Transient, Permanent or
// AuthFailure; that classification is the main logic an adapter contributes
// since the retry policy depends entirely on it. Calls must honor ctx
// deadlines: the session layer bounds every call with a per-call timeout.
type Adapter interface {
	Vendor() string

	Connect(ctx context.Context, id device.Identity, cred device.Credential) (Conn, error)

	// Disconnect is idempotent and must be safe to call on an already
	// invalid handle. Failures are logged by the adapter, never returned.
	Disconnect(ctx context.Context, conn Conn)

	MoveToPosition(ctx context.Context, conn Conn, p MoveParams) error
	CapturePicture(ctx context.Context, conn Conn, p SnapshotParams) (*Snapshot, error)
	StartStream(ctx context.Context, conn Conn, p StreamParams) (*StreamHandle, error)
	StopStream(ctx context.Context, conn Conn, h *StreamHandle) error
	SearchRecordings(ctx context.Context, conn Conn, p SearchParams) ([]RecordingSegment, error)
}
