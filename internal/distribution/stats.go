package distribution

import "github.com/zsiec/vinylcast/internal/media"

// BroadcasterStats is a point-in-time summary of one Broadcaster.
type BroadcasterStats struct {
	Name       string            `json:"name"`
	Format     media.AudioFormat `json:"format"`
	Frames     int64             `json:"frames"`
	Bytes      int64             `json:"bytes"`
	IdleFrames int64             `json:"idleFrames"`
	Evictions  int64             `json:"evictions"`
	TapCount   int               `json:"tapCount"`
	Stopped    bool              `json:"stopped"`
	UptimeMs   int64             `json:"uptimeMs"`
}

// TapStats captures per-consumer delivery metrics.
type TapStats struct {
	ID         string `json:"id"`
	Capacity   int    `json:"capacity"`
	Buffered   int    `json:"buffered"`
	FramesSent int64  `json:"framesSent"`
	BytesSent  int64  `json:"bytesSent"`
	AgeMs      int64  `json:"ageMs"`
}

// EncoderStats mirrors the encoder session counters for the stats API.
type EncoderStats struct {
	Codec          string  `json:"codec"`
	State          string  `json:"state"`
	BytesSubmitted int64   `json:"bytesSubmitted"`
	BytesEmitted   int64   `json:"bytesEmitted"`
	AccessUnits    int64   `json:"accessUnits"`
	InputExhausted bool    `json:"inputExhausted"`
	Ratio          float64 `json:"ratio"`
}

// StreamSnapshot aggregates capture, encoder and fan-out metrics for one
// stream into a single JSON payload.
type StreamSnapshot struct {
	Timestamp     int64             `json:"ts"`
	Key           string            `json:"key"`
	UptimeMs      int64             `json:"uptimeMs"`
	Source        string            `json:"source"`
	Format        media.AudioFormat `json:"format"`
	CaptureFrames int64             `json:"captureFrames"`
	CaptureBytes  int64             `json:"captureBytes"`
	CaptureKbps   float64           `json:"captureKbps"`
	Raw           BroadcasterStats  `json:"raw"`
	Encoded       *BroadcasterStats `json:"encoded,omitempty"`
	Encoder       *EncoderStats     `json:"encoder,omitempty"`
	RawTaps       []TapStats        `json:"rawTaps,omitempty"`
	EncodedTaps   []TapStats        `json:"encodedTaps,omitempty"`
}
