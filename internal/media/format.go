// Package media defines the audio format descriptors that flow through the
// vinylcast pipeline, from capture through encoding and distribution.
package media

import (
	"errors"
	"fmt"
)

// BitsPerSample is fixed: every capture source delivers signed 16-bit
// little-endian interleaved PCM.
const BitsPerSample = 16

// DefaultTapCapacity is the per-consumer buffer used when a consumer does
// not ask for a specific size. At 44.1 kHz stereo it holds ~370ms of PCM.
const DefaultTapCapacity = 64 << 10

// Content types served for each encoding.
const (
	ContentTypeAAC = "audio/aac"
	ContentTypeL16 = "audio/L16"
	ContentTypeWAV = "audio/wav"
)

// ErrInvalidFormat is returned by AudioFormat.Validate.
var ErrInvalidFormat = errors.New("media: invalid audio format")

// Encoding identifies the byte layout of a stream.
type Encoding int

const (
	EncodingRawPCM Encoding = iota
	EncodingAACADTS
)

func (e Encoding) String() string {
	switch e {
	case EncodingRawPCM:
		return "pcm_s16le"
	case EncodingAACADTS:
		return "aac_adts"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// ContentType returns the MIME type for a stream of this encoding.
func (e Encoding) ContentType() string {
	if e == EncodingAACADTS {
		return ContentTypeAAC
	}
	return ContentTypeL16
}

// MarshalText renders the encoding by name in JSON snapshots.
func (e Encoding) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (e *Encoding) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pcm_s16le":
		*e = EncodingRawPCM
	case "aac_adts":
		*e = EncodingAACADTS
	default:
		return fmt.Errorf("%w: unknown encoding %q", ErrInvalidFormat, b)
	}
	return nil
}

// AudioFormat describes a stream. For raw PCM BitRate is derived from the
// other fields; for AAC it is the encoder's target rate.
type AudioFormat struct {
	SampleRate int      `json:"sampleRate"`
	Channels   int      `json:"channels"`
	BitRate    int      `json:"bitRate"`
	Encoding   Encoding `json:"encoding"`
}

// PCM returns the raw s16le format for the given rate and channel count.
func PCM(sampleRate, channels int) AudioFormat {
	return AudioFormat{
		SampleRate: sampleRate,
		Channels:   channels,
		BitRate:    sampleRate * channels * BitsPerSample,
		Encoding:   EncodingRawPCM,
	}
}

// FrameSize is the size in bytes of one PCM frame (one sample per channel).
func (f AudioFormat) FrameSize() int {
	return f.Channels * BitsPerSample / 8
}

// BytesPerSecond is the raw PCM byte rate.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// PCMBitRate is the uncompressed bit rate for this rate and channel count,
// regardless of the encoding.
func (f AudioFormat) PCMBitRate() int {
	return f.SampleRate * f.Channels * BitsPerSample
}

// Validate checks that the format describes a usable stream.
func (f AudioFormat) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	case f.Channels <= 0 || f.Channels > 8:
		return fmt.Errorf("%w: %d channels", ErrInvalidFormat, f.Channels)
	case f.BitRate < 0:
		return fmt.Errorf("%w: bit rate %d", ErrInvalidFormat, f.BitRate)
	}
	return nil
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%s %dHz %dch %dbps", f.Encoding, f.SampleRate, f.Channels, f.BitRate)
}
