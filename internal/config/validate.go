package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/zsiec/vinylcast/internal/adts"
	"github.com/zsiec/vinylcast/internal/tap"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validSources = map[string]bool{
	SourcePortAudio: true,
	SourceMP3:       true,
	SourceTone:      true,
	SourceStdin:     true,
}

// clamp bounds *v to [lo, hi] and records an error when it had to.
func clamp(errs []error, name string, v *int, lo, hi int) []error {
	if *v < lo {
		errs = append(errs, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
		*v = lo
	} else if *v > hi {
		errs = append(errs, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
		*v = hi
	}
	return errs
}

// Validate checks the config and returns every problem found. Numeric
// values out of range are clamped so the service can still start; other
// errors are returned for the caller to treat as fatal or not.
func (c *Config) Validate() []error {
	var errs []error

	if c.StreamKey == "" || strings.ContainsAny(c.StreamKey, "/ ") {
		errs = append(errs, fmt.Errorf("stream_key %q must be non-empty without slashes or spaces", c.StreamKey))
	}

	if !validSources[c.Source.Type] {
		errs = append(errs, fmt.Errorf("source.type %q is not valid (use portaudio, mp3, tone or stdin)", c.Source.Type))
	}
	if c.Source.Type == SourceMP3 && c.Source.File == "" {
		errs = append(errs, fmt.Errorf("source.file is required for the mp3 source"))
	}
	errs = clamp(errs, "source.sample_rate", &c.Source.SampleRate, 8000, 96000)
	errs = clamp(errs, "source.channels", &c.Source.Channels, 1, 8)
	errs = clamp(errs, "source.frames_per_buffer", &c.Source.FramesPerBuffer, 64, 16384)

	errs = clamp(errs, "encoder.buffer_capacity_bytes", &c.Encoder.BufferCapacityBytes, 4096, tap.MaxCapacity)
	errs = clamp(errs, "encoder.codec_timeout_micros", &c.Encoder.CodecTimeoutMicros, 1000, 1_000_000)
	errs = clamp(errs, "encoder.target_bit_rate_bps", &c.Encoder.TargetBitRateBps, 32000, 512000)
	if c.Encoder.ADTSProfile != adts.ProfileAACLC {
		errs = append(errs, fmt.Errorf("encoder.adts_profile %d is not supported, using AAC-LC (2)", c.Encoder.ADTSProfile))
		c.Encoder.ADTSProfile = adts.ProfileAACLC
	}
	errs = clamp(errs, "encoder.adts_sample_rate_index", &c.Encoder.ADTSSampleRateIndex, 0, 12)
	errs = clamp(errs, "encoder.adts_channel_config", &c.Encoder.ADTSChannelConfig, 0, 7)

	if c.Server.Addr == "" && c.Server.HTTP3Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr or server.http3_addr is required"))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.cert_file and server.key_file must be set together"))
	}
	errs = clamp(errs, "server.tap_capacity_bytes", &c.Server.TapCapacityBytes, 4096, tap.MaxCapacity)

	if c.Visualizer.Enabled {
		errs = clamp(errs, "visualizer.window_size", &c.Visualizer.WindowSize, 32, 8192)
		errs = clamp(errs, "visualizer.bins", &c.Visualizer.Bins, 1, c.Visualizer.WindowSize/2)
	}

	if c.Log.Level != "" && !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level %q is not valid (use debug, info, warn, error)", c.Log.Level))
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not valid (use text or json)", c.Log.Format))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}
