// Package config loads vinylcast settings from an optional YAML file,
// a .env file and VINYLCAST_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable. Nested keys join with
// underscores: encoder.target_bit_rate_bps is
// VINYLCAST_ENCODER_TARGET_BIT_RATE_BPS.
const EnvPrefix = "VINYLCAST"

// Source types.
const (
	SourcePortAudio = "portaudio"
	SourceMP3       = "mp3"
	SourceTone      = "tone"
	SourceStdin     = "stdin"
)

type Config struct {
	StreamKey  string           `mapstructure:"stream_key" yaml:"stream_key"`
	Source     SourceConfig     `mapstructure:"source" yaml:"source"`
	Encoder    EncoderConfig    `mapstructure:"encoder" yaml:"encoder"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	SRT        SRTConfig        `mapstructure:"srt" yaml:"srt"`
	Visualizer VisualizerConfig `mapstructure:"visualizer" yaml:"visualizer"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// SourceConfig selects and configures the capture source.
type SourceConfig struct {
	Type            string  `mapstructure:"type" yaml:"type"`
	Device          string  `mapstructure:"device" yaml:"device"`
	File            string  `mapstructure:"file" yaml:"file"`
	Loop            bool    `mapstructure:"loop" yaml:"loop"`
	SampleRate      int     `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels        int     `mapstructure:"channels" yaml:"channels"`
	FramesPerBuffer int     `mapstructure:"frames_per_buffer" yaml:"frames_per_buffer"`
	ToneFrequency   float64 `mapstructure:"tone_frequency" yaml:"tone_frequency"`
}

// EncoderConfig configures AAC encoding. ADTS overrides of zero are
// derived from the capture format.
type EncoderConfig struct {
	Enabled             bool   `mapstructure:"enabled" yaml:"enabled"`
	FFmpegPath          string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	BufferCapacityBytes int    `mapstructure:"buffer_capacity_bytes" yaml:"buffer_capacity_bytes"`
	CodecTimeoutMicros  int    `mapstructure:"codec_timeout_micros" yaml:"codec_timeout_micros"`
	TargetBitRateBps    int    `mapstructure:"target_bit_rate_bps" yaml:"target_bit_rate_bps"`
	ADTSProfile         int    `mapstructure:"adts_profile" yaml:"adts_profile"`
	ADTSSampleRateIndex int    `mapstructure:"adts_sample_rate_index" yaml:"adts_sample_rate_index"`
	ADTSChannelConfig   int    `mapstructure:"adts_channel_config" yaml:"adts_channel_config"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	HTTP3Addr string `mapstructure:"http3_addr" yaml:"http3_addr"`
	CertFile  string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile   string `mapstructure:"key_file" yaml:"key_file"`
	// Hosts are added to a generated certificate.
	Hosts            []string `mapstructure:"hosts" yaml:"hosts"`
	TapCapacityBytes int      `mapstructure:"tap_capacity_bytes" yaml:"tap_capacity_bytes"`
}

type SRTConfig struct {
	// ListenAddr enables the SRT listener when set.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

type VisualizerConfig struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	WindowSize int  `mapstructure:"window_size" yaml:"window_size"`
	Bins       int  `mapstructure:"bins" yaml:"bins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func Default() *Config {
	return &Config{
		StreamKey: "vinyl",
		Source: SourceConfig{
			Type:            SourcePortAudio,
			SampleRate:      44100,
			Channels:        2,
			FramesPerBuffer: 1024,
			ToneFrequency:   440,
		},
		Encoder: EncoderConfig{
			Enabled:             true,
			FFmpegPath:          "ffmpeg",
			BufferCapacityBytes: 256 << 10,
			CodecTimeoutMicros:  10000,
			TargetBitRateBps:    192000,
			ADTSProfile:         2,
		},
		Server: ServerConfig{
			Addr:             ":8080",
			TapCapacityBytes: 64 << 10,
		},
		Visualizer: VisualizerConfig{
			Enabled:    true,
			WindowSize: 256,
			Bins:       16,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration. cfgFile may be empty, in which case
// vinylcast.yaml is looked up in the working directory and
// /etc/vinylcast; a missing file is not an error. envFiles are loaded
// with godotenv first (".env" when none are given); missing env files are
// skipped and variables already set in the environment win.
func Load(cfgFile string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("vinylcast")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vinylcast")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("stream_key", d.StreamKey)

	v.SetDefault("source.type", d.Source.Type)
	v.SetDefault("source.device", d.Source.Device)
	v.SetDefault("source.file", d.Source.File)
	v.SetDefault("source.loop", d.Source.Loop)
	v.SetDefault("source.sample_rate", d.Source.SampleRate)
	v.SetDefault("source.channels", d.Source.Channels)
	v.SetDefault("source.frames_per_buffer", d.Source.FramesPerBuffer)
	v.SetDefault("source.tone_frequency", d.Source.ToneFrequency)

	v.SetDefault("encoder.enabled", d.Encoder.Enabled)
	v.SetDefault("encoder.ffmpeg_path", d.Encoder.FFmpegPath)
	v.SetDefault("encoder.buffer_capacity_bytes", d.Encoder.BufferCapacityBytes)
	v.SetDefault("encoder.codec_timeout_micros", d.Encoder.CodecTimeoutMicros)
	v.SetDefault("encoder.target_bit_rate_bps", d.Encoder.TargetBitRateBps)
	v.SetDefault("encoder.adts_profile", d.Encoder.ADTSProfile)
	v.SetDefault("encoder.adts_sample_rate_index", d.Encoder.ADTSSampleRateIndex)
	v.SetDefault("encoder.adts_channel_config", d.Encoder.ADTSChannelConfig)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.http3_addr", d.Server.HTTP3Addr)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.hosts", d.Server.Hosts)
	v.SetDefault("server.tap_capacity_bytes", d.Server.TapCapacityBytes)

	v.SetDefault("srt.listen_addr", d.SRT.ListenAddr)

	v.SetDefault("visualizer.enabled", d.Visualizer.Enabled)
	v.SetDefault("visualizer.window_size", d.Visualizer.WindowSize)
	v.SetDefault("visualizer.bins", d.Visualizer.Bins)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
