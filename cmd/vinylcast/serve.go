package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vinylcast/internal/aacenc"
	"github.com/zsiec/vinylcast/internal/capture"
	"github.com/zsiec/vinylcast/internal/certs"
	"github.com/zsiec/vinylcast/internal/config"
	"github.com/zsiec/vinylcast/internal/distribution"
	srtegress "github.com/zsiec/vinylcast/internal/egress/srt"
	"github.com/zsiec/vinylcast/internal/media"
	"github.com/zsiec/vinylcast/internal/pipeline"
	"github.com/zsiec/vinylcast/internal/session"
	"github.com/zsiec/vinylcast/internal/visualizer"
)

// drainTimeout bounds the graceful encoder drain on shutdown.
const drainTimeout = 5 * time.Second

func setupLogging(lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if lc.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func buildSource(sc config.SourceConfig, log *slog.Logger) (capture.Source, error) {
	switch sc.Type {
	case config.SourcePortAudio:
		return capture.NewPortAudio(capture.PortAudioConfig{
			Device:          sc.Device,
			SampleRate:      sc.SampleRate,
			Channels:        sc.Channels,
			FramesPerBuffer: sc.FramesPerBuffer,
			Logger:          log,
		}), nil
	case config.SourceMP3:
		return capture.OpenMP3(capture.MP3Config{
			Path:            sc.File,
			Loop:            sc.Loop,
			FramesPerBuffer: sc.FramesPerBuffer,
			Logger:          log,
		})
	case config.SourceTone:
		return capture.NewTone(capture.ToneConfig{
			SampleRate:      sc.SampleRate,
			Channels:        sc.Channels,
			Frequency:       sc.ToneFrequency,
			FramesPerBuffer: sc.FramesPerBuffer,
		}), nil
	case config.SourceStdin:
		return capture.NewPCMReader(os.Stdin, capture.PCMReaderConfig{
			Name:            "stdin",
			Format:          media.PCM(sc.SampleRate, sc.Channels),
			FramesPerBuffer: sc.FramesPerBuffer,
		}), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}

func pipelineConfig(cfg *config.Config, log *slog.Logger) pipeline.Config {
	ec := cfg.Encoder
	return pipeline.Config{
		Encode: ec.Enabled,
		NewCodec: func() aacenc.Codec {
			return aacenc.NewFFmpegCodec(aacenc.FFmpegOptions{Path: ec.FFmpegPath, Logger: log})
		},
		Encoder: aacenc.Config{
			BitRate:         ec.TargetBitRateBps,
			Profile:         ec.ADTSProfile,
			SampleRateIndex: ec.ADTSSampleRateIndex,
			ChannelConfig:   ec.ADTSChannelConfig,
			CodecTimeout:    time.Duration(ec.CodecTimeoutMicros) * time.Microsecond,
			Logger:          log,
		},
		EncoderInputCapacity: ec.BufferCapacityBytes,
		Logger:               log,
	}
}

type app struct {
	log    *slog.Logger
	mgr    *session.Manager
	caller *srtegress.Caller
	srv    *distribution.Server
}

func (a *app) lookup(key string) (srtegress.TapSource, bool) {
	s, ok := a.mgr.Get(key)
	if !ok {
		return nil, false
	}
	return s.Pipeline, true
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	log := setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := buildSource(cfg.Source, log)
	if err != nil {
		return err
	}

	a := &app{log: log, mgr: session.NewManager(log)}
	a.caller = srtegress.NewCaller(srtegress.StreamsFunc(a.lookup), log)

	var cert *certs.CertInfo
	if cfg.Server.HTTP3Addr != "" {
		cert, err = certs.LoadOrGenerate(cfg.Server.CertFile, cfg.Server.KeyFile, cfg.Server.Hosts...)
		if err != nil {
			return fmt.Errorf("certificate: %w", err)
		}
		log.Info("certificate ready",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
	}

	a.srv, err = distribution.NewServer(distribution.ServerConfig{
		Addr:        cfg.Server.Addr,
		HTTP3Addr:   cfg.Server.HTTP3Addr,
		Cert:        cert,
		TapCapacity: cfg.Server.TapCapacityBytes,
		SRTPush: func(req distribution.SRTPushRequest) error {
			return a.caller.Push(ctx, req)
		},
		SRTStop: a.caller.Stop,
		SRTList: a.caller.ActivePushes,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	// The pipeline gets its own context so shutdown can drain the encoder
	// before the listeners go away.
	pctx, pcancel := context.WithCancel(context.Background())
	defer pcancel()

	p := pipeline.New(cfg.StreamKey, src, pipelineConfig(cfg, log))
	sess, ok := a.mgr.Create(cfg.StreamKey, p)
	if !ok {
		return fmt.Errorf("stream key %q already in use", cfg.StreamKey)
	}
	defer a.mgr.Remove(sess.Key)

	var viz *visualizer.Visualizer
	var vizTap *distribution.Tap
	if cfg.Visualizer.Enabled {
		vizTap, err = p.RawTap(cfg.Server.TapCapacityBytes)
		if err != nil {
			return err
		}
		viz = visualizer.New(p.Format(), visualizer.Config{
			WindowSize: cfg.Visualizer.WindowSize,
			Bins:       cfg.Visualizer.Bins,
			Logger:     log,
		})
	}

	if err := p.Start(pctx); err != nil {
		if vizTap != nil {
			vizTap.Close()
		}
		return fmt.Errorf("start pipeline: %w", err)
	}

	a.srv.RegisterStream(cfg.StreamKey, p)
	if viz != nil {
		a.srv.SetLevels(cfg.StreamKey, viz)
	}

	log.Info("vinylcast starting",
		"version", version,
		"stream", cfg.StreamKey,
		"source", src.Name(),
		"format", p.Format().String(),
		"http", cfg.Server.Addr,
		"http3", cfg.Server.HTTP3Addr,
		"srt", cfg.SRT.ListenAddr,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(gctx)
	})

	if cfg.SRT.ListenAddr != "" {
		srtSrv := srtegress.NewServer(cfg.SRT.ListenAddr, srtegress.StreamsFunc(a.lookup), log)
		g.Go(func() error {
			return srtSrv.Start(gctx)
		})
	}

	if viz != nil {
		g.Go(func() error {
			return viz.Run(gctx, vizTap)
		})
	}

	g.Go(func() error {
		select {
		case <-p.Done():
			if err := p.Wait(); err != nil {
				return fmt.Errorf("pipeline: %w", err)
			}
			log.Info("capture ended")
			return errPipelineEnded
		case <-gctx.Done():
		}

		log.Info("shutting down, draining encoder")
		p.Stop()
		select {
		case <-p.Done():
		case <-time.After(drainTimeout):
			log.Warn("encoder drain timed out")
			pcancel()
			<-p.Done()
		}
		a.caller.StopAll()
		a.srv.UnregisterStream(cfg.StreamKey)
		return nil
	})

	err = g.Wait()
	a.caller.StopAll()
	if errors.Is(err, errPipelineEnded) {
		return nil
	}
	return err
}

// errPipelineEnded stops the servers once the source has run out.
var errPipelineEnded = errors.New("pipeline ended")
