// srt-pull connects to a vinylcast SRT listener as a receiver and checks the
// stream it gets: ADTS frames are counted and validated, PCM is measured
// against the expected byte rate. The stream can be saved with --out.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/vinylcast/internal/adts"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	streamFlag := flag.String("stream", "aac/vinyl", "SRT stream ID (aac/<key> or pcm/<key>)")
	outFlag := flag.String("out", "", "write the received stream to this file")
	durationFlag := flag.Duration("duration", 10*time.Second, "how long to receive")
	flag.Parse()

	cfg := srt.DefaultConfig()
	cfg.StreamID = *streamFlag

	fmt.Printf("[%s] Connecting to SRT %s...\n", *streamFlag, *addrFlag)
	conn, err := srt.Dial(*addrFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SRT connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	var sink io.Writer = io.Discard
	if *outFlag != "" {
		f, err := os.Create(*outFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		sink = f
	}

	time.AfterFunc(*durationFlag, func() { conn.Close() })
	start := time.Now()

	var st summary
	if strings.HasPrefix(*streamFlag, "pcm/") {
		st, err = receivePCM(io.TeeReader(conn, sink))
	} else {
		st, err = receiveADTS(io.TeeReader(conn, sink))
	}
	elapsed := time.Since(start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[%s] stream error: %v\n", *streamFlag, err)
	}
	fmt.Printf("[%s] %s in %s (%.1f kbps)\n", *streamFlag, st, elapsed.Truncate(time.Millisecond),
		float64(st.bytes)*8/1000/elapsed.Seconds())
}

type summary struct {
	bytes      int64
	frames     int64
	skipped    int64
	sampleRate int
	channels   int
}

func (s summary) String() string {
	if s.frames == 0 {
		return fmt.Sprintf("%d bytes", s.bytes)
	}
	return fmt.Sprintf("%d ADTS frames, %d bytes, %d Hz, %d ch, %d bytes resynced",
		s.frames, s.bytes, s.sampleRate, s.channels, s.skipped)
}

// receiveADTS reads whole ADTS frames until the connection ends.
func receiveADTS(r io.Reader) (summary, error) {
	var st summary
	fr := adts.NewReader(r)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			st.skipped = fr.Skipped()
			if errors.Is(err, io.EOF) || isClosed(err) {
				return st, nil
			}
			return st, err
		}
		st.frames++
		st.bytes += int64(len(frame))
		if parsed, err := adts.ParseADTS(frame); err == nil && len(parsed) == 1 {
			st.sampleRate, st.channels = parsed[0].SampleRate, parsed[0].Channels
		}
	}
}

func receivePCM(r io.Reader) (summary, error) {
	n, err := io.Copy(io.Discard, r)
	st := summary{bytes: n}
	if isClosed(err) {
		err = nil
	}
	return st, err
}

func isClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "closed")
}
