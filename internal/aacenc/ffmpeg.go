package aacenc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vinylcast/internal/adts"
)

// FFmpeg defaults.
const (
	DefaultFFmpegPath     = "ffmpeg"
	DefaultFFmpegSlots    = 4
	DefaultFFmpegSlotSize = 4096
)

// ErrCodecReleased is returned by FFmpegCodec calls made after Release.
var ErrCodecReleased = errors.New("aacenc: codec released")

// FFmpegOptions configures an FFmpegCodec.
type FFmpegOptions struct {
	// Path is the ffmpeg binary, looked up on PATH when not absolute.
	Path string
	// Slots is the number of input and of output slots.
	Slots int
	// SlotSize is the byte size of each input slot.
	SlotSize int
	Logger   *slog.Logger
}

type queuedInput struct {
	slot int
	n    int
	eos  bool
}

// FFmpegCodec is a Codec backed by an ffmpeg subprocess reading s16le PCM
// on stdin and writing ADTS on stdout. The ADTS headers ffmpeg produces are
// stripped so output slots carry bare access units, like a hardware codec.
type FFmpegCodec struct {
	log      *slog.Logger
	path     string
	slots    int
	slotSize int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	inBufs    [][]byte
	freeIn    chan int
	pendingIn chan queuedInput
	eosQueued bool

	outBufs  [][]byte
	outInfo  []BufferInfo
	freeOut  chan int
	readyOut chan int

	fatal     chan struct{}
	fatalOnce sync.Once
	fatalErr  error

	done        chan struct{}
	releaseOnce sync.Once
	configured  atomic.Bool
	wg          sync.WaitGroup
}

// NewFFmpegCodec returns an unconfigured FFmpegCodec.
func NewFFmpegCodec(opts FFmpegOptions) *FFmpegCodec {
	if opts.Path == "" {
		opts.Path = DefaultFFmpegPath
	}
	if opts.Slots <= 0 {
		opts.Slots = DefaultFFmpegSlots
	}
	if opts.SlotSize <= 0 {
		opts.SlotSize = DefaultFFmpegSlotSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &FFmpegCodec{
		log:      log.With("component", "ffmpeg-codec"),
		path:     opts.Path,
		slots:    opts.Slots,
		slotSize: opts.SlotSize,
		fatal:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *FFmpegCodec) Name() string { return "ffmpeg" }

// Configure starts the ffmpeg process.
func (c *FFmpegCodec) Configure(cfg CodecConfig) error {
	if c.configured.Load() {
		return errors.New("already configured")
	}
	if cfg.Profile != adts.ProfileAACLC {
		return fmt.Errorf("ffmpeg codec supports AAC-LC only, got profile %d", cfg.Profile)
	}
	path, err := exec.LookPath(c.path)
	if err != nil {
		return fmt.Errorf("locate %s: %w", c.path, err)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-i", "pipe:0",

		"-c:a", "aac",
		"-profile:a", "aac_low",
		"-b:a", strconv.Itoa(cfg.BitRate),

		"-f", "adts",
		"pipe:1",
	}
	cmd := exec.Command(path, args...)
	cmd.Stderr = &c.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	c.cmd = cmd
	c.stdin = stdin

	c.inBufs = make([][]byte, c.slots)
	c.outBufs = make([][]byte, c.slots)
	c.outInfo = make([]BufferInfo, c.slots)
	c.freeIn = make(chan int, c.slots)
	c.pendingIn = make(chan queuedInput, c.slots)
	c.freeOut = make(chan int, c.slots)
	c.readyOut = make(chan int, c.slots)
	for i := 0; i < c.slots; i++ {
		c.inBufs[i] = make([]byte, c.slotSize)
		c.outBufs[i] = make([]byte, 0, adts.MaxPayload)
		c.freeIn <- i
		c.freeOut <- i
	}
	c.configured.Store(true)

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop(stdout)

	c.log.Info("ffmpeg started", "pid", cmd.Process.Pid, "args", args)
	return nil
}

func (c *FFmpegCodec) fail(err error) {
	c.fatalOnce.Do(func() {
		c.fatalErr = err
		close(c.fatal)
	})
}

func (c *FFmpegCodec) err() error {
	select {
	case <-c.fatal:
		return c.fatalErr
	default:
		return ErrCodecReleased
	}
}

// writeLoop feeds queued input slots to ffmpeg's stdin in order.
func (c *FFmpegCodec) writeLoop() {
	defer c.wg.Done()
	broken := false
	for {
		select {
		case q := <-c.pendingIn:
			if q.n > 0 && !broken {
				if _, err := c.stdin.Write(c.inBufs[q.slot][:q.n]); err != nil {
					c.fail(fmt.Errorf("write ffmpeg stdin: %w", err))
					broken = true
				}
			}
			c.freeIn <- q.slot
			if q.eos {
				c.stdin.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop splits ffmpeg's ADTS output into access units and publishes
// them on output slots, ending with an end-of-stream buffer.
func (c *FFmpegCodec) readLoop(stdout io.Reader) {
	defer c.wg.Done()

	r := adts.NewReader(stdout)
	released := false
	for !released {
		frame, err := r.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn("ffmpeg output ended mid-frame", "error", err)
			}
			break
		}
		payload, err := adts.Payload(frame)
		if err != nil {
			c.log.Warn("dropping malformed ffmpeg frame", "error", err)
			continue
		}
		released = !c.publish(payload, BufferInfo{Size: len(payload)})
	}
	if n := r.Skipped(); n > 0 {
		c.log.Debug("skipped bytes in ffmpeg output", "bytes", n)
	}

	if err := c.cmd.Wait(); err != nil {
		select {
		case <-c.done:
		default:
			c.fail(fmt.Errorf("ffmpeg exited: %w: %s", err, bytes.TrimSpace(c.stderr.Bytes())))
		}
		return
	}
	if !released {
		c.publish(nil, BufferInfo{Flags: FlagEndOfStream})
	}
}

// publish copies payload into a free output slot and marks it ready. It
// reports false if the codec was released while waiting for a slot.
func (c *FFmpegCodec) publish(payload []byte, info BufferInfo) bool {
	select {
	case slot := <-c.freeOut:
		c.outBufs[slot] = append(c.outBufs[slot][:0], payload...)
		c.outInfo[slot] = info
		c.readyOut <- slot
		return true
	case <-c.done:
		return false
	}
}

func (c *FFmpegCodec) DequeueInput(timeout time.Duration) (int, []byte, error) {
	if !c.configured.Load() {
		return 0, nil, errors.New("not configured")
	}
	if c.eosQueued {
		time.Sleep(timeout)
		return 0, nil, ErrTryAgain
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case slot := <-c.freeIn:
		return slot, c.inBufs[slot], nil
	case <-c.fatal:
		return 0, nil, c.fatalErr
	case <-c.done:
		return 0, nil, ErrCodecReleased
	case <-t.C:
		return 0, nil, ErrTryAgain
	}
}

func (c *FFmpegCodec) QueueInput(slot, n int, flags Flags) error {
	if slot < 0 || slot >= c.slots || n < 0 || n > c.slotSize {
		return fmt.Errorf("queue input: slot %d size %d out of range", slot, n)
	}
	if c.eosQueued {
		return errors.New("queue input after end of stream")
	}
	q := queuedInput{slot: slot, n: n, eos: flags&FlagEndOfStream != 0}
	select {
	case c.pendingIn <- q:
	case <-c.fatal:
		// The slot is lost with the process; hand it back so callers
		// forcing end of stream can still dequeue.
		c.freeIn <- slot
		return c.fatalErr
	case <-c.done:
		return ErrCodecReleased
	}
	c.eosQueued = q.eos
	return nil
}

func (c *FFmpegCodec) DequeueOutput(timeout time.Duration) (int, BufferInfo, error) {
	if !c.configured.Load() {
		return 0, BufferInfo{}, errors.New("not configured")
	}
	// Deliver what ffmpeg already produced before reporting its failure.
	select {
	case slot := <-c.readyOut:
		return slot, c.outInfo[slot], nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case slot := <-c.readyOut:
		return slot, c.outInfo[slot], nil
	case <-c.fatal:
		return 0, BufferInfo{}, c.fatalErr
	case <-c.done:
		return 0, BufferInfo{}, ErrCodecReleased
	case <-t.C:
		return 0, BufferInfo{}, ErrTryAgain
	}
}

func (c *FFmpegCodec) OutputBuffer(slot int) []byte {
	return c.outBufs[slot]
}

func (c *FFmpegCodec) ReleaseOutput(slot int) error {
	if slot < 0 || slot >= c.slots {
		return fmt.Errorf("release output: slot %d out of range", slot)
	}
	select {
	case c.freeOut <- slot:
		return nil
	default:
		return fmt.Errorf("release output: slot %d not borrowed", slot)
	}
}

// Release stops ffmpeg, killing it if it has not exited, and waits for
// the I/O goroutines.
func (c *FFmpegCodec) Release() error {
	c.releaseOnce.Do(func() {
		close(c.done)
		if !c.configured.Load() {
			return
		}
		c.stdin.Close()
		// Kill fails harmlessly once ffmpeg has exited on its own.
		c.cmd.Process.Kill()
		c.wg.Wait()
		c.log.Info("ffmpeg released")
	})
	return nil
}
