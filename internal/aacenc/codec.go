// Package aacenc drives an AAC encoder over raw PCM read from a tap and
// emits ADTS-framed access units on an output tap.
//
// The encoder itself is abstracted as a [Codec] speaking an asynchronous
// buffer-exchange protocol: the caller borrows empty input slots, fills and
// queues them, and borrows filled output slots which it must hand back.
// [Encoder] owns the loop that keeps both sides moving, frames every
// access unit with an ADTS header and shuts the codec down in order.
package aacenc

import (
	"errors"
	"time"
)

// ErrTryAgain is returned by Codec dequeue calls when no slot became
// available before the timeout. It is not a failure.
var ErrTryAgain = errors.New("aacenc: try again")

// Flags annotate queued input and dequeued output buffers.
type Flags uint32

const (
	// FlagEndOfStream marks the last input buffer, and on output the
	// buffer after which the codec produces nothing more.
	FlagEndOfStream Flags = 1 << iota
	// FlagCodecConfig marks an output buffer carrying decoder
	// configuration (AudioSpecificConfig) rather than an access unit.
	FlagCodecConfig
)

// CodecConfig is the session configuration handed to Codec.Configure.
type CodecConfig struct {
	SampleRate int
	Channels   int
	BitRate    int
	// Profile is the AAC audio object type, see adts.ProfileAACLC.
	Profile int
}

// BufferInfo describes one dequeued output buffer.
type BufferInfo struct {
	Size  int
	Flags Flags
}

// Codec is an AAC encoder speaking a slot-based buffer-exchange protocol.
// All methods are called from a single goroutine. A slot index returned by
// DequeueInput must be given back exactly once via QueueInput, and one
// returned by DequeueOutput exactly once via ReleaseOutput.
type Codec interface {
	// Name identifies the implementation in logs and stats.
	Name() string
	// Configure prepares and starts the codec. It is called once.
	Configure(cfg CodecConfig) error
	// DequeueInput borrows an empty input slot. buf is the slot's backing
	// storage and is valid until QueueInput. Returns ErrTryAgain on timeout.
	DequeueInput(timeout time.Duration) (slot int, buf []byte, err error)
	// QueueInput submits the first n bytes of a borrowed slot.
	QueueInput(slot, n int, flags Flags) error
	// DequeueOutput borrows a filled output slot. Returns ErrTryAgain on
	// timeout.
	DequeueOutput(timeout time.Duration) (slot int, info BufferInfo, err error)
	// OutputBuffer returns the contents of a borrowed output slot. The
	// first info.Size bytes are meaningful.
	OutputBuffer(slot int) []byte
	// ReleaseOutput hands an output slot back to the codec.
	ReleaseOutput(slot int) error
	// Release stops the codec and frees its resources. It is idempotent.
	Release() error
}
