package adts

import "errors"

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("adts: invalid header")

// Frame is a single ADTS frame located in a byte stream.
type Frame struct {
	Data       []byte // complete ADTS frame (header + payload)
	SampleRate int
	Channels   int
	Profile    int
}

// Payload returns the raw access unit carried by the frame.
func (f Frame) Payload() []byte {
	return f.Data[headerLen(f.Data):]
}

func hasSync(b []byte) bool {
	return b[0] == 0xFF && b[1]&0xF0 == 0xF0
}

func headerLen(b []byte) int {
	if b[1]&0x01 == 0 {
		return crcHeaderSize
	}
	return HeaderSize
}

// FrameLength decodes the 13-bit frame_length field (header included) of
// the header at the start of b. b must hold at least HeaderSize bytes.
func FrameLength(b []byte) int {
	return int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5)
}

// Payload strips the header from a complete ADTS frame.
func Payload(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize || !hasSync(frame) {
		return nil, ErrInvalidADTS
	}
	hl := headerLen(frame)
	if n := FrameLength(frame); n < hl || n > len(frame) {
		return nil, ErrInvalidADTS
	}
	return frame[hl:FrameLength(frame)], nil
}

// ParseADTS splits a buffer into ADTS frames. Garbage before a sync word is
// skipped and a truncated trailing frame is ignored.
func ParseADTS(data []byte) ([]Frame, error) {
	var frames []Frame
	offset := 0

	for len(data)-offset >= HeaderSize {
		b := data[offset:]
		if !hasSync(b) {
			offset++
			continue
		}

		sri := int(b[2]>>2) & 0x0F
		if sri >= len(sampleRates) {
			return frames, ErrInvalidADTS
		}
		frameLen := FrameLength(b)
		if frameLen < headerLen(b) || frameLen > len(b) {
			break
		}

		frames = append(frames, Frame{
			Data:       b[:frameLen],
			SampleRate: sampleRates[sri],
			Channels:   int(b[2]&0x01)<<2 | int(b[3]>>6),
			Profile:    int(b[2]>>6) + 1,
		})
		offset += frameLen
	}

	return frames, nil
}
