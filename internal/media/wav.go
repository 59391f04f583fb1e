package media

import "encoding/binary"

// WAVHeaderSize is the size of the canonical 44-byte RIFF/WAVE header.
const WAVHeaderSize = 44

// streamingSize marks RIFF and data chunk sizes as unknown. Browsers and
// most players accept it for live streams.
const streamingSize = 0xFFFFFFFF

// WAVHeader returns a RIFF/WAVE header for an unbounded s16le stream in
// format f.
func WAVHeader(f AudioFormat) []byte {
	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], streamingSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.FrameSize()))
	binary.LittleEndian.PutUint16(h[34:36], BitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], streamingSize)
	return h
}
