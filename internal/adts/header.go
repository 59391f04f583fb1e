package adts

import (
	"errors"
	"fmt"
)

// HeaderSize is the length of an ADTS header without CRC.
const HeaderSize = 7

// crcHeaderSize is the header length when protection_absent is 0.
const crcHeaderSize = 9

// maxFrameLength is the largest value the 13-bit frame_length field holds.
const maxFrameLength = 1<<13 - 1

// MaxPayload is the largest access unit a single ADTS frame can carry.
const MaxPayload = maxFrameLength - HeaderSize

// Audio object types (profile) valid in an ADTS header.
const (
	ProfileAACMain = 1
	ProfileAACLC   = 2
	ProfileAACSSR  = 3
	ProfileAACLTP  = 4
)

// ErrInvalidHeaderParams is returned when BuildHeader cannot represent its
// inputs in the header bit fields.
var ErrInvalidHeaderParams = errors.New("adts: invalid header parameters")

// AAC sample rate index table (ISO 14496-3).
var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// BuildHeader returns the 7-byte ADTS header for an access unit of
// payloadLen bytes. The header declares MPEG-2 ADTS without CRC, a single
// raw data block and VBR buffer fullness.
//
//	byte 0  sync 0xFF
//	byte 1  sync nibble, ID=1 (MPEG-2), layer 0, protection absent
//	byte 2  profile-1 (2b) | sample rate index (4b) | private (1b) | chan hi (1b)
//	byte 3  chan lo (2b) | orig/home/copyright (4b) | length bits 12..11
//	byte 4  length bits 10..3
//	byte 5  length bits 2..0 | fullness hi 0x1F
//	byte 6  fullness lo | frames-1 = 0
func BuildHeader(payloadLen, profile, sampleRateIndex, channelConfig int) ([HeaderSize]byte, error) {
	var h [HeaderSize]byte
	switch {
	case payloadLen < 0 || payloadLen > MaxPayload:
		return h, fmt.Errorf("%w: payload length %d outside [0, %d]", ErrInvalidHeaderParams, payloadLen, MaxPayload)
	case profile < ProfileAACMain || profile > ProfileAACLTP:
		return h, fmt.Errorf("%w: profile %d", ErrInvalidHeaderParams, profile)
	case sampleRateIndex < 0 || sampleRateIndex >= len(sampleRates):
		return h, fmt.Errorf("%w: sample rate index %d", ErrInvalidHeaderParams, sampleRateIndex)
	case channelConfig < 0 || channelConfig > 7:
		return h, fmt.Errorf("%w: channel config %d", ErrInvalidHeaderParams, channelConfig)
	}

	n := payloadLen + HeaderSize
	h[0] = 0xFF
	h[1] = 0xF9
	h[2] = byte((profile-1)<<6 | sampleRateIndex<<2 | channelConfig>>2)
	h[3] = byte((channelConfig&3)<<6 | n>>11)
	h[4] = byte((n & 0x7FF) >> 3)
	h[5] = byte((n&7)<<5 | 0x1F)
	h[6] = 0xFC
	return h, nil
}

// SampleRateIndex returns the ADTS sampling_frequency_index for rate.
func SampleRateIndex(rate int) (int, error) {
	for i, r := range sampleRates {
		if r == rate {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported sample rate %d", ErrInvalidHeaderParams, rate)
}

// SampleRate maps a sampling_frequency_index back to Hz, or 0 if the index
// is reserved.
func SampleRate(index int) int {
	if index < 0 || index >= len(sampleRates) {
		return 0
	}
	return sampleRates[index]
}

// ChannelConfig returns the channel_configuration value for a channel count.
func ChannelConfig(channels int) (int, error) {
	switch {
	case channels >= 1 && channels <= 6:
		return channels, nil
	case channels == 8:
		return 7, nil
	}
	return 0, fmt.Errorf("%w: no channel configuration for %d channels", ErrInvalidHeaderParams, channels)
}
