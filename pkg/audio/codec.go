// Package audio converts between captured linear samples and the wire-level
// audio representation: fixed-width little-endian PCM16, wrapped in a
// text-safe encoding for the JSON control channel.
package audio

import (
	"encoding/base64"
	"fmt"
)

const (
	// SampleRate is the per-connection rate for control-channel audio, mono.
	SampleRate = 24000
	Channels   = 1
	BitDepth   = 16

	// FrameDuration is the capture framing interval in milliseconds.
	FrameDuration = 20
	FrameSize     = SampleRate * FrameDuration / 1000
)

// EncodePCM16 maps each sample to a signed 16-bit representation, clamped
// to the representable range, serialized little-endian.
func EncodePCM16(samples []float32) []byte {
	return Int16ToPCMBytes(Float32ToInt16(samples))
}

// DecodePCM16 is the exact inverse of EncodePCM16 for in-range values.
func DecodePCM16(pcm []byte) []float32 {
	return Int16ToFloat32(PCMBytesToInt16(pcm))
}

// EncodeChunk produces one wire chunk: PCM16 bytes in standard base64.
func EncodeChunk(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DecodeChunk reverses EncodeChunk, yielding the raw PCM16 payload bytes.
func DecodeChunk(chunk string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("decode audio chunk: odd payload length %d", len(data))
	}
	return data, nil
}
