package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// containerTag identifies the minimal self-describing container produced by
// Wrap. Header layout after the tag: channels (uint16), sample rate
// (uint32), bit depth (uint16), payload length (uint32), all little-endian.
const containerTag = "fixed-container"

type ContainerHeader struct {
	Channels   uint16
	SampleRate uint32
	BitDepth   uint16
	PayloadLen uint32
}

// Wrap synthesizes an independently playable container around raw PCM16
// payload bytes.
func Wrap(payload []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.WriteString(containerTag)
	binary.Write(&buf, binary.LittleEndian, uint16(Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint16(BitDepth))
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// Unwrap parses a container, returning its header and payload.
func Unwrap(data []byte) (ContainerHeader, []byte, error) {
	var hdr ContainerHeader

	if len(data) < len(containerTag)+12 {
		return hdr, nil, fmt.Errorf("container too short: %d bytes", len(data))
	}
	if string(data[:len(containerTag)]) != containerTag {
		return hdr, nil, fmt.Errorf("unrecognized container tag")
	}

	r := bytes.NewReader(data[len(containerTag):])
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("read container header: %w", err)
	}

	payload := data[len(containerTag)+12:]
	if uint32(len(payload)) < hdr.PayloadLen {
		return hdr, nil, fmt.Errorf("container payload truncated: have %d, want %d", len(payload), hdr.PayloadLen)
	}
	return hdr, payload[:hdr.PayloadLen], nil
}
