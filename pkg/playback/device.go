package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/davidhitl/attune-voice/pkg/audio"
)

// DevicePlayer renders container-wrapped PCM16 segments through the system
// output device, paced to real time frame by frame.
type DevicePlayer struct{}

func NewDevicePlayer() *DevicePlayer {
	return &DevicePlayer{}
}

func (p *DevicePlayer) Play(ctx context.Context, seg Segment) error {
	hdr, payload, err := audio.Unwrap(seg.Data)
	if err != nil {
		return fmt.Errorf("unwrap segment: %w", err)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(hdr.Channels)
	cfg.SampleRate = hdr.SampleRate

	done := make(chan struct{})
	offset := 0
	frameBytes := int(hdr.Channels) * 2

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			want := int(frameCount) * frameBytes
			remaining := len(payload) - offset
			if remaining <= 0 {
				select {
				case <-done:
				default:
					close(done)
				}
				return
			}
			if want > remaining {
				want = remaining
			}
			copy(output, payload[offset:offset+want])
			offset += want
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}

	// Give the device one extra frame interval to flush its last buffer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		time.Sleep(audio.FrameDuration * time.Millisecond)
		return nil
	}
}
