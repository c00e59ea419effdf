package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/davidhitl/attune-voice/pkg/audio"
)

// DeviceSource captures microphone audio through the system backend. One
// device handle belongs to at most one active connection at a time, but
// the handle itself survives reconnects.
type DeviceSource struct {
	sampleRate int
	frameSize  int
	log        *slog.Logger

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	started bool
	closed  bool
}

func NewDeviceSource(log *slog.Logger) *DeviceSource {
	if log == nil {
		log = slog.Default()
	}
	return &DeviceSource{
		sampleRate: audio.SampleRate,
		frameSize:  audio.FrameSize,
		log:        log,
	}
}

func (s *DeviceSource) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("capture device closed")
	}
	if s.started {
		return nil, fmt.Errorf("capture device already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	frames := make(chan Frame, 64)
	chunker := NewChunker(s.frameSize, s.sampleRate, func(f Frame) {
		select {
		case frames <- f:
		default:
			// Never block the device callback; a slow consumer loses
			// frames, not the device.
		}
	})

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = audio.Channels
	cfg.SampleRate = uint32(s.sampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			chunker.Push(bytesToFloat32(input, int(frameCount)), time.Now())
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start capture device: %w", err)
	}

	s.mctx = mctx
	s.device = device
	s.started = true
	s.log.Debug("capture device started", "sample_rate", s.sampleRate, "frame_size", s.frameSize)

	go func() {
		<-ctx.Done()
		s.stop()
		close(frames)
	}()

	return frames, nil
}

func (s *DeviceSource) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.mctx != nil {
		_ = s.mctx.Uninit()
		s.mctx.Free()
		s.mctx = nil
	}
	s.started = false
}

func (s *DeviceSource) Close() error {
	s.stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func bytesToFloat32(data []byte, frameCount int) []float32 {
	n := len(data) / 4
	if frameCount > 0 && frameCount < n {
		n = frameCount
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}
