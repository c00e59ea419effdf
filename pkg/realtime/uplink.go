package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/davidhitl/attune-voice/pkg/audio"
)

const uplinkFrameDuration = audio.FrameDuration * time.Millisecond

// Uplink carries microphone audio onto the peer's local media track:
// capture-rate samples in, paced opus packets out. A full queue drops the
// frame rather than blocking the capture path.
type Uplink struct {
	peer  *Peer
	codec *audio.OpusCodec
	log   *slog.Logger

	queue chan []float32
	done  chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewUplink(peer *Peer, bufferSize int, log *slog.Logger) (*Uplink, error) {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	if log == nil {
		log = slog.Default()
	}

	codec, err := audio.NewOpusCodec()
	if err != nil {
		return nil, err
	}

	u := &Uplink{
		peer:  peer,
		codec: codec,
		log:   log,
		queue: make(chan []float32, bufferSize),
		done:  make(chan struct{}),
	}
	u.wg.Add(1)
	go u.run()
	return u, nil
}

// Enqueue hands one capture frame to the uplink. The frame is copied; the
// caller keeps ownership of its slice.
func (u *Uplink) Enqueue(samples []float32) {
	frame := make([]float32, len(samples))
	copy(frame, samples)

	select {
	case u.queue <- frame:
	default:
		u.log.Debug("uplink queue full, dropping frame")
	}
}

func (u *Uplink) run() {
	defer u.wg.Done()

	for {
		select {
		case <-u.done:
			return
		case samples := <-u.queue:
			start := time.Now()

			resampled := audio.Resample(samples, audio.SampleRate, audio.TrackSampleRate)
			pcm := audio.Float32ToInt16(resampled)

			data, err := u.codec.Encode(pcm)
			if err != nil {
				u.log.Debug("opus encode failed", "error", err)
				continue
			}
			if err := u.peer.WriteFrame(data, len(pcm)); err != nil {
				u.log.Debug("track write failed", "error", err)
			}

			// Pace to real time so the track does not burst.
			if sleep := uplinkFrameDuration - time.Since(start); sleep > 0 {
				time.Sleep(sleep)
			}
		}
	}
}

func (u *Uplink) Stop() {
	u.stopOnce.Do(func() {
		close(u.done)
	})
	u.wg.Wait()
}
