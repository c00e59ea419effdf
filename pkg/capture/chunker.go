package capture

import (
	"time"

	"github.com/davidhitl/attune-voice/pkg/audio"
)

// Chunker reframes arbitrarily sized device callbacks into fixed frames.
type Chunker struct {
	frameSize  int
	sampleRate int
	pending    []float32
	emit       func(Frame)
}

func NewChunker(frameSize, sampleRate int, emit func(Frame)) *Chunker {
	if frameSize <= 0 {
		frameSize = audio.FrameSize
	}
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	return &Chunker{
		frameSize:  frameSize,
		sampleRate: sampleRate,
		emit:       emit,
	}
}

// Push appends device samples and emits every complete frame.
func (c *Chunker) Push(samples []float32, now time.Time) {
	c.pending = append(c.pending, samples...)

	for len(c.pending) >= c.frameSize {
		frame := make([]float32, c.frameSize)
		copy(frame, c.pending[:c.frameSize])
		c.pending = c.pending[c.frameSize:]

		c.emit(Frame{
			Samples:    frame,
			SampleRate: c.sampleRate,
			Timestamp:  now,
		})
	}
}

// Pending reports how many samples are buffered short of a full frame.
func (c *Chunker) Pending() int {
	return len(c.pending)
}

// Reset discards any partial frame.
func (c *Chunker) Reset() {
	c.pending = c.pending[:0]
}
