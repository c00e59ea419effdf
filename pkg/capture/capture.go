// Package capture acquires audio input and frames it into fixed-size
// chunks for encoding and silence detection.
package capture

import (
	"context"
	"time"
)

// Frame is one fixed-length block of linear mono samples. The producer
// owns it exclusively until handed downstream.
type Frame struct {
	Samples    []float32
	SampleRate int
	Timestamp  time.Time
}

// Source is an audio input stream. Start may be called once; frames arrive
// in capture order until the context is cancelled or Close is called.
type Source interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Close() error
}
