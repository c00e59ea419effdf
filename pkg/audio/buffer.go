package audio

import (
	"bytes"
	"sync"
)

// UtteranceBuffer accumulates inbound PCM16 chunks for one synthesized
// utterance. Append-only until Take, which drains it atomically.
type UtteranceBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewUtteranceBuffer() *UtteranceBuffer {
	return &UtteranceBuffer{}
}

func (b *UtteranceBuffer) Append(pcm []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(pcm)
}

// Take returns the accumulated payload and clears the buffer. Returns nil
// when nothing was accumulated.
func (b *UtteranceBuffer) Take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	b.buf.Reset()
	return out
}

func (b *UtteranceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *UtteranceBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}
