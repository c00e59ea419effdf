// Package playback plays decoded audio segments strictly in arrival order.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/davidhitl/attune-voice/pkg/shared"
)

// Segment is one complete synthesized utterance, wrapped in a playable
// container. The queue owns it until played and released.
type Segment struct {
	ID   string
	Data []byte
}

// Player renders one segment to completion. Implementations must respect
// context cancellation.
type Player interface {
	Play(ctx context.Context, seg Segment) error
}

// Events reports segment lifecycle to the owner. Callbacks run on the
// queue goroutine; keep them short.
type Events struct {
	OnStarted  func(seg Segment)
	OnFinished func(seg Segment, err error)
}

// Queue is a FIFO of segments with strict arrival-order playback. A failed
// segment is skipped, not retried, and the next head proceeds.
type Queue struct {
	player Player
	events Events
	log    *slog.Logger

	mu      sync.Mutex
	queue   []Segment
	playing bool
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
}

func NewQueue(player Player, events Events, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		player: player,
		events: events,
		log:    log,
	}
}

// Enqueue appends a segment and starts playback if nothing is playing.
func (q *Queue) Enqueue(ctx context.Context, seg Segment) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	wasIdle := len(q.queue) == 0 && !q.playing
	q.queue = append(q.queue, seg)

	// Clear leaves the run loop briefly alive with a cancelled context.
	// A segment arriving in that window needs a fresh one or it would be
	// completed as failed without ever playing.
	if q.ctx == nil || q.ctx.Err() != nil {
		q.ctx, q.cancel = context.WithCancel(ctx)
	}
	if wasIdle {
		q.playing = true
	}
	q.mu.Unlock()

	if wasIdle {
		go q.run()
	}
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 || q.closed {
			q.playing = false
			q.mu.Unlock()
			return
		}
		seg := q.queue[0]
		q.queue = q.queue[1:]
		ctx := q.ctx
		q.mu.Unlock()

		if ctx.Err() != nil {
			q.finish(seg, ctx.Err())
			continue
		}

		if q.events.OnStarted != nil {
			q.events.OnStarted(seg)
		}

		err := q.player.Play(ctx, seg)
		if err != nil && ctx.Err() == nil {
			q.log.Warn("segment playback failed, skipping", "segment_id", seg.ID, "error", err)
			err = shared.E(shared.KindAudio, "play segment", err)
		}
		q.finish(seg, err)
	}
}

func (q *Queue) finish(seg Segment, err error) {
	if q.events.OnFinished != nil {
		q.events.OnFinished(seg, err)
	}
}

// Len reports queued segments not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// IsPlaying reports whether a segment is active or pending.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing || len(q.queue) > 0
}

// Clear drops all pending segments and cancels the active one.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.queue = nil
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()
}

// Close clears the queue and rejects further segments.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.queue = nil
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()
}
