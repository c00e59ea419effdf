package voice

import (
	"context"
	"time"

	"github.com/davidhitl/attune-voice/pkg/shared"
)

// handleTransportDown reacts to an unexpected loss of the live connection.
// Signals from superseded epochs are ignored; only one reconnect loop runs
// at a time.
func (e *Engine) handleTransportDown(epoch uint64, cause error) {
	e.mu.Lock()
	if e.closed || e.epoch != epoch || e.reconnecting {
		e.mu.Unlock()
		return
	}
	e.epoch++
	old := e.conn
	e.conn = nil
	e.reconnecting = true
	e.state = StateReconnecting
	e.mu.Unlock()

	e.log.Warn("connection lost, reconnecting", "cause", cause)
	e.stopCommitTimer()
	if old != nil {
		old.close()
	}
	e.queue.Clear()
	e.utterance.Reset()
	e.detector.Reset()
	e.emitState(StateReconnecting)

	go e.reconnectLoop()
}

// reconnectLoop retries the full connect sequence, fresh credential
// included, with growing jittered delays. Exhausting the attempt budget is
// fatal; an explicit disconnect aborts the loop.
func (e *Engine) reconnectLoop() {
	for {
		e.mu.Lock()
		if e.closed || e.state != StateReconnecting {
			e.reconnecting = false
			e.mu.Unlock()
			return
		}
		e.attempts++
		attempt := e.attempts
		if attempt > e.cfg.Backoff.MaxAttempts {
			e.reconnecting = false
			e.state = StateFailed
			e.mu.Unlock()
			e.emitState(StateFailed)
			e.emitError(shared.E(shared.KindNegotiation, "reconnect", shared.ErrReconnectExhausted))
			return
		}
		e.mu.Unlock()

		time.Sleep(e.cfg.Backoff.Delay(attempt - 1))

		e.mu.Lock()
		if e.closed || e.state != StateReconnecting {
			e.reconnecting = false
			e.mu.Unlock()
			return
		}
		e.epoch++
		epoch := e.epoch
		e.mu.Unlock()

		c, err := e.dial(context.Background(), epoch)
		if err != nil {
			e.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		e.mu.Lock()
		if e.closed || e.epoch != epoch || e.state != StateReconnecting {
			e.reconnecting = false
			e.mu.Unlock()
			c.close()
			return
		}
		e.conn = c
		e.state = StateConnected
		e.attempts = 0
		e.reconnecting = false
		e.mu.Unlock()

		e.log.Info("reconnected", "attempts_used", attempt)
		e.emitState(StateConnected)
		e.startCapture()
		return
	}
}
