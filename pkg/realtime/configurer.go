package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davidhitl/attune-voice/pkg/shared"
	"github.com/davidhitl/attune-voice/pkg/wire"
)

const (
	configureRetryDelay = 200 * time.Millisecond
	configureRetryMax   = 5
)

// Configurer sends the one-time session configuration exactly once per
// connection, and only once both the transport is connected and the
// control channel is open. Whichever becomes ready first waits for the
// other; re-entrant readiness signals after the send are no-ops.
type Configurer struct {
	session wire.Session
	channel Channel
	log     *slog.Logger

	mu             sync.Mutex
	transportReady bool
	channelOpen    bool
	sending        bool
	configured     bool

	onConfigured func()
	onError      func(error)
}

func NewConfigurer(session wire.Session, channel Channel, log *slog.Logger) *Configurer {
	if log == nil {
		log = slog.Default()
	}
	return &Configurer{
		session: session,
		channel: channel,
		log:     log,
	}
}

func (c *Configurer) OnConfigured(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConfigured = fn
}

func (c *Configurer) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// TransportReady records the transport side becoming connected.
func (c *Configurer) TransportReady() {
	c.mu.Lock()
	c.transportReady = true
	c.mu.Unlock()
	c.maybeSend()
}

// ChannelOpen records the control channel opening.
func (c *Configurer) ChannelOpen() {
	c.mu.Lock()
	c.channelOpen = true
	c.mu.Unlock()
	c.maybeSend()
}

// StartDeadline bounds the wait for both readiness signals. If the
// configuration has not been sent when the deadline elapses and the
// channel is still live, the error callback fires with a timeout.
func (c *Configurer) StartDeadline(d time.Duration) {
	if d <= 0 {
		return
	}
	time.AfterFunc(d, func() {
		c.mu.Lock()
		configured := c.configured
		fail := c.onError
		c.mu.Unlock()

		if configured {
			return
		}
		switch c.channel.State() {
		case ChannelClosing, ChannelClosed:
			// Torn down before the deadline; nothing to report.
			return
		}

		err := shared.E(shared.KindTimeout, "session configuration", context.DeadlineExceeded)
		c.log.Error("session configuration timed out", "deadline", d)
		if fail != nil {
			fail(err)
		}
	})
}

func (c *Configurer) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configured
}

func (c *Configurer) maybeSend() {
	c.mu.Lock()
	if !c.transportReady || !c.channelOpen || c.configured || c.sending {
		c.mu.Unlock()
		return
	}
	c.sending = true
	c.mu.Unlock()

	go c.sendWithRetry()
}

func (c *Configurer) sendWithRetry() {
	msg := wire.NewSessionUpdate(c.session)

	var lastErr error
	for attempt := 0; attempt < configureRetryMax; attempt++ {
		if attempt > 0 {
			time.Sleep(configureRetryDelay)
		}

		if err := c.channel.Send(msg); err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		c.configured = true
		c.sending = false
		done := c.onConfigured
		c.mu.Unlock()

		c.log.Debug("session configuration sent", "attempt", attempt+1)
		if done != nil {
			done()
		}
		return
	}

	c.mu.Lock()
	c.sending = false
	fail := c.onError
	c.mu.Unlock()

	err := shared.E(shared.KindConfiguration, "send session.update",
		fmt.Errorf("retry budget exhausted after %d attempts: %w", configureRetryMax, lastErr))
	c.log.Error("session configuration failed", "error", err)
	if fail != nil {
		fail(err)
	}
}
