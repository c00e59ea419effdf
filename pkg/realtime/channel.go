package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/davidhitl/attune-voice/pkg/shared"
)

// ChannelState tracks the control channel lifecycle.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosing    ChannelState = "closing"
	ChannelClosed     ChannelState = "closed"
	ChannelError      ChannelState = "error"
)

// ChannelCallbacks report channel lifecycle to the owner. Set before the
// channel can open.
type ChannelCallbacks struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Channel is an ordered, reliable message channel carrying JSON control
// messages. Send fails unless the state is exactly open; in-order delivery
// is delegated to the underlying transport.
type Channel interface {
	Send(v any) error
	State() ChannelState
	Close() error
}

// DataChannel adapts a negotiated SCTP data channel to Channel.
type DataChannel struct {
	dc  *webrtc.DataChannel
	log *slog.Logger

	mu    sync.RWMutex
	state ChannelState
	cb    ChannelCallbacks
}

func NewDataChannel(dc *webrtc.DataChannel, cb ChannelCallbacks, log *slog.Logger) *DataChannel {
	if log == nil {
		log = slog.Default()
	}

	c := &DataChannel{
		dc:    dc,
		log:   log,
		state: ChannelConnecting,
		cb:    cb,
	}

	dc.OnOpen(func() {
		c.setState(ChannelOpen)
		if cb.OnOpen != nil {
			cb.OnOpen()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		if cb.OnMessage != nil {
			cb.OnMessage(msg.Data)
		}
	})

	dc.OnClose(c.handleClose)

	dc.OnError(func(err error) {
		c.setState(ChannelError)
		c.log.Debug("data channel error", "error", err)
	})

	return c
}

// handleClose runs when the underlying channel closes. A closure that was
// not locally requested is reported as an unexpected close.
func (c *DataChannel) handleClose() {
	prev := c.swapState(ChannelClosed)
	if prev == ChannelClosed {
		return
	}
	if c.cb.OnClose != nil {
		if prev == ChannelClosing {
			c.cb.OnClose(nil)
		} else {
			c.cb.OnClose(shared.E(shared.KindChannel, "data channel", shared.ErrChannelClosed))
		}
	}
}

func (c *DataChannel) Send(v any) error {
	if c.State() != ChannelOpen {
		return shared.E(shared.KindChannel, "send", shared.ErrChannelNotReady)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return shared.E(shared.KindChannel, "encode message", err)
	}

	if err := c.dc.SendText(string(data)); err != nil {
		return shared.E(shared.KindChannel, "send", err)
	}
	return nil
}

func (c *DataChannel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *DataChannel) Close() error {
	c.mu.Lock()
	if c.state == ChannelClosed || c.state == ChannelClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = ChannelClosing
	c.mu.Unlock()

	return c.dc.Close()
}

func (c *DataChannel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *DataChannel) swapState(s ChannelState) ChannelState {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	return prev
}
