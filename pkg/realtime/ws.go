package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/davidhitl/attune-voice/pkg/shared"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 512 * 1024
)

// WSChannel carries the control protocol over a single WebSocket when the
// WebRTC transport is not in use.
type WSChannel struct {
	ws  *websocket.Conn
	log *slog.Logger
	cb  ChannelCallbacks

	send chan []byte
	done chan struct{}

	mu    sync.RWMutex
	state ChannelState

	closeOnce sync.Once
}

// DialWS opens the bearer-authenticated control socket and starts its
// read/write pumps. The returned channel is already open.
func DialWS(ctx context.Context, url, bearer string, cb ChannelCallbacks, log *slog.Logger) (*WSChannel, error) {
	if log == nil {
		log = slog.Default()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearer)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, shared.E(shared.KindChannel, "dial", shared.ErrUnauthorized)
			case http.StatusTooManyRequests:
				return nil, shared.E(shared.KindChannel, "dial", shared.ErrRateLimited)
			}
		}
		if ctx.Err() != nil {
			return nil, shared.E(shared.KindTimeout, "dial control socket", ctx.Err())
		}
		return nil, shared.E(shared.KindChannel, "dial", err)
	}

	c := &WSChannel{
		ws:    ws,
		log:   log,
		cb:    cb,
		send:  make(chan []byte, 64),
		done:  make(chan struct{}),
		state: ChannelOpen,
	}

	go c.readPump()
	go c.writePump()

	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	return c, nil
}

func (c *WSChannel) Send(v any) error {
	if c.State() != ChannelOpen {
		return shared.E(shared.KindChannel, "send", shared.ErrChannelNotReady)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return shared.E(shared.KindChannel, "encode message", err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return shared.E(shared.KindChannel, "send", shared.ErrChannelNotReady)
	default:
		return shared.E(shared.KindChannel, "send", fmt.Errorf("send buffer full"))
	}
}

func (c *WSChannel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *WSChannel) Close() error {
	return c.close(nil)
}

func (c *WSChannel) close(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		clean := c.state == ChannelOpen && cause == nil
		if cause != nil {
			c.state = ChannelError
		} else {
			c.state = ChannelClosed
		}
		c.mu.Unlock()

		close(c.done)
		err = c.ws.Close()

		if c.cb.OnClose != nil {
			if clean {
				c.cb.OnClose(nil)
			} else {
				c.cb.OnClose(cause)
			}
		}

		c.mu.Lock()
		c.state = ChannelClosed
		c.mu.Unlock()
	})
	return err
}

func (c *WSChannel) readPump() {
	c.ws.SetReadLimit(wsMaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.close(shared.E(shared.KindChannel, "read", err))
			return
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(data)
		}
	}
}

func (c *WSChannel) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(shared.E(shared.KindChannel, "write", err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(shared.E(shared.KindChannel, "ping", err))
				return
			}
		}
	}
}
