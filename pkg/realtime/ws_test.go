package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/davidhitl/attune-voice/pkg/shared"
	"github.com/davidhitl/attune-voice/pkg/wire"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialWS_EchoRoundTrip(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var received [][]byte
	opened := make(chan struct{})

	c, err := DialWS(context.Background(), wsURL(srv), "tok", ChannelCallbacks{
		OnOpen: func() { close(opened) },
		OnMessage: func(data []byte) {
			mu.Lock()
			received = append(received, data)
			mu.Unlock()
		},
	}, nil)
	if err != nil {
		t.Fatalf("DialWS error: %v", err)
	}
	defer c.Close()

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("OnOpen not invoked")
	}

	if gotAuth != "Bearer tok" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
	if c.State() != ChannelOpen {
		t.Errorf("expected open state, got %s", c.State())
	}

	if err := c.Send(wire.NewUserText("hello")); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatal("no echo received")
	}
	var msg wire.ConversationItemCreate
	if err := json.Unmarshal(received[0], &msg); err != nil {
		t.Fatalf("unmarshal echo: %v", err)
	}
	if msg.Item.Content[0].Text != "hello" {
		t.Errorf("unexpected echoed text: %+v", msg)
	}
}

func TestDialWS_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := DialWS(context.Background(), wsURL(srv), "bad", ChannelCallbacks{}, nil)
	if !errors.Is(err, shared.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestWSChannel_SendAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := DialWS(context.Background(), wsURL(srv), "tok", ChannelCallbacks{}, nil)
	if err != nil {
		t.Fatalf("DialWS error: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := c.Send(wire.NewResponseCreate()); !errors.Is(err, shared.ErrChannelNotReady) {
		t.Errorf("expected ErrChannelNotReady after close, got %v", err)
	}
	if c.State() != ChannelClosed {
		t.Errorf("expected closed state, got %s", c.State())
	}
}

func TestWSChannel_CleanCloseCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	closeErr := make(chan error, 1)
	c, err := DialWS(context.Background(), wsURL(srv), "tok", ChannelCallbacks{
		OnClose: func(err error) { closeErr <- err },
	}, nil)
	if err != nil {
		t.Fatalf("DialWS error: %v", err)
	}

	c.Close()
	select {
	case err := <-closeErr:
		if err != nil {
			t.Errorf("expected clean close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClose not invoked")
	}
}
