// voicechat is a terminal client for the session engine: microphone and
// speaker wired to a live voice session, with typed lines sent as text
// turns. Configuration comes from the environment.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/davidhitl/attune-voice/pkg/capture"
	"github.com/davidhitl/attune-voice/pkg/playback"
	"github.com/davidhitl/attune-voice/pkg/realtime"
	"github.com/davidhitl/attune-voice/pkg/voice"
)

func main() {
	credURL := os.Getenv("VOICE_CREDENTIAL_ENDPOINT")
	if credURL == "" {
		fmt.Fprintln(os.Stderr, "VOICE_CREDENTIAL_ENDPOINT env required")
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := voice.Config{
		CredentialEndpoint: credURL,
		Realtime:           realtime.ConfigFromEnv(),
		Instructions:       os.Getenv("VOICE_INSTRUCTIONS"),
		Voice:              os.Getenv("VOICE_NAME"),
		Player:             playback.NewDevicePlayer(),
	}
	if os.Getenv("VOICE_MIC") != "off" {
		cfg.Source = capture.NewDeviceSource(log)
	}

	engine := voice.NewEngine(cfg, voice.Callbacks{
		OnStateChange: func(s voice.ConnState) {
			log.Info("connection state changed", "state", s)
		},
		OnSessionCreated: func(id string) {
			log.Info("session ready", "session_id", id)
		},
		OnTranscriptDelta: func(text string) {
			fmt.Print(text)
		},
		OnPlaybackFinished: func(_ playback.Segment, err error) {
			if err != nil {
				log.Warn("playback failed", "error", err)
			}
		},
		OnError: func(err error) {
			log.Error("engine error", "error", err)
		},
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Connect(ctx); err != nil {
		log.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if !engine.SendText(text) {
				log.Warn("not connected, message dropped")
			}
		}
	}()

	<-ctx.Done()
	fmt.Println()
	log.Info("shutting down")
}
