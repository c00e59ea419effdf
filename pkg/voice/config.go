// Package voice assembles the session engine: credential issuance,
// transport negotiation, session configuration, audio in/out, and
// reconnection, behind one connect/disconnect surface.
package voice

import (
	"time"

	"github.com/davidhitl/attune-voice/pkg/capture"
	"github.com/davidhitl/attune-voice/pkg/playback"
	"github.com/davidhitl/attune-voice/pkg/realtime"
	"github.com/davidhitl/attune-voice/pkg/shared"
	"github.com/davidhitl/attune-voice/pkg/vad"
	"github.com/davidhitl/attune-voice/pkg/wire"
)

const defaultCommitDebounce = 1500 * time.Millisecond

type Config struct {
	// CredentialEndpoint issues the short-lived credentials that authorize
	// each negotiation attempt.
	CredentialEndpoint string

	Realtime realtime.Config

	// Session-level parameters sent once per connection.
	Instructions  string
	Voice         string
	Temperature   float64
	TurnDetection *wire.TurnDetection

	// Silence configures the local end-of-utterance detector.
	Silence vad.Config

	// CommitDebounce collapses rapid utterance commits into one.
	CommitDebounce time.Duration

	Backoff shared.BackoffConfig

	// Source provides microphone frames. Nil means audio-out-only, which
	// is a valid session.
	Source capture.Source

	// Player renders synthesized segments. Nil disables local playback;
	// segments are still reported through callbacks.
	Player playback.Player
}

func (c Config) Normalize() Config {
	c.Realtime = c.Realtime.Normalize()
	c.Backoff = shared.NormalizeBackoff(c.Backoff)
	if c.CommitDebounce <= 0 {
		c.CommitDebounce = defaultCommitDebounce
	}
	return c
}

// sessionSettings builds the one-time configuration message body.
func (c Config) sessionSettings() wire.Session {
	return wire.Session{
		Modalities:        []string{"text", "audio"},
		Instructions:      c.Instructions,
		Voice:             c.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     c.TurnDetection,
		Temperature:       c.Temperature,
	}
}
