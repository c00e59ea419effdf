package voice

import "github.com/davidhitl/attune-voice/pkg/playback"

// ConnState is the engine-level connection lifecycle.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// Callbacks report engine events to the host. All callbacks are optional
// and may be invoked from internal goroutines; keep them short.
type Callbacks struct {
	OnStateChange     func(state ConnState)
	OnSessionCreated  func(sessionID string)
	OnTranscriptDelta func(text string)
	OnTranscriptDone  func()

	OnPlaybackStarted  func(seg playback.Segment)
	OnPlaybackFinished func(seg playback.Segment, err error)

	OnError func(err error)
}
