package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidhitl/attune-voice/pkg/audio"
	"github.com/davidhitl/attune-voice/pkg/credential"
	"github.com/davidhitl/attune-voice/pkg/playback"
	"github.com/davidhitl/attune-voice/pkg/realtime"
	"github.com/davidhitl/attune-voice/pkg/shared"
	"github.com/davidhitl/attune-voice/pkg/vad"
	"github.com/davidhitl/attune-voice/pkg/wire"
)

// dialFunc establishes one connection for the given epoch. Replaced in
// tests.
type dialFunc func(ctx context.Context, epoch uint64) (*conn, error)

// conn is one established connection generation. A new conn is built per
// attempt; a superseded conn is closed and its async results discarded.
type conn struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	peer       *realtime.Peer
	negotiator *realtime.Negotiator

	mu         sync.Mutex
	control    realtime.Channel
	configurer *realtime.Configurer
	uplink     *realtime.Uplink
}

func (c *conn) audioUplink() *realtime.Uplink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uplink
}

func (c *conn) channel() realtime.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control
}

func (c *conn) signalChannelOpen() {
	c.mu.Lock()
	cf := c.configurer
	c.mu.Unlock()
	if cf != nil {
		cf.ChannelOpen()
	}
}

func (c *conn) close() {
	c.cancel()
	if u := c.audioUplink(); u != nil {
		u.Stop()
	}
	if ch := c.channel(); ch != nil {
		_ = ch.Close()
	}
	if c.peer != nil {
		_ = c.peer.Close()
	}
	if c.negotiator != nil {
		c.negotiator.MarkClosed()
	}
}

// Engine is the session engine. One Engine manages at most one live
// connection at a time, reconnecting on unexpected loss.
type Engine struct {
	cfg   Config
	cb    Callbacks
	log   *slog.Logger
	creds *credential.Client

	queue     *playback.Queue
	utterance *audio.UtteranceBuffer
	detector  *vad.SilenceDetector

	dial dialFunc

	mu           sync.Mutex
	state        ConnState
	epoch        uint64
	conn         *conn
	reconnecting bool
	attempts     int
	closed       bool

	captureOnce   sync.Once
	captureCancel context.CancelFunc

	commitMu    sync.Mutex
	commitTimer *time.Timer
}

func NewEngine(cfg Config, cb Callbacks, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.Normalize()

	e := &Engine{
		cfg:       cfg,
		cb:        cb,
		log:       log,
		creds:     credential.NewClient(cfg.CredentialEndpoint, 0, log),
		utterance: audio.NewUtteranceBuffer(),
		state:     StateDisconnected,
	}
	e.dial = e.dialReal

	player := cfg.Player
	if player == nil {
		player = nopPlayer{}
	}
	e.queue = playback.NewQueue(player, playback.Events{
		OnStarted: func(seg playback.Segment) {
			if cb.OnPlaybackStarted != nil {
				cb.OnPlaybackStarted(seg)
			}
		},
		OnFinished: func(seg playback.Segment, err error) {
			if cb.OnPlaybackFinished != nil {
				cb.OnPlaybackFinished(seg, err)
			}
		},
	}, log)

	e.detector = vad.NewSilenceDetector(cfg.Silence, e.CommitUtterance)
	return e
}

func (e *Engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Connect establishes a session: fresh credential, transport negotiation,
// control channel, one-time configuration. A no-op error is returned when
// a connection is already live or being established.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	switch e.state {
	case StateConnecting, StateConnected, StateReconnecting:
		e.mu.Unlock()
		return shared.ErrAlreadyConnected
	}
	e.epoch++
	epoch := e.epoch
	e.state = StateConnecting
	e.mu.Unlock()
	e.emitState(StateConnecting)

	c, err := e.dial(ctx, epoch)
	if err != nil {
		e.mu.Lock()
		if e.epoch == epoch {
			e.state = StateDisconnected
		}
		e.mu.Unlock()
		e.emitState(StateDisconnected)
		return err
	}

	return e.adopt(c, epoch)
}

// adopt installs a freshly dialed connection unless a disconnect has
// superseded its epoch in the meantime.
func (e *Engine) adopt(c *conn, epoch uint64) error {
	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		c.close()
		return shared.E(shared.KindNegotiation, "connect", shared.ErrConnectionSuperseded)
	}
	e.conn = c
	e.state = StateConnected
	e.attempts = 0
	e.mu.Unlock()

	e.log.Info("connection established", "conn_id", c.id)
	e.emitState(StateConnected)
	e.startCapture()
	return nil
}

// Disconnect tears down the live connection, if any. Idempotent. Async
// results from the torn-down connection are discarded by epoch.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.epoch++
	old := e.conn
	e.conn = nil
	wasDisconnected := e.state == StateDisconnected
	e.state = StateDisconnected
	e.attempts = 0
	e.mu.Unlock()

	e.stopCommitTimer()
	if old != nil {
		old.close()
	}
	e.queue.Clear()
	e.utterance.Reset()
	e.detector.Reset()

	if !wasDisconnected {
		e.emitState(StateDisconnected)
	}
}

// Close disconnects and releases the engine. The engine cannot be reused.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.Disconnect()
	e.queue.Close()
	if e.captureCancel != nil {
		e.captureCancel()
	}
	if e.cfg.Source != nil {
		_ = e.cfg.Source.Close()
	}
}

// SendText submits one user text turn and requests a response. Reports
// false when no open control channel exists; the message is not queued.
func (e *Engine) SendText(text string) bool {
	ch := e.openChannel()
	if ch == nil {
		return false
	}
	if err := ch.Send(wire.NewUserText(text)); err != nil {
		e.log.Debug("text send failed", "error", err)
		return false
	}
	if err := ch.Send(wire.NewResponseCreate()); err != nil {
		e.log.Debug("response request failed", "error", err)
		return false
	}
	return true
}

// SendAudioFrame forwards one capture frame: the silence detector sees it
// first, then the encoded chunk goes out. Frames while not connected are
// dropped.
func (e *Engine) SendAudioFrame(samples []float32) {
	e.processFrame(samples, time.Now())
}

func (e *Engine) processFrame(samples []float32, now time.Time) {
	ch := e.openChannel()
	if ch == nil {
		return
	}
	e.detector.Process(samples, now)
	if err := ch.Send(wire.NewInputAudioAppend(audio.EncodeChunk(samples))); err != nil {
		e.log.Debug("audio frame send failed", "error", err)
	}

	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c != nil {
		if u := c.audioUplink(); u != nil {
			u.Enqueue(samples)
		}
	}
}

// CommitUtterance finalizes the buffered input utterance and requests a
// response. Calls within the debounce window collapse into one commit,
// sent when the window elapses.
func (e *Engine) CommitUtterance() {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.commitTimer != nil {
		return
	}
	e.commitTimer = time.AfterFunc(e.cfg.CommitDebounce, func() {
		e.commitMu.Lock()
		e.commitTimer = nil
		e.commitMu.Unlock()
		e.doCommit()
	})
}

func (e *Engine) doCommit() {
	ch := e.openChannel()
	if ch == nil {
		return
	}
	if err := ch.Send(wire.NewInputAudioCommit()); err != nil {
		e.log.Debug("utterance commit failed", "error", err)
		return
	}
	if err := ch.Send(wire.NewResponseCreate()); err != nil {
		e.log.Debug("response request failed", "error", err)
	}
}

func (e *Engine) stopCommitTimer() {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if e.commitTimer != nil {
		e.commitTimer.Stop()
		e.commitTimer = nil
	}
}

// openChannel returns the live control channel, or nil when there is none
// or it is not open.
func (e *Engine) openChannel() realtime.Channel {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()

	if c == nil {
		return nil
	}
	ch := c.channel()
	if ch == nil || ch.State() != realtime.ChannelOpen {
		return nil
	}
	return ch
}

// dialReal is the production dial path: request a fresh credential, then
// negotiate the configured transport.
func (e *Engine) dialReal(ctx context.Context, epoch uint64) (*conn, error) {
	cred, err := e.creds.Request(ctx, e.cfg.Instructions, e.cfg.Voice)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{id: uuid.New().String(), ctx: connCtx, cancel: cancel}

	cb := realtime.ChannelCallbacks{
		OnOpen:    c.signalChannelOpen,
		OnMessage: func(data []byte) { e.handleMessage(epoch, data) },
		OnClose: func(err error) {
			if err != nil {
				e.handleTransportDown(epoch, err)
			}
		},
	}

	if e.cfg.Realtime.Transport == realtime.TransportWebSocket {
		if err := e.dialWebSocket(ctx, c, cred, cb); err != nil {
			cancel()
			return nil, err
		}
	} else {
		if err := e.dialWebRTC(ctx, c, cred, epoch, cb); err != nil {
			cancel()
			return nil, err
		}
	}
	return c, nil
}

func (e *Engine) dialWebRTC(ctx context.Context, c *conn, cred credential.Credential, epoch uint64, cb realtime.ChannelCallbacks) error {
	neg := realtime.NewNegotiator(e.cfg.Realtime, e.log)
	res, err := neg.Negotiate(ctx, cred, e.cfg.Source != nil, cb)
	if err != nil {
		return err
	}

	cf := realtime.NewConfigurer(e.cfg.sessionSettings(), res.Control, e.log)
	cf.OnError(e.emitError)

	var uplink *realtime.Uplink
	if res.Peer.HasLocalAudio() {
		uplink, err = realtime.NewUplink(res.Peer, e.cfg.Realtime.BufferSizes.AudioFrames, e.log)
		if err != nil {
			// The control-channel audio path still works without the track.
			e.log.Warn("media uplink unavailable", "error", err)
		}
	}

	c.mu.Lock()
	c.peer = res.Peer
	c.negotiator = neg
	c.control = res.Control
	c.configurer = cf
	c.uplink = uplink
	c.mu.Unlock()

	res.Peer.OnConnected(cf.TransportReady)
	res.Peer.OnDisconnected(func() {
		e.handleTransportDown(epoch, shared.E(shared.KindNegotiation, "transport", fmt.Errorf("peer connection lost")))
	})

	// Either side may have come up before its handler was installed.
	if res.Peer.Connected() {
		cf.TransportReady()
	}
	if res.Control.State() == realtime.ChannelOpen {
		cf.ChannelOpen()
	}
	cf.StartDeadline(e.cfg.Realtime.ConfigureTimeout)

	// The data channel has its own open deadline, separate from the
	// configuration one.
	time.AfterFunc(e.cfg.Realtime.ChannelOpenTimeout, func() {
		e.mu.Lock()
		current := e.epoch == epoch
		e.mu.Unlock()
		if current && res.Control.State() != realtime.ChannelOpen {
			e.emitError(shared.E(shared.KindTimeout, "channel open", context.DeadlineExceeded))
		}
	})
	return nil
}

func (e *Engine) dialWebSocket(ctx context.Context, c *conn, cred credential.Credential, cb realtime.ChannelCallbacks) error {
	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.Realtime.ChannelOpenTimeout)
	defer cancel()

	ch, err := realtime.DialWS(dialCtx, e.wsEndpoint(), cred.Value, cb, e.log)
	if err != nil {
		return err
	}

	cf := realtime.NewConfigurer(e.cfg.sessionSettings(), ch, e.log)
	cf.OnError(e.emitError)

	c.mu.Lock()
	c.control = ch
	c.configurer = cf
	c.mu.Unlock()

	// The socket is both transport and channel; it is open on return.
	cf.TransportReady()
	cf.ChannelOpen()
	cf.StartDeadline(e.cfg.Realtime.ConfigureTimeout)
	return nil
}

func (e *Engine) wsEndpoint() string {
	if e.cfg.Realtime.Model == "" {
		return e.cfg.Realtime.Endpoint
	}
	return e.cfg.Realtime.Endpoint + "?model=" + e.cfg.Realtime.Model
}

// handleMessage dispatches one inbound control message. Messages from a
// superseded connection are dropped.
func (e *Engine) handleMessage(epoch uint64, data []byte) {
	e.mu.Lock()
	stale := e.epoch != epoch
	c := e.conn
	e.mu.Unlock()
	if stale || c == nil {
		return
	}

	env, err := wire.ParseEnvelope(data)
	if err != nil {
		e.log.Warn("unparseable control message", "error", err)
		return
	}

	switch env.Type {
	case wire.TypeSessionCreated:
		var ev wire.SessionCreated
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		e.log.Info("session created", "session_id", ev.SessionID)
		if e.cb.OnSessionCreated != nil {
			e.cb.OnSessionCreated(ev.SessionID)
		}

	case wire.TypeResponseAudioDelta:
		var ev wire.AudioDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		pcm, err := audio.DecodeChunk(ev.Delta)
		if err != nil {
			e.log.Warn("dropping malformed audio delta", "error", err)
			return
		}
		e.utterance.Append(pcm)

	case wire.TypeTranscriptDelta:
		var ev wire.TranscriptDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		if e.cb.OnTranscriptDelta != nil {
			e.cb.OnTranscriptDelta(ev.Delta)
		}

	case wire.TypeResponseAudioDone:
		if e.cb.OnTranscriptDone != nil {
			e.cb.OnTranscriptDone()
		}
		payload := e.utterance.Take()
		if payload == nil {
			return
		}
		e.queue.Enqueue(c.ctx, playback.Segment{
			ID:   shared.NewID("seg"),
			Data: audio.Wrap(payload, audio.SampleRate),
		})

	case wire.TypePing:
		if ch := e.openChannel(); ch != nil {
			_ = ch.Send(wire.NewPong())
		}

	case wire.TypeError:
		var ev wire.ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		e.emitError(shared.E(shared.KindChannel, "remote error",
			fmt.Errorf("%s: %s", ev.Error.Code, ev.Error.Message)))
	}
}

func (e *Engine) startCapture() {
	if e.cfg.Source == nil {
		return
	}
	e.captureOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		e.captureCancel = cancel

		frames, err := e.cfg.Source.Start(ctx)
		if err != nil {
			cancel()
			e.emitError(shared.E(shared.KindAudio, "start capture", err))
			return
		}
		go func() {
			for f := range frames {
				e.processFrame(f.Samples, f.Timestamp)
			}
		}()
	})
}

func (e *Engine) emitState(s ConnState) {
	if e.cb.OnStateChange != nil {
		e.cb.OnStateChange(s)
	}
}

func (e *Engine) emitError(err error) {
	e.log.Error("engine error", "error", err)
	if e.cb.OnError != nil {
		e.cb.OnError(err)
	}
}

// nopPlayer completes every segment immediately. Used when no local
// output device is configured.
type nopPlayer struct{}

func (nopPlayer) Play(ctx context.Context, seg playback.Segment) error { return nil }
