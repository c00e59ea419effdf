package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davidhitl/attune-voice/pkg/audio"
	"github.com/davidhitl/attune-voice/pkg/playback"
	"github.com/davidhitl/attune-voice/pkg/realtime"
	"github.com/davidhitl/attune-voice/pkg/shared"
	"github.com/davidhitl/attune-voice/pkg/vad"
	"github.com/davidhitl/attune-voice/pkg/wire"
)

type stubChannel struct {
	mu     sync.Mutex
	sent   []any
	state  realtime.ChannelState
	closed bool
}

func newStubChannel() *stubChannel {
	return &stubChannel{state: realtime.ChannelOpen}
}

func (s *stubChannel) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != realtime.ChannelOpen {
		return shared.E(shared.KindChannel, "send", shared.ErrChannelNotReady)
	}
	s.sent = append(s.sent, v)
	return nil
}

func (s *stubChannel) State() realtime.ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.state = realtime.ChannelClosed
	return nil
}

func (s *stubChannel) messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *stubChannel) countType(match func(any) bool) int {
	n := 0
	for _, m := range s.messages() {
		if match(m) {
			n++
		}
	}
	return n
}

func (s *stubChannel) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newStubConn(ch realtime.Channel) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{ctx: ctx, cancel: cancel, control: ch}
}

func epochOf(e *Engine) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestEngine(t *testing.T, cfg Config, cb Callbacks) *Engine {
	t.Helper()
	e := NewEngine(cfg, cb, nil)
	t.Cleanup(e.Close)
	return e
}

// connectStub wires the engine to a stub channel through the dial hook.
func connectStub(t *testing.T, e *Engine, ch *stubChannel) {
	t.Helper()
	e.dial = func(ctx context.Context, epoch uint64) (*conn, error) {
		return newStubConn(ch), nil
	}
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
}

func TestEngine_SendTextRequiresConnection(t *testing.T) {
	e := newTestEngine(t, Config{}, Callbacks{})

	if e.SendText("hello") {
		t.Error("expected SendText to fail while disconnected")
	}

	ch := newStubChannel()
	connectStub(t, e, ch)

	if !e.SendText("hello") {
		t.Fatal("expected SendText to succeed while connected")
	}

	msgs := ch.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected item + response messages, got %d", len(msgs))
	}
	item, ok := msgs[0].(wire.ConversationItemCreate)
	if !ok || item.Item.Content[0].Text != "hello" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if _, ok := msgs[1].(wire.ResponseCreate); !ok {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
}

func TestEngine_ConnectWhileConnectedIsRejected(t *testing.T) {
	e := newTestEngine(t, Config{}, Callbacks{})
	connectStub(t, e, newStubChannel())

	if err := e.Connect(context.Background()); !errors.Is(err, shared.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestEngine_DisconnectIdempotent(t *testing.T) {
	e := newTestEngine(t, Config{}, Callbacks{})
	ch := newStubChannel()
	connectStub(t, e, ch)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Disconnect()
		}()
	}
	wg.Wait()

	if e.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", e.State())
	}
	if !ch.isClosed() {
		t.Error("expected channel closed on disconnect")
	}
}

func TestEngine_DisconnectDuringConnectDiscardsResult(t *testing.T) {
	e := newTestEngine(t, Config{}, Callbacks{})

	release := make(chan struct{})
	ch := newStubChannel()
	e.dial = func(ctx context.Context, epoch uint64) (*conn, error) {
		<-release
		return newStubConn(ch), nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- e.Connect(context.Background()) }()

	waitFor(t, func() bool { return e.State() == StateConnecting })
	e.Disconnect()
	close(release)

	err := <-errCh
	if !errors.Is(err, shared.ErrConnectionSuperseded) {
		t.Errorf("expected ErrConnectionSuperseded, got %v", err)
	}
	if !ch.isClosed() {
		t.Error("expected superseded connection to be torn down")
	}
	if e.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", e.State())
	}
}

func TestEngine_CommitDebounce(t *testing.T) {
	e := newTestEngine(t, Config{CommitDebounce: 40 * time.Millisecond}, Callbacks{})
	ch := newStubChannel()
	connectStub(t, e, ch)

	e.CommitUtterance()
	e.CommitUtterance()
	time.Sleep(10 * time.Millisecond)
	e.CommitUtterance()

	isCommit := func(m any) bool { _, ok := m.(wire.InputAudioCommit); return ok }
	waitFor(t, func() bool { return ch.countType(isCommit) > 0 })
	time.Sleep(100 * time.Millisecond)

	if n := ch.countType(isCommit); n != 1 {
		t.Errorf("expected exactly one commit, got %d", n)
	}
	isResponse := func(m any) bool { _, ok := m.(wire.ResponseCreate); return ok }
	if n := ch.countType(isResponse); n != 1 {
		t.Errorf("expected exactly one response request, got %d", n)
	}
}

func TestEngine_DisconnectCancelsPendingCommit(t *testing.T) {
	e := newTestEngine(t, Config{CommitDebounce: 30 * time.Millisecond}, Callbacks{})
	ch := newStubChannel()
	connectStub(t, e, ch)

	e.CommitUtterance()
	e.Disconnect()
	time.Sleep(80 * time.Millisecond)

	isCommit := func(m any) bool { _, ok := m.(wire.InputAudioCommit); return ok }
	if n := ch.countType(isCommit); n != 0 {
		t.Errorf("expected no commit after disconnect, got %d", n)
	}
}

func TestEngine_AudioFrameFlow(t *testing.T) {
	e := newTestEngine(t, Config{}, Callbacks{})

	// Dropped silently while disconnected.
	e.SendAudioFrame([]float32{0.5, -0.5})

	ch := newStubChannel()
	connectStub(t, e, ch)

	samples := []float32{0.5, -0.5, 0.25, -0.25}
	e.SendAudioFrame(samples)

	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one append message, got %d", len(msgs))
	}
	app, ok := msgs[0].(wire.InputAudioAppend)
	if !ok {
		t.Fatalf("expected InputAudioAppend, got %T", msgs[0])
	}
	pcm, err := audio.DecodeChunk(app.Audio)
	if err != nil {
		t.Fatalf("chunk not decodable: %v", err)
	}
	if !bytes.Equal(pcm, audio.EncodePCM16(samples)) {
		t.Error("append payload does not round-trip the frame")
	}
}

func TestEngine_SilenceTriggersDebouncedCommit(t *testing.T) {
	e := newTestEngine(t, Config{CommitDebounce: 30 * time.Millisecond}, Callbacks{})
	ch := newStubChannel()
	connectStub(t, e, ch)

	quiet := make([]float32, audio.FrameSize)
	loud := make([]float32, audio.FrameSize)
	for i := range loud {
		loud[i] = 0.5
	}

	t0 := time.Now()
	e.processFrame(loud, t0)
	e.processFrame(quiet, t0.Add(20*time.Millisecond))
	e.processFrame(quiet, t0.Add(2*time.Second))

	isCommit := func(m any) bool { _, ok := m.(wire.InputAudioCommit); return ok }
	waitFor(t, func() bool { return ch.countType(isCommit) == 1 })
}

func TestEngine_InboundAudioAssemblesPlayableSegment(t *testing.T) {
	started := make(chan playback.Segment, 1)
	e := newTestEngine(t, Config{}, Callbacks{
		OnPlaybackStarted: func(seg playback.Segment) { started <- seg },
	})
	ch := newStubChannel()
	connectStub(t, e, ch)
	epoch := epochOf(e)

	chunkA := audio.EncodeChunk([]float32{0.5, -0.5})
	chunkB := audio.EncodeChunk([]float32{0.25, -0.25})
	for _, c := range []string{chunkA, chunkB} {
		data, _ := json.Marshal(wire.AudioDelta{Type: wire.TypeResponseAudioDelta, Delta: c})
		e.handleMessage(epoch, data)
	}
	e.handleMessage(epoch, []byte(`{"type":"response.audio.done"}`))

	select {
	case seg := <-started:
		hdr, payload, err := audio.Unwrap(seg.Data)
		if err != nil {
			t.Fatalf("segment not a valid container: %v", err)
		}
		if hdr.SampleRate != audio.SampleRate {
			t.Errorf("expected sample rate %d, got %d", audio.SampleRate, hdr.SampleRate)
		}
		want := append(audio.EncodePCM16([]float32{0.5, -0.5}), audio.EncodePCM16([]float32{0.25, -0.25})...)
		if !bytes.Equal(payload, want) {
			t.Error("segment payload does not match accumulated deltas")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}
}

func TestEngine_StaleMessagesDropped(t *testing.T) {
	var transcripts []string
	var mu sync.Mutex
	e := newTestEngine(t, Config{}, Callbacks{
		OnTranscriptDelta: func(text string) {
			mu.Lock()
			transcripts = append(transcripts, text)
			mu.Unlock()
		},
	})
	connectStub(t, e, newStubChannel())
	stale := epochOf(e) - 1

	data, _ := json.Marshal(wire.TranscriptDelta{Type: wire.TypeTranscriptDelta, Delta: "old words"})
	e.handleMessage(stale, data)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transcripts) != 0 {
		t.Errorf("expected stale transcript dropped, got %v", transcripts)
	}
}

func TestEngine_PingAnsweredWithPong(t *testing.T) {
	e := newTestEngine(t, Config{}, Callbacks{})
	ch := newStubChannel()
	connectStub(t, e, ch)

	e.handleMessage(epochOf(e), []byte(`{"type":"ping"}`))

	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one pong, got %d messages", len(msgs))
	}
	if _, ok := msgs[0].(wire.Pong); !ok {
		t.Errorf("expected Pong, got %T", msgs[0])
	}
}

func TestEngine_RemoteErrorSurfaced(t *testing.T) {
	errs := make(chan error, 1)
	e := newTestEngine(t, Config{}, Callbacks{
		OnError: func(err error) { errs <- err },
	})
	connectStub(t, e, newStubChannel())

	e.handleMessage(epochOf(e), []byte(`{"type":"error","error":{"code":"session_expired","message":"gone"}}`))

	select {
	case err := <-errs:
		if !shared.IsKind(err, shared.KindChannel) {
			t.Errorf("expected channel error kind, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("remote error not surfaced")
	}
}

func TestEngine_TranscriptDeltaForwarded(t *testing.T) {
	got := make(chan string, 1)
	e := newTestEngine(t, Config{}, Callbacks{
		OnTranscriptDelta: func(text string) { got <- text },
	})
	connectStub(t, e, newStubChannel())

	data, _ := json.Marshal(wire.TranscriptDelta{Type: wire.TypeTranscriptDelta, Delta: "hello there"})
	e.handleMessage(epochOf(e), data)

	select {
	case text := <-got:
		if text != "hello there" {
			t.Errorf("unexpected transcript: %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("transcript not forwarded")
	}
}

func TestEngine_SilenceDetectorConfigApplied(t *testing.T) {
	cfg := Config{
		Silence: vad.Config{EnergyThreshold: 0.2, SilenceDuration: 100 * time.Millisecond},
	}
	e := newTestEngine(t, cfg, Callbacks{})
	ch := newStubChannel()
	connectStub(t, e, ch)

	// Below the raised threshold counts as silence even though it would
	// pass the default one.
	soft := make([]float32, audio.FrameSize)
	for i := range soft {
		soft[i] = 0.05
	}
	t0 := time.Now()
	e.processFrame(soft, t0)
	if !e.detector.IsSilent() {
		t.Error("expected frame below configured threshold to count as silent")
	}
}

func TestConfig_Normalize(t *testing.T) {
	cfg := Config{}.Normalize()
	if cfg.CommitDebounce != defaultCommitDebounce {
		t.Errorf("expected default commit debounce, got %v", cfg.CommitDebounce)
	}
	if cfg.Backoff.MaxAttempts != 8 {
		t.Errorf("expected default backoff attempts, got %d", cfg.Backoff.MaxAttempts)
	}
	if cfg.Realtime.NegotiateTimeout == 0 {
		t.Error("expected transport timeouts to be defaulted")
	}
}

func TestConfig_SessionSettings(t *testing.T) {
	cfg := Config{
		Instructions: "be brief",
		Voice:        "ember",
		Temperature:  0.7,
	}
	s := cfg.sessionSettings()
	if s.Instructions != "be brief" || s.Voice != "ember" || s.Temperature != 0.7 {
		t.Errorf("unexpected session settings: %+v", s)
	}
	if s.InputAudioFormat != "pcm16" || s.OutputAudioFormat != "pcm16" {
		t.Errorf("expected pcm16 formats, got %+v", s)
	}
	if len(s.Modalities) == 0 {
		t.Error("expected modalities set")
	}
}

func TestEngine_ConnectFailureRestoresDisconnected(t *testing.T) {
	e := newTestEngine(t, Config{}, Callbacks{})
	e.dial = func(ctx context.Context, epoch uint64) (*conn, error) {
		return nil, fmt.Errorf("no route")
	}

	if err := e.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if e.State() != StateDisconnected {
		t.Errorf("expected disconnected after failed connect, got %s", e.State())
	}

	// A later attempt is permitted.
	connectStub(t, e, newStubChannel())
	if e.State() != StateConnected {
		t.Errorf("expected connected, got %s", e.State())
	}
}
