package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/davidhitl/attune-voice/pkg/credential"
	"github.com/davidhitl/attune-voice/pkg/shared"
)

// State is the negotiation lifecycle:
// new -> offering -> awaiting-answer -> established -> closed | failed.
type State string

const (
	StateNew            State = "new"
	StateOffering       State = "offering"
	StateAwaitingAnswer State = "awaiting-answer"
	StateEstablished    State = "established"
	StateClosed         State = "closed"
	StateFailed         State = "failed"
)

const controlChannelLabel = "events"

// Negotiator performs the offer/answer exchange against the remote
// endpoint and produces the established transport.
type Negotiator struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	onState func(State)
}

func NewNegotiator(cfg Config, log *slog.Logger) *Negotiator {
	if log == nil {
		log = slog.Default()
	}
	return &Negotiator{
		cfg:   cfg.Normalize(),
		http:  &http.Client{},
		log:   log,
		state: StateNew,
	}
}

func (n *Negotiator) OnStateChange(fn func(State)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onState = fn
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	n.state = s
	fn := n.onState
	n.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

// Result is the established transport handed to the rest of the engine.
type Result struct {
	Peer    *Peer
	Control *DataChannel
}

// Negotiate drives one full handshake with the given credential. A local
// audio track is attached when withLocalAudio is set; acquisition failure
// upstream simply means calling without one, since audio-out-only sessions
// are valid. Bounded by the configured negotiation timeout.
func (n *Negotiator) Negotiate(ctx context.Context, cred credential.Credential, withLocalAudio bool, cb ChannelCallbacks) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.NegotiateTimeout)
	defer cancel()

	peer, err := newPeer(n.cfg, withLocalAudio)
	if err != nil {
		n.setState(StateFailed)
		return nil, shared.E(shared.KindNegotiation, "create peer", err)
	}

	fail := func(op string, err error) (*Result, error) {
		peer.Close()
		n.setState(StateFailed)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, shared.E(shared.KindTimeout, op, err)
		}
		return nil, shared.E(shared.KindNegotiation, op, err)
	}

	// The client opens the channel so it is present in the offer.
	dc, err := peer.CreateDataChannel(controlChannelLabel)
	if err != nil {
		return fail("create data channel", err)
	}
	control := NewDataChannel(dc, cb, n.log)

	n.setState(StateOffering)
	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return fail("create offer", err)
	}

	n.setState(StateAwaitingAnswer)
	answer, err := n.postOffer(ctx, offer, cred)
	if err != nil {
		peer.Close()
		n.setState(StateFailed)
		return nil, err
	}

	if err := peer.SetAnswer(answer); err != nil {
		return fail("apply answer", err)
	}

	n.setState(StateEstablished)
	n.log.Debug("negotiation established", "local_audio", peer.HasLocalAudio())

	return &Result{Peer: peer, Control: control}, nil
}

// MarkClosed records an explicit disconnect of the established transport.
func (n *Negotiator) MarkClosed() {
	n.setState(StateClosed)
}

// postOffer sends the local description to the remote endpoint over an
// authenticated request and returns the remote answer.
func (n *Negotiator) postOffer(ctx context.Context, sdp string, cred credential.Credential) (string, error) {
	endpoint, err := url.Parse(n.cfg.Endpoint)
	if err != nil {
		return "", shared.E(shared.KindNegotiation, "parse endpoint", err)
	}
	if n.cfg.Model != "" {
		q := endpoint.Query()
		q.Set("model", n.cfg.Model)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(sdp))
	if err != nil {
		return "", shared.E(shared.KindNegotiation, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := n.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", shared.E(shared.KindTimeout, "post offer", ctx.Err())
		}
		return "", shared.E(shared.KindNegotiation, "post offer", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", shared.E(shared.KindNegotiation, "post offer",
			fmt.Errorf("%w: endpoint returned %d", shared.ErrUnauthorized, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", shared.E(shared.KindNegotiation, "post offer", shared.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", shared.E(shared.KindNegotiation, "post offer",
			fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return "", shared.E(shared.KindNegotiation, "read answer", err)
	}
	if len(body) == 0 {
		return "", shared.E(shared.KindNegotiation, "read answer", fmt.Errorf("empty answer"))
	}
	return string(body), nil
}
