// Package credential requests short-lived access credentials from the
// external issuance service. Credential values are bearer secrets: usable
// once per negotiation and never logged.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/davidhitl/attune-voice/pkg/shared"
)

const defaultTimeout = 10 * time.Second

// Credential authorizes one negotiation attempt.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is unusable at the given instant.
// Expired credentials must be re-requested, never reused.
func (c Credential) Expired(now time.Time) bool {
	return c.Value == "" || !c.ExpiresAt.After(now)
}

type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
	log      *slog.Logger
}

func NewClient(endpoint string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	// The per-request context bounds the call; the client itself stays
	// deadline-free so the timeout error is always attributable.
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{},
		timeout:  timeout,
		log:      log,
	}
}

type requestBody struct {
	Instructions string `json:"instructions"`
	VoiceID      string `json:"voice_id"`
}

type responseBody struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// Request obtains a fresh credential. It blocks no longer than the
// configured timeout.
func (c *Client) Request(ctx context.Context, instructions, voiceID string) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(requestBody{Instructions: instructions, VoiceID: voiceID})
	if err != nil {
		return Credential{}, shared.E(shared.KindCredential, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, shared.E(shared.KindCredential, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Credential{}, shared.E(shared.KindTimeout, "credential request", ctx.Err())
		}
		return Credential{}, shared.E(shared.KindCredential, "request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn("credential request rejected", "status", resp.StatusCode)
		return Credential{}, shared.E(shared.KindCredential, "request",
			fmt.Errorf("issuance service returned %d: %s", resp.StatusCode, body))
	}

	var rb responseBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return Credential{}, shared.E(shared.KindCredential, "decode response", err)
	}
	if rb.Value == "" {
		return Credential{}, shared.E(shared.KindCredential, "decode response",
			fmt.Errorf("empty credential value"))
	}

	cred := Credential{
		Value:     rb.Value,
		ExpiresAt: time.Unix(rb.ExpiresAt, 0),
	}
	if cred.Expired(time.Now()) {
		return Credential{}, shared.E(shared.KindCredential, "request", shared.ErrCredentialExpired)
	}

	c.log.Debug("credential issued", "expires_at", cred.ExpiresAt)
	return cred, nil
}
