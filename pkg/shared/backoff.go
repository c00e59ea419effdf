package shared

import (
	"math/rand"
	"time"
)

// BackoffConfig controls reconnection pacing. Delays grow multiplicatively
// per attempt with jitter, capped at MaxDelay; attempts stop at MaxAttempts.
type BackoffConfig struct {
	Initial     time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Multiplier  float64
	Jitter      float64
}

func NormalizeBackoff(cfg BackoffConfig) BackoffConfig {
	if cfg.Initial <= 0 {
		cfg.Initial = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0.25
	}
	return cfg
}

// Delay returns the wait before the given zero-based attempt, jittered.
// The undithered delay is non-decreasing in attempt and never exceeds
// MaxDelay; jitter spreads it within ±Jitter of that value.
func (cfg BackoffConfig) Delay(attempt int) time.Duration {
	base := float64(cfg.Initial)
	for i := 0; i < attempt; i++ {
		base *= cfg.Multiplier
		if base >= float64(cfg.MaxDelay) {
			base = float64(cfg.MaxDelay)
			break
		}
	}

	if cfg.Jitter > 0 {
		spread := base * cfg.Jitter
		base += (rand.Float64()*2 - 1) * spread
	}

	d := time.Duration(base)
	if d < 0 {
		d = 0
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
