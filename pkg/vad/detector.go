// Package vad detects end-of-utterance boundaries from short-window signal
// energy.
package vad

import (
	"math"
	"sync"
	"time"
)

// Config holds the silence thresholds. Zero values take defaults.
type Config struct {
	// EnergyThreshold is the RMS level below which a frame counts as silent.
	EnergyThreshold float64
	// SilenceDuration is how long silence must persist before the
	// end-of-utterance callback fires.
	SilenceDuration time.Duration
}

func normalizeConfig(cfg Config) Config {
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = 0.01
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = 1500 * time.Millisecond
	}
	return cfg
}

// SilenceDetector tracks per-frame energy and fires the end-of-utterance
// callback exactly once per quiet period. A frame above the threshold
// before the duration elapses cancels the pending trigger.
type SilenceDetector struct {
	mu           sync.Mutex
	cfg          Config
	silent       bool
	silenceStart time.Time
	fired        bool
	onEnd        func()
}

func NewSilenceDetector(cfg Config, onEnd func()) *SilenceDetector {
	return &SilenceDetector{
		cfg:   normalizeConfig(cfg),
		onEnd: onEnd,
	}
}

// Process evaluates one frame at the given instant.
func (d *SilenceDetector) Process(samples []float32, now time.Time) {
	energy := RMS(samples)

	d.mu.Lock()

	if energy >= d.cfg.EnergyThreshold {
		d.silent = false
		d.fired = false
		d.mu.Unlock()
		return
	}

	if !d.silent {
		d.silent = true
		d.silenceStart = now
		d.mu.Unlock()
		return
	}

	if d.fired || now.Sub(d.silenceStart) < d.cfg.SilenceDuration {
		d.mu.Unlock()
		return
	}

	d.fired = true
	cb := d.onEnd
	d.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// IsSilent reports whether the detector is currently inside a quiet period.
func (d *SilenceDetector) IsSilent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.silent
}

// Reset clears silence tracking, e.g. across reconnects.
func (d *SilenceDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = false
	d.fired = false
	d.silenceStart = time.Time{}
}

// RMS computes root-mean-square energy of one frame.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
