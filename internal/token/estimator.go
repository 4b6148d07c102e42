// Package token estimates request token counts from character counts and
// refines the estimate per session by learning from authoritative provider
// usage reports.
package token

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loom/internal/config"
	"loom/pkg/logger"
)

// Ratio clamp bounds. Observed chars-per-token ratios outside this range
// indicate a broken sample, not a real model property.
const (
	minRatio = 2.0
	maxRatio = 6.0
)

// Sample is one observed chars-to-tokens measurement.
type Sample struct {
	Chars  int       `json:"chars"`
	Tokens int       `json:"tokens"`
	Ratio  float64   `json:"ratio"`
	At     time.Time `json:"at"`
}

// SessionState is the learning state for one session. It marshals to JSON
// for persistence between daemon runs.
type SessionState struct {
	Samples   []Sample  `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Estimator converts character counts to token estimates. The baseline
// heuristic divides by a configured chars-per-token ratio; per-session
// learning replaces that ratio with an exponentially time-weighted average
// of observed ratios once samples arrive.
type Estimator struct {
	cfg config.EstimatorConfig
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*SessionState
}

// New creates an estimator with no learned state.
func New(cfg config.EstimatorConfig) *Estimator {
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = 3.0
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 30 * time.Minute
	}
	if cfg.Overhead <= 0 {
		cfg.Overhead = 1.25
	}
	return &Estimator{
		cfg:      cfg,
		log:      logger.Component("token"),
		sessions: make(map[string]*SessionState),
	}
}

// Estimate returns the token estimate for a piece of text using the
// session's learned ratio, or the configured default for unknown sessions.
func (e *Estimator) Estimate(sessionID, text string) int {
	return e.EstimateChars(sessionID, len(text))
}

// EstimateChars returns the token estimate for a pre-counted number of
// characters.
func (e *Estimator) EstimateChars(sessionID string, chars int) int {
	if chars <= 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / e.Ratio(sessionID)))
}

// ForRequest returns the whole-request token forecast: an authoritative
// baseline of already-measured history plus the overhead-padded estimate of
// characters appended since that measurement. The structural overhead
// multiplier covers roles, tool-call JSON and formatting, and applies only
// to the estimated portion.
func (e *Estimator) ForRequest(sessionID string, baseline, newChars int) int {
	if baseline < 0 {
		baseline = 0
	}
	estimated := e.EstimateChars(sessionID, newChars)
	padded := int(math.Ceil(float64(estimated) * e.cfg.Overhead))
	return baseline + padded
}

// CharsForTokens inverts ForRequest: the number of characters whose padded
// estimate stays within the token allowance. Used to size chunks of an
// oversized input against available headroom.
func (e *Estimator) CharsForTokens(sessionID string, tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return int(float64(tokens) / e.cfg.Overhead * e.Ratio(sessionID))
}

// Learn records an authoritative usage report: chars is the character count
// the request was estimated from, tokens the provider-reported input count.
// Degenerate samples are dropped.
func (e *Estimator) Learn(sessionID string, chars, tokens int) {
	if chars <= 0 || tokens <= 0 {
		return
	}
	ratio := float64(chars) / float64(tokens)
	if ratio < minRatio || ratio > maxRatio {
		e.log.Debug().Str("session_id", sessionID).Float64("ratio", ratio).
			Msg("Dropping out-of-range ratio sample")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.sessions[sessionID]
	if st == nil {
		st = &SessionState{}
		e.sessions[sessionID] = st
	}

	st.Samples = append(st.Samples, Sample{
		Chars:  chars,
		Tokens: tokens,
		Ratio:  ratio,
		At:     time.Now(),
	})
	if len(st.Samples) > e.cfg.WindowSize {
		st.Samples = st.Samples[len(st.Samples)-e.cfg.WindowSize:]
	}
	st.UpdatedAt = time.Now()

	e.log.Debug().Str("session_id", sessionID).
		Float64("sample_ratio", ratio).
		Int("samples", len(st.Samples)).
		Msg("Recorded ratio sample")
}

// Ratio returns the session's current chars-per-token ratio. Recent samples
// dominate: each sample is weighted by 0.5^(age/halfLife).
func (e *Estimator) Ratio(sessionID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.sessions[sessionID]
	if st == nil || len(st.Samples) == 0 {
		return e.cfg.CharsPerToken
	}

	ratio, _ := weightedStats(st.Samples, e.cfg.HalfLife, time.Now())
	return clampRatio(ratio)
}

// Confidence reports how much the learned ratio can be trusted, in [0,1].
// It grows with sample count and shrinks with ratio variance.
func (e *Estimator) Confidence(sessionID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confidenceLocked(sessionID)
}

func (e *Estimator) confidenceLocked(sessionID string) float64 {
	st := e.sessions[sessionID]
	if st == nil || len(st.Samples) == 0 {
		return 0
	}

	sampleFactor := float64(len(st.Samples)) / float64(e.cfg.WindowSize)
	if sampleFactor > 1 {
		sampleFactor = 1
	}

	_, variance := weightedStats(st.Samples, e.cfg.HalfLife, time.Now())
	varFactor := 1.0 / (1.0 + variance)

	return sampleFactor * varFactor
}

// Threshold returns the safe utilization fraction for pre-flight checks.
// While the estimator is calibrating the threshold stays loose so headroom
// errors stay on the conservative side; once confidence passes the bar it
// tightens to avoid wasted budget.
func (e *Estimator) Threshold(sessionID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	confidence := e.confidenceLocked(sessionID)
	bar := e.cfg.ConfidenceBar
	if bar <= 0 {
		bar = 0.8
	}
	if confidence >= bar {
		return e.cfg.TightThreshold
	}
	return e.cfg.LooseThreshold +
		(e.cfg.TightThreshold-e.cfg.LooseThreshold)*(confidence/bar)
}

// Snapshot returns a copy of a session's learning state for persistence.
func (e *Estimator) Snapshot(sessionID string) (SessionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.sessions[sessionID]
	if st == nil {
		return SessionState{}, false
	}
	out := SessionState{
		Samples:   append([]Sample(nil), st.Samples...),
		UpdatedAt: st.UpdatedAt,
	}
	return out, true
}

// Restore installs previously persisted learning state, replacing anything
// already held for the session.
func (e *Estimator) Restore(sessionID string, st SessionState) {
	if len(st.Samples) > e.cfg.WindowSize {
		st.Samples = st.Samples[len(st.Samples)-e.cfg.WindowSize:]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sessionID] = &st
}

// Forget drops a session's learning state.
func (e *Estimator) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// Sessions lists session ids with learning state, for periodic flushing.
func (e *Estimator) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// weightedStats computes the exponentially time-weighted mean and variance
// of sample ratios. Weight halves every halfLife.
func weightedStats(samples []Sample, halfLife time.Duration, now time.Time) (mean, variance float64) {
	var sumW, sumWR float64
	weights := make([]float64, len(samples))

	for i, s := range samples {
		age := now.Sub(s.At)
		if age < 0 {
			age = 0
		}
		w := math.Pow(0.5, age.Seconds()/halfLife.Seconds())
		weights[i] = w
		sumW += w
		sumWR += w * s.Ratio
	}
	if sumW == 0 {
		return samples[len(samples)-1].Ratio, 0
	}

	mean = sumWR / sumW
	var sumWV float64
	for i, s := range samples {
		d := s.Ratio - mean
		sumWV += weights[i] * d * d
	}
	variance = sumWV / sumW
	return mean, variance
}

func clampRatio(r float64) float64 {
	if r < minRatio {
		return minRatio
	}
	if r > maxRatio {
		return maxRatio
	}
	return r
}
