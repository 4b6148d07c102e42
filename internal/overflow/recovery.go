// Package overflow handles context-window overflow: pre-flight detection
// against the usable window, cooldown-gated forced compaction, and
// progressive chunking of single inputs too large for any amount of
// compaction to absorb.
package overflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loom/internal/compaction"
	"loom/internal/config"
	"loom/internal/tier"
	"loom/internal/token"
	"loom/pkg/logger"
)

// Trigger distinguishes the compaction paths for cooldown purposes.
type Trigger string

const (
	// TriggerAuto is the overflow-recovery path.
	TriggerAuto Trigger = "auto"
	// TriggerPeriodic covers proactive threshold-based and scheduled passes.
	TriggerPeriodic Trigger = "periodic"
)

// ErrTooFewMessages indicates the session is too small for compaction to
// be worth anything; the input itself is the problem.
var ErrTooFewMessages = errors.New("overflow: too few messages to compact")

// ErrStillTooLarge is the user-facing terminal error after recovery has
// been exhausted.
var ErrStillTooLarge = errors.New("context is still too large after compaction; start a new session or wait a moment")

// CooldownError reports a compaction attempt inside the cooldown window.
// On the overflow path this is the second-overflow signal that turns into
// ErrStillTooLarge for the user.
type CooldownError struct {
	Trigger   Trigger
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("overflow: %s compaction on cooldown for %s", e.Trigger, e.Remaining.Round(time.Second))
}

// Check is the result of a pre-flight estimate against the usable window.
type Check struct {
	Estimate  int
	Limit     int
	Reserve   int
	Threshold float64
	// Overflow: the request cannot fit alongside the output reserve.
	Overflow bool
	// NearLimit: past the dynamic trigger fraction, compact proactively.
	NearLimit bool
}

// Available returns the usable input window.
func (c Check) Available() int {
	return c.Limit - c.Reserve
}

// Recovery coordinates overflow handling for all sessions.
type Recovery struct {
	cfg    config.OverflowConfig
	engine *compaction.Engine
	est    *token.Estimator
	log    zerolog.Logger

	mu   sync.Mutex
	last map[string]time.Time

	now func() time.Time
}

// NewRecovery returns a recovery coordinator.
func NewRecovery(cfg config.OverflowConfig, engine *compaction.Engine, est *token.Estimator) *Recovery {
	return &Recovery{
		cfg:    cfg,
		engine: engine,
		est:    est,
		log:    logger.Component("overflow"),
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Preflight forecasts the whole request and classifies it against the
// context limit. baseline is the last authoritative provider-reported
// input count; newChars covers everything appended since.
func (r *Recovery) Preflight(sessionID string, limit, reserve, baseline, newChars int) Check {
	c := Check{
		Estimate:  r.est.ForRequest(sessionID, baseline, newChars),
		Limit:     limit,
		Reserve:   reserve,
		Threshold: r.est.Threshold(sessionID),
	}
	c.Overflow = c.Estimate > c.Available()
	c.NearLimit = float64(c.Estimate) >= c.Threshold*float64(limit)
	if c.Overflow || c.NearLimit {
		r.log.Debug().
			Str("session_id", sessionID).
			Int("estimate", c.Estimate).
			Int("limit", limit).
			Int("reserve", reserve).
			Float64("threshold", c.Threshold).
			Bool("overflow", c.Overflow).
			Msg("pre-flight estimate near or over limit")
	}
	return c
}

// Compact forces a compression pass, subject to the trigger's cooldown and
// a minimum session size. The overflow path escalates to at least heavy.
func (r *Recovery) Compact(s *tier.Store, trigger Trigger) (compaction.Result, error) {
	sessionID := s.SessionID()
	if s.RecentCount() < r.cfg.MinMessages {
		return compaction.Result{}, ErrTooFewMessages
	}

	cooldown := r.cfg.PeriodicCooldown
	if trigger == TriggerAuto {
		cooldown = r.cfg.AutoCooldown
	}

	r.mu.Lock()
	if last, ok := r.last[sessionID]; ok {
		if since := r.now().Sub(last); since < cooldown {
			r.mu.Unlock()
			return compaction.Result{}, &CooldownError{Trigger: trigger, Remaining: cooldown - since}
		}
	}
	r.last[sessionID] = r.now()
	r.mu.Unlock()

	level := r.engine.Level(s)
	if trigger == TriggerAuto && levelRank(level) < levelRank(tier.LevelHeavy) {
		level = tier.LevelHeavy
	}

	res, err := r.engine.Compress(s, level)
	if err != nil {
		return res, err
	}
	r.log.Info().
		Str("session_id", sessionID).
		Str("trigger", string(trigger)).
		Str("level", string(level)).
		Int("tokens_before", res.TokensBefore).
		Int("tokens_after", res.TokensAfter).
		Msg("overflow compaction pass")
	return res, nil
}

// Forget drops the cooldown state for a deleted session.
func (r *Recovery) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.last, sessionID)
	r.mu.Unlock()
}

func levelRank(l tier.Level) int {
	switch l {
	case tier.LevelLight:
		return 1
	case tier.LevelMedium:
		return 2
	case tier.LevelHeavy:
		return 3
	case tier.LevelEmergency:
		return 4
	default:
		return 0
	}
}
