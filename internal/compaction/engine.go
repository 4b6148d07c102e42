// Package compaction implements four-level context compression over the
// tier store. Levels build on each other: light summarizes the oldest
// recent messages, medium adds semantic extraction, heavy shrinks the
// compressed tier into low-detail facts, emergency enforces a lossy floor
// that guarantees the next request fits.
//
// Summarization is deterministic and rule based. No model call happens
// during compression, so a pass is cheap enough to run inside the request
// path.
package compaction

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"loom/internal/config"
	"loom/internal/semantic"
	"loom/internal/storage"
	"loom/internal/tier"
	"loom/internal/token"
	"loom/pkg/logger"
)

const (
	// windowFraction of the recent tier considered by one pass.
	windowFraction = 0.30
	// windowCap bounds how many messages one pass summarizes.
	windowCap = 5
	// distillRate is tokens of freed material per distilled fact.
	distillRate = 100
	// emergencyKeepRecent is the recent-tier hard cap at the emergency level.
	emergencyKeepRecent = 3
	// emergencyCompressedFraction of the compressed tier surviving emergency.
	emergencyCompressedFraction = 0.20
	// maxBoostedThreshold caps task-boosted trigger ratios.
	maxBoostedThreshold = 0.99
)

// Result reports one compression pass.
type Result struct {
	Level        tier.Level    `json:"level"`
	Compressed   int           `json:"compressed"`
	FactsAdded   int           `json:"facts_added"`
	TokensBefore int           `json:"tokens_before"`
	TokensAfter  int           `json:"tokens_after"`
	Duration     time.Duration `json:"duration"`
}

// TokensSaved returns the occupancy drop achieved by the pass.
func (r Result) TokensSaved() int {
	saved := r.TokensBefore - r.TokensAfter
	if saved < 0 {
		return 0
	}
	return saved
}

// Engine decides when to compress and executes passes against a store.
type Engine struct {
	cfg       config.CompressionConfig
	extractor *semantic.Extractor
	est       *token.Estimator
	log       zerolog.Logger
}

// NewEngine returns an engine with the configured trigger ratios.
func NewEngine(cfg config.CompressionConfig, est *token.Estimator) *Engine {
	return &Engine{
		cfg:       cfg,
		extractor: semantic.NewExtractor(),
		est:       est,
		log:       logger.Component("compaction"),
	}
}

// ShouldCompress reports whether occupancy warrants any compression.
// Read-only, safe to call repeatedly.
func (e *Engine) ShouldCompress(s *tier.Store) bool {
	return e.Level(s) != tier.LevelNone
}

// Level maps current utilization to a compression level. Task-heavy
// sessions get proportionally higher trigger ratios so active work
// compresses later.
func (e *Engine) Level(s *tier.Store) tier.Level {
	util := s.Utilization()
	density := semantic.TaskDensity(derefMessages(s.Recent()))
	boost := 1 + e.cfg.TaskBoost*density

	switch {
	case util >= boosted(e.cfg.EmergencyThreshold, boost):
		return tier.LevelEmergency
	case util >= boosted(e.cfg.HeavyThreshold, boost):
		return tier.LevelHeavy
	case util >= boosted(e.cfg.MediumThreshold, boost):
		return tier.LevelMedium
	case util >= boosted(e.cfg.LightThreshold, boost):
		return tier.LevelLight
	default:
		return tier.LevelNone
	}
}

// Compress executes one pass at the given level and restores per-tier
// budgets before returning. A "none" pass mutates nothing.
func (e *Engine) Compress(s *tier.Store, level tier.Level) (Result, error) {
	if level == tier.LevelNone {
		return Result{Level: tier.LevelNone}, nil
	}

	start := time.Now()
	ps := &passState{store: s, level: level}
	before := s.Occupancy()

	switch level {
	case tier.LevelLight:
		e.compressWindow(ps, false)
	case tier.LevelMedium:
		e.compressWindow(ps, true)
	case tier.LevelHeavy:
		e.compressWindow(ps, true)
		e.shrinkCompressed(ps, 0.50)
	case tier.LevelEmergency:
		e.compressWindow(ps, true)
		e.shrinkCompressed(ps, 0.50)
		e.capRecent(ps, emergencyKeepRecent)
		e.capCompressed(ps, emergencyCompressedFraction)
	default:
		return Result{}, fmt.Errorf("compaction: unknown level %q", level)
	}

	e.enforceBudgets(ps)
	after := s.Occupancy()

	// Extraction must never outweigh what summarization saved; shed the
	// lowest-value facts if it did.
	if after > before {
		target := s.TierTokens(tier.TierSemantic) - (after - before)
		if target < 0 {
			target = 0
		}
		s.ReplaceFacts(trimFacts(s.Facts(), target, func(f semantic.Fact) int {
			return e.est.EstimateChars(s.SessionID(), f.Chars())
		}))
		after = s.Occupancy()
	}

	s.RecordPass(level, ps.origTokens, ps.newTokens, ps.factsAdded)
	res := Result{
		Level:        level,
		Compressed:   ps.compressedMsgs,
		FactsAdded:   ps.factsAdded,
		TokensBefore: before,
		TokensAfter:  after,
		Duration:     time.Since(start),
	}
	e.log.Info().
		Str("session_id", s.SessionID()).
		Str("level", string(level)).
		Int("messages", res.Compressed).
		Int("facts", res.FactsAdded).
		Int("tokens_before", res.TokensBefore).
		Int("tokens_after", res.TokensAfter).
		Dur("duration", res.Duration).
		Msg("compression pass complete")
	return res, nil
}

// passState accumulates counters across the steps of one pass.
type passState struct {
	store          *tier.Store
	level          tier.Level
	compressedMsgs int
	factsAdded     int
	origTokens     int
	newTokens      int
}

// compressWindow moves the oldest slice of the recent tier into the
// compressed tier. With extraction enabled the same window feeds the
// semantic extractor first so summaries can reference the fact ids.
func (e *Engine) compressWindow(ps *passState, extract bool) {
	s := ps.store
	window := s.OldestUnpinned(windowFraction, windowCap)
	if len(window) == 0 {
		return
	}

	var refs *factIndex
	if extract {
		facts := e.extractor.Extract(derefMessages(window))
		refs = indexFacts(facts)
		ps.factsAdded += s.AddFacts(facts)
	}

	e.foldIntoCompressed(ps, window, refs)
}

// factIndex maps source message ids to the facts extracted from them.
type factIndex struct {
	bySource map[string][]string
	content  map[string]string
}

func indexFacts(facts []semantic.Fact) *factIndex {
	idx := &factIndex{bySource: map[string][]string{}, content: map[string]string{}}
	for _, f := range facts {
		idx.content[f.ID] = f.Content
		for _, src := range f.SourceIDs {
			idx.bySource[src] = append(idx.bySource[src], f.ID)
		}
	}
	return idx
}

// coveredByFact reports whether a preserved fragment duplicates one of the
// linked facts, in which case the fact reference replaces the verbatim copy.
func (idx *factIndex) coveredByFact(fragment string, factIDs []string) bool {
	frag := strings.ToLower(strings.TrimSuffix(fragment, "..."))
	for _, id := range factIDs {
		content := strings.ToLower(idx.content[id])
		if content == "" {
			continue
		}
		if strings.Contains(content, frag) || strings.Contains(frag, content) {
			return true
		}
	}
	return false
}

// foldIntoCompressed summarizes messages and swaps them from recent into
// compressed.
func (e *Engine) foldIntoCompressed(ps *passState, window []*storage.Message, refs *factIndex) {
	s := ps.store
	ids := make([]string, 0, len(window))
	for _, m := range window {
		summary, preserved := summarize(m, ps.level)
		cm := tier.CompressedMessage{
			ID:         tier.NewCompressedID(),
			OriginalID: m.ID,
			SessionID:  s.SessionID(),
			Summary:    summary,
			Preserved:  preserved,
			Level:      ps.level,
			CreatedAt:  time.Now().UTC(),
		}
		if refs != nil {
			cm.FactIDs = refs.bySource[m.ID]
			if len(cm.FactIDs) > 0 {
				kept := cm.Preserved[:0]
				for _, frag := range cm.Preserved {
					if !refs.coveredByFact(frag, cm.FactIDs) {
						kept = append(kept, frag)
					}
				}
				cm.Preserved = kept
			}
		}
		cm.OriginalTokens = e.est.EstimateChars(s.SessionID(), m.Chars())
		cm.TokensSaved = cm.OriginalTokens - e.est.EstimateChars(s.SessionID(), cm.Chars())

		s.AddCompressed(cm)
		ids = append(ids, m.ID)
		ps.origTokens += cm.OriginalTokens
		ps.newTokens += e.est.EstimateChars(s.SessionID(), cm.Chars())
	}
	s.RemoveRecent(ids)
	ps.compressedMsgs += len(ids)
}

// shrinkCompressed drops the oldest dropFraction of the compressed tier,
// distilling each dropped summary into low-detail facts at roughly one
// fact per hundred tokens freed.
func (e *Engine) shrinkCompressed(ps *passState, dropFraction float64) {
	s := ps.store
	list := s.Compressed()
	if len(list) < 2 {
		return
	}
	dropN := int(float64(len(list)) * dropFraction)
	if dropN < 1 {
		dropN = 1
	}
	dropped, kept := list[:dropN], list[dropN:]

	var distilled []semantic.Fact
	for i := range dropped {
		cm := &dropped[i]
		freed := e.est.EstimateChars(s.SessionID(), cm.Chars())
		maxFacts := freed / distillRate
		if maxFacts < 1 {
			maxFacts = 1
		}
		distilled = append(distilled, e.extractor.Distill(compressedText(cm), cm.OriginalID, maxFacts)...)
		ps.origTokens += freed
	}
	s.ReplaceCompressed(kept)
	added := s.AddFacts(distilled)
	ps.factsAdded += added
	for _, f := range distilled {
		ps.newTokens += e.est.EstimateChars(s.SessionID(), f.Chars())
	}
}

// capRecent folds everything beyond the newest keep unpinned messages into
// the compressed tier with emergency-grade summaries.
func (e *Engine) capRecent(ps *passState, keep int) {
	removed := ps.store.UnpinnedBeyond(keep)
	if len(removed) == 0 {
		return
	}
	e.foldIntoCompressed(ps, removed, nil)
}

// capCompressed keeps only the newest fraction of the compressed tier.
// Dropped entries are gone for good; the emergency floor is lossy.
func (e *Engine) capCompressed(ps *passState, fraction float64) {
	s := ps.store
	list := s.Compressed()
	if len(list) == 0 {
		return
	}
	keepN := int(float64(len(list))*fraction + 0.999)
	if keepN < 1 {
		keepN = 1
	}
	if keepN >= len(list) {
		return
	}
	for i := range list[:len(list)-keepN] {
		ps.origTokens += e.est.EstimateChars(s.SessionID(), list[i].Chars())
	}
	s.ReplaceCompressed(list[len(list)-keepN:])
}

// enforceBudgets restores occupancy <= budget for the recent, compressed
// and semantic tiers. Pinned content is never trimmed; a pinned tier over
// budget only logs. The newest message and pins stay put, so a tier can
// remain over budget when nothing else is left to trim.
func (e *Engine) enforceBudgets(ps *passState) {
	s := ps.store
	budgets := s.Budgets()

	for s.TierTokens(tier.TierRecent) > budgets.Recent {
		window := s.OldestUnpinned(windowFraction, windowCap)
		if len(window) == 0 {
			break
		}
		e.foldIntoCompressed(ps, window, nil)
	}

	for s.TierTokens(tier.TierCompressed) > budgets.Compressed {
		list := s.Compressed()
		if len(list) <= 1 {
			break
		}
		s.ReplaceCompressed(list[1:])
	}

	if s.TierTokens(tier.TierSemantic) > budgets.Semantic {
		s.ReplaceFacts(trimFacts(s.Facts(), budgets.Semantic, func(f semantic.Fact) int {
			return e.est.EstimateChars(s.SessionID(), f.Chars())
		}))
	}

	if s.TierTokens(tier.TierPinned) > budgets.Pinned {
		e.log.Warn().
			Str("session_id", s.SessionID()).
			Int("tokens", s.TierTokens(tier.TierPinned)).
			Int("budget", budgets.Pinned).
			Msg("pinned tier over budget, pins are never trimmed")
	}
}

// trimFacts keeps the most important facts that fit the budget, newest
// first within the same importance.
func trimFacts(facts []semantic.Fact, budget int, tokens func(semantic.Fact) int) []semantic.Fact {
	ordered := make([]semantic.Fact, len(facts))
	copy(ordered, facts)
	sort.SliceStable(ordered, func(i, j int) bool { return factLess(ordered[i], ordered[j]) })

	var kept []semantic.Fact
	used := 0
	for _, f := range ordered {
		t := tokens(f)
		if used+t > budget {
			continue
		}
		used += t
		kept = append(kept, f)
	}
	return kept
}

// factLess orders by importance rank descending, then recency descending.
func factLess(a, b semantic.Fact) bool {
	if a.Importance.Rank() != b.Importance.Rank() {
		return a.Importance.Rank() > b.Importance.Rank()
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func boosted(threshold, boost float64) float64 {
	t := threshold * boost
	if t > maxBoostedThreshold {
		return maxBoostedThreshold
	}
	return t
}

func compressedText(cm *tier.CompressedMessage) string {
	text := cm.Summary
	for _, p := range cm.Preserved {
		text += "\n" + p
	}
	return text
}

func derefMessages(in []*storage.Message) []storage.Message {
	out := make([]storage.Message, 0, len(in))
	for _, m := range in {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out
}
