package tier

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loom/internal/semantic"
	"loom/internal/storage"
	"loom/internal/token"
	"loom/pkg/logger"
)

var (
	// ErrAlreadyPinned indicates a duplicate pin for the same message.
	ErrAlreadyPinned = errors.New("tier: message already pinned")
	// ErrNotPinned indicates an unpin for a message without a pin.
	ErrNotPinned = errors.New("tier: message not pinned")
)

// Store holds one session's tiered context. All mutation happens under the
// session lock, but status and pin endpoints read concurrently, so access
// is guarded anyway.
type Store struct {
	mu        sync.RWMutex
	sessionID string
	budgets   Budgets
	est       *token.Estimator

	recent     []*storage.Message
	compressed []CompressedMessage
	facts      []semantic.Fact
	pins       []Pin
	metrics    Metrics

	log zerolog.Logger
}

// NewStore returns an empty store for the session.
func NewStore(sessionID string, budgets Budgets, est *token.Estimator) *Store {
	return &Store{
		sessionID: sessionID,
		budgets:   budgets,
		est:       est,
		log:       logger.Component("tier").With().Str("session_id", sessionID).Logger(),
	}
}

// SessionID returns the owning session id.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Budgets returns the current per-tier budgets.
func (s *Store) Budgets() Budgets {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.budgets
}

// SetBudgets replaces the budgets, typically after a model switch changes
// the usable window.
func (s *Store) SetBudgets(b Budgets) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets = b
}

// SetRecent loads the recent tier from durable messages, excluding any
// whose id has already been replaced by a compressed summary.
func (s *Store) SetRecent(msgs []*storage.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := make(map[string]bool, len(s.compressed))
	for _, c := range s.compressed {
		replaced[c.OriginalID] = true
	}
	s.recent = s.recent[:0]
	for _, m := range msgs {
		if m == nil || replaced[m.ID] {
			continue
		}
		s.recent = append(s.recent, m)
	}
}

// AppendRecent adds a newly persisted message to the recent tier.
func (s *Store) AppendRecent(msg *storage.Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, msg)
}

// Recent returns the recent tier in chronological order.
func (s *Store) Recent() []*storage.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Message, len(s.recent))
	copy(out, s.recent)
	return out
}

// RecentCount returns the number of messages in the recent tier.
func (s *Store) RecentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recent)
}

// OldestUnpinned returns up to max of the oldest unpinned recent messages
// covering roughly the given fraction of the tier. The newest message is
// never selected so an in-flight exchange stays verbatim.
func (s *Store) OldestUnpinned(fraction float64, max int) []*storage.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.recent) < 2 {
		return nil
	}
	want := int(float64(len(s.recent)) * fraction)
	if want < 1 {
		want = 1
	}
	if max > 0 && want > max {
		want = max
	}
	pinned := s.pinnedSetLocked()
	var out []*storage.Message
	for _, m := range s.recent[:len(s.recent)-1] {
		if pinned[m.ID] {
			continue
		}
		out = append(out, m)
		if len(out) >= want {
			break
		}
	}
	return out
}

// UnpinnedBeyond returns the oldest unpinned recent messages that would
// have to go for at most keep unpinned messages to remain.
func (s *Store) UnpinnedBeyond(keep int) []*storage.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pinned := s.pinnedSetLocked()
	var unpinned []*storage.Message
	for _, m := range s.recent {
		if !pinned[m.ID] {
			unpinned = append(unpinned, m)
		}
	}
	if keep < 0 {
		keep = 0
	}
	if len(unpinned) <= keep {
		return nil
	}
	return unpinned[:len(unpinned)-keep]
}

// RemoveRecent drops the given message ids from the recent tier.
func (s *Store) RemoveRecent(ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.recent[:0]
	for _, m := range s.recent {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	s.recent = kept
}

// AddCompressed appends a summary to the compressed tier.
func (s *Store) AddCompressed(cm CompressedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressed = append(s.compressed, cm)
}

// Compressed returns the compressed tier in creation order.
func (s *Store) Compressed() []CompressedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CompressedMessage, len(s.compressed))
	copy(out, s.compressed)
	return out
}

// ReplaceCompressed swaps the compressed tier wholesale, used when deeper
// levels shrink earlier summaries.
func (s *Store) ReplaceCompressed(list []CompressedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressed = append(s.compressed[:0], list...)
}

// AddFacts merges facts into the semantic tier, skipping ids already
// present. Returns the number actually added.
func (s *Store) AddFacts(fs []semantic.Fact) int {
	if len(fs) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.facts))
	for _, f := range s.facts {
		seen[f.ID] = true
	}
	added := 0
	for _, f := range fs {
		if f.ID == "" || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		s.facts = append(s.facts, f)
		added++
	}
	return added
}

// Facts returns the semantic tier.
func (s *Store) Facts() []semantic.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]semantic.Fact, len(s.facts))
	copy(out, s.facts)
	return out
}

// ReplaceFacts swaps the semantic tier wholesale.
func (s *Store) ReplaceFacts(fs []semantic.Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts[:0], fs...)
}

// Pin exempts a message from compression and guarantees its presence in
// reconstruction.
func (s *Store) Pin(messageID, reason, by string) (Pin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pins {
		if p.MessageID == messageID {
			return Pin{}, ErrAlreadyPinned
		}
	}
	pin := Pin{
		MessageID: messageID,
		Reason:    reason,
		PinnedBy:  by,
		PinnedAt:  time.Now().UTC(),
	}
	s.pins = append(s.pins, pin)
	return pin, nil
}

// Unpin removes the pin for a message.
func (s *Store) Unpin(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pins {
		if p.MessageID == messageID {
			s.pins = append(s.pins[:i], s.pins[i+1:]...)
			return nil
		}
	}
	return ErrNotPinned
}

// Pins returns all pins ordered by pin time.
func (s *Store) Pins() []Pin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pin, len(s.pins))
	copy(out, s.pins)
	sort.Slice(out, func(i, j int) bool { return out[i].PinnedAt.Before(out[j].PinnedAt) })
	return out
}

// IsPinned reports whether the message has a pin.
func (s *Store) IsPinned(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pins {
		if p.MessageID == messageID {
			return true
		}
	}
	return false
}

// PruneOrphanPins drops pins whose message record can no longer be
// resolved, checking the recent tier first and falling back to the exists
// callback. Returns the pruned message ids.
func (s *Store) PruneOrphanPins(exists func(id string) (bool, error)) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[string]bool, len(s.recent))
	for _, m := range s.recent {
		live[m.ID] = true
	}
	var pruned []string
	kept := s.pins[:0]
	for _, p := range s.pins {
		if live[p.MessageID] {
			kept = append(kept, p)
			continue
		}
		ok := false
		if exists != nil {
			found, err := exists(p.MessageID)
			if err != nil {
				// Resolution failed, keep the pin rather than lose it.
				kept = append(kept, p)
				continue
			}
			ok = found
		}
		if ok {
			kept = append(kept, p)
		} else {
			pruned = append(pruned, p.MessageID)
		}
	}
	s.pins = kept
	if len(pruned) > 0 {
		s.log.Info().Strs("message_ids", pruned).Msg("pruned orphaned pins")
	}
	return pruned
}

// PinnedMessages resolves pins against the recent tier, chronologically.
// Orphans are skipped, not pruned; pruning is an explicit mutation.
func (s *Store) PinnedMessages() []*storage.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pinned := s.pinnedSetLocked()
	var out []*storage.Message
	for _, m := range s.recent {
		if pinned[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// TierTokens returns the estimated token occupancy of one tier. Pinned
// messages count against the pinned tier, not recent.
func (s *Store) TierTokens(name Name) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tierTokensLocked(name)
}

func (s *Store) tierTokensLocked(name Name) int {
	switch name {
	case TierRecent:
		pinned := s.pinnedSetLocked()
		total := 0
		for _, m := range s.recent {
			if !pinned[m.ID] {
				total += s.est.EstimateChars(s.sessionID, m.Chars())
			}
		}
		return total
	case TierCompressed:
		total := 0
		for i := range s.compressed {
			total += s.est.EstimateChars(s.sessionID, s.compressed[i].Chars())
		}
		return total
	case TierSemantic:
		total := 0
		for _, f := range s.facts {
			total += s.est.EstimateChars(s.sessionID, f.Chars())
		}
		return total
	case TierPinned:
		pinned := s.pinnedSetLocked()
		total := 0
		for _, m := range s.recent {
			if pinned[m.ID] {
				total += s.est.EstimateChars(s.sessionID, m.Chars())
			}
		}
		return total
	}
	return 0
}

// Occupancy returns the summed token occupancy across all tiers.
func (s *Store) Occupancy() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tierTokensLocked(TierRecent) +
		s.tierTokensLocked(TierCompressed) +
		s.tierTokensLocked(TierSemantic) +
		s.tierTokensLocked(TierPinned)
}

// Utilization returns occupancy as a fraction of the total budget.
func (s *Store) Utilization() float64 {
	total := s.Budgets().Total()
	if total <= 0 {
		return 0
	}
	return float64(s.Occupancy()) / float64(total)
}

// Infos reports every tier's budget, occupancy and item count.
func (s *Store) Infos() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pinned := s.pinnedSetLocked()
	pinnedItems := 0
	for _, m := range s.recent {
		if pinned[m.ID] {
			pinnedItems++
		}
	}
	return []Info{
		{Name: TierRecent, Budget: s.budgets.Recent, Tokens: s.tierTokensLocked(TierRecent), Items: len(s.recent) - pinnedItems},
		{Name: TierCompressed, Budget: s.budgets.Compressed, Tokens: s.tierTokensLocked(TierCompressed), Items: len(s.compressed)},
		{Name: TierSemantic, Budget: s.budgets.Semantic, Tokens: s.tierTokensLocked(TierSemantic), Items: len(s.facts)},
		{Name: TierPinned, Budget: s.budgets.Pinned, Tokens: s.tierTokensLocked(TierPinned), Items: pinnedItems},
	}
}

// OverBudget returns the tiers whose occupancy exceeds their budget.
func (s *Store) OverBudget() []Name {
	var out []Name
	for _, info := range s.Infos() {
		if info.Tokens > info.Budget {
			out = append(out, info.Name)
		}
	}
	return out
}

// Metrics returns the accumulated compression counters.
func (s *Store) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// RecordPass folds one compression pass into the metrics.
func (s *Store) RecordPass(level Level, originalTokens, compressedTokens, facts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Passes++
	s.metrics.OriginalTokens += originalTokens
	s.metrics.CompressedTokens += compressedTokens
	s.metrics.FactsExtracted += facts
	s.metrics.LastCompression = time.Now().UTC()
	if s.metrics.OriginalTokens > 0 {
		s.metrics.Ratio = float64(s.metrics.CompressedTokens) / float64(s.metrics.OriginalTokens)
	}
	s.log.Debug().
		Str("level", string(level)).
		Int("original_tokens", originalTokens).
		Int("compressed_tokens", compressedTokens).
		Int("facts", facts).
		Float64("ratio", s.metrics.Ratio).
		Msg("compression pass recorded")
}

func (s *Store) pinnedSetLocked() map[string]bool {
	set := make(map[string]bool, len(s.pins))
	for _, p := range s.pins {
		set[p.MessageID] = true
	}
	return set
}
