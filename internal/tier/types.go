// Package tier partitions a session's context into four token-budgeted
// tiers: recent raw messages, compressed summaries, semantic facts and
// pinned messages. The store tracks occupancy against per-tier budgets;
// compression restores the occupancy invariant when budgets are exceeded.
package tier

import (
	"time"

	"github.com/google/uuid"

	"loom/internal/config"
)

// Name identifies a tier.
type Name string

const (
	TierRecent     Name = "recent"
	TierCompressed Name = "compressed"
	TierSemantic   Name = "semantic"
	TierPinned     Name = "pinned"
)

// Level identifies a compression depth.
type Level string

const (
	LevelNone      Level = "none"
	LevelLight     Level = "light"
	LevelMedium    Level = "medium"
	LevelHeavy     Level = "heavy"
	LevelEmergency Level = "emergency"
)

// Budgets holds the per-tier token budgets derived from the usable context
// window.
type Budgets struct {
	Recent     int `json:"recent"`
	Compressed int `json:"compressed"`
	Semantic   int `json:"semantic"`
	Pinned     int `json:"pinned"`
}

// NewBudgets splits usable tokens across tiers by configured shares.
func NewBudgets(usable int, cfg config.CompressionConfig) Budgets {
	if usable < 0 {
		usable = 0
	}
	return Budgets{
		Recent:     int(float64(usable) * cfg.RecentShare),
		Compressed: int(float64(usable) * cfg.CompressedShare),
		Semantic:   int(float64(usable) * cfg.SemanticShare),
		Pinned:     int(float64(usable) * cfg.PinnedShare),
	}
}

// Total returns the summed budget.
func (b Budgets) Total() int {
	return b.Recent + b.Compressed + b.Semantic + b.Pinned
}

// CompressedMessage replaces a raw message in the compressed tier. The
// original message row stays in durable storage; only reconstruction
// excludes it.
type CompressedMessage struct {
	ID             string    `json:"id"`
	OriginalID     string    `json:"original_id"`
	SessionID      string    `json:"session_id"`
	Summary        string    `json:"summary"`
	FactIDs        []string  `json:"fact_ids,omitempty"`
	OriginalTokens int       `json:"original_tokens"`
	TokensSaved    int       `json:"tokens_saved"`
	Level          Level     `json:"level"`
	Preserved      []string  `json:"preserved,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Chars returns the character weight of the summary plus preserved
// fragments, the input to token estimation.
func (c *CompressedMessage) Chars() int {
	total := len(c.Summary)
	for _, p := range c.Preserved {
		total += len(p)
	}
	return total
}

// NewCompressedID returns a time-sortable compressed message id.
func NewCompressedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Pin marks a message as exempt from every compression level and always
// present in reconstruction. Pins reference message records; a pin whose
// record disappears is an orphan and gets pruned on read.
type Pin struct {
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason,omitempty"`
	PinnedBy  string    `json:"pinned_by,omitempty"`
	PinnedAt  time.Time `json:"pinned_at"`
}

// Metrics accumulates compression observability counters for a session.
type Metrics struct {
	OriginalTokens   int       `json:"original_tokens"`
	CompressedTokens int       `json:"compressed_tokens"`
	Passes           int       `json:"passes"`
	Ratio            float64   `json:"ratio"`
	FactsExtracted   int       `json:"facts_extracted"`
	LastCompression  time.Time `json:"last_compression"`
}

// Info reports one tier's occupancy for status surfaces.
type Info struct {
	Name   Name `json:"name"`
	Budget int  `json:"budget"`
	Tokens int  `json:"tokens"`
	Items  int  `json:"items"`
}
