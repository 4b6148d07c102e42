// Package semantic extracts durable facts from conversation messages using
// rule-based pattern families. Facts survive compression: when prose is
// summarized away, extracted decisions, error resolutions and task states
// remain addressable in the semantic tier.
package semantic

import (
	"time"

	"github.com/google/uuid"
)

// FactType classifies what a fact describes.
type FactType string

const (
	FactArchitecture  FactType = "architecture"
	FactPattern       FactType = "pattern"
	FactDecision      FactType = "decision"
	FactRelationship  FactType = "relationship"
	FactErrorSolution FactType = "error_solution"
	FactToolUsage     FactType = "tool_usage"
	FactFileStructure FactType = "file_structure"
	FactConfiguration FactType = "configuration"
)

// Importance orders facts for reconstruction under a token ceiling.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
)

// Rank maps importance to a sortable weight, highest first.
func (i Importance) Rank() int {
	switch i {
	case ImportanceCritical:
		return 3
	case ImportanceHigh:
		return 2
	case ImportanceMedium:
		return 1
	default:
		return 0
	}
}

// Fact is a durable extracted statement. Facts are immutable once created.
type Fact struct {
	ID         string     `json:"id"`
	Type       FactType   `json:"type"`
	Content    string     `json:"content"`
	Importance Importance `json:"importance"`
	Confidence float64    `json:"confidence"`
	SourceIDs  []string   `json:"source_ids,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	RelatedIDs []string   `json:"related_ids,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Chars returns the content length, the input to token estimation.
func (f Fact) Chars() int {
	return len(f.Content)
}

// NewFactID returns a time-sortable fact id.
func NewFactID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
