package overflow

import (
	"strings"

	"loom/internal/storage"
)

// ChunkSeparator joins chunk responses in the aggregated result.
const ChunkSeparator = "\n\n"

// minChunkChars guards against degenerate headroom producing thousands of
// tiny chunks.
const minChunkChars = 256

// ChunkBudget returns the character allowance per chunk for the session's
// available token headroom.
func (r *Recovery) ChunkBudget(sessionID string, headroomTokens int) int {
	chars := r.est.CharsForTokens(sessionID, headroomTokens)
	if chars < minChunkChars {
		chars = minChunkChars
	}
	return chars
}

// SplitText splits oversized text into chunks of at most maxChars,
// preferring paragraph boundaries, then line breaks, then hard character
// cuts as a last resort. Chunk order is document order.
func SplitText(text string, maxChars int) []string {
	if maxChars < 1 {
		maxChars = 1
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		if para == "" {
			continue
		}
		need := len(para)
		if current.Len() > 0 {
			need += 2
		}
		if current.Len()+need <= maxChars {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(para)
			continue
		}
		flush()
		if len(para) <= maxChars {
			current.WriteString(para)
			continue
		}
		for _, piece := range hardCut(para, maxChars) {
			chunks = append(chunks, piece)
		}
	}
	flush()
	return chunks
}

// hardCut slices a single oversized block, breaking at newlines or spaces
// near the limit when possible.
func hardCut(text string, maxChars int) []string {
	var out []string
	for len(text) > maxChars {
		cut := maxChars
		window := text[:maxChars]
		if i := strings.LastIndexByte(window, '\n'); i > maxChars/2 {
			cut = i + 1
		} else if i := strings.LastIndexByte(window, ' '); i > maxChars/2 {
			cut = i + 1
		}
		out = append(out, strings.TrimRight(text[:cut], " \n"))
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// Aggregator folds sequential chunk responses into one logical assistant
// result: concatenated text with separators, summed usage and cost.
type Aggregator struct {
	parts []string
	usage storage.Usage
	cost  float64
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Add appends one chunk response in submission order.
func (a *Aggregator) Add(text string, usage storage.Usage, cost float64) {
	a.parts = append(a.parts, text)
	a.usage.InputTokens += usage.InputTokens
	a.usage.OutputTokens += usage.OutputTokens
	a.cost += cost
}

// Chunks returns how many responses have been added.
func (a *Aggregator) Chunks() int {
	return len(a.parts)
}

// Result returns the combined text, usage and cost.
func (a *Aggregator) Result() (string, storage.Usage, float64) {
	return strings.Join(a.parts, ChunkSeparator), a.usage, a.cost
}
