// Package window reconstructs the model-facing context from the tier
// store. Assembly priority when a token ceiling forces trimming: pinned
// messages always make it in full, then critical facts, then conversation
// by recency with compressed summaries standing in for their originals,
// then remaining facts by importance.
package window

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"loom/internal/semantic"
	"loom/internal/storage"
	"loom/internal/tier"
	"loom/internal/token"
	"loom/pkg/logger"
)

// Context is a reconstructed window. Messages and Compressed are
// chronological; Facts are ordered by importance.
type Context struct {
	Pinned      []*storage.Message
	Messages    []*storage.Message
	Compressed  []tier.CompressedMessage
	Facts       []semantic.Fact
	TotalTokens int
	Truncated   bool
}

// Builder assembles contexts. Build never fails; on internal errors it
// logs and returns an empty context so the caller degrades to a minimal
// prompt instead of failing the turn.
type Builder struct {
	est *token.Estimator
	log zerolog.Logger
}

// NewBuilder returns a builder using the estimator for sizing.
func NewBuilder(est *token.Estimator) *Builder {
	return &Builder{est: est, log: logger.Component("window")}
}

// Build assembles the context under an optional token ceiling.
// maxTokens <= 0 means no ceiling: everything resident is included.
func (b *Builder) Build(s *tier.Store, maxTokens int) (ctx Context) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("Context reconstruction failed, returning empty context")
			ctx = Context{}
		}
	}()
	if s == nil {
		b.log.Error().Msg("Context reconstruction called without a store")
		return Context{}
	}

	sid := s.SessionID()
	budget := maxTokens
	unlimited := maxTokens <= 0
	used := 0

	fits := func(tokens int) bool {
		return unlimited || used+tokens <= budget
	}

	// Pinned messages go in unconditionally, even past the ceiling.
	for _, m := range s.PinnedMessages() {
		ctx.Pinned = append(ctx.Pinned, m)
		used += b.est.EstimateChars(sid, m.Chars())
	}

	facts := s.Facts()
	sort.SliceStable(facts, func(i, j int) bool {
		return facts[i].Importance.Rank() > facts[j].Importance.Rank()
	})

	taken := make([]bool, len(facts))
	for i, f := range facts {
		if f.Importance != semantic.ImportanceCritical {
			break
		}
		t := b.est.EstimateChars(sid, f.Chars())
		if !fits(t) {
			ctx.Truncated = true
			continue
		}
		ctx.Facts = append(ctx.Facts, f)
		taken[i] = true
		used += t
	}

	used = b.fillConversation(s, &ctx, used, budget, unlimited)

	for i, f := range facts {
		if taken[i] {
			continue
		}
		t := b.est.EstimateChars(sid, f.Chars())
		if !fits(t) {
			ctx.Truncated = true
			continue
		}
		ctx.Facts = append(ctx.Facts, f)
		used += t
	}

	ctx.TotalTokens = used
	return ctx
}

// timelineItem is one conversation entry, raw or compressed.
type timelineItem struct {
	msg *storage.Message
	cm  *tier.CompressedMessage
}

// fillConversation walks the merged timeline newest first, admitting
// entries until the budget runs out, then records them chronologically.
func (b *Builder) fillConversation(s *tier.Store, ctx *Context, used, budget int, unlimited bool) int {
	sid := s.SessionID()

	compressed := s.Compressed()
	replaced := make(map[string]bool, len(compressed))
	var timeline []timelineItem
	for i := range compressed {
		replaced[compressed[i].OriginalID] = true
		timeline = append(timeline, timelineItem{cm: &compressed[i]})
	}
	for _, m := range s.Recent() {
		// A raw message that a summary already stands in for stays out.
		if replaced[m.ID] || s.IsPinned(m.ID) {
			continue
		}
		timeline = append(timeline, timelineItem{msg: m})
	}

	include := make([]bool, len(timeline))
	for i := len(timeline) - 1; i >= 0; i-- {
		var t int
		if timeline[i].msg != nil {
			t = b.est.EstimateChars(sid, timeline[i].msg.Chars())
		} else {
			t = b.est.EstimateChars(sid, timeline[i].cm.Chars())
		}
		if !unlimited && used+t > budget {
			ctx.Truncated = true
			continue
		}
		include[i] = true
		used += t
	}

	for i, item := range timeline {
		if !include[i] {
			continue
		}
		if item.msg != nil {
			ctx.Messages = append(ctx.Messages, item.msg)
		} else {
			ctx.Compressed = append(ctx.Compressed, *item.cm)
		}
	}
	return used
}

// Timeline merges pinned and raw messages chronologically for provider
// conversion. Ids are UUIDv7, so id order is creation order.
func (c *Context) Timeline() []*storage.Message {
	out := make([]*storage.Message, 0, len(c.Pinned)+len(c.Messages))
	out = append(out, c.Pinned...)
	out = append(out, c.Messages...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ContextBlock renders facts and compressed summaries as a system-prompt
// section. Empty when there is nothing to carry over.
func (c *Context) ContextBlock() string {
	if len(c.Facts) == 0 && len(c.Compressed) == 0 {
		return ""
	}
	var sb strings.Builder

	if len(c.Compressed) > 0 {
		sb.WriteString("## Earlier conversation (summarized)\n")
		for _, cm := range c.Compressed {
			sb.WriteString("- ")
			sb.WriteString(cm.Summary)
			sb.WriteString("\n")
			for _, p := range cm.Preserved {
				sb.WriteString("  > ")
				sb.WriteString(p)
				sb.WriteString("\n")
			}
		}
	}

	if len(c.Facts) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## Known facts\n")
		for _, f := range c.Facts {
			fmt.Fprintf(&sb, "- [%s/%s] %s\n", f.Type, f.Importance, f.Content)
		}
	}
	return sb.String()
}
