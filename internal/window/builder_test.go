package window

import (
	"strings"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/semantic"
	"loom/internal/storage"
	"loom/internal/tier"
	"loom/internal/token"
)

func testBuilder() (*Builder, *token.Estimator) {
	est := token.New(config.EstimatorConfig{
		CharsPerToken: 4.0,
		WindowSize:    20,
		HalfLife:      30 * time.Minute,
		Overhead:      1.25,
	})
	return NewBuilder(est), est
}

func newMsg(id string, chars int) *storage.Message {
	return &storage.Message{
		ID:        id,
		SessionID: "ses-1",
		Role:      "user",
		Parts:     []storage.Part{storage.TextPart(strings.Repeat("x", chars))},
		CreatedAt: time.Now(),
	}
}

func TestBuildIncludesEverythingWithoutCeiling(t *testing.T) {
	b, est := testBuilder()
	s := tier.NewStore("ses-1", tier.Budgets{Recent: 1000, Compressed: 1000, Semantic: 1000, Pinned: 1000}, est)

	s.AppendRecent(newMsg("a1", 40))
	s.AppendRecent(newMsg("a2", 40))
	s.AppendRecent(newMsg("a3", 40))
	if _, err := s.Pin("a1", "keep", "user"); err != nil {
		t.Fatal(err)
	}
	s.AddCompressed(tier.CompressedMessage{
		ID: "c1", OriginalID: "a0", SessionID: "ses-1",
		Summary: strings.Repeat("s", 40),
	})
	s.AddFacts([]semantic.Fact{
		{ID: "f1", Type: semantic.FactErrorSolution, Content: strings.Repeat("c", 20), Importance: semantic.ImportanceCritical},
		{ID: "f2", Type: semantic.FactPattern, Content: strings.Repeat("m", 40), Importance: semantic.ImportanceMedium},
	})

	ctx := b.Build(s, 0)

	if len(ctx.Pinned) != 1 || ctx.Pinned[0].ID != "a1" {
		t.Errorf("pinned = %+v", ctx.Pinned)
	}
	if len(ctx.Messages) != 2 {
		t.Errorf("messages = %d, want 2 unpinned", len(ctx.Messages))
	}
	if len(ctx.Compressed) != 1 || len(ctx.Facts) != 2 {
		t.Errorf("compressed = %d facts = %d", len(ctx.Compressed), len(ctx.Facts))
	}
	if ctx.Facts[0].Importance != semantic.ImportanceCritical {
		t.Error("critical fact not ordered first")
	}
	// 3 messages + 1 summary at 40 chars each, facts at 20 + 40 chars,
	// all over 4 chars per token.
	if ctx.TotalTokens != 55 {
		t.Errorf("TotalTokens = %d, want 55", ctx.TotalTokens)
	}
	if ctx.Truncated {
		t.Error("nothing should be truncated without a ceiling")
	}
}

func TestBuildPriorityUnderCeiling(t *testing.T) {
	b, est := testBuilder()
	s := tier.NewStore("ses-1", tier.Budgets{Recent: 1000, Compressed: 1000, Semantic: 1000, Pinned: 1000}, est)

	s.AppendRecent(newMsg("a1", 40))
	s.AppendRecent(newMsg("a2", 40))
	s.AppendRecent(newMsg("a9", 40))
	if _, err := s.Pin("a9", "keep", "user"); err != nil {
		t.Fatal(err)
	}
	s.AddCompressed(tier.CompressedMessage{
		ID: "c1", OriginalID: "a0", SessionID: "ses-1",
		Summary: strings.Repeat("s", 40),
	})
	s.AddFacts([]semantic.Fact{
		{ID: "f1", Content: strings.Repeat("c", 20), Importance: semantic.ImportanceCritical},
		{ID: "f2", Content: strings.Repeat("m", 40), Importance: semantic.ImportanceMedium},
	})

	// Pinned (10) + critical fact (5) + newest raw a2 (10) fit in 30;
	// a1, the summary and the medium fact do not.
	ctx := b.Build(s, 30)

	if len(ctx.Pinned) != 1 {
		t.Fatal("pinned message missing")
	}
	if len(ctx.Facts) != 1 || ctx.Facts[0].ID != "f1" {
		t.Errorf("facts = %+v, want only f1", ctx.Facts)
	}
	if len(ctx.Messages) != 1 || ctx.Messages[0].ID != "a2" {
		t.Errorf("messages = %+v, want newest a2", ctx.Messages)
	}
	if len(ctx.Compressed) != 0 {
		t.Error("summary should not fit")
	}
	if !ctx.Truncated {
		t.Error("Truncated not set")
	}
	if ctx.TotalTokens != 25 {
		t.Errorf("TotalTokens = %d, want 25", ctx.TotalTokens)
	}
}

func TestBuildPinnedAlwaysIncluded(t *testing.T) {
	b, est := testBuilder()
	s := tier.NewStore("ses-1", tier.Budgets{}, est)
	s.AppendRecent(newMsg("a1", 400))
	if _, err := s.Pin("a1", "must keep", "user"); err != nil {
		t.Fatal(err)
	}

	// Ceiling far below the pinned message size.
	ctx := b.Build(s, 10)
	if len(ctx.Pinned) != 1 {
		t.Fatal("pinned message dropped under ceiling")
	}
	if ctx.TotalTokens != 100 {
		t.Errorf("TotalTokens = %d, want 100", ctx.TotalTokens)
	}
}

func TestCompressedStandsInForRaw(t *testing.T) {
	b, est := testBuilder()
	s := tier.NewStore("ses-1", tier.Budgets{}, est)
	s.AppendRecent(newMsg("a1", 40))
	s.AppendRecent(newMsg("a2", 40))
	// A summary for a1 exists while the raw message is still resident.
	s.AddCompressed(tier.CompressedMessage{ID: "c1", OriginalID: "a1", SessionID: "ses-1", Summary: "short"})

	ctx := b.Build(s, 0)

	if len(ctx.Messages) != 1 || ctx.Messages[0].ID != "a2" {
		t.Errorf("messages = %+v, want only a2", ctx.Messages)
	}
	if len(ctx.Compressed) != 1 {
		t.Error("summary missing")
	}
}

func TestBuildOmitsOrphanedPins(t *testing.T) {
	b, est := testBuilder()
	s := tier.NewStore("ses-1", tier.Budgets{}, est)
	s.AppendRecent(newMsg("a1", 40))
	if _, err := s.Pin("gone", "deleted externally", "user"); err != nil {
		t.Fatal(err)
	}

	ctx := b.Build(s, 0)

	for _, m := range ctx.Pinned {
		if m.ID == "gone" {
			t.Fatal("orphaned pin resolved to a message")
		}
	}
	if len(ctx.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(ctx.Messages))
	}
}

func TestBuildNeverFails(t *testing.T) {
	b, _ := testBuilder()

	ctx := b.Build(nil, 100)
	if len(ctx.Messages) != 0 || len(ctx.Facts) != 0 || ctx.TotalTokens != 0 {
		t.Errorf("expected empty context, got %+v", ctx)
	}
}

func TestTimelineChronological(t *testing.T) {
	b, est := testBuilder()
	s := tier.NewStore("ses-1", tier.Budgets{}, est)
	s.AppendRecent(newMsg("a1", 40))
	s.AppendRecent(newMsg("a2", 40))
	s.AppendRecent(newMsg("a3", 40))
	if _, err := s.Pin("a2", "", ""); err != nil {
		t.Fatal(err)
	}

	ctx := b.Build(s, 0)
	timeline := ctx.Timeline()
	if len(timeline) != 3 {
		t.Fatalf("timeline = %d entries", len(timeline))
	}
	for i, want := range []string{"a1", "a2", "a3"} {
		if timeline[i].ID != want {
			t.Errorf("timeline[%d] = %s, want %s", i, timeline[i].ID, want)
		}
	}
}

func TestContextBlockRendering(t *testing.T) {
	ctx := Context{
		Compressed: []tier.CompressedMessage{{
			Summary:   "[user, 500 chars] earlier discussion",
			Preserved: []string{"We decided to use sqlite."},
		}},
		Facts: []semantic.Fact{{
			Type:       semantic.FactDecision,
			Content:    "Use sqlite for persistence.",
			Importance: semantic.ImportanceHigh,
		}},
	}

	block := ctx.ContextBlock()
	for _, want := range []string{
		"## Earlier conversation (summarized)",
		"[user, 500 chars] earlier discussion",
		"> We decided to use sqlite.",
		"## Known facts",
		"[decision/high] Use sqlite for persistence.",
	} {
		if !strings.Contains(block, want) {
			t.Errorf("block missing %q:\n%s", want, block)
		}
	}

	if got := (&Context{}).ContextBlock(); got != "" {
		t.Errorf("empty context rendered %q", got)
	}
}
