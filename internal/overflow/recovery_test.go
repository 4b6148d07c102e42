package overflow

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"loom/internal/compaction"
	"loom/internal/config"
	"loom/internal/storage"
	"loom/internal/tier"
	"loom/internal/token"
)

func testRecovery() (*Recovery, *token.Estimator) {
	est := token.New(config.EstimatorConfig{
		CharsPerToken:  3.0,
		WindowSize:     20,
		HalfLife:       30 * time.Minute,
		ConfidenceBar:  0.8,
		LooseThreshold: 0.70,
		TightThreshold: 0.90,
		Overhead:       1.25,
	})
	engine := compaction.NewEngine(config.CompressionConfig{
		LightThreshold:     0.65,
		MediumThreshold:    0.75,
		HeavyThreshold:     0.85,
		EmergencyThreshold: 0.95,
		TaskBoost:          0.05,
	}, est)
	r := NewRecovery(config.OverflowConfig{
		AutoCooldown:     60 * time.Second,
		PeriodicCooldown: 30 * time.Second,
		MinMessages:      10,
		ChunkGroupSize:   2,
	}, engine, est)
	return r, est
}

func seededStore(est *token.Estimator, n, chars int) *tier.Store {
	s := tier.NewStore("ses-1", tier.NewBudgets(1000, config.CompressionConfig{
		RecentShare:     0.50,
		CompressedShare: 0.25,
		SemanticShare:   0.15,
		PinnedShare:     0.10,
	}), est)
	for i := 0; i < n; i++ {
		s.AppendRecent(&storage.Message{
			ID:        fmt.Sprintf("m%02d", i),
			SessionID: "ses-1",
			Role:      "user",
			Parts:     []storage.Part{storage.TextPart(strings.Repeat("a", chars))},
			CreatedAt: time.Now(),
		})
	}
	return s
}

func TestPreflightDetectsOverflow(t *testing.T) {
	r, _ := testRecovery()

	// 196k measured usage against a 200k window with 32k reserved for
	// output cannot fit.
	c := r.Preflight("ses-1", 200000, 32000, 196000, 0)
	if !c.Overflow {
		t.Fatal("overflow not detected")
	}
	if !c.NearLimit {
		t.Fatal("threshold trigger not set")
	}
	if c.Available() != 168000 {
		t.Errorf("Available = %d, want 168000", c.Available())
	}
	if c.Estimate != 196000 {
		t.Errorf("Estimate = %d, want the authoritative baseline untouched", c.Estimate)
	}
}

func TestPreflightNearLimitWithoutOverflow(t *testing.T) {
	r, _ := testRecovery()

	// Past the loose 0.70 threshold but still inside limit minus reserve.
	c := r.Preflight("ses-1", 200000, 10000, 150000, 0)
	if c.Overflow {
		t.Fatal("false overflow")
	}
	if !c.NearLimit {
		t.Fatal("proactive trigger missed")
	}

	c = r.Preflight("ses-1", 200000, 10000, 100000, 0)
	if c.Overflow || c.NearLimit {
		t.Fatalf("small request misclassified: %+v", c)
	}
}

func TestPreflightPadsOnlyNewContent(t *testing.T) {
	r, _ := testRecovery()

	// 3000 new chars at ratio 3.0 estimate to 1000 tokens, padded 1.25x.
	c := r.Preflight("ses-1", 200000, 32000, 100000, 3000)
	if c.Estimate != 101250 {
		t.Errorf("Estimate = %d, want 101250", c.Estimate)
	}
}

func TestCompactRequiresMinMessages(t *testing.T) {
	r, est := testRecovery()
	s := seededStore(est, 5, 300)

	_, err := r.Compact(s, TriggerAuto)
	if !errors.Is(err, ErrTooFewMessages) {
		t.Fatalf("err = %v, want ErrTooFewMessages", err)
	}
}

func TestCompactCooldown(t *testing.T) {
	r, est := testRecovery()
	now := time.Now()
	r.now = func() time.Time { return now }

	s := seededStore(est, 12, 300)
	if _, err := r.Compact(s, TriggerAuto); err != nil {
		t.Fatalf("first compaction failed: %v", err)
	}

	// Second overflow 10s later is inside the 60s auto cooldown.
	now = now.Add(10 * time.Second)
	_, err := r.Compact(s, TriggerAuto)
	var cd *CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("err = %v, want CooldownError", err)
	}
	if cd.Remaining <= 0 || cd.Remaining > 50*time.Second {
		t.Errorf("Remaining = %s", cd.Remaining)
	}

	// 35s in: periodic (30s window) may run again, auto may not.
	now = now.Add(25 * time.Second)
	if _, err := r.Compact(s, TriggerAuto); !errors.As(err, &cd) {
		t.Fatalf("auto err = %v, want CooldownError", err)
	}
	if _, err := r.Compact(s, TriggerPeriodic); err != nil {
		t.Fatalf("periodic compaction failed: %v", err)
	}

	// Well past both windows.
	now = now.Add(2 * time.Minute)
	if _, err := r.Compact(s, TriggerAuto); err != nil {
		t.Fatalf("compaction after cooldown failed: %v", err)
	}
}

func TestCompactEscalatesOverflowPath(t *testing.T) {
	r, est := testRecovery()

	// Utilization ~0.70 maps to light, but the overflow path needs real
	// savings and escalates to heavy.
	auto := seededStore(est, 10, 210)
	res, err := r.Compact(auto, TriggerAuto)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if res.Level != tier.LevelHeavy {
		t.Errorf("auto level = %s, want heavy", res.Level)
	}

	r.Forget("ses-1")
	periodic := seededStore(est, 10, 210)
	res, err = r.Compact(periodic, TriggerPeriodic)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if res.Level != tier.LevelLight {
		t.Errorf("periodic level = %s, want light", res.Level)
	}
}

func TestForgetClearsCooldown(t *testing.T) {
	r, est := testRecovery()
	s := seededStore(est, 12, 300)

	if _, err := r.Compact(s, TriggerAuto); err != nil {
		t.Fatal(err)
	}
	r.Forget("ses-1")
	if _, err := r.Compact(s, TriggerAuto); err != nil {
		t.Fatalf("compaction after Forget failed: %v", err)
	}
}
