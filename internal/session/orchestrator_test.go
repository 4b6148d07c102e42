package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/internal/bus"
	"loom/internal/compaction"
	"loom/internal/config"
	"loom/internal/overflow"
	"loom/internal/provider"
	"loom/internal/storage"
	"loom/internal/token"
)

// scriptedProvider replays canned responses in call order and records
// every request. With a non-nil block channel each stream holds open
// after its partial delta until the channel closes or ctx is cancelled.
type scriptedProvider struct {
	name      string
	responses []scriptedResponse
	block     chan struct{}

	mu       sync.Mutex
	calls    int
	inflight int
	maxSeen  int
	requests []provider.ChatRequest
}

type scriptedResponse struct {
	partial   string // streamed before blocking
	content   string
	toolCalls []provider.ToolCall
	usage     provider.Usage
	err       error
}

func (p *scriptedProvider) Name() string     { return p.name }
func (p *scriptedProvider) Models() []string { return []string{"scripted-1"} }

func (p *scriptedProvider) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return provider.Collect(events)
}

func (p *scriptedProvider) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.inflight++
	if p.inflight > p.maxSeen {
		p.maxSeen = p.inflight
	}
	p.requests = append(p.requests, req)
	r := scriptedResponse{content: "ok"}
	if len(p.responses) > 0 {
		if idx >= len(p.responses) {
			idx = len(p.responses) - 1
		}
		r = p.responses[idx]
	}
	block := p.block
	p.mu.Unlock()

	ch := make(chan provider.ChatEvent, 8)
	go func() {
		defer close(ch)
		defer func() {
			p.mu.Lock()
			p.inflight--
			p.mu.Unlock()
		}()
		if r.partial != "" {
			ch <- provider.ChatEvent{Type: provider.EventTypeContent, Delta: r.partial}
		}
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				ch <- provider.ChatEvent{
					Type:  provider.EventTypeError,
					Error: provider.NewProviderError(provider.ErrCodeAborted, p.name, "request cancelled"),
				}
				return
			}
		}
		if r.err != nil {
			ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: r.err}
			return
		}
		if r.content != "" {
			ch <- provider.ChatEvent{Type: provider.EventTypeContent, Delta: r.content}
		}
		for i := range r.toolCalls {
			tc := r.toolCalls[i]
			tc.Index = i
			ch <- provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &tc}
		}
		usage := r.usage
		if usage.Total() == 0 {
			usage = provider.Usage{InputTokens: 20, OutputTokens: 10}
		}
		finish := provider.FinishReasonStop
		if len(r.toolCalls) > 0 {
			finish = provider.FinishReasonToolCalls
		}
		ch <- provider.ChatEvent{Type: provider.EventTypeDone, Usage: &usage, FinishReason: finish}
	}()
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) maxInflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSeen
}

func (p *scriptedProvider) request(i int) provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func testConfig() *config.Config {
	return &config.Config{
		Context: config.ContextConfig{MaxTokens: 2000, OutputReserve: 200},
		Compression: config.CompressionConfig{
			LightThreshold:     0.65,
			MediumThreshold:    0.75,
			HeavyThreshold:     0.85,
			EmergencyThreshold: 0.95,
			TaskBoost:          0.05,
			RecentShare:        0.50,
			CompressedShare:    0.25,
			SemanticShare:      0.15,
			PinnedShare:        0.10,
		},
		Estimator: config.EstimatorConfig{
			CharsPerToken:  4.0,
			WindowSize:     20,
			HalfLife:       30 * time.Minute,
			ConfidenceBar:  0.8,
			LooseThreshold: 0.70,
			TightThreshold: 0.90,
			Overhead:       1.25,
		},
		Session: config.SessionConfig{
			QueueCap:     100,
			QueueTimeout: 10 * time.Minute,
			LockTimeout:  5 * time.Minute,
			BatchSize:    3,
			SpamDepth:    10,
		},
		Overflow: config.OverflowConfig{
			AutoCooldown:     60 * time.Second,
			PeriodicCooldown: 30 * time.Second,
			MinMessages:      10,
			ChunkGroupSize:   2,
		},
	}
}

type fixture struct {
	o    *Orchestrator
	db   *storage.DB
	prov *scriptedProvider
	bus  *bus.Bus
}

func newFixture(t *testing.T, cfg *config.Config, responses []scriptedResponse, tools ToolRunner) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	prov := &scriptedProvider{name: "scripted", responses: responses}
	reg := provider.NewRegistry()
	reg.Register(prov)

	est := token.New(cfg.Estimator)
	engine := compaction.NewEngine(cfg.Compression, est)
	b := bus.New()
	o := New(cfg, Deps{
		DB:        db,
		Registry:  reg,
		Estimator: est,
		Engine:    engine,
		Recovery:  overflow.NewRecovery(cfg.Overflow, engine, est),
		Bus:       b,
		Tools:     tools,
	})
	t.Cleanup(o.Shutdown)
	return &fixture{o: o, db: db, prov: prov, bus: b}
}

func (f *fixture) session(t *testing.T) *storage.Session {
	t.Helper()
	sess, err := f.db.CreateSession("test session", "scripted", "scripted-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func textInput(sessionID, text string) Input {
	return Input{SessionID: sessionID, Parts: []storage.Part{storage.TextPart(text)}}
}

func seedHistory(t *testing.T, db *storage.DB, sessionID string, n, chars int) {
	t.Helper()
	filler := strings.Repeat("history detail. ", chars/16+1)[:chars]
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msg := &storage.Message{
			SessionID: sessionID,
			Role:      role,
			Parts:     []storage.Part{storage.TextPart(filler)},
		}
		if err := db.AppendMessage(msg); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestSubmitRunsTurn(t *testing.T) {
	f := newFixture(t, testConfig(), []scriptedResponse{
		{content: "Hello there.", usage: provider.Usage{InputTokens: 40, OutputTokens: 8}},
	}, nil)
	sess := f.session(t)

	res, err := f.o.Submit(context.Background(), textInput(sess.ID, "Say hello"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Queued {
		t.Error("direct submission reported queued")
	}
	if res.Message == nil || res.Message.Role != "assistant" {
		t.Fatalf("result message = %+v", res.Message)
	}
	if got := res.Message.Text(); got != "Hello there." {
		t.Errorf("Text = %q", got)
	}
	if res.Message.Error != nil {
		t.Errorf("unexpected message error: %+v", res.Message.Error)
	}

	req := f.prov.request(0)
	if len(req.System) != 1 || !strings.Contains(req.System[0], "loom") {
		t.Errorf("system prompts = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != provider.RoleUser || req.Messages[0].Content != "Say hello" {
		t.Errorf("request messages = %+v", req.Messages)
	}
	if req.MaxTokens != 200 {
		t.Errorf("MaxTokens = %d, want the output reserve", req.MaxTokens)
	}

	msgs, err := f.db.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("persisted %d messages", len(msgs))
	}
	if msgs[1].Usage == nil || msgs[1].Usage.InputTokens != 40 {
		t.Errorf("persisted usage = %+v", msgs[1].Usage)
	}

	waitFor(t, time.Second, func() bool { return !f.o.Busy(sess.ID) })
	if st := f.o.Status(sess.ID); st.Baseline != 48 {
		t.Errorf("baseline = %d, want 48", st.Baseline)
	}
}

func TestQueuedSubmissionsBatchIntoOneTurn(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	f.prov.block = make(chan struct{})
	sess := f.session(t)

	first := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(context.Background(), textInput(sess.ID, "turn one"))
		first <- err
	}()
	waitFor(t, time.Second, func() bool { return f.prov.callCount() == 1 })

	type submitResult struct {
		res *Result
		err error
	}
	results := make(chan submitResult, 3)
	for _, text := range []string{"q one", "q two", "q three"} {
		text := text
		go func() {
			res, err := f.o.Submit(context.Background(), textInput(sess.ID, text))
			results <- submitResult{res, err}
		}()
	}
	waitFor(t, time.Second, func() bool { return f.o.Status(sess.ID).QueueDepth == 3 })
	close(f.prov.block)

	if err := <-first; err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("queued submit failed: %v", out.err)
		}
		if !out.res.Queued {
			t.Error("queued submission did not report queued")
		}
		ids = append(ids, out.res.Message.ID)
	}
	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Errorf("batched items should share one turn, got message ids %v", ids)
	}
	if got := f.prov.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
	if got := f.prov.maxInflight(); got != 1 {
		t.Errorf("concurrent generations = %d, want 1", got)
	}
}

func TestRapidFireDropsBatchToOne(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MinInterArrival = time.Hour
	f := newFixture(t, cfg, nil, nil)
	f.prov.block = make(chan struct{})
	sess := f.session(t)

	first := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(context.Background(), textInput(sess.ID, "turn one"))
		first <- err
	}()
	waitFor(t, time.Second, func() bool { return f.prov.callCount() == 1 })

	type submitResult struct {
		res *Result
		err error
	}
	results := make(chan submitResult, 3)
	for _, text := range []string{"spam one", "spam two", "spam three"} {
		text := text
		go func() {
			res, err := f.o.Submit(context.Background(), textInput(sess.ID, text))
			results <- submitResult{res, err}
		}()
	}
	waitFor(t, time.Second, func() bool { return f.o.Status(sess.ID).QueueDepth == 3 })
	close(f.prov.block)

	if err := <-first; err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("queued submit failed: %v", out.err)
		}
		seen[out.res.Message.ID] = true
	}
	if len(seen) != 3 {
		t.Errorf("rapid-fire items shared turns: %d distinct messages, want 3", len(seen))
	}
	if got := f.prov.callCount(); got != 4 {
		t.Errorf("provider calls = %d, want one per item", got)
	}
}

func TestQueueCapacityRejectsSubmission(t *testing.T) {
	cfg := testConfig()
	cfg.Session.QueueCap = 2
	f := newFixture(t, cfg, nil, nil)
	f.prov.block = make(chan struct{})
	sess := f.session(t)

	first := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(context.Background(), textInput(sess.ID, "turn one"))
		first <- err
	}()
	waitFor(t, time.Second, func() bool { return f.prov.callCount() == 1 })

	fillers := make(chan error, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			_, err := f.o.Submit(context.Background(), textInput(sess.ID, fmt.Sprintf("filler %d", i)))
			fillers <- err
		}()
	}
	waitFor(t, time.Second, func() bool { return f.o.Status(sess.ID).QueueDepth == 2 })

	_, err := f.o.Submit(context.Background(), textInput(sess.ID, "one too many"))
	se, ok := AsError(err)
	if !ok || se.Kind != KindQueueOverflow {
		t.Fatalf("err = %v, want queue overflow", err)
	}

	close(f.prov.block)
	if err := <-first; err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-fillers; err != nil {
			t.Fatalf("queued submit failed: %v", err)
		}
	}
}

func TestQueueRejectionPublishesEvent(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	f.prov.block = make(chan struct{})
	sess := f.session(t)

	rejected, cancelSub := f.bus.Subscribe(4, bus.TopicQueueRejected)
	defer cancelSub()

	first := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(context.Background(), textInput(sess.ID, "turn one"))
		first <- err
	}()
	waitFor(t, time.Second, func() bool { return f.prov.callCount() == 1 })

	queued := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(context.Background(), textInput(sess.ID, "queued"))
		queued <- err
	}()
	waitFor(t, time.Second, func() bool { return f.o.Status(sess.ID).QueueDepth == 1 })

	f.o.Evict(sess.ID)

	se, ok := AsError(<-queued)
	if !ok || se.Kind != KindAborted {
		t.Fatalf("queued err = %v, want aborted", se)
	}
	select {
	case ev := <-rejected:
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if payload["count"] != 1 {
			t.Errorf("count = %v, want 1", payload["count"])
		}
		if reason, _ := payload["reason"].(string); reason == "" {
			t.Error("rejected event carries no reason")
		}
	case <-time.After(time.Second):
		t.Fatal("no queue.rejected event after evict")
	}

	close(f.prov.block)
	<-first
}

func TestQueueTimeoutRejectsWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.Session.QueueTimeout = 40 * time.Millisecond
	f := newFixture(t, cfg, nil, nil)
	f.prov.block = make(chan struct{})
	sess := f.session(t)

	first := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(context.Background(), textInput(sess.ID, "turn one"))
		first <- err
	}()
	waitFor(t, time.Second, func() bool { return f.prov.callCount() == 1 })

	_, err := f.o.Submit(context.Background(), textInput(sess.ID, "expires in queue"))
	se, ok := AsError(err)
	if !ok || se.Kind != KindQueueTimeout {
		t.Fatalf("err = %v, want queue timeout", err)
	}

	close(f.prov.block)
	if err := <-first; err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
}

func TestCancelledWaitLeavesWorkQueued(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	f.prov.block = make(chan struct{})
	sess := f.session(t)

	first := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(context.Background(), textInput(sess.ID, "turn one"))
		first <- err
	}()
	waitFor(t, time.Second, func() bool { return f.prov.callCount() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(ctx, textInput(sess.ID, "abandoned wait"))
		queued <- err
	}()
	waitFor(t, time.Second, func() bool { return f.o.Status(sess.ID).QueueDepth == 1 })
	cancel()

	err := <-queued
	se, ok := AsError(err)
	if !ok || se.Kind != KindAborted {
		t.Fatalf("err = %v, want aborted wait", err)
	}

	// The abandoned item still runs as its own turn.
	close(f.prov.block)
	if err := <-first; err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return f.prov.callCount() == 2 })
	waitFor(t, time.Second, func() bool { return !f.o.Busy(sess.ID) })

	msgs, err := f.db.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 4 {
		t.Errorf("persisted %d messages, want both turns", len(msgs))
	}
}

func TestAbortPreservesPartialContent(t *testing.T) {
	f := newFixture(t, testConfig(), []scriptedResponse{
		{partial: "Once upon a time", content: "never delivered"},
	}, nil)
	f.prov.block = make(chan struct{})
	sess := f.session(t)

	deltas, cancelSub := f.bus.Subscribe(8, bus.TopicStreamDelta)
	defer cancelSub()

	done := make(chan *Result, 1)
	go func() {
		res, err := f.o.Submit(context.Background(), textInput(sess.ID, "tell me a story"))
		if err != nil {
			t.Errorf("Submit failed: %v", err)
		}
		done <- res
	}()

	select {
	case <-deltas:
	case <-time.After(time.Second):
		t.Fatal("no stream delta before abort")
	}
	if !f.o.Abort(sess.ID) {
		t.Fatal("abort found no generation in flight")
	}

	res := <-done
	if res == nil {
		t.Fatal("no result after abort")
	}
	if res.Message.Error == nil || res.Message.Error.Kind != string(KindAborted) {
		t.Fatalf("message error = %+v, want aborted", res.Message.Error)
	}
	if got := res.Message.Text(); got != "Once upon a time" {
		t.Errorf("partial content = %q", got)
	}

	msgs, err := f.db.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Error == nil {
		t.Fatalf("aborted turn not persisted: %d messages", len(msgs))
	}
	if got := msgs[1].Text(); got != "Once upon a time" {
		t.Errorf("persisted partial = %q", got)
	}
	waitFor(t, time.Second, func() bool { return !f.o.Busy(sess.ID) })
}

func TestLockTimeoutAbortsStuckGeneration(t *testing.T) {
	cfg := testConfig()
	cfg.Session.LockTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg, nil, nil)
	f.prov.block = make(chan struct{})
	sess := f.session(t)

	idle, cancelSub := f.bus.Subscribe(8, bus.TopicSessionIdle)
	defer cancelSub()

	res, err := f.o.Submit(context.Background(), textInput(sess.ID, "hangs forever"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Message.Error == nil || res.Message.Error.Kind != string(KindAborted) {
		t.Fatalf("message error = %+v, want aborted", res.Message.Error)
	}

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("no idle event after forced release")
	}
	// Forced expiry already released; the turn's own cleanup must not
	// report idle a second time.
	time.Sleep(50 * time.Millisecond)
	select {
	case ev := <-idle:
		t.Fatalf("idle published twice: %+v", ev)
	default:
	}
	if f.o.Busy(sess.ID) {
		t.Error("session still busy after lock expiry")
	}
}

func TestToolCallsExecuteAndFeedBack(t *testing.T) {
	responses := []scriptedResponse{
		{
			content:   "Checking the clock.",
			toolCalls: []provider.ToolCall{{ID: "call-1", Name: "get_time", Arguments: `{"tz":"UTC"}`}},
		},
		{content: "It is 12:00 UTC."},
	}
	f := newFixture(t, testConfig(), responses, NewRunner(timeTool()))
	sess := f.session(t)

	res, err := f.o.Submit(context.Background(), textInput(sess.ID, "what time is it"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := res.Message.Text(); got != "It is 12:00 UTC." {
		t.Errorf("final text = %q", got)
	}

	msgs, err := f.db.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("persisted %d messages, want user, call, result, answer", len(msgs))
	}
	if msgs[2].Role != "tool" {
		t.Fatalf("msgs[2].Role = %q", msgs[2].Role)
	}
	tr := msgs[2].Parts[0].ToolResult
	if tr == nil || tr.CallID != "call-1" || tr.Output != "12:00" {
		t.Errorf("tool result = %+v", tr)
	}

	second := f.prov.request(1)
	if len(second.Tools) != 1 || second.Tools[0].Name != "get_time" {
		t.Errorf("tools on second request = %+v", second.Tools)
	}
	var sawToolTurn bool
	for _, m := range second.Messages {
		if m.Role == provider.RoleTool && m.ToolCallID == "call-1" && m.Content == "12:00" {
			sawToolTurn = true
		}
	}
	if !sawToolTurn {
		t.Errorf("second request missing the tool result turn: %+v", second.Messages)
	}
}

func TestUnknownToolBecomesFailedResult(t *testing.T) {
	responses := []scriptedResponse{
		{toolCalls: []provider.ToolCall{{ID: "call-1", Name: "get_weather", Arguments: `{}`}}},
		{content: "I cannot check the weather."},
	}
	f := newFixture(t, testConfig(), responses, NewRunner(timeTool()))
	sess := f.session(t)

	res, err := f.o.Submit(context.Background(), textInput(sess.ID, "weather please"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Message.Error != nil {
		t.Fatalf("unknown tool must not fail the turn: %+v", res.Message.Error)
	}
	if got := res.Message.Text(); got != "I cannot check the weather." {
		t.Errorf("final text = %q", got)
	}

	msgs, err := f.db.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	tr := msgs[2].Parts[0].ToolResult
	if tr == nil || tr.Error == "" {
		t.Fatalf("tool result = %+v, want an error result", tr)
	}
	if !strings.Contains(tr.Error, "get_time") {
		t.Errorf("result error = %q, want the closest-name suggestion", tr.Error)
	}
	if tr.Aborted {
		t.Error("missing tool marked aborted")
	}
}

func TestProviderAuthFailureLandsOnMessage(t *testing.T) {
	f := newFixture(t, testConfig(), []scriptedResponse{
		{err: provider.NewProviderError(provider.ErrCodeAuthFailed, "scripted", "api key rejected")},
	}, nil)
	sess := f.session(t)

	res, err := f.o.Submit(context.Background(), textInput(sess.ID, "hello"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Message.Error == nil || res.Message.Error.Kind != string(KindAuth) {
		t.Fatalf("message error = %+v, want auth", res.Message.Error)
	}
	if !strings.Contains(res.Message.Error.Message, "api key rejected") {
		t.Errorf("error message = %q", res.Message.Error.Message)
	}
	if got := f.prov.callCount(); got != 1 {
		t.Errorf("provider calls = %d, auth failures must not retry", got)
	}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	f := newFixture(t, testConfig(), []scriptedResponse{
		{err: provider.NewProviderError(provider.ErrCodeServiceUnavailable, "scripted", "upstream 503")},
		{content: "recovered"},
	}, nil)
	sess := f.session(t)

	res, err := f.o.Submit(context.Background(), textInput(sess.ID, "retry me"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Message.Error != nil {
		t.Fatalf("unexpected message error: %+v", res.Message.Error)
	}
	if got := res.Message.Text(); got != "recovered" {
		t.Errorf("Text = %q", got)
	}
	if got := f.prov.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}

func TestContextOverflowCompactsAndRetries(t *testing.T) {
	cfg := testConfig()
	cfg.Overflow.MinMessages = 4
	f := newFixture(t, cfg, []scriptedResponse{
		{err: provider.NewProviderError(provider.ErrCodeContextWindow, "scripted", "context length exceeded")},
		{content: "recovered", usage: provider.Usage{InputTokens: 30, OutputTokens: 5}},
	}, nil)
	sess := f.session(t)
	seedHistory(t, f.db, sess.ID, 6, 400)

	res, err := f.o.Submit(context.Background(), textInput(sess.ID, "continue"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Message.Error != nil {
		t.Fatalf("unexpected message error: %+v", res.Message.Error)
	}
	if got := res.Message.Text(); got != "recovered" {
		t.Errorf("Text = %q", got)
	}
	if got := f.prov.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want one overflow retry", got)
	}

	store, err := f.o.StoreFor(sess.ID)
	if err != nil {
		t.Fatalf("StoreFor failed: %v", err)
	}
	if len(store.Compressed()) == 0 {
		t.Error("forced compaction left no compressed entries")
	}
}

func TestOversizedInputRunsChunked(t *testing.T) {
	cfg := testConfig()
	cfg.Context.MaxTokens = 800
	cfg.Context.OutputReserve = 100
	f := newFixture(t, cfg, nil, nil)
	sess := f.session(t)

	var paras []string
	for i := 0; i < 12; i++ {
		paras = append(paras, fmt.Sprintf("section %02d ", i)+strings.Repeat("alpha beta gamma delta. ", 40))
	}
	oversized := strings.Join(paras, "\n\n")

	res, err := f.o.Submit(context.Background(), textInput(sess.ID, oversized))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Chunks < 4 {
		t.Fatalf("chunks = %d, want the input split up", res.Chunks)
	}
	if !res.Message.IsSummary {
		t.Error("aggregate response not flagged as a summary")
	}
	if res.Message.Usage == nil || res.Message.Usage.InputTokens != res.Chunks*20 {
		t.Errorf("aggregate usage = %+v, want per-chunk usage summed", res.Message.Usage)
	}

	// Chunk turns are the durable history; the aggregate is not stored.
	msgs, err := f.db.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2*res.Chunks {
		t.Errorf("persisted %d messages for %d chunks", len(msgs), res.Chunks)
	}
	if got := f.prov.callCount(); got != res.Chunks {
		t.Errorf("provider calls = %d, want one per chunk", got)
	}
}

func TestOverflowWithoutChunkableInputFails(t *testing.T) {
	cfg := testConfig()
	cfg.Context.MaxTokens = 400
	cfg.Context.OutputReserve = 100
	f := newFixture(t, cfg, nil, nil)
	sess := f.session(t)
	// Too few messages to compact, input too small to chunk.
	seedHistory(t, f.db, sess.ID, 4, 800)

	_, err := f.o.Submit(context.Background(), textInput(sess.ID, "hi"))
	se, ok := AsError(err)
	if !ok || se.Kind != KindContextOverflow {
		t.Fatalf("err = %v, want context overflow", err)
	}
	if !strings.Contains(se.Error(), "still too large") {
		t.Errorf("error = %q", se.Error())
	}

	// Rejected submissions leave no trace in history.
	msgs, err := f.db.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 4 {
		t.Errorf("persisted %d messages, want the seeded 4 only", len(msgs))
	}
	if got := f.prov.callCount(); got != 0 {
		t.Errorf("provider calls = %d, want none", got)
	}
}

func TestCompactNowTakesLockAndHonorsCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Overflow.MinMessages = 4
	f := newFixture(t, cfg, nil, nil)
	sess := f.session(t)
	seedHistory(t, f.db, sess.ID, 8, 600)

	res, err := f.o.CompactNow(sess.ID, overflow.TriggerPeriodic)
	if err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}
	if res.TokensAfter >= res.TokensBefore {
		t.Errorf("compaction saved nothing: %d -> %d", res.TokensBefore, res.TokensAfter)
	}

	_, err = f.o.CompactNow(sess.ID, overflow.TriggerPeriodic)
	var cd *overflow.CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("err = %v, want CooldownError", err)
	}
	waitFor(t, time.Second, func() bool { return !f.o.Busy(sess.ID) })
}

func TestCompactionStampsSessionMetadata(t *testing.T) {
	cfg := testConfig()
	cfg.Overflow.MinMessages = 4
	f := newFixture(t, cfg, nil, nil)
	sess := f.session(t)
	seedHistory(t, f.db, sess.ID, 8, 600)

	if _, err := f.o.CompactNow(sess.ID, overflow.TriggerPeriodic); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}

	count, err := f.db.SessionMeta(sess.ID, storage.MetaCompactionCount)
	if err != nil {
		t.Fatalf("SessionMeta failed: %v", err)
	}
	if count.Int() != 1 {
		t.Errorf("compaction count = %d, want 1", count.Int())
	}
	last, err := f.db.SessionMeta(sess.ID, storage.MetaCompactionLast)
	if err != nil {
		t.Fatalf("SessionMeta failed: %v", err)
	}
	stamp, err := time.Parse(time.RFC3339, last.String())
	if err != nil {
		t.Fatalf("stamp %q is not RFC3339: %v", last.String(), err)
	}
	if time.Since(stamp) > time.Minute {
		t.Errorf("stamp %s is stale", stamp)
	}
}

func TestEvictRejectsQueueAndDropsState(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	f.prov.block = make(chan struct{})
	sess := f.session(t)

	first := make(chan *Result, 1)
	go func() {
		res, err := f.o.Submit(context.Background(), textInput(sess.ID, "turn one"))
		if err != nil {
			t.Errorf("first submit failed: %v", err)
		}
		first <- res
	}()
	waitFor(t, time.Second, func() bool { return f.prov.callCount() == 1 })

	queued := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(context.Background(), textInput(sess.ID, "queued"))
		queued <- err
	}()
	waitFor(t, time.Second, func() bool { return f.o.Status(sess.ID).QueueDepth == 1 })

	f.o.Evict(sess.ID)

	err := <-queued
	se, ok := AsError(err)
	if !ok || se.Kind != KindAborted {
		t.Fatalf("queued err = %v, want aborted", err)
	}
	res := <-first
	if res == nil || res.Message.Error == nil || res.Message.Error.Kind != string(KindAborted) {
		t.Fatalf("in-flight turn result = %+v, want aborted message", res)
	}

	waitFor(t, time.Second, func() bool { return !f.o.Busy(sess.ID) })
	st := f.o.Status(sess.ID)
	if st.QueueDepth != 0 || st.Baseline != 0 {
		t.Errorf("state after evict = %+v", st)
	}
}

func TestSubmitRejectsUnknownSession(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)

	_, err := f.o.Submit(context.Background(), textInput("no-such-session", "hello"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	_, err = f.o.Submit(context.Background(), Input{})
	if err == nil {
		t.Fatal("empty session id accepted")
	}
}
