// Package session coordinates chat turns end to end: admission and
// queueing, single-flight locking, context assembly, provider streaming,
// tool execution, and bounded recovery from context overflow.
//
// One session runs at most one generation at a time. Concurrent
// submissions queue FIFO behind the lock and may be batched into a
// following turn; an oversized input is split into chunks and processed
// as sequential turns. The tier store and the queue are only mutated
// while the session lock is held, keeping each session single-writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loom/internal/bus"
	"loom/internal/compaction"
	"loom/internal/config"
	"loom/internal/overflow"
	"loom/internal/provider"
	"loom/internal/storage"
	"loom/internal/tier"
	"loom/internal/token"
	"loom/internal/window"
	"loom/pkg/logger"
)

// maxToolIterations caps provider round-trips within one turn.
const maxToolIterations = 8

// maxTransientRetries caps retries of retryable provider failures within
// one turn. Retries are a bounded loop, never recursion.
const maxTransientRetries = 2

// defaultSystemPrompt grounds the assistant when the caller supplies no
// system prompt of its own.
const defaultSystemPrompt = "You are loom, a conversational assistant with durable context management. " +
	"Earlier parts of long conversations may arrive summarized, with key facts listed separately; " +
	"treat both as accurate history. Answer directly."

// Input is one chat submission.
type Input struct {
	SessionID string
	Provider  string // optional, overrides the session default
	Model     string // optional, overrides the session default
	System    string // optional extra system prompt for this turn
	Parts     []storage.Part
}

// Result is the outcome of a completed chat turn.
type Result struct {
	Message *storage.Message `json:"message"`
	Queued  bool             `json:"queued,omitempty"`
	Chunks  int              `json:"chunks,omitempty"`
}

// Status is a point-in-time view of a session's scheduling state.
type Status struct {
	SessionID   string  `json:"session_id"`
	Busy        bool    `json:"busy"`
	QueueDepth  int     `json:"queue_depth"`
	Occupancy   int     `json:"occupancy"`
	Utilization float64 `json:"utilization"`
	Baseline    int     `json:"baseline"`
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	DB        *storage.DB
	Registry  *provider.Registry
	Estimator *token.Estimator
	Engine    *compaction.Engine
	Recovery  *overflow.Recovery
	Bus       *bus.Bus
	Tools     ToolRunner // optional
}

// Orchestrator owns the per-session generation pipeline.
type Orchestrator struct {
	cfg  config.SessionConfig
	wnd  config.ContextConfig
	comp config.CompressionConfig
	ovf  config.OverflowConfig

	db       *storage.DB
	registry *provider.Registry
	est      *token.Estimator
	engine   *compaction.Engine
	recovery *overflow.Recovery
	bus      *bus.Bus
	builder  *window.Builder
	tools    ToolRunner
	locks    *LockTable

	states sync.Map // session id -> *sessionState
	log    zerolog.Logger
}

// sessionState is the per-session mutable state: the waiting queue plus
// the loaded tier store and estimation baseline. Store and baseline are
// only mutated while the session lock is held.
type sessionState struct {
	queue *pendingQueue

	mu         sync.Mutex
	store      *tier.Store
	baseline   int    // authoritative tokens from the last provider usage
	baselineID string // newest message the baseline covers
}

// New creates an orchestrator.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.Session,
		wnd:      cfg.Context,
		comp:     cfg.Compression,
		ovf:      cfg.Overflow,
		db:       deps.DB,
		registry: deps.Registry,
		est:      deps.Estimator,
		engine:   deps.Engine,
		recovery: deps.Recovery,
		bus:      deps.Bus,
		builder:  window.NewBuilder(deps.Estimator),
		tools:    deps.Tools,
		log:      logger.Component("session"),
	}
	o.locks = NewLockTable(cfg.Session.LockTimeout, o.lockExpired)
	return o
}

// Submit runs one chat turn. When the session is idle the turn starts
// immediately; otherwise it joins the FIFO queue and may be batched into
// a later turn. The call blocks until the turn completes or ctx is
// cancelled; cancelling the wait abandons the wait, not the queued work.
func (o *Orchestrator) Submit(ctx context.Context, in Input) (*Result, error) {
	if in.SessionID == "" {
		return nil, errUnknown(fmt.Errorf("session id required"))
	}
	if _, err := o.db.GetSession(in.SessionID); err != nil {
		return nil, err
	}
	st := o.state(in.SessionID)
	item := newQueueItem(in, time.Now())

	genCtx, cancel := context.WithCancel(context.Background())
	queued := false
	if err := o.locks.Acquire(in.SessionID, cancel); err != nil {
		cancel()
		if qerr := st.queue.push(item); qerr != nil {
			return nil, qerr
		}
		queued = true
		o.log.Debug().
			Str("session_id", in.SessionID).
			Int("depth", st.queue.depth()).
			Msg("submission queued")
		// The holder may have released between our failed acquire and
		// the push; kick so the item cannot strand on an idle session.
		o.kick(in.SessionID)
	} else {
		go o.runTurn(genCtx, in.SessionID, item)
	}

	select {
	case out := <-item.done:
		if out.err != nil {
			return nil, out.err
		}
		// Batched items share one result; stamp a per-waiter copy.
		res := *out.res
		res.Queued = queued
		return &res, nil
	case <-ctx.Done():
		return nil, errAborted("request wait cancelled")
	}
}

// Abort cancels the in-flight generation for the session, if any.
func (o *Orchestrator) Abort(sessionID string) bool {
	return o.locks.Abort(sessionID)
}

// Busy reports whether a generation is in flight for the session.
func (o *Orchestrator) Busy(sessionID string) bool {
	return o.locks.Held(sessionID)
}

// Status reports scheduling and occupancy state for a session.
func (o *Orchestrator) Status(sessionID string) Status {
	s := Status{
		SessionID: sessionID,
		Busy:      o.locks.Held(sessionID),
	}
	v, ok := o.states.Load(sessionID)
	if !ok {
		return s
	}
	st := v.(*sessionState)
	s.QueueDepth = st.queue.depth()
	st.mu.Lock()
	s.Baseline = st.baseline
	store := st.store
	st.mu.Unlock()
	if store != nil {
		s.Occupancy = store.Occupancy()
		s.Utilization = store.Utilization()
	}
	return s
}

// ActiveSessions lists session ids with cached state, sorted.
func (o *Orchestrator) ActiveSessions() []string {
	var ids []string
	o.states.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// StoreFor returns the live tier store for a session, loading it on
// first use with the session model's context geometry.
func (o *Orchestrator) StoreFor(sessionID string) (*tier.Store, error) {
	sess, err := o.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	limit, reserve := o.contextGeometry(sess.Model)
	return o.loadStore(o.state(sessionID), sessionID, limit, reserve)
}

// SaveStore persists the session's tier documents.
func (o *Orchestrator) SaveStore(sessionID string) error {
	v, ok := o.states.Load(sessionID)
	if !ok {
		return nil
	}
	st := v.(*sessionState)
	st.mu.Lock()
	store := st.store
	st.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Save(o.db.Documents())
}

// CompactNow runs a compaction pass outside the generation path, taking
// the session lock so it never races an in-flight turn.
func (o *Orchestrator) CompactNow(sessionID string, trigger overflow.Trigger) (compaction.Result, error) {
	store, err := o.StoreFor(sessionID)
	if err != nil {
		return compaction.Result{}, err
	}
	_, cancel := context.WithCancel(context.Background())
	if err := o.locks.Acquire(sessionID, cancel); err != nil {
		cancel()
		return compaction.Result{}, err
	}
	defer func() {
		o.locks.Release(sessionID)
		o.kick(sessionID)
	}()
	return o.compact(o.state(sessionID), store, sessionID, trigger)
}

// Evict aborts in-flight work, rejects queued submissions, and drops
// cached session state. The message log and tier documents are left
// untouched.
func (o *Orchestrator) Evict(sessionID string) {
	o.locks.Abort(sessionID)
	if v, ok := o.states.LoadAndDelete(sessionID); ok {
		v.(*sessionState).queue.rejectAll(errAborted("session evicted"))
	}
	o.est.Forget(sessionID)
	o.recovery.Forget(sessionID)
}

// Shutdown aborts every in-flight generation and rejects all queued
// work.
func (o *Orchestrator) Shutdown() {
	o.states.Range(func(k, v any) bool {
		sessionID := k.(string)
		o.locks.Abort(sessionID)
		v.(*sessionState).queue.rejectAll(errAborted("daemon shutting down"))
		return true
	})
}

// state returns the per-session state, creating it on first use.
func (o *Orchestrator) state(sessionID string) *sessionState {
	if v, ok := o.states.Load(sessionID); ok {
		return v.(*sessionState)
	}
	st := &sessionState{queue: newPendingQueue(o.cfg)}
	st.queue.onReject = func(count int, cause error) {
		o.bus.Publish(bus.TopicQueueRejected, sessionID, map[string]any{
			"count":  count,
			"reason": cause.Error(),
		})
	}
	v, _ := o.states.LoadOrStore(sessionID, st)
	return v.(*sessionState)
}

// lockExpired runs after a lock outlives its timeout: the aborted
// generation resolves its waiters through the cancelled context, and the
// session is reported idle so clients stop showing it busy.
func (o *Orchestrator) lockExpired(sessionID string, heldFor time.Duration) {
	o.bus.Publish(bus.TopicSessionError, sessionID, map[string]any{
		"kind":    string(KindAborted),
		"message": fmt.Sprintf("generation aborted after holding the session for %s", heldFor.Round(time.Second)),
	})
	o.bus.Publish(bus.TopicSessionIdle, sessionID, nil)
	o.kick(sessionID)
}

// kick starts a turn for queued work if the session is idle. It runs
// after every lock release so the queue always drains.
func (o *Orchestrator) kick(sessionID string) {
	st := o.state(sessionID)
	if st.queue.depth() == 0 {
		return
	}
	genCtx, cancel := context.WithCancel(context.Background())
	if err := o.locks.Acquire(sessionID, cancel); err != nil {
		cancel()
		return // the holder kicks again on release
	}
	go o.runTurn(genCtx, sessionID, nil)
}

// runTurn executes one locked generation cycle and resolves its waiters.
// The lock is released before queued work is kicked, so a follow-up turn
// acquires it fresh.
func (o *Orchestrator) runTurn(ctx context.Context, sessionID string, seed *QueueItem) {
	st := o.state(sessionID)
	var items []*QueueItem
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().
				Str("session_id", sessionID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("generation panicked")
			fail(items, errUnknown(fmt.Errorf("generation panicked: %v", r)))
		}
		if o.locks.Release(sessionID) {
			o.bus.Publish(bus.TopicSessionIdle, sessionID, nil)
		}
		o.kick(sessionID)
	}()

	if seed != nil {
		items = append(items, seed)
	}
	res, err := o.generate(ctx, st, sessionID, &items)
	if err != nil {
		fail(items, err)
		return
	}
	if res == nil {
		return // kicked on an empty queue
	}
	for _, it := range items {
		it.resolve(res, nil)
	}
}

// generate runs the preparation and conversation steps for one turn:
// batch admission under the dynamic estimate threshold, preflight with
// at most one forced compaction, the chunking fallback for an oversized
// input, then the provider conversation.
func (o *Orchestrator) generate(ctx context.Context, st *sessionState, sessionID string, items *[]*QueueItem) (*Result, error) {
	sess, err := o.db.GetSession(sessionID)
	if err != nil {
		return nil, errUnknown(err)
	}
	var seed *QueueItem
	if len(*items) > 0 {
		seed = (*items)[0]
	}
	prov, model, err := o.resolveProvider(sess, seed)
	if err != nil {
		return nil, errUnknown(err)
	}
	limit, reserve := o.contextGeometry(model)

	store, err := o.loadStore(st, sessionID, limit, reserve)
	if err != nil {
		return nil, errUnknown(err)
	}

	// Admission: batch queued submissions into this turn while the
	// combined estimate stays under the dynamic threshold. Rapid-fire
	// input drops the batch to a single item so each spam burst costs
	// one provider call at a time.
	batch := o.cfg.BatchSize
	if st.queue.spammy(o.cfg.SpamDepth) {
		batch = 1
	}
	baseline, baseChars := st.estimateBase(store)
	seedChars := 0
	for _, it := range *items {
		seedChars += inputChars(it.Input)
	}
	thresholdTokens := int(o.est.Threshold(sessionID) * float64(limit))
	admitted := st.queue.admit(batch-len(*items), func(cum int) bool {
		return o.est.ForRequest(sessionID, baseline, baseChars+seedChars+cum) <= thresholdTokens
	})
	*items = append(*items, admitted...)
	if len(*items) == 0 {
		return nil, nil
	}
	if seed == nil {
		// Kicked turn: the head of the queue leads it, including any
		// per-turn provider or prompt overrides it carries.
		seed = (*items)[0]
		if seed.Input.Provider != "" || seed.Input.Model != "" {
			prov, model, err = o.resolveProvider(sess, seed)
			if err != nil {
				return nil, errUnknown(err)
			}
			limit, reserve = o.contextGeometry(model)
		}
	}

	newChars := 0
	for _, it := range *items {
		newChars += inputChars(it.Input)
	}
	check := o.recovery.Preflight(sessionID, limit, reserve, baseline, baseChars+newChars)
	if check.NearLimit || check.Overflow {
		trigger := overflow.TriggerPeriodic
		if check.Overflow {
			trigger = overflow.TriggerAuto
		}
		_, cerr := o.compact(st, store, sessionID, trigger)
		switch {
		case cerr == nil:
			baseline, baseChars = st.estimateBase(store)
			check = o.recovery.Preflight(sessionID, limit, reserve, baseline, baseChars+newChars)
		case check.Overflow && errors.Is(cerr, overflow.ErrTooFewMessages):
			// Nothing to compact; the chunking decision below applies.
		case check.Overflow:
			return nil, Classify(cerr)
		default:
			o.log.Debug().Err(cerr).Str("session_id", sessionID).Msg("proactive compaction skipped")
		}
	}
	if check.Overflow {
		if len(*items) == 1 && o.chunkable(sessionID, (*items)[0].Input, check) {
			return o.runChunked(ctx, st, store, sessionID, prov, model, (*items)[0], check)
		}
		return nil, errStillTooLarge()
	}

	// The turn is admitted: persist the user messages before the
	// provider call so the conversation is durable even if it fails.
	for _, it := range *items {
		msg, err := o.appendUserMessage(store, sessionID, it.Input.Parts)
		if err != nil {
			return nil, errUnknown(err)
		}
		it.message = msg
	}

	msg, err := o.converse(ctx, st, store, sessionID, prov, model, o.systemPrompts(seed), reserve, check.Available())
	if err != nil {
		return nil, err
	}
	return &Result{Message: msg}, nil
}

// converse drives provider round-trips until the model stops requesting
// tools or a budget runs out. The window is rebuilt from the store each
// round-trip, so tool results and mid-turn compaction are both picked up
// naturally.
func (o *Orchestrator) converse(ctx context.Context, st *sessionState, store *tier.Store, sessionID string, prov provider.Provider, model string, system []string, reserve, available int) (*storage.Message, error) {
	contextRetried := false
	transientRetries := 0
	var last *storage.Message
	for iteration := 0; iteration < maxToolIterations; iteration++ {
		if ctx.Err() != nil {
			return o.completeFailure(store, sessionID, nil, nil, errAborted(""))
		}
		wctx := o.builder.Build(store, available)
		req := buildRequest(model, system, wctx, o.toolDefs(), reserve)
		draft, err := o.appendDraft(sessionID)
		if err != nil {
			return nil, errUnknown(err)
		}

		resp, callErr := o.callProvider(ctx, sessionID, draft.ID, prov, req)
		for callErr != nil {
			if provider.IsContextOverflow(callErr) && !contextRetried {
				contextRetried = true
				if _, cerr := o.compact(st, store, sessionID, overflow.TriggerAuto); cerr != nil {
					callErr = cerr
					break
				}
				wctx = o.builder.Build(store, available)
				req = buildRequest(model, system, wctx, o.toolDefs(), reserve)
				resp, callErr = o.callProvider(ctx, sessionID, draft.ID, prov, req)
				continue
			}
			if provider.IsRetryable(callErr) && transientRetries < maxTransientRetries && ctx.Err() == nil {
				transientRetries++
				o.log.Debug().
					Err(callErr).
					Int("retry", transientRetries).
					Str("session_id", sessionID).
					Msg("transient provider failure, retrying")
				select {
				case <-time.After(time.Duration(transientRetries) * 500 * time.Millisecond):
				case <-ctx.Done():
				}
				resp, callErr = o.callProvider(ctx, sessionID, draft.ID, prov, req)
				continue
			}
			break
		}
		if callErr != nil {
			return o.completeFailure(store, sessionID, draft, resp, Classify(callErr))
		}

		msg, err := o.completeAssistant(st, store, sessionID, draft, resp, requestChars(req))
		if err != nil {
			return nil, errUnknown(err)
		}
		last = msg
		if len(resp.ToolCalls) == 0 || o.tools == nil {
			return msg, nil
		}
		if _, err := o.appendToolResults(ctx, store, sessionID, resp.ToolCalls); err != nil {
			return nil, errUnknown(err)
		}
	}
	o.log.Warn().
		Str("session_id", sessionID).
		Int("iterations", maxToolIterations).
		Msg("tool iteration budget exhausted")
	return last, nil
}

// runChunked splits one oversized text input at paragraph boundaries and
// feeds the pieces through as sequential turns against the same session,
// compacting between chunk groups. The responses aggregate into one
// result; the individual chunk turns remain the durable history.
func (o *Orchestrator) runChunked(ctx context.Context, st *sessionState, store *tier.Store, sessionID string, prov provider.Provider, model string, seed *QueueItem, check overflow.Check) (*Result, error) {
	headroom := check.Available() / 2
	maxChars := o.recovery.ChunkBudget(sessionID, headroom)
	chunks := overflow.SplitText(inputText(seed.Input), maxChars)
	o.log.Info().
		Str("session_id", sessionID).
		Int("chunks", len(chunks)).
		Int("chunk_chars", maxChars).
		Msg("splitting oversized input")

	system := o.systemPrompts(seed)
	agg := overflow.NewAggregator()
	group := o.ovf.ChunkGroupSize
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			msg, err := o.completeFailure(store, sessionID, nil, nil, errAborted(""))
			if err != nil {
				return nil, err
			}
			return &Result{Message: msg, Chunks: agg.Chunks()}, nil
		}
		if group > 0 && i > 0 && i%group == 0 {
			o.compactBetweenChunks(st, store, sessionID)
		}
		if _, err := o.appendUserMessage(store, sessionID, []storage.Part{storage.TextPart(chunk)}); err != nil {
			return nil, errUnknown(err)
		}
		msg, err := o.converse(ctx, st, store, sessionID, prov, model, system, check.Reserve, check.Available())
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, errUnknown(fmt.Errorf("chunk %d produced no response", i+1))
		}
		if msg.Error != nil {
			// A failed chunk ends the pipeline; its error message is
			// the result, with earlier chunk turns already persisted.
			return &Result{Message: msg, Chunks: agg.Chunks()}, nil
		}
		var usage storage.Usage
		if msg.Usage != nil {
			usage = *msg.Usage
		}
		agg.Add(msg.Text(), usage, msg.Cost)
	}

	text, usage, cost := agg.Result()
	now := time.Now()
	aggregate := &storage.Message{
		ID:        storage.NewMessageID(),
		SessionID: sessionID,
		Role:      "assistant",
		Parts:     []storage.Part{storage.TextPart(text)},
		Usage:     &usage,
		Cost:      cost,
		IsSummary: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return &Result{Message: aggregate, Chunks: agg.Chunks()}, nil
}

// callProvider streams one model response, forwarding deltas to the bus
// and accumulating the final response. The partial response survives an
// error so streamed content can be preserved.
func (o *Orchestrator) callProvider(ctx context.Context, sessionID, messageID string, prov provider.Provider, req provider.ChatRequest) (*provider.ChatResponse, error) {
	events, err := prov.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	acc := provider.NewStreamAccumulator()
	for {
		select {
		case <-ctx.Done():
			return acc.Response(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := acc.Err(); err != nil {
					return acc.Response(), err
				}
				return acc.Response(), nil
			}
			acc.Add(ev)
			switch ev.Type {
			case provider.EventTypeContent:
				o.bus.Publish(bus.TopicStreamDelta, sessionID, map[string]any{
					"message_id": messageID,
					"delta":      ev.Delta,
				})
			case provider.EventTypeThinking:
				o.bus.Publish(bus.TopicStreamDelta, sessionID, map[string]any{
					"message_id": messageID,
					"thinking":   ev.Thinking,
				})
			case provider.EventTypeToolCall:
				if ev.ToolCall != nil {
					o.bus.Publish(bus.TopicStreamTool, sessionID, map[string]any{
						"message_id": messageID,
						"call_id":    ev.ToolCall.ID,
						"name":       ev.ToolCall.Name,
					})
				}
			}
		}
	}
}

// appendUserMessage persists one user turn and records it in the recent
// tier.
func (o *Orchestrator) appendUserMessage(store *tier.Store, sessionID string, parts []storage.Part) (*storage.Message, error) {
	msg := &storage.Message{
		ID:        storage.NewMessageID(),
		SessionID: sessionID,
		Role:      "user",
		Parts:     parts,
	}
	if err := o.db.AppendMessage(msg); err != nil {
		return nil, err
	}
	store.AppendRecent(msg)
	o.bus.Publish(bus.TopicMessageUpdated, sessionID, msg)
	return msg, nil
}

// appendDraft persists the assistant placeholder that streaming deltas
// reference; completion fields land when the stream finishes.
func (o *Orchestrator) appendDraft(sessionID string) (*storage.Message, error) {
	draft := &storage.Message{
		ID:        storage.NewMessageID(),
		SessionID: sessionID,
		Role:      "assistant",
	}
	if err := o.db.AppendMessage(draft); err != nil {
		return nil, err
	}
	o.bus.Publish(bus.TopicMessageUpdated, sessionID, draft)
	return draft, nil
}

// completeAssistant finalizes the draft with the streamed response,
// records it in the recent tier, and feeds the authoritative usage back
// into the estimator and the baseline.
func (o *Orchestrator) completeAssistant(st *sessionState, store *tier.Store, sessionID string, draft *storage.Message, resp *provider.ChatResponse, reqChars int) (*storage.Message, error) {
	parts := responseParts(resp)
	usage := &storage.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	if err := o.db.CompleteMessage(draft.ID, parts, usage, 0, nil); err != nil {
		return nil, err
	}
	draft.Parts = parts
	draft.Usage = usage
	draft.UpdatedAt = time.Now()
	store.AppendRecent(draft)

	if resp.Usage.InputTokens > 0 {
		o.est.Learn(sessionID, reqChars, resp.Usage.InputTokens)
	}
	st.setBaseline(usage.Total(), draft.ID)
	o.bus.Publish(bus.TopicMessageUpdated, sessionID, draft)
	return draft, nil
}

// completeFailure lands a failed generation in history as an assistant
// message carrying the classified error. Content streamed before the
// failure is preserved. The turn itself succeeds; callers read the error
// from the message.
func (o *Orchestrator) completeFailure(store *tier.Store, sessionID string, draft *storage.Message, partial *provider.ChatResponse, serr *Error) (*storage.Message, error) {
	var parts []storage.Part
	var usage *storage.Usage
	if partial != nil {
		parts = responseParts(partial)
		if partial.Usage.Total() > 0 {
			usage = &storage.Usage{InputTokens: partial.Usage.InputTokens, OutputTokens: partial.Usage.OutputTokens}
		}
	}
	msgErr := &storage.MessageError{Kind: string(serr.Kind), Message: serr.Error()}
	msg := draft
	if msg == nil {
		msg = &storage.Message{
			ID:        storage.NewMessageID(),
			SessionID: sessionID,
			Role:      "assistant",
			Parts:     parts,
			Usage:     usage,
			Error:     msgErr,
		}
		if err := o.db.AppendMessage(msg); err != nil {
			return nil, errUnknown(err)
		}
	} else {
		if err := o.db.CompleteMessage(draft.ID, parts, usage, 0, msgErr); err != nil {
			return nil, errUnknown(err)
		}
		msg.Parts = parts
		msg.Usage = usage
		msg.Error = msgErr
		msg.UpdatedAt = time.Now()
	}
	store.AppendRecent(msg)
	o.bus.Publish(bus.TopicMessageUpdated, sessionID, msg)
	o.bus.Publish(bus.TopicSessionError, sessionID, map[string]any{
		"kind":    string(serr.Kind),
		"message": serr.Error(),
	})
	o.log.Warn().
		Str("session_id", sessionID).
		Str("kind", string(serr.Kind)).
		Str("error", serr.Error()).
		Msg("generation failed")
	return msg, nil
}

// appendToolResults executes the requested calls in order and persists
// their results as one tool turn. Unknown tools and invalid arguments
// come back as failed results so the model can correct itself on the
// next round-trip; they never fail the turn.
func (o *Orchestrator) appendToolResults(ctx context.Context, store *tier.Store, sessionID string, calls []provider.ToolCall) (*storage.Message, error) {
	parts := make([]storage.Part, 0, len(calls))
	for _, call := range calls {
		rp := &storage.ToolResultPart{CallID: call.ID, Name: call.Name}
		if ctx.Err() != nil {
			rp.Aborted = true
			rp.Error = "aborted before execution"
		} else {
			out, err := o.tools.Run(ctx, call)
			switch {
			case err != nil && ctx.Err() != nil:
				rp.Aborted = true
				rp.Error = err.Error()
			case err != nil:
				rp.Error = err.Error()
				o.log.Warn().
					Str("session_id", sessionID).
					Str("tool", call.Name).
					Err(err).
					Msg("tool call failed")
			default:
				rp.Output = out
			}
		}
		o.bus.Publish(bus.TopicStreamTool, sessionID, map[string]any{
			"call_id": call.ID,
			"name":    call.Name,
			"done":    true,
			"error":   rp.Error,
		})
		parts = append(parts, storage.Part{Type: storage.PartToolResult, ToolResult: rp})
	}
	msg := &storage.Message{
		ID:        storage.NewMessageID(),
		SessionID: sessionID,
		Role:      "tool",
		Parts:     parts,
	}
	if err := o.db.AppendMessage(msg); err != nil {
		return nil, err
	}
	store.AppendRecent(msg)
	o.bus.Publish(bus.TopicMessageUpdated, sessionID, msg)
	return msg, nil
}

// compact runs one compaction pass under the session lock, resets the
// estimation baseline, and persists the rewritten tiers.
func (o *Orchestrator) compact(st *sessionState, store *tier.Store, sessionID string, trigger overflow.Trigger) (compaction.Result, error) {
	res, err := o.recovery.Compact(store, trigger)
	if err != nil {
		return compaction.Result{}, err
	}
	if res.Level == tier.LevelNone {
		return res, nil
	}
	st.resetBaseline()
	if err := store.Save(o.db.Documents()); err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("tier snapshot save failed")
	}
	o.publishCompaction(sessionID, res)
	return res, nil
}

// compactBetweenChunks runs an in-pipeline pass without the overflow
// cooldown; the chunk pipeline owns its own schedule.
func (o *Orchestrator) compactBetweenChunks(st *sessionState, store *tier.Store, sessionID string) {
	level := o.engine.Level(store)
	if level == tier.LevelNone {
		return
	}
	res, err := o.engine.Compress(store, level)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("inter-chunk compaction failed")
		return
	}
	st.resetBaseline()
	if err := store.Save(o.db.Documents()); err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("tier snapshot save failed")
	}
	o.publishCompaction(sessionID, res)
}

func (o *Orchestrator) publishCompaction(sessionID string, res compaction.Result) {
	o.bus.Publish(bus.TopicCompaction, sessionID, map[string]any{
		"level":         string(res.Level),
		"tokens_before": res.TokensBefore,
		"tokens_after":  res.TokensAfter,
		"facts_added":   res.FactsAdded,
	})

	// Roll the pass counter and stamp on the session record. The stamp is
	// what lets the maintenance sweep honor cooldowns across restarts.
	count := 0
	if v, err := o.db.SessionMeta(sessionID, storage.MetaCompactionCount); err == nil {
		count = int(v.Int())
	}
	if err := o.db.SetSessionMeta(sessionID, storage.MetaCompactionCount, count+1); err != nil {
		o.log.Debug().Err(err).Str("session_id", sessionID).Msg("compaction metadata update failed")
		return
	}
	if err := o.db.SetSessionMeta(sessionID, storage.MetaCompactionLast, time.Now().UTC().Format(time.RFC3339)); err != nil {
		o.log.Debug().Err(err).Str("session_id", sessionID).Msg("compaction metadata update failed")
	}
}

// chunkable reports whether a single oversized text submission should be
// split and processed in chunks rather than rejected.
func (o *Orchestrator) chunkable(sessionID string, in Input, check overflow.Check) bool {
	text := inputText(in)
	if text == "" {
		return false
	}
	return o.est.EstimateChars(sessionID, len(text)) > check.Available()/2
}

// loadStore returns the session's tier store, loading persisted tiers
// and hydrating the recent tier from the message log on first access.
func (o *Orchestrator) loadStore(st *sessionState, sessionID string, limit, reserve int) (*tier.Store, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.store != nil {
		return st.store, nil
	}
	budgets := tier.NewBudgets(limit-reserve, o.comp)
	store, err := tier.Load(o.db.Documents(), sessionID, budgets, o.est)
	if err != nil {
		return nil, err
	}
	msgs, err := o.db.GetMessages(sessionID)
	if err != nil {
		return nil, err
	}
	store.SetRecent(msgs)
	if pruned := store.PruneOrphanPins(o.db.MessageExists); len(pruned) > 0 {
		if err := store.SavePins(o.db.Documents()); err != nil {
			o.log.Warn().Err(err).Str("session_id", sessionID).Msg("pin snapshot save failed")
		}
	}
	st.store = store
	return store, nil
}

// contextGeometry resolves the token limit and output reserve for a
// model, falling back to configured defaults for unknown models.
func (o *Orchestrator) contextGeometry(model string) (limit, reserve int) {
	limit = provider.ContextWindowFor(model, o.wnd.MaxTokens)
	reserve = o.wnd.OutputReserve
	if mo := provider.MaxOutputFor(model, reserve); mo > 0 && mo < reserve {
		reserve = mo
	}
	return limit, reserve
}

// resolveProvider picks the backend and model for a turn: per-turn
// override first, then the session's stored choice, then the registry
// default.
func (o *Orchestrator) resolveProvider(sess *storage.Session, seed *QueueItem) (provider.Provider, string, error) {
	name := sess.Provider
	model := sess.Model
	if seed != nil {
		if seed.Input.Provider != "" {
			name = seed.Input.Provider
		}
		if seed.Input.Model != "" {
			model = seed.Input.Model
		}
	}
	var prov provider.Provider
	var err error
	switch {
	case name != "":
		prov, err = o.registry.Get(name)
	case model != "":
		prov, err = o.registry.ForModel(model)
	default:
		prov, err = o.registry.Default()
	}
	if err != nil {
		return nil, "", err
	}
	if model == "" {
		models := prov.Models()
		if len(models) == 0 {
			return nil, "", fmt.Errorf("provider %s has no models configured", prov.Name())
		}
		model = models[0]
	}
	return prov, model, nil
}

// systemPrompts assembles the system prompt stack for a turn.
func (o *Orchestrator) systemPrompts(seed *QueueItem) []string {
	prompts := []string{defaultSystemPrompt}
	if seed != nil && strings.TrimSpace(seed.Input.System) != "" {
		prompts = append(prompts, seed.Input.System)
	}
	return prompts
}

func (o *Orchestrator) toolDefs() []provider.Tool {
	if o.tools == nil {
		return nil
	}
	return o.tools.Definitions()
}

// estimateBase returns the authoritative baseline and the characters not
// yet covered by it. After compaction rewrites history the baseline is
// reset and everything is estimated fresh.
func (ss *sessionState) estimateBase(store *tier.Store) (baseline, chars int) {
	ss.mu.Lock()
	baseline = ss.baseline
	baselineID := ss.baselineID
	ss.mu.Unlock()

	for _, m := range store.Recent() {
		if baselineID == "" || m.ID > baselineID {
			chars += m.Chars()
		}
	}
	if baselineID == "" {
		for _, cm := range store.Compressed() {
			chars += cm.Chars()
		}
		for _, f := range store.Facts() {
			chars += f.Chars()
		}
	}
	return baseline, chars
}

func (ss *sessionState) setBaseline(tokens int, messageID string) {
	ss.mu.Lock()
	ss.baseline = tokens
	ss.baselineID = messageID
	ss.mu.Unlock()
}

func (ss *sessionState) resetBaseline() {
	ss.setBaseline(0, "")
}

// fail resolves every waiter with the same error.
func fail(items []*QueueItem, err error) {
	for _, it := range items {
		it.resolve(nil, err)
	}
}
