package v1

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"loom/internal/gateway/handlers"
	"loom/internal/overflow"
	"loom/internal/tier"
	"loom/pkg/logger"
)

// HandleCompact runs a compaction pass on demand. The pass observes the
// same cooldown as scheduled sweeps.
func (r *Router) HandleCompact(w http.ResponseWriter, req *http.Request) {
	if r.orch == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "orchestrator not available")
		return
	}

	id := mux.Vars(req)["id"]
	res, err := r.orch.CompactNow(id, overflow.TriggerPeriodic)
	if err != nil {
		sendSessionError(w, err)
		return
	}

	out := CompactResponse{
		SessionID:    id,
		Level:        string(res.Level),
		Compressed:   res.Compressed,
		FactsAdded:   res.FactsAdded,
		TokensBefore: res.TokensBefore,
		TokensAfter:  res.TokensAfter,
		DurationMs:   res.Duration.Milliseconds(),
	}
	if store, err := r.orch.StoreFor(id); err == nil {
		out.Utilization = store.Utilization()
	}
	handlers.SendJSON(w, http.StatusOK, out)
}

// HandleGetContext reports tier occupancy and a reconstruction preview.
// The assembled context block is large, so it is only included with ?block=true.
func (r *Router) HandleGetContext(w http.ResponseWriter, req *http.Request) {
	if r.orch == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "orchestrator not available")
		return
	}

	id := mux.Vars(req)["id"]
	store, err := r.orch.StoreFor(id)
	if err != nil {
		sendSessionError(w, err)
		return
	}

	out := ContextResponse{
		SessionID:   id,
		Occupancy:   store.Occupancy(),
		Utilization: store.Utilization(),
		Budget:      store.Budgets().Total(),
		Tiers:       store.Infos(),
		Metrics:     store.Metrics(),
	}
	if r.builder != nil {
		budget := 0
		if r.cfg != nil {
			budget = r.cfg.Context.MaxTokens - r.cfg.Context.OutputReserve
		}
		win := r.builder.Build(store, budget)
		out.Window = WindowPreview{
			TotalTokens: win.TotalTokens,
			Truncated:   win.Truncated,
			Messages:    len(win.Messages),
			Pinned:      len(win.Pinned),
			Compressed:  len(win.Compressed),
			Facts:       len(win.Facts),
		}
		if wantBlock(req) {
			out.Window.ContextBlock = win.ContextBlock()
		}
	}
	handlers.SendJSON(w, http.StatusOK, out)
}

// HandleGetFacts returns the session's semantic tier.
func (r *Router) HandleGetFacts(w http.ResponseWriter, req *http.Request) {
	if r.orch == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "orchestrator not available")
		return
	}

	id := mux.Vars(req)["id"]
	store, err := r.orch.StoreFor(id)
	if err != nil {
		sendSessionError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, FactsResponse{SessionID: id, Facts: store.Facts()})
}

// HandleListPins returns the session's pins, dropping any whose message no
// longer exists.
func (r *Router) HandleListPins(w http.ResponseWriter, req *http.Request) {
	if r.orch == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "orchestrator not available")
		return
	}

	id := mux.Vars(req)["id"]
	store, err := r.orch.StoreFor(id)
	if err != nil {
		sendSessionError(w, err)
		return
	}

	if r.db != nil {
		if pruned := store.PruneOrphanPins(r.db.MessageExists); len(pruned) > 0 {
			lg := logger.Component("api")
			lg.Info().Strs("message_ids", pruned).Str("session_id", id).Msg("pruned orphan pins")
			if err := r.orch.SaveStore(id); err != nil {
				lg.Warn().Err(err).Str("session_id", id).Msg("persist pin prune")
			}
		}
	}
	handlers.SendJSON(w, http.StatusOK, PinsResponse{SessionID: id, Pins: store.Pins()})
}

// HandleAddPin pins a message so compression and reconstruction keep it
// verbatim.
func (r *Router) HandleAddPin(w http.ResponseWriter, req *http.Request) {
	if r.orch == nil || r.db == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "orchestrator not available")
		return
	}

	id := mux.Vars(req)["id"]
	var body PinRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if body.MessageID == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "message_id is required")
		return
	}

	msg, err := r.db.GetMessage(body.MessageID)
	if err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "message not found")
		return
	}
	if msg.SessionID != id {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "message belongs to another session")
		return
	}

	store, err := r.orch.StoreFor(id)
	if err != nil {
		sendSessionError(w, err)
		return
	}
	pin, err := store.Pin(body.MessageID, body.Reason, "api")
	if err != nil {
		if errors.Is(err, tier.ErrAlreadyPinned) {
			handlers.SendError(w, http.StatusConflict, handlers.ErrCodeConflict, err.Error())
			return
		}
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	if err := r.orch.SaveStore(id); err != nil {
		lg := logger.Component("api")
		lg.Warn().Err(err).Str("session_id", id).Msg("persist pin")
	}
	handlers.SendJSON(w, http.StatusCreated, pin)
}

// HandleRemovePin removes a pin.
func (r *Router) HandleRemovePin(w http.ResponseWriter, req *http.Request) {
	if r.orch == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "orchestrator not available")
		return
	}

	vars := mux.Vars(req)
	id := vars["id"]
	store, err := r.orch.StoreFor(id)
	if err != nil {
		sendSessionError(w, err)
		return
	}
	if err := store.Unpin(vars["message"]); err != nil {
		if errors.Is(err, tier.ErrNotPinned) {
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "pin not found")
			return
		}
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	if err := r.orch.SaveStore(id); err != nil {
		lg := logger.Component("api")
		lg.Warn().Err(err).Str("session_id", id).Msg("persist unpin")
	}
	handlers.SendJSON(w, http.StatusNoContent, nil)
}

// HandleAbort cancels the in-flight turn, if any.
func (r *Router) HandleAbort(w http.ResponseWriter, req *http.Request) {
	if r.orch == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "orchestrator not available")
		return
	}

	id := mux.Vars(req)["id"]
	handlers.SendJSON(w, http.StatusOK, AbortResponse{SessionID: id, Aborted: r.orch.Abort(id)})
}

func wantBlock(req *http.Request) bool {
	b, err := strconv.ParseBool(req.URL.Query().Get("block"))
	return err == nil && b
}
