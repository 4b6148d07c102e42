package v1

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"loom/internal/gateway/handlers"
	"loom/internal/storage"
	"loom/internal/tier"
	"loom/pkg/logger"
)

// HandleListSessions returns all known sessions, newest first.
func (r *Router) HandleListSessions(w http.ResponseWriter, req *http.Request) {
	if r.db == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "storage not available")
		return
	}

	sessions, err := r.db.ListSessions()
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, r.summarize(sess))
	}
	handlers.SendJSON(w, http.StatusOK, SessionsListResponse{Sessions: out})
}

// HandleCreateSession creates a session row. Provider and model may be left
// empty; unset values fall back to the daemon defaults at turn time.
func (r *Router) HandleCreateSession(w http.ResponseWriter, req *http.Request) {
	if r.db == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "storage not available")
		return
	}

	var body CreateSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if body.Provider != "" && r.registry != nil {
		if _, err := r.registry.Get(body.Provider); err != nil {
			handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "unknown provider: "+body.Provider)
			return
		}
	}

	sess, err := r.db.CreateSession(body.Title, body.Provider, body.Model)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	handlers.SendJSON(w, http.StatusCreated, r.summarize(sess))
}

// HandleGetSession returns one session with its live queue state.
func (r *Router) HandleGetSession(w http.ResponseWriter, req *http.Request) {
	if r.db == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "storage not available")
		return
	}

	sess, err := r.db.GetSession(mux.Vars(req)["id"])
	if err != nil {
		sendSessionError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, r.summarize(sess))
}

// HandleUpdateSession renames a session or switches its provider and model.
func (r *Router) HandleUpdateSession(w http.ResponseWriter, req *http.Request) {
	if r.db == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "storage not available")
		return
	}

	id := mux.Vars(req)["id"]
	sess, err := r.db.GetSession(id)
	if err != nil {
		sendSessionError(w, err)
		return
	}

	var body UpdateSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if body.Title == "" && body.Provider == "" && body.Model == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "nothing to update")
		return
	}

	if body.Title != "" {
		if err := r.db.UpdateSessionTitle(id, body.Title); err != nil {
			sendSessionError(w, err)
			return
		}
	}
	if body.Provider != "" || body.Model != "" {
		provider := body.Provider
		if provider == "" {
			provider = sess.Provider
		}
		model := body.Model
		if model == "" {
			model = sess.Model
		}
		if provider != "" && r.registry != nil {
			if _, err := r.registry.Get(provider); err != nil {
				handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "unknown provider: "+provider)
				return
			}
		}
		if err := r.db.UpdateSessionModel(id, provider, model); err != nil {
			sendSessionError(w, err)
			return
		}
	}

	sess, err = r.db.GetSession(id)
	if err != nil {
		sendSessionError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, r.summarize(sess))
}

// HandleDeleteSession evicts the session from the orchestrator, then removes
// its messages, tier state, and session row.
func (r *Router) HandleDeleteSession(w http.ResponseWriter, req *http.Request) {
	if r.db == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "storage not available")
		return
	}

	id := mux.Vars(req)["id"]
	if _, err := r.db.GetSession(id); err != nil {
		sendSessionError(w, err)
		return
	}

	if r.orch != nil {
		r.orch.Evict(id)
	}
	if err := r.db.DeleteSession(id); err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	if err := tier.Purge(r.db.Documents(), id); err != nil {
		lg := logger.Component("api")
		lg.Warn().Err(err).Str("session_id", id).Msg("purge tier state")
	}
	handlers.SendJSON(w, http.StatusNoContent, nil)
}

// HandleGetMessages returns the full transcript for a session.
func (r *Router) HandleGetMessages(w http.ResponseWriter, req *http.Request) {
	if r.db == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "storage not available")
		return
	}

	id := mux.Vars(req)["id"]
	if _, err := r.db.GetSession(id); err != nil {
		sendSessionError(w, err)
		return
	}
	messages, err := r.db.GetMessages(id)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	handlers.SendJSON(w, http.StatusOK, MessagesResponse{SessionID: id, Messages: messages})
}

func (r *Router) summarize(sess *storage.Session) SessionSummary {
	summary := SessionSummary{
		ID:        sess.ID,
		Title:     sess.Title,
		Provider:  sess.Provider,
		Model:     sess.Model,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	if count, err := r.db.CountMessages(sess.ID); err == nil {
		summary.MessageCount = count
	}
	if r.orch != nil {
		st := r.orch.Status(sess.ID)
		summary.Busy = st.Busy
		summary.QueueDepth = st.QueueDepth
	}
	return summary
}
