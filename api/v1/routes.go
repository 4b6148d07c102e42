package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/gateway/handlers"
	"loom/internal/gateway/websocket"
	"loom/internal/overflow"
	"loom/internal/provider"
	"loom/internal/session"
	"loom/internal/storage"
	"loom/internal/token"
	"loom/internal/window"
)

// RouterDeps holds dependencies for the v1 API router.
type RouterDeps struct {
	Config       *config.Config
	DB           *storage.DB
	Orchestrator *session.Orchestrator
	Registry     *provider.Registry
	Estimator    *token.Estimator
	Bus          *bus.Bus
	Hub          *websocket.Hub
	Version      string
}

// Router wraps v1 API dependencies.
type Router struct {
	cfg      *config.Config
	db       *storage.DB
	orch     *session.Orchestrator
	registry *provider.Registry
	est      *token.Estimator
	bus      *bus.Bus
	hub      *websocket.Hub
	builder  *window.Builder
	version  string
}

// NewRouter creates the v1 API router.
func NewRouter(deps *RouterDeps) *Router {
	if deps == nil {
		deps = &RouterDeps{}
	}
	r := &Router{
		cfg:      deps.Config,
		db:       deps.DB,
		orch:     deps.Orchestrator,
		registry: deps.Registry,
		est:      deps.Estimator,
		bus:      deps.Bus,
		hub:      deps.Hub,
		version:  deps.Version,
	}
	if deps.Estimator != nil {
		r.builder = window.NewBuilder(deps.Estimator)
	}
	return r
}

// RegisterRoutes registers all v1 API routes.
func (r *Router) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Health and status
	v1.HandleFunc("/health", handlers.HealthHandler(r.version)).Methods(http.MethodGet)
	v1.HandleFunc("/status", r.HandleStatus).Methods(http.MethodGet)

	// Chat
	v1.HandleFunc("/chat", r.HandleChat).Methods(http.MethodPost)
	v1.HandleFunc("/chat/stream", r.HandleChatStream).Methods(http.MethodPost)

	// Sessions
	v1.HandleFunc("/sessions", r.HandleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", r.HandleCreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", r.HandleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", r.HandleUpdateSession).Methods(http.MethodPut)
	v1.HandleFunc("/sessions/{id}", r.HandleDeleteSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/messages", r.HandleGetMessages).Methods(http.MethodGet)

	// Context management
	v1.HandleFunc("/sessions/{id}/compact", r.HandleCompact).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/context", r.HandleGetContext).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/facts", r.HandleGetFacts).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/pins", r.HandleListPins).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/pins", r.HandleAddPin).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/pins/{message}", r.HandleRemovePin).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/abort", r.HandleAbort).Methods(http.MethodPost)
}

// sendSessionError translates admission and orchestration failures into
// HTTP responses. Generation failures never reach here; they land on the
// assistant message instead.
func sendSessionError(w http.ResponseWriter, err error) {
	var cooldown *overflow.CooldownError
	if errors.As(err, &cooldown) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(cooldown)))
	}

	status, code := classifyError(err)
	msg := err.Error()
	if errors.Is(err, storage.ErrNotFound) {
		msg = "session not found"
	}
	handlers.SendError(w, status, code, msg)
}

func classifyError(err error) (int, string) {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound, handlers.ErrCodeNotFound
	}
	var cooldown *overflow.CooldownError
	if errors.As(err, &cooldown) {
		return http.StatusTooManyRequests, ErrCodeCooldown
	}
	if errors.Is(err, overflow.ErrTooFewMessages) {
		return http.StatusConflict, ErrCodeTooFewMessages
	}

	serr, ok := session.AsError(err)
	if !ok {
		return http.StatusInternalServerError, handlers.ErrCodeInternalError
	}
	switch serr.Kind {
	case session.KindBusy:
		return http.StatusConflict, ErrCodeSessionBusy
	case session.KindQueueOverflow:
		return http.StatusTooManyRequests, ErrCodeQueueOverflow
	case session.KindQueueTimeout:
		return http.StatusGatewayTimeout, ErrCodeQueueTimeout
	case session.KindContextOverflow:
		return http.StatusRequestEntityTooLarge, ErrCodeContextOverflow
	case session.KindToolValidation, session.KindMissingTool:
		return http.StatusBadRequest, handlers.ErrCodeInvalidRequest
	case session.KindAuth:
		return http.StatusUnauthorized, handlers.ErrCodeUnauthorized
	case session.KindAborted:
		return http.StatusConflict, ErrCodeAborted
	default:
		return http.StatusInternalServerError, handlers.ErrCodeInternalError
	}
}

func retryAfterSeconds(cooldown *overflow.CooldownError) int {
	secs := int(cooldown.Remaining.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
