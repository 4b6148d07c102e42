package v1

import (
	"net/http"

	"loom/internal/gateway/handlers"
)

// HandleStatus reports daemon-wide state: configured providers, sessions
// with orchestrator state resident, bus health, and connected WS clients.
func (r *Router) HandleStatus(w http.ResponseWriter, req *http.Request) {
	out := StatusResponse{
		Status:   "ok",
		Version:  r.version,
		Uptime:   handlers.Uptime(),
		Sessions: []SessionStatus{},
	}

	if r.registry != nil {
		out.Providers = r.registry.Names()
	}
	if r.orch != nil {
		for _, id := range r.orch.ActiveSessions() {
			st := r.orch.Status(id)
			out.Sessions = append(out.Sessions, SessionStatus{
				SessionID:   id,
				Busy:        st.Busy,
				QueueDepth:  st.QueueDepth,
				Occupancy:   st.Occupancy,
				Utilization: st.Utilization,
			})
		}
	}
	if r.bus != nil {
		out.Bus = BusStatus{Subscribers: r.bus.SubscriberCount(), Dropped: r.bus.Dropped()}
	}
	if r.hub != nil {
		out.Clients = r.hub.ClientCount()
	}

	handlers.SendJSON(w, http.StatusOK, out)
}
