package handlers

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Start instant in unix nanos; zero means not started yet.
var startNanos atomic.Int64

// InitStartTime pins the server start time for uptime reporting. Later
// calls are no-ops, so an HTTP listener restart does not reset it.
func InitStartTime() {
	startNanos.CompareAndSwap(0, time.Now().UnixNano())
}

// Uptime returns whole seconds since InitStartTime, or 0 before it.
func Uptime() int64 {
	start := startNanos.Load()
	if start == 0 {
		return 0
	}
	return int64(time.Since(time.Unix(0, start)).Seconds())
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime"`
}

// HealthHandler returns a liveness handler. It reports process uptime in
// seconds and never touches the database, so it stays cheap enough for
// aggressive probe intervals.
func HealthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SendJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: version,
			Uptime:  Uptime(),
		})
	}
}
