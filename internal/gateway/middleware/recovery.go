// Package middleware provides the gateway's HTTP middleware chain:
// panic recovery, request logging, CORS, per-client rate limiting, and
// the client version gate.
package middleware

import (
	"net/http"
	"runtime/debug"

	"loom/internal/gateway/handlers"
	"loom/pkg/logger"
)

// Recovery returns a middleware that turns handler panics into logged
// 500 responses instead of dropped connections. http.ErrAbortHandler
// passes through untouched; the server uses it to tear down the
// connection deliberately.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}
			logger.Error().
				Interface("error", err).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			handlers.SendError(
				w,
				http.StatusInternalServerError,
				handlers.ErrCodeInternalError,
				"internal server error",
			)
		}()

		next.ServeHTTP(w, r)
	})
}
