package middleware

import (
	"net/http"

	"github.com/Masterminds/semver/v3"

	"loom/internal/gateway/handlers"
)

// ClientHeader names the header version-aware clients send.
const ClientHeader = "X-Loom-Client"

// ClientVersion returns a middleware that rejects clients older than
// minVersion with 426 Upgrade Required. Requests without the header pass
// untouched: curl and probes do not identify themselves. An empty or
// unparseable minVersion disables the gate.
func ClientVersion(minVersion string) func(http.Handler) http.Handler {
	minimum, err := semver.NewVersion(minVersion)
	if err != nil {
		minimum = nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if minimum == nil {
				next.ServeHTTP(w, r)
				return
			}

			raw := r.Header.Get(ClientHeader)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			claimed, err := semver.NewVersion(raw)
			if err != nil {
				handlers.SendError(
					w,
					http.StatusBadRequest,
					handlers.ErrCodeInvalidRequest,
					"malformed "+ClientHeader+" header: "+raw,
				)
				return
			}

			if claimed.LessThan(minimum) {
				w.Header().Set("X-Loom-Min-Client", minimum.String())
				handlers.SendError(
					w,
					http.StatusUpgradeRequired,
					handlers.ErrCodeUpgradeRequired,
					"client "+claimed.String()+" is older than the minimum supported "+minimum.String(),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
