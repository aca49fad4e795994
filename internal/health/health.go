// Package health provides HTTP handlers for liveness and readiness
// checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/oneshot/internal/buildinfo"
)

// Runners is the runner breakdown reported by the liveness check.
type Runners struct {
	Idle      int `json:"idle"`
	Busy      int `json:"busy"`
	Draining  int `json:"draining"`
	Accepting int `json:"accepting"`

	// PendingTerminations counts teardowns waiting out their grace
	// period or running.
	PendingTerminations int `json:"pending_terminations"`
}

// StatsFunc returns the current runner breakdown.  It must not block.
type StatsFunc func() Runners

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	Runners      *Runners  `json:"runners,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to liveness requests.  It reports build info, the
// compute engine and, if stats is non-nil, the runner breakdown.  The
// status is always "healthy" (200 OK).
func Handler(engine string, stats StatsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := Response{
			Status:       "healthy",
			ServiceName:  "oneshot",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			Timestamp:    time.Now().UTC(),
		}
		if stats != nil {
			rs := stats()
			response.Runners = &rs
		}

		writeJSON(w, http.StatusOK, response)
	}
}

// ReadyHandler responds 200 once ready reports true and 503 before.
func ReadyHandler(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ready", http.StatusOK
		if !ready() {
			status, code = "not ready", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"status": status})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
