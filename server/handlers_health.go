package server

import (
	"errors"
	"net/http"
	"time"

	dbpkg "github.com/onnwee/schedule-bridge/db"
	"github.com/onnwee/schedule-bridge/telemetry"
)

var errMissingOAuthConfig = errors.New("missing TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET/TWITCH_REDIRECT_URI")

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
// The service is ready with zero linked guilds; only the database and the
// OAuth app configuration gate readiness.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"channels_table", func() error {
			var n int
			return h.db.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM channels").Scan(&n)
		}},
		{"oauth_config", func() error {
			if h.oauth.ClientID == "" || h.oauth.ClientSecret == "" || h.oauth.RedirectURI == "" {
				return errMissingOAuthConfig
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports operational counters for dashboards and debugging.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var linked int
	if err := h.db.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM channels").Scan(&linked); err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	telemetry.SetLinkedGuilds(linked)
	body := map[string]any{
		"status":          "ok",
		"linked_guilds":   linked,
		"scopes":          h.oauth.ScopeList(),
		"uptime_seconds":  int(time.Since(h.started).Seconds()),
		"tracing_enabled": telemetry.IsTracingEnabled(),
	}
	if v, ok, err := dbpkg.GetKV(r.Context(), h.db, dbpkg.SweepCompletedKey); err == nil && ok {
		body["last_refresh_sweep"] = v
	}
	writeJSON(w, http.StatusOK, body)
}
