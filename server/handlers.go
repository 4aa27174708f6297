// Package server exposes the HTTP surface: the OAuth link endpoints the
// platform redirects through, schedule read/write endpoints, health,
// readiness, status, and metrics. Correlation IDs are injected into request
// contexts for consistent logging.
package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	dbpkg "github.com/onnwee/schedule-bridge/db"
	"github.com/onnwee/schedule-bridge/oauth"
	"github.com/onnwee/schedule-bridge/twitchapi"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db              *sql.DB
	oauth           *oauth.Service
	store           *dbpkg.ChannelStore
	schedule        *twitchapi.ScheduleClient
	defaultTimezone string
	started         time.Time
}

// NewHandlers creates a Handlers instance with the given dependencies. The
// schedule client shares the service's HTTP client so tests can redirect both
// through one transport.
func NewHandlers(sqlDB *sql.DB, svc *oauth.Service, store *dbpkg.ChannelStore, defaultTimezone string) *Handlers {
	return &Handlers{
		db:              sqlDB,
		oauth:           svc,
		store:           store,
		schedule:        &twitchapi.ScheduleClient{HTTPClient: svc.HTTPClient},
		defaultTimezone: defaultTimezone,
		started:         time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
