// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CodeExchangesSucceeded  prometheus.Counter
	CodeExchangesFailed     prometheus.Counter
	TokenRefreshesSucceeded prometheus.Counter
	TokenRefreshesFailed    prometheus.Counter
	AppTokenFetches         prometheus.Counter
	CallbacksRejected       prometheus.Counter
	PagesFetched            prometheus.Counter

	// Histograms (seconds)
	FetchDuration prometheus.Observer

	// Gauges
	LinkedGuilds prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CodeExchangesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "oauth_code_exchanges_succeeded_total", Help: "Number of successful authorization-code exchanges"})
		CodeExchangesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "oauth_code_exchanges_failed_total", Help: "Number of failed authorization-code exchanges"})
		TokenRefreshesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "oauth_token_refreshes_succeeded_total", Help: "Number of successful user token refreshes (rotations)"})
		TokenRefreshesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "oauth_token_refreshes_failed_total", Help: "Number of failed user token refreshes"})
		AppTokenFetches = promauto.NewCounter(prometheus.CounterOpts{Name: "oauth_app_token_fetches_total", Help: "Number of app access token fetches (client credentials)"})
		CallbacksRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "oauth_callbacks_rejected_total", Help: "Number of OAuth callbacks rejected before any upstream call"})
		PagesFetched = promauto.NewCounter(prometheus.CounterOpts{Name: "twitch_pages_fetched_total", Help: "Number of paginated Helix pages fetched"})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "twitch_fetch_duration_seconds", Help: "Duration of complete paginated fetches", Buckets: prometheus.DefBuckets})
		LinkedGuilds = promauto.NewGauge(prometheus.GaugeOpts{Name: "linked_guilds", Help: "Number of guilds with a stored broadcaster credential"})
	})
}

// IncCounter increments c if metrics are initialized.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetLinkedGuilds records the current credential row count.
func SetLinkedGuilds(n int) {
	if LinkedGuilds != nil {
		LinkedGuilds.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
