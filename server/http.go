package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aschepis/backscratcher/relay/ledger"
	"github.com/aschepis/backscratcher/relay/proxy"
	"github.com/rs/zerolog"
)

// SnapshotSource provides aggregate proxy counters.
type SnapshotSource interface {
	Snapshot() proxy.Snapshot
	Interceptors() (request, response []string)
}

// UsageSource provides ledger totals. ledger.Store implements it.
type UsageSource interface {
	Totals(ctx context.Context, since time.Time) ([]ledger.ModelTotals, error)
}

// HTTPConfig wires the HTTP endpoints. Sender, Metrics, Cache and Usage are optional.
type HTTPConfig struct {
	Proxy   SnapshotSource
	Sender  Sender
	Metrics http.Handler
	Cache   *proxy.Cache
	Usage   UsageSource
	Logger  zerolog.Logger

	// CallerTimeout bounds each /v1/messages call. Zero leaves the request context as is.
	CallerTimeout time.Duration
}

type snapshotResponse struct {
	proxy.Snapshot
	RequestInterceptors  []string          `json:"request_interceptors"`
	ResponseInterceptors []string          `json:"response_interceptors"`
	Cache                *proxy.CacheStats `json:"cache,omitempty"`
}

// NewHTTPHandler returns the mux served on the HTTP listener:
//
//	/v1/messages      POST a request through the proxy (when Sender is set)
//	/metrics          Prometheus exposition
//	/debug/snapshot   aggregate counters as JSON
//	/debug/usage      ledger totals as JSON, optionally ?since=<duration>
//	/healthz          liveness
func NewHTTPHandler(cfg HTTPConfig) http.Handler {
	logger := cfg.Logger.With().Str("component", "http").Logger()
	mux := http.NewServeMux()

	if cfg.Sender != nil {
		mux.HandleFunc("POST /v1/messages", messagesHandler(cfg.Sender, cfg.CallerTimeout, logger))
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n")) //nolint:errcheck // best effort
	})

	mux.HandleFunc("GET /debug/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		resp := snapshotResponse{Snapshot: cfg.Proxy.Snapshot()}
		resp.RequestInterceptors, resp.ResponseInterceptors = cfg.Proxy.Interceptors()
		if cfg.Cache != nil {
			stats := cfg.Cache.Stats()
			resp.Cache = &stats
		}
		writeJSON(w, logger, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /debug/usage", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Usage == nil {
			writeJSON(w, logger, http.StatusNotFound, map[string]string{"error": "usage ledger is disabled"})
			return
		}
		var since time.Time
		if raw := r.URL.Query().Get("since"); raw != "" {
			window, err := time.ParseDuration(raw)
			if err != nil {
				writeJSON(w, logger, http.StatusBadRequest, map[string]string{"error": "invalid since: " + strconv.Quote(raw)})
				return
			}
			since = time.Now().Add(-window)
		}
		totals, err := cfg.Usage.Totals(r.Context(), since)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to query usage totals")
			writeJSON(w, logger, http.StatusInternalServerError, map[string]string{"error": "usage query failed"})
			return
		}
		if totals == nil {
			totals = []ledger.ModelTotals{}
		}
		writeJSON(w, logger, http.StatusOK, totals)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode response")
	}
}
