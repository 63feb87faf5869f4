// Package health exposes a /health, /metrics, and pprof debug surface over
// plain net/http. /health reports pipeline state (phase, apply_lsn,
// confirmed_flush_lsn) instead of a bare "ok".
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// State is a snapshot of what the pipeline is doing right now, reported at
// /health. Phase names mirror internal/pipeline's state machine.
type State struct {
	Phase             string `json:"phase"`
	ApplyLSN          string `json:"apply_lsn,omitempty"`
	ConfirmedFlushLSN string `json:"confirmed_flush_lsn,omitempty"`
	BackfillTable     string `json:"backfill_table,omitempty"`
}

// StateProvider returns the pipeline's current State.
type StateProvider func() State

// MetricsProvider returns current metrics as key-value pairs.
type MetricsProvider func() map[string]interface{}

var (
	globalStateProvider   atomic.Value
	globalMetricsProvider atomic.Value
)

// SetStateProvider sets the global state provider for the /health endpoint.
func SetStateProvider(provider StateProvider) {
	globalStateProvider.Store(provider)
}

// SetMetricsProvider sets the global metrics provider for the /metrics endpoint.
func SetMetricsProvider(provider MetricsProvider) {
	globalMetricsProvider.Store(provider)
}

// Start launches the health/debug endpoint at the given address.
func Start(ctx context.Context, addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		provider := globalStateProvider.Load()
		stateFunc, ok := provider.(StateProvider)
		if !ok {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(State{Phase: "unknown"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(stateFunc())
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		provider := globalMetricsProvider.Load()
		if provider == nil {
			// No custom provider: serve the default Prometheus registry,
			// where internal/metrics registers its collectors.
			promhttp.Handler().ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		metricsFunc, ok := provider.(MetricsProvider)
		if !ok {
			fmt.Fprintln(w, "# Invalid metrics provider")
			return
		}

		metrics := metricsFunc()
		for key, value := range metrics {
			switch v := value.(type) {
			case float64:
				fmt.Fprintf(w, "%s %.6f\n", key, v)
			case uint64:
				fmt.Fprintf(w, "%s %d\n", key, v)
			case int64:
				fmt.Fprintf(w, "%s %d\n", key, v)
			default:
				fmt.Fprintf(w, "%s %v\n", key, v)
			}
		}
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server error", zap.Error(err))
		}
	}()
}
