package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Handler builds the exporter routes: /metrics serves the registry through
// promhttp, /health reports liveness plus a per-family sample count so an
// operator can see at a glance which parts of the pipeline are moving.
func Handler(m *Metrics) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		families, err := m.Registry().Gather()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"samples": sampleCounts(families),
		})
	})
	return router
}

// sampleCounts flattens gathered families into name -> observed samples.
// Histograms count observations, everything else counts series.
func sampleCounts(families []*dto.MetricFamily) map[string]uint64 {
	counts := make(map[string]uint64, len(families))
	for _, f := range families {
		var n uint64
		for _, metric := range f.GetMetric() {
			switch f.GetType() {
			case dto.MetricType_HISTOGRAM:
				n += metric.GetHistogram().GetSampleCount()
			case dto.MetricType_SUMMARY:
				n += metric.GetSummary().GetSampleCount()
			default:
				n++
			}
		}
		counts[f.GetName()] = n
	}
	return counts
}

// Serve runs the metrics exporter on addr until ctx is cancelled. An empty
// addr disables the exporter. Listener failures are logged, not fatal: losing
// metrics never takes the pipeline down.
func Serve(ctx context.Context, addr string, m *Metrics) {
	if addr == "" {
		return
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      Handler(m),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics exporter listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("metrics exporter stopped")
	}
}
