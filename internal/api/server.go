// Package api serves the read-only HTTP surface: the latest consensus price
// per symbol and a health probe. It reads PostgreSQL only; nothing here
// touches the bus.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/midstreamhq/midstream/internal/store"
)

const requestTimeout = 5 * time.Second

// Server is the read-only API over the shared pool.
type Server struct {
	db  *sqlx.DB
	srv *http.Server
	log zerolog.Logger
}

// New builds the server on addr.
func New(addr string, db *sqlx.DB) *Server {
	s := &Server{
		db:  db,
		log: log.With().Str("component", "api").Logger(),
	}

	router := mux.NewRouter()
	router.Use(s.logRequests)
	router.HandleFunc("/true-mid-price/{symbol:.+}", s.handleTruePrice).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      http.TimeoutHandler(router, requestTimeout, `{"error":"timeout"}`),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("api listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

type truePriceResponse struct {
	Symbol       string `json:"symbol"`
	SymbolID     int64  `json:"symbol_id"`
	TrueMidPrice string `json:"true_mid_price"`
	TS           string `json:"ts"`
}

func (s *Server) handleTruePrice(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	p, err := store.LatestTruePrice(r.Context(), s.db, symbol)
	switch {
	case errors.Is(err, store.ErrUnknownSymbol):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown symbol"})
	case errors.Is(err, store.ErrNoPrice):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no price yet"})
	case err != nil:
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("true price lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writeJSON(w, http.StatusOK, truePriceResponse{
			Symbol:       p.Symbol,
			SymbolID:     p.SymbolID,
			TrueMidPrice: p.TrueMidPrice.String(),
			TS:           p.TS.UTC().Format(time.RFC3339Nano),
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
