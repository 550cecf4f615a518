// Package registry maintains the symbol table and the per-venue symbol
// mappings that translate canonical BASE/QUOTE names into each exchange's
// native identifiers. Mappings carry an availability flag so venues that
// rejected a symbol are skipped on later runs instead of retried forever.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/midstreamhq/midstream/internal/exchange"
)

// ErrNotFound means no mapping row exists for the (exchange, symbol) pair.
var ErrNotFound = errors.New("registry: mapping not found")

// ErrUnavailable means the mapping exists but the venue rejected the symbol
// on a previous run.
var ErrUnavailable = errors.New("registry: mapping marked unavailable")

// Mapping is one (symbol, exchange) row joined with its canonical name.
type Mapping struct {
	SymbolID       int64  `db:"symbol_id"`
	Symbol         string `db:"symbol"`
	Exchange       string `db:"exchange"`
	ExchangeSymbol string `db:"exchange_symbol"`
	IsUnavailable  bool   `db:"is_unavailable"`
}

const (
	upsertSymbolSQL = `
		INSERT INTO symbols (symbol, base_asset, quote_asset)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO NOTHING`

	selectSymbolIDSQL = `SELECT id FROM symbols WHERE symbol = $1`

	// Reseeding refreshes the native identifier but never clears the
	// availability flag; only MarkUnavailable touches it.
	upsertMappingSQL = `
		INSERT INTO symbols_map (symbol_id, exchange, exchange_symbol)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol_id, exchange) DO UPDATE SET exchange_symbol = EXCLUDED.exchange_symbol`

	selectMappingSQL = `
		SELECT m.symbol_id, s.symbol, m.exchange, m.exchange_symbol, m.is_unavailable
		FROM symbols_map m
		JOIN symbols s ON s.id = m.symbol_id
		WHERE m.exchange = $1 AND s.symbol = $2`

	markUnavailableSQL = `
		UPDATE symbols_map SET is_unavailable = $3
		WHERE symbol_id = $1 AND exchange = $2`

	exchangesForSymbolSQL = `
		SELECT m.symbol_id, s.symbol, m.exchange, m.exchange_symbol, m.is_unavailable
		FROM symbols_map m
		JOIN symbols s ON s.id = m.symbol_id
		WHERE s.symbol = $1 AND NOT m.is_unavailable
		ORDER BY m.exchange`

	symbolsForExchangeSQL = `
		SELECT m.symbol_id, s.symbol, m.exchange, m.exchange_symbol, m.is_unavailable
		FROM symbols_map m
		JOIN symbols s ON s.id = m.symbol_id
		WHERE m.exchange = $1 AND NOT m.is_unavailable
		ORDER BY s.symbol`
)

// Registry runs all symbol operations on the shared pool.
type Registry struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

// UpsertSymbols records a venue's listings: canonical symbols are inserted
// once, mappings are inserted or refreshed. The whole batch is atomic.
func (r *Registry) UpsertSymbols(ctx context.Context, venue string, listings []exchange.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, l := range listings {
		if _, err := tx.ExecContext(ctx, upsertSymbolSQL, l.Symbol, l.Base, l.Quote); err != nil {
			return fmt.Errorf("failed to upsert symbol %s: %w", l.Symbol, err)
		}
		var symbolID int64
		if err := tx.GetContext(ctx, &symbolID, selectSymbolIDSQL, l.Symbol); err != nil {
			return fmt.Errorf("failed to resolve symbol %s: %w", l.Symbol, err)
		}
		if _, err := tx.ExecContext(ctx, upsertMappingSQL, symbolID, venue, l.Native); err != nil {
			return fmt.Errorf("failed to upsert mapping %s %s: %w", venue, l.Symbol, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit symbol upsert: %w", err)
	}
	return nil
}

// Mapping looks up one (exchange, symbol) row. ErrNotFound when absent.
func (r *Registry) Mapping(ctx context.Context, venue, symbol string) (Mapping, error) {
	var m Mapping
	err := r.db.GetContext(ctx, &m, selectMappingSQL, venue, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("failed to query mapping %s %s: %w", venue, symbol, err)
	}
	return m, nil
}

// MarkUnavailable flips the availability flag for one mapping. Marking a
// missing mapping is a no-op.
func (r *Registry) MarkUnavailable(ctx context.Context, symbolID int64, venue string, unavailable bool) error {
	if _, err := r.db.ExecContext(ctx, markUnavailableSQL, symbolID, venue, unavailable); err != nil {
		return fmt.Errorf("failed to mark mapping %s/%d: %w", venue, symbolID, err)
	}
	return nil
}

// ExchangesForSymbol lists the available mappings for one canonical symbol.
func (r *Registry) ExchangesForSymbol(ctx context.Context, symbol string) ([]Mapping, error) {
	var ms []Mapping
	if err := r.db.SelectContext(ctx, &ms, exchangesForSymbolSQL, symbol); err != nil {
		return nil, fmt.Errorf("failed to list exchanges for %s: %w", symbol, err)
	}
	return ms, nil
}

// SymbolsForExchange lists the available mappings for one venue.
func (r *Registry) SymbolsForExchange(ctx context.Context, venue string) ([]Mapping, error) {
	var ms []Mapping
	if err := r.db.SelectContext(ctx, &ms, symbolsForExchangeSQL, venue); err != nil {
		return nil, fmt.Errorf("failed to list symbols for %s: %w", venue, err)
	}
	return ms, nil
}

// EnsureMapping returns the mapping for (adapter, symbol), seeding the
// venue's markets once when the mapping is missing. A symbol the venue does
// not list even after seeding is not supported; a mapping flagged on a
// previous run comes back as ErrUnavailable without touching the venue.
func (r *Registry) EnsureMapping(ctx context.Context, adapter exchange.Adapter, symbol string) (Mapping, error) {
	venue := adapter.Name()
	m, err := r.Mapping(ctx, venue, symbol)
	if errors.Is(err, ErrNotFound) {
		log.Info().Str("exchange", venue).Str("symbol", symbol).Msg("mapping missing, seeding markets")
		listings, lerr := adapter.ListMarkets(ctx)
		if lerr != nil {
			return Mapping{}, fmt.Errorf("failed to seed %s markets: %w", venue, lerr)
		}
		if uerr := r.UpsertSymbols(ctx, venue, listings); uerr != nil {
			return Mapping{}, uerr
		}
		m, err = r.Mapping(ctx, venue, symbol)
		if errors.Is(err, ErrNotFound) {
			return Mapping{}, fmt.Errorf("%s does not list %s: %w", venue, symbol, exchange.ErrNotSupported)
		}
	}
	if err != nil {
		return Mapping{}, err
	}
	if m.IsUnavailable {
		return Mapping{}, fmt.Errorf("%s %s: %w", venue, symbol, ErrUnavailable)
	}
	return m, nil
}

// Seed refreshes listings for every adapter. Venues that fail to answer are
// logged and skipped; Seed only fails when no venue could be seeded.
func (r *Registry) Seed(ctx context.Context, adapters ...exchange.Adapter) error {
	var seeded int
	var lastErr error
	for _, a := range adapters {
		listings, err := a.ListMarkets(ctx)
		if err != nil {
			log.Warn().Err(err).Str("exchange", a.Name()).Msg("failed to list markets, skipping venue")
			lastErr = err
			continue
		}
		if err := r.UpsertSymbols(ctx, a.Name(), listings); err != nil {
			log.Warn().Err(err).Str("exchange", a.Name()).Msg("failed to upsert listings, skipping venue")
			lastErr = err
			continue
		}
		log.Info().Str("exchange", a.Name()).Int("markets", len(listings)).Msg("seeded markets")
		seeded++
	}
	if seeded == 0 && lastErr != nil {
		return fmt.Errorf("failed to seed any venue: %w", lastErr)
	}
	return nil
}
