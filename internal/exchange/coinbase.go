package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Coinbase serves spot market data from the exchange (formerly Pro) feed.
// Trades come from the "matches" channel, spreads from "ticker", which
// carries best bid/ask on every tick.
type Coinbase struct {
	wsURL   string
	restURL string
	rest    *restClient
}

func NewCoinbase() *Coinbase {
	return &Coinbase{
		wsURL:   "wss://ws-feed.exchange.coinbase.com",
		restURL: "https://api.exchange.coinbase.com",
		rest:    newRESTClient("coinbase", 5, 10),
	}
}

func (c *Coinbase) Name() string { return "coinbase" }

func (c *Coinbase) Init(ctx context.Context) error { return nil }

func (c *Coinbase) ListMarkets(ctx context.Context) ([]Listing, error) {
	var products []struct {
		ID              string `json:"id"`
		BaseCurrency    string `json:"base_currency"`
		QuoteCurrency   string `json:"quote_currency"`
		Status          string `json:"status"`
		TradingDisabled bool   `json:"trading_disabled"`
	}
	if err := c.rest.getJSON(ctx, c.restURL+"/products", &products); err != nil {
		return nil, fmt.Errorf("coinbase products: %w", err)
	}
	listings := make([]Listing, 0, len(products))
	for _, p := range products {
		if p.Status != "online" || p.TradingDisabled {
			continue
		}
		listings = append(listings, Listing{
			Symbol: p.BaseCurrency + "/" + p.QuoteCurrency,
			Native: p.ID,
			Base:   p.BaseCurrency,
			Quote:  p.QuoteCurrency,
		})
	}
	return listings, nil
}

func (c *Coinbase) GetMarket(ctx context.Context, native string) (Market, error) {
	var stats struct {
		Last   string `json:"last"`
		Volume string `json:"volume"`
	}
	url := fmt.Sprintf("%s/products/%s/stats", c.restURL, native)
	if err := c.rest.getJSON(ctx, url, &stats); err != nil {
		var se *httpStatusError
		if errors.As(err, &se) && se.Code == 404 {
			return Market{}, fmt.Errorf("coinbase %s: %w", native, ErrNotSupported)
		}
		return Market{}, fmt.Errorf("coinbase stats %s: %w", native, err)
	}
	closePrice, err := decimal.NewFromString(stats.Last)
	if err != nil {
		return Market{}, fmt.Errorf("coinbase stats %s: bad last %q", native, stats.Last)
	}
	volume, err := strconv.ParseFloat(stats.Volume, 64)
	if err != nil {
		return Market{}, fmt.Errorf("coinbase stats %s: bad volume %q", native, stats.Volume)
	}
	return Market{Close: closePrice, BaseVolume24h: volume}, nil
}

func (c *Coinbase) subscribe(ctx context.Context, native, channel string) (*wsConn, error) {
	ws, err := dialWS(ctx, c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("coinbase %s %s: %w", channel, native, err)
	}
	sub := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": []string{native},
		"channels":    []string{channel},
	}
	if err := ws.WriteJSON(sub); err != nil {
		ws.Close()
		return nil, fmt.Errorf("coinbase subscribe %s %s: %w", channel, native, err)
	}
	return ws, nil
}

func (c *Coinbase) WatchTrades(ctx context.Context, native string) (TradeStream, error) {
	ws, err := c.subscribe(ctx, native, "matches")
	if err != nil {
		return nil, err
	}
	return &coinbaseTradeStream{ws: ws, native: native}, nil
}

func (c *Coinbase) WatchSpreads(ctx context.Context, native string, depth int) (SpreadStream, error) {
	ws, err := c.subscribe(ctx, native, "ticker")
	if err != nil {
		return nil, err
	}
	return &coinbaseSpreadStream{ws: ws, native: native}, nil
}

type coinbaseTradeStream struct {
	ws     *wsConn
	native string
}

func (s *coinbaseTradeStream) Next(ctx context.Context) (TradeEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return TradeEvent{}, err
		}
		data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return TradeEvent{}, ctx.Err()
			}
			return TradeEvent{}, fmt.Errorf("coinbase trades %s: %w", s.native, err)
		}
		ev, ok, err := parseCoinbaseMatch(data)
		if err != nil {
			if errors.Is(err, ErrNotSupported) {
				return TradeEvent{}, fmt.Errorf("coinbase trades %s: %w", s.native, err)
			}
			log.Warn().Err(err).Str("exchange", "coinbase").Str("symbol", s.native).Msg("dropping unparseable match frame")
			continue
		}
		if !ok {
			continue
		}
		return ev, nil
	}
}

func (s *coinbaseTradeStream) Close() error { return s.ws.Close() }

type coinbaseSpreadStream struct {
	ws     *wsConn
	native string
}

func (s *coinbaseSpreadStream) Next(ctx context.Context) (SpreadEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return SpreadEvent{}, err
		}
		data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return SpreadEvent{}, ctx.Err()
			}
			return SpreadEvent{}, fmt.Errorf("coinbase spreads %s: %w", s.native, err)
		}
		ev, ok, err := parseCoinbaseTicker(data)
		if err != nil {
			if errors.Is(err, ErrNotSupported) {
				return SpreadEvent{}, fmt.Errorf("coinbase spreads %s: %w", s.native, err)
			}
			log.Warn().Err(err).Str("exchange", "coinbase").Str("symbol", s.native).Msg("dropping unparseable ticker frame")
			continue
		}
		if !ok {
			continue
		}
		return ev, nil
	}
}

func (s *coinbaseSpreadStream) Close() error { return s.ws.Close() }

func coinbaseTimeMS(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

func parseCoinbaseMatch(data []byte) (TradeEvent, bool, error) {
	var f struct {
		Type    string `json:"type"`
		Time    string `json:"time"`
		Price   string `json:"price"`
		Size    string `json:"size"`
		Side    string `json:"side"`
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	if err := unmarshalFrame(data, &f); err != nil {
		return TradeEvent{}, false, err
	}
	switch f.Type {
	case "error":
		return TradeEvent{}, false, fmt.Errorf("%s (%s): %w", f.Message, f.Reason, ErrNotSupported)
	case "match", "last_match":
	default:
		return TradeEvent{}, false, nil
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return TradeEvent{}, false, fmt.Errorf("bad price %q", f.Price)
	}
	amount, err := decimal.NewFromString(f.Size)
	if err != nil {
		return TradeEvent{}, false, fmt.Errorf("bad size %q", f.Size)
	}
	// Side reports the maker order; a sell maker means the taker bought.
	return TradeEvent{
		EventTS: coinbaseTimeMS(f.Time),
		Price:   price,
		Amount:  amount,
		IsBuy:   f.Side == "sell",
	}, true, nil
}

func parseCoinbaseTicker(data []byte) (SpreadEvent, bool, error) {
	var f struct {
		Type    string `json:"type"`
		Time    string `json:"time"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	if err := unmarshalFrame(data, &f); err != nil {
		return SpreadEvent{}, false, err
	}
	switch f.Type {
	case "error":
		return SpreadEvent{}, false, fmt.Errorf("%s (%s): %w", f.Message, f.Reason, ErrNotSupported)
	case "ticker":
	default:
		return SpreadEvent{}, false, nil
	}
	if f.BestBid == "" || f.BestAsk == "" {
		return SpreadEvent{}, false, nil
	}
	bid, err := decimal.NewFromString(f.BestBid)
	if err != nil {
		return SpreadEvent{}, false, fmt.Errorf("bad best_bid %q", f.BestBid)
	}
	ask, err := decimal.NewFromString(f.BestAsk)
	if err != nil {
		return SpreadEvent{}, false, fmt.Errorf("bad best_ask %q", f.BestAsk)
	}
	return SpreadEvent{
		EventTS: coinbaseTimeMS(f.Time),
		Bids:    []BookLevel{{Price: bid}},
		Asks:    []BookLevel{{Price: ask}},
	}, true, nil
}
