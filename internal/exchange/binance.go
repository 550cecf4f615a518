package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Binance serves spot market data. Trades come from the @trade stream,
// spreads from @bookTicker (top of book only, which is all the pipeline
// consumes).
type Binance struct {
	wsURL   string
	restURL string
	rest    *restClient
}

func NewBinance() *Binance {
	return &Binance{
		wsURL:   "wss://stream.binance.com:9443/ws",
		restURL: "https://api.binance.com/api/v3",
		rest:    newRESTClient("binance", 10, 20),
	}
}

func (b *Binance) Name() string { return "binance" }

// Init is a no-op: binance streams need no session metadata and symbol
// resolution goes through the registry.
func (b *Binance) Init(ctx context.Context) error { return nil }

func (b *Binance) ListMarkets(ctx context.Context) ([]Listing, error) {
	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := b.rest.getJSON(ctx, b.restURL+"/exchangeInfo", &info); err != nil {
		return nil, fmt.Errorf("binance markets: %w", err)
	}
	listings := make([]Listing, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		listings = append(listings, Listing{
			Symbol: s.BaseAsset + "/" + s.QuoteAsset,
			Native: s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
		})
	}
	return listings, nil
}

func (b *Binance) GetMarket(ctx context.Context, native string) (Market, error) {
	var ticker struct {
		LastPrice string `json:"lastPrice"`
		Volume    string `json:"volume"`
	}
	url := fmt.Sprintf("%s/ticker/24hr?symbol=%s", b.restURL, native)
	if err := b.rest.getJSON(ctx, url, &ticker); err != nil {
		var se *httpStatusError
		if errors.As(err, &se) && se.Code == 400 && strings.Contains(se.Body, "Invalid symbol") {
			return Market{}, fmt.Errorf("binance %s: %w", native, ErrNotSupported)
		}
		return Market{}, fmt.Errorf("binance ticker %s: %w", native, err)
	}
	closePrice, err := decimal.NewFromString(ticker.LastPrice)
	if err != nil {
		return Market{}, fmt.Errorf("binance ticker %s: bad lastPrice %q", native, ticker.LastPrice)
	}
	volume, err := strconv.ParseFloat(ticker.Volume, 64)
	if err != nil {
		return Market{}, fmt.Errorf("binance ticker %s: bad volume %q", native, ticker.Volume)
	}
	return Market{Close: closePrice, BaseVolume24h: volume}, nil
}

func (b *Binance) WatchTrades(ctx context.Context, native string) (TradeStream, error) {
	url := fmt.Sprintf("%s/%s@trade", b.wsURL, strings.ToLower(native))
	ws, err := dialWS(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("binance trades %s: %w", native, err)
	}
	return &binanceTradeStream{ws: ws, native: native}, nil
}

func (b *Binance) WatchSpreads(ctx context.Context, native string, depth int) (SpreadStream, error) {
	url := fmt.Sprintf("%s/%s@bookTicker", b.wsURL, strings.ToLower(native))
	ws, err := dialWS(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("binance spreads %s: %w", native, err)
	}
	return &binanceSpreadStream{ws: ws, native: native}, nil
}

type binanceTradeStream struct {
	ws     *wsConn
	native string
}

func (s *binanceTradeStream) Next(ctx context.Context) (TradeEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return TradeEvent{}, err
		}
		data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return TradeEvent{}, ctx.Err()
			}
			return TradeEvent{}, fmt.Errorf("binance trades %s: %w", s.native, err)
		}
		ev, ok, err := parseBinanceTrade(data)
		if err != nil {
			log.Warn().Err(err).Str("exchange", "binance").Str("symbol", s.native).Msg("dropping unparseable trade frame")
			continue
		}
		if !ok {
			continue
		}
		return ev, nil
	}
}

func (s *binanceTradeStream) Close() error { return s.ws.Close() }

func parseBinanceTrade(data []byte) (TradeEvent, bool, error) {
	var f struct {
		Event        string `json:"e"`
		TradeTime    int64  `json:"T"`
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		BuyerIsMaker bool   `json:"m"`
	}
	if err := unmarshalFrame(data, &f); err != nil {
		return TradeEvent{}, false, err
	}
	if f.Event != "trade" {
		return TradeEvent{}, false, nil
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return TradeEvent{}, false, fmt.Errorf("bad price %q", f.Price)
	}
	amount, err := decimal.NewFromString(f.Quantity)
	if err != nil {
		return TradeEvent{}, false, fmt.Errorf("bad quantity %q", f.Quantity)
	}
	// m means the buyer was the maker, so the aggressor sold.
	return TradeEvent{EventTS: f.TradeTime, Price: price, Amount: amount, IsBuy: !f.BuyerIsMaker}, true, nil
}

type binanceSpreadStream struct {
	ws     *wsConn
	native string
}

func (s *binanceSpreadStream) Next(ctx context.Context) (SpreadEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return SpreadEvent{}, err
		}
		data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return SpreadEvent{}, ctx.Err()
			}
			return SpreadEvent{}, fmt.Errorf("binance spreads %s: %w", s.native, err)
		}
		ev, ok, err := parseBinanceBookTicker(data, time.Now().UnixMilli())
		if err != nil {
			log.Warn().Err(err).Str("exchange", "binance").Str("symbol", s.native).Msg("dropping unparseable book frame")
			continue
		}
		if !ok {
			continue
		}
		return ev, nil
	}
}

func (s *binanceSpreadStream) Close() error { return s.ws.Close() }

// parseBinanceBookTicker decodes a bookTicker frame. The stream carries no
// event time, so frames are stamped with the receive time.
func parseBinanceBookTicker(data []byte, now int64) (SpreadEvent, bool, error) {
	var f struct {
		UpdateID int64  `json:"u"`
		Bid      string `json:"b"`
		BidQty   string `json:"B"`
		Ask      string `json:"a"`
		AskQty   string `json:"A"`
	}
	if err := unmarshalFrame(data, &f); err != nil {
		return SpreadEvent{}, false, err
	}
	if f.Bid == "" || f.Ask == "" {
		return SpreadEvent{}, false, nil
	}
	bid, err := decimal.NewFromString(f.Bid)
	if err != nil {
		return SpreadEvent{}, false, fmt.Errorf("bad bid %q", f.Bid)
	}
	ask, err := decimal.NewFromString(f.Ask)
	if err != nil {
		return SpreadEvent{}, false, fmt.Errorf("bad ask %q", f.Ask)
	}
	bidQty, err := decimal.NewFromString(f.BidQty)
	if err != nil {
		bidQty = decimal.Zero
	}
	askQty, err := decimal.NewFromString(f.AskQty)
	if err != nil {
		askQty = decimal.Zero
	}
	return SpreadEvent{
		EventTS: now,
		Bids:    []BookLevel{{Price: bid, Amount: bidQty}},
		Asks:    []BookLevel{{Price: ask, Amount: askQty}},
	}, true, nil
}
