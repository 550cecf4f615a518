package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Kraken serves spot market data. Trades come from the ws "trade" channel and
// spreads from the native "spread" channel, which is already top of book.
// Kraken names pairs three ways (pair key, altname, wsname); this adapter
// keys everything on the wsname and resolves REST keys through Init.
type Kraken struct {
	wsURL   string
	restURL string
	rest    *restClient

	mu    sync.Mutex
	pairs map[string]krakenPair // wsname → pair info
}

type krakenPair struct {
	RestKey string
	Base    string
	Quote   string
}

func NewKraken() *Kraken {
	return &Kraken{
		wsURL:   "wss://ws.kraken.com",
		restURL: "https://api.kraken.com/0/public",
		rest:    newRESTClient("kraken", 1, 3),
	}
}

func (k *Kraken) Name() string { return "kraken" }

// Init loads the asset-pair table so GetMarket can translate wsnames to REST
// pair keys. Safe for concurrent use; the table is fetched once.
func (k *Kraken) Init(ctx context.Context) error {
	_, err := k.loadPairs(ctx)
	return err
}

var krakenAssetNames = map[string]string{"XBT": "BTC", "XDG": "DOGE"}

func krakenCanonicalAsset(asset string) string {
	if name, ok := krakenAssetNames[asset]; ok {
		return name
	}
	return asset
}

func (k *Kraken) loadPairs(ctx context.Context) (map[string]krakenPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pairs != nil {
		return k.pairs, nil
	}

	var resp struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			AltName string `json:"altname"`
			WSName  string `json:"wsname"`
			Status  string `json:"status"`
		} `json:"result"`
	}
	if err := k.rest.getJSON(ctx, k.restURL+"/AssetPairs", &resp); err != nil {
		return nil, fmt.Errorf("kraken asset pairs: %w", err)
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("kraken asset pairs: %s", strings.Join(resp.Error, "; "))
	}

	pairs := make(map[string]krakenPair, len(resp.Result))
	for key, p := range resp.Result {
		if p.WSName == "" || (p.Status != "" && p.Status != "online") {
			continue
		}
		parts := strings.SplitN(p.WSName, "/", 2)
		if len(parts) != 2 {
			continue
		}
		pairs[p.WSName] = krakenPair{
			RestKey: key,
			Base:    krakenCanonicalAsset(parts[0]),
			Quote:   krakenCanonicalAsset(parts[1]),
		}
	}
	k.pairs = pairs
	return pairs, nil
}

func (k *Kraken) ListMarkets(ctx context.Context) ([]Listing, error) {
	pairs, err := k.loadPairs(ctx)
	if err != nil {
		return nil, err
	}
	listings := make([]Listing, 0, len(pairs))
	for wsname, p := range pairs {
		listings = append(listings, Listing{
			Symbol: p.Base + "/" + p.Quote,
			Native: wsname,
			Base:   p.Base,
			Quote:  p.Quote,
		})
	}
	return listings, nil
}

func (k *Kraken) GetMarket(ctx context.Context, native string) (Market, error) {
	restKey := strings.ReplaceAll(native, "/", "")
	k.mu.Lock()
	if p, ok := k.pairs[native]; ok {
		restKey = p.RestKey
	}
	k.mu.Unlock()

	var resp struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			Close  []string `json:"c"`
			Volume []string `json:"v"`
		} `json:"result"`
	}
	if err := k.rest.getJSON(ctx, k.restURL+"/Ticker?pair="+restKey, &resp); err != nil {
		return Market{}, fmt.Errorf("kraken ticker %s: %w", native, err)
	}
	for _, e := range resp.Error {
		if strings.Contains(e, "Unknown asset pair") {
			return Market{}, fmt.Errorf("kraken %s: %w", native, ErrNotSupported)
		}
	}
	if len(resp.Error) > 0 {
		return Market{}, fmt.Errorf("kraken ticker %s: %s", native, strings.Join(resp.Error, "; "))
	}

	for _, t := range resp.Result {
		if len(t.Close) < 1 || len(t.Volume) < 2 {
			break
		}
		closePrice, err := decimal.NewFromString(t.Close[0])
		if err != nil {
			return Market{}, fmt.Errorf("kraken ticker %s: bad close %q", native, t.Close[0])
		}
		volume, err := strconv.ParseFloat(t.Volume[1], 64)
		if err != nil {
			return Market{}, fmt.Errorf("kraken ticker %s: bad volume %q", native, t.Volume[1])
		}
		return Market{Close: closePrice, BaseVolume24h: volume}, nil
	}
	return Market{}, fmt.Errorf("kraken ticker %s: empty result", native)
}

func (k *Kraken) subscribe(ctx context.Context, native, channel string) (*wsConn, error) {
	ws, err := dialWS(ctx, k.wsURL)
	if err != nil {
		return nil, fmt.Errorf("kraken %s %s: %w", channel, native, err)
	}
	sub := map[string]interface{}{
		"event":        "subscribe",
		"pair":         []string{native},
		"subscription": map[string]string{"name": channel},
	}
	if err := ws.WriteJSON(sub); err != nil {
		ws.Close()
		return nil, fmt.Errorf("kraken subscribe %s %s: %w", channel, native, err)
	}
	return ws, nil
}

func (k *Kraken) WatchTrades(ctx context.Context, native string) (TradeStream, error) {
	ws, err := k.subscribe(ctx, native, "trade")
	if err != nil {
		return nil, err
	}
	return &krakenTradeStream{ws: ws, native: native}, nil
}

func (k *Kraken) WatchSpreads(ctx context.Context, native string, depth int) (SpreadStream, error) {
	// The spread channel is top-of-book by definition; depth only applies to
	// the full book channel, which this pipeline does not need.
	ws, err := k.subscribe(ctx, native, "spread")
	if err != nil {
		return nil, err
	}
	return &krakenSpreadStream{ws: ws, native: native}, nil
}

type krakenTradeStream struct {
	ws     *wsConn
	native string
	queue  []TradeEvent
}

func (s *krakenTradeStream) Next(ctx context.Context) (TradeEvent, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if err := ctx.Err(); err != nil {
			return TradeEvent{}, err
		}
		data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return TradeEvent{}, ctx.Err()
			}
			return TradeEvent{}, fmt.Errorf("kraken trades %s: %w", s.native, err)
		}
		payload, channel, err := routeKrakenFrame(data)
		if err != nil {
			return TradeEvent{}, fmt.Errorf("kraken trades %s: %w", s.native, err)
		}
		if channel != "trade" {
			continue
		}
		events, err := parseKrakenTrades(payload)
		if err != nil {
			log.Warn().Err(err).Str("exchange", "kraken").Str("symbol", s.native).Msg("dropping unparseable trade frame")
			continue
		}
		s.queue = events
	}
}

func (s *krakenTradeStream) Close() error { return s.ws.Close() }

type krakenSpreadStream struct {
	ws     *wsConn
	native string
}

func (s *krakenSpreadStream) Next(ctx context.Context) (SpreadEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return SpreadEvent{}, err
		}
		data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return SpreadEvent{}, ctx.Err()
			}
			return SpreadEvent{}, fmt.Errorf("kraken spreads %s: %w", s.native, err)
		}
		payload, channel, err := routeKrakenFrame(data)
		if err != nil {
			return SpreadEvent{}, fmt.Errorf("kraken spreads %s: %w", s.native, err)
		}
		if channel != "spread" {
			continue
		}
		ev, err := parseKrakenSpread(payload)
		if err != nil {
			log.Warn().Err(err).Str("exchange", "kraken").Str("symbol", s.native).Msg("dropping unparseable spread frame")
			continue
		}
		return ev, nil
	}
}

func (s *krakenSpreadStream) Close() error { return s.ws.Close() }

// routeKrakenFrame splits the two kraken frame shapes: objects are control
// events (status, heartbeats, subscription acks), arrays are channel data of
// the form [channelID, payload, channelName, pair].
func routeKrakenFrame(data []byte) (json.RawMessage, string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, "", nil
	}
	if trimmed[0] == '{' {
		var ctl struct {
			Event        string `json:"event"`
			Status       string `json:"status"`
			ErrorMessage string `json:"errorMessage"`
		}
		if err := unmarshalFrame(trimmed, &ctl); err != nil {
			return nil, "", err
		}
		if ctl.Event == "subscriptionStatus" && ctl.Status == "error" {
			// Subscription rejections are permanent for this pair/channel.
			return nil, "", fmt.Errorf("%s: %w", ctl.ErrorMessage, ErrNotSupported)
		}
		return nil, "", nil
	}

	var frame []json.RawMessage
	if err := unmarshalFrame(trimmed, &frame); err != nil {
		return nil, "", err
	}
	if len(frame) < 4 {
		return nil, "", nil
	}
	var channel string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil {
		return nil, "", nil
	}
	return frame[1], channel, nil
}

func parseKrakenTrades(payload json.RawMessage) ([]TradeEvent, error) {
	var rows [][]string
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("trade payload: %w", err)
	}
	events := make([]TradeEvent, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			return nil, fmt.Errorf("trade row has %d fields", len(row))
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, fmt.Errorf("bad price %q", row[0])
		}
		amount, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, fmt.Errorf("bad volume %q", row[1])
		}
		ts, err := krakenTimeMS(row[2])
		if err != nil {
			return nil, err
		}
		events = append(events, TradeEvent{
			EventTS: ts,
			Price:   price,
			Amount:  amount,
			IsBuy:   row[3] == "b",
		})
	}
	return events, nil
}

func parseKrakenSpread(payload json.RawMessage) (SpreadEvent, error) {
	var row []string
	if err := json.Unmarshal(payload, &row); err != nil {
		return SpreadEvent{}, fmt.Errorf("spread payload: %w", err)
	}
	if len(row) < 5 {
		return SpreadEvent{}, fmt.Errorf("spread row has %d fields", len(row))
	}
	bid, err := decimal.NewFromString(row[0])
	if err != nil {
		return SpreadEvent{}, fmt.Errorf("bad bid %q", row[0])
	}
	ask, err := decimal.NewFromString(row[1])
	if err != nil {
		return SpreadEvent{}, fmt.Errorf("bad ask %q", row[1])
	}
	ts, err := krakenTimeMS(row[2])
	if err != nil {
		return SpreadEvent{}, err
	}
	bidVol, err := decimal.NewFromString(row[3])
	if err != nil {
		bidVol = decimal.Zero
	}
	askVol, err := decimal.NewFromString(row[4])
	if err != nil {
		askVol = decimal.Zero
	}
	return SpreadEvent{
		EventTS: ts,
		Bids:    []BookLevel{{Price: bid, Amount: bidVol}},
		Asks:    []BookLevel{{Price: ask, Amount: askVol}},
	}, nil
}

// krakenTimeMS converts kraken's "seconds.micros" strings to epoch millis.
func krakenTimeMS(s string) (int64, error) {
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return int64(sec * 1000), nil
}
