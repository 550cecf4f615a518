package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBinanceTrade(t *testing.T) {
	frame := []byte(`{"e":"trade","E":1672515782136,"s":"BTCUSDT","t":12345,` +
		`"p":"16541.23000000","q":"0.00500000","T":1672515782134,"m":true,"M":true}`)

	ev, ok, err := parseBinanceTrade(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1672515782134), ev.EventTS)
	assert.True(t, ev.Price.Equal(decimal.RequireFromString("16541.23")))
	assert.True(t, ev.Amount.Equal(decimal.RequireFromString("0.005")))
	assert.False(t, ev.IsBuy, "buyer-is-maker means the aggressor sold")
}

func TestParseBinanceTradeSkipsOtherFrames(t *testing.T) {
	_, ok, err := parseBinanceTrade([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseBinanceTradeBadPrice(t *testing.T) {
	frame := []byte(`{"e":"trade","p":"garbage","q":"1","T":1,"m":false}`)
	_, _, err := parseBinanceTrade(frame)
	assert.Error(t, err)
}

func TestParseBinanceBookTicker(t *testing.T) {
	frame := []byte(`{"u":400900217,"s":"BNBUSDT","b":"25.35190000","B":"31.21000000",` +
		`"a":"25.36520000","A":"40.66000000"}`)

	ev, ok, err := parseBinanceBookTicker(frame, 1700000000123)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000123), ev.EventTS, "frames without venue time use receive time")
	require.Len(t, ev.Bids, 1)
	require.Len(t, ev.Asks, 1)
	assert.True(t, ev.Bids[0].Price.Equal(decimal.RequireFromString("25.3519")))
	assert.True(t, ev.Asks[0].Price.Equal(decimal.RequireFromString("25.3652")))
}

func TestBinanceGetMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ticker/24hr", r.URL.Path)
		switch r.URL.Query().Get("symbol") {
		case "BTCUSDT":
			fmt.Fprint(w, `{"symbol":"BTCUSDT","lastPrice":"16541.23000000","volume":"8913.30000000"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
		}
	}))
	defer srv.Close()

	b := NewBinance()
	b.restURL = srv.URL

	m, err := b.GetMarket(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, m.Close.Equal(decimal.RequireFromString("16541.23")))
	assert.InDelta(t, 8913.3, m.BaseVolume24h, 1e-9)

	_, err = b.GetMarket(context.Background(), "NOPEUSD")
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestBinanceListMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exchangeInfo", r.URL.Path)
		fmt.Fprint(w, `{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
			{"symbol":"DEADUSD","status":"BREAK","baseAsset":"DEAD","quoteAsset":"USD"}]}`)
	}))
	defer srv.Close()

	b := NewBinance()
	b.restURL = srv.URL

	listings, err := b.ListMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 1, "non-trading markets are excluded")
	assert.Equal(t, Listing{Symbol: "BTC/USDT", Native: "BTCUSDT", Base: "BTC", Quote: "USDT"}, listings[0])
}
