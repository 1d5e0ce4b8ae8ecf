package feed

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/helixtrade/helix/internal/schema"
)

func seqFrom(start uint64) func() uint64 {
	n := start
	return func() uint64 {
		n++
		return n
	}
}

func TestBinanceSubscribeFramesChunked(t *testing.T) {
	codec := NewBinanceCodec(nil)

	ids := make([]string, 0, binanceMaxStreamsPerRequest+5)
	for i := 0; i < binanceMaxStreamsPerRequest+5; i++ {
		ids = append(ids, "BTCUSDT")
	}
	frames, err := codec.SubscribeFrames(ids)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	var first binanceSubscribe
	require.NoError(t, json.Unmarshal(frames[0], &first))
	require.Equal(t, "SUBSCRIBE", first.Method)
	require.Len(t, first.Params, binanceMaxStreamsPerRequest)
	require.Equal(t, "btcusdt@ticker", first.Params[0])

	var second binanceSubscribe
	require.NoError(t, json.Unmarshal(frames[1], &second))
	require.Len(t, second.Params, 5)
	require.Greater(t, second.ID, first.ID)
}

func TestBinanceParseTicker(t *testing.T) {
	codec := NewBinanceCodec(map[string]string{"btcusdt": "BTCUSDT"})

	raw := []byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,` +
		`"s":"BTCUSDT","c":"50000.5","b":"50000.1","B":"1.5","a":"50000.9","A":"2.0",` +
		`"v":"1234.5","q":"61725000"}}`)
	ticks, err := codec.Parse(raw, seqFrom(0))
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tk := ticks[0]
	require.Equal(t, "BTCUSDT", tk.Symbol)
	require.Equal(t, schema.Source("binance"), tk.Source)
	require.True(t, tk.Last.Equal(decimal.RequireFromString("50000.5")))
	require.True(t, tk.Bid.Equal(decimal.RequireFromString("50000.1")))
	require.True(t, tk.Ask.Equal(decimal.RequireFromString("50000.9")))
	require.True(t, tk.Volume24h.Equal(decimal.RequireFromString("1234.5")))
	require.Equal(t, time.UnixMilli(1700000000000), tk.Timestamp)
	require.Equal(t, uint64(1), tk.Sequence)
}

func TestBinanceParseIgnoresControlFrames(t *testing.T) {
	codec := NewBinanceCodec(nil)

	ticks, err := codec.Parse([]byte(`{"result":null,"id":1}`), seqFrom(0))
	require.NoError(t, err)
	require.Empty(t, ticks)
}

func TestBinanceParseRejectsBadPrice(t *testing.T) {
	codec := NewBinanceCodec(nil)

	raw := []byte(`{"data":{"e":"24hrTicker","s":"BTCUSDT","c":"not-a-number","b":"1","a":"2"}}`)
	_, err := codec.Parse(raw, seqFrom(0))
	require.Error(t, err)
}

func TestCoinbaseSubscribeFrame(t *testing.T) {
	codec := NewCoinbaseCodec(nil)

	frames, err := codec.SubscribeFrames([]string{"BTC-USDT", "ETH-USDT"})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var sub coinbaseSubscribe
	require.NoError(t, json.Unmarshal(frames[0], &sub))
	require.Equal(t, "subscribe", sub.Type)
	require.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, sub.ProductIDs)
	require.Contains(t, sub.Channels, "ticker")
	require.Contains(t, sub.Channels, "heartbeat")
}

func TestCoinbaseParseTicker(t *testing.T) {
	codec := NewCoinbaseCodec(map[string]string{"BTC-USDT": "BTCUSDT"})

	raw := []byte(`{"type":"ticker","sequence":42,"product_id":"BTC-USDT",` +
		`"price":"50100","best_bid":"50099","best_bid_size":"0.4","best_ask":"50101",` +
		`"best_ask_size":"0.6","volume_24h":"987.1","time":"2026-08-24T10:00:00.000000Z"}`)
	ticks, err := codec.Parse(raw, seqFrom(0))
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tk := ticks[0]
	require.Equal(t, "BTCUSDT", tk.Symbol)
	require.Equal(t, schema.Source("coinbase"), tk.Source)
	require.True(t, tk.Last.Equal(decimal.RequireFromString("50100")))
	require.Equal(t, uint64(42), tk.Sequence)
	require.Equal(t, 2026, tk.Timestamp.Year())
}

func TestCoinbaseParseSkipsHeartbeat(t *testing.T) {
	codec := NewCoinbaseCodec(nil)

	ticks, err := codec.Parse([]byte(`{"type":"heartbeat","sequence":7}`), seqFrom(0))
	require.NoError(t, err)
	require.Empty(t, ticks)
}

func TestCoinbaseParseUnmappedProductFallsBack(t *testing.T) {
	codec := NewCoinbaseCodec(map[string]string{})

	raw := []byte(`{"type":"ticker","product_id":"SOL-USDT","price":"150",` +
		`"best_bid":"149","best_ask":"151","time":"bad"}`)
	ticks, err := codec.Parse(raw, seqFrom(5))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	require.Equal(t, "SOLUSDT", ticks[0].Symbol)
	// missing sequence falls back to the adapter counter
	require.Equal(t, uint64(6), ticks[0].Sequence)
	require.False(t, ticks[0].Timestamp.IsZero())
}

func TestTickRingOverwritesOldest(t *testing.T) {
	ring := NewTickRing(3)
	for i := 1; i <= 5; i++ {
		ring.Push(schema.PriceTick{Symbol: "BTCUSDT", Sequence: uint64(i)})
	}

	require.Equal(t, 3, ring.Len())
	recent := ring.Recent(0)
	require.Len(t, recent, 3)
	require.Equal(t, uint64(5), recent[0].Sequence)
	require.Equal(t, uint64(3), recent[2].Sequence)
}

func TestTickRingLatestBySymbol(t *testing.T) {
	ring := NewTickRing(8)
	ring.Push(schema.PriceTick{Symbol: "BTCUSDT", Sequence: 1})
	ring.Push(schema.PriceTick{Symbol: "ETHUSDT", Sequence: 2})
	ring.Push(schema.PriceTick{Symbol: "BTCUSDT", Sequence: 3})

	tk, ok := ring.Latest("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, uint64(3), tk.Sequence)

	_, ok = ring.Latest("SOLUSDT")
	require.False(t, ok)
}

func TestHealthQualityDecaysWithDisconnect(t *testing.T) {
	tracker := newHealthTracker("binance")
	require.Zero(t, tracker.snapshot().Quality)

	tracker.setStatus(schema.FeedConnected)
	tracker.recordMessage()
	require.Equal(t, 100.0, tracker.snapshot().Quality)

	tracker.setStatus(schema.FeedDisconnected)
	snap := tracker.snapshot()
	require.Zero(t, snap.Quality)
	require.False(t, snap.Connected)
}

func TestHealthDegradedWhenDataStale(t *testing.T) {
	tracker := newHealthTracker("binance")
	tracker.setStatus(schema.FeedConnected)
	tracker.recordMessage()
	tracker.mu.Lock()
	tracker.lastData = time.Now().Add(-12 * time.Second)
	tracker.mu.Unlock()

	snap := tracker.snapshot()
	require.Equal(t, schema.FeedDegraded, snap.Status)
	require.True(t, snap.Connected)
	require.Less(t, snap.Quality, 100.0)
}
