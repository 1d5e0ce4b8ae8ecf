package feed

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/internal/schema"
)

// Binance limits control messages to 5/s per connection, so subscribe
// payloads stay modest and are paced by the adapter.
const binanceMaxStreamsPerRequest = 100

// BinanceCodec speaks the Binance combined-stream ticker dialect.
type BinanceCodec struct {
	msgID atomic.Uint64
	// canonical lookup: lowercase venue id -> canonical symbol
	canonical map[string]string
}

// NewBinanceCodec builds a codec; canonical maps venue ids (btcusdt) to
// canonical symbols (BTCUSDT).
func NewBinanceCodec(canonical map[string]string) *BinanceCodec {
	return &BinanceCodec{canonical: canonical}
}

// DialURL implements Codec.
func (c *BinanceCodec) DialURL(base string) string { return base }

type binanceSubscribe struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// SubscribeFrames implements Codec.
func (c *BinanceCodec) SubscribeFrames(ids []string) ([][]byte, error) {
	streams := make([]string, 0, len(ids))
	for _, id := range ids {
		streams = append(streams, strings.ToLower(id)+"@ticker")
	}
	var frames [][]byte
	for start := 0; start < len(streams); start += binanceMaxStreamsPerRequest {
		end := start + binanceMaxStreamsPerRequest
		if end > len(streams) {
			end = len(streams)
		}
		frame, err := json.Marshal(binanceSubscribe{
			Method: "SUBSCRIBE",
			Params: streams[start:end],
			ID:     c.msgID.Add(1),
		})
		if err != nil {
			return nil, fmt.Errorf("marshal subscribe: %w", err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// PingFrame implements Codec; Binance answers protocol-level pings.
func (c *BinanceCodec) PingFrame() ([]byte, bool) { return nil, false }

type binanceCombined struct {
	Stream string        `json:"stream"`
	Data   binanceTicker `json:"data"`
}

type binanceTicker struct {
	EventType   string `json:"e"`
	EventTimeMs int64  `json:"E"`
	Symbol      string `json:"s"`
	Last        string `json:"c"`
	Bid         string `json:"b"`
	BidQty      string `json:"B"`
	Ask         string `json:"a"`
	AskQty      string `json:"A"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
}

// Parse implements Codec.
func (c *BinanceCodec) Parse(raw []byte, seq func() uint64) ([]schema.PriceTick, error) {
	var frame binanceCombined
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("parse binance frame: %w", err)
	}
	if frame.Data.EventType != "24hrTicker" {
		// subscription acks and other control responses
		return nil, nil
	}
	t := frame.Data
	symbol := t.Symbol
	if mapped, ok := c.canonical[strings.ToLower(t.Symbol)]; ok {
		symbol = mapped
	}
	tick := schema.PriceTick{
		Symbol:    strings.ToUpper(symbol),
		Source:    schema.Source("binance"),
		Timestamp: time.UnixMilli(t.EventTimeMs),
		Sequence:  seq(),
	}
	var err error
	if tick.Last, err = decimal.NewFromString(t.Last); err != nil {
		return nil, fmt.Errorf("parse last %q: %w", t.Last, err)
	}
	if tick.Bid, err = decimal.NewFromString(t.Bid); err != nil {
		return nil, fmt.Errorf("parse bid %q: %w", t.Bid, err)
	}
	if tick.Ask, err = decimal.NewFromString(t.Ask); err != nil {
		return nil, fmt.Errorf("parse ask %q: %w", t.Ask, err)
	}
	tick.BidSize, _ = decimal.NewFromString(t.BidQty)
	tick.AskSize, _ = decimal.NewFromString(t.AskQty)
	tick.Volume24h, _ = decimal.NewFromString(t.Volume)
	tick.QuoteVolume24h, _ = decimal.NewFromString(t.QuoteVolume)
	return []schema.PriceTick{tick}, nil
}
