package feed

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/internal/schema"
)

// CoinbaseCodec speaks the Coinbase Exchange ticker channel dialect.
type CoinbaseCodec struct {
	canonical map[string]string // venue id (BTC-USDT) -> canonical symbol
}

// NewCoinbaseCodec builds a codec; canonical maps venue product ids to
// canonical symbols.
func NewCoinbaseCodec(canonical map[string]string) *CoinbaseCodec {
	return &CoinbaseCodec{canonical: canonical}
}

// DialURL implements Codec.
func (c *CoinbaseCodec) DialURL(base string) string { return base }

type coinbaseSubscribe struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// SubscribeFrames implements Codec; Coinbase takes one subscribe message.
func (c *CoinbaseCodec) SubscribeFrames(ids []string) ([][]byte, error) {
	frame, err := json.Marshal(coinbaseSubscribe{
		Type:       "subscribe",
		ProductIDs: ids,
		Channels:   []string{"ticker", "heartbeat"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe: %w", err)
	}
	return [][]byte{frame}, nil
}

// PingFrame implements Codec; the heartbeat channel keeps the session warm.
func (c *CoinbaseCodec) PingFrame() ([]byte, bool) { return nil, false }

type coinbaseTicker struct {
	Type      string `json:"type"`
	Sequence  uint64 `json:"sequence"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestBidSz string `json:"best_bid_size"`
	BestAsk   string `json:"best_ask"`
	BestAskSz string `json:"best_ask_size"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
}

// Parse implements Codec.
func (c *CoinbaseCodec) Parse(raw []byte, seq func() uint64) ([]schema.PriceTick, error) {
	var t coinbaseTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse coinbase frame: %w", err)
	}
	if t.Type != "ticker" {
		return nil, nil
	}
	symbol := strings.ToUpper(strings.ReplaceAll(t.ProductID, "-", ""))
	if mapped, ok := c.canonical[t.ProductID]; ok {
		symbol = mapped
	}
	tick := schema.PriceTick{
		Symbol: symbol,
		Source: schema.Source("coinbase"),
	}
	var err error
	if tick.Last, err = decimal.NewFromString(t.Price); err != nil {
		return nil, fmt.Errorf("parse price %q: %w", t.Price, err)
	}
	if tick.Bid, err = decimal.NewFromString(t.BestBid); err != nil {
		return nil, fmt.Errorf("parse bid %q: %w", t.BestBid, err)
	}
	if tick.Ask, err = decimal.NewFromString(t.BestAsk); err != nil {
		return nil, fmt.Errorf("parse ask %q: %w", t.BestAsk, err)
	}
	tick.BidSize, _ = decimal.NewFromString(t.BestBidSz)
	tick.AskSize, _ = decimal.NewFromString(t.BestAskSz)
	tick.Volume24h, _ = decimal.NewFromString(t.Volume24h)
	if ts, err := time.Parse(time.RFC3339Nano, t.Time); err == nil {
		tick.Timestamp = ts
	} else {
		tick.Timestamp = time.Now()
	}
	if t.Sequence > 0 {
		tick.Sequence = t.Sequence
	} else {
		tick.Sequence = seq()
	}
	return []schema.PriceTick{tick}, nil
}
