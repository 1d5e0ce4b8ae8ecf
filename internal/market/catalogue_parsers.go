package market

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/internal/schema"
)

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func parseBinanceExchangeInfo(body []byte) ([]schema.Symbol, error) {
	var info binanceExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse binance exchangeInfo: %w", err)
	}
	out := make([]schema.Symbol, 0, len(info.Symbols))
	for _, raw := range info.Symbols {
		if raw.Status != "TRADING" {
			continue
		}
		sym := schema.Symbol{
			Symbol:      strings.ToUpper(raw.BaseAsset + raw.QuoteAsset),
			Base:        strings.ToUpper(raw.BaseAsset),
			Quote:       strings.ToUpper(raw.QuoteAsset),
			TickSize:    defaultStep(),
			StepSize:    defaultStep(),
			MinNotional: decimal.Zero,
		}
		for _, filter := range raw.Filters {
			switch filter.FilterType {
			case "PRICE_FILTER":
				if v, err := decimal.NewFromString(filter.TickSize); err == nil && v.IsPositive() {
					sym.TickSize = v
				}
			case "LOT_SIZE":
				if v, err := decimal.NewFromString(filter.StepSize); err == nil && v.IsPositive() {
					sym.StepSize = v
				}
			case "NOTIONAL", "MIN_NOTIONAL":
				if v, err := decimal.NewFromString(filter.MinNotional); err == nil && v.IsPositive() {
					sym.MinNotional = v
				}
			}
		}
		out = append(out, sym)
	}
	return out, nil
}

type coinbaseProduct struct {
	ID              string `json:"id"`
	BaseCurrency    string `json:"base_currency"`
	QuoteCurrency   string `json:"quote_currency"`
	QuoteIncrement  string `json:"quote_increment"`
	BaseIncrement   string `json:"base_increment"`
	MinMarketFunds  string `json:"min_market_funds"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
}

func parseCoinbaseProducts(body []byte) ([]schema.Symbol, error) {
	var products []coinbaseProduct
	if err := json.Unmarshal(body, &products); err != nil {
		return nil, fmt.Errorf("parse coinbase products: %w", err)
	}
	out := make([]schema.Symbol, 0, len(products))
	for _, raw := range products {
		if raw.Status != "online" || raw.TradingDisabled {
			continue
		}
		sym := schema.Symbol{
			Symbol:      strings.ToUpper(raw.BaseCurrency + raw.QuoteCurrency),
			Base:        strings.ToUpper(raw.BaseCurrency),
			Quote:       strings.ToUpper(raw.QuoteCurrency),
			TickSize:    defaultStep(),
			StepSize:    defaultStep(),
			MinNotional: decimal.Zero,
		}
		if v, err := decimal.NewFromString(raw.QuoteIncrement); err == nil && v.IsPositive() {
			sym.TickSize = v
		}
		if v, err := decimal.NewFromString(raw.BaseIncrement); err == nil && v.IsPositive() {
			sym.StepSize = v
		}
		if v, err := decimal.NewFromString(raw.MinMarketFunds); err == nil && v.IsPositive() {
			sym.MinNotional = v
		}
		out = append(out, sym)
	}
	return out, nil
}
