package market

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/internal/schema"
)

// RESTCatalogue fetches a venue's tradable pairs over its public REST API.
type RESTCatalogue struct {
	source schema.Source
	http   *resty.Client
	parse  func(body []byte) ([]schema.Symbol, error)
	path   string
}

// Source implements Catalogue.
func (c *RESTCatalogue) Source() schema.Source { return c.source }

// FetchSymbols implements Catalogue.
func (c *RESTCatalogue) FetchSymbols(ctx context.Context) ([]schema.Symbol, error) {
	resp, err := c.http.R().SetContext(ctx).Get(c.path)
	if err != nil {
		return nil, fmt.Errorf("fetch %s catalogue: %w", c.source, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch %s catalogue: status %d", c.source, resp.StatusCode())
	}
	return c.parse(resp.Body())
}

func newCatalogueClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
}

// NewBinanceCatalogue reads /api/v3/exchangeInfo.
func NewBinanceCatalogue(baseURL string) *RESTCatalogue {
	return &RESTCatalogue{
		source: schema.Source("binance"),
		http:   newCatalogueClient(baseURL),
		path:   "/api/v3/exchangeInfo",
		parse:  parseBinanceExchangeInfo,
	}
}

// NewCoinbaseCatalogue reads /products.
func NewCoinbaseCatalogue(baseURL string) *RESTCatalogue {
	return &RESTCatalogue{
		source: schema.Source("coinbase"),
		http:   newCatalogueClient(baseURL),
		path:   "/products",
		parse:  parseCoinbaseProducts,
	}
}

// BinanceMapper renders the venue identifier for Binance streams (btcusdt).
func BinanceMapper(sym schema.Symbol) string {
	return strings.ToLower(sym.Base + sym.Quote)
}

// CoinbaseMapper renders the venue identifier for Coinbase (BTC-USDT).
func CoinbaseMapper(sym schema.Symbol) string {
	return strings.ToUpper(sym.Base + "-" + sym.Quote)
}

// KrakenMapper renders the venue identifier for Kraken pairs (XBTUSDT).
func KrakenMapper(sym schema.Symbol) string {
	base := strings.ToUpper(sym.Base)
	if base == "BTC" {
		base = "XBT"
	}
	return base + strings.ToUpper(sym.Quote)
}

// defaultStep returns a conservative step for venues that do not publish one.
func defaultStep() decimal.Decimal { return decimal.New(1, -8) }
