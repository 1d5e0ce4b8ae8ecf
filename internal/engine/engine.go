// Package engine wires the market engine: feeds, aggregation, matching,
// orders, positions, liquidation, risk, and session fanout, built from one
// Settings tree and torn down in reverse.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/internal/admin"
	"github.com/helixtrade/helix/internal/feed"
	"github.com/helixtrade/helix/internal/feed/aggregator"
	"github.com/helixtrade/helix/internal/infra/persistence/postgres"
	"github.com/helixtrade/helix/internal/liquidation"
	"github.com/helixtrade/helix/internal/margin"
	"github.com/helixtrade/helix/internal/market"
	"github.com/helixtrade/helix/internal/matching"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/orders"
	"github.com/helixtrade/helix/internal/position"
	"github.com/helixtrade/helix/internal/risk"
	"github.com/helixtrade/helix/internal/schema"
	"github.com/helixtrade/helix/internal/session"
	"github.com/helixtrade/helix/internal/trigger"
	"github.com/helixtrade/helix/internal/wallet"
)

// marketRefreshInterval is how often the registry re-fetches venue catalogues.
const marketRefreshInterval = 30 * time.Minute

// depthPushInterval is the cadence of book depth snapshots to sessions.
const depthPushInterval = time.Second

// depthLevels is how many price levels each depth push carries.
const depthLevels = 20

// Engine owns every component and their start/stop ordering.
type Engine struct {
	cfg   config.Settings
	store *postgres.Store
	sink  *tee

	Wallets    *wallet.Store
	Calc       *margin.Calculator
	Registry   *market.Registry
	Adapters   []feed.Adapter
	Aggregator *aggregator.Aggregator
	Matcher    *matching.Engine
	Triggers   *trigger.Monitor
	Positions  *position.Manager
	Orders     *orders.Controller
	Liquidator *liquidation.Engine
	Risk       *risk.Monitor
	Hub        *session.Hub
	Server     *session.Server
	Admin      *admin.Service

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the engine from settings. The registry is warmed from the store
// (when configured) and refreshed from venue catalogues before adapters are
// constructed, so the feed codecs see the full symbol map.
func New(ctx context.Context, cfg config.Settings, auth session.Authenticator) (*Engine, error) {
	e := &Engine{cfg: cfg}

	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(dsn); err != nil {
				return nil, err
			}
		}
		store, err := postgres.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		e.store = store
	}

	e.Wallets = wallet.NewStore()
	if e.store != nil {
		balances, err := e.store.LoadBalances(ctx)
		if err != nil {
			return nil, err
		}
		e.Wallets.Seed(balances)
	}

	e.Calc = margin.NewCalculator(cfg.Liquidation.FeeRate)

	var marketStore market.Store
	if e.store != nil {
		marketStore = e.store
	}
	e.Registry = market.NewRegistry([]market.Catalogue{
		market.NewBinanceCatalogue(restURL(cfg, "binance")),
		market.NewCoinbaseCatalogue(restURL(cfg, "coinbase")),
	}, marketStore)
	e.Registry.RegisterMapper("binance", market.BinanceMapper)
	e.Registry.RegisterMapper("coinbase", market.CoinbaseMapper)
	e.Registry.RegisterMapper("kraken", market.KrakenMapper)
	if err := e.Registry.Warm(ctx); err != nil {
		return nil, err
	}
	e.Registry.Refresh(ctx)

	sink, err := newTee(e.store)
	if err != nil {
		return nil, err
	}
	e.sink = sink

	e.Adapters = e.buildAdapters(sink)
	e.Aggregator = aggregator.New(cfg.Aggregator, e.Adapters, sink)
	e.Hub = session.NewHub(cfg.Session, e.Aggregator)
	sink.hub = e.Hub

	e.Matcher = matching.NewEngine(cfg.Trading, e.quoteAsset)
	for _, sym := range e.Registry.List(market.Filter{EnabledOnly: true}) {
		e.Matcher.EnsureSymbol(sym.Symbol)
	}

	e.Positions = position.NewManager(e.Calc, e.Wallets, e.Aggregator, sink, time.Second)
	e.Triggers = trigger.NewMonitor(e.Aggregator, cfg.Trading.TriggerCycle)

	var journal orders.Journal
	if e.store != nil {
		journal = e.store
	}
	e.Orders = orders.NewController(cfg.Trading, e.Registry, e.Matcher,
		e.Triggers, e.Positions, e.Wallets, e.Aggregator, e.Calc, sink, journal)
	e.Triggers.SetFirer(e.Orders.FireTriggered)

	fund := liquidation.NewFund(cfg.Liquidation.FundInitial, cfg.Liquidation.FundTarget)
	liq, err := liquidation.NewEngine(cfg.Liquidation, fund, e.Positions,
		e.Orders, e.Orders, sink)
	if err != nil {
		return nil, err
	}
	e.Liquidator = liq

	e.Risk = risk.NewMonitor(cfg.Risk, e.Positions, e.Calc, sink)
	e.Server = session.NewServer(cfg.Session, e.Hub, auth)
	e.Admin = admin.NewService(e.Matcher, e.Orders, e.Liquidator, e.Calc, e.Hub)
	return e, nil
}

// Start launches every background loop. The session server is run separately
// by the caller so it can own the listener's lifecycle.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	for _, adapter := range e.Adapters {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
	}
	e.Aggregator.Start(ctx)
	e.Hub.Start(ctx)
	e.Positions.Start(ctx)
	e.Triggers.Start(ctx)
	e.Liquidator.Start(ctx)
	e.Risk.Start(ctx)

	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		refresh := time.NewTicker(marketRefreshInterval)
		defer refresh.Stop()
		depth := time.NewTicker(depthPushInterval)
		defer depth.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-refresh.C:
				e.Registry.Refresh(ctx)
				for _, sym := range e.Registry.List(market.Filter{EnabledOnly: true}) {
					e.Matcher.EnsureSymbol(sym.Symbol)
				}
			case <-depth.C:
				e.pushDepth()
			}
		}
	}()
	observability.Log().Info("engine started",
		observability.Int("adapters", len(e.Adapters)),
		observability.Int("symbols", len(e.Matcher.Symbols())))
	return nil
}

// StopAll tears the engine down in reverse dependency order, draining
// in-flight work within the context deadline.
func (e *Engine) StopAll(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
	e.Admin.Close()
	e.Risk.Stop()
	if err := e.Liquidator.Stop(ctx); err != nil {
		observability.Log().Warn("liquidation drain incomplete", observability.Err(err))
	}
	e.Triggers.Stop()
	e.Positions.Stop()
	e.Aggregator.Stop()
	for _, adapter := range e.Adapters {
		adapter.Stop()
	}
	err := e.Matcher.StopAll(ctx)
	e.Hub.Stop()
	e.sink.close(ctx)
	if e.store != nil {
		e.store.Close()
	}
	observability.Log().Info("engine stopped")
	return err
}

// pushDepth broadcasts a visible-book snapshot per symbol. Empty books are
// skipped so idle symbols produce no traffic.
func (e *Engine) pushDepth() {
	for _, symbol := range e.Matcher.Symbols() {
		snap, err := e.Matcher.Depth(symbol, depthLevels)
		if err != nil {
			continue
		}
		if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
			continue
		}
		e.sink.Broadcast(schema.Event{
			Type:    schema.EventDepth,
			Symbol:  symbol,
			Ts:      snap.Ts,
			Payload: snap,
		})
	}
}

// quoteAsset resolves the settlement asset for a symbol, defaulting to USDT
// when the registry has no record yet.
func (e *Engine) quoteAsset(symbol string) string {
	if sym, err := e.Registry.Get(symbol); err == nil && sym.Quote != "" {
		return sym.Quote
	}
	return "USDT"
}

// buildAdapters constructs one adapter per configured feed. Unknown feed
// names are skipped with a warning rather than failing startup.
func (e *Engine) buildAdapters(sink feed.Sink) []feed.Adapter {
	var adapters []feed.Adapter
	for _, fc := range e.cfg.Feeds {
		source := schema.Source(strings.ToLower(strings.TrimSpace(fc.Name)))
		switch source {
		case "binance":
			adapters = append(adapters, feed.NewWSAdapter(feed.WSAdapterConfig{
				Source:           source,
				Priority:         fc.Priority,
				URL:              fc.WebsocketURL,
				Codec:            feed.NewBinanceCodec(e.canonicalMap(source)),
				Sink:             sink,
				SymbolIDs:        e.symbolIDs(source, fc.MaxSymbols),
				IdleTimeout:      e.cfg.Aggregator.IdleReadTimeout,
				Heartbeat:        fc.HeartbeatInterval,
				MaxReconnects:    e.cfg.Aggregator.MaxReconnects,
				MaxBackoff:       e.cfg.Aggregator.ReconnectInterval,
				OutlierThreshold: e.cfg.Aggregator.OutlierThreshold,
			}))
		case "coinbase":
			adapters = append(adapters, feed.NewWSAdapter(feed.WSAdapterConfig{
				Source:           source,
				Priority:         fc.Priority,
				URL:              fc.WebsocketURL,
				Codec:            feed.NewCoinbaseCodec(e.canonicalMap(source)),
				Sink:             sink,
				SymbolIDs:        e.symbolIDs(source, fc.MaxSymbols),
				IdleTimeout:      e.cfg.Aggregator.IdleReadTimeout,
				Heartbeat:        fc.HeartbeatInterval,
				MaxReconnects:    e.cfg.Aggregator.MaxReconnects,
				MaxBackoff:       e.cfg.Aggregator.ReconnectInterval,
				OutlierThreshold: e.cfg.Aggregator.OutlierThreshold,
			}))
		case "kraken":
			adapters = append(adapters, feed.NewKrakenPollAdapter(feed.PollAdapterConfig{
				Source:           source,
				Priority:         fc.Priority,
				BaseURL:          fc.RestURL,
				Interval:         fc.PollInterval,
				Pairs:            e.pairMap(source, fc.MaxSymbols),
				Sink:             sink,
				OutlierThreshold: e.cfg.Aggregator.OutlierThreshold,
			}))
		default:
			observability.Log().Warn("unknown feed source skipped",
				observability.String("source", string(source)))
		}
	}
	return adapters
}

// canonicalMap renders venue id -> canonical symbol for one source.
func (e *Engine) canonicalMap(source schema.Source) map[string]string {
	out := make(map[string]string)
	for _, sym := range e.Registry.List(market.Filter{EnabledOnly: true, Source: source}) {
		if id, ok := e.Registry.Map(sym.Symbol, source); ok {
			out[id] = sym.Symbol
		}
	}
	return out
}

// symbolIDs yields the venue identifiers to subscribe, capped per feed.
func (e *Engine) symbolIDs(source schema.Source, limit int) func() []string {
	return func() []string {
		symbols := e.Registry.List(market.Filter{EnabledOnly: true, Source: source})
		if limit > 0 && len(symbols) > limit {
			symbols = symbols[:limit]
		}
		out := make([]string, 0, len(symbols))
		for _, sym := range symbols {
			if id, ok := e.Registry.Map(sym.Symbol, source); ok {
				out = append(out, id)
			}
		}
		return out
	}
}

// pairMap yields venue pair -> canonical symbol for poll feeds.
func (e *Engine) pairMap(source schema.Source, limit int) func() map[string]string {
	return func() map[string]string {
		symbols := e.Registry.List(market.Filter{EnabledOnly: true, Source: source})
		if limit > 0 && len(symbols) > limit {
			symbols = symbols[:limit]
		}
		out := make(map[string]string, len(symbols))
		for _, sym := range symbols {
			if id, ok := e.Registry.Map(sym.Symbol, source); ok {
				out[id] = sym.Symbol
			}
		}
		return out
	}
}

func restURL(cfg config.Settings, name string) string {
	for _, fc := range cfg.Feeds {
		if strings.EqualFold(fc.Name, name) {
			return fc.RestURL
		}
	}
	return ""
}
