package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
)

// PollAdapter fetches ticker snapshots over REST at a fixed cadence for
// venues without a usable push stream.
type PollAdapter struct {
	source   schema.Source
	priority int
	http     *resty.Client
	sink     Sink

	// pairs maps venue pair identifiers to canonical symbols.
	pairs    func() map[string]string
	interval time.Duration
	limiter  *rate.Limiter

	fetch func(ctx context.Context, client *resty.Client, pairs map[string]string, seq func() uint64) ([]schema.PriceTick, error)

	ctx    context.Context
	cancel context.CancelFunc

	health *healthTracker
	ring   *TickRing
	gate   *outlierGate
	seq    atomic.Uint64
	armed  atomic.Bool
}

// PollAdapterConfig collects construction parameters for a poll adapter.
type PollAdapterConfig struct {
	Source           schema.Source
	Priority         int
	BaseURL          string
	Interval         time.Duration
	Pairs            func() map[string]string
	Sink             Sink
	OutlierThreshold float64
	RingCapacity     int
}

// NewKrakenPollAdapter polls the Kraken public ticker endpoint.
func NewKrakenPollAdapter(cfg PollAdapterConfig) *PollAdapter {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &PollAdapter{
		source:   cfg.Source,
		priority: cfg.Priority,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(250 * time.Millisecond),
		sink:     cfg.Sink,
		pairs:    cfg.Pairs,
		interval: cfg.Interval,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		fetch:    fetchKrakenTicker,
		health:   newHealthTracker(cfg.Source),
		ring:     NewTickRing(cfg.RingCapacity),
		gate:     newOutlierGate(cfg.OutlierThreshold),
	}
}

// Source implements Adapter.
func (p *PollAdapter) Source() schema.Source { return p.source }

// Priority implements Adapter.
func (p *PollAdapter) Priority() int { return p.priority }

// Health implements Adapter.
func (p *PollAdapter) Health() schema.FeedHealth { return p.health.snapshot() }

// Recent implements Adapter.
func (p *PollAdapter) Recent(n int) []schema.PriceTick { return p.ring.Recent(n) }

// Rearm implements Adapter.
func (p *PollAdapter) Rearm() { p.armed.Store(true) }

// Stop implements Adapter.
func (p *PollAdapter) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.health.setStatus(schema.FeedDisconnected)
}

// Start implements Adapter.
func (p *PollAdapter) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.armed.Store(true)
	p.health.setStatus(schema.FeedConnected)
	p.sink.FeedEvent(p.source, schema.EventFeedConnected, "polling")
	go p.run()
	return nil
}

func (p *PollAdapter) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		if !p.armed.Load() {
			continue
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		ticks, err := p.fetch(p.ctx, p.http, p.pairs(), func() uint64 { return p.seq.Add(1) })
		if err != nil {
			p.health.recordError()
			p.health.setStatus(schema.FeedDegraded)
			observability.Log().Warn("poll feed fetch failed",
				observability.String("source", string(p.source)), observability.Err(err))
			continue
		}
		p.health.setStatus(schema.FeedConnected)
		if len(ticks) > 0 {
			p.health.recordMessage()
		}
		for _, tick := range ticks {
			if err := tick.Validate(); err != nil {
				p.health.recordError()
				continue
			}
			if !p.gate.admit(tick) {
				p.health.recordError()
				continue
			}
			p.ring.Push(tick)
			p.sink.PushTick(tick)
		}
	}
}

type krakenTickerResponse struct {
	Error  []string                     `json:"error"`
	Result map[string]krakenTickerEntry `json:"result"`
}

type krakenTickerEntry struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Closed []string `json:"c"`
	Volume []string `json:"v"`
}

func fetchKrakenTicker(ctx context.Context, client *resty.Client, pairs map[string]string, seq func() uint64) ([]schema.PriceTick, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(pairs))
	for id := range pairs {
		ids = append(ids, id)
	}
	resp, err := client.R().
		SetContext(ctx).
		SetQueryParam("pair", strings.Join(ids, ",")).
		Get("/0/public/Ticker")
	if err != nil {
		return nil, fmt.Errorf("kraken ticker: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("kraken ticker: status %d", resp.StatusCode())
	}
	var parsed krakenTickerResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("kraken ticker parse: %w", err)
	}
	if len(parsed.Error) > 0 {
		return nil, fmt.Errorf("kraken ticker: %s", strings.Join(parsed.Error, "; "))
	}

	now := time.Now()
	out := make([]schema.PriceTick, 0, len(parsed.Result))
	for pair, entry := range parsed.Result {
		canonical, ok := pairs[pair]
		if !ok {
			continue
		}
		if len(entry.Ask) == 0 || len(entry.Bid) == 0 || len(entry.Closed) == 0 {
			continue
		}
		tick := schema.PriceTick{
			Symbol:    canonical,
			Source:    schema.Source("kraken"),
			Timestamp: now,
			Sequence:  seq(),
		}
		if tick.Ask, err = decimal.NewFromString(entry.Ask[0]); err != nil {
			continue
		}
		if tick.Bid, err = decimal.NewFromString(entry.Bid[0]); err != nil {
			continue
		}
		if tick.Last, err = decimal.NewFromString(entry.Closed[0]); err != nil {
			continue
		}
		if len(entry.Volume) > 1 {
			tick.Volume24h, _ = decimal.NewFromString(entry.Volume[1])
		}
		out = append(out, tick)
	}
	return out, nil
}
