// Package market maintains the canonical set of tradable symbols.
package market

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
)

// Catalogue lists the symbols one upstream venue serves, in canonical form.
type Catalogue interface {
	Source() schema.Source
	FetchSymbols(ctx context.Context) ([]schema.Symbol, error)
}

// Store persists the market set. A nil store keeps the registry in-memory only.
type Store interface {
	UpsertMarkets(ctx context.Context, symbols []schema.Symbol) error
	LoadMarkets(ctx context.Context) ([]schema.Symbol, error)
}

// Mapper converts a canonical symbol into the upstream identifier of one venue.
type Mapper func(symbol schema.Symbol) string

// Filter narrows List results.
type Filter struct {
	Quote       string
	EnabledOnly bool
	Source      schema.Source
}

// Registry owns the canonical symbol set and per-venue mappings.
type Registry struct {
	mu      sync.RWMutex
	symbols map[string]schema.Symbol

	catalogues []Catalogue
	mappers    map[schema.Source]Mapper
	store      Store
}

// NewRegistry constructs a registry fed by the given catalogues.
func NewRegistry(catalogues []Catalogue, store Store) *Registry {
	return &Registry{
		symbols:    make(map[string]schema.Symbol),
		catalogues: catalogues,
		mappers:    make(map[schema.Source]Mapper),
		store:      store,
	}
}

// RegisterMapper installs the upstream identifier mapping for a venue.
func (r *Registry) RegisterMapper(source schema.Source, mapper Mapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[source] = mapper
}

// Warm loads the previously persisted market set, if a store is configured.
func (r *Registry) Warm(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	loaded, err := r.store.LoadMarkets(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sym := range loaded {
		r.symbols[sym.Symbol] = sym
	}
	return nil
}

// Refresh rebuilds the symbol set from upstream catalogues, fetching venues
// concurrently. Existing enabled flags survive the rebuild. A failing
// catalogue keeps the previous set for its venue; Refresh never fails the
// caller on upstream errors.
func (r *Registry) Refresh(ctx context.Context) {
	type fetched struct {
		symbols []schema.Symbol
		err     error
	}
	results := make([]fetched, len(r.catalogues))
	fetchers := pool.New().WithMaxGoroutines(4)
	for i, cat := range r.catalogues {
		i, cat := i, cat
		fetchers.Go(func() {
			symbols, err := cat.FetchSymbols(ctx)
			results[i] = fetched{symbols: symbols, err: err}
		})
	}
	fetchers.Wait()

	merged := make(map[string]schema.Symbol)
	for i, cat := range r.catalogues {
		if results[i].err != nil {
			observability.Log().Warn("market catalogue unavailable, keeping previous set",
				observability.String("source", string(cat.Source())),
				observability.Err(results[i].err))
			continue
		}
		for _, sym := range results[i].symbols {
			key := strings.ToUpper(strings.TrimSpace(sym.Symbol))
			if key == "" {
				continue
			}
			sym.Symbol = key
			if existing, ok := merged[key]; ok {
				existing.EnabledSources = append(existing.EnabledSources, cat.Source())
				merged[key] = existing
				continue
			}
			sym.EnabledSources = []schema.Source{cat.Source()}
			merged[key] = sym
		}
	}
	if len(merged) == 0 {
		return
	}

	r.mu.Lock()
	for key, sym := range merged {
		if existing, ok := r.symbols[key]; ok {
			sym.Enabled = existing.Enabled
			sym.Rank = existing.Rank
		} else {
			sym.Enabled = true
		}
		r.symbols[key] = sym
	}
	snapshot := make([]schema.Symbol, 0, len(r.symbols))
	for _, sym := range r.symbols {
		snapshot = append(snapshot, sym)
	}
	r.mu.Unlock()

	if r.store != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.store.UpsertMarkets(persistCtx, snapshot); err != nil {
			observability.Log().Error("persist market set", observability.Err(err))
		}
	}
}

// List returns symbols matching the filter, ordered by rank then name.
func (r *Registry) List(filter Filter) []schema.Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.Symbol, 0, len(r.symbols))
	for _, sym := range r.symbols {
		if filter.EnabledOnly && !sym.Enabled {
			continue
		}
		if filter.Quote != "" && !strings.EqualFold(sym.Quote, filter.Quote) {
			continue
		}
		if filter.Source != "" && !sym.SupportsSource(filter.Source) {
			continue
		}
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Get returns the symbol record.
func (r *Registry) Get(symbol string) (schema.Symbol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sym, ok := r.symbols[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return schema.Symbol{}, errs.New("market/registry", errs.CodeNotFound,
			errs.WithMessage("unknown symbol"), errs.WithField("symbol", symbol))
	}
	return sym, nil
}

// Toggle flips the enabled flag for a symbol.
func (r *Registry) Toggle(symbol string, enabled bool) error {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	r.mu.Lock()
	defer r.mu.Unlock()
	sym, ok := r.symbols[key]
	if !ok {
		return errs.New("market/registry", errs.CodeNotFound,
			errs.WithMessage("unknown symbol"), errs.WithField("symbol", symbol))
	}
	sym.Enabled = enabled
	r.symbols[key] = sym
	return nil
}

// Upsert installs or replaces a symbol record directly. Intended for tests
// and administrative seeding.
func (r *Registry) Upsert(sym schema.Symbol) {
	key := strings.ToUpper(strings.TrimSpace(sym.Symbol))
	if key == "" {
		return
	}
	sym.Symbol = key
	r.mu.Lock()
	r.symbols[key] = sym
	r.mu.Unlock()
}

// Map returns the upstream identifier for the symbol on the given venue,
// or false when the venue does not serve it.
func (r *Registry) Map(symbol string, source schema.Source) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sym, ok := r.symbols[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok || !sym.SupportsSource(source) {
		return "", false
	}
	mapper, ok := r.mappers[source]
	if !ok {
		return sym.Symbol, true
	}
	return mapper(sym), true
}
