// Package telemetry configures OpenTelemetry providers for Helix.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/helixtrade/helix/internal/observability"
)

// Providers groups telemetry provider handles.
type Providers struct {
	MeterProvider apimetric.MeterProvider
}

// Init configures the OpenTelemetry metric exporter. An empty endpoint yields
// noop providers so the engine can run without a collector.
func Init(ctx context.Context, endpoint, service string) (Providers, func(context.Context) error, error) {
	endpoint = strings.TrimSpace(endpoint)
	service = strings.TrimSpace(service)
	if service == "" {
		service = "helix-engine"
	}

	if endpoint == "" {
		providers := Providers{MeterProvider: noop.NewMeterProvider()}
		otel.SetMeterProvider(providers.MeterProvider)
		return providers, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return Providers{}, nil, err
	}

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return Providers{}, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", service)))
	if err != nil {
		return Providers{}, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	providers := Providers{MeterProvider: mp}
	return providers, mp.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}

// Meter exposes counters, gauges, and histograms through the observability
// Metrics interface backed by an otel meter.
type Meter struct {
	meter apimetric.Meter

	mu         sync.Mutex
	counters   map[string]apimetric.Float64Counter
	histograms map[string]apimetric.Float64Histogram
	gauges     map[string]apimetric.Float64Gauge
}

// NewMeter builds a Metrics implementation on the given provider.
func NewMeter(provider apimetric.MeterProvider, scope string) *Meter {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	if strings.TrimSpace(scope) == "" {
		scope = "helix"
	}
	return &Meter{
		meter:      provider.Meter(scope),
		counters:   make(map[string]apimetric.Float64Counter),
		histograms: make(map[string]apimetric.Float64Histogram),
		gauges:     make(map[string]apimetric.Float64Gauge),
	}
}

var _ observability.Metrics = (*Meter)(nil)

// IncCounter adds value to the named counter.
func (m *Meter) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		created, err := m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = created
		counter = created
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

// ObserveHistogram records value into the named histogram.
func (m *Meter) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	hist, ok := m.histograms[name]
	if !ok {
		created, err := m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = created
		hist = created
	}
	m.mu.Unlock()
	hist.Record(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

// SetGauge records the latest value for the named gauge.
func (m *Meter) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		created, err := m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = created
		gauge = created
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

func attrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}
