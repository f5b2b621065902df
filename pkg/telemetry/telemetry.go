// Package telemetry wires up the OpenTelemetry meter provider and the
// Prometheus exporter used across the project.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"burrow/pkg/config"
	"burrow/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds the meter provider and Prometheus exporter
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	prometheusServer *http.Server
	logger           *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	QueriesTotal     metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	ForwardedQueries metric.Int64Counter
	UpstreamTimeouts metric.Int64Counter
	DroppedRequests  metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	ActiveClients    metric.Int64UpDownCounter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if cfg.PrometheusEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		t.meterProvider = provider
		otel.SetMeterProvider(provider)

		if err := t.startPrometheusServer(); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}

		logger.Info("Prometheus metrics enabled", "port", cfg.PrometheusPort)
	} else {
		t.meterProvider = noop.NewMeterProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled)

	return t, nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("burrow")

	queriesTotal, err := meter.Int64Counter(
		"dns.queries.total",
		metric.WithDescription("Total number of DNS queries received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"dns.cache.hits",
		metric.WithDescription("Queries answered from the record store"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"dns.cache.misses",
		metric.WithDescription("Queries with no live cached records"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	forwardedQueries, err := meter.Int64Counter(
		"dns.queries.forwarded",
		metric.WithDescription("Queries forwarded to the upstream resolver"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarded queries counter: %w", err)
	}

	upstreamTimeouts, err := meter.Int64Counter(
		"dns.upstream.timeouts",
		metric.WithDescription("Upstream queries that timed out"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream timeouts counter: %w", err)
	}

	droppedRequests, err := meter.Int64Counter(
		"dns.requests.dropped",
		metric.WithDescription("Requests dropped without a reply"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped requests counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	activeClients, err := meter.Int64UpDownCounter(
		"clients.active",
		metric.WithDescription("Number of queries currently in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active clients gauge: %w", err)
	}

	return &Metrics{
		QueriesTotal:     queriesTotal,
		CacheHits:        cacheHits,
		CacheMisses:      cacheMisses,
		ForwardedQueries: forwardedQueries,
		UpstreamTimeouts: upstreamTimeouts,
		DroppedRequests:  droppedRequests,
		QueryDuration:    queryDuration,
		ActiveClients:    activeClients,
	}, nil
}

// ObserveCacheSize registers a gauge that reports the record store
// size through the supplied callback
func (t *Telemetry) ObserveCacheSize(size func() int64) error {
	meter := t.meterProvider.Meter("burrow")

	_, err := meter.Int64ObservableGauge(
		"cache.records",
		metric.WithDescription("Number of records held by the store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(size())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache size gauge: %w", err)
	}
	return nil
}

// ObserveReclaimed registers a counter that reports how many expired
// records the reclaimer has pruned, read through the supplied callback
func (t *Telemetry) ObserveReclaimed(reclaimed func() int64) error {
	meter := t.meterProvider.Meter("burrow")

	_, err := meter.Int64ObservableCounter(
		"cache.reclaimed",
		metric.WithDescription("Expired records pruned from the store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(reclaimed())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create reclaimed counter: %w", err)
	}
	return nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
