// Package telemetry is the composition root of a twin's telemetry. It builds
// the OpenTelemetry providers that the shadowing engine and its metrics
// registry are handed, and owns their lifecycle.
//
// Metrics are pulled: a Prometheus endpoint reads every instrument on demand.
// Traces are pushed to the configured exporter. Nothing is registered
// globally; pass MeterProvider and TracerProvider to whoever needs them.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Telemetry holds the providers of a twin process.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	handler        http.Handler
	server         *http.Server // Nil when the endpoint is disabled.
	addr           net.Addr
}

// Init builds the providers described by cfg and, unless cfg.PrometheusPort is
// zero, starts serving the Prometheus endpoint at /metrics. Call Shutdown to
// flush and release everything Init started.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := component.Logger(ctx).With(slog.String("service", cfg.ServiceName))
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	// A dedicated registry keeps the endpoint free of the collectors other
	// libraries register on the default one.
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create prometheus exporter: %w", err)
	}
	t := &Telemetry{
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		),
		handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	spanExporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, errors.Join(err, t.meterProvider.Shutdown(ctx))
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceRatio))),
	}
	if spanExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(spanExporter))
	}
	t.tracerProvider = sdktrace.NewTracerProvider(opts...)

	if cfg.PrometheusPort == 0 {
		logger.Info("Prometheus endpoint disabled")
		return t, nil
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.PrometheusPort))
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("telemetry: listen: %w", err),
			t.meterProvider.Shutdown(ctx),
			t.tracerProvider.Shutdown(ctx),
		)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.handler)
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	t.addr = ln.Addr()
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Prometheus endpoint stopped", slog.Any("error", err))
		}
	}()
	logger.Info("Serving Prometheus endpoint", slog.String("addr", t.addr.String()))
	return t, nil
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create otlp exporter: %w", err)
		}
		return exporter, nil
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: create stdout exporter: %w", err)
		}
		return exporter, nil
	default:
		// Spans are still sampled, so that trace context propagates, but they are
		// never exported.
		return nil, nil
	}
}

func (t *Telemetry) MeterProvider() metric.MeterProvider { return t.meterProvider }
func (t *Telemetry) TracerProvider() trace.TracerProvider { return t.tracerProvider }

// Handler serves the Prometheus exposition of every instrument created through
// MeterProvider. It is what the endpoint started by Init serves at /metrics.
func (t *Telemetry) Handler() http.Handler { return t.handler }

// Addr returns the address of the Prometheus endpoint, or nil if it is
// disabled.
func (t *Telemetry) Addr() net.Addr { return t.addr }

// Shutdown stops the Prometheus endpoint and flushes both providers,
// concurrently. It returns the errors of all three.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	var errs [3]error
	if t.server != nil {
		g.Go(func() error {
			errs[0] = t.server.Shutdown(ctx)
			return nil
		})
	}
	g.Go(func() error {
		errs[1] = t.meterProvider.Shutdown(ctx)
		return nil
	})
	g.Go(func() error {
		errs[2] = t.tracerProvider.Shutdown(ctx)
		return nil
	})
	_ = g.Wait()
	if err := errors.Join(errs[:]...); err != nil {
		return fmt.Errorf("telemetry: shutdown: %w", err)
	}
	return nil
}
