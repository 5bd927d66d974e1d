// Package otel provides OpenTelemetry initialization and records registry
// operations as spans.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName string
	Version     string

	// OTLP endpoint (Jaeger, Tempo, etc.)
	// Default: http://localhost:4318 (Jaeger OTLP HTTP)
	OTLPEndpoint string

	// Enable/disable OpenTelemetry
	Enabled bool

	// Sampling ratio (0.0 to 1.0)
	// 1.0 = trace everything, 0.1 = trace 10%
	SamplingRatio float64

	// Environment (production, staging, development)
	Environment string
}

// Provider wraps the OpenTelemetry TracerProvider
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init initializes OpenTelemetry from config. It returns nil when tracing is
// disabled or the exporter cannot be created; a nil Provider is safe to use.
func Init(config Config, logger *logrus.Entry) *Provider {
	if logger == nil {
		logger = logrus.WithField("component", "otel")
	}
	if !config.Enabled {
		logger.Debug("OpenTelemetry disabled")
		return nil
	}
	if config.OTLPEndpoint == "" {
		config.OTLPEndpoint = "http://localhost:4318" // Jaeger OTLP HTTP default
	}
	if config.Environment == "" {
		config.Environment = "development"
	}

	provider, err := NewProvider(config)
	if err != nil {
		logger.WithError(err).Warn("OpenTelemetry initialization failed")
		return nil
	}

	logger.WithFields(logrus.Fields{
		"service":  config.ServiceName,
		"endpoint": config.OTLPEndpoint,
		"sampling": config.SamplingRatio,
	}).Info("OpenTelemetry initialized")

	return provider
}

// NewProvider creates a new OpenTelemetry provider with the given configuration
func NewProvider(config Config) (*Provider, error) {
	ctx := context.Background()

	// Create OTLP HTTP exporter
	exporter, err := otlptrace.New(
		ctx,
		otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(stripProtocol(config.OTLPEndpoint)),
			otlptracehttp.WithInsecure(), // Use HTTPS in production
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.Version),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(config.SamplingRatio)),
	)

	// Set global provider
	otel.SetTracerProvider(tp)

	// Set global propagators (W3C Trace Context + Baggage)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

// Sampler maps a ratio to a sampler: 1 or more samples everything, 0 or
// less samples nothing.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// TracerProvider returns the underlying provider, or the global one when p
// is nil.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if p == nil || p.tp == nil {
		return otel.GetTracerProvider()
	}
	return p.tp
}

// Shutdown gracefully shuts down the provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}

	// Give traces 5 seconds to flush
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.tp.Shutdown(shutdownCtx)
}

// stripProtocol removes http:// or https:// from endpoint
func stripProtocol(endpoint string) string {
	if len(endpoint) > 7 && endpoint[:7] == "http://" {
		return endpoint[7:]
	}
	if len(endpoint) > 8 && endpoint[:8] == "https://" {
		return endpoint[8:]
	}
	return endpoint
}
