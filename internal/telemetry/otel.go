package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OTelConfig holds the configuration for OpenTelemetry.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	InstanceID     string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool
}

// LoadOTelConfigFromEnv loads OpenTelemetry configuration from environment variables.
func LoadOTelConfigFromEnv() *OTelConfig {
	return &OTelConfig{
		ServiceName:    getEnv("OTEL_SERVICE_NAME", "notifyhub"),
		ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		InstanceID:     getEnv("INSTANCE_ID", "instance-1"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318"),
		Enabled:        getEnv("OTEL_ENABLED", "true") == "true",
	}
}

// Provider holds the OpenTelemetry trace provider.
type Provider struct {
	TraceProvider *trace.TracerProvider
	config        *OTelConfig
}

// NewProvider creates a new OpenTelemetry provider and registers it globally.
func NewProvider(config *OTelConfig) (*Provider, error) {
	if !config.Enabled {
		LogFromContext(context.Background()).WithFields(map[string]interface{}{
			"operation": "initialize_otel",
			"enabled":   false,
		}).Info("OpenTelemetry is disabled")
		return &Provider{config: config}, nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.ServiceInstanceID(config.InstanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(config.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		TraceProvider: tp,
		config:        config,
	}, nil
}

// Shutdown gracefully shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.config.Enabled || p.TraceProvider == nil {
		return nil
	}
	if err := p.TraceProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown trace provider: %w", err)
	}
	return nil
}

// InitializeOpenTelemetry initializes OpenTelemetry and returns a shutdown function.
func InitializeOpenTelemetry(ctx context.Context, config *OTelConfig) (func(), error) {
	provider, err := NewProvider(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenTelemetry provider: %w", err)
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			LogFromContext(shutdownCtx).WithError(err).Error("Error shutting down OpenTelemetry")
		}
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
