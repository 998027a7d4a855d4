package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterConfig points the meter provider at an OTLP/HTTP collector endpoint.
// An empty Endpoint leaves the global no-op MeterProvider in place.
type MeterConfig struct {
	ServiceName string
	Environment string
	Endpoint    string
}

// SetupMeter registers a global MeterProvider with a periodic OTLP reader and
// starts Go runtime metrics collection.
func SetupMeter(ctx context.Context, cfg MeterConfig) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create OTLP metric exporter: %w", err)
	}

	res, err := newResource(cfg.ServiceName, cfg.Environment)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	if err := runtime.Start(runtime.WithMeterProvider(mp)); err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: failed to start runtime metrics: %w", err)
	}

	return func(ctx context.Context) error {
		if err := mp.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry: error shutting down MeterProvider: %w", err)
		}
		return nil
	}, nil
}
