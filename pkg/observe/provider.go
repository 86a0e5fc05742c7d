package observe

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Provider is the process-wide meter provider with its Prometheus bridge.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Metrics       *Metrics
}

// InitProvider registers an SDK meter provider exporting through the
// Prometheus default registry and sets it as the global provider. Call
// Shutdown on exit.
func InitProvider() (*Provider, error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	otel.SetMeterProvider(mp)

	met, err := NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	return &Provider{MeterProvider: mp, Metrics: met}, nil
}

// Handler serves the Prometheus scrape endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.Handler()
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.MeterProvider.Shutdown(ctx)
}
