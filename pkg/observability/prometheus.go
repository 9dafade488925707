package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PrometheusHandler builds the gateway's /metrics scrape endpoint. The
// exporter gets its own registry and meter provider, so rebuilding the
// gateway handler never trips a duplicate-collector registration.
func PrometheusHandler() (http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, exporterErr := promexporter.New(
		promexporter.WithRegisterer(registry),
	)
	if exporterErr != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", exporterErr)
	}

	// The reader hookup is what feeds OTel instruments into the registry.
	_ = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
