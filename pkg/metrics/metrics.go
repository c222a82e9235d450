// Package metrics holds the Prometheus collectors of every metrics hub
// service. All of them register with one Registry, served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is shared by the backend, the dashboard and the generator.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves Registry in the Prometheus or OpenMetrics text format and
// counts its own scrapes.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          Registry,
	}))
}

// MustRegister registers collectors with Registry and panics on a duplicate.
func MustRegister(cs ...prometheus.Collector) {
	Registry.MustRegister(cs...)
}
