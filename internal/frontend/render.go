package frontend

import (
	"bytes"
	"context"
	"net/http"

	"github.com/a-h/templ"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/metrics-hub/pkg/metrics"
)

// renderPage renders body inside the page layout. Output is buffered so a
// failed render still yields a clean 500.
func renderPage(ctx context.Context, w http.ResponseWriter, m *metrics.FrontendMetrics, name, title string, body templ.Component) error {
	var buf bytes.Buffer
	err := trackRender(m, name, func() error {
		return page(title, body).Render(ctx, &buf)
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err = buf.WriteTo(w)
	return err
}

func observeCharts(m *metrics.FrontendMetrics, charts ...chart) {
	if m == nil {
		return
	}
	for _, c := range charts {
		m.ChartPoints.WithLabelValues(c.Title).Observe(float64(c.pointCount()))
	}
}

// trackRender times fn under the page label and counts its failures.
func trackRender(m *metrics.FrontendMetrics, page string, fn func() error) error {
	if m == nil {
		return fn()
	}

	timer := prometheus.NewTimer(m.RenderDuration.WithLabelValues(page))
	defer timer.ObserveDuration()

	if err := fn(); err != nil {
		m.RenderErrors.WithLabelValues(page).Inc()
		return err
	}

	return nil
}
