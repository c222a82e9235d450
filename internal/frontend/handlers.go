// Package frontend serves the metrics hub dashboard. All data comes from the
// backend's query operations over gRPC.
package frontend

import (
	"context"
	"net/http"
	"strconv"

	"procodus.dev/metrics-hub/pkg/hubrpc"
)

// handleIndex serves the aggregator overview.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("handling index request")

	ctx, cancel := context.WithTimeout(r.Context(), s.queryTimeout)
	defer cancel()

	resp, err := s.client.ListAggregators(ctx, &hubrpc.ListAggregatorsRequest{})
	if err != nil {
		s.logger.Error("failed to fetch aggregators", "error", err)
		http.Error(w, "Failed to fetch aggregators", http.StatusInternalServerError)
		return
	}

	if err := renderPage(r.Context(), w, s.metrics, "overview", "Aggregators", overview(resp.Aggregators)); err != nil {
		s.logger.Error("failed to render overview", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// handleSystem serves the system metric charts and, for a selected
// aggregator, the latest value of each metric.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var selected uint64
	if raw := r.URL.Query().Get("aggregator"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			http.Error(w, "Invalid aggregator id", http.StatusBadRequest)
			return
		}
		selected = id
	}
	s.logger.Debug("handling system request", "aggregator_id", selected)

	ctx, cancel := context.WithTimeout(r.Context(), s.queryTimeout)
	defer cancel()

	aggs, err := s.client.ListAggregators(ctx, &hubrpc.ListAggregatorsRequest{})
	if err != nil {
		s.logger.Error("failed to fetch aggregators", "error", err)
		http.Error(w, "Failed to fetch aggregators", http.StatusInternalServerError)
		return
	}

	view := systemView{
		Aggregators: aggs.Aggregators,
		Selected:    selected,
		Charts:      make([]chart, 0, len(s.systemMetrics)),
	}

	for _, name := range s.systemMetrics {
		resp, err := s.client.SeriesFor(ctx, &hubrpc.SeriesRequest{MetricName: name})
		if err != nil {
			s.logger.Error("failed to fetch series", "error", err, "metric", name)
			http.Error(w, "Failed to fetch series", http.StatusInternalServerError)
			return
		}
		view.Charts = append(view.Charts, chart{Title: name, Series: seriesByAggregator(resp.Points)})

		if selected == 0 {
			continue
		}

		latest, err := s.client.LatestFor(ctx, &hubrpc.LatestRequest{MetricName: name, AggregatorID: selected})
		if err != nil {
			s.logger.Error("failed to fetch latest value", "error", err, "metric", name, "aggregator_id", selected)
			http.Error(w, "Failed to fetch latest value", http.StatusInternalServerError)
			return
		}
		g := gauge{Metric: name, Found: latest.Found && latest.Point != nil}
		if g.Found {
			g.Value = latest.Point.Value
			g.Timestamp = latest.Point.Timestamp
		}
		view.Gauges = append(view.Gauges, g)
	}

	observeCharts(s.metrics, view.Charts...)

	if err := renderPage(r.Context(), w, s.metrics, "system", "System", systemPage(view)); err != nil {
		s.logger.Error("failed to render system page", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// handleStocks serves stock quotes normalized to percent change.
func (s *Server) handleStocks(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("handling stocks request")

	ctx, cancel := context.WithTimeout(r.Context(), s.queryTimeout)
	defer cancel()

	resp, err := s.client.PatternSeriesFor(ctx, &hubrpc.PatternSeriesRequest{Pattern: StockPricePattern})
	if err != nil {
		s.logger.Error("failed to fetch stock series", "error", err)
		http.Error(w, "Failed to fetch stock series", http.StatusInternalServerError)
		return
	}

	c := chart{Title: "Stock Prices", Unit: "%", Series: normalizeStocks(resp.Points, s.stockSymbols)}
	observeCharts(s.metrics, c)

	if err := renderPage(r.Context(), w, s.metrics, "stocks", "Stocks", stocksPage(stocksView{Chart: c})); err != nil {
		s.logger.Error("failed to render stocks page", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// handleHealth serves health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		s.logger.Error("failed to write health response", "error", err)
	}
}
