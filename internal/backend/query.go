package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"procodus.dev/metrics-hub/pkg/metrics"
	"procodus.dev/metrics-hub/pkg/telemetry"
)

// Order is the sort direction of a series by client capture time.
type Order string

const (
	// OrderAsc sorts oldest first.
	OrderAsc Order = "asc"
	// OrderDesc sorts newest first.
	OrderDesc Order = "desc"
)

// ParseOrder parses "asc" or "desc"; the empty string means OrderAsc.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(s)) {
	case "", OrderAsc:
		return OrderAsc, nil
	case OrderDesc:
		return OrderDesc, nil
	default:
		return "", fmt.Errorf("invalid order %q (want asc or desc)", s)
	}
}

// SeriesQuery selects a metric series.
type SeriesQuery struct {
	MetricName   string
	Order        Order
	AggregatorID uint // 0 selects every aggregator
}

// SeriesPoint is one value of a series.
type SeriesPoint struct {
	Timestamp      time.Time `json:"timestamp"`
	AggregatorName string    `json:"aggregator_name"`
	Value          float64   `json:"value"`
}

// PatternPoint is one value of a pattern series; it carries the metric name
// that matched.
type PatternPoint struct {
	Timestamp      time.Time `json:"timestamp"`
	MetricName     string    `json:"metric_name"`
	AggregatorName string    `json:"aggregator_name"`
	Value          float64   `json:"value"`
}

// LatestPoint is the most recent value of a metric.
type LatestPoint struct {
	Timestamp      time.Time `json:"timestamp"`
	AggregatorName string    `json:"aggregator_name"`
	Value          float64   `json:"value"`
}

// AggregatorSummary describes one stored aggregator.
type AggregatorSummary struct {
	CreatedAt   time.Time `json:"created_at"`
	GUID        string    `json:"guid"`
	Name        string    `json:"name"`
	DeviceCount int64     `json:"device_count"`
	ID          uint      `json:"id"`
}

// QueryService is the read side of the hub. It holds no cache.
type QueryService struct {
	logger  *slog.Logger
	db      *gorm.DB
	metrics *metrics.BackendMetrics // Optional metrics
}

// NewQueryService creates a new QueryService instance.
func NewQueryService(logger *slog.Logger, db *gorm.DB, m *metrics.BackendMetrics) (*QueryService, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	return &QueryService{
		logger:  logger,
		db:      db,
		metrics: m,
	}, nil
}

type seriesRow struct {
	AggregatorName string
	MetricName     string
	Epoch          int64
	Value          float64
	MetricID       uint
}

func (r seriesRow) timestamp() time.Time {
	return time.Unix(r.Epoch, 0).UTC()
}

// seriesBase joins a metric value to its type, snapshot, device and aggregator.
func (s *QueryService) seriesBase(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("metrics").
		Select("snapshots.client_timestamp_epoch AS epoch, metrics.value AS value, " +
			"metrics.id AS metric_id, device_metric_types.name AS metric_name, aggregators.name AS aggregator_name").
		Joins("JOIN device_metric_types ON device_metric_types.id = metrics.metric_type_id").
		Joins("JOIN snapshots ON snapshots.id = metrics.snapshot_id").
		Joins("JOIN devices ON devices.id = snapshots.device_id").
		Joins("JOIN aggregators ON aggregators.id = devices.aggregator_id")
}

func orderClause(order Order) string {
	if order == OrderDesc {
		return "snapshots.client_timestamp_epoch DESC, metrics.id DESC"
	}
	return "snapshots.client_timestamp_epoch ASC, metrics.id ASC"
}

// SeriesFor returns every value of the named metric ordered by client capture
// time, ties broken by insertion order. No match is an empty result.
func (s *QueryService) SeriesFor(ctx context.Context, q SeriesQuery) ([]SeriesPoint, error) {
	defer s.track("series_for")()

	order, err := ParseOrder(string(q.Order))
	if err != nil {
		return nil, err
	}

	tx := s.seriesBase(ctx).Where("device_metric_types.name = ?", q.MetricName)
	if q.AggregatorID != 0 {
		tx = tx.Where("aggregators.id = ?", q.AggregatorID)
	}

	var rows []seriesRow
	if err := tx.Order(orderClause(order)).Scan(&rows).Error; err != nil {
		s.fail("series_for", err, "metric", q.MetricName, "aggregator_id", q.AggregatorID)
		return nil, fmt.Errorf("failed to query series %q: %w", q.MetricName, err)
	}

	points := make([]SeriesPoint, len(rows))
	for i, row := range rows {
		points[i] = SeriesPoint{
			Timestamp:      row.timestamp(),
			AggregatorName: row.AggregatorName,
			Value:          row.Value,
		}
	}

	s.succeed("series_for")
	return points, nil
}

// LatestFor returns the most recent value of the named metric. The boolean is
// false when there is none.
func (s *QueryService) LatestFor(ctx context.Context, metricName string, aggregatorID uint) (LatestPoint, bool, error) {
	defer s.track("latest_for")()

	tx := s.seriesBase(ctx).Where("device_metric_types.name = ?", metricName)
	if aggregatorID != 0 {
		tx = tx.Where("aggregators.id = ?", aggregatorID)
	}

	var rows []seriesRow
	if err := tx.Order(orderClause(OrderDesc)).Limit(1).Scan(&rows).Error; err != nil {
		s.fail("latest_for", err, "metric", metricName, "aggregator_id", aggregatorID)
		return LatestPoint{}, false, fmt.Errorf("failed to query latest %q: %w", metricName, err)
	}

	s.succeed("latest_for")
	if len(rows) == 0 {
		return LatestPoint{}, false, nil
	}

	return LatestPoint{
		Timestamp:      rows[0].timestamp(),
		AggregatorName: rows[0].AggregatorName,
		Value:          rows[0].Value,
	}, true, nil
}

// PatternSeriesFor returns every value whose metric name matches the SQL LIKE
// pattern, e.g. "Stock Price (%)".
func (s *QueryService) PatternSeriesFor(ctx context.Context, pattern string, order Order) ([]PatternPoint, error) {
	defer s.track("pattern_series_for")()

	order, err := ParseOrder(string(order))
	if err != nil {
		return nil, err
	}

	var rows []seriesRow
	err = s.seriesBase(ctx).
		Where("device_metric_types.name LIKE ?", pattern).
		Order(orderClause(order)).
		Scan(&rows).Error
	if err != nil {
		s.fail("pattern_series_for", err, "pattern", pattern)
		return nil, fmt.Errorf("failed to query pattern series %q: %w", pattern, err)
	}

	points := make([]PatternPoint, len(rows))
	for i, row := range rows {
		points[i] = PatternPoint{
			Timestamp:      row.timestamp(),
			MetricName:     row.MetricName,
			AggregatorName: row.AggregatorName,
			Value:          row.Value,
		}
	}

	s.succeed("pattern_series_for")
	return points, nil
}

// ListAggregators returns every aggregator with its device count.
func (s *QueryService) ListAggregators(ctx context.Context) ([]AggregatorSummary, error) {
	defer s.track("list_aggregators")()

	var summaries []AggregatorSummary
	err := s.db.WithContext(ctx).
		Model(&Aggregator{}).
		Select("aggregators.id, aggregators.guid, aggregators.name, aggregators.created_at, " +
			"(SELECT COUNT(*) FROM devices WHERE devices.aggregator_id = aggregators.id) AS device_count").
		Order("aggregators.name ASC, aggregators.id ASC").
		Scan(&summaries).Error
	if err != nil {
		s.fail("list_aggregators", err)
		return nil, fmt.Errorf("failed to list aggregators: %w", err)
	}

	if summaries == nil {
		summaries = []AggregatorSummary{}
	}

	s.succeed("list_aggregators")
	return summaries, nil
}

// ExportAggregators returns stored data in submission shape. An empty guid
// exports every aggregator; an unknown guid yields ErrNotFound.
func (s *QueryService) ExportAggregators(ctx context.Context, guid string) ([]telemetry.Submission, error) {
	defer s.track("export_aggregators")()

	tx := s.db.WithContext(ctx).
		Preload("Devices", func(db *gorm.DB) *gorm.DB { return db.Order("devices.id ASC") }).
		Preload("Devices.Snapshots", func(db *gorm.DB) *gorm.DB {
			return db.Order("snapshots.client_timestamp_epoch ASC, snapshots.id ASC")
		}).
		Preload("Devices.Snapshots.Metrics", func(db *gorm.DB) *gorm.DB { return db.Order("metrics.id ASC") }).
		Preload("Devices.Snapshots.Metrics.MetricType").
		Order("aggregators.id ASC")
	if guid != "" {
		tx = tx.Where("guid = ?", guid)
	}

	var aggregators []Aggregator
	if err := tx.Find(&aggregators).Error; err != nil {
		s.fail("export_aggregators", err, "guid", guid)
		return nil, fmt.Errorf("failed to export aggregators: %w", err)
	}

	if guid != "" && len(aggregators) == 0 {
		s.succeed("export_aggregators")
		return nil, fmt.Errorf("aggregator %q: %w", guid, ErrNotFound)
	}

	out := make([]telemetry.Submission, len(aggregators))
	for i, agg := range aggregators {
		out[i] = exportAggregator(agg)
	}

	s.succeed("export_aggregators")
	return out, nil
}

func exportAggregator(agg Aggregator) telemetry.Submission {
	sub := telemetry.Submission{
		GUID:    agg.GUID,
		Name:    agg.Name,
		Devices: make([]telemetry.Device, len(agg.Devices)),
	}

	for i, device := range agg.Devices {
		d := telemetry.Device{
			Name:      device.Name,
			Snapshots: make([]telemetry.Snapshot, len(device.Snapshots)),
		}
		for j, snap := range device.Snapshots {
			zone := time.FixedZone("", snap.ClientTimezoneMins*60)
			ts := telemetry.Snapshot{
				TimestampCapture: time.Unix(snap.ClientTimestampEpoch, 0).In(zone),
				TimezoneMins:     snap.ClientTimezoneMins,
				Metrics:          make([]telemetry.Metric, 0, len(snap.Metrics)),
			}
			for _, metric := range snap.Metrics {
				name := ""
				if metric.MetricType != nil {
					name = metric.MetricType.Name
				}
				ts.Metrics = append(ts.Metrics, telemetry.Metric{Name: name, Value: metric.Value})
			}
			d.Snapshots[j] = ts
		}
		sub.Devices[i] = d
	}

	return sub
}

func (s *QueryService) track(operation string) func() {
	if s.metrics == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(s.metrics.QueryDuration.WithLabelValues(operation))
	return func() { timer.ObserveDuration() }
}

func (s *QueryService) succeed(operation string) {
	if s.metrics != nil {
		s.metrics.QueryTotal.WithLabelValues(operation, "success").Inc()
	}
}

func (s *QueryService) fail(operation string, err error, attrs ...any) {
	s.logger.Error("query failed", append([]any{"operation", operation, "error", err}, attrs...)...)
	if s.metrics != nil {
		s.metrics.QueryTotal.WithLabelValues(operation, "error").Inc()
	}
}
