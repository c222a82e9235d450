package hubrpc

import (
	"encoding/json"
	"time"
)

// IngestRequest carries one JSON submission. The server decodes it strictly.
type IngestRequest struct {
	Submission json.RawMessage `json:"submission"`
}

// IngestResponse summarizes a committed submission.
type IngestResponse struct {
	AggregatorID       uint64 `json:"aggregator_id"`
	AggregatorCreated  bool   `json:"aggregator_created"`
	DevicesCreated     int32  `json:"devices_created"`
	MetricTypesCreated int32  `json:"metric_types_created"`
	Snapshots          int32  `json:"snapshots"`
	Metrics            int32  `json:"metrics"`
	ConflictsResolved  int32  `json:"conflicts_resolved"`
}

// SeriesRequest selects a series by exact metric name. AggregatorID 0 means all.
type SeriesRequest struct {
	MetricName   string `json:"metric_name"`
	Order        string `json:"order,omitempty"`
	AggregatorID uint64 `json:"aggregator_id,omitempty"`
}

// PatternSeriesRequest selects series whose metric name matches a LIKE pattern.
type PatternSeriesRequest struct {
	Pattern string `json:"pattern"`
	Order   string `json:"order,omitempty"`
}

// Point is one series value.
type Point struct {
	Timestamp      time.Time `json:"timestamp"`
	MetricName     string    `json:"metric_name,omitempty"`
	AggregatorName string    `json:"aggregator_name"`
	Value          float64   `json:"value"`
}

// SeriesResponse is an ordered list of points.
type SeriesResponse struct {
	Points []Point `json:"points"`
}

// LatestRequest asks for the most recent value of a metric.
type LatestRequest struct {
	MetricName   string `json:"metric_name"`
	AggregatorID uint64 `json:"aggregator_id,omitempty"`
}

// LatestResponse holds the latest point; Found is false when there is none.
type LatestResponse struct {
	Point *Point `json:"point,omitempty"`
	Found bool   `json:"found"`
}

// ListAggregatorsRequest has no parameters.
type ListAggregatorsRequest struct{}

// Aggregator describes a stored aggregator.
type Aggregator struct {
	CreatedAt   time.Time `json:"created_at"`
	GUID        string    `json:"guid"`
	Name        string    `json:"name"`
	DeviceCount int64     `json:"device_count"`
	ID          uint64    `json:"id"`
}

// ListAggregatorsResponse lists every aggregator.
type ListAggregatorsResponse struct {
	Aggregators []Aggregator `json:"aggregators"`
}
