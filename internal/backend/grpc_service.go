package backend

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/metrics-hub/pkg/hubrpc"
	"procodus.dev/metrics-hub/pkg/metrics"
	"procodus.dev/metrics-hub/pkg/telemetry"
)

// HubService implements the MetricsHub gRPC service.
type HubService struct {
	logger   *slog.Logger
	ingester Ingester
	querier  Querier
	metrics  *metrics.BackendMetrics // Optional metrics
}

// NewHubService creates a new HubService instance.
func NewHubService(logger *slog.Logger, ingester Ingester, querier Querier, m *metrics.BackendMetrics) (*HubService, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	if querier == nil {
		return nil, errors.New("querier cannot be nil")
	}

	return &HubService{
		logger:   logger,
		ingester: ingester,
		querier:  querier,
		metrics:  m,
	}, nil
}

// track instruments one RPC and returns a func that records its outcome.
func (s *HubService) track(method string) func(err error) {
	if s.metrics == nil {
		return func(error) {}
	}

	s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Inc()
	timer := prometheus.NewTimer(s.metrics.GRPCRequestDuration.WithLabelValues(method))

	return func(err error) {
		timer.ObserveDuration()
		s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Dec()
		result := "success"
		if err != nil {
			result = "error"
		}
		s.metrics.GRPCRequestsTotal.WithLabelValues(method, result).Inc()
	}
}

// Ingest decodes and persists one submission.
func (s *HubService) Ingest(ctx context.Context, req *hubrpc.IngestRequest) (resp *hubrpc.IngestResponse, err error) {
	done := s.track("Ingest")
	defer func() { done(err) }()

	sub, err := telemetry.DecodeBytes(req.Submission)
	if err != nil {
		return nil, ingestStatus(err)
	}

	result, err := s.ingester.Ingest(ctx, sub)
	if err != nil {
		if !IsBadInput(err) {
			s.logger.Error("ingest failed", "guid", sub.GUID, "error", err)
		}
		return nil, ingestStatus(err)
	}

	return &hubrpc.IngestResponse{
		AggregatorID:       uint64(result.AggregatorID),
		AggregatorCreated:  result.AggregatorCreated,
		DevicesCreated:     int32(result.DevicesCreated),
		MetricTypesCreated: int32(result.MetricTypesCreated),
		Snapshots:          int32(result.Snapshots),
		Metrics:            int32(result.Metrics),
		ConflictsResolved:  int32(result.ConflictsResolved),
	}, nil
}

// ingestStatus maps an ingestion error to a gRPC status.
func ingestStatus(err error) error {
	var vErr *telemetry.ValidationError
	switch {
	case errors.As(err, &vErr):
		st := status.New(codes.InvalidArgument, err.Error())
		br := &errdetails.BadRequest{}
		for _, v := range vErr.Violations {
			br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
				Field:       v.Field,
				Description: v.Description,
			})
		}
		if detailed, detailErr := st.WithDetails(br); detailErr == nil {
			return detailed.Err()
		}
		return st.Err()
	case errors.Is(err, ErrAggregatorNameMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case IsConflict(err):
		return status.Error(codes.Aborted, err.Error())
	case IsTimeout(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, "failed to ingest submission")
	}
}

// SeriesFor returns the values of one metric.
func (s *HubService) SeriesFor(ctx context.Context, req *hubrpc.SeriesRequest) (resp *hubrpc.SeriesResponse, err error) {
	done := s.track("SeriesFor")
	defer func() { done(err) }()

	if req.MetricName == "" {
		return nil, status.Error(codes.InvalidArgument, "metric_name cannot be empty")
	}

	order, err := ParseOrder(req.Order)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	points, err := s.querier.SeriesFor(ctx, SeriesQuery{
		MetricName:   req.MetricName,
		AggregatorID: uint(req.AggregatorID),
		Order:        order,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to fetch series: %v", err)
	}

	out := make([]hubrpc.Point, len(points))
	for i, p := range points {
		out[i] = hubrpc.Point{
			Timestamp:      p.Timestamp,
			MetricName:     req.MetricName,
			AggregatorName: p.AggregatorName,
			Value:          p.Value,
		}
	}

	return &hubrpc.SeriesResponse{Points: out}, nil
}

// LatestFor returns the most recent value of one metric.
func (s *HubService) LatestFor(ctx context.Context, req *hubrpc.LatestRequest) (resp *hubrpc.LatestResponse, err error) {
	done := s.track("LatestFor")
	defer func() { done(err) }()

	if req.MetricName == "" {
		return nil, status.Error(codes.InvalidArgument, "metric_name cannot be empty")
	}

	point, found, err := s.querier.LatestFor(ctx, req.MetricName, uint(req.AggregatorID))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to fetch latest value: %v", err)
	}
	if !found {
		return &hubrpc.LatestResponse{Found: false}, nil
	}

	return &hubrpc.LatestResponse{
		Found: true,
		Point: &hubrpc.Point{
			Timestamp:      point.Timestamp,
			MetricName:     req.MetricName,
			AggregatorName: point.AggregatorName,
			Value:          point.Value,
		},
	}, nil
}

// PatternSeriesFor returns the values of every metric matching a LIKE pattern.
func (s *HubService) PatternSeriesFor(ctx context.Context, req *hubrpc.PatternSeriesRequest) (resp *hubrpc.SeriesResponse, err error) {
	done := s.track("PatternSeriesFor")
	defer func() { done(err) }()

	if req.Pattern == "" {
		return nil, status.Error(codes.InvalidArgument, "pattern cannot be empty")
	}

	order, err := ParseOrder(req.Order)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	points, err := s.querier.PatternSeriesFor(ctx, req.Pattern, order)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to fetch pattern series: %v", err)
	}

	out := make([]hubrpc.Point, len(points))
	for i, p := range points {
		out[i] = hubrpc.Point{
			Timestamp:      p.Timestamp,
			MetricName:     p.MetricName,
			AggregatorName: p.AggregatorName,
			Value:          p.Value,
		}
	}

	return &hubrpc.SeriesResponse{Points: out}, nil
}

// ListAggregators returns every stored aggregator.
func (s *HubService) ListAggregators(ctx context.Context, _ *hubrpc.ListAggregatorsRequest) (resp *hubrpc.ListAggregatorsResponse, err error) {
	done := s.track("ListAggregators")
	defer func() { done(err) }()

	aggs, err := s.querier.ListAggregators(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list aggregators: %v", err)
	}

	out := make([]hubrpc.Aggregator, len(aggs))
	for i, a := range aggs {
		out[i] = hubrpc.Aggregator{
			ID:          uint64(a.ID),
			GUID:        a.GUID,
			Name:        a.Name,
			DeviceCount: a.DeviceCount,
			CreatedAt:   a.CreatedAt,
		}
	}

	return &hubrpc.ListAggregatorsResponse{Aggregators: out}, nil
}

var _ hubrpc.MetricsHubServer = (*HubService)(nil)
