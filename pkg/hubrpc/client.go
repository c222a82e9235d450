package hubrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"procodus.dev/metrics-hub/pkg/telemetry"
)

// MetricsHubClient is the client API for the MetricsHub service.
type MetricsHubClient interface {
	Ingest(ctx context.Context, in *IngestRequest, opts ...grpc.CallOption) (*IngestResponse, error)
	SeriesFor(ctx context.Context, in *SeriesRequest, opts ...grpc.CallOption) (*SeriesResponse, error)
	LatestFor(ctx context.Context, in *LatestRequest, opts ...grpc.CallOption) (*LatestResponse, error)
	PatternSeriesFor(ctx context.Context, in *PatternSeriesRequest, opts ...grpc.CallOption) (*SeriesResponse, error)
	ListAggregators(ctx context.Context, in *ListAggregatorsRequest, opts ...grpc.CallOption) (*ListAggregatorsResponse, error)
}

type metricsHubClient struct {
	cc grpc.ClientConnInterface
}

// NewMetricsHubClient creates a client on an existing connection. Every call
// uses the JSON codec.
func NewMetricsHubClient(cc grpc.ClientConnInterface) MetricsHubClient {
	return &metricsHubClient{cc: cc}
}

// Dial opens an insecure client connection to a hub backend.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}
	return conn, nil
}

// NewIngestRequest encodes a submission for Ingest.
func NewIngestRequest(sub *telemetry.Submission) (*IngestRequest, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}
	return &IngestRequest{Submission: data}, nil
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *metricsHubClient) Ingest(ctx context.Context, in *IngestRequest, opts ...grpc.CallOption) (*IngestResponse, error) {
	return invoke[IngestResponse](ctx, c.cc, IngestFullMethod, in, opts)
}

func (c *metricsHubClient) SeriesFor(ctx context.Context, in *SeriesRequest, opts ...grpc.CallOption) (*SeriesResponse, error) {
	return invoke[SeriesResponse](ctx, c.cc, SeriesForFullMethod, in, opts)
}

func (c *metricsHubClient) LatestFor(ctx context.Context, in *LatestRequest, opts ...grpc.CallOption) (*LatestResponse, error) {
	return invoke[LatestResponse](ctx, c.cc, LatestForFullMethod, in, opts)
}

func (c *metricsHubClient) PatternSeriesFor(ctx context.Context, in *PatternSeriesRequest, opts ...grpc.CallOption) (*SeriesResponse, error) {
	return invoke[SeriesResponse](ctx, c.cc, PatternSeriesForFullMethod, in, opts)
}

func (c *metricsHubClient) ListAggregators(ctx context.Context, in *ListAggregatorsRequest, opts ...grpc.CallOption) (*ListAggregatorsResponse, error) {
	return invoke[ListAggregatorsResponse](ctx, c.cc, ListAggregatorsFullMethod, in, opts)
}
