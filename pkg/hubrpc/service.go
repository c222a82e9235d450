// Package hubrpc defines the metrics hub gRPC contract: the service
// descriptor, its request and response messages and a typed client. Messages
// are plain Go structs carried by the JSON codec registered in this package.
package hubrpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "metricshub.v1.MetricsHub"

// Full method names.
const (
	IngestFullMethod           = "/" + ServiceName + "/Ingest"
	SeriesForFullMethod        = "/" + ServiceName + "/SeriesFor"
	LatestForFullMethod        = "/" + ServiceName + "/LatestFor"
	PatternSeriesForFullMethod = "/" + ServiceName + "/PatternSeriesFor"
	ListAggregatorsFullMethod  = "/" + ServiceName + "/ListAggregators"
)

// MetricsHubServer is the server API for the MetricsHub service.
type MetricsHubServer interface {
	Ingest(context.Context, *IngestRequest) (*IngestResponse, error)
	SeriesFor(context.Context, *SeriesRequest) (*SeriesResponse, error)
	LatestFor(context.Context, *LatestRequest) (*LatestResponse, error)
	PatternSeriesFor(context.Context, *PatternSeriesRequest) (*SeriesResponse, error)
	ListAggregators(context.Context, *ListAggregatorsRequest) (*ListAggregatorsResponse, error)
}

// ServiceDesc is the grpc.ServiceDesc for the MetricsHub service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MetricsHubServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Ingest",
			Handler:    unaryHandler(IngestFullMethod, MetricsHubServer.Ingest),
		},
		{
			MethodName: "SeriesFor",
			Handler:    unaryHandler(SeriesForFullMethod, MetricsHubServer.SeriesFor),
		},
		{
			MethodName: "LatestFor",
			Handler:    unaryHandler(LatestForFullMethod, MetricsHubServer.LatestFor),
		},
		{
			MethodName: "PatternSeriesFor",
			Handler:    unaryHandler(PatternSeriesForFullMethod, MetricsHubServer.PatternSeriesFor),
		},
		{
			MethodName: "ListAggregators",
			Handler:    unaryHandler(ListAggregatorsFullMethod, MetricsHubServer.ListAggregators),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "metricshub/v1/metricshub.json",
}

// RegisterMetricsHubServer registers srv with s.
func RegisterMetricsHubServer(s grpc.ServiceRegistrar, srv MetricsHubServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler[Req, Resp any](fullMethod string, call func(MetricsHubServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MetricsHubServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MetricsHubServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
