package strategy

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"strategy-engine/internal/market"
)

type signalWorker interface {
	ComputeIndicators(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Signal(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// WorkerServer serves a registry's built-in sources to Remote clients.
type WorkerServer struct {
	registry *Registry
}

// RegisterWorker attaches the signal worker service to s.
func RegisterWorker(s *grpc.Server, registry *Registry) {
	s.RegisterService(&workerServiceDesc, &WorkerServer{registry: registry})
}

func (w *WorkerServer) source(req *structpb.Struct) (Source, error) {
	f := req.GetFields()
	src, err := w.registry.Build(f["source"].GetStringValue(), f["parameters"].GetStructValue().AsMap())
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return src, nil
}

func (w *WorkerServer) ComputeIndicators(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	src, err := w.source(req)
	if err != nil {
		return nil, err
	}
	list := req.GetFields()["bars"].GetListValue().GetValues()
	bars := make([]market.Bar, 0, len(list))
	for _, v := range list {
		bars = append(bars, barFromFields(v.GetStructValue()))
	}
	rows, err := src.ComputeIndicators(ctx, bars)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		values := make(map[string]any, len(row.Values))
		for k, v := range row.Values {
			values[k] = v
		}
		out = append(out, map[string]any{"values": values})
	}
	return structpb.NewStruct(map[string]any{"rows": out})
}

func (w *WorkerServer) Signal(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	src, err := w.source(req)
	if err != nil {
		return nil, err
	}
	f := req.GetFields()
	row := Row{Bar: barFromFields(f["bar"].GetStructValue()), Values: numberMap(f["values"].GetStructValue())}
	action, err := src.Signal(ctx, row)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"signal": string(action)})
}

func unaryHandler(call func(signalWorker, context.Context, *structpb.Struct) (*structpb.Struct, error), fullMethod string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(signalWorker), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(signalWorker), ctx, req.(*structpb.Struct))
		})
	}
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: workerService,
	HandlerType: (*signalWorker)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ComputeIndicators",
			Handler:    unaryHandler(signalWorker.ComputeIndicators, methodComputeIndicators),
		},
		{
			MethodName: "Signal",
			Handler:    unaryHandler(signalWorker.Signal, methodSignal),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "signals/v1/worker.proto",
}
