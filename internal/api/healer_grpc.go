package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.heal.v1.HealerEngine"

// Method names of the HealerEngine service.
const (
	MethodIngestMetric            = "IngestMetric"
	MethodGetPlan                 = "GetPlan"
	MethodExecutePlan             = "ExecutePlan"
	MethodRollback                = "Rollback"
	MethodGetPredictedSuccessRate = "GetPredictedSuccessRate"
	MethodGetSystemHealth         = "GetSystemHealth"
)

// HealerEngineServer is the server API for the HealerEngine service. Every
// request and response is a google.protobuf.Struct.
type HealerEngineServer interface {
	IngestMetric(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPlan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExecutePlan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Rollback(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPredictedSuccessRate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSystemHealth(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedHealerEngineServer can be embedded for forward compatibility.
type UnimplementedHealerEngineServer struct{}

func (UnimplementedHealerEngineServer) IngestMetric(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method IngestMetric not implemented")
}

func (UnimplementedHealerEngineServer) GetPlan(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetPlan not implemented")
}

func (UnimplementedHealerEngineServer) ExecutePlan(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ExecutePlan not implemented")
}

func (UnimplementedHealerEngineServer) Rollback(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Rollback not implemented")
}

func (UnimplementedHealerEngineServer) GetPredictedSuccessRate(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetPredictedSuccessRate not implemented")
}

func (UnimplementedHealerEngineServer) GetSystemHealth(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetSystemHealth not implemented")
}

type unaryCall func(HealerEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(HealerEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(HealerEngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// HealerEngineServiceDesc describes the HealerEngine service for grpc.Server.
var HealerEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HealerEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodIngestMetric, Handler: unaryHandler(MethodIngestMetric, HealerEngineServer.IngestMetric)},
		{MethodName: MethodGetPlan, Handler: unaryHandler(MethodGetPlan, HealerEngineServer.GetPlan)},
		{MethodName: MethodExecutePlan, Handler: unaryHandler(MethodExecutePlan, HealerEngineServer.ExecutePlan)},
		{MethodName: MethodRollback, Handler: unaryHandler(MethodRollback, HealerEngineServer.Rollback)},
		{MethodName: MethodGetPredictedSuccessRate, Handler: unaryHandler(MethodGetPredictedSuccessRate, HealerEngineServer.GetPredictedSuccessRate)},
		{MethodName: MethodGetSystemHealth, Handler: unaryHandler(MethodGetSystemHealth, HealerEngineServer.GetSystemHealth)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterHealerEngineServer registers srv on s.
func RegisterHealerEngineServer(s grpc.ServiceRegistrar, srv HealerEngineServer) {
	s.RegisterService(&HealerEngineServiceDesc, srv)
}

// HealerEngineClient is the client API for the HealerEngine service.
type HealerEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewHealerEngineClient wraps a client connection.
func NewHealerEngineClient(cc grpc.ClientConnInterface) *HealerEngineClient {
	return &HealerEngineClient{cc: cc}
}

// Call invokes one unary method by name.
func (c *HealerEngineClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
