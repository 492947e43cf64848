// Package grpc exposes day runs over gRPC as ghlake.v1.PipelineService.
// Requests and responses are google.protobuf.Struct messages, so the service
// needs no generated code: the descriptor below is registered by hand.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "ghlake.v1.PipelineService"

const (
	runDayMethod = "/" + ServiceName + "/RunDay"
	getDayMethod = "/" + ServiceName + "/GetDay"
)

// PipelineServer is the server API for PipelineService.
type PipelineServer interface {
	// RunDay processes {"day": "YYYY-MM-DD"} and returns the run report.
	RunDay(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

	// GetDay returns the latest recorded run for {"day": "YYYY-MM-DD"}.
	GetDay(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes PipelineService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PipelineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunDay", Handler: runDayHandler},
		{MethodName: "GetDay", Handler: getDayHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterPipelineServer registers srv on s.
func RegisterPipelineServer(s grpc.ServiceRegistrar, srv PipelineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func runDayHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PipelineServer).RunDay(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runDayMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PipelineServer).RunDay(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getDayHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PipelineServer).GetDay(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getDayMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PipelineServer).GetDay(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls PipelineService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// RunDay runs day on the server and returns the report.
func (c *Client) RunDay(ctx context.Context, day string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, runDayMethod, day, opts)
}

// GetDay returns the latest recorded run for day.
func (c *Client) GetDay(ctx context.Context, day string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, getDayMethod, day, opts)
}

func (c *Client) call(ctx context.Context, method, day string, opts []grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"day": day})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
