// Package proto declares the IntegrationPoint gRPC service. The service has a
// single unary Invoke method carrying the JSON request envelope, so the
// descriptor is written by hand instead of generated from a .proto file.
package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"yqhp/taskbus/pkg/codec"
	"yqhp/taskbus/pkg/types"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "taskbus.IntegrationPoint"
	// InvokeMethod is the full method name of Invoke.
	InvokeMethod = "/" + ServiceName + "/Invoke"
)

func init() {
	encoding.RegisterCodec(codec.JSON{})
}

// IntegrationPointServer is the server API for the IntegrationPoint service.
type IntegrationPointServer interface {
	Invoke(context.Context, *types.Request) (*types.Response, error)
}

// RegisterIntegrationPointServer registers srv on s.
func RegisterIntegrationPointServer(s grpc.ServiceRegistrar, srv IntegrationPointServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(types.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntegrationPointServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: InvokeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntegrationPointServer).Invoke(ctx, req.(*types.Request))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc for the IntegrationPoint service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IntegrationPointServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "taskbus/integration_point",
}

// IntegrationPointClient is the client API for the IntegrationPoint service.
type IntegrationPointClient interface {
	Invoke(ctx context.Context, in *types.Request, opts ...grpc.CallOption) (*types.Response, error)
}

type integrationPointClient struct {
	cc grpc.ClientConnInterface
}

// NewIntegrationPointClient creates a client on cc. Calls always use the
// JSON content subtype.
func NewIntegrationPointClient(cc grpc.ClientConnInterface) IntegrationPointClient {
	return &integrationPointClient{cc: cc}
}

func (c *integrationPointClient) Invoke(ctx context.Context, in *types.Request, opts ...grpc.CallOption) (*types.Response, error) {
	out := new(types.Response)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codec.Name)}, opts...)
	if err := c.cc.Invoke(ctx, InvokeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
