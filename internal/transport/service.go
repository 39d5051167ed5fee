package transport

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName = "pairdb.cache.CacheNodeService"

	invokeMethod = "/" + serviceName + "/Invoke"
	ackMethod    = "/" + serviceName + "/Ack"
	viewMethod   = "/" + serviceName + "/View"
)

// CacheNodeServiceServer is the server API for node-to-node traffic
type CacheNodeServiceServer interface {
	Invoke(context.Context, *Request) (*Response, error)
	Ack(context.Context, *Request) (*Response, error)
	View(context.Context, *Request) (*Response, error)
}

// RegisterCacheNodeServiceServer registers srv with the gRPC server
func RegisterCacheNodeServiceServer(s grpc.ServiceRegistrar, srv CacheNodeServiceServer) {
	s.RegisterService(&CacheNodeServiceDesc, srv)
}

// CacheNodeServiceDesc describes the node-to-node service. Messages are
// encoded with the JSON codec registered in this package.
var CacheNodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CacheNodeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Ack", Handler: ackHandler},
		{MethodName: "View", Handler: viewHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cache_node",
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CacheNodeServiceServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CacheNodeServiceServer).Invoke(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

func ackHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CacheNodeServiceServer).Ack(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ackMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CacheNodeServiceServer).Ack(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

func viewHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CacheNodeServiceServer).View(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: viewMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CacheNodeServiceServer).View(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

// methodFor returns the RPC method that carries requests of type t
func methodFor(t RequestType) string {
	switch t {
	case RequestAck:
		return ackMethod
	case RequestView:
		return viewMethod
	default:
		return invokeMethod
	}
}
