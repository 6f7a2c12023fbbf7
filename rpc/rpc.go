// Package rpc is chatterd's control API. Requests and replies travel as
// structpb values so that the service needs no generated code.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "chatter.API"

// Request names the router a per-router call is about.
type Request struct {
	Router string `json:"router,omitempty"`
}

type APIService interface {
	GetVersion(ctx context.Context) (string, error)
	Shutdown(ctx context.Context) error
	GetServices(ctx context.Context) ([]Service, error)

	GetRouters(ctx context.Context) ([]Router, error)
	GetBGPSessions(ctx context.Context, router string) ([]BGPSession, error)
	GetBGPTable(ctx context.Context, router string) ([]BGPEntry, error)
	GetOSPFInterfaces(ctx context.Context, router string) ([]OSPFInterface, error)
	GetLSDB(ctx context.Context, router string) ([]LSA, error)
	GetRoutes(ctx context.Context, router string) ([]Route, error)
	GetKernelRoutes(ctx context.Context, router string) ([]Route, error)
}

type handler func(svc APIService, ctx context.Context, req *Request) (any, error)

var handlers = []struct {
	name string
	fn   handler
}{
	{"GetVersion", func(svc APIService, ctx context.Context, req *Request) (any, error) {
		return svc.GetVersion(ctx)
	}},
	{"Shutdown", func(svc APIService, ctx context.Context, req *Request) (any, error) {
		return nil, svc.Shutdown(ctx)
	}},
	{"GetServices", func(svc APIService, ctx context.Context, req *Request) (any, error) {
		return svc.GetServices(ctx)
	}},
	{"GetRouters", func(svc APIService, ctx context.Context, req *Request) (any, error) {
		return svc.GetRouters(ctx)
	}},
	{"GetBGPSessions", func(svc APIService, ctx context.Context, req *Request) (any, error) {
		return svc.GetBGPSessions(ctx, req.Router)
	}},
	{"GetBGPTable", func(svc APIService, ctx context.Context, req *Request) (any, error) {
		return svc.GetBGPTable(ctx, req.Router)
	}},
	{"GetOSPFInterfaces", func(svc APIService, ctx context.Context, req *Request) (any, error) {
		return svc.GetOSPFInterfaces(ctx, req.Router)
	}},
	{"GetLSDB", func(svc APIService, ctx context.Context, req *Request) (any, error) {
		return svc.GetLSDB(ctx, req.Router)
	}},
	{"GetRoutes", func(svc APIService, ctx context.Context, req *Request) (any, error) {
		return svc.GetRoutes(ctx, req.Router)
	}},
	{"GetKernelRoutes", func(svc APIService, ctx context.Context, req *Request) (any, error) {
		return svc.GetKernelRoutes(ctx, req.Router)
	}},
}

func serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*APIService)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "rpc.go",
	}

	for _, h := range handlers {
		desc.Methods = append(desc.Methods, methodDesc(h.name, h.fn))
	}

	return desc
}

func methodDesc(name string, fn handler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}

			call := func(ctx context.Context, req any) (any, error) {
				var r Request
				if err := decode(structpb.NewStructValue(req.(*structpb.Struct)), &r); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
				}

				out, err := fn(srv.(APIService), ctx, &r)
				if err != nil {
					return nil, err
				}
				return encode(out)
			}

			if interceptor == nil {
				return call(ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			return interceptor(ctx, in, info, call)
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Register adds svc to s.
func Register(s *grpc.Server, svc APIService) {
	s.RegisterService(serviceDesc(), svc)
}

func encode(v any) (*structpb.Value, error) {
	if v == nil {
		return structpb.NewNullValue(), nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}

	out := new(structpb.Value)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	return out, nil
}

func decode(v *structpb.Value, out any) error {
	b, err := protojson.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}

	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}
	return nil
}
