package transport

import (
	"context"
	"encoding/json"

	"github.com/Mathew-Estafanous/singlemaster"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "singlemaster.ClusterService"

const (
	methodPing            = "Ping"
	methodPutClusterState = "PutClusterState"
	methodStoreUpdate     = "StoreUpdate"
	methodStoreData       = "StoreData"
)

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// clusterServer is the server API of the cluster service. Requests other
// than pings carry their JSON encoding in a BytesValue.
type clusterServer interface {
	Ping(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	PutClusterState(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	StoreUpdate(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	StoreData(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var clusterServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*clusterServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodPing, clusterServer.Ping),
		unary(methodPutClusterState, clusterServer.PutClusterState),
		unary(methodStoreUpdate, clusterServer.StoreUpdate),
		unary(methodStoreData, clusterServer.StoreData),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "singlemaster/cluster.proto",
}

// unary builds the method descriptor of a unary call of the cluster service.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}](name string, call func(clusterServer, context.Context, PReq) (*emptypb.Empty, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(clusterServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(clusterServer), ctx, req.(PReq))
			})
		},
	}
}

// grpcTransportServer implements the gRPC server of the cluster service
type grpcTransportServer struct {
	r singlemaster.RequestHandler
}

func (g *grpcTransportServer) Ping(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func (g *grpcTransportServer) PutClusterState(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	req := &singlemaster.ClusterStateRequest{}
	if err := decode(in, req); err != nil {
		return nil, err
	}
	g.r.OnClusterState(req)
	return &emptypb.Empty{}, nil
}

func (g *grpcTransportServer) StoreUpdate(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	req := &singlemaster.StoreUpdateRequest{}
	if err := decode(in, req); err != nil {
		return nil, err
	}
	g.r.OnStoreUpdate(req)
	return &emptypb.Empty{}, nil
}

func (g *grpcTransportServer) StoreData(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	req := &singlemaster.StoreDataRequest{}
	if err := decode(in, req); err != nil {
		return nil, err
	}
	g.r.OnStoreData(req)
	return &emptypb.Empty{}, nil
}

func decode(in *wrapperspb.BytesValue, v any) error {
	if err := json.Unmarshal(in.GetValue(), v); err != nil {
		return status.Errorf(codes.InvalidArgument, "%v: %v", ErrInvalidRequestType, err)
	}
	return nil
}
