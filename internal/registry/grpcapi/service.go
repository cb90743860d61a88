// Package grpcapi exposes a ledger.Registry as the braided.ledger.v1.Registry
// gRPC service and provides a client that implements ledger.Registry on top
// of it.
//
// Messages are google.protobuf.Struct values so the package needs no protoc
// toolchain. Block numbers, strand ids and sequences travel as decimal
// strings to stay exact above 2^53.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "braided.ledger.v1.Registry"

const (
	methodOverview           = "Overview"
	methodStrand             = "Strand"
	methodStrandAt           = "StrandAt"
	methodIsAgent            = "IsAgent"
	methodHighestBlockNumber = "HighestBlockNumber"
	methodLowestBlockNumber  = "LowestBlockNumber"
	methodBlockHash          = "BlockHash"
	methodPreviousCheckpoint = "PreviousCheckpoint"
	methodNextSequence       = "NextSequence"
	methodVerify             = "Verify"
	methodAddStrand          = "AddStrand"
	methodAddAgent           = "AddAgent"
	methodRemoveAgent        = "RemoveAgent"
	methodTransferOwnership  = "TransferOwnership"
	methodAppendCheckpoint   = "AppendCheckpoint"
	streamSubscribe          = "SubscribeCheckpoints"
)

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// RegistryServer is the server API for the Registry service.
type RegistryServer interface {
	Overview(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Strand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StrandAt(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HighestBlockNumber(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LowestBlockNumber(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BlockHash(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PreviousCheckpoint(context.Context, *structpb.Struct) (*structpb.Struct, error)
	NextSequence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Verify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddStrand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransferOwnership(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AppendCheckpoint(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubscribeCheckpoints(*structpb.Struct, grpc.ServerStream) error
}

// RegisterRegistryServer registers the Registry service on a gRPC server.
func RegisterRegistryServer(s grpc.ServiceRegistrar, srv RegistryServer) {
	s.RegisterService(&Registry_ServiceDesc, srv)
}

type unaryCall func(srv RegistryServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// unary builds the method handler for one Struct-in Struct-out RPC.
func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RegistryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(RegistryServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func _Registry_SubscribeCheckpoints_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RegistryServer).SubscribeCheckpoints(in, stream)
}

// Registry_ServiceDesc is the grpc.ServiceDesc for the Registry service.
var Registry_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RegistryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodOverview, RegistryServer.Overview),
		unary(methodStrand, RegistryServer.Strand),
		unary(methodStrandAt, RegistryServer.StrandAt),
		unary(methodIsAgent, RegistryServer.IsAgent),
		unary(methodHighestBlockNumber, RegistryServer.HighestBlockNumber),
		unary(methodLowestBlockNumber, RegistryServer.LowestBlockNumber),
		unary(methodBlockHash, RegistryServer.BlockHash),
		unary(methodPreviousCheckpoint, RegistryServer.PreviousCheckpoint),
		unary(methodNextSequence, RegistryServer.NextSequence),
		unary(methodVerify, RegistryServer.Verify),
		unary(methodAddStrand, RegistryServer.AddStrand),
		unary(methodAddAgent, RegistryServer.AddAgent),
		unary(methodRemoveAgent, RegistryServer.RemoveAgent),
		unary(methodTransferOwnership, RegistryServer.TransferOwnership),
		unary(methodAppendCheckpoint, RegistryServer.AppendCheckpoint),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamSubscribe,
			Handler:       _Registry_SubscribeCheckpoints_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "braided/ledger/v1/registry.proto",
}
