package service

import (
	"context"

	"github.com/golang/protobuf/ptypes/empty"
	"github.com/juju/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rekaland/tablesync/changefeed"
	"github.com/rekaland/tablesync/storage"
)

const serviceName = "tablesync.Feed"

// FeedService is the server API of the feed service.
type FeedService interface {
	ListTables(context.Context, *empty.Empty) (*structpb.Struct, error)
	Fetch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Put(context.Context, *structpb.Struct) (*empty.Empty, error)
	Delete(context.Context, *structpb.Struct) (*empty.Empty, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// RegisterFeedServer registers srv on s under the tablesync.Feed service.
func RegisterFeedServer(s grpc.ServiceRegistrar, srv FeedService) {
	s.RegisterService(&feedServiceDesc, srv)
}

var feedServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FeedService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListTables",
			Handler: unaryHandler("ListTables", func(srv FeedService, ctx context.Context, in *empty.Empty) (any, error) {
				return srv.ListTables(ctx, in)
			}),
		},
		{
			MethodName: "Fetch",
			Handler: unaryHandler("Fetch", func(srv FeedService, ctx context.Context, in *structpb.Struct) (any, error) {
				return srv.Fetch(ctx, in)
			}),
		},
		{
			MethodName: "Put",
			Handler: unaryHandler("Put", func(srv FeedService, ctx context.Context, in *structpb.Struct) (any, error) {
				return srv.Put(ctx, in)
			}),
		},
		{
			MethodName: "Delete",
			Handler: unaryHandler("Delete", func(srv FeedService, ctx context.Context, in *structpb.Struct) (any, error) {
				return srv.Delete(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tablesync/feed",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unaryHandler builds the grpc method handler for one unary method, the
// same shape protoc-gen-go-grpc generates.
func unaryHandler[Req any, PReq interface {
	*Req
}](name string, call func(FeedService, context.Context, PReq) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(FeedService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(name),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(FeedService), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FeedService).Watch(in, stream)
}

// FeedServer serves a storage.Store over gRPC.
type FeedServer struct {
	store storage.Store
}

var _ FeedService = (*FeedServer)(nil)

func NewFeedServer(store storage.Store) *FeedServer {
	return &FeedServer{
		store: store,
	}
}

func (s *FeedServer) ListTables(ctx context.Context, _ *empty.Empty) (*structpb.Struct, error) {
	tables, err := s.store.ListTables()
	if err != nil {
		return nil, toStatus(err)
	}

	list := make([]any, len(tables))
	for i, t := range tables {
		list[i] = map[string]any{"name": t.Name, "rows": t.Rows}
	}
	resp, err := structpb.NewStruct(map[string]any{"tables": list})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *FeedServer) Fetch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := in.AsMap()
	table := stringField(m, "table")
	if table == "" {
		return nil, status.Error(codes.InvalidArgument, "missing table")
	}
	records, err := s.store.Fetch(table, listToFilters(m["filters"])...)
	if err != nil {
		return nil, toStatus(err)
	}

	list := make([]*structpb.Value, len(records))
	for i, rec := range records {
		st, err := recordToStruct(rec)
		if err != nil {
			return nil, toStatus(err)
		}
		list[i] = structpb.NewStructValue(st)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"records": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}, nil
}

func (s *FeedServer) Put(ctx context.Context, in *structpb.Struct) (*empty.Empty, error) {
	rec, err := structToRecord(in)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.store.Put(&rec); err != nil {
		return nil, toStatus(err)
	}
	return &empty.Empty{}, nil
}

func (s *FeedServer) Delete(ctx context.Context, in *structpb.Struct) (*empty.Empty, error) {
	m := in.AsMap()
	if err := s.store.Delete(stringField(m, "table"), stringField(m, "id")); err != nil {
		return nil, toStatus(err)
	}
	return &empty.Empty{}, nil
}

// Watch acknowledges the subscription with a {"status": "SUBSCRIBED"}
// frame once the store's watch is open, then sends one frame per event.
func (s *FeedServer) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	table := stringField(in.AsMap(), "table")
	if table == "" {
		return status.Error(codes.InvalidArgument, "missing table")
	}

	updates, err := s.store.Watch(ctx, table)
	if err != nil {
		return toStatus(err)
	}
	ack, err := structpb.NewStruct(map[string]any{"status": string(changefeed.StatusSubscribed)})
	if err != nil {
		return toStatus(err)
	}
	if err := stream.SendMsg(ack); err != nil {
		return err
	}

	for update := range updates {
		frame, err := eventToStruct(update)
		if err != nil {
			return toStatus(err)
		}
		if err := stream.SendMsg(frame); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return status.Errorf(codes.Unavailable, "feed for table %q closed", table)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, errors.NotValid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errors.NotFound):
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
