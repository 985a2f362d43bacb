// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package rpc is the gRPC front end and its client.
//
// The service has one unary method, querygate.v1.QueryService/Execute. The
// request carries a query document and the response the serialized result,
// both as google.protobuf.BytesValue, so no generated code is needed. Result
// format, start deadline and request ID travel as metadata; a failed call
// carries its error kind in the x-error-kind trailer.
package rpc

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"querygate/server/internal/codec"
	"querygate/server/internal/errors"
	"querygate/server/internal/job"
	"querygate/server/internal/logging"
	"querygate/server/internal/metrics"
	"querygate/server/internal/sqlexec"
)

const (
	ServiceName   = "querygate.v1.QueryService"
	ExecuteMethod = "/" + ServiceName + "/Execute"

	FormatKey    = "x-query-format"
	TimeoutKey   = "x-query-timeout"
	RequestIDKey = "x-request-id"
	ErrorKindKey = "x-error-kind"
)

// QueryServer is the server API of the query service.
type QueryServer interface {
	Execute(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// ServiceDesc describes the query service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "querygate/v1/query.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QueryServer).Execute(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv QueryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Dispatcher queues requests. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Submit(req *job.Request) (*job.Pending, error)
}

// Service implements QueryServer on a dispatcher.
type Service struct {
	disp    Dispatcher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService returns a Service. logger and m may be nil.
func NewService(d Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{disp: d, logger: logger, metrics: m}
}

// NewServer returns a grpc.Server with svc registered and request logging
// installed.
func NewServer(svc *Service, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(svc.logCalls)}, opts...)
	s := grpc.NewServer(opts...)
	Register(s, svc)
	return s
}

func (s *Service) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	elapsed := time.Since(start)
	s.metrics.RecordRequest("grpc", info.FullMethod, code.String(), elapsed)
	logging.FromContext(ctx).Info("grpc request",
		"method", info.FullMethod,
		"code", code.String(),
		"duration", elapsed)
	return resp, err
}

// Execute runs one query document and returns the serialized result.
func (s *Service) Execute(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	id := first(md, RequestIDKey)
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDKey, id))

	out, err := s.execute(ctx, id, md, in.GetValue())
	if err != nil {
		if kind := errors.KindOf(err); kind != "" {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(ErrorKindKey, string(kind)))
		}
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *Service) execute(ctx context.Context, id string, md metadata.MD, doc []byte) (*wrapperspb.BytesValue, error) {
	if _, err := sqlexec.ParseDocument(doc); err != nil {
		return nil, err
	}
	format, err := codec.Normalize(first(md, FormatKey))
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidRequest, "unsupported format", err)
	}

	req := &job.Request{ID: id, Document: doc, Format: format, Received: time.Now()}
	if v := first(md, TimeoutKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, errors.New(errors.KindInvalidRequest, TimeoutKey+" must be a positive duration such as 2s")
		}
		req.Deadline = req.Received.Add(d)
	}
	// A call deadline also bounds when execution may start.
	if dl, ok := ctx.Deadline(); ok && (req.Deadline.IsZero() || dl.Before(req.Deadline)) {
		req.Deadline = dl
	}

	pending, err := s.disp.Submit(req)
	if err != nil {
		return nil, err
	}
	res, err := pending.Wait(ctx)
	if err != nil {
		s.logger.Info("caller went away before result", "requestID", id)
		return nil, status.FromContextError(err).Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return wrapperspb.Bytes(res.Payload), nil
}

// CodeFor maps an error kind to a gRPC status code.
func CodeFor(kind errors.Kind) codes.Code {
	switch kind {
	case errors.KindInvalidRequest:
		return codes.InvalidArgument
	case errors.KindQueueFull, errors.KindRateLimited:
		return codes.ResourceExhausted
	case errors.KindShuttingDown, errors.KindPoolExhausted, errors.KindBackendUnavailable:
		return codes.Unavailable
	case errors.KindExpired:
		return codes.DeadlineExceeded
	case errors.KindCanceled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok && errors.KindOf(err) == "" {
		return err
	}
	return status.Error(CodeFor(errors.KindOf(err)), logging.Mask(errors.MessageOf(err)))
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
