// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package server

import (
	"context"
	"net"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/metrics"
	"github.com/cubefs/kvbackup/proto"
)

type RPCServer struct {
	*Server
	grpcServer *grpc.Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(rs.unaryInterceptorWithTracer, metrics.GRPCMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(rs.streamInterceptorWithTracer, metrics.GRPCMetrics.StreamServerInterceptor()),
	)
	proto.RegisterNodeServer(s, rs)
	metrics.GRPCMetrics.InitializeMetrics(s)
	rs.grpcServer = s
	return rs
}

// Serve blocks serving lis until Stop.
func (r *RPCServer) Serve(lis net.Listener) error {
	return r.grpcServer.Serve(lis)
}

func (r *RPCServer) Stop() {
	r.grpcServer.Stop()
}

// Node API

func (r *RPCServer) Info(ctx context.Context, req *proto.InfoRequest) (*proto.InfoResponse, error) {
	info, err := r.Server.Info(ctx)
	if err != nil {
		return nil, apierrors.ToStatus(err)
	}
	return &proto.InfoResponse{Info: *info}, nil
}

func (r *RPCServer) Nodes(ctx context.Context, req *proto.NodesRequest) (*proto.NodesResponse, error) {
	return &proto.NodesResponse{Nodes: r.Server.Nodes()}, nil
}

func (r *RPCServer) Scan(req *proto.ScanRequest, stream proto.Node_ScanServer) error {
	ctx := stream.Context()
	span := trace.SpanFromContextSafe(ctx)
	counter := metrics.NodeRecords.WithLabelValues(r.node.Name, "scan")

	var sent int
	err := r.store.Scan(ctx, req, func(rec *proto.Record) error {
		if err := stream.Send(rec); err != nil {
			return err
		}
		sent++
		counter.Inc()
		return nil
	})
	if err != nil {
		span.Warnf("scan namespace %s stopped after %d records: %s", req.Namespace, sent, errors.Detail(err))
		return apierrors.ToStatus(err)
	}
	span.Debugf("scan namespace %s sent %d records", req.Namespace, sent)
	return nil
}

func (r *RPCServer) Put(ctx context.Context, req *proto.PutRequest) (*proto.PutResponse, error) {
	if err := r.store.Put(ctx, &req.Record, req.Policy); err != nil {
		return nil, apierrors.ToStatus(err)
	}
	metrics.NodeRecords.WithLabelValues(r.node.Name, "put").Inc()
	return &proto.PutResponse{}, nil
}

func (r *RPCServer) CreateIndex(ctx context.Context, req *proto.CreateIndexRequest) (*proto.CreateIndexResponse, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := r.store.CreateIndex(ctx, &req.Index); err != nil {
		span.Errorf("create index %s failed: %s", req.Index.Name, errors.Detail(err))
		return nil, apierrors.ToStatus(err)
	}
	return &proto.CreateIndexResponse{}, nil
}

func (r *RPCServer) PutUDF(ctx context.Context, req *proto.PutUDFRequest) (*proto.PutUDFResponse, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := r.store.PutUDF(ctx, &req.UDF); err != nil {
		span.Errorf("put udf %s failed: %s", req.UDF.Name, errors.Detail(err))
		return nil, apierrors.ToStatus(err)
	}
	return &proto.PutUDFResponse{}, nil
}

// util function

func spanContext(ctx context.Context, method string) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if reqID := md.Get(proto.ReqIdKey); len(reqID) > 0 {
			_, ctx = trace.StartSpanFromContextWithTraceID(ctx, method, reqID[0])
			return ctx
		}
	}
	_, ctx = trace.StartSpanFromContext(ctx, method)
	return ctx
}

func (r *RPCServer) unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	return handler(spanContext(ctx, info.FullMethod), req)
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context { return s.ctx }

func (r *RPCServer) streamInterceptorWithTracer(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	return handler(srv, &tracedStream{ServerStream: ss, ctx: spanContext(ss.Context(), info.FullMethod)})
}
