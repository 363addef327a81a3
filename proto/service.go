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

package proto

import (
	"context"

	"google.golang.org/grpc"
)

type (
	InfoRequest  struct{}
	InfoResponse struct {
		Info NodeInfo `json:"info"`
	}

	NodesRequest  struct{}
	NodesResponse struct {
		Nodes []Node `json:"nodes"`
	}

	ScanRequest struct {
		Namespace string   `json:"namespace"`
		Sets      []string `json:"sets,omitempty"`
		BinList   []string `json:"bin_list,omitempty"`
		NoBins    bool     `json:"no_bins,omitempty"`
	}

	// WritePolicy controls how a restored record is applied to existing data.
	WritePolicy struct {
		// CreateOnly fails the write when the record already exists.
		CreateOnly bool `json:"create_only,omitempty"`
		// Replace drops bins of the existing record that the restored one lacks.
		Replace bool `json:"replace,omitempty"`
		// IgnoreGeneration writes even when the stored generation is newer.
		IgnoreGeneration bool `json:"ignore_generation,omitempty"`
	}

	PutRequest struct {
		Record Record      `json:"record"`
		Policy WritePolicy `json:"policy"`
	}
	PutResponse struct{}

	CreateIndexRequest struct {
		Index SecondaryIndex `json:"index"`
	}
	CreateIndexResponse struct{}

	PutUDFRequest struct {
		UDF UDF `json:"udf"`
	}
	PutUDFResponse struct{}
)

const (
	NodeServiceName = "kvbackup.Node"

	nodeInfoMethod        = "/kvbackup.Node/Info"
	nodeNodesMethod       = "/kvbackup.Node/Nodes"
	nodeScanMethod        = "/kvbackup.Node/Scan"
	nodePutMethod         = "/kvbackup.Node/Put"
	nodeCreateIndexMethod = "/kvbackup.Node/CreateIndex"
	nodePutUDFMethod      = "/kvbackup.Node/PutUDF"
)

// NodeClient is the client API of a cluster node.
type NodeClient interface {
	Info(ctx context.Context, in *InfoRequest, opts ...grpc.CallOption) (*InfoResponse, error)
	Nodes(ctx context.Context, in *NodesRequest, opts ...grpc.CallOption) (*NodesResponse, error)
	Scan(ctx context.Context, in *ScanRequest, opts ...grpc.CallOption) (Node_ScanClient, error)
	Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error)
	CreateIndex(ctx context.Context, in *CreateIndexRequest, opts ...grpc.CallOption) (*CreateIndexResponse, error)
	PutUDF(ctx context.Context, in *PutUDFRequest, opts ...grpc.CallOption) (*PutUDFResponse, error)
}

type Node_ScanClient interface {
	Recv() (*Record, error)
	grpc.ClientStream
}

type nodeClient struct {
	cc grpc.ClientConnInterface
}

func NewNodeClient(cc grpc.ClientConnInterface) NodeClient {
	return &nodeClient{cc: cc}
}

func (c *nodeClient) Info(ctx context.Context, in *InfoRequest, opts ...grpc.CallOption) (*InfoResponse, error) {
	out := new(InfoResponse)
	if err := c.cc.Invoke(ctx, nodeInfoMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeClient) Nodes(ctx context.Context, in *NodesRequest, opts ...grpc.CallOption) (*NodesResponse, error) {
	out := new(NodesResponse)
	if err := c.cc.Invoke(ctx, nodeNodesMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeClient) Scan(ctx context.Context, in *ScanRequest, opts ...grpc.CallOption) (Node_ScanClient, error) {
	stream, err := c.cc.NewStream(ctx, &NodeServiceDesc.Streams[0], nodeScanMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &nodeScanClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type nodeScanClient struct {
	grpc.ClientStream
}

func (x *nodeScanClient) Recv() (*Record, error) {
	m := new(Record)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *nodeClient) Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error) {
	out := new(PutResponse)
	if err := c.cc.Invoke(ctx, nodePutMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeClient) CreateIndex(ctx context.Context, in *CreateIndexRequest, opts ...grpc.CallOption) (*CreateIndexResponse, error) {
	out := new(CreateIndexResponse)
	if err := c.cc.Invoke(ctx, nodeCreateIndexMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeClient) PutUDF(ctx context.Context, in *PutUDFRequest, opts ...grpc.CallOption) (*PutUDFResponse, error) {
	out := new(PutUDFResponse)
	if err := c.cc.Invoke(ctx, nodePutUDFMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// NodeServer is the server API of a cluster node.
type NodeServer interface {
	Info(context.Context, *InfoRequest) (*InfoResponse, error)
	Nodes(context.Context, *NodesRequest) (*NodesResponse, error)
	Scan(*ScanRequest, Node_ScanServer) error
	Put(context.Context, *PutRequest) (*PutResponse, error)
	CreateIndex(context.Context, *CreateIndexRequest) (*CreateIndexResponse, error)
	PutUDF(context.Context, *PutUDFRequest) (*PutUDFResponse, error)
}

type Node_ScanServer interface {
	Send(*Record) error
	grpc.ServerStream
}

type nodeScanServer struct {
	grpc.ServerStream
}

func (x *nodeScanServer) Send(m *Record) error {
	return x.ServerStream.SendMsg(m)
}

func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&NodeServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(NodeServer, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(NodeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(NodeServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func nodeScanHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(ScanRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(NodeServer).Scan(m, &nodeScanServer{stream})
}

// NodeServiceDesc is the grpc.ServiceDesc of the node service. Messages are
// carried with the json codec registered by this package.
var NodeServiceDesc = grpc.ServiceDesc{
	ServiceName: NodeServiceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Info",
			Handler:    unaryHandler(nodeInfoMethod, NodeServer.Info),
		},
		{
			MethodName: "Nodes",
			Handler:    unaryHandler(nodeNodesMethod, NodeServer.Nodes),
		},
		{
			MethodName: "Put",
			Handler:    unaryHandler(nodePutMethod, NodeServer.Put),
		},
		{
			MethodName: "CreateIndex",
			Handler:    unaryHandler(nodeCreateIndexMethod, NodeServer.CreateIndex),
		},
		{
			MethodName: "PutUDF",
			Handler:    unaryHandler(nodePutUDFMethod, NodeServer.PutUDF),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Scan",
			Handler:       nodeScanHandler,
			ServerStreams: true,
		},
	},
	Metadata: "kvbackup/node",
}
