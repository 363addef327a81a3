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

// Package server runs a cluster node: the node gRPC service over a local
// store, plus an http endpoint for stats and metrics. It backs local
// development clusters and the end-to-end tests of backup and restore.
package server

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/server/store"
)

type Config struct {
	NodeConfig  proto.Node   `json:"node_config"`
	Peers       []proto.Node `json:"peers"`
	StoreConfig store.Config `json:"store_config"`
	HTTPAddr    string       `json:"http_addr"`
}

type Server struct {
	node  proto.Node
	store *store.Store

	mu    sync.RWMutex
	peers []proto.Node
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	name := cfg.NodeConfig.Name
	if name == "" || len(name) > proto.NodeNameSize {
		return nil, apierrors.ErrInvalidNodeName
	}
	st, err := store.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		return nil, err
	}
	span.Infof("node %s serves namespaces %v", name, st.Namespaces())
	return &Server{node: cfg.NodeConfig, peers: cfg.Peers, store: st}, nil
}

func (s *Server) Store() *store.Store {
	return s.store
}

func (s *Server) Node() proto.Node {
	return s.node
}

// Nodes returns this node followed by its peers.
func (s *Server) Nodes() []proto.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]proto.Node, 0, len(s.peers)+1)
	nodes = append(nodes, s.node)
	for _, p := range s.peers {
		if p.Name != s.node.Name {
			nodes = append(nodes, p)
		}
	}
	return nodes
}

// SetPeers replaces the peer list, used when the nodes of a cluster start
// before their addresses are known.
func (s *Server) SetPeers(peers []proto.Node) {
	s.mu.Lock()
	s.peers = peers
	s.mu.Unlock()
}

func (s *Server) Info(ctx context.Context) (*proto.NodeInfo, error) {
	idxs, err := s.store.Indexes(ctx, "")
	if err != nil {
		return nil, err
	}
	udfs, err := s.store.UDFs(ctx)
	if err != nil {
		return nil, err
	}
	return &proto.NodeInfo{
		Node:       s.node,
		Namespaces: s.store.Namespaces(),
		Indexes:    idxs,
		UDFs:       udfs,
	}, nil
}

func (s *Server) Close() {
	s.store.Close()
}
