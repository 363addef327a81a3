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

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/spf13/cobra"

	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/server"
	"github.com/cubefs/kvbackup/util"
)

type nodeFlags struct {
	server.Config
	PeerList      []string
	MaxProcessors int
}

func newNodeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	nf := &nodeFlags{}
	ccmd := &cobra.Command{
		Use:   "node",
		Short: "Run a cluster node",
		Long: `
Runs a single cluster node serving the node gRPC service over a local
store, for development clusters and tests of backup and restore.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := nf.config()
			if err != nil {
				return err
			}
			return runNode(cfg, nf.NodeConfig.Addr, nf.MaxProcessors)
		},
	}

	flags := ccmd.Flags()
	flags.StringVar(&nf.NodeConfig.Name, "name", "node0", "Node name.")
	flags.StringVar(&nf.NodeConfig.Addr, "listen", proto.HostPort(proto.DefaultHost, proto.DefaultPort), "gRPC listen address.")
	flags.StringVar(&nf.HTTPAddr, "http", "", "Stats, metrics and profile listen address.")
	flags.StringVar(&nf.StoreConfig.Path, "path", "./run/store", "Store directory.")
	flags.StringSliceVar(&nf.StoreConfig.Namespaces, "namespace", []string{"test"}, "Namespaces served.")
	flags.BoolVar(&nf.StoreConfig.Sync, "sync", false, "Sync the store on every write.")
	flags.StringSliceVar(&nf.PeerList, "peers", nil, "Other nodes of the cluster as name=host:port.")
	flags.IntVar(&nf.MaxProcessors, "max-processors", 0, "GOMAXPROCS, unchanged when 0.")
	return ccmd
}

func (nf *nodeFlags) config() (*server.Config, error) {
	cfg := nf.Config
	peers, err := parsePeers(nf.PeerList)
	if err != nil {
		return nil, err
	}
	cfg.Peers = peers

	// a wildcard listen address is advertised as the host address
	host, port, err := net.SplitHostPort(cfg.NodeConfig.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %v", cfg.NodeConfig.Addr, err)
	}
	if host == "" || host == "0.0.0.0" {
		if host, err = util.GetLocalIp(); err != nil {
			return nil, err
		}
		cfg.NodeConfig.Addr = net.JoinHostPort(host, port)
	}
	return &cfg, nil
}

func parsePeers(specs []string) ([]proto.Node, error) {
	peers := make([]proto.Node, 0, len(specs))
	for _, s := range specs {
		name, addr, ok := strings.Cut(s, "=")
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, want name=host:port", s)
		}
		peers = append(peers, proto.Node{Name: name, Addr: addr})
	}
	return peers, nil
}

func runNode(cfg *server.Config, listenAddr string, maxProcessors int) error {
	if maxProcessors > 0 {
		runtime.GOMAXPROCS(maxProcessors)
	}
	registerLogLevel()
	modifyOpenFiles()

	srv, err := server.NewServer(context.Background(), cfg)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		srv.Close()
		return err
	}

	var httpServer *server.HttpServer
	if cfg.HTTPAddr != "" {
		httpServer = server.NewHttpServer(srv)
		httpServer.Serve(cfg.HTTPAddr)
	}
	grpcServer := server.NewRPCServer(srv)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal(errors.Detail(err))
		}
	}()
	log.Infof("node %s listening on %s", cfg.NodeConfig.Name, lis.Addr())

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	// stop all server
	grpcServer.Stop()
	if httpServer != nil {
		httpServer.Stop()
	}
	srv.Close()
	return nil
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Warnf("getting rlimit failed: %s", err)
		return
	}
	if rLimit.Cur >= 102400 {
		return
	}
	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Warnf("setting rlimit failed: %s", err)
		return
	}
	log.Info("system limit: ", rLimit)
}
