package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/grpc/test/bufconn"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/server/store"
)

const localBufSize = 1 << 20

// LocalCluster runs a set of nodes in process over in-memory listeners.
type LocalCluster struct {
	Nodes []proto.Node

	servers   []*RPCServer
	listeners map[string]*bufconn.Listener
	wg        sync.WaitGroup
}

// StartLocalCluster starts n nodes storing under dir, all serving namespaces.
func StartLocalCluster(ctx context.Context, dir string, n int, namespaces []string) (*LocalCluster, error) {
	c := &LocalCluster{listeners: make(map[string]*bufconn.Listener)}
	for i := 0; i < n; i++ {
		node := proto.Node{Name: fmt.Sprintf("node%d", i), Addr: fmt.Sprintf("node%d.local:%d", i, proto.DefaultPort)}
		srv, err := NewServer(ctx, &Config{
			NodeConfig: node,
			StoreConfig: store.Config{
				Path:       filepath.Join(dir, node.Name),
				Namespaces: namespaces,
			},
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Nodes = append(c.Nodes, node)
		c.servers = append(c.servers, NewRPCServer(srv))
	}
	for i, rs := range c.servers {
		rs.SetPeers(c.Nodes)
		lis := bufconn.Listen(localBufSize)
		c.listeners[c.Nodes[i].Addr] = lis
		c.wg.Add(1)
		go func(rs *RPCServer) {
			defer c.wg.Done()
			rs.Serve(lis)
		}(rs)
	}
	return c, nil
}

// Dialer connects to a node of the cluster by address.
func (c *LocalCluster) Dialer(ctx context.Context, addr string) (net.Conn, error) {
	lis, ok := c.listeners[addr]
	if !ok {
		return nil, apierrors.ErrNodeNotFound
	}
	return lis.DialContext(ctx)
}

// Hosts returns the seed list of the cluster.
func (c *LocalCluster) Hosts() string {
	addrs := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		addrs[i] = n.Addr
	}
	return strings.Join(addrs, ",")
}

func (c *LocalCluster) Server(i int) *Server {
	return c.servers[i].Server
}

func (c *LocalCluster) Close() {
	for _, rs := range c.servers {
		rs.Stop()
	}
	c.wg.Wait()
	for _, rs := range c.servers {
		rs.Close()
	}
}
