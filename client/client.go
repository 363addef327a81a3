package client

import (
	"context"
	"hash/crc32"
	"io"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/scan"
)

type Config struct {
	// Hosts is a comma separated list of seed nodes, host[:port].
	Hosts           string          `json:"hosts"`
	TransportConfig TransportConfig `json:"transport"`
}

// Client talks to a cluster through a seed connection and lazily dialed
// per-node connections.
type Client struct {
	seed     *grpc.ClientConn
	seedNode proto.NodeClient

	// nodeClients maintains grpc client by node name
	nodeClients sync.Map
	group       singleflight.Group

	mu    sync.RWMutex
	addrs map[string]string
	ring  []string

	tc       TransportConfig
	dialOpts []grpc.DialOption
}

type nodeClient struct {
	conn *grpc.ClientConn
	proto.NodeClient
}

func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	addrs, err := ParseHosts(cfg.Hosts)
	if err != nil {
		return nil, apierrors.ErrInvalidConfig
	}
	tc := cfg.TransportConfig
	tc.init()

	c := &Client{
		addrs:    make(map[string]string),
		tc:       tc,
		dialOpts: generateDialOpts(&tc),
	}
	seed, err := dial(ctx, seedTarget(addrs), &c.tc, c.dialOpts)
	if err != nil {
		return nil, &apierrors.IOError{Op: "dial", Path: cfg.Hosts, Err: err}
	}
	c.seed = seed
	c.seedNode = proto.NewNodeClient(seed)
	return c, nil
}

// Nodes lists the cluster nodes sorted by name and refreshes the address book.
func (c *Client) Nodes(ctx context.Context) ([]proto.Node, error) {
	ctx, cancel := context.WithTimeout(ctx, c.tc.timeout())
	defer cancel()
	resp, err := c.seedNode.Nodes(ctx, &proto.NodesRequest{})
	if err != nil {
		return nil, apierrors.FromStatus("nodes", err)
	}
	nodes := resp.Nodes
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	ring := make([]string, 0, len(nodes))
	c.mu.Lock()
	for _, n := range nodes {
		c.addrs[n.Name] = n.Addr
		ring = append(ring, n.Name)
	}
	c.ring = ring
	c.mu.Unlock()
	return nodes, nil
}

func (c *Client) NodeNames(ctx context.Context) ([]string, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(nodes))
	for i := range nodes {
		names[i] = nodes[i].Name
	}
	return names, nil
}

// GetClient returns the client of the named node, dialing it on first use.
func (c *Client) GetClient(ctx context.Context, name string) (proto.NodeClient, error) {
	if v, ok := c.nodeClients.Load(name); ok {
		return v.(*nodeClient), nil
	}
	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		if v, ok := c.nodeClients.Load(name); ok {
			return v, nil
		}
		addr, ok := c.addr(name)
		if !ok {
			if _, err := c.Nodes(ctx); err != nil {
				return nil, err
			}
			if addr, ok = c.addr(name); !ok {
				return nil, apierrors.ErrNodeNotFound
			}
		}
		conn, err := dial(ctx, addr, &c.tc, c.dialOpts)
		if err != nil {
			return nil, &apierrors.IOError{Op: "dial", Path: addr, Err: err}
		}
		nc := &nodeClient{conn: conn, NodeClient: proto.NewNodeClient(conn)}
		c.nodeClients.Store(name, nc)
		return nc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*nodeClient), nil
}

func (c *Client) addr(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.addrs[name]
	return addr, ok
}

// Info returns what a node reports about itself. An empty name asks a seed.
func (c *Client) Info(ctx context.Context, name string) (*proto.NodeInfo, error) {
	nc := c.seedNode
	if name != "" {
		var err error
		if nc, err = c.GetClient(ctx, name); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.tc.timeout())
	defer cancel()
	resp, err := nc.Info(ctx, &proto.InfoRequest{})
	if err != nil {
		return nil, apierrors.FromStatus("info", err)
	}
	return &resp.Info, nil
}

// Owner returns the node a record with digest d is stored on.
func (c *Client) Owner(ctx context.Context, d proto.Digest) (string, error) {
	c.mu.RLock()
	ring := c.ring
	c.mu.RUnlock()
	if len(ring) == 0 {
		var err error
		if ring, err = c.NodeNames(ctx); err != nil {
			return "", err
		}
		if len(ring) == 0 {
			return "", apierrors.ErrEmptyNodeList
		}
	}
	return ring[crc32.ChecksumIEEE(d)%uint32(len(ring))], nil
}

// Put writes one record to its owner node under policy.
func (c *Client) Put(ctx context.Context, r *proto.Record, policy proto.WritePolicy) error {
	owner, err := c.Owner(ctx, r.Digest)
	if err != nil {
		return err
	}
	nc, err := c.GetClient(ctx, owner)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.tc.timeout())
	defer cancel()
	_, err = nc.Put(ctx, &proto.PutRequest{Record: *r, Policy: policy})
	return apierrors.FromStatus("put", err)
}

// CreateIndex installs a secondary index definition on every node.
func (c *Client) CreateIndex(ctx context.Context, idx proto.SecondaryIndex) error {
	return c.broadcast(ctx, "create index", func(ctx context.Context, nc proto.NodeClient) error {
		_, err := nc.CreateIndex(ctx, &proto.CreateIndexRequest{Index: idx})
		return err
	})
}

// PutUDF registers a UDF module on every node.
func (c *Client) PutUDF(ctx context.Context, udf proto.UDF) error {
	return c.broadcast(ctx, "put udf", func(ctx context.Context, nc proto.NodeClient) error {
		_, err := nc.PutUDF(ctx, &proto.PutUDFRequest{UDF: udf})
		return err
	})
}

func (c *Client) broadcast(ctx context.Context, op string, call func(context.Context, proto.NodeClient) error) error {
	span := trace.SpanFromContextSafe(ctx)
	names, err := c.NodeNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		nc, err := c.GetClient(ctx, name)
		if err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, c.tc.timeout())
		err = call(cctx, nc)
		cancel()
		if err != nil {
			span.Warnf("%s on node %s failed: %s", op, name, err)
			return apierrors.FromStatus(op, err)
		}
	}
	return nil
}

// Scanner returns a scan.Scanner that runs req against node-groups.
func (c *Client) Scanner(req proto.ScanRequest) scan.Scanner {
	return &nodeScanner{client: c, req: req}
}

func (c *Client) Close() error {
	c.nodeClients.Range(func(key, value interface{}) bool {
		value.(*nodeClient).conn.Close()
		return true
	})
	return c.seed.Close()
}

type nodeScanner struct {
	client *Client
	req    proto.ScanRequest
}

func (s *nodeScanner) Scan(ctx context.Context, nodes []string) (scan.RecordStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	return &nodeStream{ctx: ctx, cancel: cancel, scanner: s, nodes: nodes}, nil
}

// nodeStream scans the nodes of a group one after another.
type nodeStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	scanner *nodeScanner
	nodes   []string
	cur     proto.Node_ScanClient
}

func (st *nodeStream) Recv() (*proto.Record, error) {
	for {
		if st.cur == nil {
			if len(st.nodes) == 0 {
				return nil, io.EOF
			}
			nc, err := st.scanner.client.GetClient(st.ctx, st.nodes[0])
			if err != nil {
				return nil, err
			}
			cur, err := nc.Scan(st.ctx, &st.scanner.req)
			if err != nil {
				return nil, apierrors.FromStatus("scan "+st.nodes[0], err)
			}
			st.cur = cur
		}
		r, err := st.cur.Recv()
		if err == io.EOF {
			st.cur = nil
			st.nodes = st.nodes[1:]
			continue
		}
		if err != nil {
			return nil, apierrors.FromStatus("scan "+st.nodes[0], err)
		}
		return r, nil
	}
}

func (st *nodeStream) Close() error {
	st.cancel()
	return nil
}
