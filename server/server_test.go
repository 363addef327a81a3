package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/util"
)

func startCluster(t *testing.T, n int) *LocalCluster {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	c, err := StartLocalCluster(context.Background(), dir, n, []string{"test"})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		os.RemoveAll(dir)
	})
	return c
}

func nodeClient(t *testing.T, c *LocalCluster, i int) proto.NodeClient {
	conn, err := grpc.DialContext(context.Background(), c.Nodes[i].Addr,
		grpc.WithContextDialer(c.Dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return proto.NewNodeClient(conn)
}

func TestNodeService(t *testing.T) {
	ctx := context.Background()
	c := startCluster(t, 2)
	nc := nodeClient(t, c, 0)

	nodes, err := nc.Nodes(ctx, &proto.NodesRequest{})
	require.NoError(t, err)
	require.Equal(t, c.Nodes, nodes.Nodes)

	rec := proto.Record{
		Namespace: "test", Set: "users", Digest: proto.Digest("abc"), Generation: 2,
		Key:  &proto.Value{Type: proto.ValueString, Bytes: []byte("k1")},
		Bins: []proto.Bin{{Name: "name", Value: proto.StringValue("Alice")}},
	}
	_, err = nc.Put(ctx, &proto.PutRequest{Record: rec})
	require.NoError(t, err)

	_, err = nc.Put(ctx, &proto.PutRequest{Record: rec, Policy: proto.WritePolicy{CreateOnly: true}})
	require.Equal(t, codes.AlreadyExists, status.Code(err))
	require.ErrorIs(t, apierrors.FromStatus("put", err), apierrors.ErrRecordExists)

	bad := rec
	bad.Namespace = "missing"
	_, err = nc.Put(ctx, &proto.PutRequest{Record: bad})
	require.ErrorIs(t, apierrors.FromStatus("put", err), apierrors.ErrNamespaceNotFound)

	stream, err := nc.Scan(ctx, &proto.ScanRequest{Namespace: "test"})
	require.NoError(t, err)
	got, err := stream.Recv()
	require.NoError(t, err)
	require.True(t, rec.Equal(got), "%+v", got)
	_, err = stream.Recv()
	require.Equal(t, io.EOF, err)

	// the other node keeps its own data
	stream, err = nodeClient(t, c, 1).Scan(ctx, &proto.ScanRequest{Namespace: "test"})
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Equal(t, io.EOF, err)

	idx := proto.SecondaryIndex{Namespace: "test", Name: "by_name", Path: proto.PathExpression{Path: "name", Type: proto.PathTypeString}}
	_, err = nc.CreateIndex(ctx, &proto.CreateIndexRequest{Index: idx})
	require.NoError(t, err)
	_, err = nc.PutUDF(ctx, &proto.PutUDFRequest{UDF: proto.UDF{Type: proto.UDFTypeLua, Name: "a.lua", Content: []byte("x")}})
	require.NoError(t, err)

	info, err := nc.Info(ctx, &proto.InfoRequest{})
	require.NoError(t, err)
	require.Equal(t, "node0", info.Info.Node.Name)
	require.Equal(t, []string{"test"}, info.Info.Namespaces)
	require.Equal(t, []proto.SecondaryIndex{idx}, info.Info.Indexes)
	require.Len(t, info.Info.UDFs, 1)
}

func TestHttpServer(t *testing.T) {
	c := startCluster(t, 1)
	srv := c.Server(0)
	require.NoError(t, srv.Store().Put(context.Background(), &proto.Record{
		Namespace: "test", Digest: proto.Digest("a"),
	}, proto.WritePolicy{}))

	h := NewHttpServer(srv).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats StatsResponse
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, uint64(1), stats.Records["test"])
	require.Equal(t, "node0", stats.Info.Node.Name)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "KVBackup_"), w.Body.String())
}

type countingHandler struct{ n int }

func (c *countingHandler) Handler(w http.ResponseWriter, req *http.Request, f func(http.ResponseWriter, *http.Request)) {
	c.n++
	f(w, req)
}

func TestHttpServerMiddleware(t *testing.T) {
	c := startCluster(t, 1)
	ch := &countingHandler{}
	h := NewHttpServer(c.Server(0)).Handler(ch)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, ch.n)

	// metrics are served next to the router, outside the middleware
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, ch.n)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(context.Background(), &Config{NodeConfig: proto.Node{Name: strings.Repeat("n", proto.NodeNameSize+1)}})
	require.ErrorIs(t, err, apierrors.ErrInvalidNodeName)
}
