package client

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"google.golang.org/grpc/resolver"

	"github.com/cubefs/kvbackup/proto"
)

const lbResolverSchema = "static"

func init() {
	resolver.Register(&LBBuilder{})
}

// LBBuilder resolves "static:///host1:port1,host2:port2" into a fixed
// address list balanced round robin. It serves the seed host connection.
type LBBuilder struct{}

func (lb *LBBuilder) Build(target resolver.Target, cc resolver.ClientConn,
	opts resolver.BuildOptions) (resolver.Resolver, error,
) {
	r := &LBResolver{
		endpoints: strings.Split(target.Endpoint(), ","),
		cc:        cc,
	}
	r.ResolveNow(resolver.ResolveNowOptions{})
	return r, nil
}

func (lb *LBBuilder) Scheme() string {
	return lbResolverSchema
}

type LBResolver struct {
	endpoints []string
	cc        resolver.ClientConn
}

func (lr *LBResolver) ResolveNow(opts resolver.ResolveNowOptions) {
	var addresses []resolver.Address
	for i, addr := range lr.endpoints {
		addresses = append(addresses, resolver.Address{
			Addr:       addr,
			ServerName: fmt.Sprintf("seed-%d", i+1),
		})
	}
	lr.cc.UpdateState(resolver.State{Addresses: addresses})
}

func (lr *LBResolver) Close() {}

// ParseHosts splits a comma separated seed list and fills in the default
// host and port where they are missing.
func ParseHosts(hosts string) ([]string, error) {
	var addrs []string
	for _, h := range strings.Split(hosts, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		host, port, err := net.SplitHostPort(h)
		if err != nil {
			// no port given
			addrs = append(addrs, proto.HostPort(h, 0))
			continue
		}
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port in host %q", h)
		}
		addrs = append(addrs, proto.HostPort(host, p))
	}
	if len(addrs) == 0 {
		addrs = append(addrs, proto.HostPort("", 0))
	}
	return addrs, nil
}

func seedTarget(addrs []string) string {
	return lbResolverSchema + ":///" + strings.Join(addrs, ",")
}
