package proto

import (
	"strconv"
)

type (
	Node struct {
		Name string `json:"name"`
		Addr string `json:"addr"`
	}

	NodeInfo struct {
		Node       Node             `json:"node"`
		Namespaces []string         `json:"namespaces"`
		Indexes    []SecondaryIndex `json:"indexes,omitempty"`
		UDFs       []UDF            `json:"udfs,omitempty"`
	}
)

// HostPort joins a host and port into a dial address, falling back to the defaults.
func HostPort(host string, port int) string {
	if host == "" {
		host = DefaultHost
	}
	if port <= 0 {
		port = DefaultPort
	}
	return host + ":" + strconv.Itoa(port)
}
