package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/kvbackup/common/kvstore"
	"github.com/cubefs/kvbackup/metrics"
	"github.com/cubefs/kvbackup/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

type StatsResponse struct {
	Info    proto.NodeInfo    `json:"info"`
	Records map[string]uint64 `json:"records"`
	Store   kvstore.Stats     `json:"store"`
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      h.Handler(ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	if h.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

// Handler serves /stats and /metrics, phs wrap the /stats router.
func (h *HttpServer) Handler(phs ...rpc.ProgressHandler) http.Handler {
	router := rpc.New()
	router.Handle(http.MethodGet, "/stats", h.Stats)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", rpc.MiddlewareHandlerWith(router, phs...))
	return mux
}

func (h *HttpServer) Stats(c *rpc.Context) {
	ctx := c.Request.Context()
	info, err := h.Server.Info(ctx)
	if err != nil {
		c.RespondError(err)
		return
	}
	stats, err := h.store.KVStore().Stats(ctx)
	if err != nil {
		c.RespondError(err)
		return
	}
	resp := &StatsResponse{Info: *info, Store: stats, Records: make(map[string]uint64)}
	for _, ns := range info.Namespaces {
		n, err := h.store.Count(ctx, ns)
		if err != nil {
			c.RespondError(err)
			return
		}
		resp.Records[ns] = n
	}
	c.RespondJSON(resp)
}
