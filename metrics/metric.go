package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cubefs/kvbackup/scan"
)

const namespace = "KVBackup"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)
	GRPCClientMetrics = grpcprometheus.NewClientMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	runLabels = []string{"op"}

	RecordsRead = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "run",
		Name:      "records_read",
		Help:      "records read from the source of the current run",
	}, runLabels)
	RecordsWritten = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "run",
		Name:      "records_written",
		Help:      "records written to the destination of the current run",
	}, runLabels)
	BytesWritten = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "run",
		Name:      "bytes_written",
		Help:      "backup bytes written or restored in the current run",
	}, runLabels)
	Errors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "run",
		Name:      "errors",
		Help:      "errors counted in the current run",
	}, runLabels)

	NodeRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "records_total",
		Help:      "records served or stored by a node",
	}, []string{"node", "op"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		GRPCClientMetrics,
		RecordsRead,
		RecordsWritten,
		BytesWritten,
		Errors,
		NodeRecords,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
	GRPCClientMetrics.EnableClientHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}

// RunObserver publishes the counters of a backup or restore run.
type RunObserver struct {
	op string
}

func NewRunObserver(op string) *RunObserver {
	return &RunObserver{op: op}
}

func (o *RunObserver) Observe(s scan.Snapshot) {
	RecordsRead.WithLabelValues(o.op).Set(float64(s.RecordsRead))
	RecordsWritten.WithLabelValues(o.op).Set(float64(s.RecordsWritten))
	BytesWritten.WithLabelValues(o.op).Set(float64(s.BytesWritten))
	Errors.WithLabelValues(o.op).Set(float64(s.Errors))
}
