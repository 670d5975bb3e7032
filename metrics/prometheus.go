// Package metrics provides device.Observer implementations.
package metrics

import (
	"github.com/kochman/blockstore/device"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus counts device activity in Prometheus counters.
type Prometheus struct {
	setupBlocks  prometheus.Counter
	setupBytes   prometheus.Counter
	blocksTotal  *prometheus.CounterVec
	bytesTotal   *prometheus.CounterVec
	batchesTotal *prometheus.CounterVec
}

// NewPrometheus registers the device metrics with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		setupBlocks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "blockstore_setup_blocks_total",
				Help: "Total number of blocks initialized by setup",
			},
		),
		setupBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "blockstore_setup_bytes_total",
				Help: "Total bytes initialized by setup",
			},
		),
		blocksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockstore_blocks_total",
				Help: "Total number of blocks transferred by direction",
			},
			[]string{"direction"},
		),
		bytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockstore_bytes_total",
				Help: "Total bytes transferred by direction",
			},
			[]string{"direction"},
		),
		batchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockstore_write_batches_total",
				Help: "Total number of drained write batches by status",
			},
			[]string{"status"},
		),
	}
}

func (p *Prometheus) SetupProgress(blocks int, bytes int64) {
	p.setupBlocks.Add(float64(blocks))
	p.setupBytes.Add(float64(bytes))
}

func (p *Prometheus) BlocksRead(n int, bytes int64) {
	p.blocksTotal.WithLabelValues("read").Add(float64(n))
	p.bytesTotal.WithLabelValues("read").Add(float64(bytes))
}

func (p *Prometheus) BlocksWritten(n int, bytes int64) {
	p.blocksTotal.WithLabelValues("write").Add(float64(n))
	p.bytesTotal.WithLabelValues("write").Add(float64(bytes))
}

func (p *Prometheus) BatchDrained(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.batchesTotal.WithLabelValues(status).Inc()
}

var _ device.Observer = (*Prometheus)(nil)
