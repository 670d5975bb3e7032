package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/kochman/blockstore/device"
	"github.com/kochman/blockstore/metrics"
	"github.com/kochman/blockstore/nbd"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveExport string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Export a location over NBD",
	Long: `Open device.location and export it over the Network Block Device
protocol on nbd.listen, e.g.

  nbd-client -N <export> 127.0.0.1 10809 /dev/nbd0

When metrics.listen is set, Prometheus metrics are served on /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveExport, "export", "", "export name clients must ask for (default: any)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var obs device.Observer
	if e.cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		obs = metrics.NewPrometheus(reg)

		stop, err := serveMetrics(e.cfg.Metrics.Listen, reg)
		if err != nil {
			return err
		}
		defer stop()
		e.log.Info("serving metrics", "addr", e.cfg.Metrics.Listen)
	}

	d, err := device.Open(ctx, e.backend, e.cfg.Device.Location, e.cfg.Device.DeviceOptions(e.log.Named("device"), obs))
	if err != nil {
		return err
	}
	defer func() {
		err := d.Close(context.WithoutCancel(ctx))
		if err != nil {
			e.log.Error("unable to close device", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", e.cfg.NBD.Listen)
	if err != nil {
		return errors.Wrap(err, "unable to listen")
	}
	err = nbd.NewServer(d, serveExport, e.log.Named("nbd")).Serve(ctx, ln)

	stats := d.Stats()
	e.log.Info("stopped", "bytes_sent", stats.BytesSent, "bytes_received", stats.BytesReceived, "failed_batches", stats.BatchesFailed)
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "unable to listen for metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
