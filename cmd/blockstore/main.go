// Command blockstore provisions, inspects and serves block devices kept in
// an object store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/kochman/blockstore"
	"github.com/kochman/blockstore/config"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "blockstore",
	Short: "Fixed-size block devices on top of object storage",
	Long: `blockstore keeps a block device as one object per block plus an index
object under a location prefix in a bucket, a directory, or a badger database.

Settings are read from --config and BLOCKSTORE_* environment variables,
for example BLOCKSTORE_BACKEND_TYPE=gcs or BLOCKSTORE_DEVICE_LOCATION=vol0.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(benchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every command needs: the configuration, a logger and the
// backend it selects.
type env struct {
	cfg     *config.Config
	log     hclog.Logger
	backend blockstore.Backend
	close   func() error
}

func loadEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log := config.NewLogger(cfg.Log, "blockstore")

	b, closeBackend, err := config.OpenBackend(ctx, cfg.Backend, log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, backend: b, close: closeBackend}, nil
}

func (e *env) Close() {
	err := e.close()
	if err != nil {
		e.log.Error("unable to close backend", "error", err)
	}
}
