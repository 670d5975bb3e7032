package main

import (
	"github.com/kochman/blockstore"
	"github.com/kochman/blockstore/device"
	"github.com/kochman/blockstore/metrics"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	setupBlockSize  int
	setupBlockCount int
	setupForce      bool
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Provision a new storage location",
	Long: `Provision device.location with zeroed blocks.

The geometry comes from device.block_size and device.block_count unless it
is given on the command line. An existing location is only overwritten
with --force.`,
	Args: cobra.NoArgs,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().IntVar(&setupBlockSize, "block-size", 0, "block size in bytes")
	setupCmd.Flags().IntVar(&setupBlockCount, "block-count", 0, "number of blocks")
	setupCmd.Flags().BoolVar(&setupForce, "force", false, "overwrite an existing location")
}

func runSetup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	size, count := e.cfg.Device.BlockSize, e.cfg.Device.BlockCount
	if setupBlockSize > 0 {
		size = setupBlockSize
	}
	if setupBlockCount > 0 {
		count = setupBlockCount
	}
	if count == 0 {
		return errors.Wrap(blockstore.ErrInvalidConfig, "block count is required, set device.block_count or --block-count")
	}

	log := e.log.Named("setup")
	opts := device.SetupOptions{
		Options:        e.cfg.Device.DeviceOptions(log, metrics.NewLogProgress(log, count)),
		IgnoreExisting: setupForce,
	}
	d, err := device.Setup(ctx, e.backend, e.cfg.Device.Location, size, count, opts)
	if err != nil {
		return err
	}
	return d.Close(ctx)
}
