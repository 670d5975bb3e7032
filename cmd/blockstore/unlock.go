package main

import (
	"fmt"

	"github.com/kochman/blockstore/device"
	"github.com/spf13/cobra"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear a stale lock",
	Long: `Clear the lock of device.location.

Only do this when the handle that took the lock is gone for good. If it is
still running, two writers will share the location.`,
	Args: cobra.NoArgs,
	RunE: runUnlock,
}

func runUnlock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	was, err := device.Unlock(ctx, e.backend, e.cfg.Device.Location, device.Options{Logger: e.log})
	if err != nil {
		return err
	}
	if !was {
		fmt.Fprintf(cmd.OutOrStdout(), "%s was not locked\n", e.cfg.Device.Location)
	}
	return nil
}
