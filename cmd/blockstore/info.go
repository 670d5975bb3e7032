package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/kochman/blockstore"
	"github.com/kochman/blockstore/index"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the geometry and lock state of a location",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	loc := e.cfg.Device.Location
	data, err := e.backend.Download(ctx, blockstore.IndexKey(loc))
	if err != nil {
		return errors.Wrapf(err, "unable to read index of %q", loc)
	}
	rec, err := index.Decode(data)
	if err != nil {
		return err
	}

	size := uint64(rec.BlockSize) * uint64(rec.BlockCount)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "location:    %s\n", loc)
	fmt.Fprintf(out, "backend:     %s\n", e.cfg.Backend.Type)
	fmt.Fprintf(out, "block size:  %s\n", humanize.IBytes(uint64(rec.BlockSize)))
	fmt.Fprintf(out, "blocks:      %s\n", humanize.Comma(int64(rec.BlockCount)))
	fmt.Fprintf(out, "size:        %s (%d bytes)\n", humanize.IBytes(size), size)
	fmt.Fprintf(out, "header:      %d bytes\n", len(rec.Header))
	fmt.Fprintf(out, "locked:      %t\n", rec.Locked)
	return nil
}
