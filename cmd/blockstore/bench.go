package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kochman/blockstore/device"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var benchBytes string

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time sequential writes to a location",
	Long: `Overwrite the start of device.location with a byte pattern and report
the throughput. This destroys the data it overwrites.`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().StringVar(&benchBytes, "bytes", "1GB", "amount of data to write")
}

func runBench(cmd *cobra.Command, args []string) error {
	total, err := humanize.ParseBytes(benchBytes)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := device.Open(ctx, e.backend, e.cfg.Device.Location, e.cfg.Device.DeviceOptions(e.log.Named("device"), nil))
	if err != nil {
		return err
	}

	bs := int(d.BlockSize())
	blocks := int(min(total/uint64(bs), uint64(d.BlockCount())))
	batch := max(e.cfg.Device.PoolSize, 1)
	if blocks == 0 {
		d.Close(ctx)
		return errors.Errorf("%s is less than one %s block", benchBytes, humanize.IBytes(uint64(bs)))
	}

	pattern := make([]byte, bs)
	for i := range pattern {
		pattern[i] = byte(i)
	}

	start := time.Now()
	for a := 0; a < blocks && err == nil; a += batch {
		n := min(batch, blocks-a)
		addrs := make([]int, n)
		data := make([][]byte, n)
		for i := range addrs {
			addrs[i] = a + i
			data[i] = pattern
		}
		err = d.WriteBlocks(ctx, addrs, data, nil)
	}
	if err == nil {
		err = d.Drain(ctx)
	}
	elapsed := time.Since(start)

	cerr := d.Close(ctx)
	if err != nil {
		return err
	}
	if cerr != nil {
		return cerr
	}

	written := uint64(blocks) * uint64(bs)
	rate := uint64(float64(written) / elapsed.Seconds())
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s in %s (%s/s)\n", humanize.Bytes(written), elapsed.Round(time.Millisecond), humanize.Bytes(rate))
	return nil
}
