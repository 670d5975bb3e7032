package nbd

import (
	"context"

	"github.com/kochman/blockstore/device"
)

// span returns the addresses of the blocks covering length bytes at off.
func span(dev *device.Device, off uint64, length int) []int {
	if length == 0 {
		return nil
	}
	bs := uint64(dev.BlockSize())
	first := off / bs
	last := (off + uint64(length) - 1) / bs
	addrs := make([]int, 0, last-first+1)
	for a := first; a <= last; a++ {
		addrs = append(addrs, int(a))
	}
	return addrs
}

// readAt reads length bytes at byte offset off.
func readAt(ctx context.Context, dev *device.Device, off uint64, length uint32) ([]byte, error) {
	addrs := span(dev, off, int(length))
	if len(addrs) == 0 {
		return nil, nil
	}
	blocks, err := dev.ReadBlocks(ctx, addrs)
	if err != nil {
		return nil, err
	}

	bs := uint64(dev.BlockSize())
	buf := make([]byte, 0, len(blocks)*int(bs))
	for _, b := range blocks {
		buf = append(buf, b...)
	}
	start := off - uint64(addrs[0])*bs
	return buf[start : start+uint64(length)], nil
}

// writeAt writes p at byte offset off and waits for the write to land.
// Blocks that p only partly covers are read first.
func writeAt(ctx context.Context, dev *device.Device, off uint64, p []byte) error {
	addrs := span(dev, off, len(p))
	if len(addrs) == 0 {
		return nil
	}
	bs := uint64(dev.BlockSize())
	base := uint64(addrs[0]) * bs
	end := off + uint64(len(p))

	buf := make([]byte, uint64(len(addrs))*bs)

	var partial []int
	if off != base {
		partial = append(partial, addrs[0])
	}
	if last := addrs[len(addrs)-1]; end != uint64(last+1)*bs && (len(partial) == 0 || partial[0] != last) {
		partial = append(partial, last)
	}
	if len(partial) > 0 {
		old, err := dev.ReadBlocks(ctx, partial)
		if err != nil {
			return err
		}
		for i, a := range partial {
			copy(buf[uint64(a)*bs-base:], old[i])
		}
	}

	copy(buf[off-base:], p)

	blocks := make([][]byte, len(addrs))
	for i := range addrs {
		blocks[i] = buf[uint64(i)*bs : uint64(i+1)*bs]
	}
	err := dev.WriteBlocks(ctx, addrs, blocks, nil)
	if err != nil {
		return err
	}
	return dev.Drain(ctx)
}
