package metrics

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	"github.com/kochman/blockstore/device"
)

// LogProgress logs setup progress every tenth of the way, and failed write
// batches as they are drained.
type LogProgress struct {
	log   hclog.Logger
	total int

	mu     sync.Mutex
	blocks int
	bytes  int64
	step   int
}

// NewLogProgress logs to logger for a setup of total blocks.
func NewLogProgress(logger hclog.Logger, total int) *LogProgress {
	return &LogProgress{log: logger, total: total}
}

func (l *LogProgress) SetupProgress(blocks int, bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.blocks += blocks
	l.bytes += bytes
	if l.total <= 0 {
		return
	}
	step := l.blocks * 10 / l.total
	if step <= l.step {
		return
	}
	l.step = step
	l.log.Info("setup progress",
		"percent", step*10,
		"blocks", l.blocks,
		"total", l.total,
		"written", humanize.Bytes(uint64(l.bytes)),
	)
}

func (l *LogProgress) BlocksRead(int, int64)    {}
func (l *LogProgress) BlocksWritten(int, int64) {}

func (l *LogProgress) BatchDrained(err error) {
	if err != nil {
		l.log.Warn("write batch failed", "error", err)
	}
}

// Tee forwards every call to each of obs.
func Tee(obs ...device.Observer) device.Observer {
	return tee(obs)
}

type tee []device.Observer

func (t tee) SetupProgress(blocks int, bytes int64) {
	for _, o := range t {
		o.SetupProgress(blocks, bytes)
	}
}

func (t tee) BlocksRead(n int, bytes int64) {
	for _, o := range t {
		o.BlocksRead(n, bytes)
	}
}

func (t tee) BlocksWritten(n int, bytes int64) {
	for _, o := range t {
		o.BlocksWritten(n, bytes)
	}
}

func (t tee) BatchDrained(err error) {
	for _, o := range t {
		o.BatchDrained(err)
	}
}

var _ device.Observer = (*LogProgress)(nil)
