// Package device implements a fixed-block storage device on top of a
// blockstore.Backend.
//
// A Device is created by Setup, which provisions a new location, or by Open.
// Unless IgnoreLock is set, opening marks the location locked in its index
// and Close clears the mark again. On a blockstore.ConditionalBackend the
// lock is taken with a compare-and-swap on the index version; on other
// backends it is advisory and two racing openers may both succeed.
//
// Writes are asynchronous. WriteBlocks schedules the uploads on the pool and
// returns; the batch is drained, and any failure reported as a
// *DeferredWriteError, by the next Drain, read, write, header update or
// Close. A Device holds at most one pending batch.
//
// A Device must not be used from several goroutines at once. Use Clone to
// get another handle that shares the backend and pool.
package device

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/kochman/blockstore"
	"github.com/kochman/blockstore/index"
	"github.com/kochman/blockstore/pool"
	"github.com/pkg/errors"
)

// maxIndexAttempts bounds the compare-and-swap loop for index updates.
const maxIndexAttempts = 5

// Device is an open storage location.
type Device struct {
	backend  blockstore.Backend
	cond     blockstore.ConditionalBackend
	pool     *pool.Pool
	location string

	blockSize  uint32
	blockCount uint32
	ignoreLock bool
	clone      bool

	log hclog.Logger
	obs Observer

	mu      sync.Mutex
	header  []byte
	locked  bool
	pending *pool.Batch
	closed  bool

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	batches       atomic.Int64
	batchesFailed atomic.Int64
}

// Stats is a snapshot of a Device's counters.
type Stats struct {
	BytesSent        int64
	BytesReceived    int64
	BatchesScheduled int64
	BatchesFailed    int64
}

// Open opens the location on backend.
func Open(ctx context.Context, backend blockstore.Backend, location string, opts Options) (*Device, error) {
	err := blockstore.ValidateLocation(location)
	if err != nil {
		return nil, err
	}

	p := pool.New(opts.PoolSize)
	d, err := open(ctx, backend, location, opts, p)
	if err != nil {
		p.Release()
		return nil, err
	}
	return d, nil
}

// open reads the index and takes the lock. The returned Device owns the
// caller's reference to p.
func open(ctx context.Context, backend blockstore.Backend, location string, opts Options, p *pool.Pool) (*Device, error) {
	log := opts.logger().With("location", location)

	data, err := backend.Download(ctx, blockstore.IndexKey(location))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read index of %q", location)
	}
	rec, err := index.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to decode index of %q", location)
	}
	if rec.BlockSize == 0 || rec.BlockCount == 0 {
		return nil, errors.Wrapf(blockstore.ErrCorrupt, "index of %q has block size %d and count %d", location, rec.BlockSize, rec.BlockCount)
	}
	if rec.Locked && !opts.IgnoreLock {
		return nil, errors.Wrapf(blockstore.ErrLocked, "%q is in use by another handle; open with IgnoreLock if that handle is gone", location)
	}

	d := &Device{
		backend:    backend,
		pool:       p,
		location:   location,
		blockSize:  rec.BlockSize,
		blockCount: rec.BlockCount,
		ignoreLock: opts.IgnoreLock,
		log:        log,
		obs:        opts.observer(),
		header:     rec.Header,
	}
	d.cond, _ = backend.(blockstore.ConditionalBackend)

	if !opts.IgnoreLock {
		err = d.modifyIndex(ctx, func(old []byte) ([]byte, error) {
			pre, err := index.DecodePrefix(old)
			if err != nil {
				return nil, err
			}
			if pre.Locked {
				return nil, errors.Wrapf(blockstore.ErrLocked, "%q was locked by another handle", location)
			}
			return index.SetLocked(old, true)
		})
		if err != nil {
			return nil, errors.Wrap(err, "unable to lock")
		}
		d.locked = true
	}

	log.Debug("opened", "block_size", d.blockSize, "blocks", d.blockCount, "locked", d.locked, "workers", p.Size())
	return d, nil
}

// modifyIndex rewrites the index with fn. With a conditional backend the
// write only lands if nobody changed the index since it was read, and a
// lost race is retried a few times.
func (d *Device) modifyIndex(ctx context.Context, fn func(old []byte) ([]byte, error)) error {
	key := blockstore.IndexKey(d.location)

	if d.cond == nil {
		d.log.Debug("backend has no conditional writes, index update is not atomic")
		old, err := d.backend.Download(ctx, key)
		if err != nil {
			return errors.Wrap(err, "unable to read index")
		}
		b, err := fn(old)
		if err != nil {
			return err
		}
		return errors.Wrap(d.backend.Upload(ctx, key, b), "unable to write index")
	}

	for attempt := 1; ; attempt++ {
		old, version, err := d.cond.DownloadVersion(ctx, key)
		if err != nil {
			return errors.Wrap(err, "unable to read index")
		}
		b, err := fn(old)
		if err != nil {
			return err
		}
		err = d.cond.UploadIf(ctx, key, b, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, blockstore.ErrPreconditionFailed) || attempt == maxIndexAttempts {
			return errors.Wrap(err, "unable to write index")
		}
		d.log.Debug("index changed underneath us, retrying", "attempt", attempt)
	}
}

// begin checks that d is usable and drains the pending batch. d.mu must be
// held.
func (d *Device) begin(ctx context.Context) error {
	if d.closed {
		return blockstore.ErrClosed
	}
	return d.drainLocked(ctx)
}

func (d *Device) drainLocked(ctx context.Context) error {
	if d.pending == nil {
		return nil
	}
	err := d.pending.Drain(ctx)
	if !d.pending.Drained() {
		return err
	}
	d.pending = nil
	d.obs.BatchDrained(err)
	if err != nil {
		d.batchesFailed.Add(1)
		return &DeferredWriteError{Err: err}
	}
	return nil
}

func (d *Device) checkRange(addrs []int) error {
	for _, a := range addrs {
		if a < 0 || a >= int(d.blockCount) {
			return errors.Wrapf(blockstore.ErrOutOfRange, "block %d is outside [0, %d)", a, d.blockCount)
		}
	}
	return nil
}

func (d *Device) download(ctx context.Context, addr int) ([]byte, error) {
	data, err := d.backend.Download(ctx, blockstore.BlockKey(d.location, addr))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read block %d", addr)
	}
	if len(data) != int(d.blockSize) {
		return nil, errors.Wrapf(blockstore.ErrCorrupt, "block %d is %d bytes, expected %d", addr, len(data), d.blockSize)
	}
	return data, nil
}

// ReadBlock returns the contents of block addr.
func (d *Device) ReadBlock(ctx context.Context, addr int) ([]byte, error) {
	blocks, err := d.ReadBlocks(ctx, []int{addr})
	if err != nil {
		return nil, err
	}
	return blocks[0], nil
}

// ReadBlocks returns the contents of every block in addrs, in order.
func (d *Device) ReadBlocks(ctx context.Context, addrs []int) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.beginRead(ctx, addrs)
	if err != nil {
		return nil, err
	}
	return pool.Map(ctx, d.pool, addrs, d.download)
}

// YieldBlocks is ReadBlocks returning the blocks as they arrive. The checks
// that ReadBlocks does happen before YieldBlocks returns; backend errors are
// yielded and end the sequence.
func (d *Device) YieldBlocks(ctx context.Context, addrs []int) (iter.Seq2[[]byte, error], error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.beginRead(ctx, addrs)
	if err != nil {
		return nil, err
	}
	return pool.LazyMap(ctx, d.pool, addrs, d.download), nil
}

func (d *Device) beginRead(ctx context.Context, addrs []int) error {
	err := d.begin(ctx)
	if err != nil {
		return err
	}
	err = d.checkRange(addrs)
	if err != nil {
		return err
	}
	n := int64(len(addrs)) * int64(d.blockSize)
	d.bytesReceived.Add(n)
	d.obs.BlocksRead(len(addrs), n)
	return nil
}

type write struct {
	addr int
	data []byte
}

// WriteBlock schedules data to be written to block addr.
func (d *Device) WriteBlock(ctx context.Context, addr int, data []byte) error {
	return d.WriteBlocks(ctx, []int{addr}, [][]byte{data}, nil)
}

// WriteBlocks schedules data[i] to be written to addrs[i] and returns
// without waiting, except in synchronous mode. The payloads are copied.
//
// When cb is non-nil it is called once per block, with the result of its
// upload, by the goroutine that drains the batch. cb must not use d.
func (d *Device) WriteBlocks(ctx context.Context, addrs []int, data [][]byte, cb func(addr int, err error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.begin(ctx)
	if err != nil {
		return err
	}
	if len(addrs) != len(data) {
		return errors.Wrapf(blockstore.ErrInvalidConfig, "%d addresses for %d blocks", len(addrs), len(data))
	}
	err = d.checkRange(addrs)
	if err != nil {
		return err
	}

	writes := make([]write, len(addrs))
	for i, b := range data {
		if len(b) != int(d.blockSize) {
			return errors.Wrapf(blockstore.ErrInvalidConfig, "block %d is %d bytes, expected %d", addrs[i], len(b), d.blockSize)
		}
		writes[i] = write{addr: addrs[i], data: append([]byte(nil), b...)}
	}
	if len(writes) == 0 {
		return nil
	}
	if d.pending != nil {
		panic("device: write scheduled while another batch is pending")
	}

	n := int64(len(writes)) * int64(d.blockSize)
	d.bytesSent.Add(n)
	d.batches.Add(1)
	d.obs.BlocksWritten(len(writes), n)

	var done func(write, error)
	if cb != nil {
		done = func(w write, err error) { cb(w.addr, err) }
	}
	d.pending = pool.Schedule(context.WithoutCancel(ctx), d.pool, writes, d.upload, done)

	if d.pool.Synchronous() {
		return d.drainLocked(ctx)
	}
	return nil
}

func (d *Device) upload(ctx context.Context, w write) error {
	err := d.backend.Upload(ctx, blockstore.BlockKey(d.location, w.addr), w.data)
	if err != nil {
		return errors.Wrapf(err, "unable to write block %d", w.addr)
	}
	return nil
}

// Drain waits for the pending write batch, if any. A failed batch is
// returned as a *DeferredWriteError.
func (d *Device) Drain(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.begin(ctx)
}

// UpdateHeaderData replaces the header stored in the index. header must be
// as long as the current header.
func (d *Device) UpdateHeaderData(ctx context.Context, header []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.begin(ctx)
	if err != nil {
		return err
	}
	if len(header) != len(d.header) {
		return errors.Wrapf(blockstore.ErrHeaderLengthMismatch, "new header is %d bytes, current header is %d", len(header), len(d.header))
	}

	err = d.modifyIndex(ctx, func(old []byte) ([]byte, error) {
		return index.UpdateHeader(old, header)
	})
	if err != nil {
		return errors.Wrap(err, "unable to update header")
	}
	d.header = append([]byte(nil), header...)
	return nil
}

// Clone returns another handle on the same location that shares d's backend
// and pool. A clone never locks or unlocks the location. The pool stays up
// until every handle sharing it has been closed.
func (d *Device) Clone() (*Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, blockstore.ErrClosed
	}

	return &Device{
		backend:    d.backend,
		cond:       d.cond,
		pool:       d.pool.Acquire(),
		location:   d.location,
		blockSize:  d.blockSize,
		blockCount: d.blockCount,
		ignoreLock: true,
		clone:      true,
		log:        d.log.With("clone", true),
		obs:        d.obs,
		header:     append([]byte(nil), d.header...),
	}, nil
}

// Close drains pending writes, releases the lock and drops d's reference to
// the pool. Close always closes d; it returns the first error it ran into.
// Closing a closed Device does nothing.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	err := d.drainLocked(ctx)

	if d.locked {
		uerr := d.modifyIndex(ctx, func(old []byte) ([]byte, error) {
			return index.SetLocked(old, false)
		})
		if uerr != nil {
			d.log.Error("unable to unlock", "error", uerr)
			if err == nil {
				err = errors.Wrap(uerr, "unable to unlock")
			}
		} else {
			d.locked = false
		}
	}

	d.pending = nil
	d.pool.Release()
	d.log.Debug("closed", "bytes_sent", d.bytesSent.Load(), "bytes_received", d.bytesReceived.Load())
	return err
}

// Location is the key prefix of the device's objects.
func (d *Device) Location() string {
	return d.location
}

// BlockSize is the size of every block in bytes.
func (d *Device) BlockSize() uint32 {
	return d.blockSize
}

// BlockCount is the number of blocks.
func (d *Device) BlockCount() uint32 {
	return d.blockCount
}

// Size is BlockSize * BlockCount.
func (d *Device) Size() int64 {
	return int64(d.blockSize) * int64(d.blockCount)
}

// HeaderData returns a copy of the header.
func (d *Device) HeaderData() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.header...)
}

// Locked reports whether this handle holds the location's lock.
func (d *Device) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// IsClone reports whether d was created by Clone.
func (d *Device) IsClone() bool {
	return d.clone
}

func (d *Device) BytesSent() int64 {
	return d.bytesSent.Load()
}

func (d *Device) BytesReceived() int64 {
	return d.bytesReceived.Load()
}

// Stats returns the device's counters.
func (d *Device) Stats() Stats {
	return Stats{
		BytesSent:        d.bytesSent.Load(),
		BytesReceived:    d.bytesReceived.Load(),
		BatchesScheduled: d.batches.Load(),
		BatchesFailed:    d.batchesFailed.Load(),
	}
}
