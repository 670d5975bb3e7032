package device

import (
	"context"
	"fmt"
	"math"

	"github.com/hashicorp/go-hclog"
	"github.com/kochman/blockstore"
	"github.com/kochman/blockstore/index"
	"github.com/kochman/blockstore/pool"
	"github.com/pkg/errors"
)

// Setup provisions location on backend with blockCount blocks of blockSize
// bytes and opens it.
//
// Setup refuses to touch a location that already has an index unless
// opts.IgnoreExisting is set, in which case everything under the location
// is deleted first. If provisioning fails after the index was written, the
// location is cleared again before the error is returned.
func Setup(ctx context.Context, backend blockstore.Backend, location string, blockSize, blockCount int, opts SetupOptions) (*Device, error) {
	err := blockstore.ValidateLocation(location)
	if err != nil {
		return nil, err
	}
	if blockSize <= 0 || uint64(blockSize) > math.MaxUint32 {
		return nil, errors.Wrapf(blockstore.ErrInvalidConfig, "block size %d", blockSize)
	}
	if blockCount <= 0 || uint64(blockCount) > math.MaxUint32 {
		return nil, errors.Wrapf(blockstore.ErrInvalidConfig, "block count %d", blockCount)
	}

	rec, err := index.Encode(index.Record{
		BlockSize:  uint32(blockSize),
		BlockCount: uint32(blockCount),
		Header:     opts.Header,
	})
	if err != nil {
		return nil, err
	}

	exists, err := backend.Exists(ctx, blockstore.IndexKey(location))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to check for %q", location)
	}
	if exists && !opts.IgnoreExisting {
		return nil, errors.Wrapf(blockstore.ErrAlreadyExists, "%q already exists; set IgnoreExisting to overwrite it", location)
	}

	p := pool.New(opts.PoolSize)
	s := &setup{
		backend:  backend,
		pool:     p,
		location: location,
		size:     blockSize,
		count:    blockCount,
		init:     opts.Initialize,
		log:      opts.logger().With("location", location),
		obs:      opts.observer(),
	}
	err = s.run(ctx, rec, exists)
	if err != nil {
		p.Release()
		return nil, err
	}

	d, err := open(ctx, backend, location, opts.Options, p)
	if err != nil {
		p.Release()
		return nil, err
	}
	return d, nil
}

type setup struct {
	backend  blockstore.Backend
	pool     *pool.Pool
	location string
	size     int
	count    int
	init     func(addr int) ([]byte, error)
	log      hclog.Logger
	obs      Observer
}

func (s *setup) run(ctx context.Context, rec []byte, exists bool) error {
	prefix := blockstore.LocationPrefix(s.location)

	if exists {
		s.log.Info("overwriting existing storage location")
		err := s.backend.Clear(ctx, prefix, s.pool)
		if err != nil {
			return errors.Wrap(err, "unable to clear existing location")
		}
	}

	err := s.writeIndex(ctx, rec, exists)
	if errors.Is(err, blockstore.ErrAlreadyExists) {
		// someone else owns the index now, leave their objects alone
		return err
	}
	if err == nil {
		err = s.initBlocks(ctx)
	}
	if err == nil {
		s.log.Info("storage location ready", "blocks", s.count, "block_size", s.size)
		return nil
	}

	s.log.Warn("setup failed, clearing location", "error", err)
	cerr := s.backend.Clear(context.WithoutCancel(ctx), prefix, s.pool)
	if cerr != nil {
		s.log.Error("unable to roll back", "error", cerr)
		return fmt.Errorf("%w; unable to roll back: %w", err, cerr)
	}
	return err
}

// writeIndex stores the index. A location that did not exist is created
// conditionally when the backend allows it, so two concurrent setups cannot
// both win.
func (s *setup) writeIndex(ctx context.Context, rec []byte, exists bool) error {
	key := blockstore.IndexKey(s.location)

	cond, ok := s.backend.(blockstore.ConditionalBackend)
	if !ok || exists {
		return errors.Wrap(s.backend.Upload(ctx, key, rec), "unable to write index")
	}

	err := cond.UploadIf(ctx, key, rec, "")
	if errors.Is(err, blockstore.ErrPreconditionFailed) {
		return errors.Wrapf(blockstore.ErrAlreadyExists, "%q was created concurrently", s.location)
	}
	return errors.Wrap(err, "unable to write index")
}

// initBlocks writes every block and then checks that each address was
// written exactly once.
func (s *setup) initBlocks(ctx context.Context) error {
	zero := make([]byte, s.size)
	written := make([]bool, s.count)

	err := s.pool.Run(ctx, s.count, func(ctx context.Context, addr int) error {
		data := zero
		if s.init != nil {
			var err error
			data, err = s.init(addr)
			if err != nil {
				return errors.Wrapf(err, "unable to initialize block %d", addr)
			}
			if len(data) != s.size {
				return errors.Wrapf(blockstore.ErrInvalidConfig, "initial block %d is %d bytes, expected %d", addr, len(data), s.size)
			}
		}

		err := s.backend.Upload(ctx, blockstore.BlockKey(s.location, addr), data)
		if err != nil {
			return errors.Wrapf(err, "unable to write block %d", addr)
		}
		written[addr] = true
		s.obs.SetupProgress(1, int64(len(data)))
		return nil
	})
	if err != nil {
		return err
	}

	for addr, ok := range written {
		if !ok {
			return errors.Errorf("block %d was never initialized", addr)
		}
	}
	return nil
}
