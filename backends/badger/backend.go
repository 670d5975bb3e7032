// Package badger stores objects in an embedded Badger database.
package badger

import (
	"context"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/kochman/blockstore"
	"github.com/pkg/errors"
)

// Config configures a Backend.
type Config struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory.
	InMemory bool

	// Logger receives Badger's own log output. Defaults to a null logger.
	Logger hclog.Logger
}

// Backend is a Badger database of objects. Conditional uploads compare
// Badger item versions inside a read-write transaction.
type Backend struct {
	db *badger.DB
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Backend, error) {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if cfg.Dir == "" {
		return nil, errors.Wrap(blockstore.ErrInvalidConfig, "badger dir is required")
	}
	opts = opts.WithLogger(newLogger(cfg.Logger.Named("badger")))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open badger")
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrap(err, "unable to get item")
	}
	return true, nil
}

func (b *Backend) Download(ctx context.Context, key string) ([]byte, error) {
	data, _, err := b.DownloadVersion(ctx, key)
	return data, err
}

func (b *Backend) DownloadVersion(ctx context.Context, key string) ([]byte, string, error) {
	var data []byte
	var version uint64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		version = item.Version()
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, "", errors.Wrapf(blockstore.ErrNotFound, "no object %q", key)
	} else if err != nil {
		return nil, "", errors.Wrap(err, "unable to read item")
	}
	return data, strconv.FormatUint(version, 10), nil
}

func (b *Backend) Upload(ctx context.Context, key string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return errors.Wrap(err, "unable to set item")
	}
	return nil
}

func (b *Backend) UploadIf(ctx context.Context, key string, data []byte, version string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if version != "" {
				return errors.Wrapf(blockstore.ErrPreconditionFailed, "object %q does not exist", key)
			}
		case err != nil:
			return err
		case version == "":
			return errors.Wrapf(blockstore.ErrPreconditionFailed, "object %q exists", key)
		case strconv.FormatUint(item.Version(), 10) != version:
			return errors.Wrapf(blockstore.ErrPreconditionFailed, "object %q is at version %d, not %s", key, item.Version(), version)
		}
		return txn.Set([]byte(key), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return errors.Wrapf(blockstore.ErrPreconditionFailed, "object %q changed during the update", key)
	} else if err != nil && !errors.Is(err, blockstore.ErrPreconditionFailed) {
		return errors.Wrap(err, "unable to set item")
	}
	return err
}

// Clear drops every key under prefix. Badger does this in one pass, so ex is
// not used.
func (b *Backend) Clear(ctx context.Context, prefix string, _ blockstore.Executor) error {
	err := b.db.DropPrefix([]byte(prefix))
	if err != nil {
		return errors.Wrap(err, "unable to drop prefix")
	}
	return nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

var _ blockstore.ConditionalBackend = (*Backend)(nil)
