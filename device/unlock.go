package device

import (
	"context"

	"github.com/kochman/blockstore"
	"github.com/kochman/blockstore/index"
	"github.com/pkg/errors"
)

// Unlock clears the lock of location without opening it. It is meant for
// recovering a location whose owner went away without closing it; clearing
// the lock of a live handle lets a second writer in.
//
// Unlock reports whether the location was locked.
func Unlock(ctx context.Context, backend blockstore.Backend, location string, opts Options) (bool, error) {
	err := blockstore.ValidateLocation(location)
	if err != nil {
		return false, err
	}

	d := &Device{
		backend:  backend,
		location: location,
		log:      opts.logger().With("location", location),
	}
	d.cond, _ = backend.(blockstore.ConditionalBackend)

	var was bool
	err = d.modifyIndex(ctx, func(old []byte) ([]byte, error) {
		pre, err := index.DecodePrefix(old)
		if err != nil {
			return nil, err
		}
		was = pre.Locked
		return index.SetLocked(old, false)
	})
	if err != nil {
		return false, errors.Wrapf(err, "unable to unlock %q", location)
	}
	if was {
		d.log.Warn("cleared stale lock")
	}
	return was, nil
}
