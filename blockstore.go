// Package blockstore defines the contract between a fixed-block storage
// device and the object store it persists to.
//
// A storage location is a key prefix. Its index object lives at
// "<location>/index" and block n lives at "<location>/b<n>". Everything a
// backend has to provide is captured by the Backend interface; backends
// that can make a write conditional on the current object version also
// implement ConditionalBackend, which turns the device lock into a real
// compare-and-swap.
package blockstore

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// IndexName is the object name of the index record inside a location.
const IndexName = "index"

// Backend is a remote object namespace.
type Backend interface {
	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Download returns the contents of key. It returns an error matching
	// ErrNotFound if there is no such object.
	Download(ctx context.Context, key string) ([]byte, error)

	// Upload stores data under key, replacing any existing object.
	Upload(ctx context.Context, key string, data []byte) error

	// Clear deletes every object whose key starts with prefix. Deletes are
	// fanned out through ex when it is non-nil.
	Clear(ctx context.Context, prefix string, ex Executor) error
}

// ConditionalBackend is a Backend that can make writes conditional on the
// version of the object currently stored.
type ConditionalBackend interface {
	Backend

	// DownloadVersion returns the contents of key along with an opaque
	// version string.
	DownloadVersion(ctx context.Context, key string) ([]byte, string, error)

	// UploadIf stores data under key only if the stored version still equals
	// version. An empty version requires that the object does not exist.
	// A mismatch returns an error matching ErrPreconditionFailed.
	UploadIf(ctx context.Context, key string, data []byte, version string) error
}

// Executor runs fn for every index in [0, n) and returns the first error.
// *pool.Pool implements it.
type Executor interface {
	Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error
}

// RunEach runs fn over [0, n) with ex, or sequentially when ex is nil.
func RunEach(ctx context.Context, ex Executor, n int, fn func(ctx context.Context, i int) error) error {
	if ex != nil {
		return ex.Run(ctx, n, fn)
	}
	for i := 0; i < n; i++ {
		if err := fn(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// ValidateLocation checks that location can be used as a key prefix.
func ValidateLocation(location string) error {
	if location == "" {
		return errors.Wrap(ErrInvalidConfig, "empty location")
	}
	if strings.HasSuffix(location, "/") {
		return errors.Wrapf(ErrInvalidConfig, "location %q must not end with /", location)
	}
	return nil
}

// LocationPrefix is the prefix shared by every object of a location.
func LocationPrefix(location string) string {
	return location + "/"
}

// IndexKey is the key of the index record of a location.
func IndexKey(location string) string {
	return LocationPrefix(location) + IndexName
}

// BlockKey is the key of block addr of a location.
func BlockKey(location string, addr int) string {
	return LocationPrefix(location) + "b" + strconv.Itoa(addr)
}
