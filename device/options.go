package device

import (
	"github.com/hashicorp/go-hclog"
)

// DefaultPoolSize is the number of workers DefaultOptions asks for.
const DefaultPoolSize = 16

// Options configure Open. The zero value is valid and selects synchronous
// mode.
type Options struct {
	// PoolSize is the number of workers used for backend I/O. Zero runs
	// everything inline on the caller's goroutine, so write errors are
	// returned by the write itself.
	PoolSize int

	// IgnoreLock opens a location without checking or taking its lock.
	IgnoreLock bool

	Logger   hclog.Logger
	Observer Observer
}

// DefaultOptions returns Options with a DefaultPoolSize pool.
func DefaultOptions() Options {
	return Options{PoolSize: DefaultPoolSize}
}

func (o Options) logger() hclog.Logger {
	if o.Logger == nil {
		return hclog.NewNullLogger()
	}
	return o.Logger
}

func (o Options) observer() Observer {
	if o.Observer == nil {
		return nopObserver{}
	}
	return o.Observer
}

// SetupOptions configure Setup.
type SetupOptions struct {
	Options

	// Header is stored in the index. Its length is fixed from now on.
	Header []byte

	// Initialize returns the initial contents of block addr. It is called
	// concurrently from the pool's workers and must return exactly one
	// block. When nil, blocks start out zeroed.
	Initialize func(addr int) ([]byte, error)

	// IgnoreExisting overwrites a location that already exists.
	IgnoreExisting bool
}
