// Package memory is an in-process Backend, mostly useful for tests.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kochman/blockstore"
	"github.com/pkg/errors"
)

type object struct {
	data    []byte
	version uint64
}

// Backend keeps objects in a map. It supports conditional uploads.
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
	version uint64
	closed  bool

	uploadHook   func(key string) error
	downloadHook func(key string) error
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		objects: map[string]object{},
	}
}

// FailUploads installs a hook consulted before every upload. A non-nil
// return fails the upload with that error. Passing nil removes the hook.
func (b *Backend) FailUploads(hook func(key string) error) {
	b.mu.Lock()
	b.uploadHook = hook
	b.mu.Unlock()
}

// FailDownloads is FailUploads for downloads.
func (b *Backend) FailDownloads(hook func(key string) error) {
	b.mu.Lock()
	b.downloadHook = hook
	b.mu.Unlock()
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, blockstore.ErrClosed
	}
	_, ok := b.objects[key]
	return ok, nil
}

func (b *Backend) Download(ctx context.Context, key string) ([]byte, error) {
	data, _, err := b.DownloadVersion(ctx, key)
	return data, err
}

func (b *Backend) DownloadVersion(ctx context.Context, key string) ([]byte, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, "", blockstore.ErrClosed
	}
	if b.downloadHook != nil {
		if err := b.downloadHook(key); err != nil {
			return nil, "", err
		}
	}
	o, ok := b.objects[key]
	if !ok {
		return nil, "", errors.Wrapf(blockstore.ErrNotFound, "no object %q", key)
	}
	c := make([]byte, len(o.data))
	copy(c, o.data)
	return c, strconv.FormatUint(o.version, 10), nil
}

func (b *Backend) Upload(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUpload(key); err != nil {
		return err
	}
	b.putLocked(key, data)
	return nil
}

func (b *Backend) UploadIf(ctx context.Context, key string, data []byte, version string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUpload(key); err != nil {
		return err
	}
	o, ok := b.objects[key]
	switch {
	case version == "" && ok:
		return errors.Wrapf(blockstore.ErrPreconditionFailed, "object %q exists", key)
	case version != "" && !ok:
		return errors.Wrapf(blockstore.ErrPreconditionFailed, "object %q does not exist", key)
	case version != "" && strconv.FormatUint(o.version, 10) != version:
		return errors.Wrapf(blockstore.ErrPreconditionFailed, "object %q is at version %d, not %s", key, o.version, version)
	}
	b.putLocked(key, data)
	return nil
}

func (b *Backend) checkUpload(key string) error {
	if b.closed {
		return blockstore.ErrClosed
	}
	if b.uploadHook != nil {
		return b.uploadHook(key)
	}
	return nil
}

func (b *Backend) putLocked(key string, data []byte) {
	c := make([]byte, len(data))
	copy(c, data)
	b.version++
	b.objects[key] = object{data: c, version: b.version}
}

func (b *Backend) Clear(ctx context.Context, prefix string, ex blockstore.Executor) error {
	keys, err := b.list(prefix)
	if err != nil {
		return err
	}
	return blockstore.RunEach(ctx, ex, len(keys), func(ctx context.Context, i int) error {
		b.mu.Lock()
		delete(b.objects, keys[i])
		b.mu.Unlock()
		return nil
	})
}

// Keys returns the sorted keys under prefix.
func (b *Backend) Keys(prefix string) []string {
	keys, _ := b.list(prefix)
	return keys
}

func (b *Backend) list(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, blockstore.ErrClosed
	}
	keys := []string{}
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close drops all objects. Later calls fail with blockstore.ErrClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.objects = nil
	return nil
}

var _ blockstore.ConditionalBackend = (*Backend)(nil)
