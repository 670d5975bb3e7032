// Package file stores objects as files under a local directory. Keys map
// to slash-separated relative paths.
package file

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kochman/blockstore"
	"github.com/pkg/errors"
)

// NewBackend uses dir, which must already exist, as the object root.
func NewBackend(dir string) (*Backend, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to stat dir")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", dir)
	}

	b := &Backend{
		dir: dir,
	}
	return b, nil
}

// Backend is a directory of objects.
type Backend struct {
	dir string
}

func (b *Backend) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", errors.Wrapf(blockstore.ErrInvalidConfig, "invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return "", errors.Wrapf(blockstore.ErrInvalidConfig, "invalid key %q", key)
		}
	}
	return filepath.Join(b.dir, filepath.FromSlash(key)), nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	p, err := b.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrap(err, "unable to stat object")
	}
	return info.Mode().IsRegular(), nil
}

func (b *Backend) Download(ctx context.Context, key string) ([]byte, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(blockstore.ErrNotFound, "no object %q", key)
	} else if err != nil {
		return nil, errors.Wrap(err, "unable to read object")
	}
	return data, nil
}

// Upload writes to a temporary file next to the object and renames it into
// place, so readers never see a partial object.
func (b *Backend) Upload(ctx context.Context, key string, data []byte) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(p), 0755)
	if err != nil {
		return errors.Wrap(err, "unable to create dir")
	}

	f, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "unable to create temp file")
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "unable to write object")
	}

	err = os.Rename(tmp, p)
	if err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "unable to rename object")
	}
	return nil
}

func (b *Backend) Clear(ctx context.Context, prefix string, ex blockstore.Executor) error {
	var paths []string
	err := filepath.WalkDir(b.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.dir, p)
		if err != nil {
			return err
		}
		if strings.HasPrefix(filepath.ToSlash(rel), prefix) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unable to walk dir")
	}

	err = blockstore.RunEach(ctx, ex, len(paths), func(ctx context.Context, i int) error {
		err := os.Remove(paths[i])
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "unable to delete [%s]", paths[i])
		}
		return nil
	})
	if err != nil {
		return err
	}

	// every file below a directory prefix matched, so what is left of that
	// directory is empty subdirectories
	if strings.HasSuffix(prefix, "/") {
		if p, err := b.path(strings.TrimSuffix(prefix, "/")); err == nil {
			err = os.RemoveAll(p)
			if err != nil {
				return errors.Wrap(err, "unable to remove dir")
			}
		}
	}
	return nil
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}

var _ blockstore.Backend = (*Backend)(nil)
