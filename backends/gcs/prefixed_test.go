//go:build integration

package gcs

import (
	"context"
	"strings"

	"github.com/kochman/blockstore"
)

// prefixed scopes a Backend to a key prefix inside a shared bucket.
type prefixed struct {
	*Backend
	prefix string
}

func (p *prefixed) Exists(ctx context.Context, key string) (bool, error) {
	return p.Backend.Exists(ctx, p.prefix+key)
}

func (p *prefixed) Download(ctx context.Context, key string) ([]byte, error) {
	return p.Backend.Download(ctx, p.prefix+key)
}

func (p *prefixed) DownloadVersion(ctx context.Context, key string) ([]byte, string, error) {
	return p.Backend.DownloadVersion(ctx, p.prefix+key)
}

func (p *prefixed) Upload(ctx context.Context, key string, data []byte) error {
	return p.Backend.Upload(ctx, p.prefix+key, data)
}

func (p *prefixed) UploadIf(ctx context.Context, key string, data []byte, version string) error {
	return p.Backend.UploadIf(ctx, p.prefix+key, data, version)
}

func (p *prefixed) Clear(ctx context.Context, prefix string, ex blockstore.Executor) error {
	return p.Backend.Clear(ctx, p.prefix+strings.TrimPrefix(prefix, "/"), ex)
}
