// Package gcs stores objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-hclog"
	"github.com/jellydator/ttlcache/v3"
	"github.com/kochman/blockstore"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// DefaultUpdateInterval is how often a single object may be rewritten. GCS
// allows roughly one update per second to the same object name.
const DefaultUpdateInterval = time.Second

// Config configures a Backend.
type Config struct {
	Bucket string

	// CredentialsFile is a service account JSON file. When empty the
	// application default credentials are used.
	CredentialsFile string

	// Endpoint overrides the storage endpoint, e.g. for an emulator.
	// Requests to a custom endpoint are not authenticated.
	Endpoint string

	// UpdateInterval is the minimum time between two writes to the same
	// object. Zero means DefaultUpdateInterval; negative disables limiting.
	UpdateInterval time.Duration

	Logger hclog.Logger
}

// Backend is a GCS bucket. Object generations are used as versions, so it
// is a ConditionalBackend.
type Backend struct {
	client *storage.Client
	b      *storage.BucketHandle
	log    hclog.Logger

	interval time.Duration
	limiters *ttlcache.Cache[string, *rate.Limiter]
}

// New connects to the bucket in cfg and checks that it is reachable.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.Wrap(blockstore.ErrInvalidConfig, "gcs bucket is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create client")
	}

	b := client.Bucket(cfg.Bucket)
	_, err = b.Attrs(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "unable to get bucket handle")
	}

	backend := &Backend{
		client:   client,
		b:        b,
		log:      cfg.Logger,
		interval: cfg.UpdateInterval,
	}
	if backend.interval > 0 {
		backend.limiters = ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
		)
		go backend.limiters.Start()
	}
	return backend, nil
}

// wait blocks until key may be written again.
func (b *Backend) wait(ctx context.Context, key string) error {
	if b.limiters == nil {
		return nil
	}
	item, _ := b.limiters.GetOrSet(key, rate.NewLimiter(rate.Every(b.interval), 1))
	l := item.Value()
	if l.Tokens() < 1 {
		b.log.Trace("waiting for object update limit", "key", key)
	}
	return l.Wait(ctx)
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.b.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrapf(err, "unable to get attributes of %q", key)
	}
	return true, nil
}

func (b *Backend) Download(ctx context.Context, key string) ([]byte, error) {
	data, _, err := b.DownloadVersion(ctx, key)
	return data, err
}

func (b *Backend) DownloadVersion(ctx context.Context, key string) ([]byte, string, error) {
	r, err := b.b.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, "", errors.Wrapf(blockstore.ErrNotFound, "no object %q", key)
	} else if err != nil {
		return nil, "", errors.Wrapf(err, "unable to get reader for %q", key)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", errors.Wrapf(err, "unable to read %q", key)
	}
	return data, strconv.FormatInt(r.Attrs.Generation, 10), nil
}

func (b *Backend) Upload(ctx context.Context, key string, data []byte) error {
	return b.write(ctx, b.b.Object(key), data)
}

func (b *Backend) UploadIf(ctx context.Context, key string, data []byte, version string) error {
	cond := storage.Conditions{DoesNotExist: true}
	if version != "" {
		gen, err := strconv.ParseInt(version, 10, 64)
		if err != nil {
			return errors.Wrapf(blockstore.ErrPreconditionFailed, "malformed generation %q", version)
		}
		cond = storage.Conditions{GenerationMatch: gen}
	}

	err := b.write(ctx, b.b.Object(key).If(cond), data)
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		return errors.Wrapf(blockstore.ErrPreconditionFailed, "object %q changed", key)
	}
	return err
}

func (b *Backend) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	err := b.wait(ctx, obj.ObjectName())
	if err != nil {
		return err
	}

	w := obj.NewWriter(ctx)
	_, err = w.Write(data)
	if err != nil {
		w.Close()
		return errors.Wrapf(err, "unable to write to %q", obj.ObjectName())
	}
	err = w.Close()
	if err != nil {
		return errors.Wrapf(err, "unable to close writer for %q", obj.ObjectName())
	}
	return nil
}

// Clear lists every object under prefix, then deletes them through ex.
func (b *Backend) Clear(ctx context.Context, prefix string, ex blockstore.Executor) error {
	q := &storage.Query{Prefix: prefix}
	err := q.SetAttrSelection([]string{"Name"})
	if err != nil {
		return errors.Wrap(err, "unable to set attribute selection")
	}

	var names []string
	it := b.b.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		} else if err != nil {
			return errors.Wrap(err, "unable to iterate")
		}
		names = append(names, attrs.Name)
	}

	b.log.Debug("clearing objects", "prefix", prefix, "objects", len(names))
	return blockstore.RunEach(ctx, ex, len(names), func(ctx context.Context, i int) error {
		err := b.b.Object(names[i]).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return errors.Wrapf(err, "unable to delete [%s]", names[i])
		}
		return nil
	})
}

// Close stops the limiter cache and closes the client.
func (b *Backend) Close() error {
	if b.limiters != nil {
		b.limiters.Stop()
	}
	return b.client.Close()
}

var _ blockstore.ConditionalBackend = (*Backend)(nil)
