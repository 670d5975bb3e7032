package config

import (
	"context"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/kochman/blockstore"
	badgerbackend "github.com/kochman/blockstore/backends/badger"
	"github.com/kochman/blockstore/backends/file"
	"github.com/kochman/blockstore/backends/gcs"
	"github.com/kochman/blockstore/backends/memory"
	s3backend "github.com/kochman/blockstore/backends/s3"
	"github.com/pkg/errors"
)

// OpenBackend connects to the backend selected by cfg. The returned close
// function releases it.
func OpenBackend(ctx context.Context, cfg BackendConfig, log hclog.Logger) (blockstore.Backend, func() error, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named(cfg.Type)

	switch cfg.Type {
	case "memory":
		b := memory.New()
		return b, b.Close, nil

	case "file":
		err := os.MkdirAll(cfg.File.Dir, 0o755)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to create data directory")
		}
		b, err := file.NewBackend(cfg.File.Dir)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil

	case "badger":
		b, err := badgerbackend.Open(badgerbackend.Config{
			Dir:      cfg.Badger.Dir,
			InMemory: cfg.Badger.InMemory,
			Logger:   log,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil

	case "gcs":
		b, err := gcs.New(ctx, gcs.Config{
			Bucket:          cfg.GCS.Bucket,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Endpoint:        cfg.GCS.Endpoint,
			UpdateInterval:  cfg.GCS.UpdateInterval,
			Logger:          log,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil

	case "s3":
		b, err := s3backend.NewFromConfig(ctx, s3backend.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			Logger:          log,
		})
		if err != nil {
			return nil, nil, err
		}
		err = b.HealthCheck(ctx)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}

	return nil, nil, errors.Wrapf(blockstore.ErrInvalidConfig, "unknown backend type %q", cfg.Type)
}
