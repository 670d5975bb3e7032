// Package s3 stores objects in an S3 bucket or an S3-compatible service.
package s3

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-hclog"
	"github.com/kochman/blockstore"
	"github.com/pkg/errors"
)

// Config holds configuration for the S3 backend.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the SDK's default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO).
	ForcePathStyle bool

	Logger hclog.Logger
}

// Backend is an S3 bucket. ETags serve as versions for conditional writes.
type Backend struct {
	client *s3.Client
	bucket string
	log    hclog.Logger
}

// New creates a backend with an existing client.
func New(client *s3.Client, cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Backend{
		client: client,
		bucket: cfg.Bucket,
		log:    cfg.Logger,
	}
}

// NewFromConfig creates a backend by building an S3 client from cfg.
func NewFromConfig(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.Wrap(blockstore.ErrInvalidConfig, "s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return New(client, cfg), nil
}

// HealthCheck verifies the bucket is reachable with a HeadBucket call.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return errors.Wrap(err, "s3 health check failed")
	}
	return nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrapf(err, "s3 head object %q", key)
	}
	return true, nil
}

func (b *Backend) Download(ctx context.Context, key string) ([]byte, error) {
	data, _, err := b.DownloadVersion(ctx, key)
	return data, err
}

func (b *Backend) DownloadVersion(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, "", errors.Wrapf(blockstore.ErrNotFound, "no object %q", key)
	} else if err != nil {
		return nil, "", errors.Wrapf(err, "s3 get object %q", key)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.Wrapf(err, "read s3 object body %q", key)
	}
	return data, aws.ToString(resp.ETag), nil
}

func (b *Backend) Upload(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errors.Wrapf(err, "s3 put object %q", key)
	}
	return nil
}

func (b *Backend) UploadIf(ctx context.Context, key string, data []byte, version string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if version == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(version)
	}

	_, err := b.client.PutObject(ctx, in)
	if isPreconditionFailed(err) || (version != "" && isNotFound(err)) {
		return errors.Wrapf(blockstore.ErrPreconditionFailed, "object %q changed", key)
	} else if err != nil {
		return errors.Wrapf(err, "s3 put object %q", key)
	}
	return nil
}

// Clear lists the prefix page by page and deletes each page with one
// DeleteObjects call. Pages are deleted through ex.
func (b *Backend) Clear(ctx context.Context, prefix string, ex blockstore.Executor) error {
	var batches [][]types.ObjectIdentifier

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return errors.Wrap(err, "s3 list objects")
		}
		if len(page.Contents) == 0 {
			continue
		}

		// at most 1000 per page, which is also the DeleteObjects limit
		objects := make([]types.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			objects[i] = types.ObjectIdentifier{Key: obj.Key}
		}
		batches = append(batches, objects)
	}

	b.log.Debug("clearing objects", "prefix", prefix, "batches", len(batches))
	return blockstore.RunEach(ctx, ex, len(batches), func(ctx context.Context, i int) error {
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: batches[i], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return errors.Wrap(err, "s3 delete objects")
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return errors.Errorf("s3 delete objects: %s: %s (%d failed)",
				aws.ToString(e.Key), aws.ToString(e.Message), len(out.Errors))
		}
		return nil
	})
}

// Close is a no-op; the client holds no resources that need releasing.
func (b *Backend) Close() error {
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return false
}

var _ blockstore.ConditionalBackend = (*Backend)(nil)
