package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/cache"
)

const (
	// defaultS3PartSize is the default part size for S3 multipart operations
	defaultS3PartSize = 5 * 1024 * 1024
	// defaultRateLimit is the default rate limit for S3 API calls (requests per second)
	defaultRateLimit = 100
	// defaultBurstLimit is the default burst limit for S3 API calls
	defaultBurstLimit = 200

	artifactObject = "artifact"
	manifestObject = "manifest.json"
)

// S3Cache implements RemoteCache using AWS S3.
// Every entry is stored as two objects, <prefix><key>/artifact and <prefix><key>/manifest.json.
type S3Cache struct {
	storage     cache.ObjectStorage
	cfg         *cache.RemoteConfig
	rateLimiter *rate.Limiter
}

// NewS3Cache creates a new S3 cache implementation
func NewS3Cache(cfg *cache.RemoteConfig) (*S3Cache, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}

	return NewS3CacheWithStorage(NewS3Storage(cfg.BucketName, &awsCfg), cfg), nil
}

// NewS3CacheWithStorage creates an S3 cache on top of an existing object storage
func NewS3CacheWithStorage(storage cache.ObjectStorage, cfg *cache.RemoteConfig) *S3Cache {
	return &S3Cache{
		storage:     storage,
		cfg:         cfg,
		rateLimiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurstLimit),
	}
}

// Pull implements RemoteCache. A missing entry is a miss; any other storage failure is returned.
// Downloaded entries are verified by the importer before they become visible.
func (s *S3Cache) Pull(ctx context.Context, key string, dst cache.Importer) (bool, error) {
	artifactKey := objectKey(s.cfg.Prefix, key, artifactObject)
	manifestKey := objectKey(s.cfg.Prefix, key, manifestObject)

	if err := s.rateLimiter.Wait(ctx); err != nil {
		return false, err
	}
	exists, err := s.storage.HasObject(ctx, manifestKey)
	if err != nil {
		return false, xerrors.Errorf("cannot check remote cache for %s: %w", key, err)
	}
	if !exists {
		log.WithField("key", key).Debug("remote cache miss")
		return false, nil
	}

	tmp, err := os.MkdirTemp("", "kiln-pull-*")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(tmp)

	var (
		artifactPath = filepath.Join(tmp, artifactObject)
		manifestPath = filepath.Join(tmp, manifestObject)
	)
	eg, egctx := errgroup.WithContext(ctx)
	for obj, dest := range map[string]string{artifactKey: artifactPath, manifestKey: manifestPath} {
		obj, dest := obj, dest
		eg.Go(func() error {
			if err := s.rateLimiter.Wait(egctx); err != nil {
				return err
			}
			_, err := s.storage.GetObject(egctx, obj, dest)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return false, xerrors.Errorf("cannot download %s from remote cache: %w", key, err)
	}

	if err := dst.Import(key, artifactPath, manifestPath); err != nil {
		return false, err
	}
	log.WithField("key", key).Debug("pulled entry from remote cache")
	return true, nil
}

// Push implements RemoteCache. Upload failures are logged and otherwise ignored.
func (s *S3Cache) Push(ctx context.Context, key string, src cache.EntryLocator) error {
	artifactPath, manifestPath, exists := src.Entry(key)
	if !exists {
		log.WithField("key", key).Debug("no local cache entry to push")
		return nil
	}

	// The manifest goes last so that a present manifest implies a complete entry.
	for _, obj := range []struct{ key, src string }{
		{objectKey(s.cfg.Prefix, key, artifactObject), artifactPath},
		{objectKey(s.cfg.Prefix, key, manifestObject), manifestPath},
	} {
		if err := s.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.storage.UploadObject(ctx, obj.key, obj.src); err != nil {
			log.WithError(err).WithField("object", obj.key).Warn("cannot upload to remote cache - continuing")
			return nil
		}
	}
	log.WithField("key", key).Debug("pushed entry to remote cache")
	return nil
}

// s3ClientAPI is a subset of the S3 client interface we need
type s3ClientAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
}

// S3Storage implements ObjectStorage using AWS S3
type S3Storage struct {
	client     s3ClientAPI
	bucketName string
}

// NewS3Storage creates a new S3 storage implementation
func NewS3Storage(bucketName string, cfg *aws.Config) *S3Storage {
	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		o.DisableLogOutputChecksumValidationSkipped = true
	})
	return &S3Storage{
		client:     client,
		bucketName: bucketName,
	}
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

// HasObject implements ObjectStorage
func (s *S3Storage) HasObject(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetObject implements ObjectStorage
func (s *S3Storage) GetObject(ctx context.Context, key string, dest string) (n int64, err error) {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = defaultS3PartSize
	})

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file: %w", err)
	}
	defer func() {
		_ = file.Close()
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	n, err = downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("object not found: %w", err)
		}
		return 0, fmt.Errorf("failed to download object: %w", err)
	}
	return n, nil
}

// UploadObject implements ObjectStorage
func (s *S3Storage) UploadObject(ctx context.Context, key string, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer func() { _ = file.Close() }()

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = defaultS3PartSize
	})
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("S3 API error %s: %w", apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}
