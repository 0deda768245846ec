// Package s3 implements the object-store client over an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	cargoconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/s3fs/pkg/errors"
	"github.com/objectfs/s3fs/pkg/types"
)

// Backend implements types.Backend over an S3-compatible bucket.
type Backend struct {
	client      *s3.Client
	bucket      string
	transporter *cargoships3.Transporter
	config      *Config
	logger      *slog.Logger
}

// NewBackend creates a backend bound to bucket and verifies it is reachable.
// A failed HeadBucket here is a fatal startup error by policy.
func NewBackend(ctx context.Context, bucket string, cfg *Config) (*Backend, error) {
	if bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// The SDK counts the first attempt, so MaxRetries retries need one more.
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries + 1),
		awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConfigLoad, "failed to load AWS config").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
		if cfg.UseDualStack {
			o.EndpointOptions.UseDualStackEndpoint = aws.DualStackEndpointStateEnabled
		}
	})

	logger := slog.Default().With("component", "s3-backend", "bucket", bucket)

	var transporter *cargoships3.Transporter
	if cfg.EnableCargoShipOptimization {
		cargoCfg := cargoconfig.S3Config{
			Bucket:             bucket,
			StorageClass:       cargoconfig.StorageClassStandard,
			MultipartThreshold: cfg.MultipartThreshold,
			MultipartChunkSize: cfg.MultipartChunkSize,
			Concurrency:        cfg.MultipartConcurrency,
		}
		transporter = cargoships3.NewTransporter(client, cargoCfg)
		logger.Info("CargoShip upload optimization enabled",
			"multipart_threshold", cfg.MultipartThreshold,
			"chunk_size", cfg.MultipartChunkSize,
			"concurrency", cfg.MultipartConcurrency)
	}

	backend := &Backend{
		client:      client,
		bucket:      bucket,
		transporter: transporter,
		config:      cfg,
		logger:      logger,
	}

	if err := backend.healthCheck(ctx); err != nil {
		return nil, err
	}
	return backend, nil
}

// HeadObject retrieves metadata about an object.
func (b *Backend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.translateError(err, "HeadObject", key)
	}

	info := &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
		Metadata:     make(map[string]string, len(result.Metadata)),
	}
	for k, v := range result.Metadata {
		info.Metadata[k] = v
	}
	return info, nil
}

// GetObject retrieves an object or part of an object. offset == 0 and
// size == 0 fetches the whole body.
func (b *Backend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	var rangeHeader *string
	if offset > 0 || size > 0 {
		if size > 0 {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
		} else {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	})
	if err != nil {
		return nil, b.translateError(err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeNetworkError, "failed to read object body").
			WithKey(key).WithCause(err)
	}
	return data, nil
}

// PutObject stores data under key with the given user metadata.
func (b *Backend) PutObject(ctx context.Context, key string, data []byte, meta map[string]string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      meta,
		ACL:           s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return b.translateError(err, "PutObject", key)
	}
	return nil
}

// PutObjectFromFile streams a local file to key. When the CargoShip
// transporter is configured it handles the upload; any transporter failure
// falls back to the plain client.
func (b *Backend) PutObjectFromFile(ctx context.Context, key, path string, meta map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.NewError(errors.ErrCodeLocalIO, "failed to open staged file").
			WithKey(key).WithCause(err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errors.NewError(errors.ErrCodeLocalIO, "failed to stat staged file").
			WithKey(key).WithCause(err)
	}

	if b.transporter != nil {
		archive := cargoships3.Archive{
			Key:          key,
			Reader:       f,
			Size:         fi.Size(),
			StorageClass: cargoconfig.StorageClassStandard,
			Metadata:     meta,
		}
		_, uploadErr := b.transporter.Upload(ctx, archive)
		if uploadErr == nil {
			return nil
		}
		b.logger.Warn("CargoShip upload failed, falling back to standard client",
			"key", key, "error", uploadErr)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return errors.NewError(errors.ErrCodeLocalIO, "failed to rewind staged file").
				WithKey(key).WithCause(err)
		}
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		Metadata:      meta,
		ACL:           s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return b.translateError(err, "PutObject", key)
	}
	return nil
}

// CopyObject performs a server-side copy. A nil meta map keeps the source
// metadata; a non-nil map replaces it, which is how a self-copy updates
// attributes without re-uploading the body.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string, meta map[string]string) error {
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + srcKey),
		ACL:        s3types.ObjectCannedACLPrivate,
	}
	if meta != nil {
		input.Metadata = meta
		input.MetadataDirective = s3types.MetadataDirectiveReplace
	} else {
		input.MetadataDirective = s3types.MetadataDirectiveCopy
	}

	if _, err := b.client.CopyObject(ctx, input); err != nil {
		return b.translateError(err, "CopyObject", srcKey)
	}
	return nil
}

// DeleteObject removes an object from the bucket.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.translateError(err, "DeleteObject", key)
	}
	return nil
}

// ListObjects lists keys under prefix, paginating until exhausted. With a
// delimiter, synthesised sub-directories come back as entries whose key keeps
// the trailing delimiter; within each page they precede that page's objects.
func (b *Backend) ListObjects(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error) {
	var objects []types.ObjectInfo
	var continuation *string

	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		}
		if delimiter != "" {
			input.Delimiter = aws.String(delimiter)
		}

		result, err := b.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, b.translateError(err, "ListObjects", prefix)
		}

		for _, p := range result.CommonPrefixes {
			objects = append(objects, types.ObjectInfo{Key: aws.ToString(p.Prefix)})
		}
		for _, obj := range result.Contents {
			objects = append(objects, types.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}

		if !aws.ToBool(result.IsTruncated) {
			break
		}
		continuation = result.NextContinuationToken
	}
	return objects, nil
}

func (b *Backend) healthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		if isErrorType[*s3types.NotFound](err) {
			return errors.Newf(errors.ErrCodeBucketNotFound, "bucket not found: %s", b.bucket).WithCause(err)
		}
		return errors.Newf(errors.ErrCodeNetworkError, "bucket health check failed: %s", b.bucket).WithCause(err)
	}
	return nil
}

func (b *Backend) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err), hasErrorCode(err, "NotFound"):
		return errors.Newf(errors.ErrCodeObjectNotFound, "object not found: %s", key).
			WithComponent("s3-backend").WithOperation(operation).WithKey(key).WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Newf(errors.ErrCodeBucketNotFound, "bucket not found: %s", b.bucket).
			WithComponent("s3-backend").WithOperation(operation).WithCause(err)
	default:
		return errors.Newf(errors.ErrCodeNetworkError, "%s failed for %s", operation, key).
			WithComponent("s3-backend").WithOperation(operation).WithKey(key).WithCause(err)
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func hasErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
