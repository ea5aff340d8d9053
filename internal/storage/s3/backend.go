package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"go.uber.org/zap"

	fserrors "github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/types"
)

// maxListKeys is the largest page S3 returns.
const maxListKeys = 1000

// Backend implements types.BlobStore on an S3 compatible service. The
// container argument of every call is the bucket name.
type Backend struct {
	pool   *ConnectionPool
	config *Config
	class  s3types.StorageClass
	logger *zap.Logger

	// uploader backs the multipart transporters, one per bucket.
	uploader     *s3.Client
	transportMu  sync.Mutex
	transporters map[string]*cargoships3.Transporter

	// Metrics
	mu      sync.RWMutex
	metrics BackendMetrics
}

// NewBackend creates an S3 backend and, unless disabled, verifies that
// bucket is reachable.
func NewBackend(ctx context.Context, bucket string, cfg *Config, logger *zap.Logger) (*Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	// Load AWS configuration
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, clientOptions(cfg)), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	var class s3types.StorageClass
	if cfg.StorageClass != "" {
		class, _ = storageClass(cfg.StorageClass)
	}

	backend := &Backend{
		pool:         pool,
		config:       cfg,
		class:        class,
		logger:       logger.With(zap.String("bucket", bucket)),
		uploader:     s3.NewFromConfig(awsCfg, clientOptions(cfg)),
		transporters: make(map[string]*cargoships3.Transporter),
	}

	backend.logger.Info("S3 backend configured",
		zap.String("region", cfg.Region),
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("path_style", cfg.ForcePathStyle),
		zap.Int("pool_size", pool.maxSize),
		zap.Int64("multipart_threshold", cfg.MultipartThreshold))

	if !cfg.SkipHealthCheck {
		if err := backend.HealthCheck(ctx, bucket); err != nil {
			return nil, fmt.Errorf("S3 backend health check failed: %w", err)
		}
	}

	return backend, nil
}

func clientOptions(cfg *Config) func(*s3.Options) {
	return func(o *s3.Options) {
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
	}
}

// do runs fn with a pooled client under the request timeout and records
// request metrics.
func (b *Backend) do(ctx context.Context, fn func(context.Context, *s3.Client) error) error {
	if b.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.RequestTimeout)
		defer cancel()
	}

	client, err := b.pool.Get(ctx)
	if err != nil {
		return fserrors.NewError(fserrors.ErrCodeNetworkError, "no S3 client available").
			WithComponent("s3").WithCause(err)
	}
	defer b.pool.Put(client)

	start := time.Now()
	err = fn(ctx, client)
	b.recordMetrics(time.Since(start), err)
	return err
}

// ListHierarchical implements types.BlobStore.
func (b *Backend) ListHierarchical(ctx context.Context, bucket, delimiter, token, prefix string, pageSize int) (*types.ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}
	if pageSize > 0 && pageSize < maxListKeys {
		input.MaxKeys = aws.Int32(int32(pageSize))
	}

	var out *s3.ListObjectsV2Output
	err := b.do(ctx, func(ctx context.Context, client *s3.Client) error {
		var err error
		out, err = client.ListObjectsV2(ctx, input)
		return err
	})
	if err != nil {
		return nil, b.translateError(err, "ListObjectsV2", prefix)
	}

	items := mergeListing(out.Contents, out.CommonPrefixes)

	// Listings carry no user metadata; zero-size objects may be folder
	// markers, so fetch theirs.
	for i := range items {
		it := &items[i]
		if it.IsDirectory || it.Size != 0 || strings.HasSuffix(it.Name, "/") {
			continue
		}
		props, err := b.GetProperties(ctx, bucket, it.Name)
		if err != nil {
			return nil, err
		}
		if props.Exists {
			it.Metadata = props.Metadata
		}
	}

	result := &types.ListResult{Items: items}
	if aws.ToBool(out.IsTruncated) {
		result.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return result, nil
}

// mergeListing combines objects and common prefixes into one sorted page.
func mergeListing(contents []s3types.Object, prefixes []s3types.CommonPrefix) []types.ListItem {
	items := make([]types.ListItem, 0, len(contents)+len(prefixes))
	for _, obj := range contents {
		items = append(items, types.ListItem{
			Name:         aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	for _, p := range prefixes {
		items = append(items, types.ListItem{
			Name:        aws.ToString(p.Prefix),
			IsDirectory: true,
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

// GetProperties implements types.BlobStore.
func (b *Backend) GetProperties(ctx context.Context, bucket, name string) (*types.Properties, error) {
	var out *s3.HeadObjectOutput
	err := b.do(ctx, func(ctx context.Context, client *s3.Client) error {
		var err error
		out, err = client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(name),
		})
		return err
	})
	if err != nil {
		terr := b.translateError(err, "HeadObject", name)
		if fserrors.CodeOf(terr) == fserrors.ErrCodeObjectNotFound {
			return &types.Properties{Exists: false}, nil
		}
		return nil, terr
	}

	return &types.Properties{
		Exists:       true,
		Size:         aws.ToInt64(out.ContentLength),
		Metadata:     out.Metadata,
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Copy implements types.BlobStore.
func (b *Backend) Copy(ctx context.Context, bucket, src, dst string) error {
	err := b.do(ctx, func(ctx context.Context, client *s3.Client) error {
		_, err := client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(bucket),
			Key:               aws.String(dst),
			CopySource:        aws.String(copySource(bucket, src)),
			MetadataDirective: s3types.MetadataDirectiveCopy,
		})
		return err
	})
	if err != nil {
		return b.translateError(err, "CopyObject", src)
	}
	return nil
}

// copySource builds the URL-encoded "bucket/key" form CopyObject expects.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		// PathEscape keeps '+', which S3 decodes as a space.
		parts[i] = strings.ReplaceAll(url.PathEscape(p), "+", "%2B")
	}
	return bucket + "/" + strings.Join(parts, "/")
}

// Delete implements types.BlobStore.
func (b *Backend) Delete(ctx context.Context, bucket, name string) error {
	err := b.do(ctx, func(ctx context.Context, client *s3.Client) error {
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(name),
		})
		return err
	})
	if err != nil {
		terr := b.translateError(err, "DeleteObject", name)
		if fserrors.CodeOf(terr) == fserrors.ErrCodeObjectNotFound {
			return nil
		}
		return terr
	}
	return nil
}

// Download implements types.BlobStore.
func (b *Backend) Download(ctx context.Context, bucket, name string, w io.Writer) error {
	var n int64
	err := b.do(ctx, func(ctx context.Context, client *s3.Client) error {
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(name),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		n, err = io.Copy(w, out.Body)
		return err
	})
	if err != nil {
		return b.translateError(err, "GetObject", name)
	}
	b.recordBytes(0, n)
	return nil
}

// Upload implements types.BlobStore.
func (b *Backend) Upload(ctx context.Context, bucket, name string, r io.Reader, metadata map[string]string) error {
	if seeker, size, ok := readerSize(r); ok && b.multipart(size) {
		err := b.uploadMultipart(ctx, bucket, name, seeker, size, metadata)
		if err == nil {
			b.recordBytes(size, 0)
			return nil
		}
		b.logger.Warn("Multipart upload failed, falling back to PutObject",
			zap.String("key", name), zap.Error(err))
	}

	counter := &countingReader{r: r}
	input := &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(name),
		Body:     counter,
		Metadata: metadata,
	}
	if seeker, ok := r.(io.ReadSeeker); ok {
		input.Body = &countingReadSeeker{ReadSeeker: seeker, counter: counter}
	}
	if b.class != "" {
		input.StorageClass = b.class
	}

	err := b.do(ctx, func(ctx context.Context, client *s3.Client) error {
		_, err := client.PutObject(ctx, input)
		return err
	})
	if err != nil {
		return b.translateError(err, "PutObject", name)
	}
	b.recordBytes(counter.n, 0)
	return nil
}

// HealthCheck verifies that bucket is reachable.
func (b *Backend) HealthCheck(ctx context.Context, bucket string) error {
	err := b.do(ctx, func(ctx context.Context, client *s3.Client) error {
		_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		return err
	})
	if err != nil {
		return b.translateError(err, "HeadBucket", bucket)
	}
	return nil
}

// Close closes the backend and releases resources
func (b *Backend) Close() error {
	return b.pool.Close()
}

// httpStatusError is satisfied by SDK response errors.
type httpStatusError interface {
	HTTPStatusCode() int
}

// translateError converts an SDK error into an FSError carrying the HTTP
// status so it can be mapped to an errno.
func (b *Backend) translateError(err error, operation, key string) error {
	status := 0
	var re httpStatusError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}

	code := fserrors.ErrCodeBackendFailure
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		code, status = fserrors.ErrCodeObjectNotFound, 404
	case isErrorType[*s3types.NoSuchBucket](err):
		code, status = fserrors.ErrCodeBucketNotFound, 404
	case status == 404:
		code = fserrors.ErrCodeObjectNotFound
	case status == 401 || status == 403:
		code = fserrors.ErrCodeAccessDenied
	case status == 0 && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		code = fserrors.ErrCodeOperationCanceled
	case status == 0:
		code = fserrors.ErrCodeNetworkError
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDenied":
			code = fserrors.ErrCodeAccessDenied
			if status == 0 {
				status = 403
			}
		case "SlowDown":
			if status == 0 {
				status = 503
			}
		}
	}

	if code != fserrors.ErrCodeObjectNotFound {
		b.logger.Debug("S3 request failed",
			zap.String("operation", operation),
			zap.String("key", key),
			zap.Int("status", status),
			zap.Error(err))
	}

	return fserrors.NewError(code, operation+" failed").
		WithComponent("s3").
		WithOperation(operation).
		WithPath(key).
		WithStatus(status).
		WithCause(err)
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingReadSeeker struct {
	io.ReadSeeker
	counter *countingReader
}

func (c *countingReadSeeker) Read(p []byte) (int, error) {
	n, err := c.ReadSeeker.Read(p)
	c.counter.n += int64(n)
	return n, err
}

func (c *countingReadSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.ReadSeeker.Seek(offset, whence)
	if err == nil && offset == 0 && whence == io.SeekStart {
		c.counter.n = 0
	}
	return pos, err
}
