package s3

import (
	"context"
	"io"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"go.uber.org/zap"
)

// multipart reports whether an upload of size bytes goes through the
// chunked transporter instead of a single PutObject.
func (b *Backend) multipart(size int64) bool {
	return b.config.MultipartThreshold > 0 && size >= b.config.MultipartThreshold
}

// transporter returns the chunked uploader for bucket, creating it on first
// use. Transporters are bound to one bucket.
func (b *Backend) transporter(bucket string) *cargoships3.Transporter {
	b.transportMu.Lock()
	defer b.transportMu.Unlock()

	if t, ok := b.transporters[bucket]; ok {
		return t
	}
	t := cargoships3.NewTransporter(b.uploader, awsconfig.S3Config{
		Bucket:             bucket,
		StorageClass:       cargoClass(b.class),
		MultipartThreshold: b.config.MultipartThreshold,
		MultipartChunkSize: b.config.MultipartChunkSize,
		Concurrency:        b.config.PoolSize,
	})
	b.transporters[bucket] = t
	return t
}

// uploadMultipart sends r in parallel chunks. r is rewound to the start
// when the transfer fails so the caller can retry with PutObject.
func (b *Backend) uploadMultipart(ctx context.Context, bucket, name string, r io.ReadSeeker, size int64, metadata map[string]string) error {
	result, err := b.transporter(bucket).Upload(ctx, cargoships3.Archive{
		Key:          name,
		Reader:       r,
		Size:         size,
		StorageClass: cargoClass(b.class),
		Metadata:     metadata,
	})
	if err != nil {
		if _, seekErr := r.Seek(0, io.SeekStart); seekErr != nil {
			return seekErr
		}
		return err
	}
	b.logger.Debug("Multipart upload completed",
		zap.String("key", name),
		zap.Int64("size", size),
		zap.Any("throughput", result.Throughput),
		zap.Any("duration", result.Duration))
	return nil
}

// readerSize returns the bytes left in r when it can seek, leaving the
// offset unchanged.
func readerSize(r io.Reader) (io.ReadSeeker, int64, bool) {
	seeker, ok := r.(io.ReadSeeker)
	if !ok {
		return nil, 0, false
	}
	cur, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, false
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, false
	}
	if _, err := seeker.Seek(cur, io.SeekStart); err != nil {
		return nil, 0, false
	}
	return seeker, end - cur, true
}

// cargoClass maps an SDK storage class onto the transporter's classes.
// Classes it does not know fall back to STANDARD.
func cargoClass(class s3types.StorageClass) awsconfig.StorageClass {
	switch class {
	case s3types.StorageClassStandardIa:
		return awsconfig.StorageClassStandardIA
	case s3types.StorageClassOnezoneIa:
		return awsconfig.StorageClassOneZoneIA
	case s3types.StorageClassGlacier, s3types.StorageClassGlacierIr:
		return awsconfig.StorageClassGlacier
	case s3types.StorageClassDeepArchive:
		return awsconfig.StorageClassDeepArchive
	case s3types.StorageClassIntelligentTiering:
		return awsconfig.StorageClassIntelligentTiering
	default:
		return awsconfig.StorageClassStandard
	}
}
