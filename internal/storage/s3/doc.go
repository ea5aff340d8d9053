/*
Package s3 implements types.BlobStore on Amazon S3 and S3 compatible services.

The container argument of every BlobStore call names the bucket. Hierarchical
listings map onto ListObjectsV2 with a delimiter: objects and common prefixes
are merged into one name-ordered page and the continuation token is passed
through unchanged. Because listings carry no user metadata, zero-size objects
in a page are followed by a HeadObject so folder markers can be recognised.

# Errors

Every SDK failure is returned as a *errors.FSError carrying the HTTP status of
the response, so the errno translator can map it. Missing objects are not an
error for GetProperties (Exists is false) or Delete.

# Configuration

	cfg := s3.NewDefaultConfig()
	cfg.Endpoint = "http://localhost:9000"
	cfg.ForcePathStyle = true
	backend, err := s3.NewBackend(ctx, "my-bucket", cfg, logger)

Static credentials are used when AccessKeyID is set; otherwise the default
AWS credential chain applies. Requests share a bounded pool of clients and
are subject to RequestTimeout.
*/
package s3
