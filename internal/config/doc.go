/*
Package config loads and validates the blobfs configuration.

Values are layered with increasing precedence: compiled-in defaults, an
optional YAML file, then BLOBFS_* environment variables. Validate runs the
struct-tag rules (go-playground/validator) followed by the cross-field rules
tags cannot express, such as the low cache watermark being below the high one.

Example file:

	global:
	  log_level: INFO
	  metrics_port: 9100
	storage:
	  backend: s3
	  container: my-bucket
	  region: us-east-1
	cache:
	  dir: /var/cache/blobfs
	  ttl: 120s
	  high_threshold: 90
	  low_threshold: 80
	listing:
	  page_size: 5000
	  max_failures: 20
	fuse:
	  mount_point: /mnt/blob

Environment overrides: BLOBFS_LOG_LEVEL, BLOBFS_LOG_FORMAT, BLOBFS_LOG_FILE,
BLOBFS_METRICS_PORT, BLOBFS_STORAGE_BACKEND, BLOBFS_CONTAINER,
BLOBFS_S3_REGION, BLOBFS_S3_ENDPOINT, BLOBFS_S3_FORCE_PATH_STYLE,
BLOBFS_CACHE_DIR, BLOBFS_CACHE_TTL, BLOBFS_HIGH_THRESHOLD,
BLOBFS_LOW_THRESHOLD, BLOBFS_LIST_PAGE_SIZE and BLOBFS_MOUNT_POINT.
*/
package config
