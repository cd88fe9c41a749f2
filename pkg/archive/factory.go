package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// NewStoreFromEnv selects the archive backend from the environment.
//
//	ARCHIVE_BACKEND      fs (default) | s3 | gcs
//	ARCHIVE_DIR          fs root, default DATA_DIR/archive (DATA_DIR default "data")
//	ARCHIVE_S3_BUCKET    required for s3
//	ARCHIVE_S3_REGION    falls back to AWS_REGION, then us-east-1
//	ARCHIVE_S3_ENDPOINT  optional, for MinIO/LocalStack
//	ARCHIVE_S3_PREFIX    optional key prefix
//	ARCHIVE_GCS_BUCKET   required for gcs (build with -tags gcp)
//	ARCHIVE_GCS_PREFIX   optional object prefix
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := os.Getenv("ARCHIVE_BACKEND")
	switch backend {
	case "", "fs":
		root := os.Getenv("ARCHIVE_DIR")
		if root == "" {
			dataDir := os.Getenv("DATA_DIR")
			if dataDir == "" {
				dataDir = "data"
			}
			root = filepath.Join(dataDir, "archive")
		}
		return NewFileStore(root)

	case "s3":
		bucket := os.Getenv("ARCHIVE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("archive: ARCHIVE_S3_BUCKET is required when ARCHIVE_BACKEND=s3")
		}
		region := os.Getenv("ARCHIVE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
		})

	case "gcs":
		return newGCSStoreFromEnv(ctx)

	default:
		return nil, fmt.Errorf("archive: unknown backend %q", backend)
	}
}
