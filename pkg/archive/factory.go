package archive

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Mindburn-Labs/esta-kernel/pkg/config"
)

// Kinds accepted by Open.
const (
	KindNone = ""
	KindFS   = "fs"
	KindS3   = "s3"
	KindGCS  = "gcs"
)

// Open builds the store named by cfg.Kind. KindNone returns a nil Store and
// no error; callers treat that as archiving disabled.
func Open(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	switch cfg.Kind {
	case KindNone:
		return nil, nil
	case KindFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "archive")
		}
		return NewFileStore(dir)
	case KindS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case KindGCS:
		return NewGCSStore(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	default:
		return nil, fmt.Errorf("archive: unsupported store kind %q", cfg.Kind)
	}
}
