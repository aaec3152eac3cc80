/*
Package archive keeps the raw bytes of every uploaded file.

PURPOSE:
  Staging rows are a parsed copy; the archive is the original. An upload
  is stored once under "uploads/<batch_id>/<filename>" and never rewritten.

DRIVERS:
  none    archiving disabled (Open returns nil)
  memory  process-local map, for tests and dev
  fs      directory tree under Config.Dir
  s3      any S3-compatible bucket (AWS, MinIO)

SEE ALSO:
  - staging.Archiver: the consumer-side interface
*/
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/verifiedmeasure/leadvault/apperr"
)

type Driver string

const (
	DriverNone   Driver = "none"
	DriverMemory Driver = "memory"
	DriverFS     Driver = "fs"
	DriverS3     Driver = "s3"
)

// Store is a write-once object store.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// Get returns an error wrapping apperr.ErrNotFound for unknown keys.
	Get(ctx context.Context, key string) ([]byte, error)
}

type Config struct {
	Driver Driver
	Dir    string
	S3     S3Config
}

// Open builds the store selected by cfg.Driver. DriverNone (or empty)
// returns a nil Store and no error.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return nil, nil
	case DriverMemory:
		return NewMemory(), nil
	case DriverFS:
		return NewFS(cfg.Dir)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

// cleanKey rejects keys that could escape the store root.
func cleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", apperr.InvalidInput("empty archive key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", apperr.InvalidInput("invalid archive key %q", key)
	}
	return path.Clean(key), nil
}

func notFound(key string) error {
	return fmt.Errorf("%w: archive object %s", apperr.ErrNotFound, key)
}
