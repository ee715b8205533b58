// Package stage holds validated draft attachments between upload and
// submit. Staging binaries separately means a failed submit preserves
// the whole draft: the user retries without re-uploading files.
package stage

import (
	"context"
	"io"
)

// Stager stores pending attachment bytes under opaque keys.
type Stager interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}
