// Package hooks holds the optional side effects that run after a
// successful acquisition. Hook failures are logged by the queue and never
// revert an available download.
package hooks

import (
	"context"

	"github.com/bookhound/bookhound/internal/storage"
)

// Hook is one post-acquisition side effect. Run receives the finished
// record; returning an error only produces a log line.
type Hook interface {
	Name() string
	Run(ctx context.Context, rec *storage.DownloadRecord) error
}
