package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bookhound/bookhound/internal/logctx"
	"github.com/bookhound/bookhound/internal/storage"
)

// PruneStaleArtifacts removes leftover files in the staging directory
// that belong to failed or cancelled downloads, or to no tracked
// download at all, once they are older than keepFor. Artifacts of
// available downloads have already been moved into the library, so
// anything still sitting in the staging directory past the retention
// window is garbage.
func PruneStaleArtifacts(ctx context.Context, repo storage.DownloadRepository, dir string, keepFor time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) <= keepFor {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		if !removable(repo, entry.Name()) {
			continue
		}

		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete stale artifact", "file", filePath, "err", err)

			return err
		}

		logger.Info("deleted stale artifact", "file", filePath)
	}

	return nil
}

// removable reports whether the staged file may be deleted. Files whose
// hash maps to a download that is still pending or already available
// are kept; everything else is fair game.
func removable(repo storage.DownloadRepository, name string) bool {
	hash := strings.TrimSuffix(name, filepath.Ext(name))

	rec, err := repo.GetDownload(hash)
	if err != nil {
		// Untracked files are orphans from interrupted runs.
		return true
	}

	switch rec.Status {
	case storage.StatusError, storage.StatusCancelled:
		return true
	default:
		return false
	}
}
