package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bookhound/bookhound/internal/logctx"
	"github.com/bookhound/bookhound/internal/storage"
)

const dirPerm = 0755

// Organizer relocates a finished artifact from the download directory into
// an author/title library layout.
type Organizer struct {
	libraryDir string
}

func NewOrganizer(libraryDir string) *Organizer {
	return &Organizer{libraryDir: libraryDir}
}

func (o *Organizer) Name() string { return "organizer" }

func (o *Organizer) Run(ctx context.Context, rec *storage.DownloadRecord) error {
	logger := logctx.LoggerFromContext(ctx)

	if rec.FilePath == "" {
		return fmt.Errorf("record has no file path")
	}

	author := sanitize(rec.Author)
	if author == "" {
		author = "Unknown Author"
	}

	title := sanitize(rec.Title)
	if title == "" {
		title = rec.Hash
	}

	targetDir := filepath.Join(o.libraryDir, author)
	if err := os.MkdirAll(targetDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create library directory: %w", err)
	}

	targetPath := filepath.Join(targetDir, title+filepath.Ext(rec.FilePath))
	if err := os.Rename(rec.FilePath, targetPath); err != nil {
		return fmt.Errorf("failed to move artifact into library: %w", err)
	}

	rec.FilePath = targetPath

	logger.Info("organized artifact into library", "hash", rec.Hash, "target", targetPath)

	return nil
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)

	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", " -", "\x00", "")

	return replacer.Replace(s)
}
