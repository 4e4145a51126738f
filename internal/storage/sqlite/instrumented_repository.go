package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/bookhound/bookhound/internal/storage"
	"github.com/bookhound/bookhound/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// CreateDownload inserts a new download record with telemetry.
func (r *InstrumentedDownloadRepository) CreateDownload(rec *storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "create_download", func(ctx context.Context) error {
		return r.repo.CreateDownload(rec)
	})
}

// GetDownload retrieves one download by hash with telemetry.
func (r *InstrumentedDownloadRepository) GetDownload(hash string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_download", func(ctx context.Context) error {
		result, err = r.repo.GetDownload(hash)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// GetDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads() ([]*storage.DownloadRecord, error) {
	var result []*storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_downloads", func(ctx context.Context) error {
		result, err = r.repo.GetDownloads()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// NonTerminalDownloads retrieves in-flight downloads with telemetry.
func (r *InstrumentedDownloadRepository) NonTerminalDownloads() ([]*storage.DownloadRecord, error) {
	var result []*storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "non_terminal_downloads", func(ctx context.Context) error {
		result, err = r.repo.NonTerminalDownloads()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// UpdateDownloadStatus updates download status with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(hash, status, errorMessage string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(hash, status, errorMessage)
	})
}

// UpdateDownloadRetry updates retry bookkeeping with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownloadRetry(hash string, retryCount, delayedRetryCount int, nextRetryAt *time.Time) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "update_download_retry", func(ctx context.Context) error {
		return r.repo.UpdateDownloadRetry(hash, retryCount, delayedRetryCount, nextRetryAt)
	})
}

// UpdateDownloadProgress updates progress fields with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownloadProgress(hash, phase string, percent float64) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "update_download_progress", func(ctx context.Context) error {
		return r.repo.UpdateDownloadProgress(hash, phase, percent)
	})
}

// SetDownloadFilePath records the final artifact path with telemetry.
func (r *InstrumentedDownloadRepository) SetDownloadFilePath(hash, filePath string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "set_download_file_path", func(ctx context.Context) error {
		return r.repo.SetDownloadFilePath(hash, filePath)
	})
}

// DeleteDownload removes a download record with telemetry.
func (r *InstrumentedDownloadRepository) DeleteDownload(hash string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(hash)
	})
}

// ClearDownloads bulk-removes downloads in the given statuses with telemetry.
func (r *InstrumentedDownloadRepository) ClearDownloads(statuses []string) (int64, error) {
	var result int64

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "clear_downloads", func(ctx context.Context) error {
		result, err = r.repo.ClearDownloads(statuses)

		return err
	})

	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return result, nil
}
