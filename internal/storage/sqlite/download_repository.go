package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bookhound/bookhound/internal/storage"
)

// DownloadRepository stores acquisition records in SQLite.
type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

const downloadColumns = `hash, status, retry_count, delayed_retry_count, next_retry_at,
	queued_at, user_id, source, title, author, format,
	progress_phase, progress_percent, error_message, file_path`

func (r *DownloadRepository) CreateDownload(rec *storage.DownloadRecord) error {
	var nextRetry interface{}
	if rec.NextRetryAt != nil {
		nextRetry = rec.NextRetryAt.UnixMilli()
	}

	_, err := r.db.Exec(`INSERT INTO downloads (`+downloadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Hash, rec.Status, rec.RetryCount, rec.DelayedRetryCount, nextRetry,
		rec.QueuedAt.Format(time.RFC3339), rec.UserID, rec.Source,
		rec.Title, rec.Author, rec.Format,
		rec.ProgressPhase, rec.ProgressPercent, rec.ErrorMessage, rec.FilePath,
	)

	return err
}

func (r *DownloadRepository) GetDownload(hash string) (*storage.DownloadRecord, error) {
	row := r.db.QueryRow(`SELECT `+downloadColumns+` FROM downloads WHERE hash = ?`, hash)

	rec, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	return rec, err
}

func (r *DownloadRepository) GetDownloads() ([]*storage.DownloadRecord, error) {
	return r.queryDownloads(`SELECT ` + downloadColumns + ` FROM downloads ORDER BY queued_at`)
}

// NonTerminalDownloads returns every record the queue must re-own after a
// restart, in admission order.
func (r *DownloadRepository) NonTerminalDownloads() ([]*storage.DownloadRecord, error) {
	return r.queryDownloads(`SELECT ` + downloadColumns + ` FROM downloads
		WHERE status IN ('queued', 'downloading', 'delayed') ORDER BY queued_at`)
}

func (r *DownloadRepository) UpdateDownloadStatus(hash, status, errorMessage string) error {
	// Leaving the delayed state always clears the retry gate.
	var nextRetryExpr string
	if status != storage.StatusDelayed {
		nextRetryExpr = `, next_retry_at = NULL`
	}

	res, err := r.db.Exec(`UPDATE downloads SET status = ?, error_message = ?`+nextRetryExpr+` WHERE hash = ?`,
		status, errorMessage, hash)
	if err != nil {
		return err
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *DownloadRepository) UpdateDownloadRetry(hash string, retryCount, delayedRetryCount int, nextRetryAt *time.Time) error {
	var nextRetry interface{}
	if nextRetryAt != nil {
		nextRetry = nextRetryAt.UnixMilli()
	}

	_, err := r.db.Exec(`UPDATE downloads SET retry_count = ?, delayed_retry_count = ?, next_retry_at = ? WHERE hash = ?`,
		retryCount, delayedRetryCount, nextRetry, hash)

	return err
}

func (r *DownloadRepository) UpdateDownloadProgress(hash, phase string, percent float64) error {
	_, err := r.db.Exec(`UPDATE downloads SET progress_phase = ?, progress_percent = ? WHERE hash = ?`,
		phase, percent, hash)

	return err
}

func (r *DownloadRepository) SetDownloadFilePath(hash, filePath string) error {
	_, err := r.db.Exec(`UPDATE downloads SET file_path = ? WHERE hash = ?`, filePath, hash)

	return err
}

func (r *DownloadRepository) DeleteDownload(hash string) error {
	_, err := r.db.Exec(`DELETE FROM downloads WHERE hash = ?`, hash)

	return err
}

// ClearDownloads bulk-deletes records in the given terminal statuses and
// returns the number of rows removed.
func (r *DownloadRepository) ClearDownloads(statuses []string) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")

	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}

	res, err := r.db.Exec(fmt.Sprintf(`DELETE FROM downloads WHERE status IN (%s)`, placeholders), args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDownload(row rowScanner) (*storage.DownloadRecord, error) {
	var rec storage.DownloadRecord

	var (
		nextRetry sql.NullInt64
		queuedAt  string
	)

	err := row.Scan(
		&rec.Hash, &rec.Status, &rec.RetryCount, &rec.DelayedRetryCount, &nextRetry,
		&queuedAt, &rec.UserID, &rec.Source, &rec.Title, &rec.Author, &rec.Format,
		&rec.ProgressPhase, &rec.ProgressPercent, &rec.ErrorMessage, &rec.FilePath,
	)
	if err != nil {
		return nil, err
	}

	if nextRetry.Valid {
		t := time.UnixMilli(nextRetry.Int64)
		rec.NextRetryAt = &t
	}

	if ts, err := time.Parse(time.RFC3339, queuedAt); err == nil {
		rec.QueuedAt = ts
	}

	return &rec, nil
}

func (r *DownloadRepository) queryDownloads(query string, args ...interface{}) ([]*storage.DownloadRecord, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []*storage.DownloadRecord

	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, rec)
	}

	return downloads, rows.Err()
}
