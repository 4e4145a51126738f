// Package storage defines the durable records of the acquisition pipeline
// and the repository contracts their owners depend on.
package storage

import (
	"errors"
	"time"
)

// Download lifecycle statuses. Available and Cancelled are terminal and
// never auto-retried; Error is terminal once the retry budgets are spent.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusDelayed     = "delayed"
	StatusAvailable   = "available"
	StatusError       = "error"
	StatusCancelled   = "cancelled"
)

// Sources a download admission can come from.
const (
	SourceWeb     = "web"
	SourceIndexer = "indexer"
	SourceAPI     = "api"
)

// Standing request statuses.
const (
	RequestPending   = "pending_approval"
	RequestActive    = "active"
	RequestFulfilled = "fulfilled"
	RequestCancelled = "cancelled"
	RequestRejected  = "rejected"
)

// Import list modes. ModeFuture snapshots the first poll without creating
// requests; ModeAll treats every item of the first poll as new.
const (
	ModeAll    = "all"
	ModeFuture = "future"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyDownloaded is returned when an admission hits a record
	// that already reached the available state.
	ErrAlreadyDownloaded = errors.New("already downloaded")
)

// DownloadRecord is one acquisition attempt lifecycle, keyed by the content
// hash of the book artifact. Title/author/format are display copies taken
// at admission time, not authoritative metadata.
type DownloadRecord struct {
	Hash              string
	Status            string
	RetryCount        int
	DelayedRetryCount int
	NextRetryAt       *time.Time
	QueuedAt          time.Time
	UserID            int64
	Source            string

	Title  string
	Author string
	Format string

	// Display-only progress relayed from the fetcher.
	ProgressPhase   string
	ProgressPercent float64

	ErrorMessage string
	FilePath     string
}

// InFlight reports whether the record still owns a queue slot.
func (r *DownloadRecord) InFlight() bool {
	switch r.Status {
	case StatusQueued, StatusDownloading, StatusDelayed:
		return true
	}

	return false
}

// Gated reports whether the record is waiting out a quota backoff.
func (r *DownloadRecord) Gated(now time.Time) bool {
	return r.NextRetryAt != nil && r.NextRetryAt.After(now)
}

// StandingRequest is a persisted user intent to acquire a matching book,
// re-checked by the sweeper until fulfilled or closed.
type StandingRequest struct {
	ID     int64
	UserID int64
	Status string

	Query      string
	Title      string
	Author     string
	ISBN       string
	Year       int
	Format     string
	Language   string
	TargetHash string

	LastCheckedAt *time.Time
	FulfilledHash string
	CreatedAt     time.Time
}

// ImportListState is the poll bookkeeping for one external import list.
type ImportListState struct {
	ID              int64
	UserID          int64
	Name            string
	FeedURL         string
	Mode            string
	Enabled         bool
	Language        string
	Format          string
	UseBookLanguage bool

	LastObservedHashes []string
	LastFetchedAt      *time.Time
	FetchError         string
}

// DownloadRepository persists DownloadRecords. The queue is the only writer
// of lifecycle fields.
type DownloadRepository interface {
	CreateDownload(rec *DownloadRecord) error
	GetDownload(hash string) (*DownloadRecord, error)
	GetDownloads() ([]*DownloadRecord, error)
	NonTerminalDownloads() ([]*DownloadRecord, error)
	UpdateDownloadStatus(hash, status, errorMessage string) error
	UpdateDownloadRetry(hash string, retryCount, delayedRetryCount int, nextRetryAt *time.Time) error
	UpdateDownloadProgress(hash, phase string, percent float64) error
	SetDownloadFilePath(hash, filePath string) error
	DeleteDownload(hash string) error
	ClearDownloads(statuses []string) (int64, error)
}

// SettingsRepository persists small process flags, currently only the
// queue paused switch.
type SettingsRepository interface {
	QueuePaused() (bool, error)
	SetQueuePaused(paused bool) error
}

// RequestRepository persists StandingRequests. The sweeper is the only
// writer of the fulfilled transition.
type RequestRepository interface {
	CreateRequest(req *StandingRequest) (int64, error)
	GetRequest(id int64) (*StandingRequest, error)
	ActiveRequests() ([]*StandingRequest, error)
	UpdateRequestStatus(id int64, status string) error
	StampRequestChecked(id int64, at time.Time) error
	// MarkRequestFulfilled flips an active request to fulfilled exactly
	// once; it reports false when the request already left the active
	// state, making fulfillment idempotent.
	MarkRequestFulfilled(id int64, hash string) (bool, error)
	// FindOpenRequest looks for an active or pending request with the
	// same title and author owned by userID, used for list dedup.
	FindOpenRequest(userID int64, title, author string) (*StandingRequest, error)
}

// ImportListRepository persists ImportListStates.
type ImportListRepository interface {
	CreateImportList(list *ImportListState) (int64, error)
	GetImportList(id int64) (*ImportListState, error)
	ImportLists() ([]*ImportListState, error)
	ReplaceObservedHashes(id int64, hashes []string, fetchedAt time.Time) error
	DisableImportList(id int64, fetchError string) error
	RecordFetchError(id int64, fetchError string) error
}
