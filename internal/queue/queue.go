// Package queue serializes book acquisition attempts. It is a sequencer,
// not a worker pool: at most one fetch is in flight system-wide, the
// durable store is the source of truth, and the in-memory FIFO is rebuilt
// from it on startup.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bookhound/bookhound/internal/bus"
	"github.com/bookhound/bookhound/internal/fetch"
	"github.com/bookhound/bookhound/internal/hooks"
	"github.com/bookhound/bookhound/internal/logctx"
	"github.com/bookhound/bookhound/internal/notifier"
	"github.com/bookhound/bookhound/internal/storage"
)

// Admission outcomes.
const (
	Admitted          = "queued"
	AlreadyInQueue    = "already_in_queue"
	AlreadyDownloaded = "already_downloaded"
)

var (
	// ErrNotRecovered is returned when an admission arrives before
	// crash recovery has rebuilt the sequence.
	ErrNotRecovered = errors.New("queue has not recovered yet")

	// ErrNotRetryable is returned when Retry is called on a record that
	// is not in a terminal error or cancelled state.
	ErrNotRetryable = errors.New("record is not in a retryable state")
)

// Admission is the result of admitting a content hash.
type Admission struct {
	Result string
	// Position is the 1-based place in the pending sequence for
	// already_in_queue results; 0 means the attempt is running right now.
	Position int
}

// Accepted reports whether the admission leaves the book owned by the
// pipeline in some form (pending, running, or already acquired).
func (a *Admission) Accepted() bool {
	switch a.Result {
	case Admitted, AlreadyInQueue, AlreadyDownloaded:
		return true
	}

	return false
}

// Metadata is the display copy stored on the record at admission time.
type Metadata struct {
	Title  string
	Author string
	Format string
}

// Config tunes the retry state machine. Zero values pick the defaults.
type Config struct {
	// MaxRetryAttempts bounds immediate retries of transient failures.
	MaxRetryAttempts int
	// MaxDelayedRetries bounds the hourly quota backoff probes.
	MaxDelayedRetries int
	// QuotaBackoff is the wait imposed after a quota failure.
	QuotaBackoff time.Duration
	// RetryCooldown is the sleep taken when every queued item is still
	// waiting out its backoff gate.
	RetryCooldown time.Duration
}

const (
	defaultMaxRetryAttempts  = 3
	defaultMaxDelayedRetries = 24
	defaultQuotaBackoff      = time.Hour
	defaultRetryCooldown     = 5 * time.Minute
)

func (c *Config) withDefaults() {
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = defaultMaxRetryAttempts
	}

	if c.MaxDelayedRetries == 0 {
		c.MaxDelayedRetries = defaultMaxDelayedRetries
	}

	if c.QuotaBackoff == 0 {
		c.QuotaBackoff = defaultQuotaBackoff
	}

	if c.RetryCooldown == 0 {
		c.RetryCooldown = defaultRetryCooldown
	}
}

// Queue drives acquisition attempts through the fetcher one at a time.
type Queue struct {
	cfg       Config
	repo      storage.DownloadRepository
	settings  storage.SettingsRepository
	fetcher   fetch.Fetcher
	validator fetch.Validator
	hooks     []hooks.Hook
	notif     notifier.Notifier
	events    *bus.Broadcaster

	now func() time.Time

	mu        sync.Mutex
	seq       []string // pending hashes, admission order
	inFlight  string   // hash of the running attempt, if any
	paused    bool
	recovered bool

	wake chan struct{}
}

func New(
	cfg Config,
	repo storage.DownloadRepository,
	settings storage.SettingsRepository,
	fetcher fetch.Fetcher,
	validator fetch.Validator,
	postHooks []hooks.Hook,
	notif notifier.Notifier,
	events *bus.Broadcaster,
) *Queue {
	cfg.withDefaults()

	return &Queue{
		cfg:       cfg,
		repo:      repo,
		settings:  settings,
		fetcher:   fetcher,
		validator: validator,
		hooks:     postHooks,
		notif:     notif,
		events:    events,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

// Recover rebuilds the in-memory sequence from the durable store. Records
// interrupted mid-download are reset to queued; delayed records keep their
// retry gate. Must run once before any admission is accepted.
func (q *Queue) Recover(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	records, err := q.repo.NonTerminalDownloads()
	if err != nil {
		return fmt.Errorf("failed to load non-terminal downloads: %w", err)
	}

	paused, err := q.settings.QueuePaused()
	if err != nil {
		return fmt.Errorf("failed to load paused flag: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, rec := range records {
		if rec.Status == storage.StatusDownloading {
			// The attempt was interrupted, not failed.
			if err := q.repo.UpdateDownloadStatus(rec.Hash, storage.StatusQueued, ""); err != nil {
				return fmt.Errorf("failed to reset interrupted download: %w", err)
			}
		}

		q.seq = append(q.seq, rec.Hash)
	}

	q.paused = paused
	q.recovered = true

	logger.Info("queue recovered", "pending", len(q.seq), "paused", paused)

	q.nudge()

	return nil
}

// Run processes the sequence until ctx is done. Call after Recover.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
			q.process(ctx)
		}
	}
}

// Admit enters a content hash into the pipeline on behalf of userID.
func (q *Queue) Admit(ctx context.Context, hash string, userID int64, source string, meta Metadata) (*Admission, error) {
	q.mu.Lock()
	recovered := q.recovered
	q.mu.Unlock()

	if !recovered {
		return nil, ErrNotRecovered
	}

	rec, err := q.repo.GetDownload(hash)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up download: %w", err)
	}

	if rec != nil {
		switch {
		case rec.Status == storage.StatusAvailable:
			return &Admission{Result: AlreadyDownloaded}, nil
		case rec.InFlight():
			return &Admission{Result: AlreadyInQueue, Position: q.position(hash)}, nil
		default:
			// error or cancelled: reset budgets and go again.
			if err := q.repo.UpdateDownloadRetry(hash, 0, 0, nil); err != nil {
				return nil, fmt.Errorf("failed to reset retry counters: %w", err)
			}

			if err := q.repo.UpdateDownloadStatus(hash, storage.StatusQueued, ""); err != nil {
				return nil, fmt.Errorf("failed to re-queue download: %w", err)
			}
		}
	} else {
		rec = &storage.DownloadRecord{
			Hash:     hash,
			Status:   storage.StatusQueued,
			QueuedAt: q.now(),
			UserID:   userID,
			Source:   source,
			Title:    meta.Title,
			Author:   meta.Author,
			Format:   meta.Format,
		}

		if err := q.repo.CreateDownload(rec); err != nil {
			return nil, fmt.Errorf("failed to create download record: %w", err)
		}
	}

	q.mu.Lock()
	q.seq = append(q.seq, hash)
	q.mu.Unlock()

	q.publishQueueChanged(hash, storage.StatusQueued)
	q.nudge()

	return &Admission{Result: Admitted}, nil
}

// Pause stops the sequencer after the current attempt finishes. The flag
// is persisted so a restart comes back paused.
func (q *Queue) Pause() error {
	if err := q.settings.SetQueuePaused(true); err != nil {
		return fmt.Errorf("failed to persist paused flag: %w", err)
	}

	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()

	return nil
}

// Resume restarts processing if items remain.
func (q *Queue) Resume() error {
	if err := q.settings.SetQueuePaused(false); err != nil {
		return fmt.Errorf("failed to persist paused flag: %w", err)
	}

	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()

	q.nudge()

	return nil
}

// Paused reports the current pause state.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.paused
}

// Cancel removes a pending item from the sequence, or flags a running
// attempt so the worker aborts at its next checkpoint. Cancelled records
// are never retried.
func (q *Queue) Cancel(hash string) error {
	q.mu.Lock()

	for i, h := range q.seq {
		if h == hash {
			q.seq = append(q.seq[:i], q.seq[i+1:]...)

			break
		}
	}

	q.mu.Unlock()

	if err := q.repo.UpdateDownloadStatus(hash, storage.StatusCancelled, "cancelled by user"); err != nil {
		return err
	}

	q.publishQueueChanged(hash, storage.StatusCancelled)

	return nil
}

// Retry re-admits a record that ended in error or cancelled, with fresh
// retry budgets, at the back of the sequence.
func (q *Queue) Retry(hash string) error {
	rec, err := q.repo.GetDownload(hash)
	if err != nil {
		return err
	}

	if rec.Status != storage.StatusError && rec.Status != storage.StatusCancelled {
		return ErrNotRetryable
	}

	if err := q.repo.UpdateDownloadRetry(hash, 0, 0, nil); err != nil {
		return fmt.Errorf("failed to reset retry counters: %w", err)
	}

	if err := q.repo.UpdateDownloadStatus(hash, storage.StatusQueued, ""); err != nil {
		return fmt.Errorf("failed to re-queue download: %w", err)
	}

	q.mu.Lock()
	q.seq = append(q.seq, hash)
	q.mu.Unlock()

	q.publishQueueChanged(hash, storage.StatusQueued)
	q.nudge()

	return nil
}

// Pending returns a snapshot of the pending sequence plus the in-flight
// hash, for display surfaces.
func (q *Queue) Pending() (pending []string, inFlight string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending = append(pending, q.seq...)

	return pending, q.inFlight
}

// process drains the sequence until it is empty, paused, or every item is
// future-gated.
func (q *Queue) process(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	gatedStreak := 0

	for {
		if ctx.Err() != nil {
			return
		}

		q.mu.Lock()

		if q.paused || len(q.seq) == 0 {
			q.mu.Unlock()

			return
		}

		if gatedStreak >= len(q.seq) {
			// Everything left is waiting out a backoff gate; sleep
			// instead of spinning over the same items.
			q.mu.Unlock()
			q.scheduleCooldown()

			return
		}

		hash := q.seq[0]
		q.seq = q.seq[1:]
		q.mu.Unlock()

		rec, err := q.repo.GetDownload(hash)
		if err != nil {
			logger.Error("failed to load queued download", "hash", hash, "err", err)

			continue
		}

		if !rec.InFlight() {
			// Cancelled or cleared while waiting in the sequence.
			continue
		}

		if rec.Gated(q.now()) {
			q.pushTail(hash)

			gatedStreak++

			continue
		}

		gatedStreak = 0

		q.attempt(ctx, rec)
	}
}

// attempt runs one acquisition attempt for rec and applies the retry state
// machine to its outcome.
func (q *Queue) attempt(ctx context.Context, rec *storage.DownloadRecord) {
	logger := logctx.LoggerFromContext(ctx).With("hash", rec.Hash, "title", rec.Title)

	if err := q.repo.UpdateDownloadStatus(rec.Hash, storage.StatusDownloading, ""); err != nil {
		logger.Error("failed to mark download in flight", "err", err)

		return
	}

	q.mu.Lock()
	q.inFlight = rec.Hash
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.inFlight = ""
		q.mu.Unlock()
	}()

	q.publishQueueChanged(rec.Hash, storage.StatusDownloading)

	result, fetchErr := q.fetcher.Fetch(ctx, rec.Hash, fetch.Options{
		PreferredFormat: rec.Format,
		OnProgress: func(p fetch.Progress) {
			if err := q.repo.UpdateDownloadProgress(rec.Hash, p.Phase, p.Percent); err != nil {
				logger.Debug("failed to store progress", "err", err)
			}
		},
	})

	// Cancellation checkpoint: re-read before any further mutation.
	current, err := q.repo.GetDownload(rec.Hash)
	if err != nil {
		logger.Error("failed to re-read download after fetch", "err", err)

		return
	}

	if current.Status == storage.StatusCancelled {
		logger.Info("download cancelled mid-flight, dropping result")

		return
	}

	if fetchErr != nil {
		q.handleFailure(ctx, current, fetchErr)

		return
	}

	q.handleSuccess(ctx, current, result)
}

func (q *Queue) handleSuccess(ctx context.Context, rec *storage.DownloadRecord, result *fetch.Result) {
	logger := logctx.LoggerFromContext(ctx).With("hash", rec.Hash, "title", rec.Title)

	if q.validator != nil && !q.validator.Validate(result.FilePath, result.Size) {
		// A structurally bad artifact won't get better on retry.
		q.finishError(rec, "artifact failed validation")

		return
	}

	rec.FilePath = result.FilePath

	if err := q.repo.SetDownloadFilePath(rec.Hash, result.FilePath); err != nil {
		logger.Error("failed to store artifact path", "err", err)
	}

	for _, hook := range q.hooks {
		if err := hook.Run(ctx, rec); err != nil {
			logger.Error("post-acquisition hook failed", "hook", hook.Name(), "err", err)

			continue
		}

		// Hooks may relocate the artifact.
		if err := q.repo.SetDownloadFilePath(rec.Hash, rec.FilePath); err != nil {
			logger.Error("failed to store artifact path", "err", err)
		}
	}

	if err := q.repo.UpdateDownloadStatus(rec.Hash, storage.StatusAvailable, ""); err != nil {
		logger.Error("failed to mark download available", "err", err)

		return
	}

	logger.Info("download available")

	q.publishQueueChanged(rec.Hash, storage.StatusAvailable)
	q.notify(ctx, notifier.Event{
		Kind:   notifier.EventDownloadAvailable,
		Title:  rec.Title,
		Author: rec.Author,
		Hash:   rec.Hash,
	})
}

func (q *Queue) handleFailure(ctx context.Context, rec *storage.DownloadRecord, fetchErr error) {
	logger := logctx.LoggerFromContext(ctx).With("hash", rec.Hash, "title", rec.Title)

	switch {
	case fetch.IsQuota(fetchErr):
		if rec.DelayedRetryCount < q.cfg.MaxDelayedRetries {
			next := q.now().Add(q.cfg.QuotaBackoff)

			if err := q.repo.UpdateDownloadRetry(rec.Hash, rec.RetryCount, rec.DelayedRetryCount+1, &next); err != nil {
				logger.Error("failed to store quota backoff", "err", err)
			}

			if err := q.repo.UpdateDownloadStatus(rec.Hash, storage.StatusDelayed, fetchErr.Error()); err != nil {
				logger.Error("failed to mark download delayed", "err", err)
			}

			logger.Warn("quota failure, delaying retry",
				"delayed_retry_count", rec.DelayedRetryCount+1, "next_retry_at", next)

			q.pushTail(rec.Hash)
			q.publishQueueChanged(rec.Hash, storage.StatusDelayed)

			return
		}

		q.finishError(rec, fmt.Sprintf("quota backoff budget exhausted after %d attempts: %s",
			q.cfg.MaxDelayedRetries, fetchErr))

	case fetch.IsValidation(fetchErr):
		q.finishError(rec, fetchErr.Error())

	default:
		if rec.RetryCount < q.cfg.MaxRetryAttempts {
			if err := q.repo.UpdateDownloadRetry(rec.Hash, rec.RetryCount+1, rec.DelayedRetryCount, nil); err != nil {
				logger.Error("failed to store retry count", "err", err)
			}

			if err := q.repo.UpdateDownloadStatus(rec.Hash, storage.StatusQueued, fetchErr.Error()); err != nil {
				logger.Error("failed to re-queue download", "err", err)
			}

			logger.Warn("transient failure, retrying", "retry_count", rec.RetryCount+1, "err", fetchErr)

			q.pushTail(rec.Hash)

			if q.events != nil {
				q.events.Publish(bus.TopicQueueChanged, map[string]interface{}{
					"hash":    rec.Hash,
					"status":  storage.StatusQueued,
					"retried": true,
				})
			}

			return
		}

		q.finishError(rec, fmt.Sprintf("failed after %d retries: %s", q.cfg.MaxRetryAttempts, fetchErr))
	}
}

func (q *Queue) finishError(rec *storage.DownloadRecord, reason string) {
	if err := q.repo.UpdateDownloadStatus(rec.Hash, storage.StatusError, reason); err != nil {
		return
	}

	q.publishQueueChanged(rec.Hash, storage.StatusError)
	q.notify(context.Background(), notifier.Event{
		Kind:   notifier.EventDownloadFailed,
		Title:  rec.Title,
		Author: rec.Author,
		Hash:   rec.Hash,
		Reason: reason,
	})
}

func (q *Queue) notify(ctx context.Context, event notifier.Event) {
	if q.notif == nil {
		return
	}

	if err := q.notif.Notify(event); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "kind", event.Kind, "err", err)
	}
}

func (q *Queue) publishQueueChanged(hash, status string) {
	if q.events == nil {
		return
	}

	q.events.Publish(bus.TopicQueueChanged, map[string]interface{}{
		"hash":   hash,
		"status": status,
	})
}

func (q *Queue) pushTail(hash string) {
	q.mu.Lock()
	q.seq = append(q.seq, hash)
	q.mu.Unlock()
}

func (q *Queue) position(hash string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, h := range q.seq {
		if h == hash {
			return i + 1
		}
	}

	return 0
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) scheduleCooldown() {
	time.AfterFunc(q.cfg.RetryCooldown, q.nudge)
}
