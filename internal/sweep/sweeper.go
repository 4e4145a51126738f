// Package sweep turns standing requests into admitted downloads. A sweep
// walks every active request, searches the catalog, scores candidates, and
// hands the winning content hash to the queue.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/bookhound/bookhound/internal/bus"
	"github.com/bookhound/bookhound/internal/catalog"
	"github.com/bookhound/bookhound/internal/hooks"
	"github.com/bookhound/bookhound/internal/logctx"
	"github.com/bookhound/bookhound/internal/match"
	"github.com/bookhound/bookhound/internal/notifier"
	"github.com/bookhound/bookhound/internal/queue"
	"github.com/bookhound/bookhound/internal/storage"
)

// Admitter is the slice of the queue the sweeper needs.
type Admitter interface {
	Admit(ctx context.Context, hash string, userID int64, source string, meta queue.Metadata) (*queue.Admission, error)
}

// Config tunes the sweep behavior.
type Config struct {
	// SearchDelay is the fixed pause between per-request searches, to
	// avoid hammering the upstream catalog.
	SearchDelay time.Duration
	// ISBNFirst searches by ISBN before anything else when one is set.
	ISBNFirst bool
	// YearNarrowing adds the request's year filter to the first search,
	// falling back to an unfiltered search on empty results.
	YearNarrowing bool
}

const defaultSearchDelay = 2 * time.Second

// Summary reports what one sweep did.
type Summary struct {
	Skipped   bool
	Swept     int
	Fulfilled int
	Errors    int
}

// Sweeper runs at most one sweep cycle at a time; overlapping triggers are
// dropped, not queued.
type Sweeper struct {
	cfg       Config
	requests  storage.RequestRepository
	downloads storage.DownloadRepository
	searcher  catalog.Searcher
	admitter  Admitter
	hooks     []hooks.Hook
	notif     notifier.Notifier
	events    *bus.Broadcaster

	running atomic.Bool
	now     func() time.Time
}

func New(
	cfg Config,
	requests storage.RequestRepository,
	downloads storage.DownloadRepository,
	searcher catalog.Searcher,
	admitter Admitter,
	ownerHooks []hooks.Hook,
	notif notifier.Notifier,
	events *bus.Broadcaster,
) *Sweeper {
	if cfg.SearchDelay == 0 {
		cfg.SearchDelay = defaultSearchDelay
	}

	return &Sweeper{
		cfg:       cfg,
		requests:  requests,
		downloads: downloads,
		searcher:  searcher,
		admitter:  admitter,
		hooks:     ownerHooks,
		notif:     notif,
		events:    events,
		now:       time.Now,
	}
}

// SweepAll visits every active request. Per-request failures are counted
// and never abort the rest of the sweep.
func (s *Sweeper) SweepAll(ctx context.Context) (*Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return &Summary{Skipped: true}, nil
	}
	defer s.running.Store(false)

	logger := logctx.LoggerFromContext(ctx)

	active, err := s.requests.ActiveRequests()
	if err != nil {
		return nil, fmt.Errorf("failed to load active requests: %w", err)
	}

	summary := &Summary{}

	for i, req := range active {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		fulfilled, err := s.sweepRequest(ctx, req)
		if err != nil {
			logger.Error("failed to sweep request", "request_id", req.ID, "err", err)

			summary.Errors++
		}

		summary.Swept++

		if fulfilled {
			summary.Fulfilled++
		}

		// Rate-limit the upstream catalog between requests.
		if i < len(active)-1 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(s.cfg.SearchDelay):
			}
		}
	}

	logger.Info("sweep completed", "swept", summary.Swept, "fulfilled", summary.Fulfilled, "errors", summary.Errors)

	return summary, nil
}

// SweepOne processes a single request immediately, used right after
// approval so the owner doesn't wait for the next scheduled sweep. It is
// dropped when a full sweep is already running.
func (s *Sweeper) SweepOne(ctx context.Context, requestID int64) (*Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return &Summary{Skipped: true}, nil
	}
	defer s.running.Store(false)

	req, err := s.requests.GetRequest(requestID)
	if err != nil {
		return nil, err
	}

	if req.Status != storage.RequestActive {
		return &Summary{}, nil
	}

	summary := &Summary{Swept: 1}

	fulfilled, err := s.sweepRequest(ctx, req)
	if err != nil {
		summary.Errors++

		return summary, err
	}

	if fulfilled {
		summary.Fulfilled++
	}

	return summary, nil
}

func (s *Sweeper) sweepRequest(ctx context.Context, req *storage.StandingRequest) (bool, error) {
	if err := s.requests.StampRequestChecked(req.ID, s.now()); err != nil {
		return false, fmt.Errorf("failed to stamp request: %w", err)
	}

	// An exact target skips search entirely.
	if req.TargetHash != "" {
		adm, err := s.admitter.Admit(ctx, req.TargetHash, req.UserID, storage.SourceIndexer, queue.Metadata{
			Title:  req.Title,
			Author: req.Author,
			Format: req.Format,
		})
		if err != nil {
			return false, fmt.Errorf("failed to admit target hash: %w", err)
		}

		if !adm.Accepted() {
			return false, nil
		}

		return s.fulfill(ctx, req, req.TargetHash, nil, adm.Result == queue.AlreadyDownloaded)
	}

	results, err := s.search(ctx, req)
	if err != nil {
		return false, err
	}

	if len(results) == 0 {
		return false, nil
	}

	chosen, alreadyAvailable, err := s.selectCandidate(req, results)
	if err != nil {
		return false, err
	}

	if chosen == nil {
		return false, nil
	}

	// Admit on behalf of the request owner, not the sweeper.
	adm, err := s.admitter.Admit(ctx, chosen.Hash, req.UserID, storage.SourceIndexer, queue.Metadata{
		Title:  chosen.Title,
		Author: firstAuthor(chosen.Authors),
		Format: chosen.Format,
	})
	if err != nil {
		return false, fmt.Errorf("failed to admit selected candidate: %w", err)
	}

	if !adm.Accepted() {
		return false, nil
	}

	return s.fulfill(ctx, req, chosen.Hash, chosen, alreadyAvailable)
}

// search runs the strategy ladder, stopping at the first non-empty result
// set: ISBN, year-narrowed with fallback, then plain keywords.
func (s *Sweeper) search(ctx context.Context, req *storage.StandingRequest) ([]catalog.Result, error) {
	base := catalog.Query{
		Keywords: req.Query,
		Title:    req.Title,
		Author:   req.Author,
		Format:   req.Format,
		Language: req.Language,
	}

	if s.cfg.ISBNFirst && req.ISBN != "" {
		results, err := s.searcher.Search(ctx, catalog.Query{ISBN: req.ISBN})
		if err != nil {
			return nil, fmt.Errorf("isbn search failed: %w", err)
		}

		if len(results) > 0 {
			return results, nil
		}
	}

	if s.cfg.YearNarrowing && req.Year > 0 {
		narrowed := base
		narrowed.Year = req.Year

		results, err := s.searcher.Search(ctx, narrowed)
		if err != nil {
			return nil, fmt.Errorf("year-narrowed search failed: %w", err)
		}

		if len(results) > 0 {
			return results, nil
		}
	}

	results, err := s.searcher.Search(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return results, nil
}

type scoredResult struct {
	result catalog.Result
	score  float64
}

// selectCandidate scores the results and picks the best one that is not
// already available. When every sufficiently-scored candidate is already
// available, it falls back to the best of them that still passes the
// stricter good-match bar, preferring to fetch something new but never
// re-announcing an unrelated already-downloaded book.
func (s *Sweeper) selectCandidate(req *storage.StandingRequest, results []catalog.Result) (*catalog.Result, bool, error) {
	title := req.Title
	if title == "" {
		title = req.Query
	}

	var candidates []scoredResult

	for _, r := range results {
		score := match.Score(title, req.Author, r.Title, r.Authors)
		if score < match.MinCandidateScore {
			continue
		}

		candidates = append(candidates, scoredResult{result: r, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	for _, c := range candidates {
		available, err := s.isAvailable(c.result.Hash)
		if err != nil {
			return nil, false, err
		}

		if !available {
			chosen := c.result

			return &chosen, false, nil
		}
	}

	// Everything left is already downloaded: only a good match may be
	// re-announced, walked best-first.
	for _, c := range candidates {
		if match.IsGoodMatch(title, req.Author, c.result.Title, c.result.Authors) {
			chosen := c.result

			return &chosen, true, nil
		}
	}

	return nil, false, nil
}

func (s *Sweeper) isAvailable(hash string) (bool, error) {
	rec, err := s.downloads.GetDownload(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return rec.Status == storage.StatusAvailable, nil
}

// fulfill marks the request fulfilled exactly once. The repository's
// guarded transition makes a second call a no-op, so notifications never
// fire twice.
func (s *Sweeper) fulfill(ctx context.Context, req *storage.StandingRequest, hash string, chosen *catalog.Result, alreadyAvailable bool) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	flipped, err := s.requests.MarkRequestFulfilled(req.ID, hash)
	if err != nil {
		return false, fmt.Errorf("failed to mark request fulfilled: %w", err)
	}

	if !flipped {
		return false, nil
	}

	logger.Info("request fulfilled", "request_id", req.ID, "hash", hash)

	if s.events != nil {
		s.events.Publish(bus.TopicRequestsChanged, map[string]interface{}{
			"request_id": req.ID,
			"status":     storage.RequestFulfilled,
			"hash":       hash,
		})
	}

	title, author := req.Title, req.Author
	if chosen != nil {
		title, author = chosen.Title, firstAuthor(chosen.Authors)
	}

	if s.notif != nil {
		if err := s.notif.Notify(notifier.Event{
			Kind:   notifier.EventRequestFulfilled,
			Title:  title,
			Author: author,
			Hash:   hash,
		}); err != nil {
			logger.Error("failed to send notification", "request_id", req.ID, "err", err)
		}
	}

	// The generic pipeline already ran its side effects when the book
	// first landed; an already-available match still owes the owner
	// their personal post-download actions.
	if alreadyAvailable {
		s.runOwnerHooks(ctx, hash)
	}

	return true, nil
}

func (s *Sweeper) runOwnerHooks(ctx context.Context, hash string) {
	logger := logctx.LoggerFromContext(ctx)

	rec, err := s.downloads.GetDownload(hash)
	if err != nil {
		logger.Error("failed to load available download for hooks", "hash", hash, "err", err)

		return
	}

	for _, hook := range s.hooks {
		if err := hook.Run(ctx, rec); err != nil {
			logger.Error("owner hook failed", "hook", hook.Name(), "hash", hash, "err", err)
		}
	}
}

func firstAuthor(authors []string) string {
	if len(authors) == 0 {
		return ""
	}

	return authors[0]
}
