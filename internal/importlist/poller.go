// Package importlist polls external book lists, diffs each poll against
// the previously observed set, and creates standing requests for items
// that genuinely appeared since last time.
package importlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bookhound/bookhound/internal/bus"
	"github.com/bookhound/bookhound/internal/logctx"
	"github.com/bookhound/bookhound/internal/storage"
	"golang.org/x/sync/errgroup"
)

// ErrListGone signals the upstream list is no longer accessible; the
// poller auto-disables the list instead of retrying.
var ErrListGone = errors.New("import list is no longer accessible")

// maxPages bounds a single poll as a runaway guard.
const maxPages = 100

// ListedBook is one item observed on an external list.
type ListedBook struct {
	Hash     string
	Title    string
	Author   string
	Language string
}

// Source fetches one page of an external list. An empty page ends the
// walk.
type Source interface {
	FetchPage(ctx context.Context, feedURL string, page int) ([]ListedBook, error)
}

// Result reports what one poll did.
type Result struct {
	InProgress  bool
	Observed    int
	NewItems    int
	NewRequests int
}

// Poller enforces single-flight per list id; different lists may poll
// concurrently.
type Poller struct {
	lists    storage.ImportListRepository
	requests storage.RequestRepository
	source   Source
	events   *bus.Broadcaster

	mu       sync.Mutex
	inFlight map[int64]bool

	now func() time.Time
}

func New(lists storage.ImportListRepository, requests storage.RequestRepository, source Source, events *bus.Broadcaster) *Poller {
	return &Poller{
		lists:    lists,
		requests: requests,
		source:   source,
		events:   events,
		inFlight: make(map[int64]bool),
		now:      time.Now,
	}
}

// Poll fetches the list's current book set and creates requests for new
// items. A second concurrent poll for the same list returns immediately
// with InProgress set.
func (p *Poller) Poll(ctx context.Context, listID int64) (*Result, error) {
	if !p.acquire(listID) {
		return &Result{InProgress: true}, nil
	}
	defer p.release(listID)

	ctx = logctx.With(ctx, "list_id", listID)
	logger := logctx.LoggerFromContext(ctx)

	list, err := p.lists.GetImportList(listID)
	if err != nil {
		return nil, err
	}

	if !list.Enabled {
		return nil, fmt.Errorf("import list %d is disabled", listID)
	}

	items, currentSet, err := p.fetchAll(ctx, list.FeedURL)
	if err != nil {
		// A failed fetch must leave the previous snapshot intact so
		// the next diff stays meaningful.
		if errors.Is(err, ErrListGone) {
			if derr := p.lists.DisableImportList(listID, err.Error()); derr != nil {
				logger.Error("failed to disable import list", "err", derr)
			}

			logger.Warn("import list auto-disabled", "err", err)
		} else if rerr := p.lists.RecordFetchError(listID, err.Error()); rerr != nil {
			logger.Error("failed to record fetch error", "err", rerr)
		}

		return nil, err
	}

	newItems := p.diff(list, items)

	result := &Result{Observed: len(currentSet), NewItems: len(newItems)}

	for _, item := range newItems {
		created, err := p.createRequest(ctx, list, item)
		if err != nil {
			// Per-item failures never abort the rest of the batch.
			logger.Error("failed to create request for list item", "title", item.Title, "err", err)

			continue
		}

		if created {
			result.NewRequests++
		}
	}

	// Persist the snapshot even when nothing was new or some items
	// failed partway, so the next diff starts from what we saw now.
	if err := p.lists.ReplaceObservedHashes(listID, currentSet, p.now()); err != nil {
		return result, fmt.Errorf("failed to persist observed hashes: %w", err)
	}

	logger.Info("list poll completed",
		"observed", result.Observed, "new_items", result.NewItems, "new_requests", result.NewRequests)

	return result, nil
}

// PollAll polls every enabled list, each in its own goroutine.
func (p *Poller) PollAll(ctx context.Context) error {
	lists, err := p.lists.ImportLists()
	if err != nil {
		return fmt.Errorf("failed to load import lists: %w", err)
	}

	wg, ctx := errgroup.WithContext(ctx)

	for _, list := range lists {
		if !list.Enabled {
			continue
		}

		id := list.ID

		wg.Go(func() error {
			if _, err := p.Poll(ctx, id); err != nil {
				logctx.LoggerFromContext(ctx).Error("list poll failed", "list_id", id, "err", err)
			}

			// Poll errors are per-list; they never fail the batch.
			return nil
		})
	}

	return wg.Wait()
}

// fetchAll walks the list's pages, deduplicating by hash, and stops when
// a page is empty or contributes nothing new (feeds that ignore paging
// serve the same page forever).
func (p *Poller) fetchAll(ctx context.Context, feedURL string) ([]ListedBook, []string, error) {
	var (
		items      []ListedBook
		currentSet []string
	)

	seen := make(map[string]bool)

	for page := 1; page <= maxPages; page++ {
		pageItems, err := p.source.FetchPage(ctx, feedURL, page)
		if err != nil {
			return nil, nil, err
		}

		added := 0

		for _, item := range pageItems {
			if seen[item.Hash] {
				continue
			}

			seen[item.Hash] = true
			currentSet = append(currentSet, item.Hash)
			items = append(items, item)
			added++
		}

		if added == 0 {
			break
		}
	}

	return items, currentSet, nil
}

// diff applies the first-poll semantics: future mode snapshots without
// creating anything, all mode treats every current item as new. Later
// polls only count items absent from the previous snapshot.
func (p *Poller) diff(list *storage.ImportListState, items []ListedBook) []ListedBook {
	firstPoll := list.LastFetchedAt == nil

	if firstPoll {
		if list.Mode == storage.ModeFuture {
			return nil
		}

		return items
	}

	previous := make(map[string]bool, len(list.LastObservedHashes))
	for _, h := range list.LastObservedHashes {
		previous[h] = true
	}

	var newItems []ListedBook

	for _, item := range items {
		if !previous[item.Hash] {
			newItems = append(newItems, item)
		}
	}

	return newItems
}

// createRequest builds a standing request for a new list item, honoring
// the list's defaults and deduplicating against the owner's open requests
// for the same title/author.
func (p *Poller) createRequest(ctx context.Context, list *storage.ImportListState, item ListedBook) (bool, error) {
	existing, err := p.requests.FindOpenRequest(list.UserID, item.Title, item.Author)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	if existing != nil {
		return false, nil
	}

	language := list.Language
	if list.UseBookLanguage && item.Language != "" {
		language = item.Language
	}

	req := &storage.StandingRequest{
		UserID:    list.UserID,
		Status:    storage.RequestActive,
		Title:     item.Title,
		Author:    item.Author,
		Format:    list.Format,
		Language:  language,
		CreatedAt: p.now(),
	}

	id, err := p.requests.CreateRequest(req)
	if err != nil {
		return false, err
	}

	if p.events != nil {
		p.events.Publish(bus.TopicRequestsChanged, map[string]interface{}{
			"request_id": id,
			"status":     storage.RequestActive,
			"list_id":    list.ID,
		})
	}

	logctx.LoggerFromContext(ctx).Debug("created request from list item",
		"list_id", list.ID, "request_id", id, "title", item.Title)

	return true, nil
}

func (p *Poller) acquire(listID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inFlight[listID] {
		return false
	}

	p.inFlight[listID] = true

	return true
}

func (p *Poller) release(listID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.inFlight, listID)
}
