package importlist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookhound/bookhound/internal/storage"
)

type memListRepo struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*storage.ImportListState
}

func newMemListRepo() *memListRepo {
	return &memListRepo{records: map[int64]*storage.ImportListState{}}
}

func (m *memListRepo) add(list *storage.ImportListState) *storage.ImportListState {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	list.ID = m.nextID
	m.records[list.ID] = list

	return list
}

func (m *memListRepo) CreateImportList(list *storage.ImportListState) (int64, error) {
	m.add(list)

	return list.ID, nil
}

func (m *memListRepo) GetImportList(id int64) (*storage.ImportListState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, ok := m.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	clone := *list
	clone.LastObservedHashes = append([]string(nil), list.LastObservedHashes...)

	return &clone, nil
}

func (m *memListRepo) ImportLists() ([]*storage.ImportListState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*storage.ImportListState

	for _, list := range m.records {
		clone := *list
		out = append(out, &clone)
	}

	return out, nil
}

func (m *memListRepo) ReplaceObservedHashes(id int64, hashes []string, fetchedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if list, ok := m.records[id]; ok {
		list.LastObservedHashes = hashes
		list.LastFetchedAt = &fetchedAt
		list.FetchError = ""
	}

	return nil
}

func (m *memListRepo) DisableImportList(id int64, fetchError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if list, ok := m.records[id]; ok {
		list.Enabled = false
		list.FetchError = fetchError
	}

	return nil
}

func (m *memListRepo) RecordFetchError(id int64, fetchError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if list, ok := m.records[id]; ok {
		list.FetchError = fetchError
	}

	return nil
}

type memRequestRepo struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*storage.StandingRequest
}

func newMemRequestRepo() *memRequestRepo {
	return &memRequestRepo{records: map[int64]*storage.StandingRequest{}}
}

func (m *memRequestRepo) CreateRequest(req *storage.StandingRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	req.ID = m.nextID
	m.records[req.ID] = req

	return req.ID, nil
}

func (m *memRequestRepo) GetRequest(id int64) (*storage.StandingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	clone := *req

	return &clone, nil
}

func (m *memRequestRepo) ActiveRequests() ([]*storage.StandingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*storage.StandingRequest

	for _, req := range m.records {
		if req.Status == storage.RequestActive {
			clone := *req
			out = append(out, &clone)
		}
	}

	return out, nil
}

func (m *memRequestRepo) UpdateRequestStatus(id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req, ok := m.records[id]; ok {
		req.Status = status
	}

	return nil
}

func (m *memRequestRepo) StampRequestChecked(id int64, at time.Time) error {
	return nil
}

func (m *memRequestRepo) MarkRequestFulfilled(id int64, hash string) (bool, error) {
	return false, nil
}

func (m *memRequestRepo) FindOpenRequest(userID int64, title, author string) (*storage.StandingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.records {
		if req.UserID != userID || req.Title != title || req.Author != author {
			continue
		}

		if req.Status == storage.RequestActive || req.Status == storage.RequestPending {
			clone := *req

			return &clone, nil
		}
	}

	return nil, storage.ErrNotFound
}

// pagedSource serves fixed pages keyed by page number; anything past the
// scripted pages is empty.
type pagedSource struct {
	mu    sync.Mutex
	pages map[int][]ListedBook
	err   error
	calls int
}

func (s *pagedSource) FetchPage(ctx context.Context, feedURL string, page int) ([]ListedBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++

	if s.err != nil {
		return nil, s.err
	}

	return s.pages[page], nil
}

type pollFixture struct {
	poller   *Poller
	lists    *memListRepo
	requests *memRequestRepo
	source   *pagedSource
}

func newPollFixture() *pollFixture {
	f := &pollFixture{
		lists:    newMemListRepo(),
		requests: newMemRequestRepo(),
		source:   &pagedSource{pages: map[int][]ListedBook{}},
	}

	f.poller = New(f.lists, f.requests, f.source, nil)
	f.poller.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	return f
}

func (f *pollFixture) addList(list *storage.ImportListState) *storage.ImportListState {
	return f.lists.add(list)
}

func book(hash, title, author string) ListedBook {
	return ListedBook{Hash: hash, Title: title, Author: author}
}

func TestPoll_FirstPollFutureModeOnlySnapshots(t *testing.T) {
	f := newPollFixture()
	f.source.pages[1] = []ListedBook{book("h1", "Dune", "Frank Herbert")}

	list := f.addList(&storage.ImportListState{
		FeedURL: "https://example.com/feed",
		Mode:    storage.ModeFuture,
		Enabled: true,
	})

	result, err := f.poller.Poll(context.Background(), list.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Observed)
	assert.Zero(t, result.NewItems)
	assert.Zero(t, result.NewRequests)

	stored, err := f.lists.GetImportList(list.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, stored.LastObservedHashes)
	assert.NotNil(t, stored.LastFetchedAt)
}

func TestPoll_FirstPollAllModeRequestsEverything(t *testing.T) {
	f := newPollFixture()
	f.source.pages[1] = []ListedBook{
		book("h1", "Dune", "Frank Herbert"),
		book("h2", "Hyperion", "Dan Simmons"),
	}

	list := f.addList(&storage.ImportListState{
		UserID:  3,
		FeedURL: "https://example.com/feed",
		Mode:    storage.ModeAll,
		Enabled: true,
	})

	result, err := f.poller.Poll(context.Background(), list.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.NewItems)
	assert.Equal(t, 2, result.NewRequests)

	active, err := f.requests.ActiveRequests()
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestPoll_OnlyNewItemsCreateRequests(t *testing.T) {
	f := newPollFixture()
	f.source.pages[1] = []ListedBook{
		book("h1", "Dune", "Frank Herbert"),
		book("h2", "Hyperion", "Dan Simmons"),
	}

	seen := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	list := f.addList(&storage.ImportListState{
		FeedURL:            "https://example.com/feed",
		Mode:               storage.ModeAll,
		Enabled:            true,
		LastObservedHashes: []string{"h1"},
		LastFetchedAt:      &seen,
	})

	result, err := f.poller.Poll(context.Background(), list.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Observed)
	assert.Equal(t, 1, result.NewItems)
	assert.Equal(t, 1, result.NewRequests)

	active, err := f.requests.ActiveRequests()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Hyperion", active[0].Title)
}

func TestPoll_ItemLeavingListIsNotARequest(t *testing.T) {
	f := newPollFixture()
	f.source.pages[1] = []ListedBook{book("h2", "Hyperion", "Dan Simmons")}

	seen := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	list := f.addList(&storage.ImportListState{
		FeedURL:            "https://example.com/feed",
		Mode:               storage.ModeAll,
		Enabled:            true,
		LastObservedHashes: []string{"h2", "gone"},
		LastFetchedAt:      &seen,
	})

	result, err := f.poller.Poll(context.Background(), list.ID)
	require.NoError(t, err)
	assert.Zero(t, result.NewItems)

	// The snapshot shrinks to what is on the list now.
	stored, err := f.lists.GetImportList(list.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, stored.LastObservedHashes)
}

func TestPoll_DedupesAgainstOpenRequests(t *testing.T) {
	f := newPollFixture()
	f.source.pages[1] = []ListedBook{book("h1", "Dune", "Frank Herbert")}

	_, err := f.requests.CreateRequest(&storage.StandingRequest{
		UserID: 3,
		Status: storage.RequestActive,
		Title:  "Dune",
		Author: "Frank Herbert",
	})
	require.NoError(t, err)

	list := f.addList(&storage.ImportListState{
		UserID:  3,
		FeedURL: "https://example.com/feed",
		Mode:    storage.ModeAll,
		Enabled: true,
	})

	result, err := f.poller.Poll(context.Background(), list.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewItems)
	assert.Zero(t, result.NewRequests, "an open request for the same book must not be duplicated")
}

func TestPoll_UseBookLanguageOverridesListDefault(t *testing.T) {
	f := newPollFixture()
	f.source.pages[1] = []ListedBook{
		{Hash: "h1", Title: "Dune", Author: "Frank Herbert", Language: "de"},
		{Hash: "h2", Title: "Hyperion", Author: "Dan Simmons"},
	}

	list := f.addList(&storage.ImportListState{
		FeedURL:         "https://example.com/feed",
		Mode:            storage.ModeAll,
		Enabled:         true,
		Language:        "en",
		UseBookLanguage: true,
	})

	_, err := f.poller.Poll(context.Background(), list.ID)
	require.NoError(t, err)

	byTitle := map[string]string{}

	active, err := f.requests.ActiveRequests()
	require.NoError(t, err)

	for _, req := range active {
		byTitle[req.Title] = req.Language
	}

	assert.Equal(t, "de", byTitle["Dune"])
	assert.Equal(t, "en", byTitle["Hyperion"], "items without a language fall back to the list default")
}

func TestPoll_StopsWhenPagingAddsNothing(t *testing.T) {
	f := newPollFixture()
	// A feed that ignores the page parameter serves the same items forever.
	f.source.pages[1] = []ListedBook{book("h1", "Dune", "Frank Herbert")}
	f.source.pages[2] = []ListedBook{book("h1", "Dune", "Frank Herbert")}
	f.source.pages[3] = []ListedBook{book("h1", "Dune", "Frank Herbert")}

	list := f.addList(&storage.ImportListState{
		FeedURL: "https://example.com/feed",
		Mode:    storage.ModeAll,
		Enabled: true,
	})

	result, err := f.poller.Poll(context.Background(), list.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Observed)
	assert.Equal(t, 2, f.source.calls, "the walk stops on the first page that adds nothing")
}

func TestPoll_FetchErrorPreservesSnapshot(t *testing.T) {
	f := newPollFixture()
	f.source.err = errors.New("upstream timeout")

	seen := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	list := f.addList(&storage.ImportListState{
		FeedURL:            "https://example.com/feed",
		Mode:               storage.ModeAll,
		Enabled:            true,
		LastObservedHashes: []string{"h1"},
		LastFetchedAt:      &seen,
	})

	_, err := f.poller.Poll(context.Background(), list.ID)
	require.Error(t, err)

	stored, err := f.lists.GetImportList(list.ID)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.Equal(t, []string{"h1"}, stored.LastObservedHashes, "a failed fetch must not clobber the previous snapshot")
	assert.Contains(t, stored.FetchError, "upstream timeout")
}

func TestPoll_GoneListAutoDisables(t *testing.T) {
	f := newPollFixture()
	f.source.err = ErrListGone

	list := f.addList(&storage.ImportListState{
		FeedURL: "https://example.com/feed",
		Mode:    storage.ModeAll,
		Enabled: true,
	})

	_, err := f.poller.Poll(context.Background(), list.ID)
	require.ErrorIs(t, err, ErrListGone)

	stored, err := f.lists.GetImportList(list.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	_, err = f.poller.Poll(context.Background(), list.ID)
	require.Error(t, err, "a disabled list must not be polled again")
}

func TestPoll_SingleFlightPerList(t *testing.T) {
	f := newPollFixture()

	list := f.addList(&storage.ImportListState{
		FeedURL: "https://example.com/feed",
		Mode:    storage.ModeAll,
		Enabled: true,
	})

	require.True(t, f.poller.acquire(list.ID))

	result, err := f.poller.Poll(context.Background(), list.ID)
	require.NoError(t, err)
	assert.True(t, result.InProgress)

	f.poller.release(list.ID)

	result, err = f.poller.Poll(context.Background(), list.ID)
	require.NoError(t, err)
	assert.False(t, result.InProgress)
}

func TestPollAll_SkipsDisabledLists(t *testing.T) {
	f := newPollFixture()
	f.source.pages[1] = []ListedBook{book("h1", "Dune", "Frank Herbert")}

	f.addList(&storage.ImportListState{FeedURL: "https://example.com/a", Mode: storage.ModeAll, Enabled: true})
	f.addList(&storage.ImportListState{FeedURL: "https://example.com/b", Mode: storage.ModeAll, Enabled: false})

	require.NoError(t, f.poller.PollAll(context.Background()))

	active, err := f.requests.ActiveRequests()
	require.NoError(t, err)
	assert.Len(t, active, 1, "only the enabled list creates requests")
}
