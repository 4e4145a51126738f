package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookhound/bookhound/internal/bus"
	"github.com/bookhound/bookhound/internal/catalog"
	"github.com/bookhound/bookhound/internal/fetch"
	"github.com/bookhound/bookhound/internal/importlist"
	"github.com/bookhound/bookhound/internal/notifier"
	"github.com/bookhound/bookhound/internal/queue"
	"github.com/bookhound/bookhound/internal/storage"
	"github.com/bookhound/bookhound/internal/sweep"
)

type memDownloadRepo struct {
	mu      sync.Mutex
	records map[string]*storage.DownloadRecord
}

func newMemDownloadRepo() *memDownloadRepo {
	return &memDownloadRepo{records: map[string]*storage.DownloadRecord{}}
}

func (m *memDownloadRepo) CreateDownload(rec *storage.DownloadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *rec
	m.records[rec.Hash] = &clone

	return nil
}

func (m *memDownloadRepo) GetDownload(hash string) (*storage.DownloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}

	clone := *rec

	return &clone, nil
}

func (m *memDownloadRepo) GetDownloads() ([]*storage.DownloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*storage.DownloadRecord, 0, len(m.records))
	for _, rec := range m.records {
		clone := *rec
		out = append(out, &clone)
	}

	return out, nil
}

func (m *memDownloadRepo) NonTerminalDownloads() ([]*storage.DownloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*storage.DownloadRecord

	for _, rec := range m.records {
		if rec.InFlight() {
			clone := *rec
			out = append(out, &clone)
		}
	}

	return out, nil
}

func (m *memDownloadRepo) UpdateDownloadStatus(hash, status, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[hash]
	if !ok {
		return storage.ErrNotFound
	}

	rec.Status = status
	rec.ErrorMessage = errorMessage

	if status != storage.StatusDelayed {
		rec.NextRetryAt = nil
	}

	return nil
}

func (m *memDownloadRepo) UpdateDownloadRetry(hash string, retryCount, delayedRetryCount int, nextRetryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[hash]
	if !ok {
		return storage.ErrNotFound
	}

	rec.RetryCount = retryCount
	rec.DelayedRetryCount = delayedRetryCount
	rec.NextRetryAt = nextRetryAt

	return nil
}

func (m *memDownloadRepo) UpdateDownloadProgress(hash, phase string, percent float64) error {
	return nil
}

func (m *memDownloadRepo) SetDownloadFilePath(hash, filePath string) error {
	return nil
}

func (m *memDownloadRepo) DeleteDownload(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, hash)

	return nil
}

func (m *memDownloadRepo) ClearDownloads(statuses []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64

	for hash, rec := range m.records {
		for _, status := range statuses {
			if rec.Status == status {
				delete(m.records, hash)

				removed++

				break
			}
		}
	}

	return removed, nil
}

type memSettingsRepo struct {
	mu     sync.Mutex
	paused bool
}

func (m *memSettingsRepo) QueuePaused() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.paused, nil
}

func (m *memSettingsRepo) SetQueuePaused(paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = paused

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
	clone := *req
	clone.ID = m.nextID
	m.records[clone.ID] = &clone

	return clone.ID, nil
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

	req, ok := m.records[id]
	if !ok {
		return storage.ErrNotFound
	}

	req.Status = status

	return nil
}

func (m *memRequestRepo) StampRequestChecked(id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req, ok := m.records[id]; ok {
		req.LastCheckedAt = &at
	}

	return nil
}

func (m *memRequestRepo) MarkRequestFulfilled(id int64, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.records[id]
	if !ok || req.Status != storage.RequestActive {
		return false, nil
	}

	req.Status = storage.RequestFulfilled
	req.FulfilledHash = hash

	return true, nil
}

func (m *memRequestRepo) FindOpenRequest(userID int64, title, author string) (*storage.StandingRequest, error) {
	return nil, storage.ErrNotFound
}

type memListRepo struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*storage.ImportListState
}

func newMemListRepo() *memListRepo {
	return &memListRepo{records: map[int64]*storage.ImportListState{}}
}

func (m *memListRepo) CreateImportList(list *storage.ImportListState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	clone := *list
	clone.ID = m.nextID
	m.records[clone.ID] = &clone

	return clone.ID, nil
}

func (m *memListRepo) GetImportList(id int64) (*storage.ImportListState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, ok := m.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	clone := *list

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

type stubSearcher struct {
	results []catalog.Result
}

func (s *stubSearcher) Search(ctx context.Context, q catalog.Query) ([]catalog.Result, error) {
	return s.results, nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, hash string, opts fetch.Options) (*fetch.Result, error) {
	return &fetch.Result{FilePath: "/tmp/" + hash}, nil
}

type stubSource struct {
	items []importlist.ListedBook
}

func (s *stubSource) FetchPage(ctx context.Context, feedURL string, page int) ([]importlist.ListedBook, error) {
	if page > 1 {
		return nil, nil
	}

	return s.items, nil
}

type apiFixture struct {
	handler   http.Handler
	downloads *memDownloadRepo
	requests  *memRequestRepo
	lists     *memListRepo
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	downloads := newMemDownloadRepo()
	requests := newMemRequestRepo()
	lists := newMemListRepo()
	settings := &memSettingsRepo{}
	events := bus.NewBroadcaster()

	q := queue.New(queue.Config{}, downloads, settings, stubFetcher{}, nil, nil, notifier.Noop{}, events)
	require.NoError(t, q.Recover(context.Background()))

	sweeper := sweep.New(
		sweep.Config{SearchDelay: time.Millisecond},
		requests, downloads, &stubSearcher{}, q, nil, notifier.Noop{}, events,
	)

	poller := importlist.New(lists, requests, &stubSource{}, events)

	h := NewAPIHandler("admin", "secret", q, sweeper, poller, downloads, requests, lists, events)

	return &apiFixture{
		handler:   h.Routes(),
		downloads: downloads,
		requests:  requests,
		lists:     lists,
	}
}

func (f *apiFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader

	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.SetBasicAuth("admin", "secret")

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

func TestAPI_RequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/queue/", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_AdmitAndList(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/queue/", admitRequest{Hash: "abc", Title: "Dune", Author: "Frank Herbert"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var admitted admitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &admitted))
	assert.Equal(t, queue.Admitted, admitted.Result)

	// A second admission of the same hash reports the existing slot.
	rec = f.do(http.MethodPost, "/queue/", admitRequest{Hash: "abc"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &admitted))
	assert.Equal(t, queue.AlreadyInQueue, admitted.Result)

	rec = f.do(http.MethodGet, "/queue/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list queueListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Downloads, 1)
	assert.Equal(t, "abc", list.Downloads[0].Hash)
	assert.Equal(t, "Dune", list.Downloads[0].Title)
	assert.Equal(t, 1, list.Downloads[0].Position)
}

func TestAPI_AdmitRejectsEmptyHash(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/queue/", admitRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_CancelAndRetry(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/queue/", admitRequest{Hash: "abc"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(http.MethodDelete, "/queue/abc", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := f.downloads.GetDownload("abc")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, stored.Status)

	rec = f.do(http.MethodPost, "/queue/abc/retry", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	stored, err = f.downloads.GetDownload("abc")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusQueued, stored.Status)

	// Retrying a queued record is a conflict.
	rec = f.do(http.MethodPost, "/queue/abc/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodDelete, "/queue/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_PauseResume(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/queue/pause", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/queue/", nil)

	var list queueListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.True(t, list.Paused)

	rec = f.do(http.MethodPost, "/queue/resume", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPI_ClearRejectsNonTerminalStatus(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/queue/clear", clearRequest{Statuses: []string{storage.StatusQueued}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ClearRemovesTerminalRecords(t *testing.T) {
	f := newAPIFixture(t)

	require.NoError(t, f.downloads.CreateDownload(&storage.DownloadRecord{Hash: "dead", Status: storage.StatusError}))
	require.NoError(t, f.downloads.CreateDownload(&storage.DownloadRecord{Hash: "live", Status: storage.StatusQueued}))

	rec := f.do(http.MethodPost, "/queue/clear", clearRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp["removed"])

	_, err := f.downloads.GetDownload("live")
	assert.NoError(t, err)
}

func TestAPI_RequestLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/requests/", createRequestBody{
		Title:         "Dune",
		Author:        "Frank Herbert",
		NeedsApproval: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created requestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, storage.RequestPending, created.Status)

	// Pending requests are invisible to the sweeper.
	rec = f.do(http.MethodGet, "/requests/", nil)

	var active []requestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	assert.Empty(t, active)

	rec = f.do(http.MethodPost, "/requests/1/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.requests.GetRequest(created.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RequestActive, stored.Status)

	// Approving twice is a conflict.
	rec = f.do(http.MethodPost, "/requests/1/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodDelete, "/requests/1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err = f.requests.GetRequest(created.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RequestCancelled, stored.Status)
}

func TestAPI_RequestCreateNeedsIdentity(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/requests/", createRequestBody{Author: "nobody"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ListCreateAndPoll(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/lists/", createListBody{
		Name:    "sci-fi picks",
		FeedURL: "https://example.com/feed",
		Mode:    storage.ModeAll,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.Enabled)

	rec = f.do(http.MethodPost, "/lists/1/poll", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/lists/", nil)

	var lists []listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lists))
	require.Len(t, lists, 1)
	assert.Equal(t, "sci-fi picks", lists[0].Name)
}

func TestAPI_ListCreateValidatesMode(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/lists/", createListBody{FeedURL: "https://example.com/feed", Mode: "sometimes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
