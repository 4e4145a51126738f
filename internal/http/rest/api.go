// Package rest exposes the acquisition pipeline over a small JSON API.
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bookhound/bookhound/internal/bus"
	"github.com/bookhound/bookhound/internal/importlist"
	"github.com/bookhound/bookhound/internal/logctx"
	"github.com/bookhound/bookhound/internal/queue"
	"github.com/bookhound/bookhound/internal/storage"
	"github.com/bookhound/bookhound/internal/sweep"
)

// APIHandler serves the queue, request and import list endpoints.
type APIHandler struct {
	username string
	password string

	queue     *queue.Queue
	sweeper   *sweep.Sweeper
	poller    *importlist.Poller
	downloads storage.DownloadRepository
	requests  storage.RequestRepository
	lists     storage.ImportListRepository
	events    *bus.Broadcaster
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(
	username, password string,
	q *queue.Queue,
	sweeper *sweep.Sweeper,
	poller *importlist.Poller,
	downloads storage.DownloadRepository,
	requests storage.RequestRepository,
	lists storage.ImportListRepository,
	events *bus.Broadcaster,
) *APIHandler {
	return &APIHandler{
		username:  username,
		password:  password,
		queue:     q,
		sweeper:   sweeper,
		poller:    poller,
		downloads: downloads,
		requests:  requests,
		lists:     lists,
		events:    events,
	}
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.HandleQueueList)
		r.Post("/", h.HandleQueueAdmit)
		r.Post("/pause", h.HandleQueuePause)
		r.Post("/resume", h.HandleQueueResume)
		r.Post("/clear", h.HandleQueueClear)
		r.Delete("/{hash}", h.HandleQueueCancel)
		r.Post("/{hash}/retry", h.HandleQueueRetry)
	})

	r.Route("/requests", func(r chi.Router) {
		r.Get("/", h.HandleRequestList)
		r.Post("/", h.HandleRequestCreate)
		r.Post("/sweep", h.HandleSweepAll)
		r.Post("/{id}/approve", h.HandleRequestApprove)
		r.Post("/{id}/sweep", h.HandleRequestSweep)
		r.Delete("/{id}", h.HandleRequestCancel)
	})

	r.Route("/lists", func(r chi.Router) {
		r.Get("/", h.HandleListIndex)
		r.Post("/", h.HandleListCreate)
		r.Post("/{id}/poll", h.HandleListPoll)
	})

	r.Get("/events", h.HandleEvents)

	return r
}

type downloadResponse struct {
	Hash              string     `json:"hash"`
	Status            string     `json:"status"`
	Title             string     `json:"title,omitempty"`
	Author            string     `json:"author,omitempty"`
	Format            string     `json:"format,omitempty"`
	RetryCount        int        `json:"retryCount"`
	DelayedRetryCount int        `json:"delayedRetryCount"`
	NextRetryAt       *time.Time `json:"nextRetryAt,omitempty"`
	QueuedAt          time.Time  `json:"queuedAt"`
	ProgressPhase     string     `json:"progressPhase,omitempty"`
	ProgressPercent   float64    `json:"progressPercent"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	Position          int        `json:"position,omitempty"`
}

type queueListResponse struct {
	Paused    bool               `json:"paused"`
	InFlight  string             `json:"inFlight,omitempty"`
	Downloads []downloadResponse `json:"downloads"`
}

// HandleQueueList returns every tracked download with its queue position.
func (h *APIHandler) HandleQueueList(w http.ResponseWriter, r *http.Request) {
	records, err := h.downloads.GetDownloads()
	if err != nil {
		h.serverError(w, r, "failed to list downloads", err)

		return
	}

	pending, inFlight := h.queue.Pending()

	positions := make(map[string]int, len(pending))
	for i, hash := range pending {
		positions[hash] = i + 1
	}

	resp := queueListResponse{
		Paused:    h.queue.Paused(),
		InFlight:  inFlight,
		Downloads: make([]downloadResponse, 0, len(records)),
	}

	for _, rec := range records {
		resp.Downloads = append(resp.Downloads, downloadResponse{
			Hash:              rec.Hash,
			Status:            rec.Status,
			Title:             rec.Title,
			Author:            rec.Author,
			Format:            rec.Format,
			RetryCount:        rec.RetryCount,
			DelayedRetryCount: rec.DelayedRetryCount,
			NextRetryAt:       rec.NextRetryAt,
			QueuedAt:          rec.QueuedAt,
			ProgressPhase:     rec.ProgressPhase,
			ProgressPercent:   rec.ProgressPercent,
			ErrorMessage:      rec.ErrorMessage,
			Position:          positions[rec.Hash],
		})
	}

	h.writeJSON(w, r, http.StatusOK, resp)
}

type admitRequest struct {
	Hash   string `json:"hash"`
	UserID int64  `json:"userId"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Format string `json:"format"`
}

type admitResponse struct {
	Result   string `json:"result"`
	Position int    `json:"position,omitempty"`
}

// HandleQueueAdmit enters a content hash into the pipeline.
func (h *APIHandler) HandleQueueAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.Hash == "" {
		http.Error(w, "hash is required", http.StatusBadRequest)

		return
	}

	admission, err := h.queue.Admit(r.Context(), req.Hash, req.UserID, storage.SourceAPI, queue.Metadata{
		Title:  req.Title,
		Author: req.Author,
		Format: req.Format,
	})
	if err != nil {
		if errors.Is(err, queue.ErrNotRecovered) {
			http.Error(w, "queue is still recovering", http.StatusServiceUnavailable)

			return
		}

		h.serverError(w, r, "failed to admit download", err)

		return
	}

	status := http.StatusAccepted
	if admission.Result != queue.Admitted {
		status = http.StatusOK
	}

	h.writeJSON(w, r, status, admitResponse{Result: admission.Result, Position: admission.Position})
}

// HandleQueuePause stops the sequencer after the current attempt.
func (h *APIHandler) HandleQueuePause(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Pause(); err != nil {
		h.serverError(w, r, "failed to pause queue", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleQueueResume restarts the sequencer.
func (h *APIHandler) HandleQueueResume(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Resume(); err != nil {
		h.serverError(w, r, "failed to resume queue", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type clearRequest struct {
	Statuses []string `json:"statuses"`
}

// HandleQueueClear bulk-removes records in terminal states. Only terminal
// statuses are accepted; in-flight records must be cancelled one by one.
func (h *APIHandler) HandleQueueClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if len(req.Statuses) == 0 {
		req.Statuses = []string{storage.StatusError, storage.StatusCancelled}
	}

	for _, status := range req.Statuses {
		switch status {
		case storage.StatusAvailable, storage.StatusError, storage.StatusCancelled:
		default:
			http.Error(w, fmt.Sprintf("status %q is not terminal", status), http.StatusBadRequest)

			return
		}
	}

	removed, err := h.downloads.ClearDownloads(req.Statuses)
	if err != nil {
		h.serverError(w, r, "failed to clear downloads", err)

		return
	}

	h.writeJSON(w, r, http.StatusOK, map[string]int64{"removed": removed})
}

// HandleQueueCancel removes a pending item or aborts a running attempt.
func (h *APIHandler) HandleQueueCancel(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	if err := h.queue.Cancel(hash); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "download not found", http.StatusNotFound)

			return
		}

		h.serverError(w, r, "failed to cancel download", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleQueueRetry re-admits a failed or cancelled record.
func (h *APIHandler) HandleQueueRetry(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	if err := h.queue.Retry(hash); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "download not found", http.StatusNotFound)
		case errors.Is(err, queue.ErrNotRetryable):
			http.Error(w, "download is not in a retryable state", http.StatusConflict)
		default:
			h.serverError(w, r, "failed to retry download", err)
		}

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type requestResponse struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"userId"`
	Status        string     `json:"status"`
	Query         string     `json:"query,omitempty"`
	Title         string     `json:"title,omitempty"`
	Author        string     `json:"author,omitempty"`
	ISBN          string     `json:"isbn,omitempty"`
	Year          int        `json:"year,omitempty"`
	Format        string     `json:"format,omitempty"`
	Language      string     `json:"language,omitempty"`
	TargetHash    string     `json:"targetHash,omitempty"`
	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty"`
	FulfilledHash string     `json:"fulfilledHash,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func toRequestResponse(req *storage.StandingRequest) requestResponse {
	return requestResponse{
		ID:            req.ID,
		UserID:        req.UserID,
		Status:        req.Status,
		Query:         req.Query,
		Title:         req.Title,
		Author:        req.Author,
		ISBN:          req.ISBN,
		Year:          req.Year,
		Format:        req.Format,
		Language:      req.Language,
		TargetHash:    req.TargetHash,
		LastCheckedAt: req.LastCheckedAt,
		FulfilledHash: req.FulfilledHash,
		CreatedAt:     req.CreatedAt,
	}
}

// HandleRequestList returns all requests the sweeper still considers.
func (h *APIHandler) HandleRequestList(w http.ResponseWriter, r *http.Request) {
	requests, err := h.requests.ActiveRequests()
	if err != nil {
		h.serverError(w, r, "failed to list requests", err)

		return
	}

	resp := make([]requestResponse, 0, len(requests))
	for _, req := range requests {
		resp = append(resp, toRequestResponse(req))
	}

	h.writeJSON(w, r, http.StatusOK, resp)
}

type createRequestBody struct {
	UserID        int64  `json:"userId"`
	Query         string `json:"query"`
	Title         string `json:"title"`
	Author        string `json:"author"`
	ISBN          string `json:"isbn"`
	Year          int    `json:"year"`
	Format        string `json:"format"`
	Language      string `json:"language"`
	TargetHash    string `json:"targetHash"`
	NeedsApproval bool   `json:"needsApproval"`
}

// HandleRequestCreate registers a standing request. Requests flagged for
// approval sit out sweeps until approved.
func (h *APIHandler) HandleRequestCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if body.Title == "" && body.Query == "" && body.ISBN == "" && body.TargetHash == "" {
		http.Error(w, "request needs a title, query, isbn or targetHash", http.StatusBadRequest)

		return
	}

	status := storage.RequestActive
	if body.NeedsApproval {
		status = storage.RequestPending
	}

	req := &storage.StandingRequest{
		UserID:     body.UserID,
		Status:     status,
		Query:      body.Query,
		Title:      body.Title,
		Author:     body.Author,
		ISBN:       body.ISBN,
		Year:       body.Year,
		Format:     body.Format,
		Language:   body.Language,
		TargetHash: body.TargetHash,
		CreatedAt:  time.Now(),
	}

	id, err := h.requests.CreateRequest(req)
	if err != nil {
		h.serverError(w, r, "failed to create request", err)

		return
	}

	req.ID = id

	h.writeJSON(w, r, http.StatusCreated, toRequestResponse(req))
}

// HandleRequestApprove moves a pending request to active and sweeps it
// right away.
func (h *APIHandler) HandleRequestApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}

	req, err := h.requests.GetRequest(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "request not found", http.StatusNotFound)

			return
		}

		h.serverError(w, r, "failed to load request", err)

		return
	}

	if req.Status != storage.RequestPending {
		http.Error(w, "request is not pending approval", http.StatusConflict)

		return
	}

	if err := h.requests.UpdateRequestStatus(id, storage.RequestActive); err != nil {
		h.serverError(w, r, "failed to approve request", err)

		return
	}

	summary, err := h.sweeper.SweepOne(r.Context(), id)
	if err != nil {
		h.serverError(w, r, "failed to sweep request", err)

		return
	}

	h.writeJSON(w, r, http.StatusOK, summary)
}

// HandleRequestSweep triggers an immediate sweep of one request.
func (h *APIHandler) HandleRequestSweep(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}

	summary, err := h.sweeper.SweepOne(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "request not found", http.StatusNotFound)

			return
		}

		h.serverError(w, r, "failed to sweep request", err)

		return
	}

	h.writeJSON(w, r, http.StatusOK, summary)
}

// HandleSweepAll triggers a full sweep cycle.
func (h *APIHandler) HandleSweepAll(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sweeper.SweepAll(r.Context())
	if err != nil {
		h.serverError(w, r, "failed to sweep requests", err)

		return
	}

	h.writeJSON(w, r, http.StatusOK, summary)
}

// HandleRequestCancel closes a standing request.
func (h *APIHandler) HandleRequestCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}

	if err := h.requests.UpdateRequestStatus(id, storage.RequestCancelled); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "request not found", http.StatusNotFound)

			return
		}

		h.serverError(w, r, "failed to cancel request", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type listResponse struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	FeedURL    string     `json:"feedUrl"`
	Mode       string     `json:"mode"`
	Enabled    bool       `json:"enabled"`
	Language   string     `json:"language,omitempty"`
	Format     string     `json:"format,omitempty"`
	FetchError string     `json:"fetchError,omitempty"`
	LastPolled *time.Time `json:"lastPolled,omitempty"`
}

// HandleListIndex returns all configured import lists.
func (h *APIHandler) HandleListIndex(w http.ResponseWriter, r *http.Request) {
	lists, err := h.lists.ImportLists()
	if err != nil {
		h.serverError(w, r, "failed to list import lists", err)

		return
	}

	resp := make([]listResponse, 0, len(lists))
	for _, list := range lists {
		resp = append(resp, listResponse{
			ID:         list.ID,
			Name:       list.Name,
			FeedURL:    list.FeedURL,
			Mode:       list.Mode,
			Enabled:    list.Enabled,
			Language:   list.Language,
			Format:     list.Format,
			FetchError: list.FetchError,
			LastPolled: list.LastFetchedAt,
		})
	}

	h.writeJSON(w, r, http.StatusOK, resp)
}

type createListBody struct {
	UserID          int64  `json:"userId"`
	Name            string `json:"name"`
	FeedURL         string `json:"feedUrl"`
	Mode            string `json:"mode"`
	Language        string `json:"language"`
	Format          string `json:"format"`
	UseBookLanguage bool   `json:"useBookLanguage"`
}

// HandleListCreate registers a new import list.
func (h *APIHandler) HandleListCreate(w http.ResponseWriter, r *http.Request) {
	var body createListBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if body.FeedURL == "" {
		http.Error(w, "feedUrl is required", http.StatusBadRequest)

		return
	}

	switch body.Mode {
	case storage.ModeAll, storage.ModeFuture:
	case "":
		body.Mode = storage.ModeFuture
	default:
		http.Error(w, fmt.Sprintf("unknown mode %q", body.Mode), http.StatusBadRequest)

		return
	}

	list := &storage.ImportListState{
		UserID:          body.UserID,
		Name:            body.Name,
		FeedURL:         body.FeedURL,
		Mode:            body.Mode,
		Enabled:         true,
		Language:        body.Language,
		Format:          body.Format,
		UseBookLanguage: body.UseBookLanguage,
	}

	id, err := h.lists.CreateImportList(list)
	if err != nil {
		h.serverError(w, r, "failed to create import list", err)

		return
	}

	list.ID = id

	h.writeJSON(w, r, http.StatusCreated, listResponse{
		ID:       list.ID,
		Name:     list.Name,
		FeedURL:  list.FeedURL,
		Mode:     list.Mode,
		Enabled:  list.Enabled,
		Language: list.Language,
		Format:   list.Format,
	})
}

// HandleListPoll triggers an immediate poll of one import list.
func (h *APIHandler) HandleListPoll(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}

	result, err := h.poller.Poll(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "import list not found", http.StatusNotFound)

			return
		}

		h.serverError(w, r, "failed to poll import list", err)

		return
	}

	status := http.StatusOK
	if result.InProgress {
		status = http.StatusAccepted
	}

	h.writeJSON(w, r, status, result)
}

// HandleEvents streams queue and request changes as server-sent events.
func (h *APIHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)

		return
	}

	events, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}

			payload, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Topic, payload)
			flusher.Flush()
		}
	}
}

func (h *APIHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *APIHandler) requestID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)

		return 0, false
	}

	return id, true
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (h *APIHandler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logctx.LoggerFromContext(r.Context()).Error(msg, "err", err)
	http.Error(w, msg, http.StatusInternalServerError)
}
