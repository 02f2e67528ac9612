package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/filecache/internal/filecache"
	"github.com/italolelis/filecache/internal/logctx"
	"github.com/italolelis/filecache/internal/storage"
	"github.com/italolelis/filecache/internal/telemetry"
	"github.com/italolelis/filecache/internal/transfer"
)

const (
	defaultTransfersLimit = 50
	maxTransfersLimit     = 500

	timeFormat = time.RFC3339
)

// Cache is the part of the scheduler the API drives.
type Cache interface {
	CachePath(url string) string
	Resolve(ctx context.Context, url string, downloadIfAbsent bool, l transfer.Listener) string
	Download(ctx context.Context, url string, l transfer.Listener, wantsCache bool)
	CancelQueued(ctx context.Context, url string) bool
	SetMaxConcurrency(ctx context.Context, n int) int
	Stats() filecache.Stats
	Downloading() []string
	Pending() []filecache.PendingRequest
}

type CacheHandler struct {
	cache    Cache
	history  storage.TransferRepository
	username string
	password string
}

// NewCacheHandler creates a new cache handler. Basic auth is enforced when
// username is not empty. history may be nil.
func NewCacheHandler(cache Cache, history storage.TransferRepository, username, password string) *CacheHandler {
	return &CacheHandler{
		cache:    cache,
		history:  history,
		username: username,
		password: password,
	}
}

func (h *CacheHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/cache/path", h.HandleCachePath)
	r.Post("/resolve", h.HandleResolve)
	r.Post("/downloads", h.HandleDownload)
	r.Delete("/pending", h.HandleCancelPending)
	r.Put("/concurrency", h.HandleSetConcurrency)
	r.Get("/stats", h.HandleStats)
	r.Get("/transfers", h.HandleTransfers)

	return r
}

type resolveRequest struct {
	URL              string `json:"url"`
	DownloadIfAbsent bool   `json:"download_if_absent"`
	ListenerID       string `json:"listener_id"`
}

type downloadRequest struct {
	URL        string `json:"url"`
	Cache      bool   `json:"cache"`
	ListenerID string `json:"listener_id"`
}

type concurrencyRequest struct {
	MaxConcurrency int `json:"max_concurrency"`
}

type resultResponse struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	Cached bool   `json:"cached"`
	Path   string `json:"path,omitempty"`
	Body   string `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

type pendingResponse struct {
	URL        string `json:"url"`
	ListenerID string `json:"listener_id"`
	Cache      bool   `json:"cache"`
}

type statsResponse struct {
	filecache.Stats
	DownloadingURLs []string          `json:"downloading_urls"`
	Queue           []pendingResponse `json:"queue"`
}

type transferResponse struct {
	ID         int64   `json:"id"`
	URL        string  `json:"url"`
	Cached     bool    `json:"cached"`
	Path       string  `json:"path,omitempty"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	Duration   float64 `json:"duration_seconds"`
	StartedAt  string  `json:"started_at"`
	FinishedAt string  `json:"finished_at"`
}

// HandleCachePath returns where the body of a URL is or would be cached.
func (h *CacheHandler) HandleCachePath(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, map[string]string{
		"url":  url,
		"path": h.cache.CachePath(url),
	})
}

// HandleResolve answers from the cache or subscribes to the URL's transfer. With
// wait=true the response is held until the transfer finishes.
func (h *CacheHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resolveRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if req.URL == "" {
		http.Error(w, "missing url", http.StatusBadRequest)

		return
	}

	wait := waitRequested(r)
	l, results := newListener(listenerID(ctx, req.ListenerID))

	// A request equal to a queued one is dropped by the scheduler and would never
	// be notified, so waiting on it could only time out.
	if wait && h.isQueued(filecache.PendingRequest{URL: req.URL, Listener: l, WantsCache: true}) {
		writeJSON(ctx, w, http.StatusConflict, resultResponse{URL: req.URL, Status: "already_queued"})

		return
	}

	if path := h.cache.Resolve(ctx, req.URL, req.DownloadIfAbsent, l); path != "" {
		writeJSON(ctx, w, http.StatusOK, resultResponse{URL: req.URL, Status: "cached", Cached: true, Path: path})

		return
	}

	if !wait {
		writeJSON(ctx, w, http.StatusAccepted, resultResponse{URL: req.URL, Status: "accepted"})

		return
	}

	// Without a download nothing will ever notify l unless the URL is in flight.
	if !req.DownloadIfAbsent && !slices.Contains(h.cache.Downloading(), req.URL) {
		select {
		case res := <-results:
			writeResult(ctx, w, res)
		default:
			writeJSON(ctx, w, http.StatusNotFound, resultResponse{URL: req.URL, Status: "not_cached"})
		}

		return
	}

	h.waitForResult(w, r, req.URL, results)
}

// HandleDownload starts or queues a download. With wait=true the response is held
// until the transfer finishes.
func (h *CacheHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req downloadRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if req.URL == "" {
		http.Error(w, "missing url", http.StatusBadRequest)

		return
	}

	l, results := newListener(listenerID(ctx, req.ListenerID))
	h.cache.Download(ctx, req.URL, l, req.Cache)

	if !waitRequested(r) {
		writeJSON(ctx, w, http.StatusAccepted, resultResponse{URL: req.URL, Status: "accepted", Cached: req.Cache})

		return
	}

	h.waitForResult(w, r, req.URL, results)
}

// HandleCancelPending drops the first queued request for a URL.
func (h *CacheHandler) HandleCancelPending(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)

		return
	}

	if !h.cache.CancelQueued(r.Context(), url) {
		http.Error(w, "no queued request for url", http.StatusNotFound)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSetConcurrency raises the concurrency bound.
func (h *CacheHandler) HandleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if req.MaxConcurrency <= 0 {
		http.Error(w, "max_concurrency must be positive", http.StatusBadRequest)

		return
	}

	n := h.cache.SetMaxConcurrency(r.Context(), req.MaxConcurrency)

	writeJSON(r.Context(), w, http.StatusOK, concurrencyRequest{MaxConcurrency: n})
}

// HandleStats reports running and queued work.
func (h *CacheHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	pending := h.cache.Pending()

	queue := make([]pendingResponse, 0, len(pending))
	for _, p := range pending {
		queue = append(queue, pendingResponse{URL: p.URL, ListenerID: p.Listener.ID, Cache: p.WantsCache})
	}

	writeJSON(r.Context(), w, http.StatusOK, statsResponse{
		Stats:           h.cache.Stats(),
		DownloadingURLs: h.cache.Downloading(),
		Queue:           queue,
	})
}

// HandleTransfers lists recently finished transfers, newest first. With a url
// parameter only the latest transfer of that URL is returned.
func (h *CacheHandler) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	if h.history == nil {
		http.Error(w, "transfer history is disabled", http.StatusNotImplemented)

		return
	}

	if url := r.URL.Query().Get("url"); url != "" {
		rec, err := h.history.LastTransfer(ctx, url)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "no transfer recorded for url", http.StatusNotFound)

			return
		}

		if err != nil {
			logger.Error("failed to get last transfer", "url", url, "err", err)
			http.Error(w, "failed to get transfer", http.StatusInternalServerError)

			return
		}

		writeJSON(ctx, w, http.StatusOK, []transferResponse{toTransferResponse(rec)})

		return
	}

	limit := defaultTransfersLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)

			return
		}

		limit = min(n, maxTransfersLimit)
	}

	records, err := h.history.ListTransfers(ctx, limit)
	if err != nil {
		logger.Error("failed to list transfers", "err", err)
		http.Error(w, "failed to list transfers", http.StatusInternalServerError)

		return
	}

	resp := make([]transferResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toTransferResponse(rec))
	}

	writeJSON(ctx, w, http.StatusOK, resp)
}

func toTransferResponse(rec storage.TransferRecord) transferResponse {
	return transferResponse{
		ID:         rec.ID,
		URL:        rec.URL,
		Cached:     rec.Cached,
		Path:       rec.Path,
		Status:     rec.Status,
		Error:      rec.Error,
		Duration:   rec.Duration().Seconds(),
		StartedAt:  rec.StartedAt.Format(timeFormat),
		FinishedAt: rec.FinishedAt.Format(timeFormat),
	}
}

func (h *CacheHandler) isQueued(req filecache.PendingRequest) bool {
	return slices.ContainsFunc(h.cache.Pending(), req.Equal)
}

func (h *CacheHandler) waitForResult(w http.ResponseWriter, r *http.Request, url string, results <-chan transfer.Result) {
	ctx := r.Context()

	select {
	case <-ctx.Done():
		logctx.LoggerFromContext(ctx).Warn("client gave up waiting for transfer", "url", url, "err", ctx.Err())
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
	case res := <-results:
		writeResult(ctx, w, res)
	}
}

func writeResult(ctx context.Context, w http.ResponseWriter, res transfer.Result) {
	resp := resultResponse{URL: res.URL, Status: "done", Cached: res.Cached}

	if res.Cached {
		resp.Path = res.Payload
	} else {
		resp.Body = res.Payload
	}

	if res.Err == nil {
		writeJSON(ctx, w, http.StatusOK, resp)

		return
	}

	resp.Status = "failed"
	resp.Error = res.Err.Error()

	status := http.StatusInternalServerError

	var netErr *transfer.NetworkError
	if errors.As(res.Err, &netErr) {
		status = http.StatusBadGateway
	}

	writeJSON(ctx, w, status, resp)
}

// newListener returns a listener that hands its single result to the channel.
func newListener(id string) (transfer.Listener, <-chan transfer.Result) {
	results := make(chan transfer.Result, 1)

	return transfer.Listener{
		ID: id,
		Notify: func(res transfer.Result) {
			select {
			case results <- res:
			default:
			}
		},
	}, results
}

// listenerID prefers an explicit ID so clients can share a subscription identity
// across requests, and falls back to the request ID.
func listenerID(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}

	return telemetry.GetRequestID(ctx)
}

func waitRequested(r *http.Request) bool {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	return wait
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return false
	}

	return true
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func (h *CacheHandler) basicAuthMiddleware(next http.Handler) http.Handler {
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
