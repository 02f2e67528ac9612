// Package filecache fetches URLs over HTTP into a content-addressed cache directory.
//
// A Scheduler bounds the number of transfers in flight, coalesces concurrent
// requests for the same URL into one transfer and serves excess requests in
// arrival order. Results are delivered asynchronously to transfer.Listener values.
package filecache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/filecache/internal/logctx"
	"github.com/italolelis/filecache/internal/telemetry"
	"github.com/italolelis/filecache/internal/transfer"
	"github.com/spf13/afero"
)

const (
	dirPerm = 0o755

	// minConcurrency is the floor for the concurrency bound.
	minConcurrency = 2

	schedulerListenerID = "filecache.scheduler"
)

// Lookup outcomes reported to telemetry.
const (
	outcomeHit       = "hit"
	outcomeAttached  = "attached"
	outcomeDuplicate = "duplicate"
	outcomeSkipped   = "skipped"
	outcomeStarted   = "started"
	outcomeQueued    = "queued"
)

// Finished describes a transfer that has completed.
type Finished struct {
	Result    transfer.Result
	StartedAt time.Time
	Duration  time.Duration
}

// Scheduler is safe for concurrent use. All bookkeeping happens under mu;
// listeners are called on the transfer's goroutine without mu held.
type Scheduler struct {
	ctx       context.Context
	client    transfer.Client
	fs        afero.Fs
	cacheDir  string
	telemetry *telemetry.Telemetry
	hooks     []FinishHook

	mu             sync.Mutex
	downloading    map[string]*transfer.Transfer
	pending        []PendingRequest
	maxConcurrency int
}

// DefaultConcurrency is the host's parallelism, never less than two.
func DefaultConcurrency() int {
	return max(minConcurrency, runtime.NumCPU())
}

// New creates a Scheduler storing cached files under cacheDir. Transfers run with
// ctx, so cancelling it aborts every transfer in flight. A nil fs means the OS
// filesystem.
func New(ctx context.Context, cacheDir string, client transfer.Client, fs afero.Fs, opts ...Option) (*Scheduler, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if err := fs.MkdirAll(cacheDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &Scheduler{
		ctx:            ctx,
		client:         client,
		fs:             fs,
		cacheDir:       cacheDir,
		downloading:    make(map[string]*transfer.Transfer),
		maxConcurrency: DefaultConcurrency(),
	}

	for _, opt := range opts {
		opt(s)
	}

	logctx.LoggerFromContext(ctx).Info("file cache ready",
		"cache_dir", cacheDir,
		"max_concurrency", s.maxConcurrency)

	return s, nil
}

// CachePath is where the body of url is stored: the cache directory, a path
// separator and the lowercase hex MD5 of the URL.
func (s *Scheduler) CachePath(url string) string {
	dir := s.cacheDir
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}

	sum := md5.Sum([]byte(url))

	return dir + hex.EncodeToString(sum[:])
}

// Resolve returns the cache path of url when it is already cached. Otherwise it
// returns "" and l is notified later if url is downloading, or if
// downloadIfAbsent is set and a download gets started or queued for it.
//
// A request equal to one already queued is dropped; only the queued one is notified.
func (s *Scheduler) Resolve(ctx context.Context, url string, downloadIfAbsent bool, l transfer.Listener) string {
	logger := logctx.LoggerFromContext(ctx).With("url", url, "listener_id", l.ID)

	path := s.CachePath(url)
	if s.exists(path) {
		logger.Debug("file is cached", "path", path)
		s.telemetry.RecordCacheLookup(outcomeHit)

		return path
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.downloading[url]; ok {
		if t.Subscribe(l) {
			logger.Debug("same url is downloading")
			s.telemetry.RecordCacheLookup(outcomeAttached)

			return ""
		}

		// The transfer finished between the cache check and now.
		if s.exists(path) {
			s.telemetry.RecordCacheLookup(outcomeHit)

			return path
		}
	}

	req := PendingRequest{URL: url, Listener: l, WantsCache: true}

	if s.indexPendingLocked(req) >= 0 {
		logger.Debug("same request is pending")
		s.telemetry.RecordCacheLookup(outcomeDuplicate)

		return ""
	}

	if !downloadIfAbsent {
		s.telemetry.RecordCacheLookup(outcomeSkipped)

		return ""
	}

	s.telemetry.RecordCacheLookup(s.enqueueOrStartLocked(ctx, req))

	return ""
}

// Download fetches url and notifies l, starting right away when a slot is free and
// queueing otherwise. With wantsCache the body is written to CachePath(url) and the
// result carries the path; without it the result carries the body.
func (s *Scheduler) Download(ctx context.Context, url string, l transfer.Listener, wantsCache bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.telemetry.RecordCacheLookup(s.enqueueOrStartLocked(ctx, PendingRequest{URL: url, Listener: l, WantsCache: wantsCache}))
}

// SetMaxConcurrency raises the concurrency bound to n. The bound never goes down.
// Queued requests are started right away if the new bound leaves room for them.
func (s *Scheduler) SetMaxConcurrency(ctx context.Context, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxConcurrency = max(s.maxConcurrency, n)

	logctx.LoggerFromContext(ctx).Info("max concurrency updated", "requested", n, "max_concurrency", s.maxConcurrency)

	s.promoteLocked(ctx)

	return s.maxConcurrency
}

// MaxConcurrency returns the current concurrency bound.
func (s *Scheduler) MaxConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxConcurrency
}

// CancelQueued removes the first queued request for url. Transfers already running
// are not affected.
func (s *Scheduler) CancelQueued(ctx context.Context, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.pending, func(p PendingRequest) bool { return p.URL == url })
	if i < 0 {
		return false
	}

	s.pending = slices.Delete(s.pending, i, i+1)
	s.telemetry.AddPendingRequests(-1)

	logctx.LoggerFromContext(ctx).Info("queued download cancelled", "url", url)

	return true
}

// Stats returns the number of running and queued requests and the current bound.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Downloading:    len(s.downloading),
		Pending:        len(s.pending),
		MaxConcurrency: s.maxConcurrency,
	}
}

// Downloading returns the URLs currently being fetched, sorted.
func (s *Scheduler) Downloading() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	urls := make([]string, 0, len(s.downloading))
	for url := range s.downloading {
		urls = append(urls, url)
	}

	slices.Sort(urls)

	return urls
}

// Pending returns a copy of the queue, head first.
func (s *Scheduler) Pending() []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.pending)
}

// Wait blocks until nothing is running or queued, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()

		var done <-chan struct{}
		for _, t := range s.downloading {
			done = t.Done()

			break
		}

		s.mu.Unlock()

		if done == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			// Done closes only after every listener, bookkeeping included, has run.
		}
	}
}

// enqueueOrStartLocked starts req when a slot is free and queues it otherwise.
func (s *Scheduler) enqueueOrStartLocked(ctx context.Context, req PendingRequest) string {
	if s.attachLocked(ctx, req) {
		return outcomeAttached
	}

	if len(s.downloading) < s.maxConcurrency {
		return s.startLocked(ctx, req)
	}

	logctx.LoggerFromContext(ctx).Debug("push back pending list", "url", req.URL, "listener_id", req.Listener.ID)

	s.pending = append(s.pending, req)
	s.telemetry.AddPendingRequests(1)

	return outcomeQueued
}

// startLocked starts a transfer for req, or attaches req to the transfer already
// running for the same URL so a URL is never fetched twice at once.
func (s *Scheduler) startLocked(ctx context.Context, req PendingRequest) string {
	if s.attachLocked(ctx, req) {
		return outcomeAttached
	}

	logger := logctx.LoggerFromContext(ctx).With("url", req.URL)

	var path string
	if req.WantsCache {
		path = s.CachePath(req.URL)
	}

	t := transfer.New(req.URL, req.WantsCache, path, s.fs)
	startedAt := time.Now()

	t.Subscribe(req.Listener)
	t.Subscribe(transfer.Listener{
		ID: schedulerListenerID,
		Notify: func(res transfer.Result) {
			s.transferFinished(t, Finished{Result: res, StartedAt: startedAt, Duration: time.Since(startedAt)})
		},
	})

	s.downloading[req.URL] = t
	s.telemetry.IncrementActiveTransfers()

	logger.Info("download started", "cache", req.WantsCache, "downloading", len(s.downloading))

	// The transfer adds the url to its own log lines.
	if err := t.Start(s.ctx, s.client); err != nil {
		logger.Error("failed to start transfer", "err", err)
	}

	return outcomeStarted
}

// attachLocked subscribes req to the transfer running for its URL, if any.
func (s *Scheduler) attachLocked(ctx context.Context, req PendingRequest) bool {
	t, ok := s.downloading[req.URL]
	if !ok || !t.Subscribe(req.Listener) {
		return false
	}

	logctx.LoggerFromContext(ctx).Debug("same url is downloading", "url", req.URL, "listener_id", req.Listener.ID)

	return true
}

// transferFinished is the scheduler's own listener on every transfer it starts.
func (s *Scheduler) transferFinished(t *transfer.Transfer, f Finished) {
	ctx := s.ctx

	s.mu.Lock()

	// Only remove the entry if it still belongs to t; a newer transfer may have
	// replaced it after t stopped accepting listeners.
	if cur, ok := s.downloading[t.URL()]; ok && cur == t {
		delete(s.downloading, t.URL())
	}

	s.promoteLocked(ctx)
	s.mu.Unlock()

	status := "success"
	if f.Result.Err != nil {
		status = "error"
	}

	s.telemetry.DecrementActiveTransfers()
	s.telemetry.RecordTransfer(status, f.Duration)

	for _, h := range s.hooks {
		h(ctx, f)
	}
}

// promoteLocked starts queued requests, oldest first, while slots are free.
func (s *Scheduler) promoteLocked(ctx context.Context) {
	for len(s.pending) > 0 && len(s.downloading) < s.maxConcurrency {
		next := s.pending[0]
		s.pending = slices.Delete(s.pending, 0, 1)
		s.telemetry.AddPendingRequests(-1)

		// An earlier transfer may have cached the file while this request waited.
		if next.WantsCache {
			if path := s.CachePath(next.URL); s.exists(path) {
				go notify(next.Listener, transfer.Result{URL: next.URL, Payload: path, Cached: true})

				continue
			}
		}

		logctx.LoggerFromContext(ctx).Debug("download 1st url of pending list", "url", next.URL)

		s.startLocked(ctx, next)
	}
}

func notify(l transfer.Listener, res transfer.Result) {
	if l.Notify != nil {
		l.Notify(res)
	}
}

func (s *Scheduler) indexPendingLocked(req PendingRequest) int {
	return slices.IndexFunc(s.pending, req.Equal)
}

func (s *Scheduler) exists(path string) bool {
	ok, err := afero.Exists(s.fs, path)

	return err == nil && ok
}
