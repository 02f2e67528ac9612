package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/filecache/internal/logctx"
	"github.com/italolelis/filecache/internal/transfer/progress"
	"github.com/spf13/afero"
)

const (
	filePerm      = 0o644
	partialSuffix = ".part"

	// progressInterval is how many bytes are read between two progress log lines.
	progressInterval = int64(50 * 1024 * 1024)
)

// ErrAlreadyStarted is returned when Start is called on a transfer that is not idle.
var ErrAlreadyStarted = errors.New("transfer already started")

// Client issues HTTP requests. *http.Client satisfies it.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// State is the lifecycle position of a Transfer.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Result is the completion event of a transfer.
// When Cached is true Payload holds the cache file path, otherwise the response body.
type Result struct {
	Err     error
	URL     string
	Payload string
	Cached  bool
}

// Listener receives the Result of a transfer.
// ID identifies the subscriber; two listeners with the same ID are the same subscriber.
type Listener struct {
	ID     string
	Notify func(Result)
}

// Transfer is a single GET of one URL whose result is either written to the cache
// or handed back in memory.
type Transfer struct {
	url        string
	wantsCache bool
	cachePath  string
	fs         afero.Fs

	mu        sync.Mutex
	state     State
	listeners []Listener
	startedAt time.Time
	done      chan struct{}
}

// New creates an idle transfer. cachePath is only used when wantsCache is true.
func New(url string, wantsCache bool, cachePath string, fs afero.Fs) *Transfer {
	return &Transfer{
		url:        url,
		wantsCache: wantsCache,
		cachePath:  cachePath,
		fs:         fs,
		done:       make(chan struct{}),
	}
}

func (t *Transfer) URL() string {
	return t.url
}

func (t *Transfer) WantsCache() bool {
	return t.wantsCache
}

func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Done is closed after every listener has been notified.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Subscribe registers l for the completion event. It returns false when the
// transfer has already finished and l will never be called.
func (t *Transfer) Subscribe(l Listener) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateFinished {
		return false
	}

	t.listeners = append(t.listeners, l)

	return true
}

// Start issues the GET in the background. Completion is reported to the listeners.
func (t *Transfer) Start(ctx context.Context, client Client) error {
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()

		return ErrAlreadyStarted
	}

	t.state = StateRunning
	t.startedAt = time.Now()
	t.mu.Unlock()

	go t.run(ctx, client)

	return nil
}

func (t *Transfer) run(ctx context.Context, client Client) {
	logger := logctx.LoggerFromContext(ctx).With("url", t.url, "cache", t.wantsCache)
	ctx = logctx.WithLogger(ctx, logger)

	res := Result{URL: t.url, Cached: t.wantsCache}

	var size int64

	if t.wantsCache {
		res.Payload = t.cachePath
		size, res.Err = t.fetchToCache(ctx, client)
	} else {
		var body []byte

		body, res.Err = t.fetchToMemory(ctx, client)
		res.Payload = string(body)
		size = int64(len(body))
	}

	if res.Err != nil {
		logger.Warn("transfer finished with error", "err", res.Err)
	} else {
		logger.Info("transfer finished",
			"size", humanize.Bytes(uint64(size)),
			"duration", time.Since(t.startedAt).String())
	}

	t.finish(res)
}

func (t *Transfer) get(ctx context.Context, client Client) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, &NetworkError{Operation: "build_request", URL: t.url, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: "get", URL: t.url, Err: err}
	}

	return resp, nil
}

func (t *Transfer) checkStatus(resp *http.Response) error {
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &NetworkError{
			Operation:  "get",
			URL:        t.url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	return nil
}

func (t *Transfer) progressReader(ctx context.Context, resp *http.Response) io.Reader {
	logger := logctx.LoggerFromContext(ctx)

	return progress.NewReader(resp.Body, resp.ContentLength, progressInterval, func(read, total int64) {
		logger.Debug("transfer progress",
			"downloaded", humanize.Bytes(uint64(read)),
			"total", humanize.Bytes(uint64(max(total, 0))))
	})
}

// fetchToMemory returns the body as read, also on a non-2xx status.
func (t *Transfer) fetchToMemory(ctx context.Context, client Client) ([]byte, error) {
	resp, err := t.get(ctx, client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(t.progressReader(ctx, resp))
	if err != nil {
		return body, &NetworkError{Operation: "read_body", URL: t.url, StatusCode: resp.StatusCode, Err: err}
	}

	return body, t.checkStatus(resp)
}

// fetchToCache streams the body into <path>.part and renames it over the cache
// path, so a concurrent existence check never sees a partial file. Nothing is
// written for a failed response.
func (t *Transfer) fetchToCache(ctx context.Context, client Client) (int64, error) {
	resp, err := t.get(ctx, client)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := t.checkStatus(resp); err != nil {
		return 0, err
	}

	tmp := t.cachePath + partialSuffix

	out, err := t.fs.Create(tmp)
	if err != nil {
		return 0, &WriteError{Path: t.cachePath, Err: err}
	}

	w := &fileWriter{w: out}

	n, err := io.Copy(w, t.progressReader(ctx, resp))
	closeErr := out.Close()

	switch {
	case err != nil && w.err != nil:
		err = &WriteError{Path: t.cachePath, Err: w.err}
	case err != nil:
		err = &NetworkError{Operation: "read_body", URL: t.url, StatusCode: resp.StatusCode, Err: err}
	case closeErr != nil:
		err = &WriteError{Path: t.cachePath, Err: closeErr}
	default:
		if rerr := t.fs.Rename(tmp, t.cachePath); rerr != nil {
			err = &WriteError{Path: t.cachePath, Err: rerr}
		}
	}

	if err != nil {
		_ = t.fs.Remove(tmp)

		return n, err
	}

	return n, nil
}

// fileWriter remembers write failures so they can be told apart from read
// failures after io.Copy.
type fileWriter struct {
	w   io.Writer
	err error
}

func (f *fileWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		f.err = err
	}

	return n, err
}

func (t *Transfer) finish(res Result) {
	t.mu.Lock()
	t.state = StateFinished
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()

	for _, l := range listeners {
		if l.Notify != nil {
			l.Notify(res)
		}
	}

	close(t.done)
}
