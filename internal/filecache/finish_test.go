package filecache

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/filecache/internal/logctx"
	"github.com/italolelis/filecache/internal/transfer"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// holdLaterClient answers the first GET at once and holds every later one until hold is closed.
type holdLaterClient struct {
	calls   atomic.Int32
	started chan int32
	hold    chan struct{}
}

func (c *holdLaterClient) Do(req *http.Request) (*http.Response, error) {
	n := c.calls.Add(1)
	c.started <- n

	if n > 1 {
		select {
		case <-c.hold:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader("body")),
		ContentLength: -1,
	}, nil
}

// hideOnceFs reports path as missing to the first Stat after being armed.
type hideOnceFs struct {
	afero.Fs

	path  string
	armed atomic.Bool
}

func (f *hideOnceFs) Stat(name string) (os.FileInfo, error) {
	if name == f.path && f.armed.CompareAndSwap(true, false) {
		return nil, os.ErrNotExist
	}

	return f.Fs.Stat(name)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting on channel")

		var zero T

		return zero
	}
}

// blockingListener signals entered from inside Notify and returns once unblock is closed.
func blockingListener(t *testing.T, id string) (transfer.Listener, <-chan struct{}, chan struct{}) {
	t.Helper()

	entered := make(chan struct{})
	unblock := make(chan struct{})

	t.Cleanup(func() {
		select {
		case <-unblock:
		default:
			close(unblock)
		}
	})

	return transfer.Listener{
		ID: id,
		Notify: func(transfer.Result) {
			close(entered)
			<-unblock
		},
	}, entered, unblock
}

func TestFinishingTransferKeepsItsReplacement(t *testing.T) {
	ctx := context.Background()
	client := &holdLaterClient{started: make(chan int32, 4), hold: make(chan struct{})}
	finished := make(chan Finished, 4)

	s, _ := newTestScheduler(t, client, 2, WithFinishHook(func(_ context.Context, f Finished) {
		finished <- f
	}))

	const url = "http://example.com/replaced"

	first, entered, unblock := blockingListener(t, "first")
	s.Download(ctx, url, first, false)

	receive(t, entered)

	// The first transfer has finished but its bookkeeping has not run yet.
	assert.Equal(t, []string{url}, s.Downloading())

	rec := newRecorder()
	s.Download(ctx, url, rec.listener("second"), false)

	assert.Equal(t, int32(1), receive(t, client.started))
	assert.Equal(t, int32(2), receive(t, client.started))

	close(unblock)
	receive(t, finished)

	// The second transfer is still running and must stay registered.
	assert.Equal(t, []string{url}, s.Downloading())
	assert.Equal(t, 1, s.Stats().Downloading)

	close(client.hold)
	assert.Equal(t, []string{"second"}, rec.waitFor(t, 1))
	receive(t, finished)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))

	assert.Equal(t, Stats{MaxConcurrency: 2}, s.Stats())
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestResolve_CacheHitWhileTransferFinishes(t *testing.T) {
	ctx := context.Background()
	client := newOpenClient()
	fs := &hideOnceFs{Fs: afero.NewMemMapFs()}

	s, err := New(ctx, testCacheDir, client, fs)
	require.NoError(t, err)

	s.maxConcurrency = 2

	t.Cleanup(func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = s.Wait(waitCtx)
	})

	const url = "http://example.com/window"

	fs.path = s.CachePath(url)

	first, entered, unblock := blockingListener(t, "first")
	s.Download(ctx, url, first, true)

	receive(t, entered)

	cached, err := afero.Exists(fs.Fs, fs.path)
	require.NoError(t, err)
	require.True(t, cached)

	// The first cache check misses, the transfer no longer accepts listeners,
	// so Resolve must find the file on the second look.
	fs.armed.Store(true)

	rec := newRecorder()
	assert.Equal(t, fs.path, s.Resolve(ctx, url, true, rec.listener("late")))
	assert.False(t, fs.armed.Load(), "first cache check should have missed")

	close(unblock)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))

	assert.Equal(t, 1, client.callCount(url))
	assert.Empty(t, rec.get("late"))
	assert.Equal(t, Stats{MaxConcurrency: 2}, s.Stats())
}

func TestTransferLogLinesCarryURLOnce(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := logctx.WithLogger(context.Background(), logger)

	s, err := New(ctx, testCacheDir, newOpenClient(), afero.NewMemMapFs())
	require.NoError(t, err)

	s.Download(ctx, "http://example.com/logged", transfer.Listener{ID: "a"}, true)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))

	var found bool

	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.Contains(line, `"msg":"transfer finished"`) {
			continue
		}

		found = true

		assert.Equal(t, 1, strings.Count(line, `"url":`), line)
	}

	assert.True(t, found, "no transfer finished log line")
}

func TestFinishHookRunsBetweenStarterAndAttachedListeners(t *testing.T) {
	client := newGatedClient()

	var (
		mu    sync.Mutex
		order []string
	)

	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	s, _ := newTestScheduler(t, client, 2, WithFinishHook(func(context.Context, Finished) { record("hook") }))

	ctx := context.Background()
	url := "http://example.com/ordered"

	s.Resolve(ctx, url, true, transfer.Listener{ID: "starter", Notify: func(transfer.Result) { record("starter") }})
	waitStarted(t, client, 1)

	s.Resolve(ctx, url, true, transfer.Listener{ID: "attached", Notify: func(transfer.Result) { record("attached") }})
	client.release(url)

	require.NoError(t, s.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"starter", "hook", "attached"}, order)
}
