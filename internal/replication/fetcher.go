package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmchanges-go/internal/config"
	"github.com/wegman-software/osmchanges-go/internal/logger"
)

var (
	// ErrFetch wraps every failure to retrieve an increment
	ErrFetch = errors.New("fetch failed")

	// ErrNotFound is returned (wrapped in ErrFetch) when an increment or the
	// state file does not exist on the server
	ErrNotFound = errors.New("not found")

	// ErrRemoteState wraps failures to read the published replication state
	ErrRemoteState = errors.New("remote state unavailable")
)

// Fetcher retrieves the raw, possibly gzip-compressed, bytes of an increment
type Fetcher interface {
	Fetch(ctx context.Context, seq int64) (io.ReadCloser, error)
}

// StateReader reports the newest sequence published by the source
type StateReader interface {
	CurrentSequence(ctx context.Context) (int64, error)
}

// HTTPFetcher downloads increments and state from a replication Source
type HTTPFetcher struct {
	source     *Source
	client     *http.Client
	cacheDir   string
	maxRetries int
	retryDelay time.Duration
}

// FetcherOption configures an HTTPFetcher
type FetcherOption func(*HTTPFetcher)

// WithCacheDir keeps downloaded increments under dir and serves them from
// there on later runs
func WithCacheDir(dir string) FetcherOption {
	return func(f *HTTPFetcher) { f.cacheDir = dir }
}

// WithRetries sets how often a failed request is repeated and the pause
// between attempts
func WithRetries(n int, delay time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		f.maxRetries = n
		f.retryDelay = delay
	}
}

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// NewHTTPFetcher creates a fetcher for source
func NewHTTPFetcher(source *Source, opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		source: source,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		maxRetries: 3,
		retryDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFetcherFromConfig resolves the configured replication source and
// applies the fetch settings
func NewFetcherFromConfig(cfg *config.Config) (*HTTPFetcher, error) {
	source, err := ParseSource(cfg.ReplicationURL)
	if err != nil {
		return nil, err
	}

	opts := []FetcherOption{WithRetries(cfg.FetchRetries, cfg.RetryDelay)}
	if cfg.FetchTimeout > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout}))
	}
	if cfg.CacheDir != "" {
		opts = append(opts, WithCacheDir(cfg.CacheDir))
	}
	return NewHTTPFetcher(source, opts...), nil
}

// Source returns the replication source
func (f *HTTPFetcher) Source() *Source {
	return f.source
}

// CurrentState fetches the published replication state
func (f *HTTPFetcher) CurrentState(ctx context.Context) (*State, error) {
	log := logger.Get()
	url := f.source.StateURL()

	log.Debug("Fetching current state", zap.String("url", url))

	resp, err := f.fetchWithRetry(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteState, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrRemoteState, url, resp.StatusCode)
	}

	state, err := ParseState(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteState, err)
	}

	log.Debug("Fetched current state",
		zap.Int64("sequence", state.Sequence),
		zap.Time("last_run", state.LastRun))

	return state, nil
}

// CurrentSequence implements StateReader
func (f *HTTPFetcher) CurrentSequence(ctx context.Context) (int64, error) {
	state, err := f.CurrentState(ctx)
	if err != nil {
		return 0, err
	}
	return state.Sequence, nil
}

// Fetch implements Fetcher. With a cache directory the increment is written
// there first and the cached file is returned.
func (f *HTTPFetcher) Fetch(ctx context.Context, seq int64) (io.ReadCloser, error) {
	log := logger.Get()

	// an empty cache file is a failed download and is fetched again
	if f.cacheDir != "" {
		if fi, err := os.Stat(f.CachePath(seq)); err == nil && fi.Size() > 0 {
			if file, err := os.Open(f.CachePath(seq)); err == nil {
				log.Debug("Using cached increment", zap.Int64("sequence", seq), zap.String("path", file.Name()))
				return file, nil
			}
		}
	}

	url := f.source.SequenceDataURL(seq)
	log.Debug("Fetching increment", zap.Int64("sequence", seq), zap.String("url", url))

	resp, err := f.fetchWithRetry(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence %d: %w", ErrFetch, seq, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: sequence %d: %w", ErrFetch, seq, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: sequence %d: unexpected status code %d", ErrFetch, seq, resp.StatusCode)
	}

	if f.cacheDir == "" {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	path, err := f.writeCache(seq, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence %d: %w", ErrFetch, seq, err)
	}
	log.Debug("Downloaded increment", zap.Int64("sequence", seq), zap.String("path", path))

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence %d: %w", ErrFetch, seq, err)
	}
	return file, nil
}

// writeCache stores body under the cache path via a temp file and rename so
// a partial download is never mistaken for a complete one
func (f *HTTPFetcher) writeCache(seq int64, body io.Reader) (string, error) {
	cacheFile := f.CachePath(seq)
	if err := os.MkdirAll(filepath.Dir(cacheFile), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmpFile := cacheFile + ".tmp"
	out, err := os.Create(tmpFile)
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}

	n, err := io.Copy(out, body)
	out.Close()
	if err == nil && n == 0 {
		err = errors.New("empty response body")
	}
	if err != nil {
		os.Remove(tmpFile)
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}

	if err := os.Rename(tmpFile, cacheFile); err != nil {
		os.Remove(tmpFile)
		return "", fmt.Errorf("failed to rename cache file: %w", err)
	}
	return cacheFile, nil
}

// CachePath returns the path where a sequence is cached
func (f *HTTPFetcher) CachePath(seq int64) string {
	return filepath.Join(f.cacheDir, SequenceToPath(seq)+".osm.gz")
}

// fetchWithRetry performs an HTTP GET, retrying network errors and 5xx
func (f *HTTPFetcher) fetchWithRetry(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			logger.Get().Debug("Retrying request",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "osmchanges-go/1.0")

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
