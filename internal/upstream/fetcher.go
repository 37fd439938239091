// Package upstream fetches release artifacts from source providers over
// HTTP with rate limiting, bounded retries, and streaming digests.
package upstream

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/refinery-io/refinery/internal/config"
)

// Sentinel errors for fetch outcomes.
var (
	// ErrUpstreamStatus indicates a non-retryable HTTP status (4xx other
	// than 429). The release is wrong or gone; retrying cannot help.
	ErrUpstreamStatus = errors.New("upstream returned non-retryable status")

	// ErrRetriesExhausted indicates the fetch failed on every attempt.
	ErrRetriesExhausted = errors.New("fetch retries exhausted")
)

// Default fetch tuning.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Minute
	DefaultRatePerSecond  = 2
)

// FetcherConfig tunes a Fetcher.
type FetcherConfig struct {
	// MaxAttempts bounds attempts per fetch, including the first.
	MaxAttempts int

	// InitialBackoff is the wait after the first failure; it doubles on
	// each subsequent failure.
	InitialBackoff time.Duration

	// RequestTimeout bounds a single attempt end to end.
	RequestTimeout time.Duration

	// RatePerSecond limits request starts against the provider.
	RatePerSecond float64
}

// LoadFetcherConfig reads fetcher tuning from the environment.
func LoadFetcherConfig() FetcherConfig {
	return FetcherConfig{
		MaxAttempts:    config.GetEnvInt("UPSTREAM_MAX_ATTEMPTS", DefaultMaxAttempts),
		InitialBackoff: config.GetEnvSeconds("UPSTREAM_BACKOFF_SECS", DefaultInitialBackoff),
		RequestTimeout: config.GetEnvSeconds("UPSTREAM_REQUEST_TIMEOUT_SECS", DefaultRequestTimeout),
		RatePerSecond:  float64(config.GetEnvInt("UPSTREAM_RATE_PER_SECOND", DefaultRatePerSecond)),
	}
}

// Fetcher downloads upstream artifacts. Requests are rate limited per
// Fetcher, so one Fetcher should be shared per provider.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	config  FetcherConfig
	logger  *slog.Logger
}

// FetchResult describes a completed download.
type FetchResult struct {
	Size   int64
	Digest string // sha256, lowercase hex
}

// NewFetcher creates a Fetcher with the given tuning, filling zero
// values with defaults.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}

	return &Fetcher{
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		config:  cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// FetchFile downloads url to dest, truncating dest on each attempt so a
// retry never leaves partial bytes behind. The sha256 digest is computed
// while streaming; no second pass over the file is needed.
func (f *Fetcher) FetchFile(ctx context.Context, url, dest string) (*FetchResult, error) {
	var result *FetchResult

	err := f.withRetries(ctx, url, func() error {
		out, err := os.Create(dest) // #nosec G304 - dest is a caller-controlled cache path
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", dest, err)
		}

		r, err := f.fetchOnce(ctx, url, out)
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}

		if err != nil {
			return err
		}

		result = r

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// FetchBytes downloads url into memory. Intended for listings and
// checksum manifests, which are small.
func (f *Fetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	var buf []byte

	err := f.withRetries(ctx, url, func() error {
		var sink bytesSink
		if _, err := f.fetchOnce(ctx, url, &sink); err != nil {
			return err
		}

		buf = sink.data

		return nil
	})
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// withRetries runs attempt up to MaxAttempts times with doubling
// backoff, stopping early on context cancellation or a non-retryable
// status.
func (f *Fetcher) withRetries(ctx context.Context, url string, attempt func() error) error {
	backoff := f.config.InitialBackoff

	var lastErr error

	for i := 1; i <= f.config.MaxAttempts; i++ {
		lastErr = attempt()
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, ErrUpstreamStatus) || ctx.Err() != nil {
			return lastErr
		}

		if i == f.config.MaxAttempts {
			break
		}

		f.logger.Warn("fetch attempt failed, backing off",
			slog.String("url", url),
			slog.Int("attempt", i),
			slog.Duration("backoff", backoff),
			slog.String("error", lastErr.Error()),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, f.config.MaxAttempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, w io.Writer) (*FetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		if isRetryableStatus(resp.StatusCode) {
			return nil, fmt.Errorf("upstream returned %d for %s", resp.StatusCode, url)
		}

		return nil, fmt.Errorf("%w: %d for %s", ErrUpstreamStatus, resp.StatusCode, url)
	}

	hash := sha256.New()

	size, err := io.Copy(io.MultiWriter(w, hash), resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to stream body: %w", err)
	}

	return &FetchResult{
		Size:   size,
		Digest: fmt.Sprintf("%x", hash.Sum(nil)),
	}, nil
}

// isRetryableStatus reports whether an HTTP status is worth retrying:
// server errors and throttling, not client errors.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

type bytesSink struct {
	data []byte
}

func (b *bytesSink) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)

	return len(p), nil
}
