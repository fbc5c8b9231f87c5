// Package fetcher performs paced, retried page and image requests over a
// pluggable transport session.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/stories-scraper/internal/clock"
	"github.com/maltedev/stories-scraper/internal/ratelimit"
	"github.com/maltedev/stories-scraper/internal/retry"
)

type ContentKind int

const (
	ContentHTML ContentKind = iota
	ContentImage
)

func (k ContentKind) String() string {
	if k == ContentImage {
		return "image"
	}
	return "html"
}

const MinContentLength = 1000

var (
	ErrEmptyContent = errors.New("content too short")
	ErrStatus       = errors.New("unexpected status")
)

// Response is what a transport session returns for one request.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
	FinalURL    string
}

type Transport interface {
	Open(ctx context.Context) (Session, error)
}

type Session interface {
	Get(ctx context.Context, url string, kind ContentKind) (*Response, error)
	Close() error
}

// Observer receives one call per request attempt.
type Observer interface {
	ObserveFetch(kind string, d time.Duration, err error)
}

type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	Kind        ContentKind
	Attempts    int
	FetchedAt   time.Time
}

func (p *Page) HTML() string {
	return string(p.Body)
}

// FetchError is returned once every attempt for a URL failed.
type FetchError struct {
	URL      string
	Attempts int
	LastErr  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s after %d attempts: %v", e.URL, e.Attempts, e.LastErr)
}

func (e *FetchError) Unwrap() error { return e.LastErr }

type Options struct {
	MaxRetries       int
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	Backoff          retry.Backoff
	Timeout          time.Duration
	MinContentLength int
	// MinImageLength applies to ContentImage; zero accepts any non-empty body.
	MinImageLength int
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:       3,
		RetryDelay:       3 * time.Second,
		MaxRetryDelay:    time.Minute,
		Backoff:          retry.BackoffLinear,
		Timeout:          30 * time.Second,
		MinContentLength: MinContentLength,
	}
}

type Fetcher struct {
	session  Session
	gate     ratelimit.RateLimiter
	clock    clock.Clock
	opts     Options
	observer Observer
	logger   *slog.Logger
}

func New(session Session, gate ratelimit.RateLimiter, clk clock.Clock, opts Options, logger *slog.Logger) *Fetcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}

	return &Fetcher{
		session: session,
		gate:    gate,
		clock:   clk,
		opts:    opts,
		logger:  logger.With("component", "fetcher"),
	}
}

func (f *Fetcher) SetObserver(o Observer) {
	f.observer = o
}

// Fetch requests url until it yields a 2xx response with enough content.
// Every attempt passes the delay gate first.
func (f *Fetcher) Fetch(ctx context.Context, url string, kind ContentKind) (*Page, error) {
	policy := retry.Policy{
		MaxAttempts: f.opts.MaxRetries,
		BaseDelay:   f.opts.RetryDelay,
		MaxDelay:    f.opts.MaxRetryDelay,
		Backoff:     f.opts.Backoff,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			f.logger.Warn("fetch attempt failed",
				"url", url,
				"kind", kind.String(),
				"attempt", attempt,
				"retry_in", wait,
				"error", err)
		},
	}

	sent := 0
	page, err := retry.Do(ctx, f.clock, policy, func(ctx context.Context, _ int) (*Page, error) {
		if err := f.wait(ctx); err != nil {
			return nil, retry.Permanent(err)
		}
		sent++
		page, err := f.attempt(ctx, url, kind)
		if err != nil {
			return nil, err
		}
		page.Attempts = sent
		return page, nil
	})
	if err != nil {
		fe := &FetchError{URL: url, Attempts: sent, LastErr: err}
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			fe.LastErr = exhausted.Err
		}
		return nil, fe
	}

	f.logger.Debug("fetched", "url", url, "kind", kind.String(), "bytes", len(page.Body), "attempts", page.Attempts)
	return page, nil
}

func (f *Fetcher) wait(ctx context.Context) error {
	if f.gate == nil {
		return nil
	}
	if err := f.gate.Wait(ctx); err != nil {
		return fmt.Errorf("failed to pass delay gate: %w", err)
	}
	return nil
}

func (f *Fetcher) attempt(ctx context.Context, url string, kind ContentKind) (*Page, error) {
	reqCtx := ctx
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := f.session.Get(reqCtx, url, kind)
	if err == nil {
		err = f.check(resp, kind)
	}
	if f.observer != nil {
		f.observer.ObserveFetch(kind.String(), time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}

	return &Page{
		URL:         url,
		FinalURL:    resp.FinalURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Body:        resp.Body,
		Kind:        kind,
		FetchedAt:   f.clock.Now(),
	}, nil
}

func (f *Fetcher) check(resp *Response, kind ContentKind) error {
	if resp == nil {
		return fmt.Errorf("%w: no response", ErrEmptyContent)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	minLen := f.opts.MinContentLength
	if kind == ContentImage {
		minLen = f.opts.MinImageLength
		if minLen < 1 {
			minLen = 1
		}
	}
	if len(resp.Body) < minLen {
		return fmt.Errorf("%w: %d bytes", ErrEmptyContent, len(resp.Body))
	}
	return nil
}
