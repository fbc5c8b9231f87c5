package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/maltedev/stories-scraper/internal/fetcher"
)

// ChromedpTransport drives a local Chrome over the DevTools protocol.
// Images are delegated to Options.ImageTransport.
type ChromedpTransport struct {
	opts   *Options
	logger *slog.Logger
}

func NewChromedpTransport(opts *Options, logger *slog.Logger) *ChromedpTransport {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromedpTransport{opts: opts, logger: logger.With("component", "chromedp")}
}

func allocatorOptions(opts *Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		out = append(out, chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight))
	}
	if opts.ProxyServer != "" {
		out = append(out, chromedp.ProxyServer(opts.ProxyServer))
	}
	if opts.ChromePath != "" {
		out = append(out, chromedp.ExecPath(opts.ChromePath))
	}
	return out
}

func (t *ChromedpTransport) Open(ctx context.Context) (fetcher.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocatorOptions(t.opts)...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	// Starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	s := &chromedpSession{
		browserCtx: browserCtx,
		cancel: func() {
			cancelBrowser()
			cancelAlloc()
		},
		opts:   t.opts,
		logger: t.logger,
	}

	if t.opts.ImageTransport != nil {
		images, err := t.opts.ImageTransport.Open(ctx)
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("failed to open image transport: %w", err)
		}
		s.images = images
	}

	t.logger.Info("browser started", "headless", t.opts.Headless)
	return s, nil
}

type chromedpSession struct {
	browserCtx context.Context
	cancel     context.CancelFunc
	images     fetcher.Session
	opts       *Options
	logger     *slog.Logger
	once       sync.Once
	closeErr   error
}

func (s *chromedpSession) Get(ctx context.Context, url string, kind fetcher.ContentKind) (*fetcher.Response, error) {
	if kind == fetcher.ContentImage {
		if s.images == nil {
			return nil, errors.New("chromedp transport has no image transport")
		}
		return s.images.Get(ctx, url, kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, deadline(ctx, s.opts.Timeout))
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	resp, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(url))
	if err != nil {
		return nil, fmt.Errorf("failed to navigate: %w", err)
	}

	actions := []chromedp.Action{chromedp.WaitReady("body", chromedp.ByQuery)}
	if s.opts.ScrollToBottom {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(s.scrollPause()),
		)
	}

	var html, finalURL string
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}

	out := &fetcher.Response{
		StatusCode: 200,
		Body:       []byte(html),
		FinalURL:   finalURL,
	}
	if resp != nil {
		out.StatusCode = int(resp.Status)
		out.ContentType = resp.MimeType
	}
	return out, nil
}

func (s *chromedpSession) scrollPause() time.Duration {
	if s.opts.ScrollPause > 0 {
		return s.opts.ScrollPause
	}
	return time.Second
}

func (s *chromedpSession) Close() error {
	s.once.Do(func() {
		if s.images != nil {
			s.closeErr = s.images.Close()
		}
		if err := chromedp.Cancel(s.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = errors.Join(s.closeErr, fmt.Errorf("failed to close chrome: %w", err))
		}
		s.cancel()
		s.logger.Info("browser closed")
	})
	return s.closeErr
}
