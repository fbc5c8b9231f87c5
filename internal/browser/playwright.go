package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maltedev/stories-scraper/internal/fetcher"
	"github.com/playwright-community/playwright-go"
)

// PlaywrightTransport renders pages in Chromium driven by playwright.
type PlaywrightTransport struct {
	opts   *Options
	logger *slog.Logger
}

func NewPlaywrightTransport(opts *Options, logger *slog.Logger) *PlaywrightTransport {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaywrightTransport{opts: opts, logger: logger.With("component", "playwright")}
}

func (t *PlaywrightTransport) Open(ctx context.Context) (fetcher.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(t.opts.Headless),
		Args:     launchArgs(t.opts),
	}
	if t.opts.ChromePath != "" {
		launchOpts.ExecutablePath = playwright.String(t.opts.ChromePath)
	}
	if t.opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: t.opts.ProxyServer}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	headers := make(map[string]string, len(t.opts.ExtraHeaders)+1)
	for k, v := range t.opts.ExtraHeaders {
		headers[k] = v
	}
	if t.opts.AcceptLanguage != "" {
		headers["Accept-Language"] = t.opts.AcceptLanguage
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(t.opts.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(t.opts.Locale),
		TimezoneId:        playwright.String(t.opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  t.opts.ViewportWidth,
			Height: t.opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	})
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	t.logger.Info("browser started", "headless", t.opts.Headless)

	return &playwrightSession{
		pw:      pw,
		browser: browser,
		context: bctx,
		opts:    t.opts,
		logger:  t.logger,
	}, nil
}

type playwrightSession struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	context  playwright.BrowserContext
	opts     *Options
	logger   *slog.Logger
	once     sync.Once
	closeErr error
}

func (s *playwrightSession) Get(ctx context.Context, url string, kind fetcher.ContentKind) (*fetcher.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := deadline(ctx, s.opts.Timeout)

	page, err := s.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	defer page.Close()

	page.SetDefaultTimeout(float64(timeout.Milliseconds()))

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to navigate: %w", err)
	}
	if resp == nil {
		return nil, errors.New("navigation returned no response")
	}

	out := &fetcher.Response{
		StatusCode:  resp.Status(),
		ContentType: resp.Headers()["content-type"],
		FinalURL:    page.URL(),
	}

	if kind == fetcher.ContentImage {
		body, err := resp.Body()
		if err != nil {
			return nil, fmt.Errorf("failed to read image body: %w", err)
		}
		out.Body = body
		return out, nil
	}

	if s.opts.ScrollToBottom {
		if _, err := page.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`); err != nil {
			s.logger.Warn("failed to scroll", "url", url, "error", err)
		}
		page.WaitForTimeout(float64(s.opts.ScrollPause.Milliseconds()))
	}

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to get page content: %w", err)
	}
	out.Body = []byte(content)

	return out, nil
}

func (s *playwrightSession) Close() error {
	s.once.Do(func() {
		var errs []error

		if s.context != nil {
			if err := s.context.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close context: %w", err))
			}
		}
		if s.browser != nil {
			if err := s.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
			}
		}
		if s.pw != nil {
			if err := s.pw.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
			}
		}

		s.closeErr = errors.Join(errs...)
		s.logger.Info("browser closed")
	})
	return s.closeErr
}
