// Package browser provides headless-browser transports for the fetcher.
package browser

import (
	"context"
	"strconv"
	"time"

	"github.com/maltedev/stories-scraper/internal/fetcher"
)

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ChromePath     string
	ScrollToBottom bool
	ScrollPause    time.Duration
	ExtraHeaders   map[string]string
	// ImageTransport serves ContentImage requests for transports that cannot
	// return raw image bytes themselves.
	ImageTransport fetcher.Transport
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      fetcher.DefaultUserAgent,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-US,en;q=0.9",
		TimezoneID:     "Europe/Stockholm",
		Locale:         "en-US",
		ScrollPause:    2 * time.Second,
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
	}
}

// launchArgs are the Chromium switches shared by both browser transports.
func launchArgs(opts *Options) []string {
	args := []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--disable-gpu",
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		args = append(args, "--window-size="+strconv.Itoa(opts.ViewportWidth)+","+strconv.Itoa(opts.ViewportHeight))
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent="+opts.UserAgent)
	}
	return args
}

const defaultTimeout = 30 * time.Second

// deadline bounds a browser operation by both the request context and the
// configured timeout.
func deadline(ctx context.Context, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < timeout {
			return remaining
		}
	}
	return timeout
}
