package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/maltedev/stories-scraper/internal/ratelimit"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	maxBodyBytes = 20 << 20

	acceptHTML  = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	acceptImage = "image/avif,image/webp,image/apng,image/*,*/*;q=0.8"
	secChUa     = `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`
)

type HTTPOptions struct {
	BaseURL        string
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
	WarmUp         bool
	// Cookies are preset on the base URL before the first request.
	Cookies map[string]string
	// Gate paces the requests a session issues on its own: the homepage
	// warm-up and the forbidden escalation retries. The primary request of a
	// Get is paced by the Fetcher.
	Gate   ratelimit.RateLimiter
	Logger *slog.Logger
}

func DefaultHTTPOptions(baseURL string) HTTPOptions {
	return HTTPOptions{
		BaseURL:        baseURL,
		UserAgent:      DefaultUserAgent,
		AcceptLanguage: "en-US,en;q=0.9",
		Timeout:        30 * time.Second,
		WarmUp:         true,
		Cookies:        map[string]string{"user_geolocation_country": "EU"},
	}
}

// HTTPTransport opens cookie-carrying sessions that present browser-like
// headers.
type HTTPTransport struct {
	opts HTTPOptions
}

func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.AcceptLanguage == "" {
		opts.AcceptLanguage = "en-US,en;q=0.9"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HTTPTransport{opts: opts}
}

func (t *HTTPTransport) Open(ctx context.Context) (Session, error) {
	base, err := url.Parse(t.opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", t.opts.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	var cookies []*http.Cookie
	for name, value := range t.opts.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	if len(cookies) > 0 {
		jar.SetCookies(base, cookies)
	}

	s := &httpSession{
		client: &http.Client{
			Jar:     jar,
			Timeout: t.opts.Timeout,
		},
		base:   base,
		opts:   t.opts,
		logger: t.opts.Logger.With("component", "http_session"),
	}

	if t.opts.WarmUp {
		if err := s.warmUp(ctx); err != nil {
			s.logger.Warn("homepage warm-up failed", "error", err)
		}
	}

	return s, nil
}

type headerProfile int

const (
	profileDefault headerProfile = iota
	profileEnhanced
	profileMinimal
)

type httpSession struct {
	client  *http.Client
	base    *url.URL
	opts    HTTPOptions
	logger  *slog.Logger
	mu      sync.Mutex
	lastURL string
}

func (s *httpSession) Get(ctx context.Context, rawURL string, kind ContentKind) (*Response, error) {
	resp, err := s.do(ctx, rawURL, kind, profileDefault)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusForbidden && kind == ContentHTML {
		resp, err = s.escalate(ctx, rawURL, kind)
		if err != nil {
			return nil, err
		}
	}

	if kind == ContentHTML && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.mu.Lock()
		s.lastURL = rawURL
		s.mu.Unlock()
	}

	return resp, nil
}

// escalate retries a forbidden page with fuller headers, then with a fresh
// homepage visit, then with a minimal header set.
func (s *httpSession) escalate(ctx context.Context, rawURL string, kind ContentKind) (*Response, error) {
	s.logger.Warn("forbidden, retrying with enhanced headers", "url", rawURL)
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, rawURL, kind, profileEnhanced)
	if err != nil || resp.StatusCode != http.StatusForbidden {
		return resp, err
	}

	s.logger.Warn("still forbidden, re-establishing session", "url", rawURL)
	if err := s.warmUp(ctx); err != nil {
		s.logger.Warn("homepage warm-up failed", "error", err)
	}
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	resp, err = s.do(ctx, rawURL, kind, profileEnhanced)
	if err != nil || resp.StatusCode != http.StatusForbidden {
		return resp, err
	}

	s.logger.Warn("still forbidden, retrying with minimal headers", "url", rawURL)
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	return s.do(ctx, rawURL, kind, profileMinimal)
}

func (s *httpSession) pace(ctx context.Context) error {
	if s.opts.Gate == nil {
		return nil
	}
	if err := s.opts.Gate.Wait(ctx); err != nil {
		return fmt.Errorf("failed to pass delay gate: %w", err)
	}
	return nil
}

func (s *httpSession) warmUp(ctx context.Context) error {
	if err := s.pace(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	s.applyHeaders(req, ContentHTML, profileDefault)
	req.Header.Del("Referer")
	req.Header.Del("Origin")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to visit homepage: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: homepage returned %d", ErrStatus, resp.StatusCode)
	}

	s.logger.Debug("session established", "url", s.base.String())
	return nil
}

func (s *httpSession) do(ctx context.Context, rawURL string, kind ContentKind, profile headerProfile) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	s.applyHeaders(req, kind, profile)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

func (s *httpSession) applyHeaders(req *http.Request, kind ContentKind, profile headerProfile) {
	h := req.Header
	h.Set("User-Agent", s.opts.UserAgent)

	if profile == profileMinimal {
		h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		h.Set("Accept-Language", "en-US,en;q=0.5")
		h.Set("Upgrade-Insecure-Requests", "1")
		return
	}

	h.Set("Accept-Language", s.opts.AcceptLanguage)
	h.Set("Sec-Ch-Ua", secChUa)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Linux"`)
	h.Set("DNT", "1")

	s.mu.Lock()
	referer := s.lastURL
	s.mu.Unlock()
	if referer == "" {
		referer = s.base.String()
	}
	h.Set("Referer", referer)
	h.Set("Origin", s.base.Scheme+"://"+s.base.Host)

	if kind == ContentImage {
		h.Set("Accept", acceptImage)
		h.Set("Sec-Fetch-Dest", "image")
		h.Set("Sec-Fetch-Mode", "no-cors")
		h.Set("Sec-Fetch-Site", s.fetchSite(req.URL))
		return
	}

	h.Set("Accept", acceptHTML)
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Cache-Control", "max-age=0")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-User", "?1")
	if profile == profileEnhanced {
		h.Set("Sec-Fetch-Site", s.fetchSite(req.URL))
	} else {
		h.Set("Sec-Fetch-Site", "none")
	}
}

func (s *httpSession) fetchSite(u *url.URL) string {
	if strings.EqualFold(u.Hostname(), s.base.Hostname()) {
		return "same-origin"
	}
	if site, err := publicsuffix.EffectiveTLDPlusOne(u.Hostname()); err == nil {
		if baseSite, err := publicsuffix.EffectiveTLDPlusOne(s.base.Hostname()); err == nil && site == baseSite {
			return "same-site"
		}
	}
	return "cross-site"
}

func (s *httpSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
