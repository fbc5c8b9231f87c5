package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maltedev/stories-scraper/internal/clock"
	"github.com/maltedev/stories-scraper/internal/embedding"
	"github.com/maltedev/stories-scraper/internal/fetcher"
	"github.com/maltedev/stories-scraper/internal/mapper"
	"github.com/maltedev/stories-scraper/internal/models"
	"github.com/maltedev/stories-scraper/internal/parser"
	"github.com/maltedev/stories-scraper/internal/ratelimit"
	"github.com/maltedev/stories-scraper/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	baseURL     = "https://www.stories.com"
	categoryURL = "https://www.stories.com/en-eu/clothing/"
)

func productURL(slug string) string {
	return baseURL + "/en-eu/product/" + slug
}

func listingHTML(slugs ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for _, s := range slugs {
		fmt.Fprintf(&b, `<li><a href="/en-eu/product/%s?cid=grid">%s</a></li>`, s, s)
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

func productHTML(title, image string) string {
	return `<html><head>` +
		`<meta property="og:title" content="` + title + `">` +
		`<meta property="og:image" content="` + image + `">` +
		`</head><body><h1>` + title + `</h1></body></html>`
}

type fakeTransport struct {
	mu     sync.Mutex
	pages  map[string]string
	calls  []string
	opened int
	closed int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pages: map[string]string{}}
}

func (t *fakeTransport) Open(context.Context) (fetcher.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened++
	return &fakeSession{t: t}, nil
}

func (t *fakeTransport) requested(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.calls {
		if c == url {
			return true
		}
	}
	return false
}

type fakeSession struct {
	t *fakeTransport
}

func (s *fakeSession) Get(_ context.Context, url string, kind fetcher.ContentKind) (*fetcher.Response, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.calls = append(s.t.calls, url)

	if kind == fetcher.ContentImage {
		return &fetcher.Response{StatusCode: 200, Body: []byte("image:" + url), FinalURL: url}, nil
	}

	body, ok := s.t.pages[url]
	if !ok {
		return &fetcher.Response{StatusCode: 404, Body: []byte("not found"), FinalURL: url}, nil
	}
	return &fetcher.Response{StatusCode: 200, Body: []byte(body), ContentType: "text/html", FinalURL: url}, nil
}

func (s *fakeSession) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closed++
	return nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  map[string]bool
}

func (e *fakeEmbedder) Model() string { return "fake" }

func (e *fakeEmbedder) Embed(_ context.Context, image []byte) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	if e.fail[string(image)] {
		return nil, &embedding.EmbeddingError{Model: "fake", Err: errors.New("decode failed")}
	}
	vec := make([]float32, models.EmbeddingDimension)
	vec[0] = 1
	return vec, nil
}

// flakyStore rejects every batch and the listed ids.
type flakyStore struct {
	*storage.RecordStore
	reject map[string]bool
}

func (s *flakyStore) UpsertBatch(context.Context, []*models.ProductRecord) error {
	return errors.New("deadlock detected")
}

func (s *flakyStore) Upsert(ctx context.Context, p *models.ProductRecord) error {
	if s.reject[p.ID] {
		return errors.New("value too long")
	}
	return s.RecordStore.Upsert(ctx, p)
}

type harness struct {
	transport *fakeTransport
	embedder  *fakeEmbedder
	store     *storage.RecordStore
	clock     *clock.Fake
}

func newHarness() *harness {
	return &harness{
		transport: newFakeTransport(),
		embedder:  &fakeEmbedder{fail: map[string]bool{}},
		store:     storage.NewRecordStore(),
		clock:     clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
	}
}

func (h *harness) addProduct(slug string) {
	h.transport.pages[productURL(slug)] = productHTML("Product "+slug, "/images/"+slug+".jpg")
}

func (h *harness) orchestrator(t *testing.T, cfg Config, store Store) *Orchestrator {
	t.Helper()

	p, err := parser.New(parser.Options{BaseURL: baseURL})
	require.NoError(t, err)

	if cfg.CategoryURL == "" {
		cfg.CategoryURL = categoryURL
	}
	if cfg.Source == "" {
		cfg.Source = "scraper"
	}

	o, err := New(Env{
		Config: cfg,
		Clock:  h.clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Deps{
		Transport:    h.transport,
		Gate:         ratelimit.NewGate(h.clock, 0, 0),
		FetchOptions: fetcher.Options{MaxRetries: 2},
		Parser:       p,
		Mapper:       mapper.New(mapper.DefaultConfig(), h.clock),
		Embedder:     h.embedder,
		Store:        store,
	})
	require.NoError(t, err)
	return o
}

func TestRunFull_StopsAtFirstEmptyPage(t *testing.T) {
	h := newHarness()
	h.transport.pages[categoryURL] = listingHTML("a-1001", "b-1002", "a-1001")
	h.transport.pages[categoryURL+"?page=2"] = listingHTML("c-1003")
	h.transport.pages[categoryURL+"?page=3"] = listingHTML()
	h.transport.pages[categoryURL+"?page=4"] = listingHTML("d-1004")
	for _, slug := range []string{"a-1001", "b-1002", "c-1003", "d-1004"} {
		h.addProduct(slug)
	}

	o := h.orchestrator(t, Config{}, h.store)

	res, err := o.RunFull(context.Background())
	require.NoError(t, err)

	s := res.Summary
	assert.Equal(t, 3, s.PagesVisited)
	assert.Equal(t, 0, s.PagesFailed)
	assert.Equal(t, 4, s.URLsDiscovered)
	assert.Equal(t, 3, s.URLsUnique)
	assert.Equal(t, 3, s.ProductsAttempted)
	assert.Equal(t, 3, s.ProductsScraped)
	assert.Equal(t, 3, s.Embedded)
	assert.Equal(t, 3, s.Persisted)

	assert.Equal(t, []string{productURL("a-1001"), productURL("b-1002"), productURL("c-1003")}, res.URLs)
	assert.False(t, h.transport.requested(categoryURL+"?page=4"))
	assert.Equal(t, []string{"otherstories_1001", "otherstories_1002", "otherstories_1003"}, h.store.IDs())

	rec, ok := h.store.Get("otherstories_1001")
	require.True(t, ok)
	assert.Equal(t, "https://www.stories.com/images/a-1001.jpg", rec.ImageURL)
	assert.Len(t, rec.Embedding, models.EmbeddingDimension)

	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, 1, h.transport.opened)
	assert.Equal(t, 1, h.transport.closed)
}

func TestRunFull_StopsAtPaginationEnd(t *testing.T) {
	h := newHarness()
	h.transport.pages[categoryURL] = listingHTML("a-1001") +
		`<nav><button data-testid="pagination-next" disabled>Next</button></nav>`
	h.transport.pages[categoryURL+"?page=2"] = listingHTML("b-1002")
	h.addProduct("a-1001")
	h.addProduct("b-1002")

	res, err := h.orchestrator(t, Config{}, h.store).RunFull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Summary.PagesVisited)
	assert.False(t, h.transport.requested(categoryURL+"?page=2"))
}

func TestRunFull_FailedPageIsSkipped(t *testing.T) {
	h := newHarness()
	h.transport.pages[categoryURL] = listingHTML("a-1001")
	h.transport.pages[categoryURL+"?page=3"] = listingHTML("c-1003")
	h.transport.pages[categoryURL+"?page=4"] = listingHTML()
	h.addProduct("a-1001")
	h.addProduct("c-1003")

	res, err := h.orchestrator(t, Config{}, h.store).RunFull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Summary.PagesVisited)
	assert.Equal(t, 1, res.Summary.PagesFailed)
	assert.Equal(t, 2, res.Summary.Persisted)
	require.NotEmpty(t, res.Summary.Failures)
	assert.Equal(t, StageDiscover, res.Summary.Failures[0].Stage)
}

func TestScrapeProducts_SkipsFailures(t *testing.T) {
	h := newHarness()
	for _, slug := range []string{"a-1001", "b-1002", "c-1003"} {
		h.addProduct(slug)
	}
	h.transport.pages[productURL("broken-2001")] = "<html><body><p>Sold out</p></body></html>"

	urls := []string{
		productURL("a-1001"),
		productURL("broken-2001"),
		productURL("b-1002"),
		productURL("missing-2002"),
		productURL("c-1003") + "?utm_source=newsletter",
	}

	res, err := h.orchestrator(t, Config{}, h.store).ScrapeProducts(context.Background(), urls)
	require.NoError(t, err)

	s := res.Summary
	assert.Equal(t, 5, s.ProductsAttempted)
	assert.Equal(t, 3, s.ProductsScraped)
	assert.Equal(t, 2, s.ProductsSkipped)
	assert.Equal(t, map[string]int{ReasonExtractionError: 1, ReasonFetchError: 1}, s.SkipReasons)
	assert.Equal(t, 3, s.Persisted)
	assert.Equal(t, 3, h.store.Len())
	assert.Len(t, res.Records, 3)
}

func TestScrapeProducts_DuplicateIDsPersistOnce(t *testing.T) {
	h := newHarness()
	h.addProduct("linen-dress-1001")
	h.addProduct("linen-dress-new-1001")

	urls := []string{productURL("linen-dress-1001"), productURL("linen-dress-new-1001")}

	res, err := h.orchestrator(t, Config{}, h.store).ScrapeProducts(context.Background(), urls)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Summary.ProductsScraped)
	assert.Equal(t, 1, res.Summary.SkipReasons[ReasonDuplicateID])
	assert.Equal(t, 1, h.store.Upserts())
}

func TestScrapeProducts_EmbeddingFailureKeepsRecord(t *testing.T) {
	h := newHarness()
	h.addProduct("a-1001")
	h.addProduct("b-1002")
	h.embedder.fail["image:https://www.stories.com/images/b-1002.jpg"] = true

	res, err := h.orchestrator(t, Config{}, h.store).ScrapeProducts(context.Background(),
		[]string{productURL("a-1001"), productURL("b-1002")})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Summary.Embedded)
	assert.Equal(t, 1, res.Summary.EmbeddingFailed)
	assert.Equal(t, 2, res.Summary.Persisted)

	rec, ok := h.store.Get("otherstories_1002")
	require.True(t, ok)
	assert.False(t, rec.HasEmbedding())
}

func TestScrapeProducts_BatchFallback(t *testing.T) {
	h := newHarness()
	slugs := []string{"a-1001", "b-1002", "c-1003"}
	urls := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		h.addProduct(slug)
		urls = append(urls, productURL(slug))
	}

	store := &flakyStore{RecordStore: h.store, reject: map[string]bool{"otherstories_1002": true}}

	res, err := h.orchestrator(t, Config{BatchSize: 2}, store).ScrapeProducts(context.Background(), urls)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Summary.Persisted)
	assert.Equal(t, 1, res.Summary.PersistFailed)
	assert.Equal(t, []string{"otherstories_1001", "otherstories_1003"}, h.store.IDs())

	last := res.Summary.Failures[len(res.Summary.Failures)-1]
	assert.Equal(t, StagePersist, last.Stage)
	assert.Contains(t, last.Reason, "otherstories_1002")
}

func TestScrapeProducts_DryRun(t *testing.T) {
	h := newHarness()
	h.addProduct("a-1001")

	res, err := h.orchestrator(t, Config{DryRun: true}, h.store).ScrapeProducts(context.Background(),
		[]string{productURL("a-1001")})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Summary.ProductsScraped)
	assert.Equal(t, 0, res.Summary.Persisted)
	assert.Equal(t, 0, h.embedder.calls)
	assert.Equal(t, 0, h.store.Len())
	assert.Len(t, res.Records, 1)
}

func TestRunFull_SyncDelete(t *testing.T) {
	setup := func(t *testing.T) *harness {
		h := newHarness()
		h.transport.pages[categoryURL] = listingHTML("a-1001", "b-1002")
		h.addProduct("a-1001")
		h.addProduct("b-1002")

		stale := &models.ProductRecord{
			ID: "otherstories_999", Source: "scraper", ProductURL: productURL("old-999"),
			Title: "Old", ImageURL: "https://www.stories.com/images/old.jpg",
		}
		other := &models.ProductRecord{
			ID: "manual_1", Source: "manual", ProductURL: "https://example.com/1",
			Title: "Manual", ImageURL: "https://example.com/1.jpg",
		}
		require.NoError(t, h.store.Upsert(context.Background(), stale))
		require.NoError(t, h.store.Upsert(context.Background(), other))
		return h
	}

	t.Run("deletes missing products of the source", func(t *testing.T) {
		h := setup(t)
		res, err := h.orchestrator(t, Config{SyncDelete: true}, h.store).RunFull(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int64(1), res.Summary.Deleted)
		assert.Equal(t, []string{"manual_1", "otherstories_1001", "otherstories_1002"}, h.store.IDs())
	})

	t.Run("skipped when a limit is set", func(t *testing.T) {
		h := setup(t)
		res, err := h.orchestrator(t, Config{SyncDelete: true, ProductLimit: 1}, h.store).RunFull(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int64(0), res.Summary.Deleted)
		assert.Equal(t, 1, res.Summary.URLsUnique)
		_, ok := h.store.Get("otherstories_999")
		assert.True(t, ok)
	})
}

// cancellingTransport hands out sessions that cancel the run once the given
// number of images has been requested.
type cancellingTransport struct {
	*fakeTransport
	cancel      context.CancelFunc
	afterImages int
	images      int
}

func (t *cancellingTransport) Open(ctx context.Context) (fetcher.Session, error) {
	s, err := t.fakeTransport.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &cancellingSession{Session: s, t: t}, nil
}

type cancellingSession struct {
	fetcher.Session
	t *cancellingTransport
}

func (s *cancellingSession) Get(ctx context.Context, url string, kind fetcher.ContentKind) (*fetcher.Response, error) {
	if kind == fetcher.ContentImage {
		s.t.images++
		if s.t.images == s.t.afterImages {
			s.t.cancel()
		}
	}
	return s.Session.Get(ctx, url, kind)
}

func TestRunFull_Cancelled(t *testing.T) {
	t.Run("before the first page", func(t *testing.T) {
		h := newHarness()
		h.transport.pages[categoryURL] = listingHTML("a-1001")
		h.addProduct("a-1001")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		o := h.orchestrator(t, Config{}, h.store)
		res, err := o.RunFull(ctx)

		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, res)
		assert.True(t, res.Summary.Cancelled)
		assert.Equal(t, 0, res.Summary.PagesVisited)
		assert.Equal(t, StateCancelled, o.State())
		assert.Equal(t, 1, h.transport.closed)
	})

	t.Run("during embedding keeps scraped records", func(t *testing.T) {
		h := newHarness()
		h.transport.pages[categoryURL] = listingHTML("a-1001", "b-1002", "c-1003")
		for _, slug := range []string{"a-1001", "b-1002", "c-1003"} {
			h.addProduct(slug)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		o := h.orchestrator(t, Config{SyncDelete: true}, h.store)
		o.deps.Transport = &cancellingTransport{fakeTransport: h.transport, cancel: cancel, afterImages: 2}

		res, err := o.RunFull(ctx)

		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, res)
		assert.True(t, res.Summary.Cancelled)
		assert.Equal(t, StateCancelled, o.State())

		assert.Equal(t, 3, res.Summary.ProductsScraped)
		assert.Equal(t, 2, res.Summary.Embedded, "the image in flight finishes, the next one is not started")
		assert.Equal(t, 3, res.Summary.Persisted)
		assert.Equal(t, []string{"otherstories_1001", "otherstories_1002", "otherstories_1003"}, h.store.IDs())
		assert.Equal(t, int64(0), res.Summary.Deleted)

		rec, ok := h.store.Get("otherstories_1002")
		require.True(t, ok)
		assert.True(t, rec.HasEmbedding())

		rec, ok = h.store.Get("otherstories_1003")
		require.True(t, ok)
		assert.False(t, rec.HasEmbedding())
	})
}

// closeFailTransport hands out sessions whose Close reports an error after
// the work is done.
type closeFailTransport struct {
	*fakeTransport
}

func (t closeFailTransport) Open(ctx context.Context) (fetcher.Session, error) {
	s, err := t.fakeTransport.Open(ctx)
	if err != nil {
		return nil, err
	}
	return closeFailSession{Session: s}, nil
}

type closeFailSession struct {
	fetcher.Session
}

func (s closeFailSession) Close() error {
	_ = s.Session.Close()
	return errors.New("browser process already exited")
}

func TestRunFull_SessionCloseErrorKeepsResult(t *testing.T) {
	h := newHarness()
	h.transport.pages[categoryURL] = listingHTML("a-1001", "b-1002")
	h.addProduct("a-1001")
	h.addProduct("b-1002")

	o := h.orchestrator(t, Config{}, h.store)
	o.deps.Transport = closeFailTransport{fakeTransport: h.transport}

	res, err := o.RunFull(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, 2, res.Summary.ProductsScraped)
	assert.Equal(t, 2, res.Summary.Persisted)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, []string{"otherstories_1001", "otherstories_1002"}, h.store.IDs())
	assert.Equal(t, 1, h.transport.closed)

	require.NotEmpty(t, res.Summary.Failures)
	last := res.Summary.Failures[len(res.Summary.Failures)-1]
	assert.Equal(t, StageSession, last.Stage)
	assert.Contains(t, last.Reason, "browser process already exited")
}

func TestScrapeProducts_SessionCloseErrorKeepsResult(t *testing.T) {
	h := newHarness()
	h.addProduct("a-1001")

	o := h.orchestrator(t, Config{}, h.store)
	o.deps.Transport = closeFailTransport{fakeTransport: h.transport}

	res, err := o.ScrapeProducts(context.Background(), []string{productURL("a-1001")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Persisted)
	assert.Equal(t, 1, h.store.Len())
}

func TestEmbed_OnlyPendingRecords(t *testing.T) {
	h := newHarness()

	done := &models.ProductRecord{
		ID: "otherstories_1", Source: "scraper", ProductURL: productURL("x-1"),
		Title: "Done", ImageURL: "https://www.stories.com/images/1.jpg",
		Embedding: make(models.Vector, models.EmbeddingDimension),
	}
	pending := &models.ProductRecord{
		ID: "otherstories_2", Source: "scraper", ProductURL: productURL("x-2"),
		Title: "Pending", ImageURL: "https://www.stories.com/images/2.jpg",
	}

	res, err := h.orchestrator(t, Config{}, h.store).Embed(context.Background(),
		[]*models.ProductRecord{done, pending})
	require.NoError(t, err)

	assert.Equal(t, 1, h.embedder.calls)
	assert.Equal(t, 1, res.Summary.Embedded)
	assert.Equal(t, 2, res.Summary.Persisted)
	assert.True(t, pending.HasEmbedding())
}

func TestPageURL(t *testing.T) {
	tests := []struct {
		base     string
		page     int
		expected string
	}{
		{categoryURL, 1, categoryURL},
		{categoryURL, 2, categoryURL + "?page=2"},
		{categoryURL + "?sort=new", 3, categoryURL + "?page=3&sort=new"},
		{categoryURL + "?page=1", 5, categoryURL + "?page=5"},
	}

	for _, tt := range tests {
		got, err := PageURL(tt.base, tt.page)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, got)
	}
}

type failingTransport struct{}

func (failingTransport) Open(context.Context) (fetcher.Session, error) {
	return nil, errors.New("browser not installed")
}

type closeErrSession struct{}

func (closeErrSession) Get(context.Context, string, fetcher.ContentKind) (*fetcher.Response, error) {
	return nil, errors.New("not used")
}

func (closeErrSession) Close() error { return errors.New("already closed") }

type closeErrTransport struct{}

func (closeErrTransport) Open(context.Context) (fetcher.Session, error) {
	return closeErrSession{}, nil
}

func TestWithSession(t *testing.T) {
	err := WithSession(context.Background(), failingTransport{}, func(fetcher.Session) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorContains(t, err, "browser not installed")

	boom := errors.New("boom")
	err = WithSession(context.Background(), closeErrTransport{}, func(fetcher.Session) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "already closed")

	var closeErr *SessionCloseError
	assert.ErrorAs(t, err, &closeErr)

	o, err := New(Env{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, Deps{
		Transport: failingTransport{},
		Parser:    &parser.Parser{},
		Mapper:    mapper.New(mapper.DefaultConfig(), nil),
	})
	require.NoError(t, err)
	_, err = o.RunFull(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateFailed, o.State())
}
