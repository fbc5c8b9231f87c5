package pipeline

import (
	"fmt"
	"time"
)

// State is the orchestrator's position in a run.
type State string

const (
	StateIdle                State = "idle"
	StateDiscoveringCategory State = "discovering_category"
	StateDeduplicating       State = "deduplicating"
	StateScrapingProducts    State = "scraping_products"
	StateEmbedding           State = "embedding"
	StatePersisting          State = "persisting"
	StateSyncing             State = "syncing"
	StateDone                State = "done"
	StateCancelled           State = "cancelled"
	StateFailed              State = "failed"
)

type Stage string

const (
	StageDiscover Stage = "discover"
	StageScrape   Stage = "scrape"
	StageEmbed    Stage = "embed"
	StagePersist  Stage = "persist"
	StageSync     Stage = "sync"
	StageSession  Stage = "session"
)

// Skip reasons recorded in Summary.SkipReasons.
const (
	ReasonFetchError      = "fetch_error"
	ReasonExtractionError = "extraction_error"
	ReasonMappingError    = "mapping_error"
	ReasonDuplicateID     = "duplicate_id"
)

// ItemFailure describes one unit of work that did not complete.
type ItemFailure struct {
	URL    string `json:"url"`
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
}

// Summary counts everything a run did. It is safe to copy.
type Summary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Duration   string    `json:"duration,omitempty"`

	PagesVisited   int `json:"pages_visited"`
	PagesFailed    int `json:"pages_failed"`
	URLsDiscovered int `json:"urls_discovered"`
	URLsUnique     int `json:"urls_unique"`

	ProductsAttempted int            `json:"products_attempted"`
	ProductsScraped   int            `json:"products_scraped"`
	ProductsSkipped   int            `json:"products_skipped"`
	SkipReasons       map[string]int `json:"skip_reasons,omitempty"`

	Embedded        int `json:"embedded"`
	EmbeddingFailed int `json:"embedding_failed"`

	Persisted     int   `json:"persisted"`
	PersistFailed int   `json:"persist_failed"`
	Deleted       int64 `json:"deleted"`

	Cancelled bool          `json:"cancelled"`
	Failures  []ItemFailure `json:"failures,omitempty"`
}

func (s Summary) clone() Summary {
	out := s
	if s.SkipReasons != nil {
		out.SkipReasons = make(map[string]int, len(s.SkipReasons))
		for k, v := range s.SkipReasons {
			out.SkipReasons[k] = v
		}
	}
	out.Failures = append([]ItemFailure(nil), s.Failures...)
	return out
}

// PersistenceError wraps a store failure for one record.
type PersistenceError struct {
	ProductID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist %s: %v", e.ProductID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
