// Package storage handles the JSON files modes hand to each other and an
// in-memory record store keyed by product id.
package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/maltedev/stories-scraper/internal/models"
)

// ReadURLs accepts a JSON array of URL strings, a JSON array of records
// (their product_url is used) or newline separated URLs. Blank lines and
// lines starting with # are ignored.
func ReadURLs(filename string) ([]string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	return ParseURLs(data)
}

func ParseURLs(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] != '[' {
		return parseLines(trimmed)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode url list: %w", err)
	}

	urls := make([]string, 0, len(raw))
	for i, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				urls = append(urls, s)
			}
			continue
		}

		var rec struct {
			ProductURL string `json:"product_url"`
			URL        string `json:"url"`
		}
		if err := json.Unmarshal(item, &rec); err != nil {
			return nil, fmt.Errorf("entry %d is neither a url nor a record: %w", i, err)
		}
		switch {
		case rec.ProductURL != "":
			urls = append(urls, rec.ProductURL)
		case rec.URL != "":
			urls = append(urls, rec.URL)
		}
	}
	return urls, nil
}

func parseLines(data []byte) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read url lines: %w", err)
	}
	return urls, nil
}

func ReadRecords(filename string) ([]*models.ProductRecord, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}

	var records []*models.ProductRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return records, nil
}

// WriteJSON writes v indented to filename through a temp file and rename.
func WriteJSON(filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filename, err)
	}

	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	tmpFile := filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpFile, err)
	}

	return os.Rename(tmpFile, filename)
}

// RecordStore keeps the latest record per id. It backs dry runs and tests,
// and can be saved as a JSON record list.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*models.ProductRecord
	order   []string
	upserts int
}

func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]*models.ProductRecord)}
}

func (s *RecordStore) Upsert(_ context.Context, p *models.ProductRecord) error {
	if problems := p.Validate(); len(problems) > 0 {
		return fmt.Errorf("invalid product %s: %s", p.ID, strings.Join(problems, "; "))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.records[p.ID]; ok {
		if !p.HasEmbedding() && prev.HasEmbedding() {
			p.Embedding = prev.Embedding
		}
		p.CreatedAt = prev.CreatedAt
	} else {
		s.order = append(s.order, p.ID)
	}

	s.records[p.ID] = p
	s.upserts++
	return nil
}

func (s *RecordStore) UpsertBatch(ctx context.Context, products []*models.ProductRecord) error {
	for _, p := range products {
		if problems := p.Validate(); len(problems) > 0 {
			return fmt.Errorf("invalid product %s: %s", p.ID, strings.Join(problems, "; "))
		}
	}
	for _, p := range products {
		if err := s.Upsert(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMissing removes records of source whose id is not in keep.
func (s *RecordStore) DeleteMissing(_ context.Context, source string, keep []string) (int64, error) {
	if len(keep) == 0 {
		return 0, fmt.Errorf("refusing to delete all products of source %q", source)
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	order := s.order[:0]
	for _, id := range s.order {
		rec := s.records[id]
		if _, ok := keepSet[id]; !ok && rec.Source == source {
			delete(s.records, id)
			deleted++
			continue
		}
		order = append(order, id)
	}
	s.order = order

	return deleted, nil
}

func (s *RecordStore) Get(id string) (*models.ProductRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	return rec, ok
}

// Records returns the stored records in first-insert order.
func (s *RecordStore) Records() []*models.ProductRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.ProductRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Upserts counts every accepted write, including overwrites.
func (s *RecordStore) Upserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

// GetStats counts records per source plus "total".
func (s *RecordStore) GetStats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int)
	for _, rec := range s.records {
		stats[rec.Source]++
	}
	stats["total"] = len(s.records)
	return stats
}

func (s *RecordStore) Save(filename string) error {
	return WriteJSON(filename, s.Records())
}

// IDs returns the stored ids sorted.
func (s *RecordStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
