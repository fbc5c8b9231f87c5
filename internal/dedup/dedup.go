// Package dedup collapses product URLs discovered across category pages into
// a unique, first-seen ordered set.
package dedup

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
)

// Canonicalize normalizes a URL for equality: scheme and host are
// lower-cased, default ports, query and fragment are dropped, and a trailing
// slash is removed from non-root paths.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if host, port, err := net.SplitHostPort(u.Host); err == nil {
		if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
			u.Host = host
		}
	}

	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	path := u.EscapedPath()
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}

	return u.Scheme + "://" + u.Host + path, nil
}

// Set tracks canonical URLs in insertion order.
type Set struct {
	mu    sync.RWMutex
	seen  map[string]struct{}
	order []string
}

func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Add inserts the canonical form of raw. It returns false for duplicates and
// for URLs that cannot be canonicalized.
func (s *Set) Add(raw string) bool {
	key, err := Canonicalize(raw)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[key]; exists {
		return false
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, key)
	return true
}

func (s *Set) Contains(raw string) bool {
	key, err := Canonicalize(raw)
	if err != nil {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.seen[key]
	return exists
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Items returns the canonical URLs in first-seen order.
func (s *Set) Items() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Unique returns the canonical, first-seen ordered unique URLs of urls.
// Entries that are not absolute URLs are dropped.
func Unique(urls []string) []string {
	set := NewSet()
	for _, u := range urls {
		set.Add(u)
	}
	return set.Items()
}
