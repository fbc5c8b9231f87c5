package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const DefaultProductPattern = `/product/[^/?#]+`

type Options struct {
	BaseURL        string
	ProductPattern string
	Selectors      Selectors
}

// Parser turns category and product HTML into typed results. It is safe for
// concurrent use.
type Parser struct {
	base           *url.URL
	productPattern *regexp.Regexp
	selectors      Selectors
}

func New(opts Options) (*Parser, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}

	pattern := opts.ProductPattern
	if pattern == "" {
		pattern = DefaultProductPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile product pattern: %w", err)
	}

	return &Parser{
		base:           base,
		productPattern: re,
		selectors:      opts.Selectors.WithDefaults(),
	}, nil
}

// IsProductURL reports whether raw looks like a product detail URL.
func (p *Parser) IsProductURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return p.productPattern.MatchString(u.Path)
}

// resolve makes ref absolute against pageURL, falling back to the base URL.
// Fragments are always dropped.
func (p *Parser) resolve(pageURL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "javascript:") {
		return ""
	}

	base := p.base
	if pageURL != "" {
		if u, err := url.Parse(pageURL); err == nil && u.IsAbs() {
			base = u
		}
	}

	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}

	abs := base.ResolveReference(r)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String()
}

// productLink normalizes a candidate link: query and fragment are stripped,
// the URL is made absolute and must match the product pattern.
func (p *Parser) productLink(pageURL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	abs := p.resolve(pageURL, href)
	if abs == "" || !p.IsProductURL(abs) {
		return "", false
	}
	return abs, true
}
