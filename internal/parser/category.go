package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type Pagination int

const (
	PaginationUnknown Pagination = iota
	PaginationMore
	PaginationEnd
)

func (p Pagination) String() string {
	switch p {
	case PaginationMore:
		return "more"
	case PaginationEnd:
		return "end"
	default:
		return "unknown"
	}
}

type CategoryPage struct {
	ProductURLs []string
	Pagination  Pagination
}

var embeddedHrefPattern = regexp.MustCompile(`"href"\s*:\s*"([^"]+)"`)

// ParseCategoryPage extracts product links in page order. Structured data is
// preferred; the DOM selectors are only consulted when it yields nothing.
func (p *Parser) ParseCategoryPage(html, pageURL string) (*CategoryPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	page := &CategoryPage{}

	for _, raw := range structuredURLs(doc) {
		if link, ok := p.productLink(pageURL, raw); ok {
			page.ProductURLs = append(page.ProductURLs, link)
		}
	}
	for _, raw := range embeddedHrefs(html) {
		if link, ok := p.productLink(pageURL, raw); ok {
			page.ProductURLs = append(page.ProductURLs, link)
		}
	}

	if len(page.ProductURLs) == 0 {
		page.ProductURLs = p.domProductLinks(doc, pageURL)
	}

	page.Pagination = p.detectPagination(doc, pageURL)
	return page, nil
}

func embeddedHrefs(html string) []string {
	var out []string
	for _, m := range embeddedHrefPattern.FindAllStringSubmatch(html, -1) {
		href := strings.ReplaceAll(m[1], `\/`, "/")
		href = strings.ReplaceAll(href, `\u002F`, "/")
		out = append(out, href)
	}
	return out
}

func (p *Parser) domProductLinks(doc *goquery.Document, pageURL string) []string {
	var links []string
	for _, sel := range p.selectors.ProductLinks {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				href, ok = s.Attr("data-product-url")
			}
			if !ok {
				return
			}
			if link, ok := p.productLink(pageURL, href); ok {
				links = append(links, link)
			}
		})
		if len(links) > 0 {
			break
		}
	}
	return links
}

func (p *Parser) detectPagination(doc *goquery.Document, pageURL string) Pagination {
	sawDisabled := false
	for _, sel := range p.selectors.NextPage {
		more := false
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if isDisabled(s) {
				sawDisabled = true
				return true
			}
			more = true
			return false
		})
		if more {
			return PaginationMore
		}
	}

	current := pageNumber(pageURL)
	if current == 0 {
		current = 1
	}

	numbered := false
	for _, sel := range p.selectors.PageLinks {
		higher := false
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			n := pageNumber(p.resolve(pageURL, s.AttrOr("href", "")))
			if n == 0 {
				return true
			}
			numbered = true
			if n > current {
				higher = true
				return false
			}
			return true
		})
		if higher {
			return PaginationMore
		}
	}

	if sawDisabled || numbered {
		return PaginationEnd
	}
	return PaginationUnknown
}

func isDisabled(s *goquery.Selection) bool {
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if strings.EqualFold(s.AttrOr("aria-disabled", ""), "true") {
		return true
	}
	for _, class := range strings.Fields(s.AttrOr("class", "")) {
		if strings.Contains(strings.ToLower(class), "disabled") {
			return true
		}
	}
	return false
}

// pageNumber returns the page query parameter of raw, or 0 when absent.
func pageNumber(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil || n < 1 {
		return 0
	}
	return n
}
