package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// selectValue reads the useful value of an element: content for meta tags,
// href for links, the image source for img/source, and text otherwise.
func selectValue(s *goquery.Selection) string {
	switch goquery.NodeName(s) {
	case "meta":
		return strings.TrimSpace(s.AttrOr("content", ""))
	case "link":
		return strings.TrimSpace(s.AttrOr("href", ""))
	case "img", "source":
		return imageSource(s)
	}
	return collapseSpace(s.Text())
}

func imageSource(s *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "data-lazy-src"} {
		if v := strings.TrimSpace(s.AttrOr(attr, "")); v != "" && !strings.HasPrefix(v, "data:") {
			return v
		}
	}
	return firstSrcsetCandidate(s.AttrOr("srcset", ""))
}

// firstSrcsetCandidate returns the URL of the first entry in a srcset list.
func firstSrcsetCandidate(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// firstValue tries every selector in order and returns the first non-empty
// value.
func firstValue(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			found = selectValue(s)
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// stripHTML removes markup from a fragment and joins its text nodes with
// single spaces.
func stripHTML(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return collapseSpace(fragment)
	}

	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return collapseSpace(fragment)
	}

	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := collapseSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return strings.Join(parts, " ")
}
