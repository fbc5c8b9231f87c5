package parser

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const maxJSONLDDepth = 8

// ldStrings decodes a string or a list of strings.
type ldStrings []string

func (s *ldStrings) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = ldStrings{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err == nil {
		*s = many
	}
	return nil
}

func (s ldStrings) Has(name string) bool {
	for _, v := range s {
		if strings.EqualFold(v, name) || strings.HasSuffix(v, "/"+name) {
			return true
		}
	}
	return false
}

// ldText is a lenient text value: a string, a number, the first element of a
// list, or the name of a nested object. Unexpected shapes decode as empty.
type ldText string

func (t *ldText) UnmarshalJSON(b []byte) error {
	*t = ldText(decodeText(b, "name", "@value", "value", "@id"))
	return nil
}

// ldURL is like ldText but prefers url-ish keys on objects.
type ldURL string

func (u *ldURL) UnmarshalJSON(b []byte) error {
	*u = ldURL(decodeText(b, "url", "contentUrl", "@id", "item"))
	return nil
}

func decodeText(b []byte, keys ...string) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			return strings.TrimSpace(s)
		}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err == nil {
			for _, item := range items {
				if s := decodeText(item, keys...); s != "" {
					return s
				}
			}
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(b, &obj); err == nil {
			for _, k := range keys {
				if raw, ok := obj[k]; ok {
					if s := decodeText(raw, keys...); s != "" {
						return s
					}
				}
			}
		}
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// ldNumber accepts a JSON number or a numeric string such as "49,90".
type ldNumber struct {
	Value float64
	Valid bool
}

func (n *ldNumber) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = ldNumber{Value: f, Valid: true}
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*n = ldNumber{Value: v, Valid: true}
		} else if v, _, ok := ParsePrice(s); ok {
			*n = ldNumber{Value: v, Valid: true}
		}
	}
	return nil
}

type ldRating struct {
	RatingValue ldNumber `json:"ratingValue"`
	ReviewCount ldNumber `json:"reviewCount"`
	RatingCount ldNumber `json:"ratingCount"`
}

type ldOffer struct {
	Price         ldNumber        `json:"price"`
	LowPrice      ldNumber        `json:"lowPrice"`
	PriceCurrency ldText          `json:"priceCurrency"`
	Size          ldText          `json:"size"`
	SKU           ldText          `json:"sku"`
	Offers        json.RawMessage `json:"offers"`
}

type ldProduct struct {
	Type            ldStrings       `json:"@type"`
	Name            ldText          `json:"name"`
	Description     ldText          `json:"description"`
	Image           json.RawMessage `json:"image"`
	Offers          json.RawMessage `json:"offers"`
	Category        ldText          `json:"category"`
	SKU             ldText          `json:"sku"`
	Color           ldText          `json:"color"`
	ItemCondition   ldText          `json:"itemCondition"`
	Brand           ldText          `json:"brand"`
	Size            ldText          `json:"size"`
	AggregateRating json.RawMessage `json:"aggregateRating"`
}

func (p *ldProduct) rating() (ldRating, bool) {
	var r ldRating
	if len(p.AggregateRating) == 0 {
		return r, false
	}
	if err := json.Unmarshal(p.AggregateRating, &r); err != nil {
		return r, false
	}
	return r, r.RatingValue.Valid
}

type ldListItem struct {
	URL  ldURL `json:"url"`
	Item ldURL `json:"item"`
}

type ldNode struct {
	Type            ldStrings       `json:"@type"`
	URL             ldURL           `json:"url"`
	ItemListElement json.RawMessage `json:"itemListElement"`
}

func (n *ldNode) listItems() []ldListItem {
	raw := bytes.TrimSpace(n.ItemListElement)
	if len(raw) == 0 {
		return nil
	}

	var items []ldListItem
	if raw[0] == '[' {
		_ = json.Unmarshal(raw, &items)
		return items
	}

	var one ldListItem
	if err := json.Unmarshal(raw, &one); err == nil {
		items = append(items, one)
	}
	return items
}

// structuredBlocks returns the raw payload of every JSON-LD script.
func structuredBlocks(doc *goquery.Document) [][]byte {
	var blocks [][]byte
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text != "" {
			blocks = append(blocks, []byte(text))
		}
	})
	return blocks
}

// flattenNodes walks arrays, @graph and mainEntity containers and returns
// every JSON object found, outermost first.
func flattenNodes(raw json.RawMessage, depth int, out *[]json.RawMessage) {
	raw = bytes.TrimSpace(raw)
	if depth > maxJSONLDDepth || len(raw) == 0 {
		return
	}

	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return
		}
		for _, item := range items {
			flattenNodes(item, depth+1, out)
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return
		}
		*out = append(*out, raw)
		for _, key := range []string{"@graph", "mainEntity"} {
			if nested, ok := obj[key]; ok {
				flattenNodes(nested, depth+1, out)
			}
		}
	}
}

func documentNodes(doc *goquery.Document) []json.RawMessage {
	var nodes []json.RawMessage
	for _, block := range structuredBlocks(doc) {
		flattenNodes(block, 0, &nodes)
	}
	return nodes
}

// findStructuredProduct returns the first schema.org Product in the page.
// Blocks that fail to decode are treated as absent.
func findStructuredProduct(doc *goquery.Document) (*ldProduct, bool) {
	for _, raw := range documentNodes(doc) {
		var prod ldProduct
		if err := json.Unmarshal(raw, &prod); err != nil {
			continue
		}
		if prod.Type.Has("Product") || prod.Type.Has("ProductGroup") {
			return &prod, true
		}
	}
	return nil, false
}

// structuredURLs collects url and itemListElement entries in document order.
func structuredURLs(doc *goquery.Document) []string {
	var urls []string
	for _, raw := range documentNodes(doc) {
		var node ldNode
		if err := json.Unmarshal(raw, &node); err != nil {
			continue
		}
		if node.URL != "" {
			urls = append(urls, string(node.URL))
		}
		for _, el := range node.listItems() {
			switch {
			case el.URL != "":
				urls = append(urls, string(el.URL))
			case el.Item != "":
				urls = append(urls, string(el.Item))
			}
		}
	}
	return urls
}

// decodeOffers flattens a single offer, a list of offers or an AggregateOffer.
func decodeOffers(raw json.RawMessage, depth int) []ldOffer {
	raw = bytes.TrimSpace(raw)
	if depth > maxJSONLDDepth || len(raw) == 0 {
		return nil
	}

	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil
		}
		var out []ldOffer
		for _, item := range items {
			out = append(out, decodeOffers(item, depth+1)...)
		}
		return out
	}

	var offer ldOffer
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil
	}
	out := []ldOffer{offer}
	if len(offer.Offers) > 0 {
		out = append(out, decodeOffers(offer.Offers, depth+1)...)
	}
	return out
}

func decodeImages(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil
		}
		var out []string
		for _, item := range items {
			out = append(out, decodeImages(item)...)
		}
		return out
	}

	if s := decodeText(raw, "url", "contentUrl", "@id"); s != "" {
		return []string{s}
	}
	return nil
}
