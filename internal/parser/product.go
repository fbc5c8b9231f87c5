package parser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extraction is the typed result of parsing one product page. Optional fields
// are nil when neither structured data nor the selector map resolved them.
type Extraction struct {
	URL         string
	Title       string
	Description *string
	Price       *float64
	Currency    *string
	ImageURL    string
	Category    *string
	Brand       *string
	SKU         *string
	Color       *string
	Condition   *string
	Rating      *float64
	ReviewCount *int
	Sizes       []string

	Structured bool
}

// ExtractionError reports a product page that lacks required fields.
type ExtractionError struct {
	URL           string
	MissingFields []string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for %s: missing %s", e.URL, strings.Join(e.MissingFields, ", "))
}

var excludedSizeLabels = map[string]bool{
	"size":        true,
	"select size": true,
	"choose size": true,
}

func (p *Parser) ParseProductPage(html, pageURL string) (*Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	ext := &Extraction{URL: pageURL}

	if prod, ok := findStructuredProduct(doc); ok {
		ext.applyStructured(prod)
		ext.Structured = true
	}
	p.applyFallbacks(doc, ext)

	if ext.ImageURL != "" {
		ext.ImageURL = p.resolve(pageURL, ext.ImageURL)
	}

	var missing []string
	if ext.Title == "" {
		missing = append(missing, "title")
	}
	if ext.ImageURL == "" {
		missing = append(missing, "image_url")
	}
	if len(missing) > 0 {
		return nil, &ExtractionError{URL: pageURL, MissingFields: missing}
	}

	return ext, nil
}

func (e *Extraction) applyStructured(prod *ldProduct) {
	e.Title = collapseSpace(string(prod.Name))
	e.Description = optional(stripHTML(string(prod.Description)))

	if cat := string(prod.Category); cat != "" {
		first, _, _ := strings.Cut(cat, ">")
		e.Category = optional(first)
	}
	e.Brand = optional(string(prod.Brand))
	e.SKU = optional(string(prod.SKU))
	e.Color = optional(string(prod.Color))
	e.Condition = optional(conditionLabel(string(prod.ItemCondition)))

	if images := decodeImages(prod.Image); len(images) > 0 {
		e.ImageURL = images[0]
	}

	offers := decodeOffers(prod.Offers, 0)
	for _, offer := range offers {
		price := offer.Price
		if !price.Valid {
			price = offer.LowPrice
		}
		if e.Price == nil && price.Valid {
			v := price.Value
			e.Price = &v
		}
		if e.Currency == nil {
			if code, ok := NormalizeCurrency(string(offer.PriceCurrency)); ok {
				e.Currency = &code
			}
		}
		if e.SKU == nil {
			e.SKU = optional(string(offer.SKU))
		}
		e.addSize(string(offer.Size))
	}
	e.addSize(string(prod.Size))

	if r, ok := prod.rating(); ok {
		v := r.RatingValue.Value
		e.Rating = &v

		count := r.ReviewCount
		if !count.Valid {
			count = r.RatingCount
		}
		if count.Valid {
			n := int(count.Value)
			e.ReviewCount = &n
		}
	}
}

func (p *Parser) applyFallbacks(doc *goquery.Document, e *Extraction) {
	sel := p.selectors

	if e.Title == "" {
		e.Title = firstValue(doc, sel.Title)
	}
	if e.Description == nil {
		e.Description = optional(stripHTML(firstValue(doc, sel.Description)))
	}
	if e.ImageURL == "" {
		e.ImageURL = firstValue(doc, sel.Image)
	}
	if e.Category == nil {
		e.Category = optional(firstValue(doc, sel.Category))
	}
	if e.Color == nil {
		e.Color = optional(firstValue(doc, sel.Color))
	}

	if e.Currency == nil {
		if code, ok := NormalizeCurrency(firstValue(doc, sel.Currency)); ok {
			e.Currency = &code
		}
	}

	if e.Price == nil {
		for _, s := range sel.Price {
			text := firstValue(doc, []string{s})
			if text == "" {
				continue
			}
			amount, code, ok := ParsePrice(text)
			if !ok {
				continue
			}
			e.Price = &amount
			if e.Currency == nil && code != "" {
				e.Currency = &code
			}
			break
		}
	}

	if len(e.Sizes) == 0 {
		for _, s := range sel.Sizes {
			doc.Find(s).Each(func(_ int, el *goquery.Selection) {
				label := el.AttrOr("data-size", "")
				if label == "" {
					label = el.Text()
				}
				e.addSize(label)
			})
			if len(e.Sizes) > 0 {
				break
			}
		}
	}
}

func (e *Extraction) addSize(label string) {
	label = collapseSpace(label)
	if label == "" || excludedSizeLabels[strings.ToLower(label)] {
		return
	}
	for _, s := range e.Sizes {
		if s == label {
			return
		}
	}
	e.Sizes = append(e.Sizes, label)
}

// conditionLabel shortens schema.org condition URLs such as
// "https://schema.org/NewCondition" to "NewCondition".
func conditionLabel(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
