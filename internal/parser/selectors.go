package parser

// Selectors is the DOM fallback map. Each list is tried in order and the
// first non-empty value wins.
type Selectors struct {
	ProductLinks []string `yaml:"product_links"`
	NextPage     []string `yaml:"next_page"`
	PageLinks    []string `yaml:"page_links"`
	Title        []string `yaml:"title"`
	Description  []string `yaml:"description"`
	Price        []string `yaml:"price"`
	Currency     []string `yaml:"currency"`
	Image        []string `yaml:"image"`
	Sizes        []string `yaml:"sizes"`
	Category     []string `yaml:"category"`
	Color        []string `yaml:"color"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		ProductLinks: []string{
			`a[href*="/product/"]`,
			`[data-product-url]`,
			`.product-link`,
		},
		NextPage: []string{
			`[data-testid="pagination-next"]`,
			`a[rel="next"]`,
			`link[rel="next"]`,
			`.pagination-next`,
		},
		PageLinks: []string{
			`a[href*="page="]`,
		},
		Title: []string{
			`meta[property="og:title"]`,
			`[data-testid="product-title"]`,
			`h1`,
			`title`,
		},
		Description: []string{
			`meta[property="og:description"]`,
			`[data-testid="product-description"]`,
			`.product-description`,
			`meta[name="description"]`,
		},
		Price: []string{
			`meta[property="product:price:amount"]`,
			`meta[itemprop="price"]`,
			`[data-testid="product-price"]`,
			`.product-price`,
			`.price`,
		},
		Currency: []string{
			`meta[property="product:price:currency"]`,
			`meta[itemprop="priceCurrency"]`,
		},
		Image: []string{
			`meta[property="og:image"]`,
			`meta[name="twitter:image"]`,
			`meta[itemprop="image"]`,
			`link[rel="image_src"]`,
			`[data-testid="product-image"] img`,
			`.product-image img`,
			`.product-gallery img`,
			`[data-product-image] img`,
			`picture img`,
			`picture source[srcset]`,
		},
		Sizes: []string{
			`[data-size]`,
			`.size-selector button`,
			`.product-size option`,
			`button[aria-label*="size"]`,
		},
		Category: []string{
			`meta[property="product:category"]`,
			`[data-testid="breadcrumbs"] li:nth-child(2)`,
			`.breadcrumbs li:nth-child(2)`,
		},
		Color: []string{
			`meta[property="product:color"]`,
			`[data-testid="product-color"]`,
			`.product-color`,
		},
	}
}

// WithDefaults fills every empty list from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(dst *[]string, src []string) {
		if len(*dst) == 0 {
			*dst = src
		}
	}

	fill(&s.ProductLinks, d.ProductLinks)
	fill(&s.NextPage, d.NextPage)
	fill(&s.PageLinks, d.PageLinks)
	fill(&s.Title, d.Title)
	fill(&s.Description, d.Description)
	fill(&s.Price, d.Price)
	fill(&s.Currency, d.Currency)
	fill(&s.Image, d.Image)
	fill(&s.Sizes, d.Sizes)
	fill(&s.Category, d.Category)
	fill(&s.Color, d.Color)
	return s
}
