package models

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

const EmbeddingDimension = 768

var ErrInvalidDimension = errors.New("embedding has wrong dimension")

// ProductRecord is the persisted shape of one scraped product.
type ProductRecord struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Brand       string         `json:"brand"`
	Gender      string         `json:"gender"`
	ProductURL  string         `json:"product_url"`
	Title       string         `json:"title"`
	Description *string        `json:"description,omitempty"`
	Category    *string        `json:"category,omitempty"`
	Price       *float64       `json:"price,omitempty"`
	Currency    *string        `json:"currency,omitempty"`
	ImageURL    string         `json:"image_url"`
	Size        *string        `json:"size,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Embedding   Vector         `json:"embedding,omitempty"`
	SecondHand  bool           `json:"second_hand"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
}

// Validate returns the list of problems that prevent persisting the record.
func (p *ProductRecord) Validate() []string {
	var problems []string

	if p.ID == "" {
		problems = append(problems, "id is required")
	}
	if p.ProductURL == "" {
		problems = append(problems, "product_url is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		problems = append(problems, "title is required")
	}
	if p.ImageURL == "" {
		problems = append(problems, "image_url is required")
	}
	if p.Price != nil && *p.Price < 0 {
		problems = append(problems, "price cannot be negative")
	}
	if p.Embedding != nil && len(p.Embedding) != EmbeddingDimension {
		problems = append(problems, "embedding must have 768 dimensions")
	}

	return problems
}

func (p *ProductRecord) HasEmbedding() bool {
	return len(p.Embedding) > 0
}

// Vector is a dense float32 embedding.
type Vector []float32

// Norm returns the Euclidean length.
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize scales v to unit length in place. A zero vector is left as is.
func (v Vector) Normalize() Vector {
	n := v.Norm()
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}

// Literal renders the pgvector text form "[v1,v2,...]".
func (v Vector) Literal() string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// ParseVector parses the pgvector text form.
func ParseVector(s string) (Vector, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, errors.New("vector literal must be enclosed in brackets")
	}

	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return Vector{}, nil
	}

	parts := strings.Split(body, ",")
	v := make(Vector, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, err
		}
		v[i] = float32(f)
	}
	return v, nil
}

// StringPtr returns nil for blank strings.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
