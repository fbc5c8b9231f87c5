package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductRecord_Validate(t *testing.T) {
	price := 49.0
	negative := -1.0

	valid := func() *ProductRecord {
		return &ProductRecord{
			ID:         "otherstories_1234567",
			ProductURL: "https://www.stories.com/en-eu/product/knit-1234567",
			Title:      "Knit",
			ImageURL:   "https://media.stories.com/a.jpg",
			Price:      &price,
		}
	}

	tests := []struct {
		name     string
		mutate   func(p *ProductRecord)
		problems int
	}{
		{"valid", func(p *ProductRecord) {}, 0},
		{"missing title", func(p *ProductRecord) { p.Title = "  " }, 1},
		{"missing image and id", func(p *ProductRecord) { p.ImageURL = ""; p.ID = "" }, 2},
		{"negative price", func(p *ProductRecord) { p.Price = &negative }, 1},
		{"short embedding", func(p *ProductRecord) { p.Embedding = Vector{1, 2} }, 1},
		{"full embedding", func(p *ProductRecord) { p.Embedding = make(Vector, EmbeddingDimension) }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			assert.Len(t, p.Validate(), tt.problems)
		})
	}
}

func TestVector_Normalize(t *testing.T) {
	v := Vector{3, 4}
	v.Normalize()

	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.InDelta(t, 1.0, v.Norm(), 1e-6)

	zero := Vector{0, 0}
	zero.Normalize()
	assert.Equal(t, Vector{0, 0}, zero)
}

func TestVector_LiteralRoundTrip(t *testing.T) {
	v := Vector{0.5, -0.25, 1}
	assert.Equal(t, "[0.5,-0.25,1]", v.Literal())

	parsed, err := ParseVector(v.Literal())
	require.NoError(t, err)
	assert.Equal(t, v, parsed)

	_, err = ParseVector("0.5,1")
	assert.Error(t, err)

	empty, err := ParseVector("[]")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestVector_NormNaNFree(t *testing.T) {
	v := make(Vector, EmbeddingDimension)
	for i := range v {
		v[i] = 1
	}
	v.Normalize()
	assert.False(t, math.IsNaN(v.Norm()))
	assert.InDelta(t, 1.0, v.Norm(), 1e-4)
}

func TestStringPtr(t *testing.T) {
	assert.Nil(t, StringPtr("   "))
	require.NotNil(t, StringPtr(" x "))
	assert.Equal(t, "x", *StringPtr(" x "))
	assert.Equal(t, "", Deref(nil))
}
