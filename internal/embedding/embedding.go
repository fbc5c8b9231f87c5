// Package embedding computes fixed-size visual vectors for product images.
package embedding

import (
	"context"
	"fmt"

	"github.com/maltedev/stories-scraper/internal/models"
)

const DefaultModel = "google/siglip-base-patch16-384"

// Embedder maps encoded image bytes to a unit-norm vector of
// models.EmbeddingDimension values. Implementations are deterministic.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
	Model() string
}

type EmbeddingError struct {
	Model string
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed (%s): %v", e.Model, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// finalize checks the dimension and scales v to unit length.
func finalize(model string, v []float32) ([]float32, error) {
	if len(v) != models.EmbeddingDimension {
		return nil, &EmbeddingError{
			Model: model,
			Err:   fmt.Errorf("%w: got %d, want %d", models.ErrInvalidDimension, len(v), models.EmbeddingDimension),
		}
	}

	vec := models.Vector(v)
	if vec.Norm() == 0 {
		return nil, &EmbeddingError{Model: model, Err: fmt.Errorf("zero vector")}
	}
	return vec.Normalize(), nil
}
