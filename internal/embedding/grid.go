package embedding

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

const (
	gridSize  = 16
	gridModel = "grid-rgb-16x16"
	maxPixels = 50_000_000
)

// GridEmbedder is a local embedder: the image is converted to RGB and
// average-pooled over a 16x16 grid, giving 16*16*3 = 768 values. Means are
// shifted by -0.5 before normalization.
type GridEmbedder struct{}

func NewGridEmbedder() *GridEmbedder {
	return &GridEmbedder{}
}

func (g *GridEmbedder) Model() string { return gridModel }

func (g *GridEmbedder) Embed(ctx context.Context, data []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &EmbeddingError{Model: gridModel, Err: fmt.Errorf("empty image")}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &EmbeddingError{Model: gridModel, Err: fmt.Errorf("failed to decode image config: %w", err)}
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, &EmbeddingError{Model: gridModel, Err: fmt.Errorf("image too large: %dx%d", cfg.Width, cfg.Height)}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &EmbeddingError{Model: gridModel, Err: fmt.Errorf("failed to decode image: %w", err)}
	}

	return finalize(gridModel, pool(img))
}

// pool returns the per-cell RGB means in [-0.5, 0.5], laid out channel-major.
func pool(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cells := gridSize * gridSize
	out := make([]float32, cells*3)

	for gy := 0; gy < gridSize; gy++ {
		y0, y1 := span(b.Min.Y, h, gy)
		for gx := 0; gx < gridSize; gx++ {
			x0, x1 := span(b.Min.X, w, gx)

			var r, g, bl float64
			var n float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					cr, cg, cb, _ := img.At(x, y).RGBA()
					r += float64(cr)
					g += float64(cg)
					bl += float64(cb)
					n++
				}
			}
			if n == 0 {
				continue
			}

			idx := gy*gridSize + gx
			out[idx] = float32(r/n/0xffff - 0.5)
			out[cells+idx] = float32(g/n/0xffff - 0.5)
			out[2*cells+idx] = float32(bl/n/0xffff - 0.5)
		}
	}

	if isZero(out) {
		v := float32(1 / math.Sqrt(float64(len(out))))
		for i := range out {
			out[i] = v
		}
	}
	return out
}

// span returns the pixel range of grid cell i along an axis of the given
// length. Cells always cover at least one pixel.
func span(origin, length, i int) (int, int) {
	if length <= 0 {
		return origin, origin
	}
	start := origin + i*length/gridSize
	end := origin + (i+1)*length/gridSize
	if end <= start {
		end = start + 1
	}
	if end > origin+length {
		end = origin + length
		if start >= end {
			start = end - 1
		}
	}
	return start, end
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
