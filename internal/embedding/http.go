package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEmbedder calls an inference service that runs the vision model.
//
// Request:  {"model": "...", "device": "...", "image": "<base64>"}
// Response: {"embedding": [...]} or {"embeddings": [[...]]}
type HTTPEmbedder struct {
	endpoint string
	model    string
	device   string
	client   *http.Client
}

type HTTPOptions struct {
	Endpoint string
	Model    string
	Device   string
	Timeout  time.Duration
}

func NewHTTPEmbedder(opts HTTPOptions) (*HTTPEmbedder, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	return &HTTPEmbedder{
		endpoint: opts.Endpoint,
		model:    opts.Model,
		device:   opts.Device,
		client:   &http.Client{Timeout: opts.Timeout},
	}, nil
}

func (e *HTTPEmbedder) Model() string { return e.model }

type embedRequest struct {
	Model  string `json:"model"`
	Device string `json:"device,omitempty"`
	Image  string `json:"image"`
}

type embedResponse struct {
	Embedding  []float32   `json:"embedding"`
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, &EmbeddingError{Model: e.model, Err: fmt.Errorf("empty image")}
	}

	payload, err := json.Marshal(embedRequest{
		Model:  e.model,
		Device: e.device,
		Image:  base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, &EmbeddingError{Model: e.model, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &EmbeddingError{Model: e.model, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &EmbeddingError{Model: e.model, Err: fmt.Errorf("failed to call embedding service: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &EmbeddingError{Model: e.model, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var out embedResponse
	if err := json.Unmarshal(body, &out); err != nil && resp.StatusCode < 300 {
		return nil, &EmbeddingError{Model: e.model, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &EmbeddingError{Model: e.model, Err: fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, msg)}
	}

	vec := out.Embedding
	if len(vec) == 0 && len(out.Embeddings) > 0 {
		vec = out.Embeddings[0]
	}

	return finalize(e.model, vec)
}
