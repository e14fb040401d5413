// Package embed provides the query-embedding capability the retriever
// treats as externalized (spec-equivalent "Embed(text) -> vec<D>").
package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"time"

	"sentryrag/pkg/httpx"
)

// HTTPEmbedder calls an external embedding service over HTTP.
type HTTPEmbedder struct {
	Client     *http.Client
	URL        string
	Retries    int
	RetryDelay time.Duration
}

func NewHTTPEmbedder(client *http.Client, url string) *HTTPEmbedder {
	return &HTTPEmbedder{Client: client, URL: url, Retries: 1, RetryDelay: 100 * time.Millisecond}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}
	status, respBody, err := httpx.RequestJSON(ctx, e.Client, http.MethodPost, e.URL, body, nil, e.Retries, e.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("embed: request: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("embed: unexpected status %d", status)
	}
	var resp embedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("embed: empty embedding in response")
	}
	return resp.Embedding, nil
}

// DeterministicEmbedder produces a stable pseudo-embedding from a text hash.
// It is used when no embedding service URL is configured (local/dev/test),
// never in place of a configured HTTPEmbedder.
type DeterministicEmbedder struct {
	Dim int
}

func NewDeterministicEmbedder(dim int) *DeterministicEmbedder {
	if dim <= 0 {
		dim = 16
	}
	return &DeterministicEmbedder{Dim: dim}
}

func (e *DeterministicEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	vec := make([]float64, e.Dim)
	h := fnv.New64a()
	for i := range vec {
		h.Reset()
		_, _ = h.Write([]byte(text))
		_, _ = h.Write([]byte{byte(i)})
		sum := h.Sum64()
		vec[i] = (float64(sum%10000) / 10000.0) - 0.5
	}
	normalize(vec)
	return vec, nil
}

func normalize(vec []float64) {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] /= norm
	}
}
