// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package semantic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// EmbeddingClient turns text into a dense vector.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SynthesisClient produces a grounded natural-language answer from a
// question and the retrieved passages.
type SynthesisClient interface {
	Synthesize(ctx context.Context, question string, passages []string) (string, error)
}

const maxResponseBytes = 4 << 20

// HTTPEmbeddingClient calls an external embedding endpoint. Failures
// wrap ErrExternalServiceUnavailable and a circuit breaker sheds calls
// while the endpoint is down.
type HTTPEmbeddingClient struct {
	endpoint   string
	dimensions int
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker[[]float32]
}

// NewHTTPEmbeddingClient builds a client from the embedding config.
func NewHTTPEmbeddingClient(cfg config.EmbeddingConfig) *HTTPEmbeddingClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name: "embedding-client",
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Embedding breaker state changed")
		},
	}
	return &HTTPEmbeddingClient{
		endpoint:   cfg.Endpoint,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: timeout},
		breaker:    gobreaker.NewCircuitBreaker[[]float32](settings),
	}
}

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests a vector for the given text.
func (c *HTTPEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.breaker.Execute(func() ([]float32, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding: %v", models.ErrExternalServiceUnavailable, err)
	}
	return vec, nil
}

func (c *HTTPEmbeddingClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: text})
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, c.endpoint, body)
	if err != nil {
		return nil, err
	}

	var out embedResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding response is empty")
	}
	if c.dimensions > 0 && len(out.Embedding) != c.dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(out.Embedding), c.dimensions)
	}
	return out.Embedding, nil
}

func (c *HTTPEmbeddingClient) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return data, nil
}

// HTTPSynthesisClient calls an external synthesis endpoint. The answer
// is grounded only in the passages sent with the question.
type HTTPSynthesisClient struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[string]
}

// NewHTTPSynthesisClient builds a client from the search config.
func NewHTTPSynthesisClient(cfg config.SearchConfig) *HTTPSynthesisClient {
	timeout := cfg.SynthesisTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	settings := gobreaker.Settings{
		Name: "synthesis-client",
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Synthesis breaker state changed")
		},
	}
	return &HTTPSynthesisClient{
		endpoint: cfg.SynthesisEndpoint,
		client:   &http.Client{Timeout: timeout},
		breaker:  gobreaker.NewCircuitBreaker[string](settings),
	}
}

type synthesisRequest struct {
	Question string   `json:"question"`
	Passages []string `json:"passages"`
}

type synthesisResponse struct {
	Answer string `json:"answer"`
}

// Synthesize asks for an answer grounded in the passages.
func (c *HTTPSynthesisClient) Synthesize(ctx context.Context, question string, passages []string) (string, error) {
	answer, err := c.breaker.Execute(func() (string, error) {
		return c.synthesize(ctx, question, passages)
	})
	if err != nil {
		return "", fmt.Errorf("%w: synthesis: %v", models.ErrExternalServiceUnavailable, err)
	}
	return answer, nil
}

func (c *HTTPSynthesisClient) synthesize(ctx context.Context, question string, passages []string) (string, error) {
	body, err := json.Marshal(synthesisRequest{Question: question, Passages: passages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	var out synthesisResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode synthesis response: %w", err)
	}
	return out.Answer, nil
}
