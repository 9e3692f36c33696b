// Copyright 2025 Intent Hub Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/resilience"
)

const (
	// MaxRetries defines the maximum number of retry attempts
	MaxRetries = 3
	// BaseRetryDelay defines the base delay for exponential backoff
	BaseRetryDelay = time.Second
)

// RetryableError represents a provider error that can be retried
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, e.Message)
}

// Options configures the OpenAI embedding client
type Options struct {
	APIKey     string
	Endpoint   string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
}

// OpenAIClient wraps the go-openai embeddings API behind the Provider
// interface, with batching and retry on transient failures.
type OpenAIClient struct {
	client     *openai.Client
	logger     *zap.Logger
	model      string
	dimensions int
	batchSize  int
	timeout    time.Duration
}

var _ Provider = (*OpenAIClient)(nil)

// NewOpenAIClient creates a new embedding client
func NewOpenAIClient(opts Options, logger *zap.Logger) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: embedding API key is required", resilience.ErrConfiguration)
	}
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: embedding dimensions must be positive", resilience.ErrConfiguration)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = resilience.DefaultTimeout
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.Endpoint != "" {
		cfg.BaseURL = opts.Endpoint
	}

	c := &OpenAIClient{
		client:     openai.NewClientWithConfig(cfg),
		logger:     logger,
		model:      opts.Model,
		dimensions: opts.Dimensions,
		batchSize:  opts.BatchSize,
		timeout:    opts.Timeout,
	}

	logger.Info("Embedding client initialized",
		zap.String("model", opts.Model),
		zap.Int("dimensions", opts.Dimensions),
		zap.Int("batch_size", opts.BatchSize))

	return c, nil
}

// Dimensions returns the vector size produced by the configured model
func (c *OpenAIClient) Dimensions() int {
	return c.dimensions
}

// ModelName returns the configured model identifier
func (c *OpenAIClient) ModelName() string {
	return c.model
}

// Embed generates embeddings for a batch of texts. Inputs are split into
// provider-sized batches; output order matches input order.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	start := time.Now()
	out := make([][]float32, 0, len(texts))

	for begin := 0; begin < len(texts); begin += c.batchSize {
		end := begin + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := c.embedBatchWithRetry(ctx, texts[begin:end])
		if err != nil {
			c.logger.Error("Failed to create embeddings",
				zap.Error(err),
				zap.Int("batch_start", begin),
				zap.Int("text_count", len(texts)))
			return nil, fmt.Errorf("%w: %v", resilience.ErrEmbedding, err)
		}
		out = append(out, batch...)
	}

	c.logger.Debug("Batch embedding generation completed",
		zap.Int("text_count", len(texts)),
		zap.Duration("processing_time", time.Since(start)))

	return out, nil
}

// EmbedQuery generates an embedding for a single query text
func (c *OpenAIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, resilience.NewBadRequestError("query text cannot be empty", nil)
	}

	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned for query", resilience.ErrEmbedding)
	}
	return vectors[0], nil
}

// embedBatchWithRetry embeds one provider batch with exponential backoff
func (c *OpenAIClient) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := BaseRetryDelay

	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying embedding request",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", MaxRetries),
				zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		vectors, err := c.embedBatch(ctx, texts)
		if err != nil {
			lastErr = err

			if retryErr, ok := err.(*RetryableError); ok {
				if retryErr.RetryAfter > 0 {
					delay = retryErr.RetryAfter
				} else {
					delay = BaseRetryDelay * time.Duration(1<<uint(attempt))
				}
				continue
			}

			return nil, err
		}

		return vectors, nil
	}

	return nil, fmt.Errorf("exhausted all retry attempts: %w", lastErr)
}

func (c *OpenAIClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, c.handleAPIError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected response: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) != c.dimensions {
			return nil, fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(d.Embedding), c.dimensions)
		}
		vectors[i] = d.Embedding
	}

	return vectors, nil
}

// handleAPIError classifies provider errors as retryable or terminal
func (c *OpenAIClient) handleAPIError(err error) error {
	if apiErr, ok := err.(*openai.APIError); ok {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("invalid API key or unauthorized access: %w", err)
		case http.StatusTooManyRequests:
			retryAfter := BaseRetryDelay
			return &RetryableError{
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
				RetryAfter: retryAfter,
			}
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return &RetryableError{
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
			}
		default:
			return fmt.Errorf("embedding API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
	}

	return fmt.Errorf("embedding client error: %w", err)
}
