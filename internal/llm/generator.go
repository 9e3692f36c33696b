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

// Package llm generates repair suggestions and example utterances through a
// chat completion model. All model output is treated as untrusted text:
// responses are parsed strictly and rejected when they do not match the
// requested JSON shape.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
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
	// maxProfileUtterances caps how many utterances per route go into the
	// repair prompt
	maxProfileUtterances = 10
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

// RouteProfile is the slice of a route the repair prompt needs
type RouteProfile struct {
	Name        string
	Description string
	Utterances  []string
}

// Conflict is one confusable utterance pair included in the repair prompt
type Conflict struct {
	SourceUtterance string
	TargetUtterance string
	Similarity      float64
}

// RepairRequest describes an overlapping route pair. Source is the route
// being repaired.
type RepairRequest struct {
	Source    RouteProfile
	Target    RouteProfile
	Conflicts []Conflict
}

// RepairSuggestion is the model's proposed rewrite of the source route
type RepairSuggestion struct {
	NewUtterances         []string `json:"new_utterances"`
	NegativeSamples       []string `json:"negative_samples"`
	ConflictingUtterances []string `json:"conflicting_utterances"`
	Rationalization       string   `json:"rationalization"`
}

// Options configures the chat completion client
type Options struct {
	APIKey      string
	Endpoint    string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Generator produces repair suggestions and synthetic utterances
type Generator struct {
	client      *openai.Client
	logger      *zap.Logger
	model       string
	temperature float32
	timeout     time.Duration
}

// NewGenerator creates a new LLM generator
func NewGenerator(opts Options, logger *zap.Logger) (*Generator, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: LLM API key is required", resilience.ErrConfiguration)
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("%w: LLM model is required", resilience.ErrConfiguration)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = resilience.DefaultTimeout
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.Endpoint != "" {
		cfg.BaseURL = opts.Endpoint
	}

	g := &Generator{
		client:      openai.NewClientWithConfig(cfg),
		logger:      logger,
		model:       opts.Model,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
	}

	logger.Info("LLM generator initialized",
		zap.String("model", opts.Model),
		zap.Float32("temperature", opts.Temperature))

	return g, nil
}

// GenerateRepair asks the model to disambiguate the source route from the
// target route. A response that cannot be parsed into a RepairSuggestion is
// a generation failure, never a silent fallback.
func (g *Generator) GenerateRepair(ctx context.Context, req RepairRequest) (RepairSuggestion, error) {
	prompt := buildRepairPrompt(req)

	content, err := g.complete(ctx, repairSystemPrompt, prompt)
	if err != nil {
		g.logger.Error("Repair generation failed",
			zap.Error(err),
			zap.String("source_route", req.Source.Name),
			zap.String("target_route", req.Target.Name))
		return RepairSuggestion{}, fmt.Errorf("%w: %v", resilience.ErrRepairGeneration, err)
	}

	var suggestion RepairSuggestion
	if err := json.Unmarshal([]byte(stripCodeFences(content)), &suggestion); err != nil {
		g.logger.Error("Repair response was not valid JSON",
			zap.Error(err),
			zap.String("source_route", req.Source.Name))
		return RepairSuggestion{}, fmt.Errorf("%w: malformed model response: %v", resilience.ErrRepairGeneration, err)
	}
	if len(suggestion.NewUtterances) == 0 {
		return RepairSuggestion{}, fmt.Errorf("%w: model proposed no replacement utterances", resilience.ErrRepairGeneration)
	}

	return suggestion, nil
}

// GenerateUtterances asks the model for count new example utterances for a
// route, excluding any that duplicate the provided references.
func (g *Generator) GenerateUtterances(ctx context.Context, name, description string, count int, references []string) ([]string, error) {
	if count <= 0 {
		return nil, resilience.NewBadRequestError("utterance count must be positive", nil)
	}

	prompt := buildUtterancePrompt(name, description, count, references)

	content, err := g.complete(ctx, utteranceSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", resilience.ErrRepairGeneration, err)
	}

	var generated []string
	if err := json.Unmarshal([]byte(stripCodeFences(content)), &generated); err != nil {
		return nil, fmt.Errorf("%w: malformed model response: %v", resilience.ErrRepairGeneration, err)
	}

	seen := make(map[string]struct{}, len(references))
	for _, r := range references {
		seen[strings.TrimSpace(r)] = struct{}{}
	}

	out := make([]string, 0, count)
	for _, u := range generated {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
		if len(out) == count {
			break
		}
	}

	return out, nil
}

const repairSystemPrompt = `You refine intent routing configurations. Routes match user utterances by semantic similarity, so two routes with similar example utterances get confused with each other. You rewrite one route's examples to separate it from another route. Respond with JSON only, no prose.`

const utteranceSystemPrompt = `You write example utterances for intent routes. Respond with a JSON array of strings only, no prose.`

func buildRepairPrompt(req RepairRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Route to repair: %q\n", req.Source.Name)
	if req.Source.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", req.Source.Description)
	}
	b.WriteString("Current example utterances:\n")
	for _, u := range truncate(req.Source.Utterances, maxProfileUtterances) {
		fmt.Fprintf(&b, "- %s\n", u)
	}

	fmt.Fprintf(&b, "\nOverlapping route: %q\n", req.Target.Name)
	if req.Target.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", req.Target.Description)
	}

	if len(req.Conflicts) > 0 {
		b.WriteString("\nConfusable utterance pairs (similarity in parentheses):\n")
		for _, c := range req.Conflicts {
			fmt.Fprintf(&b, "- %q vs %q (%.3f)\n", c.SourceUtterance, c.TargetUtterance, c.Similarity)
		}
	}

	b.WriteString(`
Rewrite the repaired route's example utterances so it stays true to its own
description but no longer collides with the overlapping route. Keep utterances
that are already unambiguous. Respond with a JSON object:
{
  "new_utterances": ["full replacement utterance list for the repaired route"],
  "negative_samples": ["utterances the repaired route must NOT match"],
  "conflicting_utterances": ["original utterances you removed or rewrote"],
  "rationalization": "one short paragraph explaining the changes"
}`)

	return b.String()
}

func buildUtterancePrompt(name, description string, count int, references []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Write %d new example utterances for the intent route %q.\n", count, name)
	if description != "" {
		fmt.Fprintf(&b, "Route description: %s\n", description)
	}
	if len(references) > 0 {
		b.WriteString("Existing examples, for style and scope (do not repeat them):\n")
		for _, r := range truncate(references, maxProfileUtterances) {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	b.WriteString("Respond with a JSON array of strings.")

	return b.String()
}

func truncate(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	return items[:max]
}

// stripCodeFences removes a surrounding markdown code fence if the model
// wrapped its JSON in one
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// complete runs one chat completion with retry on transient failures
func (g *Generator) complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	delay := BaseRetryDelay

	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			g.logger.Warn("Retrying chat completion",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", MaxRetries),
				zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		content, err := g.completeOnce(ctx, system, user)
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

			return "", err
		}

		return content, nil
	}

	return "", fmt.Errorf("exhausted all retry attempts: %w", lastErr)
}

func (g *Generator) completeOnce(ctx context.Context, system, user string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(reqCtx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", g.handleAPIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}

	return resp.Choices[0].Message.Content, nil
}

// handleAPIError classifies provider errors as retryable or terminal
func (g *Generator) handleAPIError(err error) error {
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
			return fmt.Errorf("chat API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
	}

	return fmt.Errorf("chat client error: %w", err)
}
