package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"arxivdigest/internal/config"
	"arxivdigest/internal/domain"
	"arxivdigest/internal/ports"
)

// Client submits structured prompts to an OpenAI-compatible completion
// endpoint. Concurrency is gated by its own permit pool, independent of the
// crawler's: the two services have different rate characteristics.
type Client struct {
	api        *openai.Client
	model      string
	sem        *semaphore.Weighted
	maxRetries int
	retryDelay time.Duration
	pricing    config.PricingConfig
	log        *slog.Logger
}

var _ ports.Oracle = (*Client)(nil)

// NewClient builds a client from configuration.
func NewClient(cfg config.LLMConfig, log *slog.Logger) *Client {
	apiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiConfig.BaseURL = cfg.BaseURL
	}
	apiConfig.HTTPClient = &http.Client{Timeout: cfg.LLMTimeout()}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	return &Client{
		api:        openai.NewClientWithConfig(apiConfig),
		model:      cfg.Model,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		maxRetries: maxRetries,
		retryDelay: cfg.RetryDelay(),
		pricing:    cfg.Pricing,
		log:        log,
	}
}

// Complete submits one prompt and returns the raw structured response plus
// usage accounting and its cost estimate. Transient failures retry with a
// fixed delay; a response that is not valid JSON is a schema failure.
func (c *Client) Complete(ctx context.Context, messages []domain.Message, shape ports.Shape, temperature float32) (ports.Completion, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return ports.Completion{}, fmt.Errorf("acquire permit: %w", err)
	}
	defer c.sem.Release(1)

	// The request struct tags Temperature omitempty, so a plain 0 never
	// reaches the provider and its default applies instead. Send the
	// smallest representable value to keep greedy sampling on the wire.
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toAPIMessages(messages),
		Temperature: temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   shape.Name,
				Schema: shape.Schema,
			},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, err := c.api.CreateChatCompletion(ctx, request)
		if err != nil {
			lastErr = err
			if !retryable(err) {
				return ports.Completion{}, fmt.Errorf("completion request: %w", err)
			}
			c.log.Warn("completion failed",
				"shape", shape.Name, "attempt", attempt, "max_retries", c.maxRetries, "error", err)
			if attempt < c.maxRetries {
				select {
				case <-time.After(c.retryDelay):
				case <-ctx.Done():
					return ports.Completion{}, ctx.Err()
				}
			}
			continue
		}

		if len(resp.Choices) == 0 {
			return ports.Completion{}, errors.New("completion returned no choices")
		}

		content := resp.Choices[0].Message.Content
		if !json.Valid([]byte(content)) {
			return ports.Completion{}, fmt.Errorf("malformed structured response for shape %s", shape.Name)
		}

		usage := domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		return ports.Completion{
			Raw:   json.RawMessage(content),
			Usage: usage,
			Cost:  c.estimateCost(usage),
		}, nil
	}

	return ports.Completion{}, fmt.Errorf("completion exhausted %d attempts: %w", c.maxRetries, lastErr)
}

// CompleteBatch runs all prompts concurrently under the permit pool. The
// result slice is index-aligned with the input; a failed item carries its
// error without disturbing siblings.
func (c *Client) CompleteBatch(ctx context.Context, batches [][]domain.Message, shape ports.Shape, temperature float32) []ports.BatchItem {
	items := make([]ports.BatchItem, len(batches))
	var wg sync.WaitGroup

	for i, messages := range batches {
		wg.Add(1)
		go func(i int, messages []domain.Message) {
			defer wg.Done()
			completion, err := c.Complete(ctx, messages, shape, temperature)
			if err != nil {
				c.log.Error("batch item failed", "shape", shape.Name, "index", i, "error", err)
				items[i] = ports.BatchItem{Err: err}
				return
			}
			items[i] = ports.BatchItem{Completion: completion}
		}(i, messages)
	}
	wg.Wait()

	return items
}

// estimateCost converts token usage into a currency estimate via the
// configured per-million-token rate table.
func (c *Client) estimateCost(usage domain.Usage) domain.Cost {
	amount := float64(usage.PromptTokens)/1_000_000*c.pricing.InputPerMillion +
		float64(usage.CompletionTokens)/1_000_000*c.pricing.OutputPerMillion
	return domain.Cost{Amount: amount, Currency: c.pricing.Currency}
}

// retryable reports whether an API error is transient. Rate limits and
// server-side failures retry; schema and auth errors do not.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	// Transport-level errors (timeouts, connection resets).
	return true
}

func toAPIMessages(messages []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
