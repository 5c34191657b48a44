package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Completion is a single generated response with its metered usage.
type Completion struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
}

// Tokens is the total charged for the call.
func (c Completion) Tokens() int64 { return c.PromptTokens + c.CompletionTokens }

// Completer produces text for a prompt with a bounded output length.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (Completion, error)
}

// Pricing is expressed per thousand tokens.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost prices the given token counts.
func (p Pricing) Cost(promptTokens, completionTokens int64) float64 {
	return float64(promptTokens)/1000*p.InputPer1K + float64(completionTokens)/1000*p.OutputPer1K
}

// Options configures an OpenAI-compatible client.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	Backoff     time.Duration
	Pricing     Pricing
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client  *openai.Client
	opts    Options
	backoff time.Duration
}

func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if opts.Model == "" {
		return nil, errors.New("llm model is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	backoff := opts.Backoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), opts: opts, backoff: backoff}, nil
}

func (o *OpenAI) Complete(ctx context.Context, prompt string, maxTokens int) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: o.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxCompletionTokens: maxTokens,
		Temperature:         float32(o.opts.Temperature),
	}

	var lastErr error
	tries := o.opts.MaxRetries + 1
	for attempt := 0; attempt < tries; attempt++ {
		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return Completion{}, errors.New("completion returned no choices")
			}
			c := Completion{
				Text:             resp.Choices[0].Message.Content,
				PromptTokens:     int64(resp.Usage.PromptTokens),
				CompletionTokens: int64(resp.Usage.CompletionTokens),
			}
			c.CostUSD = o.opts.Pricing.Cost(c.PromptTokens, c.CompletionTokens)
			return c, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		if attempt < tries-1 {
			select {
			case <-time.After(o.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return Completion{}, ctx.Err()
			}
		}
	}
	return Completion{}, fmt.Errorf("chat completion: %w", lastErr)
}

// retryable treats rate limiting and server errors as transient.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
