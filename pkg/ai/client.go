package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

var log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "ai").Logger()

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybranch_ai_requests_total",
			Help: "Total number of requests to the model API.",
		},
		[]string{"model", "status"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storybranch_ai_request_duration_seconds",
			Help:    "Histogram of model API request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	promptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storybranch_ai_prompt_tokens",
			Help:    "Histogram of prompt token counts.",
			Buckets: prometheus.LinearBuckets(250, 250, 20),
		},
		[]string{"model"},
	)
	completionTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storybranch_ai_completion_tokens",
			Help:    "Histogram of completion token counts.",
			Buckets: prometheus.LinearBuckets(250, 250, 20),
		},
		[]string{"model"},
	)
)

// GenerationParams are the per-call sampling settings. Zero values are
// passed through to the API as "use the default".
type GenerationParams struct {
	Temperature float32
	MaxTokens   int
	TopP        float32
}

// Usage reports the token accounting of one call. When the API omits
// usage data the prompt count is estimated with tiktoken.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool
}

// Config holds the settings of the model client.
type Config struct {
	APIKey    string
	BaseURL   string
	ModelName string
	Timeout   time.Duration
}

// Client wraps the chat-completion API of the remote model. It is
// stateless and safe for concurrent use; every call is independent.
type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// New creates a model client. The API key is required.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("model API key is not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.ModelName == "" {
		cfg.ModelName = openai.GPT4o
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Client{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.ModelName,
		timeout: cfg.Timeout,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// GenerateText sends a single system-role instruction and returns the
// text of the first reply choice. One call, one attempt: retry policy
// belongs to the caller, which for story generation means the user
// resubmitting from scratch.
func (c *Client) GenerateText(ctx context.Context, systemPrompt string, params GenerationParams) (string, Usage, error) {
	usage := Usage{}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	log.Debug().
		Str("model", c.model).
		Int("promptBytes", len(systemPrompt)).
		Float32("temperature", params.Temperature).
		Int("maxTokens", params.MaxTokens).
		Msg("sending model request")

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
		},
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		TopP:        params.TopP,
	})

	duration := time.Since(start)

	if err != nil {
		requestsTotal.With(prometheus.Labels{"model": c.model, "status": "error"}).Inc()
		log.Error().Err(err).Dur("duration", duration).Msg("model API call failed")
		return "", usage, fmt.Errorf("model API call failed: %w", err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		requestsTotal.With(prometheus.Labels{"model": c.model, "status": "error_empty_response"}).Inc()
		log.Warn().Dur("duration", duration).Msg("model API returned an empty reply")
		return "", usage, ErrEmptyResponse
	}

	requestsTotal.With(prometheus.Labels{"model": c.model, "status": "success"}).Inc()
	requestDuration.With(prometheus.Labels{"model": c.model}).Observe(duration.Seconds())

	text := resp.Choices[0].Message.Content
	usage = c.usageFrom(resp.Usage, systemPrompt, text)
	promptTokens.With(prometheus.Labels{"model": c.model}).Observe(float64(usage.PromptTokens))
	completionTokens.With(prometheus.Labels{"model": c.model}).Observe(float64(usage.CompletionTokens))

	log.Info().
		Str("model", c.model).
		Dur("duration", duration).
		Int("replyBytes", len(text)).
		Int("totalTokens", usage.TotalTokens).
		Bool("tokensEstimated", usage.Estimated).
		Msg("model reply received")

	return text, usage, nil
}

// usageFrom prefers the API-reported usage and falls back to a tiktoken
// estimate when the provider omits it.
func (c *Client) usageFrom(reported openai.Usage, prompt, reply string) Usage {
	if reported.TotalTokens > 0 {
		return Usage{
			PromptTokens:     reported.PromptTokens,
			CompletionTokens: reported.CompletionTokens,
			TotalTokens:      reported.TotalTokens,
		}
	}

	tke, err := tiktoken.EncodingForModel(c.model)
	if err != nil {
		log.Warn().Err(err).Str("model", c.model).Msg("no tokenizer for model, skipping token estimate")
		return Usage{Estimated: true}
	}

	pt := len(tke.Encode(prompt, nil, nil))
	ct := len(tke.Encode(reply, nil, nil))
	return Usage{
		PromptTokens:     pt,
		CompletionTokens: ct,
		TotalTokens:      pt + ct,
		Estimated:        true,
	}
}
