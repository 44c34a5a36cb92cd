package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/metrics"
	"github.com/chatwiki/backend/internal/prompt"
	"github.com/chatwiki/backend/pkg/circuitbreaker"
	"github.com/chatwiki/backend/pkg/logger"
	"github.com/chatwiki/backend/pkg/retry"
)

// DeltaStream yields generated text deltas until io.EOF.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}

type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	HTTPClient     *http.Client
	Retry          retry.Policy
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.Breaker
	retry          retry.Policy
	logger         *zap.Logger
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	log := logger.Named("llm")

	cb := circuitbreaker.New("llm", circuitbreaker.Settings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		IsFailure:        isUpstreamFailure,
		OnStateChange:    recordBreakerState,
		Logger:           log,
	})

	policy := cfg.Retry
	if policy.Attempts == 0 {
		policy = retry.DefaultPolicy()
	}
	policy.RetryIf = isUpstreamFailure
	policy.Logger = log

	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	log.Info("LLM client initialized",
		zap.String("base_url", oc.BaseURL),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		cb:             cb,
		retry:          policy,
		logger:         log,
	}
}

func (c *Client) Model() string          { return c.model }
func (c *Client) EmbeddingModel() string { return c.embeddingModel }

// StreamCompletion opens a streaming chat completion. Opening is retried;
// the returned stream is not.
func (c *Client) StreamCompletion(ctx context.Context, model string, messages []prompt.Message) (DeltaStream, error) {
	if model == "" {
		model = c.model
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAI(messages),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
	}

	// The deadline covers the whole stream, so it is released by Close.
	streamCtx, cancel := context.WithTimeout(ctx, c.timeout)

	var stream *openai.ChatCompletionStream
	err := c.cb.Execute(streamCtx, func(ctx context.Context) error {
		var err error
		stream, err = retry.DoValue(ctx, c.retry, func(ctx context.Context) (*openai.ChatCompletionStream, error) {
			return c.client.CreateChatCompletionStream(ctx, req)
		})
		return err
	})
	if err != nil {
		cancel()
		metrics.LLMRequests.WithLabelValues("completion", "error").Inc()
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}

	metrics.LLMRequests.WithLabelValues("completion", "ok").Inc()
	c.logger.Debug("completion stream opened", zap.String("model", model), zap.Int("messages", len(messages)))

	return &chatStream{stream: stream, cancel: cancel, model: model}, nil
}

type chatStream struct {
	stream *openai.ChatCompletionStream
	cancel context.CancelFunc
	model  string
	deltas int
	closed bool
}

func (s *chatStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			metrics.LLMTokensUsed.WithLabelValues(s.model, "completion_delta").Add(float64(s.deltas))
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.deltas++
		return delta, nil
	}
}

func (s *chatStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.Close()
	s.cancel()
	return nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in request batches of 100, keeping input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	const batchSize = 100
	embeddings := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += batchSize {
		end := min(i+batchSize, len(texts))
		batch := texts[i:end]

		var resp openai.EmbeddingResponse
		err := c.cb.Execute(ctx, func(ctx context.Context) error {
			var err error
			resp, err = retry.DoValue(ctx, c.retry, func(ctx context.Context) (openai.EmbeddingResponse, error) {
				return c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embeddingModel),
				})
			})
			return err
		})
		if err != nil {
			metrics.LLMRequests.WithLabelValues("embedding", "error").Inc()
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(batch))
		}

		ordered := make([][]float32, len(batch))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, fmt.Errorf("embedding index %d out of range", d.Index)
			}
			ordered[d.Index] = d.Embedding
		}
		embeddings = append(embeddings, ordered...)

		metrics.LLMRequests.WithLabelValues("embedding", "ok").Inc()
		metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "embedding").Add(float64(resp.Usage.PromptTokens))
	}

	c.logger.Debug("embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

func toOpenAI(messages []prompt.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case prompt.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case prompt.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// isUpstreamFailure treats client errors other than rate limiting as the
// caller's fault: they are neither retried nor counted by the breaker.
func isUpstreamFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return false
	}
	return true
}

func recordBreakerState(name string, from, to circuitbreaker.State) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
}
