// Package llm is the completion model used to answer questions over retrieved context.
package llm

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/config"
)

const opComplete = "llm.Complete"

// SystemPrompt frames every completion.
const SystemPrompt = "You are a helpful assistant that answers questions using only the documents provided. " +
	"If the documents do not contain the answer, say so."

// Completer turns a prompt into model text. Failures carry apperr.ErrModelUnavailable.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// New returns the completer selected by cfg.Provider.
func New(cfg config.LLMConfig, logger *zap.Logger) (Completer, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAI(cfg, logger)
	case config.ProviderNone:
		return Disabled{}, nil
	}
	return nil, apperr.Newf(apperr.ErrConfig, "llm.New", "unknown llm provider %q", cfg.Provider)
}

// OpenAI calls the chat completions endpoint. The client does not retry.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	logger      *zap.Logger
}

// NewOpenAI returns a chat completer for cfg.Model.
func NewOpenAI(cfg config.LLMConfig, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, apperr.Newf(apperr.ErrConfig, "llm.NewOpenAI", "missing API key")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		logger:      logger,
	}, nil
}

// Complete sends prompt as the user message and returns the first choice.
// A timeout of the request itself is reported as apperr.ErrModelUnavailable;
// cancellation by the caller is returned as is.
func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	reqCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(o.temperature),
	}
	if o.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(o.maxTokens))
	}
	start := time.Now()
	res, err := o.client.Chat.Completions.New(reqCtx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.New(apperr.ErrModelUnavailable, opComplete, err)
	}
	if len(res.Choices) == 0 {
		return "", apperr.Newf(apperr.ErrModelUnavailable, opComplete, "model %s returned no choices", o.model)
	}
	o.logger.Debug("completion",
		zap.String("model", o.model),
		zap.Int("prompt_chars", len(prompt)),
		zap.Int64("total_tokens", res.Usage.TotalTokens),
		zap.Duration("took", time.Since(start)))
	return res.Choices[0].Message.Content, nil
}

// Disabled is the "none" provider: every completion fails with a config error.
type Disabled struct{}

// Complete always returns apperr.ErrConfig.
func (Disabled) Complete(context.Context, string) (string, error) {
	return "", apperr.Newf(apperr.ErrConfig, opComplete, "no completion model configured (llm.provider is %q)", config.ProviderNone)
}
