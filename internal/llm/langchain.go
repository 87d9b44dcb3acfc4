package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
)

var tracer = otel.Tracer("chakravyuh.llm")

// LangChain completes through any langchaingo model.
type LangChain struct {
	model       llms.Model
	name        string
	maxTokens   int
	temperature float64
}

var _ Completer = (*LangChain)(nil)

// NewLangChain wraps model. name identifies it in audit and metrics.
func NewLangChain(model llms.Model, name string, maxTokens int, temperature float64) *LangChain {
	return &LangChain{model: model, name: name, maxTokens: maxTokens, temperature: temperature}
}

// NewOpenAI creates an OpenAI-compatible chat completer.
func NewOpenAI(cfg config.LLMConfig) (*LangChain, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey.IsSet() {
		opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
	} else {
		opts = append(opts, openai.WithToken("unused"))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return NewLangChain(model, "openai:"+cfg.Model, cfg.MaxTokens, cfg.Temperature), nil
}

// Complete implements Completer.
func (l *LangChain) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := tracer.Start(ctx, "LangChain.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("model", l.name), attribute.Bool("json", req.JSON))

	messages := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = l.maxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = l.temperature
	}
	options := []llms.CallOption{llms.WithTemperature(temperature)}
	if maxTokens > 0 {
		options = append(options, llms.WithMaxTokens(maxTokens))
	}
	if req.JSON {
		options = append(options, llms.WithJSONMode())
	}

	resp, err := l.model.GenerateContent(ctx, messages, options...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate content failed")
		return "", fmt.Errorf("%w: %w", classify(err), err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "empty response")
		return "", fmt.Errorf("%w: empty response", ErrCompletionFailed)
	}
	span.SetStatus(codes.Ok, "")
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// Model implements Completer.
func (l *LangChain) Model() string { return l.name }

// New creates the configured completer wrapped in Resilient.
func New(cfg config.LLMConfig, opts ...ResilientOption) (Completer, error) {
	var inner Completer
	switch cfg.Provider {
	case "none":
		return Disabled{}, nil
	case "openai", "":
		c, err := NewOpenAI(cfg)
		if err != nil {
			return nil, err
		}
		inner = c
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	return NewResilient(inner, ResilientConfig{
		Timeout:           cfg.Timeout.Duration(),
		MaxConcurrency:    cfg.MaxConcurrency,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRetries:        cfg.MaxRetries,
	}, opts...), nil
}
