package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
)

type fakeModel struct {
	messages []llms.MessageContent
	opts     llms.CallOptions
	reply    string
	err      error
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	for _, o := range options {
		o(&f.opts)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "  " + f.reply + "\n"}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangChain_Complete(t *testing.T) {
	m := &fakeModel{reply: `{"ok":true}`}
	c := NewLangChain(m, "openai:test", 500, 0.2)

	out, err := c.Complete(context.Background(), Request{System: "sys", Prompt: "user", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, "openai:test", c.Model())

	require.Len(t, m.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, m.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, m.messages[1].Role)
	assert.True(t, m.opts.JSONMode)
	assert.Equal(t, 500, m.opts.MaxTokens)
	assert.InDelta(t, 0.2, m.opts.Temperature, 1e-9)
}

func TestLangChain_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"API returned unexpected status code: 429", ErrRateLimited},
		{"context deadline exceeded", ErrTimeout},
		{"dial tcp: connection refused", ErrUnavailable},
		{"API returned unexpected status code: 503", ErrUnavailable},
		{"invalid_request_error", ErrCompletionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			c := NewLangChain(&fakeModel{err: errors.New(tt.msg)}, "m", 0, 0)
			_, err := c.Complete(context.Background(), Request{Prompt: "p"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResilient_Complete(t *testing.T) {
	ctx := context.Background()
	fast := ResilientConfig{MaxRetries: 2, BaseBackoff: time.Millisecond}

	t.Run("retries then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		inner := CompleterFunc(func(context.Context, Request) (string, error) {
			if calls.Add(1) == 1 {
				return "", ErrRateLimited
			}
			return "answer", nil
		})
		out, err := NewResilient(inner, fast).Complete(ctx, Request{Prompt: "p"})
		require.NoError(t, err)
		assert.Equal(t, "answer", out)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("unavailable is not retried", func(t *testing.T) {
		var calls atomic.Int32
		inner := CompleterFunc(func(context.Context, Request) (string, error) {
			calls.Add(1)
			return "", ErrUnavailable
		})
		_, err := NewResilient(inner, fast).Complete(ctx, Request{})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("attempt timeout surfaces as ErrTimeout", func(t *testing.T) {
		inner := CompleterFunc(func(ctx context.Context, _ Request) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
		cfg := fast
		cfg.Timeout = 5 * time.Millisecond
		_, err := NewResilient(inner, cfg).Complete(ctx, Request{})
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestNew(t *testing.T) {
	cfg := config.Default().LLM

	cfg.Provider = "none"
	c, err := New(cfg)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)

	cfg.Provider = "openai"
	c, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai:"+cfg.Model, c.Model())

	cfg.Provider = "bedrock"
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
