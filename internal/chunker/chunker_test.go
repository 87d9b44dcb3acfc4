package chunker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
)

// wordTokenizer treats each whitespace separated word as one token.
type wordTokenizer struct {
	ids   map[string]int
	words []string
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{ids: map[string]int{}}
}

func (w *wordTokenizer) Encode(text string) []int {
	var out []int
	for _, f := range strings.Fields(text) {
		id, ok := w.ids[f]
		if !ok {
			id = len(w.words)
			w.ids[f] = id
			w.words = append(w.words, f)
		}
		out = append(out, id)
	}
	return out
}

func (w *wordTokenizer) Decode(tokens []int) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = w.words[t]
	}
	return strings.Join(parts, " ")
}

func (w *wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

// byteTokenizer emits one token per byte, so every multi-byte character is
// split across tokens.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) []int {
	out := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int(text[i])
	}
	return out
}

func (byteTokenizer) Decode(tokens []int) string {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b)
}

func (byteTokenizer) Count(text string) int { return len(text) }

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"valid", Params{MaxTokens: 800, OverlapTokens: 100}, false},
		{"no overlap", Params{MaxTokens: 10}, false},
		{"zero max", Params{MaxTokens: 0}, true},
		{"negative overlap", Params{MaxTokens: 10, OverlapTokens: -1}, true},
		{"overlap equals max", Params{MaxTokens: 10, OverlapTokens: 10}, true},
		{"overlap exceeds max", Params{MaxTokens: 10, OverlapTokens: 20}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParams)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChunker_Split(t *testing.T) {
	ctx := context.Background()

	t.Run("empty text yields no chunks", func(t *testing.T) {
		logger := logging.NewTestLogger()
		c := New(newWordTokenizer(), logger.Logger)
		for _, text := range []string{"", "   \n\t"} {
			chunks, err := c.Split(ctx, "doc", text, Params{MaxTokens: 5, OverlapTokens: 1})
			require.NoError(t, err)
			assert.Empty(t, chunks)
		}
		logger.AssertLogged(t, zapcore.DebugLevel, "empty document")
	})

	t.Run("short text yields one chunk", func(t *testing.T) {
		c := New(newWordTokenizer(), nil)
		chunks, err := c.Split(ctx, "s3", "S3 buckets support encryption", Params{MaxTokens: 10, OverlapTokens: 3})
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, Chunk{
			ID:        "s3#00000",
			SourceID:  "s3",
			Text:      "S3 buckets support encryption",
			TokenSpan: [2]int{0, 4},
		}, chunks[0])
	})

	t.Run("windows overlap", func(t *testing.T) {
		c := New(newWordTokenizer(), nil)
		chunks, err := c.Split(ctx, "doc", words(10), Params{MaxTokens: 4, OverlapTokens: 1})
		require.NoError(t, err)
		require.Len(t, chunks, 3)

		assert.Equal(t, [2]int{0, 4}, chunks[0].TokenSpan)
		assert.Equal(t, [2]int{3, 7}, chunks[1].TokenSpan)
		assert.Equal(t, [2]int{6, 10}, chunks[2].TokenSpan)
		assert.Equal(t, "w0 w1 w2 w3", chunks[0].Text)
		assert.Equal(t, "w3 w4 w5 w6", chunks[1].Text)
		assert.Equal(t, "w6 w7 w8 w9", chunks[2].Text)

		for i, ch := range chunks {
			assert.Equal(t, i, ch.SequenceIndex)
			assert.Equal(t, ChunkID("doc", i), ch.ID)
		}
	})

	t.Run("last window is not swallowed by the previous one", func(t *testing.T) {
		c := New(newWordTokenizer(), nil)
		chunks, err := c.Split(ctx, "doc", words(7), Params{MaxTokens: 4, OverlapTokens: 1})
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, [2]int{3, 7}, chunks[1].TokenSpan)
	})

	t.Run("deterministic", func(t *testing.T) {
		c := New(newWordTokenizer(), nil)
		p := Params{MaxTokens: 3, OverlapTokens: 1}
		a, err := c.Split(ctx, "doc", words(20), p)
		require.NoError(t, err)
		b, err := c.Split(ctx, "doc", words(20), p)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("invalid params", func(t *testing.T) {
		c := New(newWordTokenizer(), nil)
		_, err := c.Split(ctx, "doc", "text", Params{MaxTokens: 4, OverlapTokens: 4})
		assert.ErrorIs(t, err, ErrInvalidParams)
	})
}

func TestChunker_SplitKeepsCharactersWhole(t *testing.T) {
	ctx := context.Background()

	t.Run("byte tokens", func(t *testing.T) {
		c := New(byteTokenizer{}, nil)
		chunks, err := c.Split(ctx, "doc", "ab🔐cd", Params{MaxTokens: 4, OverlapTokens: 1})
		require.NoError(t, err)

		var texts []string
		for _, ch := range chunks {
			texts = append(texts, ch.Text)
		}
		assert.Equal(t, []string{"ab", "🔐", "cd"}, texts)
		assert.Equal(t, [2]int{2, 6}, chunks[1].TokenSpan)
	})

	t.Run("character wider than the window", func(t *testing.T) {
		c := New(byteTokenizer{}, nil)
		chunks, err := c.Split(ctx, "doc", "a🔐", Params{MaxTokens: 2, OverlapTokens: 1})
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "a", chunks[0].Text)
		assert.Equal(t, "🔐", chunks[1].Text)
	})

	t.Run("emoji and CJK with tiktoken", func(t *testing.T) {
		tok, err := NewTokenizer("")
		require.NoError(t, err)
		c := New(tok, nil)
		doc := strings.Repeat("S3 バケットの暗号化 🔐 鑰匙管理 🛡️ ", 300)

		for _, p := range []Params{
			{MaxTokens: 800, OverlapTokens: 100},
			{MaxTokens: 5, OverlapTokens: 1},
			{MaxTokens: 3, OverlapTokens: 2},
		} {
			a, err := c.Split(ctx, "s3-ja", doc, p)
			require.NoError(t, err)
			require.Greater(t, len(a), 1)

			for i, ch := range a {
				assert.True(t, utf8.ValidString(ch.Text), "chunk %s: %q", ch.ID, ch.Text)
				if i > 0 {
					prev := a[i-1].TokenSpan
					assert.Greater(t, ch.TokenSpan[0], prev[0], ch.ID)
					assert.LessOrEqual(t, ch.TokenSpan[0], prev[1], ch.ID)
					assert.Greater(t, ch.TokenSpan[1], prev[1], ch.ID)
				}
			}
			assert.Equal(t, 0, a[0].TokenSpan[0])
			assert.Equal(t, tok.Count(doc), a[len(a)-1].TokenSpan[1])

			b, err := c.Split(ctx, "s3-ja", doc, p)
			require.NoError(t, err)
			assert.Equal(t, a, b)
		}
	})
}

func TestChunkID_SortsBySequence(t *testing.T) {
	assert.Less(t, ChunkID("s3", 9), ChunkID("s3", 10))
	assert.Equal(t, "s3#00042", ChunkID("s3", 42))
}

func TestTiktokenTokenizer(t *testing.T) {
	tok, err := NewTokenizer("")
	require.NoError(t, err)
	assert.Equal(t, DefaultEncoding, tok.Name())

	again, err := NewTokenizer(DefaultEncoding)
	require.NoError(t, err)
	assert.Same(t, tok, again)

	text := "S3 buckets support server-side encryption with AWS KMS keys."
	tokens := tok.Encode(text)
	assert.NotEmpty(t, tokens)
	assert.Equal(t, text, tok.Decode(tokens))
	assert.Equal(t, len(tokens), tok.Count(text))
	assert.Zero(t, tok.Count(""))

	c := New(tok, nil)
	long := strings.Repeat("Access policies restrict bucket reads. ", 60)
	chunks, err := c.Split(context.Background(), "iam", long, Params{MaxTokens: 50, OverlapTokens: 10})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenSpan[1]-ch.TokenSpan[0], 50)
	}
	assert.Equal(t, tok.Count(long), chunks[len(chunks)-1].TokenSpan[1])

	_, err = NewTokenizer("no_such_encoding")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	w := newWordTokenizer()
	text, n := Truncate(w, words(5), 2)
	assert.Equal(t, "w0 w1", text)
	assert.Equal(t, 2, n)

	text, n = Truncate(w, "a b", 5)
	assert.Equal(t, "a b", text)
	assert.Equal(t, 2, n)

	text, n = Truncate(w, "a b", 0)
	assert.Empty(t, text)
	assert.Zero(t, n)

	text, n = Truncate(byteTokenizer{}, "ab🔐", 4)
	assert.Equal(t, "ab", text)
	assert.Equal(t, 2, n)

	text, n = Truncate(byteTokenizer{}, "🔐", 3)
	assert.Empty(t, text)
	assert.Zero(t, n)
}
