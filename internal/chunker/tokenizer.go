package chunker

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

func init() {
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Count(text string) int
}

// TiktokenTokenizer is a Tokenizer backed by an offline tiktoken encoding.
type TiktokenTokenizer struct {
	name string
	enc  *tiktoken.Tiktoken
}

var (
	encodingsMu sync.Mutex
	encodings   = map[string]*TiktokenTokenizer{}
)

// NewTokenizer returns the tokenizer for encoding, loading it once per process.
func NewTokenizer(encoding string) (*TiktokenTokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	encodingsMu.Lock()
	defer encodingsMu.Unlock()
	if t, ok := encodings[encoding]; ok {
		return t, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %s: %w", encoding, err)
	}
	t := &TiktokenTokenizer{name: encoding, enc: enc}
	encodings[encoding] = t
	return t, nil
}

// Name returns the encoding name.
func (t *TiktokenTokenizer) Name() string { return t.name }

// Encode implements Tokenizer. Special tokens are encoded as ordinary text.
func (t *TiktokenTokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	return t.enc.Encode(text, nil, nil)
}

// Decode implements Tokenizer.
func (t *TiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// Count implements Tokenizer.
func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.Encode(text))
}

// Truncate returns the longest token prefix of text within limit tokens
// that ends on a character boundary, and its token count.
func Truncate(tok Tokenizer, text string, limit int) (string, int) {
	if limit <= 0 {
		return "", 0
	}
	tokens := tok.Encode(text)
	if len(tokens) <= limit {
		return text, len(tokens)
	}
	bound := runeBoundaries(tok, tokens)
	for limit > 0 && !bound[limit] {
		limit--
	}
	return tok.Decode(tokens[:limit]), limit
}
