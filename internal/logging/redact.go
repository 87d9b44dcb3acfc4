package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
)

// Placeholders written in place of redacted values. They follow the
// "[REDACTED:<kind>]" shape used for outbound text.
const (
	redactedField   = "[REDACTED:field]"
	redactedPattern = "[REDACTED:pattern]"
)

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString logs val as its length only.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// Hashed logs a short SHA-256 prefix of val so equal inputs can be
// correlated without storing them.
func Hashed(key, val string) zap.Field {
	sum := sha256.Sum256([]byte(val))
	return zap.String(key, hex.EncodeToString(sum[:8]))
}

// RedactingEncoder drops values of sensitive keys and masks string values.
// String values pass through the configured patterns, then through the
// optional Mask function, which is normally the same PII masker applied to
// answers.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]struct{}
	patterns []*regexp.Regexp
	mask     func(string) string
}

// NewRedactingEncoder wraps base. It fails if a pattern does not compile.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	e := &RedactingEncoder{Encoder: base}
	if !cfg.Enabled {
		return e, nil
	}
	e.keys = make(map[string]struct{}, len(cfg.Fields))
	for _, f := range cfg.Fields {
		e.keys[strings.ToLower(f)] = struct{}{}
	}
	for _, p := range cfg.Patterns {
		re, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		e.patterns = append(e.patterns, re)
	}
	e.mask = cfg.Mask
	return e, nil
}

func compilePattern(p string) (*regexp.Regexp, error) {
	if len(p) > 200 {
		return nil, fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
	}
	return re, nil
}

func (e *RedactingEncoder) sensitive(key string) bool {
	_, ok := e.keys[strings.ToLower(key)]
	return ok
}

func (e *RedactingEncoder) scrub(val string) string {
	for _, re := range e.patterns {
		val = re.ReplaceAllString(val, redactedPattern)
	}
	if e.mask != nil {
		val = e.mask(val)
	}
	return val
}

// AddString redacts sensitive keys and masks everything else.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		val = redactedField
	} else {
		val = e.scrub(val)
	}
	e.Encoder.AddString(key, val)
}

// AddByteString is treated like AddString.
func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	e.AddString(key, string(val))
}

// AddBinary drops sensitive keys. Binary values are not masked.
func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedField)
		return
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected drops sensitive keys. Reflected values are not inspected;
// use zap.Object with a marshaler for structured data.
func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedField)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

// AddArray drops sensitive keys.
func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedField)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

// AddObject drops sensitive keys.
func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedField)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// Clone copies the encoder with the same rules.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	c := *e
	c.Encoder = e.Encoder.Clone()
	return &c
}

// EncodeEntry masks the message and the call-site fields. The wrapped
// encoder adds those fields to its own clone, bypassing the Add* methods
// above, so they are rewritten here.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = e.scrub(ent.Message)
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = e.redactField(f)
	}
	return e.Encoder.EncodeEntry(ent, out)
}

func (e *RedactingEncoder) redactField(f zapcore.Field) zapcore.Field {
	if e.sensitive(f.Key) {
		return zap.String(f.Key, redactedField)
	}
	switch f.Type {
	case zapcore.StringType:
		return zap.String(f.Key, e.scrub(f.String))
	case zapcore.ByteStringType:
		if b, ok := f.Interface.([]byte); ok {
			return zap.String(f.Key, e.scrub(string(b)))
		}
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			return zap.String(f.Key, e.scrub(err.Error()))
		}
	}
	return f
}
