package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that unmarshals from text. A bare integer
// is read as seconds, so CHAKRAVYUH_LLM_TIMEOUT=30 means 30s.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	var parsed time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		parsed = time.Duration(n) * time.Second
	} else {
		parsed, err = time.ParseDuration(s)
		if err != nil {
			return err
		}
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret holds credentials (API keys, DSNs). It prints and serializes as
// "[REDACTED]"; only Value returns the content.
//
// When unmarshaled, "file:<path>" reads the secret from a file (trailing
// newline trimmed) and "env:<NAME>" reads it from another variable. Any
// other text is taken literally.
type Secret string

const (
	secretFilePrefix = "file:"
	secretEnvPrefix  = "env:"
)

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the secret. Pass it straight to the client that needs it.
func (s Secret) Value() string {
	return string(s)
}

func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText resolves file: and env: references.
func (s *Secret) UnmarshalText(text []byte) error {
	raw := string(text)
	switch {
	case strings.HasPrefix(raw, secretFilePrefix):
		path, err := ExpandPath(strings.TrimPrefix(raw, secretFilePrefix))
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading secret file: %w", err)
		}
		*s = Secret(strings.TrimRight(string(b), "\r\n"))
	case strings.HasPrefix(raw, secretEnvPrefix):
		name := strings.TrimPrefix(raw, secretEnvPrefix)
		v, ok := os.LookupEnv(name)
		if !ok {
			return fmt.Errorf("secret references unset variable %s", name)
		}
		*s = Secret(v)
	default:
		*s = Secret(raw)
	}
	return nil
}
