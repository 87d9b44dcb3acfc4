package logging

import (
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// newCore builds the console and OTel cores, then applies sampling. The
// redacting encoder guards the console output only; the OTel bridge
// carries structured attributes to a collector that applies its own
// processors.
func newCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if cfg.Output.Stdout {
		enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("creating redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(enc, consoleWriter(cfg.Output), cfg.Level))
	}

	if cfg.Output.OTEL && provider != nil {
		name := cfg.Fields["service"]
		if name == "" {
			name = "chakravyuh"
		}
		cores = append(cores, otelzap.NewCore(name, otelzap.WithLoggerProvider(provider)))
	}

	switch len(cores) {
	case 0:
		return nil, errors.New("no log output available")
	case 1:
		return newSampledCore(cores[0], cfg.Sampling), nil
	default:
		return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}

func consoleWriter(out OutputConfig) zapcore.WriteSyncer {
	if out.Stderr {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.Lock(os.Stdout)
}
