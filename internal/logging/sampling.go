package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below Error. Entries from exempt loggers
// (gate decisions, audit writes) always pass, so every rejection stays
// visible under load.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	keep := func(e zapcore.Entry) bool {
		if e.Level >= zapcore.ErrorLevel {
			return true
		}
		for _, prefix := range cfg.Exempt {
			if e.LoggerName == prefix || strings.HasPrefix(e.LoggerName, prefix+".") {
				return true
			}
		}
		return false
	}
	drop := func(e zapcore.Entry) bool { return !keep(e) }

	sampled := zapcore.NewSamplerWithOptions(core, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter)
	return zapcore.NewTee(
		&routeCore{Core: core, accept: keep},
		&routeCore{Core: sampled, accept: drop},
	)
}

// routeCore forwards only the entries accept admits.
type routeCore struct {
	zapcore.Core
	accept func(zapcore.Entry) bool
}

func (c *routeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.accept(e) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *routeCore) With(fields []zapcore.Field) zapcore.Core {
	return &routeCore{Core: c.Core.With(fields), accept: c.accept}
}
