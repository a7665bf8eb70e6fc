package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const otelScope = "github.com/fyrsmithlabs/signalfeedback"

// newCore builds the stdout and OTEL cores, tees them and applies sampling.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	redactor, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
	}

	if cfg.Output.Stdout {
		cores = append(cores, zapcore.NewCore(redactor, zapcore.Lock(os.Stdout), cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		bridge := otelzap.NewCore(otelScope, otelzap.WithLoggerProvider(otelProvider))
		cores = append(cores, newOTELCore(bridge, cfg.Level, redactor))
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("at least one output must be enabled and available")
	case 1:
		return newSampledCore(cores[0], cfg.Sampling), nil
	default:
		return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}

// otelCore sits in front of the otelzap bridge. The bridge enables whatever
// the provider accepts and never sees the stdout encoder, so otelCore applies
// the configured level and the same redaction rules itself.
type otelCore struct {
	zapcore.Core
	level  zapcore.LevelEnabler
	redact *RedactingEncoder
}

func newOTELCore(bridge zapcore.Core, level zapcore.LevelEnabler, redact *RedactingEncoder) *otelCore {
	return &otelCore{Core: bridge, level: level, redact: redact}
}

func (c *otelCore) Enabled(lvl zapcore.Level) bool {
	return c.level.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *otelCore) With(fields []zapcore.Field) zapcore.Core {
	return &otelCore{Core: c.Core.With(c.scrub(fields)), level: c.level, redact: c.redact}
}

func (c *otelCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return ce.AddCore(e, c)
}

func (c *otelCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	e.Message = c.redact.scrub("", e.Message)
	return c.Core.Write(e, c.scrub(fields))
}

// scrub copies fields with redacted keys masked and string values run
// through the value patterns. Context carriers pass through untouched.
func (c *otelCore) scrub(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case f.Type == zapcore.SkipType:
		case c.redact.redactKey(f.Key):
			f = zap.String(f.Key, "[REDACTED]")
		case f.Type == zapcore.StringType:
			f.String = c.redact.scrub(f.Key, f.String)
		}
		out[i] = f
	}
	return out
}
