package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below Error. Error and above always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	return &errorPassCore{
		full:    core,
		sampled: zapcore.NewSamplerWithOptions(core, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter),
	}
}

// errorPassCore routes Error and above to full and everything else through
// sampled. Both wrap the same underlying core.
type errorPassCore struct {
	full    zapcore.Core
	sampled zapcore.Core
}

func (c *errorPassCore) route(lvl zapcore.Level) zapcore.Core {
	if lvl >= zapcore.ErrorLevel {
		return c.full
	}
	return c.sampled
}

func (c *errorPassCore) Enabled(lvl zapcore.Level) bool {
	return c.full.Enabled(lvl)
}

func (c *errorPassCore) With(fields []zapcore.Field) zapcore.Core {
	return &errorPassCore{full: c.full.With(fields), sampled: c.sampled.With(fields)}
}

func (c *errorPassCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return c.route(e.Level).Check(e, ce)
}

// Write is only reached through a core added by Check, which is never c.
func (c *errorPassCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	return c.route(e.Level).Write(e, fields)
}

func (c *errorPassCore) Sync() error {
	return c.full.Sync()
}
