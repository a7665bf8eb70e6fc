package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newRedactingLogger(t *testing.T, cfg RedactionConfig) (*Logger, *bytes.Buffer) {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)
	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	return &Logger{zap: zap.New(core), config: NewDefaultConfig()}, &buf
}

func TestRedactingEncoder_Fields(t *testing.T) {
	logger, buf := newRedactingLogger(t, NewDefaultConfig().Redaction)

	logger.Info(context.Background(), "feedback received",
		zap.String("source_text", "Acme is hiring a Head of Growth"),
		zap.String("Note", "looked right to me"),
		zap.String("signal", "hiring"),
	)

	out := buf.String()
	assert.NotContains(t, out, "Head of Growth")
	assert.NotContains(t, out, "looked right")
	assert.Contains(t, out, `"source_text":"[REDACTED]"`)
	assert.Contains(t, out, `"Note":"[REDACTED]"`)
	assert.Contains(t, out, `"signal":"hiring"`)
}

func TestRedactingEncoder_Patterns(t *testing.T) {
	logger, buf := newRedactingLogger(t, NewDefaultConfig().Redaction)

	logger.Warn(context.Background(), "contact jane@example.com failed",
		zap.String("detail", "sent to bob@example.org twice"))

	out := buf.String()
	assert.NotContains(t, out, "jane@example.com")
	assert.NotContains(t, out, "bob@example.org")
	assert.Equal(t, 2, strings.Count(out, "[REDACTED:pattern]"))
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	logger, buf := newRedactingLogger(t, NewDefaultConfig().Redaction)

	logger.With(zap.String("corrected_value", "CFO")).Info(context.Background(), "x")
	assert.NotContains(t, buf.String(), "CFO")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	logger, buf := newRedactingLogger(t, RedactionConfig{Enabled: false})

	logger.Info(context.Background(), "x", zap.String("source_text", "visible"))
	assert.Contains(t, buf.String(), "visible")
}

func TestNewRedactingEncoder_Errors(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"[a-"}})
	assert.Error(t, err)

	_, err = NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{strings.Repeat("a", maxPatternLen+1)}})
	assert.ErrorContains(t, err, "too long")
}

func TestUserText(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "submitted", UserText("source_text", "héllo"))

	tl.AssertField(t, "submitted", "source_text", "[REDACTED:5]")
	tl.AssertNoUserText(t, "héllo")
}
