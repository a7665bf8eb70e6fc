package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxIDLen = 128

// idPattern allows alphanumeric, dot, colon, hyphen, underscore.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

type (
	tenantCtxKey    struct{}
	submitterCtxKey struct{}
	feedbackCtxKey  struct{}
	requestCtxKey   struct{}
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if v := TenantFromContext(ctx); v != "" {
		fields = append(fields, zap.String("tenant", v))
	}
	if v := SubmitterFromContext(ctx); v != "" {
		fields = append(fields, zap.String("submitter.id", v))
	}
	if v := FeedbackIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("feedback.id", v))
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}

	return fields
}

// validID reports whether id is safe to attach to log entries.
func validID(id string) bool {
	return id != "" &&
		len(id) <= maxIDLen &&
		utf8.ValidString(id) &&
		idPattern.MatchString(id)
}

// withID stores id under key, leaving ctx unchanged when id is not a
// well-formed identifier. Identifiers come from request input, so a bad one
// is dropped from logs instead of failing the request.
func withID(ctx context.Context, key any, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func stringFrom(ctx context.Context, key any) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithTenant adds the tenant key to ctx.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return withID(ctx, tenantCtxKey{}, tenant)
}

// TenantFromContext returns the tenant key, or "".
func TenantFromContext(ctx context.Context) string {
	return stringFrom(ctx, tenantCtxKey{})
}

// WithSubmitter adds the submitting user's id to ctx.
func WithSubmitter(ctx context.Context, submitterID string) context.Context {
	return withID(ctx, submitterCtxKey{}, submitterID)
}

// SubmitterFromContext returns the submitter id, or "".
func SubmitterFromContext(ctx context.Context) string {
	return stringFrom(ctx, submitterCtxKey{})
}

// WithFeedbackID adds the feedback id being processed to ctx.
func WithFeedbackID(ctx context.Context, feedbackID string) context.Context {
	return withID(ctx, feedbackCtxKey{}, feedbackID)
}

// FeedbackIDFromContext returns the feedback id, or "".
func FeedbackIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, feedbackCtxKey{})
}

// WithRequestID adds a request id to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestCtxKey{})
}

// Detach returns a background context carrying ctx's correlation values and
// span, for work that must outlive the request that started it.
func Detach(ctx context.Context) context.Context {
	out := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	for _, key := range []any{tenantCtxKey{}, submitterCtxKey{}, feedbackCtxKey{}, requestCtxKey{}} {
		if v := stringFrom(ctx, key); v != "" {
			out = context.WithValue(out, key, v)
		}
	}
	return out
}

type loggerCtxKey struct{}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
