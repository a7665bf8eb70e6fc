// Package logging provides context-aware structured logging on top of Zap.
//
// # Overview
//
//   - Custom Trace level (-2, below Debug)
//   - Stdout output plus optional OpenTelemetry log export (otelzap bridge)
//   - Correlation fields pulled from context: trace/span ids, tenant,
//     submitter, feedback id, request id
//   - Redaction of user-submitted free text (source text, notes, corrected
//     values) and e-mail addresses
//   - Level-aware sampling; errors are never sampled
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithTenant(ctx, "acme")
//	ctx = logging.WithFeedbackID(ctx, fb.ID)
//	logger.Error(ctx, "feedback processing failed", zap.Error(err))
//
// produces
//
//	{"level":"error","msg":"feedback processing failed","tenant":"acme","feedback.id":"...","error":"..."}
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	svc := NewService(store, tl.Logger)
//	...
//	tl.AssertLogged(t, zapcore.ErrorLevel, "feedback processing failed")
//	tl.AssertField(t, "feedback processing failed", "tenant", "acme")
//
// Logger is safe for concurrent use.
package logging
