// Package telemetry sets up OpenTelemetry tracing and metrics for
// signalfeedback and exports them over OTLP (gRPC or HTTP/protobuf).
//
// Telemetry never fails the service: when an exporter cannot be created the
// instance reports itself degraded and falls back to the global no-op
// providers.
//
//	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	svc := training.NewService(store, logger,
//	    training.WithTracer(tel.Tracer("signalfeedback/training")),
//	    training.WithMeter(tel.Meter("signalfeedback/training")))
//
// Tests use NewTestTelemetry, which records spans in memory and collects
// metrics through a manual reader.
package telemetry
