// Package observability provides OpenTelemetry tracing and metrics for
// the operator control plane. It implements production-ready
// observability following cloud-native best practices.
//
// # Tracing
//
// Initialize tracing at application startup:
//
//	p, err := observability.New(ctx, observability.DefaultConfig())
//	defer p.Shutdown(ctx)
//
// Create spans manually:
//
//	ctx, span := p.StartSpan(ctx, "operation_name")
//	defer span.End()
//
// Or track an operation end to end:
//
//	ctx, done := p.TrackOperation(ctx, "intent.submit", observability.IntentOperation(id, "ACCEPTED", "submit", 0)...)
//	defer done(err)
//
// # Metrics
//
// RED (Rate, Errors, Duration) metrics are recorded automatically by
// TrackOperation, or individually via RecordRequest / RecordError /
// RecordDuration.
package observability
