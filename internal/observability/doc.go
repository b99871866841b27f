// Package observability provides monitoring and debugging capabilities
// for the toolflow engine through metrics, structured logging, and
// distributed tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// plus an in-memory audit timeline, since the record store keeps only
// current state and the sweeper hard-deletes stale records.
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Tool call lifecycle transitions and approval decisions
//   - Cache hit vs store fallback on record reads
//   - Event bus publish volume and stream subscriber counts
//   - Cleanup sweeper activity
//   - HTTP request/response metrics
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track a status transition
//	metrics.RecordTransition("web_search", "pending", "processing")
//
//	// Track an approval decision
//	metrics.RecordApprovalDecision("delete_files", "rejected")
//
//	// Track where a read was served from
//	metrics.RecordRead("tool_call", "cache")
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	// Add context IDs for correlation
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddChatID(ctx, chatID)
//
//	// Structured logging with automatic context correlation
//	logger.Info(ctx, "Tool call created",
//	    "tool_name", call.ToolName,
//	    "status", call.Status,
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track requests across
// components. If no OTLP endpoint is configured, a no-op tracer is
// returned and spans cost almost nothing.
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "toolflow",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceLifecycleOp(ctx, "create_tool_call", toolName, chatID)
//	defer span.End()
//	if err != nil {
//	    tracer.RecordError(span, err)
//	}
//
// # Audit Timeline
//
// The audit timeline records lifecycle events (creations, transitions,
// approval decisions, sweeper runs) into a bounded in-memory store so
// a chat's history can be replayed even after the sweeper has removed
// the records themselves:
//
//	store := observability.NewMemoryAuditStore(10000)
//	recorder := observability.NewAuditRecorder(store, logger)
//	recorder.RecordTransition(ctx, callID, "web_search", "pending", "processing")
//
//	events, _ := store.GetByChatID(chatID)
//	fmt.Println(observability.FormatTimeline(observability.BuildTimeline(events)))
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Tool call arguments may carry user secrets; always log them through
// the redacting Logger, never the raw slog handle.
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be created against a throwaway registry with NewMetricsForTesting
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
package observability
