package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTransition(t *testing.T) {
	m := NewMetricsForTesting()

	m.RecordTransition("web_search", "pending", "processing")
	m.RecordTransition("web_search", "pending", "processing")
	m.RecordTransition("delete_files", "pending", "awaiting_approval")

	if count := testutil.CollectAndCount(m.TransitionCounter); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP toolflow_transitions_total Total number of tool call status transitions
		# TYPE toolflow_transitions_total counter
		toolflow_transitions_total{from="pending",to="awaiting_approval",tool_name="delete_files"} 1
		toolflow_transitions_total{from="pending",to="processing",tool_name="web_search"} 2
	`
	if err := testutil.CollectAndCompare(m.TransitionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestRecordCallCreated(t *testing.T) {
	m := NewMetricsForTesting()

	m.RecordCallCreated("web_search", "pending")
	m.RecordCallCreated("delete_files", "awaiting_approval")

	if count := testutil.CollectAndCount(m.CallCreatedCounter); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}
}

func TestRecordApprovalDecision(t *testing.T) {
	m := NewMetricsForTesting()

	m.RecordApprovalDecision("delete_files", "approved")
	m.RecordApprovalDecision("delete_files", "rejected")
	m.RecordApprovalDecision("delete_files", "rejected")

	expected := `
		# HELP toolflow_approval_decisions_total Total number of human approval decisions
		# TYPE toolflow_approval_decisions_total counter
		toolflow_approval_decisions_total{decision="approved",tool_name="delete_files"} 1
		toolflow_approval_decisions_total{decision="rejected",tool_name="delete_files"} 2
	`
	if err := testutil.CollectAndCompare(m.ApprovalDecisionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestRecordRead(t *testing.T) {
	m := NewMetricsForTesting()

	m.RecordRead("tool_call", "cache")
	m.RecordRead("tool_call", "store")
	m.RecordRead("pipeline", "store")

	if count := testutil.CollectAndCount(m.RecordReadCounter); count != 3 {
		t.Errorf("Expected 3 label combinations, got %d", count)
	}
}

func TestStreamLifecycle(t *testing.T) {
	m := NewMetricsForTesting()

	m.StreamStarted("sse")
	m.StreamStarted("sse")
	m.StreamStarted("websocket")
	m.StreamEnded("sse", 120.0)

	if v := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sse")); v != 1 {
		t.Errorf("sse gauge = %v, want 1 after one disconnect", v)
	}
	if v := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("websocket")); v != 1 {
		t.Errorf("websocket gauge = %v, want 1", v)
	}
	if testutil.CollectAndCount(m.StreamDuration) < 1 {
		t.Error("Expected stream duration histogram to have observations")
	}
}

func TestRecordSweep(t *testing.T) {
	m := NewMetricsForTesting()

	m.RecordSweep(3, 1, 0.05)
	m.RecordSweep(2, 0, 0.02)

	if v := testutil.ToFloat64(m.SweeperRemovedCounter.WithLabelValues("tool_call")); v != 5 {
		t.Errorf("tool_call removals = %v, want 5", v)
	}
	if v := testutil.ToFloat64(m.SweeperRemovedCounter.WithLabelValues("pipeline")); v != 1 {
		t.Errorf("pipeline removals = %v, want 1", v)
	}
}

func TestRecordError(t *testing.T) {
	m := NewMetricsForTesting()

	m.RecordError("engine", "validation")
	m.RecordError("engine", "validation")
	m.RecordError("cache", "write_failed")

	if count := testutil.CollectAndCount(m.ErrorCounter); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}
	if v := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("engine", "validation")); v != 2 {
		t.Errorf("engine validation errors = %v, want 2", v)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m := NewMetricsForTesting()

	m.RecordHTTPRequest("POST", "/api/tool-calls", "201", 0.01)
	m.RecordHTTPRequest("GET", "/api/tool-calls", "200", 0.002)

	if testutil.CollectAndCount(m.HTTPRequestCounter) != 2 {
		t.Error("Expected 2 HTTP request label combinations")
	}
	if testutil.CollectAndCount(m.HTTPRequestDuration) < 1 {
		t.Error("Expected HTTP duration histogram to have observations")
	}
}

func TestConcurrentMetrics(t *testing.T) {
	m := NewMetricsForTesting()

	done := make(chan bool)
	iterations := 100

	go func() {
		for i := 0; i < iterations; i++ {
			m.RecordTransition("web_search", "pending", "processing")
		}
		done <- true
	}()

	go func() {
		for i := 0; i < iterations; i++ {
			m.RecordPublish("tool-call-updated")
		}
		done <- true
	}()

	<-done
	<-done

	if v := testutil.ToFloat64(m.TransitionCounter.WithLabelValues("web_search", "pending", "processing")); v != float64(iterations) {
		t.Errorf("transitions = %v, want %d", v, iterations)
	}
	if v := testutil.ToFloat64(m.PublishCounter.WithLabelValues("tool-call-updated")); v != float64(iterations) {
		t.Errorf("publishes = %v, want %d", v, iterations)
	}
}
