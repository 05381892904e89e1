package attributes

import (
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

func startSubject(comm string, pid uint32) Subject {
	return Subject{Event: &bpf.Event{Kind: bpf.ProcessStart, Pid: pid, Tgid: pid, Comm: bpf.MakeComm(comm)}}
}

func TestTraceIDEvaluator_ValidHex(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator(`comm == "worker" ? "0123456789abcdef0123456789abcdef" : ""`)
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	traceID, warnings, err := evaluator.EvaluateAndValidate(startSubject("worker", 10))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}

	if len(warnings) != 0 {
		t.Errorf("Expected no warnings for valid trace ID, got %d", len(warnings))
	}

	expectedTraceID, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("trace.TraceIDFromHex() error = %v", err)
	}
	if traceID != expectedTraceID {
		t.Errorf("traceID = %v, want %v", traceID, expectedTraceID)
	}
}

func TestTraceIDEvaluator_Literal(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator("A1B2C3D4E5F6A1B2C3D4E5F6A1B2C3D4")
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}
	if !evaluator.Configured() {
		t.Fatal("Configured() = false for a literal")
	}

	// Literals need no event.
	traceID, warnings, err := evaluator.EvaluateAndValidate(Subject{})
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", warnings)
	}
	if traceID.String() != "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4" {
		t.Errorf("traceID = %s", traceID)
	}
}

func TestTraceIDEvaluator_InvalidHex(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator(`comm + "-" + string(pid)`)
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	traceID, warnings, err := evaluator.EvaluateAndValidate(startSubject("job", 77))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}

	if len(warnings) != 2 {
		t.Errorf("Expected 2 warnings for invalid trace ID, got %d", len(warnings))
	}
	if !traceID.IsValid() {
		t.Error("Expected non-zero trace ID (hashed)")
	}

	again, _, _ := evaluator.EvaluateAndValidate(startSubject("job", 77))
	if again != traceID {
		t.Error("hashing is not deterministic")
	}

	foundResult := false
	foundWarning := false
	for _, w := range warnings {
		if w.Key == "_trace_id_expr_result" {
			foundResult = true
			if w.Value.AsString() != "job-77" {
				t.Errorf("_trace_id_expr_result = %q, want job-77", w.Value.AsString())
			}
		}
		if w.Key == "_trace_id_invalid_warning" {
			foundWarning = true
		}
	}
	if !foundResult {
		t.Error("Missing _trace_id_expr_result warning")
	}
	if !foundWarning {
		t.Error("Missing _trace_id_invalid_warning warning")
	}
}

func TestTraceIDEvaluator_NoExpression(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator("")
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator(\"\") error = %v", err)
	}
	if evaluator.Configured() {
		t.Error("Configured() = true without expression")
	}

	traceID, warnings, err := evaluator.EvaluateAndValidate(startSubject("sh", 1))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}

	if traceID != (trace.TraceID{}) {
		t.Error("Expected zero trace ID when no expression is configured")
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings, got %d", len(warnings))
	}
}

func TestTraceIDEvaluator_NoEvent(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator(`comm`)
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	if _, _, err := evaluator.EvaluateAndValidate(Subject{}); err == nil {
		t.Error("Expected error without an event")
	}
}

func TestParentIDEvaluator_ValidHex(t *testing.T) {
	evaluator, err := NewParentIDEvaluator(`pid == 10 ? "0123456789abcdef" : ""`)
	if err != nil {
		t.Fatalf("NewParentIDEvaluator() error = %v", err)
	}

	spanID, warnings, err := evaluator.EvaluateAndValidate(startSubject("sh", 10))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}

	if len(warnings) != 0 {
		t.Errorf("Expected no warnings for valid span ID, got %d", len(warnings))
	}

	expectedSpanID, err := trace.SpanIDFromHex("0123456789abcdef")
	if err != nil {
		t.Fatalf("trace.SpanIDFromHex() error = %v", err)
	}
	if spanID != expectedSpanID {
		t.Errorf("spanID = %v, want %v", spanID, expectedSpanID)
	}
}

func TestParentIDEvaluator_InvalidHex(t *testing.T) {
	evaluator, err := NewParentIDEvaluator(`"notvalid"`)
	if err != nil {
		t.Fatalf("NewParentIDEvaluator() error = %v", err)
	}

	spanID, warnings, err := evaluator.EvaluateAndValidate(startSubject("sh", 10))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}

	if spanID != (trace.SpanID{}) {
		t.Error("Expected zero span ID for invalid parent")
	}
	if len(warnings) != 2 {
		t.Errorf("Expected 2 warnings for invalid parent ID, got %d", len(warnings))
	}
}

func TestParentIDEvaluator_NoExpression(t *testing.T) {
	evaluator, err := NewParentIDEvaluator("")
	if err != nil {
		t.Fatalf("NewParentIDEvaluator(\"\") error = %v", err)
	}

	spanID, warnings, err := evaluator.EvaluateAndValidate(startSubject("sh", 10))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}

	if spanID != (trace.SpanID{}) {
		t.Error("Expected zero span ID when no expression is configured")
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings, got %d", len(warnings))
	}
}
