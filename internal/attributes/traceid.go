package attributes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// idExpression is an expression whose result is an ID, or a literal ID.
type idExpression struct {
	program *vm.Program
	literal string
}

func compileIDExpression(exprStr string, hexLen int, what string) (idExpression, error) {
	if exprStr == "" {
		return idExpression{}, nil
	}
	if isHex(exprStr, hexLen) {
		return idExpression{literal: strings.ToLower(exprStr)}, nil
	}

	program, err := expr.Compile(exprStr, expr.Env(exprEnv()))
	if err != nil {
		return idExpression{}, fmt.Errorf("failed to compile %s expression: %w", what, err)
	}
	return idExpression{program: program}, nil
}

func (x idExpression) configured() bool {
	return x.program != nil || x.literal != ""
}

func (x idExpression) run(subject Subject, what string) (string, error) {
	if x.literal != "" {
		return x.literal, nil
	}
	if subject.Event == nil {
		return "", fmt.Errorf("no event to evaluate %s against", what)
	}
	output, err := expr.Run(x.program, subject.env())
	if err != nil {
		return "", fmt.Errorf("failed to evaluate %s expression: %w", what, err)
	}
	return fmt.Sprint(output), nil
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// TraceIDEvaluator handles evaluation and validation of trace ID expressions.
type TraceIDEvaluator struct {
	idExpression
}

// NewTraceIDEvaluator creates a new trace ID evaluator.
// If exprStr is empty, the evaluator yields zero trace IDs and the caller
// lets the SDK generate random ones.
func NewTraceIDEvaluator(exprStr string) (*TraceIDEvaluator, error) {
	x, err := compileIDExpression(exprStr, 32, "trace-id")
	if err != nil {
		return nil, err
	}
	return &TraceIDEvaluator{x}, nil
}

// Configured reports whether an expression was given.
func (e *TraceIDEvaluator) Configured() bool {
	return e.configured()
}

// EvaluateAndValidate evaluates the trace-id expression and validates the result.
// Returns the trace ID, any warnings to attach to the span, and an error.
// If no expression is configured, returns a zero trace ID.
func (e *TraceIDEvaluator) EvaluateAndValidate(subject Subject) (trace.TraceID, []attribute.KeyValue, error) {
	if !e.configured() {
		return trace.TraceID{}, nil, nil
	}

	resultStr, err := e.run(subject, "trace-id")
	if err != nil {
		return trace.TraceID{}, nil, err
	}

	if len(resultStr) == 32 {
		if traceID, err := trace.TraceIDFromHex(resultStr); err == nil {
			return traceID, nil, nil
		}
	}

	// Invalid trace ID - hash it with SHA-256 and use the first 16 bytes
	hash := sha256.Sum256([]byte(resultStr))
	var traceID trace.TraceID
	copy(traceID[:], hash[:16])

	warnings := []attribute.KeyValue{
		attribute.String("_trace_id_expr_result", resultStr),
		attribute.String("_trace_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 32-char hex trace ID, used SHA-256 hash instead", resultStr)),
	}

	return traceID, warnings, nil
}

// ParentIDEvaluator handles evaluation and validation of parent span ID expressions.
type ParentIDEvaluator struct {
	idExpression
}

// NewParentIDEvaluator creates a new parent ID evaluator.
// If exprStr is empty, the evaluator will return no parent ID (zero span ID).
func NewParentIDEvaluator(exprStr string) (*ParentIDEvaluator, error) {
	x, err := compileIDExpression(exprStr, 16, "parent-id")
	if err != nil {
		return nil, err
	}
	return &ParentIDEvaluator{x}, nil
}

// EvaluateAndValidate evaluates the parent-id expression and validates the result.
// Returns the parent span ID, any warnings to attach to the span, and an error.
// If no expression is configured or the result is invalid, returns zero span ID (no parent).
func (e *ParentIDEvaluator) EvaluateAndValidate(subject Subject) (trace.SpanID, []attribute.KeyValue, error) {
	if !e.configured() {
		return trace.SpanID{}, nil, nil
	}

	resultStr, err := e.run(subject, "parent-id")
	if err != nil {
		return trace.SpanID{}, nil, err
	}

	if len(resultStr) == 16 {
		if spanID, err := trace.SpanIDFromHex(resultStr); err == nil {
			return spanID, nil, nil
		}
	}

	warnings := []attribute.KeyValue{
		attribute.String("_parent_id_expr_result", resultStr),
		attribute.String("_parent_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 16-char hex span ID, using null parent ID instead", resultStr)),
	}

	return trace.SpanID{}, warnings, nil
}
