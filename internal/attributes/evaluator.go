package attributes

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mrzor/activity-tracer/internal/config"
)

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
}

// NewEvaluator creates a new attribute evaluator.
// It pre-compiles all custom attribute expressions for efficiency.
func NewEvaluator(customAttrs []config.CustomAttribute) (*Evaluator, error) {
	env := exprEnv()

	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(env))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
	}, nil
}

// Len returns the number of configured attributes.
func (e *Evaluator) Len() int {
	return len(e.customAttrs)
}

// EvaluateCustomAttributes evaluates every expression against subject.
// A failing expression is skipped and reported in the joined error; the
// attributes that did evaluate are still returned.
func (e *Evaluator) EvaluateCustomAttributes(subject Subject) ([]attribute.KeyValue, error) {
	if len(e.customAttrs) == 0 || subject.Event == nil {
		return nil, nil
	}

	env := subject.env()

	var attrs []attribute.KeyValue
	var errs []error
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			errs = append(errs, fmt.Errorf("evaluating attribute %q: %w", customAttr.Name, err))
			continue
		}
		attrs = appendOutput(attrs, customAttr.Name, output)
	}

	return attrs, errors.Join(errs...)
}

// appendOutput expands map results into name.key attributes and formats
// everything else as a string.
func appendOutput(attrs []attribute.KeyValue, name string, output any) []attribute.KeyValue {
	outputValue := reflect.ValueOf(output)
	if outputValue.Kind() != reflect.Map {
		return append(attrs, attribute.String(name, fmt.Sprint(output)))
	}

	for _, key := range outputValue.MapKeys() {
		attrName := name + "." + sanitizeAttributeName(fmt.Sprintf("%v", key.Interface()))
		attrs = append(attrs, attribute.String(attrName, fmt.Sprintf("%v", outputValue.MapIndex(key).Interface())))
	}
	return attrs
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
// This ensures attribute names are safe for OpenTelemetry.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
