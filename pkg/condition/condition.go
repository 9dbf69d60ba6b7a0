// Package condition evaluates connection conditions against a step payload.
//
// Two forms are accepted: "field.path:value1,value2" matches when the value at
// the dotted path renders as one of the listed values, and "expr:<expression>"
// runs an expr-lang boolean expression with the payload as its environment.
package condition

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dukex/taskflow/pkg/pathexpr"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprPrefix marks an expr-lang condition.
const ExprPrefix = "expr:"

// ErrInvalidCondition is returned for conditions that cannot be parsed.
var ErrInvalidCondition = errors.New("invalid condition")

// Condition is a parsed connection condition.
type Condition struct {
	raw     string
	field   string
	values  []string
	program *vm.Program
}

var cache sync.Map

// Parse compiles raw. Parsed conditions are cached by their text.
func Parse(raw string) (*Condition, error) {
	if cached, ok := cache.Load(raw); ok {
		return cached.(*Condition), nil
	}

	cond, err := parse(raw)
	if err != nil {
		return nil, err
	}

	cache.Store(raw, cond)

	return cond, nil
}

func parse(raw string) (*Condition, error) {
	text := strings.TrimSpace(raw)

	if strings.HasPrefix(text, ExprPrefix) {
		source := strings.TrimSpace(strings.TrimPrefix(text, ExprPrefix))

		program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidCondition, raw, err)
		}

		return &Condition{raw: raw, program: program}, nil
	}

	field, list, found := strings.Cut(text, ":")
	field = strings.TrimSpace(field)

	if !found || field == "" {
		return nil, fmt.Errorf("%w %q: expected field:value1,value2", ErrInvalidCondition, raw)
	}

	var values []string

	for _, value := range strings.Split(list, ",") {
		values = append(values, strings.TrimSpace(value))
	}

	return &Condition{raw: raw, field: field, values: values}, nil
}

// String returns the condition text.
func (c *Condition) String() string {
	return c.raw
}

// Match evaluates the condition against data. A missing field never matches.
func (c *Condition) Match(data map[string]any) (bool, error) {
	if c.program != nil {
		env := data
		if env == nil {
			env = map[string]any{}
		}

		out, err := expr.Run(c.program, env)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate condition %q: %w", c.raw, err)
		}

		matched, _ := out.(bool)

		return matched, nil
	}

	value, ok := pathexpr.Get(data, c.field)
	if !ok {
		return false, nil
	}

	rendered := pathexpr.Stringify(value)

	for _, want := range c.values {
		if rendered == want {
			return true, nil
		}
	}

	return false, nil
}

// Evaluate parses and matches raw in one call.
func Evaluate(raw string, data map[string]any) (bool, error) {
	cond, err := Parse(raw)
	if err != nil {
		return false, err
	}

	return cond.Match(data)
}
