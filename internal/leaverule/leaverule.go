// Package leaverule evaluates a configured expression to decide whether a
// tab may be left.
package leaverule

import (
	"context"
	"errors"
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"pkt.systems/tabkeeper/schema"
)

// Checker runs a compiled leave rule. The zero value is not usable; use Compile.
type Checker struct {
	expression string
	program    *exprvm.Program
}

// Compile parses expression once. The expression sees:
//
//	tab        map of the target tab (id, title, pathname, params, type,
//	           isFixed, hasChanged, extends) or nil for collection-wide operations
//	hasTarget  whether a target tab was provided
//
// and must evaluate to a boolean.
func Compile(expression string) (*Checker, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, errors.New("leave rule: expression must not be empty")
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("leave rule %q: %w", expression, err)
	}
	return &Checker{expression: expression, program: program}, nil
}

// Expression returns the source of the rule.
func (c *Checker) Expression() string {
	return c.expression
}

// CanLeave evaluates the rule against target.
func (c *Checker) CanLeave(ctx context.Context, target *schema.Tab) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	out, err := exprlang.Run(c.program, environment(target))
	if err != nil {
		return false, fmt.Errorf("leave rule %q: %w", c.expression, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("leave rule %q: result %T is not a bool", c.expression, out)
	}
	return ok, nil
}

func environment(target *schema.Tab) map[string]any {
	env := map[string]any{
		"hasTarget": target != nil,
		"tab":       nil,
	}
	if target == nil {
		return env
	}
	params := make(map[string]any, len(target.Params))
	for k, v := range target.Params {
		params[k] = v
	}
	extends := make(map[string]any, len(target.Extends))
	for k, v := range target.Extends {
		extends[k] = v
	}
	env["tab"] = map[string]any{
		"id":         string(target.ID),
		"title":      target.Title,
		"pathname":   target.Pathname,
		"params":     params,
		"type":       string(target.Type),
		"isFixed":    target.IsFixed,
		"hasChanged": target.HasChanged,
		"extends":    extends,
	}
	return env
}
