// Package policy compiles user-supplied CEL expressions that select which
// manifest properties are treated as certificate material.
package policy

import (
	"fmt"
	"log/slog"

	"github.com/DrSkyle/certcheck/pkg/sources"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

// PropertyFilter evaluates a boolean CEL expression against a manifest property.
//
// Available variables:
//
//	path         string  dotted property path, e.g. "instance_groups[router].jobs[gorouter].properties.tls.cert"
//	value        string  the trimmed property value
//	looks_like   bool    result of the built-in certificate sniffing
//
// Example: `looks_like && !path.contains("ca_certs")`.
type PropertyFilter struct {
	expr   string
	prg    cel.Program
	logger *slog.Logger
}

// NewPropertyFilter compiles expr. The expression must evaluate to a bool.
func NewPropertyFilter(expr string, logger *slog.Logger) (*PropertyFilter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("path", decls.String),
			decls.NewVar("value", decls.String),
			decls.NewVar("looks_like", decls.Bool),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("property filter compilation error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("property filter must return bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("property filter program creation error: %w", err)
	}

	return &PropertyFilter{expr: expr, prg: prg, logger: logger}, nil
}

// Match reports whether the property should be parsed as a certificate.
// Evaluation errors count as no match.
func (f *PropertyFilter) Match(path, value string) bool {
	out, _, err := f.prg.Eval(map[string]interface{}{
		"path":       path,
		"value":      value,
		"looks_like": sources.LooksLikeCertificate(path, value),
	})
	if err != nil {
		f.logger.Debug("Property filter evaluation failed", "path", path, "error", err)
		return false
	}

	match, ok := out.Value().(bool)
	return ok && match
}

// Predicate adapts f for sources.ExtractProperties.
func (f *PropertyFilter) Predicate() sources.Predicate {
	return f.Match
}

func (f *PropertyFilter) String() string { return f.expr }
