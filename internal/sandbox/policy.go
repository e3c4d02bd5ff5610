package sandbox

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/skeinhq/skein/pkg/schema"
)

// InstallPolicy gates which packages a sandbox may install. Rules are CEL
// expressions evaluated per requested package; a package is allowed only when
// every rule evaluates to true. An empty rule set allows everything.
//
// The environment exposes three variables:
//   - name:    string, the requested package name
//   - version: string, the requested package version ("" when unpinned)
//   - runtime: string, e.g. "python:3.12"
type InstallPolicy struct {
	env *cel.Env

	mu    sync.RWMutex
	rules []compiledRule
}

type compiledRule struct {
	source string
	prg    cel.Program
}

// NewInstallPolicy creates a policy with the given CEL rules. Compile errors
// surface immediately so a bad rule cannot silently allow installs.
func NewInstallPolicy(rules []string) (*InstallPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("version", cel.StringType),
		cel.Variable("runtime", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	p := &InstallPolicy{env: env}
	for _, src := range rules {
		if err := p.AddRule(src); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddRule compiles and appends a rule.
func (p *InstallPolicy) AddRule(source string) error {
	ast, issues := p.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"policy rule compile error in %q: %s", source, issues.Err().Error()).
			WithCause(issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"policy rule program error for %q: %s", source, err.Error()).
			WithCause(err)
	}

	p.mu.Lock()
	p.rules = append(p.rules, compiledRule{source: source, prg: prg})
	p.mu.Unlock()
	return nil
}

// Check evaluates all rules against one requested package. A rule that
// errors or yields non-bool denies the package (fail closed).
func (p *InstallPolicy) Check(spec schema.RuntimeSpec, dep schema.PackageDep) error {
	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	activation := map[string]any{
		"name":    dep.Name,
		"version": dep.Version,
		"runtime": spec.String(),
	}

	for _, rule := range rules {
		out, _, err := rule.prg.Eval(activation)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePolicyDenied,
				"policy rule %q errored for package %q: %s", rule.source, dep.Name, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"package": dep.Name, "rule": rule.source})
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return schema.NewErrorf(schema.ErrCodePolicyDenied,
				"package %q denied by install policy rule %q", dep.Name, rule.source).
				WithDetails(map[string]any{"package": dep.Name, "rule": rule.source})
		}
	}
	return nil
}
