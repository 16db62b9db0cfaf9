// Package resolver implements the variable & include resolver (spec.md
// §4.3, component C3): include expansion, ${name|default} substitution, and
// IF/ELSEIF/ELSE conditional folding. Output is a flat Pipeline with no
// Include or Conditional nodes.
package resolver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/ast"
	"github.com/sqlflow-dev/sqlflow/parser"
	"github.com/sqlflow-dev/sqlflow/variables"
)

// Loader fetches the source text of an INCLUDEd file by path.
type Loader func(path string) (string, error)

// Pipeline is the resolved, flattened statement list (spec.md §3): no
// Include or Conditional node appears in it.
type Pipeline struct {
	Statements []ast.Node
}

// Resolver drives the three resolution passes over one root program.
type Resolver struct {
	scope    *variables.Scope
	load     Loader
	visiting map[string]bool
}

// New builds a Resolver with the given variable scope and include loader.
func New(scope *variables.Scope, load Loader) *Resolver {
	return &Resolver{scope: scope, load: load, visiting: make(map[string]bool)}
}

// Resolve runs include expansion, variable substitution, and conditional
// folding over prog and returns the flattened Pipeline.
func (r *Resolver) Resolve(prog *ast.Program) (*Pipeline, error) {
	nodes, err := r.resolveStatements(prog.Statements)
	if err != nil {
		return nil, err
	}

	return &Pipeline{Statements: nodes}, nil
}

func (r *Resolver) resolveStatements(statements []ast.Node) ([]ast.Node, error) {
	var out []ast.Node

	for _, stmt := range statements {
		resolved, err := r.resolveStatement(stmt)
		if err != nil {
			return nil, err
		}

		out = append(out, resolved...)
	}

	return out, nil
}

func (r *Resolver) resolveStatement(stmt ast.Node) ([]ast.Node, error) {
	switch n := stmt.(type) {
	case *ast.Include:
		return r.resolveInclude(n)
	case *ast.Conditional:
		return r.resolveConditional(n)
	case *ast.SetVar:
		value, err := r.substitute(n.Expr)
		if err != nil {
			return nil, err
		}

		r.scope.Bind(n.Name, strings.TrimSpace(trimQuotes(value)))

		return nil, nil
	case *ast.SourceDecl:
		params, err := r.substituteObject(n.Params)
		if err != nil {
			return nil, err
		}

		clone := *n
		clone.Params = params

		return []ast.Node{&clone}, nil
	case *ast.LoadStmt:
		clone := *n
		return []ast.Node{&clone}, nil
	case *ast.SqlBlock:
		body, err := r.substitute(n.SQLBody)
		if err != nil {
			return nil, err
		}

		clone := *n
		clone.SQLBody = body

		return []ast.Node{&clone}, nil
	case *ast.Export:
		selectBody, err := r.substitute(n.SelectBody)
		if err != nil {
			return nil, err
		}

		dest, err := r.substitute(n.DestinationURI)
		if err != nil {
			return nil, err
		}

		options, err := r.substituteObject(n.Options)
		if err != nil {
			return nil, err
		}

		clone := *n
		clone.SelectBody = selectBody
		clone.DestinationURI = dest
		clone.Options = options

		return []ast.Node{&clone}, nil
	default:
		return []ast.Node{stmt}, nil
	}
}

func (r *Resolver) resolveInclude(inc *ast.Include) ([]ast.Node, error) {
	if r.visiting[inc.Path] {
		return nil, fmt.Errorf("%w: %s", sqlflow.ErrIncludeCycle, inc.Path)
	}

	if r.load == nil {
		return nil, fmt.Errorf("%w: no include loader configured for %s", sqlflow.ErrIncludeNotFound, inc.Path)
	}

	src, err := r.load(inc.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", sqlflow.ErrIncludeNotFound, inc.Path, err)
	}

	child, err := parser.Parse(src)
	if err != nil {
		return nil, err
	}

	r.visiting[inc.Path] = true
	defer delete(r.visiting, inc.Path)

	return r.resolveStatements(child.Statements)
}

// resolveConditional evaluates branches left to right, inlining the first
// truthy branch's body (recursively resolved). Branches after the taken one
// are never evaluated and their referenced names need not resolve.
func (r *Resolver) resolveConditional(cond *ast.Conditional) ([]ast.Node, error) {
	for _, branch := range cond.Branches {
		truthy, err := r.evalCondition(branch.Condition)
		if err != nil {
			return nil, err
		}

		if truthy {
			return r.resolveStatements(branch.Body)
		}
	}

	return r.resolveStatements(cond.ElseBody)
}

var interpPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(\|([^}]*))?\}`)

// substitute replaces every ${name} / ${name|default} occurrence in s.
func (r *Resolver) substitute(s string) (string, error) {
	var firstErr error

	result := interpPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		groups := interpPattern.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := groups[2] != ""
		def := groups[3]

		if value, _, ok := r.scope.Lookup(name); ok {
			return value
		}

		if hasDefault {
			if def == "" {
				firstErr = fmt.Errorf("%w: ${%s|} has empty default", sqlflow.ErrEmptyDefault, name)
				return match
			}

			return def
		}

		firstErr = fmt.Errorf("%w: %s", sqlflow.ErrVariableNotBound, name)

		return match
	})

	if firstErr != nil {
		return "", firstErr
	}

	return result, nil
}

func (r *Resolver) substituteObject(obj *ast.Object) (*ast.Object, error) {
	if obj == nil {
		return nil, nil
	}

	out := ast.NewObject()

	for _, key := range obj.Keys {
		v, _ := obj.Get(key)

		resolved, err := r.substituteValue(v)
		if err != nil {
			return nil, err
		}

		out.Set(key, resolved)
	}

	return out, nil
}

func (r *Resolver) substituteValue(v ast.Value) (ast.Value, error) {
	switch val := v.(type) {
	case ast.String:
		s, err := r.substitute(string(val))
		if err != nil {
			return nil, err
		}

		return ast.String(s), nil
	case ast.Array:
		out := make(ast.Array, len(val))

		for i, item := range val {
			resolved, err := r.substituteValue(item)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	case *ast.Object:
		return r.substituteObject(val)
	default:
		return v, nil
	}
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}

	return s
}

var (
	andWord = regexp.MustCompile(`\bAND\b`)
	orWord  = regexp.MustCompile(`\bOR\b`)
	notWord = regexp.MustCompile(`\bNOT\b`)
)

// evalCondition evaluates a branch condition as a boolean CEL expression.
// Interpolated ${...} markers are substituted first (using the current
// scope); bare identifiers are then bound to the scope as CEL string
// variables so conditions like `env == "prod"` work without interpolation
// syntax.
func (r *Resolver) evalCondition(expr string) (bool, error) {
	substituted, err := r.substitute(expr)
	if err != nil {
		return false, err
	}

	celExpr := notWord.ReplaceAllString(substituted, "!")
	celExpr = andWord.ReplaceAllString(celExpr, "&&")
	celExpr = orWord.ReplaceAllString(celExpr, "||")

	idents := identPattern.FindAllString(celExpr, -1)

	seen := make(map[string]bool)

	var decls []cel.EnvOption

	vars := make(map[string]any)

	for _, ident := range idents {
		if reservedIdents[ident] || seen[ident] {
			continue
		}

		seen[ident] = true

		value, _, ok := r.scope.Lookup(ident)
		if !ok {
			continue
		}

		decls = append(decls, cel.Variable(ident, cel.StringType))
		vars[ident] = value
	}

	env, err := cel.NewEnv(decls...)
	if err != nil {
		return false, fmt.Errorf("%w: %v", sqlflow.ErrConditionNotParsed, err)
	}

	ast2, issues := env.Compile(celExpr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("%w: %v", sqlflow.ErrConditionNotParsed, issues.Err())
	}

	prg, err := env.Program(ast2)
	if err != nil {
		return false, fmt.Errorf("%w: %v", sqlflow.ErrConditionNotParsed, err)
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("%w: %v", sqlflow.ErrVariableNotBound, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition %q did not evaluate to a boolean", sqlflow.ErrConditionNotParsed, expr)
	}

	return b, nil
}

var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

var reservedIdents = map[string]bool{
	"true": true, "false": true, "null": true,
	"TRUE": true, "FALSE": true, "NULL": true,
}
