// Package plan implements the planner (spec.md §4.5, component C5): it
// turns a resolved pipeline into an operation DAG with a deterministic
// topological order.
package plan

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/ast"
	"github.com/sqlflow-dev/sqlflow/resolver"
)

// operationID derives a stable id from the statement's source position
// (kind:name:line), the scheme the planner uses everywhere it can so that
// identical pipelines plan to byte-identical ids (spec.md §8, invariant 2).
// A statement with no source position, a node synthesized rather than parsed
// from text, falls back to a random id since no stable substitute exists.
func operationID(kind, name string, line int) string {
	if line > 0 {
		return fmt.Sprintf("%s:%s:%d", kind, name, line)
	}

	return fmt.Sprintf("%s:%s:%s", kind, name, uuid.New().String())
}

// Kind is an executable operation's type.
type Kind int

const (
	SourceDefinition Kind = iota
	Load
	Transform
	Export
)

func (k Kind) String() string {
	switch k {
	case SourceDefinition:
		return "SourceDefinition"
	case Load:
		return "Load"
	case Transform:
		return "Transform"
	case Export:
		return "Export"
	default:
		return "Unknown"
	}
}

// Operation is one executable plan step (spec.md §3).
type Operation struct {
	ID        string   `yaml:"id"`
	Kind      Kind     `yaml:"kind"`
	Line      int      `yaml:"line"`
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Payload fields; which are populated depends on Kind.
	Table          string     `yaml:"table,omitempty"`
	SourceName     string     `yaml:"source_name,omitempty"`
	ConnectorType  string     `yaml:"connector_type,omitempty"`
	Params         *ast.Object `yaml:"params,omitempty"`
	SQL            string     `yaml:"sql,omitempty"`
	Mode           ast.Mode   `yaml:"mode,omitempty"`
	UpsertKeys     []string   `yaml:"upsert_keys,omitempty"`
	IsReplace      bool       `yaml:"is_replace,omitempty"`
	DestinationURI string     `yaml:"destination_uri,omitempty"`
	Options        *ast.Object `yaml:"options,omitempty"`
}

// Plan is an ordered Operation list satisfying: for every op, every id in
// op.DependsOn precedes op (spec.md §3, invariant 1 of §8).
type Plan struct {
	Operations []Operation `yaml:"operations"`
}

// PlanError names every operation participating in a dependency cycle.
type PlanError struct {
	Cycle []string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%v: %s", sqlflow.ErrPlanCycle, strings.Join(e.Cycle, ", "))
}

func (e *PlanError) Unwrap() error { return sqlflow.ErrPlanCycle }

type node struct {
	op       Operation
	seq      int // source declaration order, final tie-break
	inDegree int
}

// Build constructs the operation DAG from a resolved pipeline and returns
// its deterministic topological order.
func Build(pipeline *resolver.Pipeline) (*Plan, error) {
	nodes, err := toOperations(pipeline)
	if err != nil {
		return nil, err
	}

	ordered, err := topoSort(nodes)
	if err != nil {
		return nil, err
	}

	return &Plan{Operations: ordered}, nil
}

func toOperations(pipeline *resolver.Pipeline) ([]*node, error) {
	var nodes []*node

	sourceOpID := make(map[string]string)
	producedBy := make(map[string][]string)

	for i, stmt := range pipeline.Statements {
		switch n := stmt.(type) {
		case *ast.SourceDecl:
			id := operationID("source", n.Name, n.Pos().Line)
			sourceOpID[n.Name] = id

			nodes = append(nodes, &node{seq: i, op: Operation{
				ID:            id,
				Kind:          SourceDefinition,
				Line:          n.Pos().Line,
				SourceName:    n.Name,
				ConnectorType: n.ConnectorType,
				Params:        n.Params,
			}})
		case *ast.LoadStmt:
			id := operationID("load", n.TargetTable, n.Pos().Line)
			producedBy[strings.ToLower(n.TargetTable)] = append(producedBy[strings.ToLower(n.TargetTable)], id)

			var deps []string
			if srcID, ok := sourceOpID[n.SourceName]; ok {
				deps = append(deps, srcID)
			}

			nodes = append(nodes, &node{seq: i, op: Operation{
				ID:          id,
				Kind:        Load,
				Line:        n.Pos().Line,
				Table:       n.TargetTable,
				SourceName:  n.SourceName,
				Mode:        n.Mode,
				UpsertKeys:  n.UpsertKeys,
				DependsOn:   deps,
			}})
		case *ast.SqlBlock:
			id := operationID("transform", n.TargetTable, n.Pos().Line)
			producedBy[strings.ToLower(n.TargetTable)] = append(producedBy[strings.ToLower(n.TargetTable)], id)

			nodes = append(nodes, &node{seq: i, op: Operation{
				ID:          id,
				Kind:        Transform,
				Line:        n.Pos().Line,
				Table:       n.TargetTable,
				SQL:         n.SQLBody,
				Mode:        n.Mode,
				UpsertKeys:  n.UpsertKeys,
				IsReplace:   n.IsReplace,
			}})
		case *ast.Export:
			id := operationID("export", n.DestinationURI, n.Pos().Line)

			nodes = append(nodes, &node{seq: i, op: Operation{
				ID:             id,
				Kind:           Export,
				Line:           n.Pos().Line,
				SQL:            n.SelectBody,
				DestinationURI: n.DestinationURI,
				ConnectorType:  n.ConnectorType,
				Options:        n.Options,
			}})
		}
	}

	// Second pass: resolve textual SQL dependencies now that every
	// produced table is known.
	tableNames := make([]string, 0, len(producedBy))
	for t := range producedBy {
		tableNames = append(tableNames, t)
	}

	for _, n := range nodes {
		if n.op.Kind != Transform && n.op.Kind != Export {
			continue
		}

		self := strings.ToLower(n.op.Table)

		for _, t := range referencedTables(n.op.SQL, tableNames) {
			for _, producerID := range producedBy[t] {
				if producerID == n.op.ID || t == self {
					continue
				}

				n.op.DependsOn = append(n.op.DependsOn, producerID)
			}
		}

		sort.Strings(n.op.DependsOn)
	}

	return nodes, nil
}

// referencedTables returns every candidate name that occurs as a whole
// identifier (case-insensitive) in text, per spec.md §4.5.
func referencedTables(text string, candidates []string) []string {
	var found []string

	lower := strings.ToLower(text)

	for _, candidate := range candidates {
		pattern := `\b` + regexp.QuoteMeta(candidate) + `\b`
		if matched, _ := regexp.MatchString(pattern, lower); matched {
			found = append(found, candidate)
		}
	}

	return found
}

// topoSort performs Kahn's algorithm with deterministic tie-breaking: among
// operations with no remaining unresolved dependency, the one with the
// smallest source line wins, then smallest declaration order.
func topoSort(nodes []*node) ([]Operation, error) {
	byID := make(map[string]*node, len(nodes))
	for _, n := range nodes {
		byID[n.op.ID] = n
	}

	for _, n := range nodes {
		for _, dep := range n.op.DependsOn {
			if _, ok := byID[dep]; ok {
				n.inDegree++
			}
		}
	}

	dependents := make(map[string][]*node)
	for _, n := range nodes {
		for _, dep := range n.op.DependsOn {
			dependents[dep] = append(dependents[dep], n)
		}
	}

	var ready []*node

	for _, n := range nodes {
		if n.inDegree == 0 {
			ready = append(ready, n)
		}
	}

	var ordered []Operation

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].op.Line != ready[j].op.Line {
				return ready[i].op.Line < ready[j].op.Line
			}

			return ready[i].seq < ready[j].seq
		})

		next := ready[0]
		ready = ready[1:]

		ordered = append(ordered, next.op)

		for _, dependent := range dependents[next.op.ID] {
			dependent.inDegree--
			if dependent.inDegree == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(ordered) != len(nodes) {
		var cycle []string

		for _, n := range nodes {
			if n.inDegree > 0 {
				cycle = append(cycle, n.op.ID)
			}
		}

		sort.Strings(cycle)

		return nil, &PlanError{Cycle: cycle}
	}

	return ordered, nil
}

// Save serializes p to path in the plan file format (spec.md §6).
func Save(p *Plan, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("plan: marshal: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Load deserializes a previously-saved plan, letting the executor skip
// compilation entirely.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("plan: unmarshal %s: %w", path, err)
	}

	return &p, nil
}

// ExplainXML renders the plan's DAG as an XML document, for `--explain`
// style diagnostics.
func ExplainXML(p *Plan) (string, error) {
	doc := etree.NewDocument()
	doc.Indent(2)

	root := doc.CreateElement("plan")

	for _, op := range p.Operations {
		elem := root.CreateElement("operation")
		elem.CreateAttr("id", op.ID)
		elem.CreateAttr("kind", op.Kind.String())
		elem.CreateAttr("line", fmt.Sprintf("%d", op.Line))

		if op.Table != "" {
			elem.CreateAttr("table", op.Table)
		}

		for _, dep := range op.DependsOn {
			depElem := elem.CreateElement("depends_on")
			depElem.SetText(dep)
		}
	}

	return doc.WriteToString()
}
