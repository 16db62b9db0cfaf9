// Package validate implements the semantic validator (spec.md §4.4,
// component C4): connector, parameter, reference, duplicate-table, and
// upsert-key checks, accumulated and reported together rather than raised
// one at a time.
package validate

import (
	"regexp"
	"strings"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/ast"
	"github.com/sqlflow-dev/sqlflow/connector"
	"github.com/sqlflow-dev/sqlflow/resolver"
)

// Report groups every diagnostic produced by one validation pass, by class.
type Report struct {
	Diagnostics []sqlflow.Diagnostic
}

// Empty reports whether no diagnostics were produced, i.e. the pipeline is
// valid. KindLegacySpelling notices are informational and never block a
// pipeline, so they do not count (spec.md §9 open question #2).
func (r *Report) Empty() bool {
	for _, d := range r.Diagnostics {
		if d.Kind != sqlflow.KindLegacySpelling {
			return false
		}
	}

	return true
}

// ByKind groups the report's diagnostics by kind, for grouped rendering
// (spec.md §7).
func (r *Report) ByKind() map[sqlflow.ErrorKind][]sqlflow.Diagnostic {
	grouped := make(map[sqlflow.ErrorKind][]sqlflow.Diagnostic)
	for _, d := range r.Diagnostics {
		grouped[d.Kind] = append(grouped[d.Kind], d)
	}

	return grouped
}

type producer struct {
	table     string
	isReplace bool
	line      int
}

// Validate runs every check over the resolved pipeline and returns the
// accumulated report. Validation never short-circuits on the first failure:
// every applicable check runs so the caller sees the full picture (spec.md
// §4.4, §7).
func Validate(pipeline *resolver.Pipeline, registry *connector.Registry) *Report {
	report := &Report{}

	sources := make(map[string]*ast.SourceDecl)
	var producers []producer

	for _, stmt := range pipeline.Statements {
		switch n := stmt.(type) {
		case *ast.SourceDecl:
			sources[n.Name] = n
			validateConnector(report, registry, n.ConnectorType, n.Params, n.Pos().Line)
		case *ast.LoadStmt:
			validateLoadStmt(report, sources, n)
			producers = append(producers, producer{table: n.TargetTable, line: n.Pos().Line})
		case *ast.SqlBlock:
			producers = append(producers, producer{table: n.TargetTable, isReplace: n.IsReplace, line: n.Pos().Line})
		case *ast.Export:
			validateConnector(report, registry, n.ConnectorType, n.Options, n.Pos().Line)
		}
	}

	validateReferences(report, pipeline, producerNames(producers))
	validateDuplicates(report, producers)

	return report
}

func producerNames(producers []producer) map[string]bool {
	names := make(map[string]bool, len(producers))
	for _, p := range producers {
		names[p.table] = true
	}

	return names
}

func validateConnector(report *Report, registry *connector.Registry, connType string, params *ast.Object, line int) {
	_, schema, ok := registry.Lookup(connType)
	if !ok {
		report.Diagnostics = append(report.Diagnostics, sqlflow.Diagnostic{
			Kind:        sqlflow.KindConnector,
			Line:        line,
			Message:     "unknown connector type " + connType,
			Suggestions: []string{"available connector types: " + strings.Join(registry.Types(), ", ")},
		})

		return
	}

	_, diags := schema.Apply(params)
	for _, d := range diags {
		d.Line = line
		report.Diagnostics = append(report.Diagnostics, d)
	}
}

func validateLoadStmt(report *Report, sources map[string]*ast.SourceDecl, n *ast.LoadStmt) {
	if _, ok := sources[n.SourceName]; !ok {
		report.Diagnostics = append(report.Diagnostics, sqlflow.Diagnostic{
			Kind:        sqlflow.KindReference,
			Line:        n.Pos().Line,
			Message:     "LOAD " + n.TargetTable + " references undeclared source " + n.SourceName,
			Suggestions: []string{"declare a SOURCE " + n.SourceName + " before this LOAD"},
		})
	}

	if n.Mode == ast.ModeUpsert && len(n.UpsertKeys) == 0 {
		report.Diagnostics = append(report.Diagnostics, sqlflow.Diagnostic{
			Kind:    sqlflow.KindUpsertKey,
			Line:    n.Pos().Line,
			Message: "MODE UPSERT requires at least one KEY column",
		})
	}

	if n.LegacySpelling {
		report.Diagnostics = append(report.Diagnostics, sqlflow.Diagnostic{
			Kind:        sqlflow.KindLegacySpelling,
			Line:        n.Pos().Line,
			Message:     "LOAD " + n.TargetTable + " uses the legacy MODE MERGE / MERGE_KEYS spelling",
			Suggestions: []string{"write MODE UPSERT KEY " + strings.Join(n.UpsertKeys, ", ") + " instead"},
		})
	}
}

// fromJoinPattern extracts the identifier immediately following a top-level
// FROM or JOIN keyword. SQLFlow transforms only ever read from tables the
// pipeline itself produced, so any such identifier must resolve against the
// produced-table set.
var fromJoinPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_]*)\b`)

func validateReferences(report *Report, pipeline *resolver.Pipeline, produced map[string]bool) {
	for _, stmt := range pipeline.Statements {
		var body string
		var line int

		switch n := stmt.(type) {
		case *ast.SqlBlock:
			body, line = n.SQLBody, n.Pos().Line
		case *ast.Export:
			body, line = n.SelectBody, n.Pos().Line
		default:
			continue
		}

		for _, match := range fromJoinPattern.FindAllStringSubmatch(body, -1) {
			name := match[1]
			if !produced[strings.ToLower(name)] && !containsFold(produced, name) {
				report.Diagnostics = append(report.Diagnostics, sqlflow.Diagnostic{
					Kind:        sqlflow.KindReference,
					Line:        line,
					Message:     "references table " + name + " that no prior operation produces",
					Suggestions: []string{"produce " + name + " with a LOAD or CREATE TABLE before this statement"},
				})
			}
		}
	}
}

func containsFold(set map[string]bool, name string) bool {
	for k := range set {
		if strings.EqualFold(k, name) {
			return true
		}
	}

	return false
}

func validateDuplicates(report *Report, producers []producer) {
	byTable := make(map[string][]producer)
	for _, p := range producers {
		byTable[p.table] = append(byTable[p.table], p)
	}

	for table, group := range byTable {
		if len(group) < 2 {
			continue
		}

		anyReplace := false
		for _, p := range group {
			if p.isReplace {
				anyReplace = true
			}
		}

		if anyReplace {
			continue
		}

		report.Diagnostics = append(report.Diagnostics, sqlflow.Diagnostic{
			Kind:    sqlflow.KindDuplicateTable,
			Line:    group[len(group)-1].line,
			Message: "table " + table + " is produced by more than one operation",
		})
	}
}
