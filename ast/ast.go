// Package ast defines the pipeline abstract syntax tree produced by the
// parser (spec.md §3, component C2) and consumed by the resolver, validator,
// and planner.
package ast

import (
	"fmt"
	"strings"

	"github.com/sqlflow-dev/sqlflow/lexer"
)

// NodeType tags the concrete shape of a Node.
type NodeType int

const (
	SetVarNode NodeType = iota
	SourceDeclNode
	LoadStmtNode
	SqlBlockNode
	ExportNode
	IncludeNode
	ConditionalNode
)

func (t NodeType) String() string {
	switch t {
	case SetVarNode:
		return "SetVar"
	case SourceDeclNode:
		return "SourceDecl"
	case LoadStmtNode:
		return "LoadStmt"
	case SqlBlockNode:
		return "SqlBlock"
	case ExportNode:
		return "Export"
	case IncludeNode:
		return "Include"
	case ConditionalNode:
		return "Conditional"
	default:
		return "Unknown"
	}
}

// Node is the tagged-variant interface every AST node satisfies. Every node
// carries its source position for error reporting.
type Node interface {
	Type() NodeType
	Pos() lexer.Position
	String() string
}

// Base carries the source position common to every node; embed it in
// concrete node types.
type Base struct {
	Position lexer.Position
}

// Pos returns the node's source position.
func (b Base) Pos() lexer.Position { return b.Position }

// Mode is the Load/SqlBlock target semantics.
type Mode int

const (
	ModeReplace Mode = iota
	ModeAppend
	ModeUpsert
)

func (m Mode) String() string {
	switch m {
	case ModeReplace:
		return "REPLACE"
	case ModeAppend:
		return "APPEND"
	case ModeUpsert:
		return "UPSERT"
	default:
		return "UNKNOWN"
	}
}

// SetVar is a `SET name = expr;` directive. Expr is the raw right-hand-side
// text; the resolver (C3) folds it against the variable scope.
type SetVar struct {
	Base
	Name string
	Expr string
}

func (n *SetVar) Type() NodeType { return SetVarNode }
func (n *SetVar) String() string { return fmt.Sprintf("SetVar(%s = %s)", n.Name, n.Expr) }

// SourceDecl is a `SOURCE name TYPE <conn> PARAMS { ... };` directive.
type SourceDecl struct {
	Base
	Name          string
	ConnectorType string
	Params        *Object
}

func (n *SourceDecl) Type() NodeType { return SourceDeclNode }
func (n *SourceDecl) String() string {
	return fmt.Sprintf("SourceDecl(%s TYPE %s)", n.Name, n.ConnectorType)
}

// LoadStmt is a `LOAD table FROM source [MODE ...];` directive.
type LoadStmt struct {
	Base
	TargetTable string
	SourceName  string
	Mode        Mode
	UpsertKeys  []string
	// LegacySpelling records that this statement used the legacy MERGE /
	// MERGE_KEYS spelling (spec.md §9 open question #2) rather than
	// UPSERT / KEY.
	LegacySpelling bool
}

func (n *LoadStmt) Type() NodeType { return LoadStmtNode }
func (n *LoadStmt) String() string {
	return fmt.Sprintf("LoadStmt(%s FROM %s MODE %s)", n.TargetTable, n.SourceName, n.Mode)
}

// SqlBlock is a `CREATE [OR REPLACE] TABLE t AS <sql>;` directive. SQLBody is
// captured verbatim; the parser never interprets it.
type SqlBlock struct {
	Base
	TargetTable string
	SQLBody     string
	IsReplace   bool
	Mode        Mode
	UpsertKeys  []string
}

func (n *SqlBlock) Type() NodeType { return SqlBlockNode }
func (n *SqlBlock) String() string {
	return fmt.Sprintf("SqlBlock(%s IsReplace=%v)", n.TargetTable, n.IsReplace)
}

// Export is an `EXPORT SELECT ... TO "<uri>" TYPE <conn> OPTIONS { ... };`
// directive. SelectBody is captured verbatim.
type Export struct {
	Base
	SelectBody      string
	DestinationURI  string
	ConnectorType   string
	Options         *Object
}

func (n *Export) Type() NodeType { return ExportNode }
func (n *Export) String() string {
	return fmt.Sprintf("Export(TO %s TYPE %s)", n.DestinationURI, n.ConnectorType)
}

// Include is an `INCLUDE "<path>" [AS alias];` directive. It never survives
// into the resolved pipeline (spec.md §3 invariant).
type Include struct {
	Base
	Path  string
	Alias string
}

func (n *Include) Type() NodeType { return IncludeNode }
func (n *Include) String() string { return fmt.Sprintf("Include(%s)", n.Path) }

// Branch is one `IF`/`ELSEIF` arm of a Conditional.
type Branch struct {
	Condition string
	Body      []Node
}

// Conditional is an `IF <expr> THEN ... [ELSEIF ... THEN ...] [ELSE ...] END IF`
// directive. It never survives into the resolved pipeline.
type Conditional struct {
	Base
	Branches []Branch
	ElseBody []Node
}

func (n *Conditional) Type() NodeType { return ConditionalNode }
func (n *Conditional) String() string {
	return fmt.Sprintf("Conditional(%d branches)", len(n.Branches))
}

// Program is the top-level parse result: an ordered list of directive
// statements in source order.
type Program struct {
	Statements []Node
}

func (p *Program) String() string {
	parts := make([]string, len(p.Statements))
	for i, s := range p.Statements {
		parts[i] = s.String()
	}

	return strings.Join(parts, "\n")
}
