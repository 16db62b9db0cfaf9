// Package parser implements the recursive-descent parser that turns a token
// sequence into a Program (spec.md §4.2, component C2).
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sqlflow-dev/sqlflow/ast"
	"github.com/sqlflow-dev/sqlflow/lexer"
)

// ParseError carries the offending token's position and the set of kinds the
// parser would have accepted there.
type ParseError struct {
	Position lexer.Position
	Found    string
	Expected []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d, column %d: found %q, expected one of %s",
		e.Position.Line, e.Position.Column, e.Found, strings.Join(e.Expected, ", "))
}

// Parser consumes a flattened token slice (whitespace and comments already
// dropped) with unbounded lookahead by index.
type Parser struct {
	tokens []lexer.Token
	pos    int
}

// New builds a Parser from raw lexer output, filtering whitespace and
// comment tokens (the grammar never needs them).
func New(tokens []lexer.Token) *Parser {
	significant := make([]lexer.Token, 0, len(tokens))

	for _, t := range tokens {
		switch t.Kind {
		case lexer.WHITESPACE, lexer.LINE_COMMENT, lexer.BLOCK_COMMENT:
			continue
		default:
			significant = append(significant, t)
		}
	}

	return &Parser{tokens: significant}
}

// Parse parses the entire token stream into a Program.
func Parse(src string) (*ast.Program, error) {
	tokens, err := lexer.New(src).All()
	if err != nil {
		return nil, err
	}

	return New(tokens).ParseProgram()
}

// ParseProgram parses a sequence of terminated directive statements up to EOF.
func (p *Parser) ParseProgram() (*ast.Program, error) {
	prog := &ast.Program{}

	for !p.atEOF() {
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}

		prog.Statements = append(prog.Statements, stmt)
	}

	return prog, nil
}

func (p *Parser) cur() lexer.Token {
	if p.pos >= len(p.tokens) {
		return lexer.Token{Kind: lexer.EOF}
	}

	return p.tokens[p.pos]
}

func (p *Parser) peekN(n int) lexer.Token {
	if p.pos+n >= len(p.tokens) {
		return lexer.Token{Kind: lexer.EOF}
	}

	return p.tokens[p.pos+n]
}

func (p *Parser) advance() lexer.Token {
	t := p.cur()
	if p.pos < len(p.tokens) {
		p.pos++
	}

	return t
}

func (p *Parser) atEOF() bool {
	return p.cur().Kind == lexer.EOF
}

func (p *Parser) isKeyword(kw string) bool {
	t := p.cur()
	return t.Kind == lexer.KEYWORD && t.Text == kw
}

func (p *Parser) isPunct(text string) bool {
	t := p.cur()
	return t.Kind == lexer.PUNCT && t.Text == text
}

func (p *Parser) expectKeyword(kw string) (lexer.Token, error) {
	if !p.isKeyword(kw) {
		return lexer.Token{}, p.errorf([]string{kw})
	}

	return p.advance(), nil
}

func (p *Parser) expectPunct(text string) (lexer.Token, error) {
	if !p.isPunct(text) {
		return lexer.Token{}, p.errorf([]string{text})
	}

	return p.advance(), nil
}

func (p *Parser) expectIdent() (lexer.Token, error) {
	t := p.cur()
	if t.Kind != lexer.IDENT {
		return lexer.Token{}, p.errorf([]string{"identifier"})
	}

	return p.advance(), nil
}

func (p *Parser) expectString() (lexer.Token, error) {
	t := p.cur()
	if t.Kind != lexer.STRING {
		return lexer.Token{}, p.errorf([]string{"string literal"})
	}

	return p.advance(), nil
}

func (p *Parser) errorf(expected []string) error {
	t := p.cur()

	found := t.Text
	if t.Kind == lexer.EOF {
		found = "<EOF>"
	}

	return &ParseError{Position: t.Position, Found: found, Expected: expected}
}

// parseStatement dispatches on the leading keyword of a directive.
func (p *Parser) parseStatement() (ast.Node, error) {
	t := p.cur()
	if t.Kind != lexer.KEYWORD {
		return nil, p.errorf([]string{"SET", "SOURCE", "LOAD", "CREATE", "EXPORT", "INCLUDE", "IF"})
	}

	switch t.Text {
	case "SET":
		return p.parseSetVar()
	case "SOURCE":
		return p.parseSourceDecl()
	case "LOAD":
		return p.parseLoadStmt()
	case "CREATE":
		return p.parseSqlBlock()
	case "EXPORT":
		return p.parseExport()
	case "INCLUDE":
		return p.parseInclude()
	case "IF":
		return p.parseConditional()
	default:
		return nil, p.errorf([]string{"SET", "SOURCE", "LOAD", "CREATE", "EXPORT", "INCLUDE", "IF"})
	}
}

// parseStatementBlock parses statements until one of the given terminator
// keywords is the current token (without consuming the terminator), used for
// Conditional bodies.
func (p *Parser) parseStatementBlock(terminators ...string) ([]ast.Node, error) {
	var nodes []ast.Node

	for {
		if p.atEOF() {
			return nil, p.errorf(terminators)
		}

		for _, term := range terminators {
			if p.isKeyword(term) {
				return nodes, nil
			}
		}

		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}

		nodes = append(nodes, stmt)
	}
}

func (p *Parser) parseSetVar() (ast.Node, error) {
	start := p.cur().Position

	if _, err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}

	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}

	if _, err := p.expectPunct("="); err != nil {
		return nil, err
	}

	var b strings.Builder
	for !p.isPunct(";") && !p.atEOF() {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}

		t := p.advance()
		if t.Kind == lexer.STRING {
			b.WriteString(`"` + t.Text + `"`)
		} else {
			b.WriteString(t.Text)
		}
	}

	if _, err := p.expectPunct(";"); err != nil {
		return nil, err
	}

	return &ast.SetVar{Base: ast.Base{Position: start}, Name: name.Text, Expr: b.String()}, nil
}

func (p *Parser) parseSourceDecl() (ast.Node, error) {
	start := p.cur().Position

	if _, err := p.expectKeyword("SOURCE"); err != nil {
		return nil, err
	}

	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}

	if _, err := p.expectKeyword("TYPE"); err != nil {
		return nil, err
	}

	connType, err := p.parseConnectorType()
	if err != nil {
		return nil, err
	}

	if _, err := p.expectKeyword("PARAMS"); err != nil {
		return nil, err
	}

	params, err := p.parseObject()
	if err != nil {
		return nil, err
	}

	if _, err := p.expectPunct(";"); err != nil {
		return nil, err
	}

	return &ast.SourceDecl{
		Base:          ast.Base{Position: start},
		Name:          name.Text,
		ConnectorType: connType,
		Params:        params,
	}, nil
}

// parseConnectorType accepts either an identifier or a keyword spelled like
// one (connector type names such as CSV collide with no reserved word, but
// being liberal here keeps the grammar simple).
func (p *Parser) parseConnectorType() (string, error) {
	t := p.cur()
	if t.Kind != lexer.IDENT && t.Kind != lexer.KEYWORD {
		return "", p.errorf([]string{"connector type"})
	}

	return p.advance().Text, nil
}

func (p *Parser) parseLoadStmt() (ast.Node, error) {
	start := p.cur().Position

	if _, err := p.expectKeyword("LOAD"); err != nil {
		return nil, err
	}

	target, err := p.expectIdent()
	if err != nil {
		return nil, err
	}

	if _, err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}

	source, err := p.expectIdent()
	if err != nil {
		return nil, err
	}

	stmt := &ast.LoadStmt{
		Base:        ast.Base{Position: start},
		TargetTable: target.Text,
		SourceName:  source.Text,
		Mode:        ast.ModeReplace,
	}

	if p.isKeyword("MODE") {
		p.advance()

		mode, keys, legacy, err := p.parseMode()
		if err != nil {
			return nil, err
		}

		stmt.Mode = mode
		stmt.UpsertKeys = keys
		stmt.LegacySpelling = legacy
	}

	if _, err := p.expectPunct(";"); err != nil {
		return nil, err
	}

	return stmt, nil
}

// parseMode parses the `REPLACE | APPEND | UPSERT KEY col[, ...] | MERGE
// MERGE_KEYS col[, ...]` alternatives. MERGE/MERGE_KEYS is the legacy
// synonym accepted per spec.md §6 and §9.
func (p *Parser) parseMode() (ast.Mode, []string, bool, error) {
	t := p.cur()
	if t.Kind != lexer.KEYWORD {
		return 0, nil, false, p.errorf([]string{"REPLACE", "APPEND", "UPSERT", "MERGE"})
	}

	switch t.Text {
	case "REPLACE":
		p.advance()
		return ast.ModeReplace, nil, false, nil
	case "APPEND":
		p.advance()
		return ast.ModeAppend, nil, false, nil
	case "UPSERT":
		p.advance()

		if _, err := p.expectKeyword("KEY"); err != nil {
			return 0, nil, false, err
		}

		keys, err := p.parseColumnList()
		if err != nil {
			return 0, nil, false, err
		}

		return ast.ModeUpsert, keys, false, nil
	case "MERGE":
		p.advance()

		if _, err := p.expectKeyword("MERGE_KEYS"); err != nil {
			return 0, nil, false, err
		}

		keys, err := p.parseColumnList()
		if err != nil {
			return 0, nil, false, err
		}

		return ast.ModeUpsert, keys, true, nil
	default:
		return 0, nil, false, p.errorf([]string{"REPLACE", "APPEND", "UPSERT", "MERGE"})
	}
}

func (p *Parser) parseColumnList() ([]string, error) {
	first, err := p.expectIdent()
	if err != nil {
		return nil, err
	}

	cols := []string{first.Text}

	for p.isPunct(",") {
		p.advance()

		next, err := p.expectIdent()
		if err != nil {
			return nil, err
		}

		cols = append(cols, next.Text)
	}

	return cols, nil
}

// parseSqlBlock parses `CREATE [OR REPLACE] TABLE t [MODE ...] AS <sql>;`.
// The SQL body is captured verbatim up to the terminating `;`.
func (p *Parser) parseSqlBlock() (ast.Node, error) {
	start := p.cur().Position

	if _, err := p.expectKeyword("CREATE"); err != nil {
		return nil, err
	}

	isReplace := false
	if p.isKeyword("OR") {
		p.advance()

		if _, err := p.expectKeyword("REPLACE"); err != nil {
			return nil, err
		}

		isReplace = true
	} else if p.isKeyword("OR_REPLACE") {
		p.advance()

		isReplace = true
	}

	if _, err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}

	target, err := p.expectIdent()
	if err != nil {
		return nil, err
	}

	block := &ast.SqlBlock{
		Base:        ast.Base{Position: start},
		TargetTable: target.Text,
		IsReplace:   isReplace,
		Mode:        ast.ModeReplace,
	}

	if p.isKeyword("MODE") {
		p.advance()

		mode, keys, _, err := p.parseMode()
		if err != nil {
			return nil, err
		}

		block.Mode = mode
		block.UpsertKeys = keys
	}

	if _, err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}

	body, err := p.captureVerbatimUntilSemicolon()
	if err != nil {
		return nil, err
	}

	block.SQLBody = body

	return block, nil
}

// captureVerbatimUntilSemicolon re-joins tokens with a single space between
// them up to (and consuming) the first top-level `;`. The parser does not
// interpret SQL beyond recognizing this terminator (spec.md §4.2).
func (p *Parser) captureVerbatimUntilSemicolon() (string, error) {
	var b strings.Builder

	for {
		if p.atEOF() {
			return "", p.errorf([]string{";"})
		}

		if p.isPunct(";") {
			p.advance()
			return strings.TrimSpace(b.String()), nil
		}

		t := p.advance()
		if b.Len() > 0 {
			b.WriteByte(' ')
		}

		if t.Kind == lexer.STRING {
			b.WriteByte('\'')
			b.WriteString(t.Text)
			b.WriteByte('\'')
		} else {
			b.WriteString(t.Text)
		}
	}
}

// parseExport parses `EXPORT SELECT ... TO "<uri>" TYPE <conn> OPTIONS { ... };`.
func (p *Parser) parseExport() (ast.Node, error) {
	start := p.cur().Position

	if _, err := p.expectKeyword("EXPORT"); err != nil {
		return nil, err
	}

	selectBody, err := p.captureVerbatimUntil("TO")
	if err != nil {
		return nil, err
	}

	if _, err := p.expectKeyword("TO"); err != nil {
		return nil, err
	}

	dest, err := p.expectString()
	if err != nil {
		return nil, err
	}

	if _, err := p.expectKeyword("TYPE"); err != nil {
		return nil, err
	}

	connType, err := p.parseConnectorType()
	if err != nil {
		return nil, err
	}

	if _, err := p.expectKeyword("OPTIONS"); err != nil {
		return nil, err
	}

	options, err := p.parseObject()
	if err != nil {
		return nil, err
	}

	if _, err := p.expectPunct(";"); err != nil {
		return nil, err
	}

	return &ast.Export{
		Base:           ast.Base{Position: start},
		SelectBody:     selectBody,
		DestinationURI: dest.Text,
		ConnectorType:  connType,
		Options:        options,
	}, nil
}

// captureVerbatimUntil re-joins tokens up to (not consuming) the given
// terminator keyword.
func (p *Parser) captureVerbatimUntil(terminator string) (string, error) {
	var b strings.Builder

	for {
		if p.atEOF() {
			return "", p.errorf([]string{terminator})
		}

		if p.isKeyword(terminator) {
			return strings.TrimSpace(b.String()), nil
		}

		t := p.advance()
		if b.Len() > 0 {
			b.WriteByte(' ')
		}

		if t.Kind == lexer.STRING {
			b.WriteByte('\'')
			b.WriteString(t.Text)
			b.WriteByte('\'')
		} else {
			b.WriteString(t.Text)
		}
	}
}

func (p *Parser) parseInclude() (ast.Node, error) {
	start := p.cur().Position

	if _, err := p.expectKeyword("INCLUDE"); err != nil {
		return nil, err
	}

	path, err := p.expectString()
	if err != nil {
		return nil, err
	}

	inc := &ast.Include{Base: ast.Base{Position: start}, Path: path.Text}

	if p.isKeyword("AS") {
		p.advance()

		alias, err := p.expectIdent()
		if err != nil {
			return nil, err
		}

		inc.Alias = alias.Text
	}

	if _, err := p.expectPunct(";"); err != nil {
		return nil, err
	}

	return inc, nil
}

// parseConditional parses `IF <expr> THEN ... [ELSEIF <expr> THEN ...]* [ELSE ...] END IF`.
// The condition expression text is captured verbatim; the resolver (C3)
// evaluates it.
func (p *Parser) parseConditional() (ast.Node, error) {
	start := p.cur().Position

	cond := &ast.Conditional{Base: ast.Base{Position: start}}

	if _, err := p.expectKeyword("IF"); err != nil {
		return nil, err
	}

	for {
		expr, err := p.captureVerbatimUntil("THEN")
		if err != nil {
			return nil, err
		}

		if _, err := p.expectKeyword("THEN"); err != nil {
			return nil, err
		}

		body, err := p.parseStatementBlock("ELSEIF", "ELSE", "END")
		if err != nil {
			return nil, err
		}

		cond.Branches = append(cond.Branches, ast.Branch{Condition: expr, Body: body})

		if p.isKeyword("ELSEIF") {
			p.advance()
			continue
		}

		break
	}

	if p.isKeyword("ELSE") {
		p.advance()

		body, err := p.parseStatementBlock("END")
		if err != nil {
			return nil, err
		}

		cond.ElseBody = body
	}

	if _, err := p.expectKeyword("END"); err != nil {
		return nil, err
	}

	if _, err := p.expectKeyword("IF"); err != nil {
		return nil, err
	}

	if _, err := p.expectPunct(";"); err != nil {
		return nil, err
	}

	return cond, nil
}

// parseObject parses a JSON-like `{ "key": value, ... }` literal used by
// PARAMS and OPTIONS blocks.
func (p *Parser) parseObject() (*ast.Object, error) {
	if _, err := p.expectPunct("{"); err != nil {
		return nil, err
	}

	obj := ast.NewObject()

	if p.isPunct("}") {
		p.advance()
		return obj, nil
	}

	for {
		key, err := p.expectString()
		if err != nil {
			return nil, err
		}

		if _, err := p.expectPunct(":"); err != nil {
			return nil, err
		}

		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}

		obj.Set(key.Text, val)

		if p.isPunct(",") {
			p.advance()
			continue
		}

		break
	}

	if _, err := p.expectPunct("}"); err != nil {
		return nil, err
	}

	return obj, nil
}

func (p *Parser) parseArray() (ast.Array, error) {
	if _, err := p.expectPunct("["); err != nil {
		return nil, err
	}

	var arr ast.Array

	if p.isPunct("]") {
		p.advance()
		return arr, nil
	}

	for {
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}

		arr = append(arr, val)

		if p.isPunct(",") {
			p.advance()
			continue
		}

		break
	}

	if _, err := p.expectPunct("]"); err != nil {
		return nil, err
	}

	return arr, nil
}

func (p *Parser) parseValue() (ast.Value, error) {
	t := p.cur()

	switch {
	case t.Kind == lexer.STRING:
		p.advance()
		return ast.String(t.Text), nil
	case t.Kind == lexer.NUMBER:
		p.advance()

		n, err := strconv.ParseFloat(t.Text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number literal %q at line %d: %w", t.Text, t.Position.Line, err)
		}

		return ast.Number(n), nil
	case t.Kind == lexer.PUNCT && t.Text == "-" && p.peekN(1).Kind == lexer.NUMBER:
		p.advance()
		numTok := p.advance()

		n, err := strconv.ParseFloat(numTok.Text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number literal %q at line %d: %w", numTok.Text, numTok.Position.Line, err)
		}

		return ast.Number(-n), nil
	case t.Kind == lexer.KEYWORD && t.Text == "TRUE":
		p.advance()
		return ast.Bool(true), nil
	case t.Kind == lexer.KEYWORD && t.Text == "FALSE":
		p.advance()
		return ast.Bool(false), nil
	case t.Kind == lexer.KEYWORD && t.Text == "NULL":
		p.advance()
		return ast.Null{}, nil
	case t.Kind == lexer.PUNCT && t.Text == "{":
		return p.parseObject()
	case t.Kind == lexer.PUNCT && t.Text == "[":
		return p.parseArray()
	default:
		return nil, p.errorf([]string{"string", "number", "boolean", "null", "object", "array"})
	}
}
