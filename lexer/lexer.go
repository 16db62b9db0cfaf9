package lexer

import (
	"fmt"
	"iter"
	"strings"
	"unicode"

	"github.com/sqlflow-dev/sqlflow"
)

// TokenSeq is a lazy token sequence, in the same Go 1.24 iterator shape the
// teacher's tokenizer exposes (tokenizer.TokenIterator = iter.Seq2[Token, error]).
type TokenSeq iter.Seq2[Token, error]

// Lexer produces a lazy finite token sequence from UTF-8 .sf source text.
type Lexer struct {
	input string
}

// New creates a Lexer over the given source text.
func New(input string) *Lexer {
	return &Lexer{input: input}
}

// Tokens returns the lazy token sequence. Iteration stops after EOF is
// yielded or the consumer returns false from yield.
func (l *Lexer) Tokens() TokenSeq {
	return func(yield func(Token, error) bool) {
		s := &scanner{input: l.input, line: 1, column: 1}
		s.readRune()

		for {
			tok, err := s.next()
			if err != nil {
				if !yield(Token{}, err) {
					return
				}

				continue
			}

			if !yield(tok, nil) {
				return
			}

			if tok.Kind == EOF {
				return
			}
		}
	}
}

// All collects every token (and the first error, if any) eagerly. Useful for
// the parser, which wants random lookahead rather than a one-shot iterator.
func (l *Lexer) All() ([]Token, error) {
	tokens := make([]Token, 0, 64)

	for tok, err := range l.Tokens() {
		if err != nil {
			return nil, err
		}

		tokens = append(tokens, tok)

		if tok.Kind == EOF {
			break
		}
	}

	return tokens, nil
}

type scanner struct {
	input   string
	pos     int
	line    int
	column  int
	current rune
}

func (s *scanner) readRune() {
	if s.pos >= len(s.input) {
		s.current = 0
		return
	}

	r := rune(s.input[s.pos])
	// Fast path for ASCII; fall back to proper decoding for multi-byte runes.
	if r >= 0x80 {
		for i, rr := range s.input[s.pos:] {
			if i == 0 {
				r = rr
			}

			break
		}
	}

	s.current = r
	s.pos += runeLen(s.input, s.pos)

	if r == '\n' {
		s.line++
		s.column = 1
	} else {
		s.column++
	}
}

func runeLen(s string, pos int) int {
	r := []rune(s[pos:])
	if len(r) == 0 {
		return 1
	}

	return len(string(r[0]))
}

func (s *scanner) peekAt(offset int) byte {
	p := s.pos + offset
	if p < 0 || p >= len(s.input) {
		return 0
	}

	return s.input[p]
}

func (s *scanner) position() Position {
	return Position{Line: s.line, Column: s.column, Offset: s.pos}
}

func (s *scanner) next() (Token, error) {
	for {
		switch {
		case s.current == 0:
			return Token{Kind: EOF, Position: s.position()}, nil
		case s.current == ' ' || s.current == '\t' || s.current == '\r' || s.current == '\n':
			return s.readWhitespace(), nil
		case s.current == '-' && s.peekAt(0) == '-':
			return s.readLineComment(), nil
		case s.current == '/' && s.peekAt(0) == '/':
			return s.readLineComment(), nil
		case s.current == '/' && s.peekAt(0) == '*':
			return s.readBlockComment()
		case s.current == '\'' || s.current == '"':
			return s.readString()
		case unicode.IsDigit(s.current):
			return s.readNumber(), nil
		case isIdentStart(s.current):
			return s.readWord(), nil
		default:
			return s.readPunct()
		}
	}
}

func (s *scanner) readWhitespace() Token {
	start := s.position()

	var b strings.Builder
	for s.current == ' ' || s.current == '\t' || s.current == '\r' || s.current == '\n' {
		b.WriteRune(s.current)
		s.readRune()
	}

	return Token{Kind: WHITESPACE, Text: b.String(), Position: start}
}

func (s *scanner) readLineComment() Token {
	start := s.position()

	var b strings.Builder
	for s.current != 0 && s.current != '\n' {
		b.WriteRune(s.current)
		s.readRune()
	}

	return Token{Kind: LINE_COMMENT, Text: b.String(), Position: start}
}

func (s *scanner) readBlockComment() (Token, error) {
	start := s.position()

	var b strings.Builder

	b.WriteRune(s.current) // '/'
	s.readRune()
	b.WriteRune(s.current) // '*'
	s.readRune()

	for {
		if s.current == 0 {
			return Token{}, fmt.Errorf("%w at line %d", sqlflow.ErrUnterminatedString, start.Line)
		}

		if s.current == '*' && s.peekAt(0) == '/' {
			b.WriteRune(s.current)
			s.readRune()
			b.WriteRune(s.current)
			s.readRune()

			break
		}

		b.WriteRune(s.current)
		s.readRune()
	}

	return Token{Kind: BLOCK_COMMENT, Text: b.String(), Position: start}, nil
}

// readString preserves ${...} interpolation markers verbatim; substitution
// happens in the resolver (C3), not here.
func (s *scanner) readString() (Token, error) {
	start := s.position()
	quote := s.current

	var b strings.Builder
	s.readRune()

	for {
		if s.current == 0 {
			return Token{}, fmt.Errorf("%w at line %d", sqlflow.ErrUnterminatedString, start.Line)
		}

		if s.current == quote {
			s.readRune()
			break
		}

		if s.current == '\\' && s.peekAt(0) != 0 {
			b.WriteRune(s.current)
			s.readRune()
			b.WriteRune(s.current)
			s.readRune()

			continue
		}

		b.WriteRune(s.current)
		s.readRune()
	}

	return Token{Kind: STRING, Text: b.String(), Position: start}, nil
}

func (s *scanner) readNumber() Token {
	start := s.position()

	var b strings.Builder
	for unicode.IsDigit(s.current) {
		b.WriteRune(s.current)
		s.readRune()
	}

	if s.current == '.' && unicode.IsDigit(rune(s.peekAt(0))) {
		b.WriteRune(s.current)
		s.readRune()

		for unicode.IsDigit(s.current) {
			b.WriteRune(s.current)
			s.readRune()
		}
	}

	return Token{Kind: NUMBER, Text: b.String(), Position: start}
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$'
}

func isIdentCont(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

func (s *scanner) readWord() Token {
	start := s.position()

	var b strings.Builder
	for isIdentCont(s.current) {
		b.WriteRune(s.current)
		s.readRune()
	}

	text := b.String()
	if Keywords[strings.ToUpper(text)] {
		return Token{Kind: KEYWORD, Text: strings.ToUpper(text), Position: start}
	}

	return Token{Kind: IDENT, Text: text, Position: start}
}

// punctRunes are single-character punctuation; multi-char operators are
// checked explicitly below before falling back to this set.
var punctRunes = map[rune]bool{
	'(': true, ')': true, '{': true, '}': true, '[': true, ']': true,
	',': true, ';': true, ':': true, '.': true,
	'=': true, '<': true, '>': true, '+': true, '-': true, '*': true, '/': true, '!': true,
}

func (s *scanner) readPunct() (Token, error) {
	start := s.position()
	r := s.current

	if !punctRunes[r] {
		return Token{}, fmt.Errorf("%w %q at line %d", sqlflow.ErrUnexpectedCharacter, r, start.Line)
	}

	text := string(r)
	s.readRune()

	switch r {
	case '=':
		if s.current == '=' {
			text += "="
			s.readRune()
		}
	case '!':
		if s.current == '=' {
			text += "="
			s.readRune()
		}
	case '<':
		if s.current == '=' || s.current == '>' {
			text += string(s.current)
			s.readRune()
		}
	case '>':
		if s.current == '=' {
			text += "="
			s.readRune()
		}
	}

	return Token{Kind: PUNCT, Text: text, Position: start}, nil
}
