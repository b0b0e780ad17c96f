package filter

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"weathercache/internal/errkind"
)

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"[^"]*"|'[^']*'`},
	{Name: "Op", Pattern: `[!<>=]+`},
	{Name: "Word", Pattern: `[^\s"'!<>=]+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

// grammar is deliberately loose: field names, comparators and conjunctions are
// captured as plain tokens and checked afterwards so errors can name them.
type grammar struct {
	Head *term   `parser:"@@"`
	Tail []*link `parser:"@@*"`
}

type link struct {
	Conj *token `parser:"@@"`
	Term *term  `parser:"@@"`
}

type term struct {
	Field *token   `parser:"@@"`
	Op    *token   `parser:"@@"`
	Value *literal `parser:"@@"`
}

type token struct {
	Pos  lexer.Position
	Text string `parser:"@(Word | Op)"`
}

type literal struct {
	Pos    lexer.Position
	Quoted *string `parser:"  @String"`
	Bare   *string `parser:"| @Word"`
}

func (l *literal) text() string {
	if l.Quoted != nil {
		q := *l.Quoted
		return q[1 : len(q)-1]
	}
	return *l.Bare
}

func (l *literal) raw() string {
	if l.Quoted != nil {
		return *l.Quoted
	}
	return *l.Bare
}

var parser = participle.MustBuild[grammar](
	participle.Lexer(filterLexer),
	participle.Elide("Whitespace"),
)

// ParseError reports malformed filter text. Pos is the 1-based column of Token.
type ParseError struct {
	Token string
	Pos   int
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("filter parse error at column %d: %s", e.Pos, e.Msg)
	}
	return fmt.Sprintf("filter parse error at column %d near %q: %s", e.Pos, e.Token, e.Msg)
}

func (e *ParseError) ErrorKind() errkind.Kind { return errkind.Parse }

// TypeError reports a comparator or literal that does not fit the field type.
type TypeError struct {
	Field Field
	Op    Op
	Token string
	Pos   int
	Msg   string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("filter type error at column %d: %s", e.Pos, e.Msg)
}

func (e *TypeError) ErrorKind() errkind.Kind { return errkind.Type }

// Parse turns filter text into an expression tree. Errors are *ParseError or
// *TypeError.
func Parse(text string) (Expr, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Pos: 1, Msg: "empty filter expression"}
	}

	g, err := parser.ParseString("", text)
	if err != nil {
		return nil, convertError(err)
	}

	head, err := buildTerm(g.Head)
	if err != nil {
		return nil, err
	}
	var expr Expr = head
	for _, l := range g.Tail {
		conj := strings.ToLower(l.Conj.Text)
		if conj != "and" && conj != "or" {
			return nil, &ParseError{Token: l.Conj.Text, Pos: l.Conj.Pos.Column, Msg: "expected 'and' or 'or'"}
		}
		right, err := buildTerm(l.Term)
		if err != nil {
			return nil, err
		}
		if conj == "and" {
			expr = &And{Left: expr, Right: right}
		} else {
			expr = &Or{Left: expr, Right: right}
		}
	}
	return expr, nil
}

// MustParse is Parse for expressions known to be valid.
func MustParse(text string) Expr {
	expr, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return expr
}

func buildTerm(t *term) (*Comparison, error) {
	field, ok := fieldAliases[strings.ToLower(t.Field.Text)]
	if !ok {
		return nil, &ParseError{Token: t.Field.Text, Pos: t.Field.Pos.Column, Msg: "unknown field"}
	}
	op, ok := operators[strings.ToLower(t.Op.Text)]
	if !ok {
		return nil, &ParseError{Token: t.Op.Text, Pos: t.Op.Pos.Column, Msg: "unknown comparator"}
	}

	c := &Comparison{Field: field, Op: op}
	if !field.numeric() {
		if op.ordering() {
			return nil, &TypeError{
				Field: field, Op: op, Token: t.Op.Text, Pos: t.Op.Pos.Column,
				Msg: fmt.Sprintf("comparator %s requires a numeric field, %s is text", op, field),
			}
		}
		c.Text = t.Value.text()
		return c, nil
	}

	if op == OpContains {
		return nil, &TypeError{
			Field: field, Op: op, Token: t.Op.Text, Pos: t.Op.Pos.Column,
			Msg: fmt.Sprintf("contains requires a text field, %s is numeric", field),
		}
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(t.Value.text()), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, &TypeError{
			Field: field, Op: op, Token: t.Value.raw(), Pos: t.Value.Pos.Column,
			Msg: fmt.Sprintf("%s expects a number, got %s", field, t.Value.raw()),
		}
	}
	c.Number = n
	return c, nil
}

func convertError(err error) error {
	var ute *participle.UnexpectedTokenError
	if errors.As(err, &ute) {
		tok := ute.Unexpected.Value
		msg := "unexpected token"
		if ute.Unexpected.EOF() {
			tok = ""
			msg = "unexpected end of expression"
		}
		return &ParseError{Token: tok, Pos: ute.Unexpected.Pos.Column, Msg: msg}
	}
	var perr participle.Error
	if errors.As(err, &perr) {
		return &ParseError{Pos: perr.Position().Column, Msg: perr.Message()}
	}
	return &ParseError{Pos: 1, Msg: err.Error()}
}
