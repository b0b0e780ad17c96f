// Package filter implements the location query language used by `list --filter`:
//
//	country = SE and lat > 60
//	name contains "Stock" or country != 'NO'
//
// Expressions are combined strictly left to right; `and` does not bind tighter
// than `or`.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"weathercache/internal/models"
)

// Field is a filterable location attribute.
type Field string

const (
	FieldName      Field = "name"
	FieldCountry   Field = "country"
	FieldLatitude  Field = "lat"
	FieldLongitude Field = "lon"
)

var fieldAliases = map[string]Field{
	"name":      FieldName,
	"country":   FieldCountry,
	"lat":       FieldLatitude,
	"latitude":  FieldLatitude,
	"lon":       FieldLongitude,
	"longitude": FieldLongitude,
}

func (f Field) numeric() bool {
	return f == FieldLatitude || f == FieldLongitude
}

// Op is a comparator.
type Op string

const (
	OpEq       Op = "="
	OpNe       Op = "!="
	OpGt       Op = ">"
	OpLt       Op = "<"
	OpGe       Op = ">="
	OpLe       Op = "<="
	OpContains Op = "contains"
)

var operators = map[string]Op{
	"=":        OpEq,
	"!=":       OpNe,
	">":        OpGt,
	"<":        OpLt,
	">=":       OpGe,
	"<=":       OpLe,
	"contains": OpContains,
}

func (o Op) ordering() bool {
	return o == OpGt || o == OpLt || o == OpGe || o == OpLe
}

// Expr is a parsed filter expression. Match is pure.
type Expr interface {
	Match(loc models.Location) bool
	String() string
}

// Comparison is a single `field op literal` predicate. Number is set for the
// numeric fields, Text for the others.
type Comparison struct {
	Field  Field
	Op     Op
	Text   string
	Number float64
}

// And matches when both sides match.
type And struct {
	Left, Right Expr
}

// Or matches when either side matches.
type Or struct {
	Left, Right Expr
}

func (c *Comparison) Match(loc models.Location) bool {
	switch c.Field {
	case FieldName:
		return c.matchText(loc.Name)
	case FieldCountry:
		if loc.Country == nil {
			return false
		}
		return c.matchText(*loc.Country)
	case FieldLatitude:
		return c.matchNumber(loc.Latitude)
	case FieldLongitude:
		return c.matchNumber(loc.Longitude)
	}
	return false
}

func (c *Comparison) matchText(v string) bool {
	switch c.Op {
	case OpEq:
		return v == c.Text
	case OpNe:
		return v != c.Text
	case OpContains:
		return strings.Contains(v, c.Text)
	}
	return false
}

func (c *Comparison) matchNumber(v *float64) bool {
	if v == nil || models.IsMissing(*v) {
		return false
	}
	switch c.Op {
	case OpEq:
		return *v == c.Number
	case OpNe:
		return *v != c.Number
	case OpGt:
		return *v > c.Number
	case OpLt:
		return *v < c.Number
	case OpGe:
		return *v >= c.Number
	case OpLe:
		return *v <= c.Number
	}
	return false
}

func (c *Comparison) String() string {
	if c.Field.numeric() {
		return fmt.Sprintf("%s %s %s", c.Field, c.Op, strconv.FormatFloat(c.Number, 'g', -1, 64))
	}
	return fmt.Sprintf("%s %s %q", c.Field, c.Op, c.Text)
}

func (a *And) Match(loc models.Location) bool {
	return a.Left.Match(loc) && a.Right.Match(loc)
}

func (a *And) String() string {
	return fmt.Sprintf("(%s and %s)", a.Left, a.Right)
}

func (o *Or) Match(loc models.Location) bool {
	return o.Left.Match(loc) || o.Right.Match(loc)
}

func (o *Or) String() string {
	return fmt.Sprintf("(%s or %s)", o.Left, o.Right)
}

// Select returns the locations matching expr, keeping their order. A nil expr
// selects everything.
func Select(expr Expr, locs []models.Location) []models.Location {
	if expr == nil {
		return locs
	}
	out := make([]models.Location, 0, len(locs))
	for _, loc := range locs {
		if expr.Match(loc) {
			out = append(out, loc)
		}
	}
	return out
}
