package market

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is a constraint predicate.
type Op string

const (
	OpEq Op = "="
	OpLe Op = "<="
	OpGe Op = ">="
)

// Constraint is one key/predicate/value triple of a demand.
type Constraint struct {
	Key   string
	Op    Op
	Value string
}

// Eq builds an equality constraint.
func Eq(key string, value any) Constraint {
	return Constraint{Key: key, Op: OpEq, Value: fmt.Sprint(value)}
}

// String renders the clause as "(key=value)".
func (c Constraint) String() string {
	return "(" + c.Key + string(c.Op) + escapeValue(c.Value) + ")"
}

// Constraints is a conjunction of clauses.
type Constraints []Constraint

// String renders the conjunction as "(&(a=1)(b=2))". A single clause is
// rendered bare and an empty set as "(&)", which matches everything.
func (cs Constraints) String() string {
	if len(cs) == 1 {
		return cs[0].String()
	}
	var b strings.Builder
	b.WriteString("(&")
	for _, c := range cs {
		b.WriteString(c.String())
	}
	b.WriteString(")")
	return b.String()
}

func escapeValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(v)
}

// Expr is a parsed constraint expression that can be evaluated against
// offer properties.
type Expr interface {
	Match(props map[string]any) bool
}

type andExpr []Expr
type orExpr []Expr
type notExpr struct{ inner Expr }

func (a andExpr) Match(props map[string]any) bool {
	for _, e := range a {
		if !e.Match(props) {
			return false
		}
	}
	return true
}

func (o orExpr) Match(props map[string]any) bool {
	for _, e := range o {
		if e.Match(props) {
			return true
		}
	}
	return false
}

func (n notExpr) Match(props map[string]any) bool { return !n.inner.Match(props) }

// Match evaluates a single clause. List-valued properties match when any
// element does.
func (c Constraint) Match(props map[string]any) bool {
	v, ok := props[c.Key]
	if !ok {
		return false
	}
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if c.matchValue(item) {
				return true
			}
		}
		return false
	}
	return c.matchValue(v)
}

func (c Constraint) matchValue(v any) bool {
	if c.Op == OpEq {
		if c.Value == "*" {
			return true
		}
		return fmt.Sprint(v) == c.Value
	}
	have, err1 := strconv.ParseFloat(fmt.Sprint(v), 64)
	want, err2 := strconv.ParseFloat(c.Value, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	if c.Op == OpLe {
		return have <= want
	}
	return have >= want
}

// ParseConstraints parses an expression produced by Constraints.String,
// also accepting "|" and "!" groups.
func ParseConstraints(s string) (Expr, error) {
	p := &parser{src: strings.TrimSpace(s)}
	if p.src == "" {
		return andExpr(nil), nil
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("constraints: trailing input at offset %d", p.pos)
	}
	return e, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\n' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return fmt.Errorf("constraints: expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) expr() (Expr, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("constraints: unexpected end of input")
	}

	var e Expr
	switch p.src[p.pos] {
	case '&', '|':
		op := p.src[p.pos]
		p.pos++
		var list []Expr
		for {
			p.skipSpace()
			if p.pos < len(p.src) && p.src[p.pos] == ')' {
				break
			}
			sub, err := p.expr()
			if err != nil {
				return nil, err
			}
			list = append(list, sub)
		}
		if op == '&' {
			e = andExpr(list)
		} else {
			e = orExpr(list)
		}
	case '!':
		p.pos++
		sub, err := p.expr()
		if err != nil {
			return nil, err
		}
		e = notExpr{inner: sub}
	default:
		c, err := p.clause()
		if err != nil {
			return nil, err
		}
		e = c
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *parser) clause() (Constraint, error) {
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune("=<>()", rune(p.src[p.pos])) {
		p.pos++
	}
	key := strings.TrimSpace(p.src[start:p.pos])
	if key == "" {
		return Constraint{}, fmt.Errorf("constraints: missing key at offset %d", start)
	}

	var op Op
	switch {
	case strings.HasPrefix(p.src[p.pos:], "<="):
		op = OpLe
	case strings.HasPrefix(p.src[p.pos:], ">="):
		op = OpGe
	case strings.HasPrefix(p.src[p.pos:], "="):
		op = OpEq
	default:
		return Constraint{}, fmt.Errorf("constraints: missing operator after %q", key)
	}
	p.pos += len(op)

	var val strings.Builder
	for p.pos < len(p.src) && p.src[p.pos] != ')' {
		ch := p.src[p.pos]
		if ch == '\\' && p.pos+1 < len(p.src) {
			p.pos++
			ch = p.src[p.pos]
		} else if ch == '(' {
			return Constraint{}, fmt.Errorf("constraints: unescaped '(' in value of %q", key)
		}
		val.WriteByte(ch)
		p.pos++
	}
	return Constraint{Key: key, Op: op, Value: val.String()}, nil
}
