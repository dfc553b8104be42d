// Package ldap parses and evaluates RFC 1960 style filter expressions over
// property maps, e.g. (&(objectClass=db.Store)(service.ranking>=10)).
package ldap

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/GoCodeAlone/osgi/props"
)

// ErrInvalidFilter is wrapped by every parse failure.
var ErrInvalidFilter = errors.New("invalid filter")

const (
	msgNull      = "Null query"
	msgMalformed = "Malformed query"
	msgOperator  = "Undefined operator"
	msgGarbage   = "Trailing garbage"
	msgEOS       = "Unexpected end of query"
)

// SyntaxError describes where parsing stopped.
type SyntaxError struct {
	Filter string
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	rest := ""
	if e.Offset < len(e.Filter) {
		rest = e.Filter[e.Offset:]
	}
	return fmt.Sprintf("%s: %s", e.Msg, rest)
}

func (e *SyntaxError) Unwrap() error { return ErrInvalidFilter }

type operator int

const (
	opEqual operator = iota
	opLessEq
	opGreaterEq
	opApprox
	opAnd
	opOr
	opNot
)

// wildcard marks an unescaped '*' inside a parsed value. Escaped stars stay
// as the literal '*' byte.
const wildcard = '\x00'

type node struct {
	op    operator
	attr  string
	value string
	args  []*node
}

// Filter is a parsed filter expression. The zero value is not usable; use
// Parse.
type Filter struct {
	root *node
	text string
}

// Parse compiles filter.
func Parse(filter string) (*Filter, error) {
	if filter == "" {
		return nil, &SyntaxError{Filter: filter, Msg: msgNull}
	}
	p := &parser{src: filter}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.rest()) != "" {
		return nil, p.fail(msgGarbage + " '" + p.rest() + "'")
	}
	return &Filter{root: root, text: filter}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(filter string) *Filter {
	f, err := Parse(filter)
	if err != nil {
		panic(err)
	}
	return f
}

// String renders the filter in canonical form.
func (f *Filter) String() string {
	var sb strings.Builder
	f.root.write(&sb)
	return sb.String()
}

// Source returns the text the filter was parsed from.
func (f *Filter) Source() string { return f.text }

// Match evaluates the filter against properties. Attribute names are
// matched ignoring case and may address nested maps with dotted paths.
func (f *Filter) Match(p props.Map) bool {
	return f.root.eval(func(attr string) (any, bool) { return p.Lookup(attr) })
}

// MatchMap evaluates the filter against a plain map.
func (f *Filter) MatchMap(m map[string]any) bool {
	p, err := props.New(m)
	if err != nil {
		return false
	}
	return f.Match(p)
}

// MatchCase evaluates the filter requiring exact attribute name case.
func (f *Filter) MatchCase(m map[string]any) bool {
	return f.root.eval(func(attr string) (any, bool) {
		v, ok := m[attr]
		return props.Normalize(v), ok
	})
}

// ObjectClasses returns the objectClass values an expression is restricted
// to when every branch pins one through plain equality. The second result
// is false when the filter can match arbitrary classes.
func (f *Filter) ObjectClasses(objectClassKey string) ([]string, bool) {
	return f.root.classes(objectClassKey)
}

func (n *node) classes(key string) ([]string, bool) {
	switch n.op {
	case opEqual:
		if strings.EqualFold(n.attr, key) && !strings.ContainsRune(n.value, wildcard) {
			return []string{n.value}, true
		}
		return nil, false
	case opAnd:
		for _, a := range n.args {
			if c, ok := a.classes(key); ok {
				return c, true
			}
		}
		return nil, false
	case opOr:
		var out []string
		for _, a := range n.args {
			c, ok := a.classes(key)
			if !ok {
				return nil, false
			}
			out = append(out, c...)
		}
		return out, true
	}
	return nil, false
}

func (n *node) write(sb *strings.Builder) {
	sb.WriteByte('(')
	switch n.op {
	case opAnd, opOr, opNot:
		sb.WriteByte("&|!"[n.op-opAnd])
		for _, a := range n.args {
			a.write(sb)
		}
	default:
		sb.WriteString(n.attr)
		sb.WriteString([]string{"=", "<=", ">=", "~="}[n.op])
		for i := 0; i < len(n.value); i++ {
			c := n.value[i]
			switch c {
			case '(', ')', '*', '\\':
				sb.WriteByte('\\')
				sb.WriteByte(c)
			case wildcard:
				sb.WriteByte('*')
			default:
				sb.WriteByte(c)
			}
		}
	}
	sb.WriteByte(')')
}

// Escape quotes the filter metacharacters in a literal attribute value.
func Escape(value string) string {
	var sb strings.Builder
	for i := 0; i < len(value); i++ {
		switch c := value[i]; c {
		case '(', ')', '*', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func (n *node) eval(lookup func(string) (any, bool)) bool {
	switch n.op {
	case opAnd:
		for _, a := range n.args {
			if !a.eval(lookup) {
				return false
			}
		}
		return true
	case opOr:
		for _, a := range n.args {
			if a.eval(lookup) {
				return true
			}
		}
		return false
	case opNot:
		return !n.args[0].eval(lookup)
	}
	v, ok := lookup(n.attr)
	if !ok {
		return false
	}
	return compare(v, n.op, n.value)
}

type parser struct {
	src string
	pos int
}

func (p *parser) fail(msg string) error {
	return &SyntaxError{Filter: p.src, Offset: p.pos, Msg: msg}
}

func (p *parser) eos() bool { return p.pos >= len(p.src) }

func (p *parser) rest() string {
	if p.eos() {
		return ""
	}
	return p.src[p.pos:]
}

func (p *parser) prefix(s string) bool {
	if strings.HasPrefix(p.src[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *parser) skipWhite() {
	for !p.eos() && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *parser) parseExpr() (*node, error) {
	p.skipWhite()
	if p.eos() {
		return nil, p.fail(msgEOS)
	}
	if !p.prefix("(") {
		return nil, p.fail(msgMalformed)
	}
	p.skipWhite()
	if p.eos() {
		return nil, p.fail(msgEOS)
	}

	var op operator
	switch p.src[p.pos] {
	case '&':
		op = opAnd
	case '|':
		op = opOr
	case '!':
		op = opNot
	default:
		return p.parseSimple()
	}
	p.pos++

	var args []*node
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		p.skipWhite()
		if p.eos() {
			return nil, p.fail(msgEOS)
		}
		if p.src[p.pos] != '(' {
			break
		}
	}
	if !p.prefix(")") || (op == opNot && len(args) > 1) {
		return nil, p.fail(msgMalformed)
	}
	return &node{op: op, args: args}, nil
}

func (p *parser) parseSimple() (*node, error) {
	attr, err := p.attributeName()
	if err != nil {
		return nil, err
	}
	if attr == "" {
		return nil, p.fail(msgMalformed)
	}

	var op operator
	switch {
	case p.prefix("="):
		op = opEqual
	case p.prefix("<="):
		op = opLessEq
	case p.prefix(">="):
		op = opGreaterEq
	case p.prefix("~="):
		op = opApprox
	default:
		return nil, p.fail(msgOperator)
	}

	value, err := p.attributeValue()
	if err != nil {
		return nil, err
	}
	if !p.prefix(")") {
		return nil, p.fail(msgMalformed)
	}
	return &node{op: op, attr: attr, value: value}, nil
}

func (p *parser) attributeName() (string, error) {
	start, end := p.pos, p.pos
	for ; ; p.pos++ {
		if p.eos() {
			return "", p.fail(msgEOS)
		}
		c := p.src[p.pos]
		if strings.IndexByte("()<>=~", c) >= 0 {
			break
		}
		if !unicode.IsSpace(rune(c)) {
			end = p.pos + 1
		}
	}
	return p.src[start:end], nil
}

func (p *parser) attributeValue() (string, error) {
	var sb strings.Builder
	depth := 0
	for {
		if p.eos() {
			return "", p.fail(msgEOS)
		}
		c := p.src[p.pos]
		switch c {
		case '(':
			depth++
			sb.WriteByte(c)
		case ')':
			if depth == 0 {
				return sb.String(), nil
			}
			depth--
			sb.WriteByte(c)
		case '*':
			sb.WriteByte(wildcard)
		case '\\':
			p.pos++
			if p.eos() {
				return "", p.fail(msgEOS)
			}
			sb.WriteByte(p.src[p.pos])
		default:
			sb.WriteByte(c)
		}
		p.pos++
	}
}
