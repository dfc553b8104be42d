package ldap

import (
	"math"
	"reflect"
	"strings"
	"unicode"

	"github.com/golobby/cast"
)

var (
	int64Type   = reflect.TypeOf(int64(0))
	float64Type = reflect.TypeOf(float64(0))
)

// compare applies op between a normalized property value and the raw filter
// operand. Conversion failures never match.
func compare(v any, op operator, operand string) bool {
	if v == nil {
		return false
	}
	if op == opEqual && operand == string(wildcard) {
		return true
	}

	switch t := v.(type) {
	case string:
		return compareString(t, op, operand)
	case bool:
		if op == opLessEq || op == opGreaterEq {
			return false
		}
		want := "false"
		if t {
			want = "true"
		}
		return strings.EqualFold(operand, want)
	case int64:
		n, ok := parseOperand(operand, int64Type)
		if !ok {
			return false
		}
		rhs := n.(int64)
		switch op {
		case opLessEq:
			return t <= rhs
		case opGreaterEq:
			return t >= rhs
		default:
			return t == rhs
		}
	case float64:
		f, ok := parseOperand(operand, float64Type)
		if !ok {
			return false
		}
		rhs := f.(float64)
		switch op {
		case opLessEq:
			return t <= rhs
		case opGreaterEq:
			return t >= rhs
		default:
			return math.Abs(t-rhs) < epsilon
		}
	case []any:
		for _, e := range t {
			if compare(e, op, operand) {
				return true
			}
		}
	}
	return false
}

// epsilon is the spacing of float64 values around 1.0.
const epsilon = 2.220446049250313e-16

func parseOperand(operand string, typ reflect.Type) (any, bool) {
	s := strings.TrimSpace(operand)
	if s == "" || strings.ContainsRune(s, wildcard) {
		return nil, false
	}
	v, err := cast.FromType(s, typ)
	if err != nil {
		return nil, false
	}
	return v, true
}

func compareString(s string, op operator, operand string) bool {
	switch op {
	case opLessEq:
		return strings.Compare(s, literal(operand)) <= 0
	case opGreaterEq:
		return strings.Compare(s, literal(operand)) >= 0
	case opApprox:
		return fold(s) == fold(literal(operand))
	default:
		return matchPattern(s, operand)
	}
}

// literal turns wildcard markers back into '*' for operators that do not
// interpret them.
func literal(operand string) string {
	return strings.ReplaceAll(operand, string(wildcard), "*")
}

// fold drops whitespace and lowercases, which is how approximate matches
// are compared.
func fold(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		sb.WriteRune(unicode.ToLower(r))
	}
	return sb.String()
}

// matchPattern reports whether s matches pat, where each wildcard marker
// stands for any run of bytes.
func matchPattern(s, pat string) bool {
	parts := strings.Split(pat, string(wildcard))
	if len(parts) == 1 {
		return s == pat
	}
	first, last := parts[0], parts[len(parts)-1]
	if !strings.HasPrefix(s, first) {
		return false
	}
	s = s[len(first):]
	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(s, mid)
		if i < 0 {
			return false
		}
		s = s[i+len(mid):]
	}
	return strings.HasSuffix(s, last)
}
