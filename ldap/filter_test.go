package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/osgi/props"
)

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		msg    string
	}{
		{name: "empty", filter: "", msg: msgNull},
		{name: "no parens", filter: "name=x", msg: msgMalformed},
		{name: "missing operator", filter: "(name)", msg: msgOperator},
		{name: "empty attribute", filter: "(=x)", msg: msgMalformed},
		{name: "trailing garbage", filter: "(a=b)c", msg: msgGarbage},
		{name: "unterminated", filter: "(a=b", msg: msgEOS},
		{name: "not with two operands", filter: "(!(a=1)(b=2))", msg: msgMalformed},
		{name: "empty and", filter: "(&)", msg: msgMalformed},
		{name: "dangling escape", filter: "(a=\\", msg: msgEOS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.filter)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFilter)

			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			assert.Contains(t, se.Msg, tt.msg)
		})
	}
}

func TestMatch(t *testing.T) {
	p := props.MustNew(map[string]any{
		"objectClass":     []string{"db.Store", "db.Reader"},
		"service.ranking": 10,
		"Name":            "Micro Services",
		"weight":          1.5,
		"enabled":         true,
		"tags":            []any{"fast", "cheap"},
		"nested":          map[string]any{"zone": "eu-west"},
	})

	tests := []struct {
		filter string
		want   bool
	}{
		{"(objectclass=db.Store)", true},
		{"(OBJECTCLASS=db.Writer)", false},
		{"(service.ranking>=5)", true},
		{"(service.ranking<=5)", false},
		{"(service.ranking=10)", true},
		{"(service.ranking=abc)", false},
		{"(name=Micro*)", true},
		{"(name=*Serv*)", true},
		{"(name=*vices)", true},
		{"(name=Mi*x*s)", false},
		{"(name~=microservices)", true},
		{"(name>=Abra)", true},
		{"(name<=Oink)", true},
		{"(weight>=0.1)", true},
		{"(weight<=2.0)", true},
		{"(weight=1.5)", true},
		{"(weight=1.5zzz)", false},
		{"(enabled=TRUE)", true},
		{"(enabled<=true)", false},
		{"(tags=cheap)", true},
		{"(tags=slow)", false},
		{"(nested.zone=eu-*)", true},
		{"(missing=*)", false},
		{"(name=*)", true},
		{"(!(hosed=1))", true},
		{"(&(objectClass=db.Store)(service.ranking>=10))", true},
		{"(&(objectClass=db.Store)(service.ranking>=11))", false},
		{"(|(objectClass=nope)(enabled=true))", true},
		{"  ( & (name=Micro Services) (tags=fast) )  ", true},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			f, err := Parse(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(p))
		})
	}
}

func TestEscapes(t *testing.T) {
	f := MustParse(`(path=a\*b\(c\))`)
	assert.True(t, f.MatchMap(map[string]any{"path": "a*b(c)"}))
	assert.False(t, f.MatchMap(map[string]any{"path": "axb(c)"}))
	assert.Equal(t, `(path=a\*b\(c\))`, f.String())
}

func TestEscape(t *testing.T) {
	v := `a*b(c)\d`
	assert.Equal(t, `a\*b\(c\)\\d`, Escape(v))
	f := MustParse("(path=" + Escape(v) + ")")
	assert.True(t, f.MatchMap(map[string]any{"path": v}))
}

func TestBalancedParensInValue(t *testing.T) {
	f := MustParse("(expr=f(x))")
	assert.True(t, f.MatchMap(map[string]any{"expr": "f(x)"}))
}

func TestMatchCase(t *testing.T) {
	f := MustParse("(Name=x)")
	assert.True(t, f.MatchCase(map[string]any{"Name": "x"}))
	assert.False(t, f.MatchCase(map[string]any{"name": "x"}))
	assert.True(t, f.MatchMap(map[string]any{"name": "x"}))
}

func TestString(t *testing.T) {
	f := MustParse("(&(a=1)(|(b=x*)(!(c<=3))))")
	assert.Equal(t, "(&(a=1)(|(b=x*)(!(c<=3))))", f.String())
	assert.Equal(t, "(&(a=1)(|(b=x*)(!(c<=3))))", f.Source())
}

func TestObjectClasses(t *testing.T) {
	classes, ok := MustParse("(&(objectClass=a.B)(x=1))").ObjectClasses("objectclass")
	require.True(t, ok)
	assert.Equal(t, []string{"a.B"}, classes)

	classes, ok = MustParse("(|(objectClass=a.B)(objectClass=c.D))").ObjectClasses("objectclass")
	require.True(t, ok)
	assert.Equal(t, []string{"a.B", "c.D"}, classes)

	_, ok = MustParse("(|(objectClass=a.B)(x=1))").ObjectClasses("objectclass")
	assert.False(t, ok)

	_, ok = MustParse("(objectClass=a.*)").ObjectClasses("objectclass")
	assert.False(t, ok)
}
