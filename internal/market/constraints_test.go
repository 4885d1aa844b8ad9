package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstraintsString(t *testing.T) {
	cs := Constraints{
		Eq(PropRuntimeName, "vm"),
		Eq(PropSubnet, "community.3"),
	}
	assert.Equal(t, "(&(golem.runtime.name=vm)(golem.node.debug.subnet=community.3))", cs.String())
	assert.Equal(t, "(golem.runtime.name=vm)", Constraints{Eq(PropRuntimeName, "vm")}.String())
	assert.Equal(t, "(&)", Constraints{}.String())
}

func TestParseAndMatch(t *testing.T) {
	props := map[string]any{
		PropRuntimeName:       "vm",
		PropSubnet:            "community.3",
		"golem.inf.mem.gib":   4.0,
		"golem.com.usage.vec": []any{"cpu", "duration"},
	}

	tests := []struct {
		expr  string
		match bool
	}{
		{"(&(golem.runtime.name=vm)(golem.node.debug.subnet=community.3))", true},
		{"(&(golem.runtime.name=wasm)(golem.node.debug.subnet=community.3))", false},
		{"(golem.runtime.name=vm)", true},
		{"(|(golem.runtime.name=wasm)(golem.runtime.name=vm))", true},
		{"(!(golem.runtime.name=vm))", false},
		{"(golem.inf.mem.gib>=2)", true},
		{"(golem.inf.mem.gib<=2)", false},
		{"(golem.com.usage.vec=cpu)", true},
		{"(golem.missing=*)", false},
		{"(golem.runtime.name=*)", true},
		{"(&)", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := ParseConstraints(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.match, e.Match(props))
		})
	}
}

func TestRoundTripEscapedValue(t *testing.T) {
	cs := Constraints{Eq("golem.node.id.name", `odd (name) \ here`), Eq(PropSubnet, "s")}
	e, err := ParseConstraints(cs.String())
	require.NoError(t, err)
	assert.True(t, e.Match(map[string]any{"golem.node.id.name": `odd (name) \ here`, PropSubnet: "s"}))
}

func TestParseErrors(t *testing.T) {
	for _, bad := range []string{
		"golem.runtime.name=vm",
		"(golem.runtime.name vm)",
		"(&(a=1)",
		"(=1)",
		"(a=1))",
		"(a=(1)",
	} {
		_, err := ParseConstraints(bad)
		assert.Error(t, err, bad)
	}
}
