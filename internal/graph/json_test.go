package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeJSONRoundTripsNestedApplications(t *testing.T) {
	n := Apply("add",
		Ref("a"),
		Lit(float64(2)),
		Nest(Apply(IdentityFunc, Ref("b"))),
	)

	data, err := json.Marshal(n)
	require.NoError(t, err)

	var back Node
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, KindApplication, back.Kind)
	assert.Equal(t, "add", back.Func)
	require.Len(t, back.Args, 3)
	assert.Equal(t, Key("a"), back.Args[0].KeyRef)
	assert.Equal(t, float64(2), back.Args[1].Literal)
	require.NotNil(t, back.Args[2].Nested)
	assert.Equal(t, IdentityFunc, back.Args[2].Nested.Func)
}

func TestNodeJSONRejectsUnknownKind(t *testing.T) {
	var n Node
	err := json.Unmarshal([]byte(`{"kind":"mystery"}`), &n)
	assert.Error(t, err)
}
