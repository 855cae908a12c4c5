package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeysAndStripsWhitespace(t *testing.T) {
	got, err := CanonicalJSON(json.RawMessage(`{ "b": [1, 2],  "a": {"y": null, "x": true} }`))
	require.NoError(t, err)
	require.Equal(t, `{"a":{"x":true,"y":null},"b":[1,2]}`, string(got))
}

func TestCanonicalJSONPreservesNumberRepresentation(t *testing.T) {
	got, err := CanonicalJSON(json.RawMessage(`{"price":1.50,"qty":10}`))
	require.NoError(t, err)
	require.Equal(t, `{"price":1.50,"qty":10}`, string(got))
}

func TestHashIgnoresKeyOrder(t *testing.T) {
	h1, err := Hash(json.RawMessage(`{"a":1,"b":"x"}`))
	require.NoError(t, err)
	h2, err := Hash(json.RawMessage(`{"b":"x","a":1}`))
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)

	h3, err := Hash(json.RawMessage(`{"a":2,"b":"x"}`))
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestHashOfNativeValues(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": []any{"x", "y"}})
	require.NoError(t, err)
	h2, err := Hash(json.RawMessage(`{"b":["x","y"],"a":1}`))
	require.NoError(t, err)
	require.Equal(t, h2, h1)
}

func TestHashRawMatchesHash(t *testing.T) {
	canonical, err := CanonicalJSON(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	h, err := Hash(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, h, HashRaw(canonical))
}
