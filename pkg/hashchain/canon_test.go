package hashchain_test

import (
	"testing"

	"github.com/agentops/controlplane/pkg/hashchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_SortsKeysAtEveryLevel(t *testing.T) {
	v := map[string]any{
		"b": 1.0,
		"a": map[string]any{
			"z": 1.0,
			"y": 2.0,
		},
	}
	got := string(hashchain.Encode(v))
	assert.Equal(t, `{"a":{"y":2,"z":1},"b":1}`, got)
}

func TestEncode_RetainsNullOmitsAbsent(t *testing.T) {
	v := map[string]any{
		"present": nil,
	}
	got := string(hashchain.Encode(v))
	assert.Equal(t, `{"present":null}`, got)
}

func TestEncode_NumbersShortestRoundTrip(t *testing.T) {
	assert.Equal(t, `1`, string(hashchain.Encode(1.0)))
	assert.Equal(t, `1.5`, string(hashchain.Encode(1.5)))
	assert.Equal(t, `0`, string(hashchain.Encode(0.0)))
}

func TestEncode_StringEscaping(t *testing.T) {
	got := string(hashchain.Encode("a\"b\\c\nd"))
	assert.Equal(t, `"a\"b\\c\nd"`, got)
}

func TestToCanonicalValue_StructTags(t *testing.T) {
	type payload struct {
		A string `json:"a"`
		B int    `json:"b,omitempty"`
	}
	v, err := hashchain.ToCanonicalValue(payload{A: "x"})
	require.NoError(t, err)
	got := string(hashchain.Encode(v))
	assert.Equal(t, `{"a":"x"}`, got)
}

func TestHash_DeterministicAndChained(t *testing.T) {
	env := map[string]any{"event_type": "message.created", "stream_seq": 1.0}

	h1, err := hashchain.Hash(env, "")
	require.NoError(t, err)
	h2, err := hashchain.Hash(env, "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hash must be deterministic for identical input")

	h3, err := hashchain.Hash(env, h1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "chaining on prev_hash must change the digest")
}

func TestHash_TamperDetectable(t *testing.T) {
	original := map[string]any{"data": map[string]any{"x": 1.0}}
	tampered := map[string]any{"data": map[string]any{"x": 2.0}}

	h1, err := hashchain.Hash(original, "")
	require.NoError(t, err)
	h2, err := hashchain.Hash(tampered, "")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
