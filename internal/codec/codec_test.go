package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func TestMarshal_Compact(t *testing.T) {
	data, err := Marshal(sample{Path: "a<b>&c.txt", Size: 3})
	require.NoError(t, err)
	assert.Equal(t, `{"path":"a<b>&c.txt","size":3}`, string(data))
}

func TestMarshal_Deterministic(t *testing.T) {
	v := []sample{{"a", 1}, {"b", 2}}
	first, err := Marshal(v)
	require.NoError(t, err)
	second, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample{Path: "x", Size: 9}))

	var out sample
	require.NoError(t, Decode(&buf, &out))
	assert.Equal(t, sample{Path: "x", Size: 9}, out)
}

func TestUnmarshal_Invalid(t *testing.T) {
	var out sample
	assert.Error(t, Unmarshal([]byte("{nope"), &out))
}
