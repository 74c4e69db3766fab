package codec

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string          `json:"name"`
	Body json.RawMessage `json:"body,omitempty"`
}

func TestMarshalMatchesStdlibFieldNames(t *testing.T) {
	data, err := Marshal(sample{Name: "alice", Body: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"alice","body":{"a":1}}`, string(data))
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample{Name: "bob"}))

	var out sample
	require.NoError(t, Decode(&buf, &out))
	assert.Equal(t, "bob", out.Name)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var out sample
	assert.Error(t, Unmarshal([]byte("{not json"), &out))
}
