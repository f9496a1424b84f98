package async

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulseline/errors"
)

func TestNormalizeParams(t *testing.T) {
	out, err := NormalizeParams(json.RawMessage(` {"b": [1, 2], "a": {"y": 1, "x": 2}} `))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"x":2,"y":1},"b":[1,2]}`, string(out))

	out, err = NormalizeParams(nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(out))

	big, err := NormalizeParams(json.RawMessage(`{"n": 12345678901234567890}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":12345678901234567890}`, string(big), "numbers keep their precision")

	for _, bad := range []string{`[1]`, `"star"`, `null`, `{"a":`, `42`} {
		_, err := NormalizeParams(json.RawMessage(bad))
		assert.True(t, errors.IsInvalidRequestError(err), bad)
	}
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a, _ := NormalizeParams(json.RawMessage(`{"x":1,"y":2}`))
	b, _ := NormalizeParams(json.RawMessage(`{"y":2,"x":1}`))
	c, _ := NormalizeParams(json.RawMessage(`{"y":3,"x":1}`))

	assert.Equal(t, Fingerprint("inhale", a), Fingerprint("inhale", b))
	assert.NotEqual(t, Fingerprint("inhale", a), Fingerprint("inhale", c))
	assert.NotEqual(t, Fingerprint("inhale", a), Fingerprint("exhale", a))
	assert.Contains(t, Fingerprint("inhale", a), "inhale:")
}

func TestMergeParams(t *testing.T) {
	out, err := MergeParams(json.RawMessage(`{"lane":"a","n":1}`), json.RawMessage(`{"n":2,"extra":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lane":"a","n":2,"extra":true}`, string(out))

	out, err = MergeParams(json.RawMessage(`{"n":1}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(out))

	_, err = MergeParams(json.RawMessage(`{"n":1}`), json.RawMessage(`[]`))
	assert.Error(t, err)
}
