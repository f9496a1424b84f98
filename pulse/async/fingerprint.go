package async

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/teranos/pulseline/errors"
)

// NormalizeParams validates params as a JSON object and returns its
// canonical encoding (sorted keys, no insignificant whitespace). Empty
// params normalise to {}.
func NormalizeParams(params json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(params)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, errors.Wrap(errors.NewInvalidRequestError("params must be a JSON object"), err.Error())
	}
	if obj == nil {
		return nil, errors.NewInvalidRequestError("params must be a JSON object, got null")
	}
	// encoding/json sorts map keys, which is what makes this canonical
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode params")
	}
	return out, nil
}

// MergeParams overlays override onto base, key by key.
func MergeParams(base, override json.RawMessage) (json.RawMessage, error) {
	b, err := NormalizeParams(base)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(override)) == 0 {
		return b, nil
	}
	o, err := NormalizeParams(override)
	if err != nil {
		return nil, err
	}

	var merged, over map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, errors.Wrap(err, "failed to decode base params")
	}
	if err := json.Unmarshal(o, &over); err != nil {
		return nil, errors.Wrap(err, "failed to decode override params")
	}
	for k, v := range over {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode merged params")
	}
	return out, nil
}

// Fingerprint is the concurrency lock key for (workflow, params). params
// must already be normalised.
func Fingerprint(workflow string, params json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(workflow))
	h.Write([]byte{0})
	h.Write(params)
	return workflow + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}
