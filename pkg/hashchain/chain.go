package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ToCanonicalValue converts an arbitrary JSON-tagged struct (or map) into the
// map[string]any / []any tree Encode expects, going through encoding/json so
// field tags, omitempty and custom marshalers are honored exactly as they
// are everywhere else in the codebase.
func ToCanonicalValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Hash computes H(envelope, prevHash) = SHA-256(canonical(envelope) ||
// prevHashBytes), returned as lowercase hex — spec.md §4.1 step 3 and §8.
//
// prevHash is the hex-encoded hash of the previous event in the stream, or
// the empty string for the first event (stream_seq == 1).
func Hash(envelopeExcludingHashes any, prevHash string) (string, error) {
	canonicalValue, err := ToCanonicalValue(envelopeExcludingHashes)
	if err != nil {
		return "", err
	}
	encoded := Encode(canonicalValue)

	h := sha256.New()
	h.Write(encoded)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}
