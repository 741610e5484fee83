package security

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
)

// SignatureVerifier checks an Ed25519 signature over the canonical byte
// serialization of a manifest or artifact.
type SignatureVerifier struct {
	publicKey ed25519.PublicKey
}

// NewSignatureVerifier constructs a verifier bound to a single public
// key, as named in a RemoteManifest's public_key field.
func NewSignatureVerifier(publicKey ed25519.PublicKey) *SignatureVerifier {
	return &SignatureVerifier{publicKey: publicKey}
}

// Verify reports whether signature is a valid Ed25519 signature over
// data under this verifier's public key.
func (v *SignatureVerifier) Verify(data, signature []byte) bool {
	if len(v.publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(v.publicKey, data, signature)
}

// Canonicalize produces the deterministic byte encoding spec.md §4.2
// requires for signing: UTF-8 JSON, keys sorted recursively, no
// insignificant whitespace. v must already be JSON-marshalable (maps,
// slices, structs with json tags).
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode for canonicalization: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
