package security_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric-dev/oneiric/internal/security"
)

func TestSignatureVerifier_VerifiesValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload, err := security.Canonicalize(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	sig := ed25519.Sign(priv, payload)
	v := security.NewSignatureVerifier(pub)
	assert.True(t, v.Verify(payload, sig))
}

func TestSignatureVerifier_RejectsTamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload, err := security.Canonicalize(map[string]any{"a": 1})
	require.NoError(t, err)
	sig := ed25519.Sign(priv, payload)

	v := security.NewSignatureVerifier(pub)
	assert.False(t, v.Verify(append(payload, 'x'), sig))
}

func TestCanonicalize_SortsKeysRecursively(t *testing.T) {
	a, err := security.Canonicalize(map[string]any{"z": 1, "a": map[string]any{"y": 2, "b": 3}})
	require.NoError(t, err)
	b, err := security.Canonicalize(map[string]any{"a": map[string]any{"b": 3, "y": 2}, "z": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
