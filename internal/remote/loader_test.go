package remote_test

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/onerr"
	"github.com/oneiric-dev/oneiric/internal/remote"
	"github.com/oneiric-dev/oneiric/internal/resolver"
	"github.com/oneiric-dev/oneiric/internal/security"
)

// fakeTransport serves fixed byte payloads keyed by URI, so tests never
// touch the network or filesystem.
type fakeTransport struct {
	payloads map[string][]byte
	calls    map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{payloads: map[string][]byte{}, calls: map[string]int{}}
}

func (f *fakeTransport) Fetch(_ context.Context, uri string, maxBytes int64) ([]byte, error) {
	f.calls[uri]++
	data, ok := f.payloads[uri]
	if !ok {
		return nil, fmt.Errorf("no such uri: %s", uri)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("fetch %s: exceeds maximum size", uri)
	}
	return data, nil
}

func signManifest(t *testing.T, priv ed25519.PrivateKey, m *remote.Manifest) {
	t.Helper()
	payload, err := security.Canonicalize(m.SignedPayload())
	require.NoError(t, err)
	sig := ed25519.Sign(priv, payload)
	m.Signature = base64.StdEncoding.EncodeToString(sig)
}

func newTestLoader(t *testing.T, transport *fakeTransport) (*remote.Loader, *resolver.Resolver, string) {
	t.Helper()
	r := resolver.New()
	cacheDir := t.TempDir()
	sanitizer, err := security.NewPathSanitizer(cacheDir)
	require.NoError(t, err)

	l := remote.New(remote.Options{
		Resolver:  r,
		Allowlist: security.DefaultAllowlist("oneiric.adapters.*"),
		Sanitizer: sanitizer,
		Transport:            transport,
		MaxBytes:             1 << 20,
		RateLimitBytesPerSec: 64 << 20,
	})
	return l, r, cacheDir
}

func TestSync_ValidManifest_RegistersCandidates(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	transport := newFakeTransport()
	l, r, _ := newTestLoader(t, transport)

	m := &remote.Manifest{
		Version:   1,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Entries: []remote.ManifestEntry{
			{Domain: candidate.DomainAdapter, Key: "cache", Provider: "redis", Factory: "oneiric.adapters.redis", Priority: 10},
		},
	}
	signManifest(t, priv, m)
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	transport.payloads["https://example.test/manifest.json"] = raw
	l.AddSource(remote.Source{URI: "https://example.test/manifest.json"})

	summary := l.Sync(context.Background(), "https://example.test/manifest.json")
	require.NoError(t, summary.Err)
	assert.Equal(t, 1, summary.Added)

	result, err := r.Resolve(candidate.DomainAdapter, "cache", nil)
	require.NoError(t, err)
	require.NotNil(t, result.Winner)
	assert.Equal(t, "redis", result.Winner.Provider)
	assert.Equal(t, candidate.SourceRemoteManifest, result.Winner.Source)
}

// TestSync_BadSignature_IsIntegrityFailureAndNotRetried implements
// spec.md §8 scenario 3: a tampered manifest must fail as an integrity
// error, never be silently retried, and never open the circuit breaker
// (integrity failures are not transient).
func TestSync_BadSignature_IsIntegrityFailureAndNotRetried(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = pub

	transport := newFakeTransport()
	l, r, _ := newTestLoader(t, transport)

	m := &remote.Manifest{
		Version:   1,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Entries: []remote.ManifestEntry{
			{Domain: candidate.DomainAdapter, Key: "cache", Provider: "redis", Factory: "oneiric.adapters.redis"},
		},
	}
	signManifest(t, priv, m)
	// Tamper with the payload after signing.
	m.Entries[0].Priority = 999

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	transport.payloads["https://example.test/manifest.json"] = raw
	l.AddSource(remote.Source{URI: "https://example.test/manifest.json"})

	summary := l.Sync(context.Background(), "https://example.test/manifest.json")
	require.Error(t, summary.Err)
	assert.True(t, onerr.Is(summary.Err, onerr.KindIntegrityFailure))
	assert.Equal(t, 1, transport.calls["https://example.test/manifest.json"], "integrity failure must not trigger a retry")

	_, resolveErr := r.Resolve(candidate.DomainAdapter, "cache", nil)
	assert.Error(t, resolveErr, "a tampered manifest must register nothing")
}

// TestSync_ArtifactPathTraversal_IsRejected implements spec.md §8
// scenario 5: a manifest entry cannot escape the artifact cache root,
// and one bad entry must not block the rest of the manifest.
func TestSync_ArtifactPathTraversal_IsRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	transport := newFakeTransport()
	l, r, _ := newTestLoader(t, transport)

	goodArtifact := []byte("good-artifact-bytes")
	goodDigest := sha256.Sum256(goodArtifact)

	m := &remote.Manifest{
		Version:   1,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Entries: []remote.ManifestEntry{
			{
				Domain: candidate.DomainAdapter, Key: "cache", Provider: "good",
				Factory: "oneiric.adapters.good", URI: "https://example.test/artifacts/good.bin",
				DigestSHA256: hex.EncodeToString(goodDigest[:]),
			},
			{
				Domain: candidate.DomainAdapter, Key: "../../../../etc/escape", Provider: "evil",
				Factory: "oneiric.adapters.evil", URI: "https://example.test/artifacts/evil.bin",
				DigestSHA256: hex.EncodeToString(goodDigest[:]),
			},
		},
	}
	signManifest(t, priv, m)
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	transport.payloads["https://example.test/manifest.json"] = raw
	transport.payloads["https://example.test/artifacts/good.bin"] = goodArtifact
	transport.payloads["https://example.test/artifacts/evil.bin"] = goodArtifact
	l.AddSource(remote.Source{URI: "https://example.test/manifest.json"})

	summary := l.Sync(context.Background(), "https://example.test/manifest.json")
	require.NoError(t, summary.Err)
	assert.Equal(t, 1, summary.Added, "only the well-formed entry should be applied")

	_, err = r.Resolve(candidate.DomainAdapter, "cache", nil)
	assert.NoError(t, err, "the valid sibling entry must still be applied")
}

func TestSync_Unchanged_IsNoOp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	transport := newFakeTransport()
	l, r, _ := newTestLoader(t, transport)

	m := &remote.Manifest{
		Version:   1,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Entries: []remote.ManifestEntry{
			{Domain: candidate.DomainAdapter, Key: "cache", Provider: "redis", Factory: "oneiric.adapters.redis"},
		},
	}
	signManifest(t, priv, m)
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	transport.payloads["https://example.test/manifest.json"] = raw
	l.AddSource(remote.Source{URI: "https://example.test/manifest.json"})

	first := l.Sync(context.Background(), "https://example.test/manifest.json")
	require.NoError(t, first.Err)
	assert.False(t, first.Unchanged)

	second := l.Sync(context.Background(), "https://example.test/manifest.json")
	require.NoError(t, second.Err)
	assert.True(t, second.Unchanged)

	_, err = r.Resolve(candidate.DomainAdapter, "cache", nil)
	require.NoError(t, err)
}

// TestSync_DigestMismatch_AbortsWholeManifest implements spec.md §8
// scenario 3: one entry's artifact failing its digest_sha256 check
// rejects the entire manifest, even though a sibling entry's artifact
// is perfectly valid — a digest mismatch means the source is untrusted,
// not that one entry is bad.
func TestSync_DigestMismatch_AbortsWholeManifest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	transport := newFakeTransport()
	l, r, _ := newTestLoader(t, transport)

	goodArtifact := []byte("good-artifact-bytes")
	goodDigest := sha256.Sum256(goodArtifact)
	tamperedArtifact := []byte("tampered-in-transit")

	m := &remote.Manifest{
		Version:   1,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Entries: []remote.ManifestEntry{
			{
				Domain: candidate.DomainAdapter, Key: "cache", Provider: "good",
				Factory: "oneiric.adapters.good", URI: "https://example.test/artifacts/good.bin",
				DigestSHA256: hex.EncodeToString(goodDigest[:]),
			},
			{
				Domain: candidate.DomainAdapter, Key: "queue", Provider: "bad",
				Factory: "oneiric.adapters.bad", URI: "https://example.test/artifacts/bad.bin",
				DigestSHA256: hex.EncodeToString(goodDigest[:]), // deliberately wrong for the bytes actually served
			},
		},
	}
	signManifest(t, priv, m)
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	transport.payloads["https://example.test/manifest.json"] = raw
	transport.payloads["https://example.test/artifacts/good.bin"] = goodArtifact
	transport.payloads["https://example.test/artifacts/bad.bin"] = tamperedArtifact
	l.AddSource(remote.Source{URI: "https://example.test/manifest.json"})

	summary := l.Sync(context.Background(), "https://example.test/manifest.json")
	require.Error(t, summary.Err)
	assert.True(t, onerr.Is(summary.Err, onerr.KindIntegrityFailure))
	assert.Zero(t, summary.Added, "no entries should be promoted when any artifact fails its digest check")

	_, err = r.Resolve(candidate.DomainAdapter, "cache", nil)
	assert.Error(t, err, "even the well-formed sibling entry must not be registered")
}
