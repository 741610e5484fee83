// Package remote implements the Remote Loader of spec.md §4.5: fetch,
// verify, parse, download artifacts, normalize into Candidates, diff and
// apply against the resolver, with exponential-backoff-and-jitter inside
// a circuit breaker.
//
// The manifest shape and digest/signature verification sequence are
// grounded directly on cmd/slctl/manifest.go's manifest struct and
// verifyResource/downloadBundle flow; the circuit breaker and retry
// wrapping are ported from infrastructure/resilience.
package remote

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"

	"github.com/oneiric-dev/oneiric/internal/candidate"
)

// Manifest is the wire format of spec.md §3/§6: a signed descriptor
// listing remote candidates and their artifacts.
type Manifest struct {
	Version               int              `json:"version" yaml:"version"`
	Entries               []ManifestEntry  `json:"entries" yaml:"entries"`
	PublicKey             string           `json:"public_key" yaml:"public_key"`
	HTTPTimeoutSeconds    int              `json:"http_timeout_seconds,omitempty" yaml:"http_timeout_seconds,omitempty"`
	Signature             string           `json:"signature" yaml:"signature"`
}

// ManifestEntry is one candidate described by a RemoteManifest.
type ManifestEntry struct {
	Domain       candidate.Domain `json:"domain" yaml:"domain"`
	Key          string           `json:"key" yaml:"key"`
	Provider     string           `json:"provider" yaml:"provider"`
	Factory      string           `json:"factory" yaml:"factory"`
	URI          string           `json:"uri,omitempty" yaml:"uri,omitempty"`
	DigestSHA256 string           `json:"digest_sha256,omitempty" yaml:"digest_sha256,omitempty"`
	Signature    string           `json:"signature,omitempty" yaml:"signature,omitempty"`
	Settings     map[string]any   `json:"settings,omitempty" yaml:"settings,omitempty"`
	Priority     int              `json:"priority,omitempty" yaml:"priority,omitempty"`
	StackLevel   int              `json:"stack_level,omitempty" yaml:"stack_level,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// PublicKeyBytes decodes the manifest's base64 Ed25519 public key.
func (m *Manifest) PublicKeyBytes() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(m.PublicKey)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// SignatureBytes decodes the manifest's base64 Ed25519 signature.
func (m *Manifest) SignatureBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Signature)
}

// SignedPayload returns the manifest with `signature` removed, the
// canonical form the signature was computed over (spec.md §6).
func (m *Manifest) SignedPayload() map[string]any {
	raw, _ := json.Marshal(m)
	var generic map[string]any
	_ = json.Unmarshal(raw, &generic)
	delete(generic, "signature")
	return generic
}
