package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/metrics"
	"github.com/oneiric-dev/oneiric/internal/oneiriclog"
	"github.com/oneiric-dev/oneiric/internal/onerr"
	"github.com/oneiric-dev/oneiric/internal/resilience"
	"github.com/oneiric-dev/oneiric/internal/resolver"
	"github.com/oneiric-dev/oneiric/internal/security"
)

// Source is one configured remote manifest origin.
type Source struct {
	URI       string
	PublicKey string // base64 Ed25519, overrides manifest-embedded key when set
}

// SyncSummary describes the outcome of one sync pass over one source.
type SyncSummary struct {
	Source    string
	Added     int
	Removed   int
	Updated   int
	Unchanged bool
	Err       error
}

type appliedState struct {
	digest     string
	identities map[string]candidate.Candidate // factory-string-free identity -> candidate, for diffing
}

// Loader is the Remote Loader component.
type Loader struct {
	resolver   *resolver.Resolver
	allowlist  *security.FactoryAllowlist
	sanitizer  *security.PathSanitizer
	transport  Transport
	maxBytes   int64
	httpTimeout time.Duration
	limiter    *rate.Limiter
	log        *oneiriclog.Logger

	mu       sync.Mutex
	sources  map[string]*Source
	breakers map[string]*resilience.CircuitBreaker
	applied  map[string]*appliedState
}

// Options configures a Loader.
type Options struct {
	Resolver    *resolver.Resolver
	Allowlist   *security.FactoryAllowlist
	Sanitizer   *security.PathSanitizer
	Transport   Transport
	MaxBytes    int64
	HTTPTimeout time.Duration
	// RateLimitBytesPerSec caps sustained fetch throughput ahead of the
	// per-manifest MaxBytes cap; defaults to 4 MiB/s.
	RateLimitBytesPerSec float64
	Log                  *oneiriclog.Logger
}

// New constructs a Loader.
func New(opts Options) *Loader {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 16 << 20
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = NewMultiTransport(opts.HTTPTimeout)
	}
	if opts.RateLimitBytesPerSec <= 0 {
		opts.RateLimitBytesPerSec = 4 << 20
	}
	return &Loader{
		resolver:    opts.Resolver,
		allowlist:   opts.Allowlist,
		sanitizer:   opts.Sanitizer,
		transport:   opts.Transport,
		maxBytes:    opts.MaxBytes,
		httpTimeout: opts.HTTPTimeout,
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimitBytesPerSec), int(opts.MaxBytes)),
		log:         opts.Log,
		sources:     make(map[string]*Source),
		breakers:    make(map[string]*resilience.CircuitBreaker),
		applied:     make(map[string]*appliedState),
	}
}

// AddSource registers a manifest origin to be synced.
func (l *Loader) AddSource(src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[src.URI] = &src
	if _, ok := l.breakers[src.URI]; !ok {
		l.breakers[src.URI] = resilience.New(resilience.DefaultConfig())
	}
}

// Sources returns the configured source URIs.
func (l *Loader) Sources() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.sources))
	for uri := range l.sources {
		out = append(out, uri)
	}
	return out
}

func (l *Loader) breakerFor(uri string) *resilience.CircuitBreaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	cb, ok := l.breakers[uri]
	if !ok {
		cb = resilience.New(resilience.DefaultConfig())
		l.breakers[uri] = cb
	}
	return cb
}

// SyncAll runs Sync against every configured source.
func (l *Loader) SyncAll(ctx context.Context) []SyncSummary {
	var summaries []SyncSummary
	for _, uri := range l.Sources() {
		summaries = append(summaries, l.Sync(ctx, uri))
	}
	return summaries
}

// Sync runs the full pipeline (spec.md §4.5 steps 1-7) for a single
// source URI: fetch, verify, parse, download artifacts, normalize, diff
// and apply, persist digest.
func (l *Loader) Sync(ctx context.Context, uri string) SyncSummary {
	summary := SyncSummary{Source: uri}
	cb := l.breakerFor(uri)

	if err := l.limiter.WaitN(ctx, int(l.maxBytes)); err != nil {
		summary.Err = onerr.Wrap(onerr.KindFetchFailed, fmt.Sprintf("rate limit wait for %s", uri), err)
		return summary
	}

	var raw []byte
	fetchErr := cb.Execute(ctx, func() error {
		return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			data, err := l.transport.Fetch(ctx, uri, l.maxBytes)
			if err != nil {
				return err
			}
			raw = data
			return nil
		})
	})

	if fetchErr != nil {
		metrics.RemoteSyncTotal.WithLabelValues("fetch_failed").Inc()
		kind := onerr.KindFetchFailed
		if fetchErr == resilience.ErrCircuitOpen {
			kind = onerr.KindCircuitOpen
		}
		summary.Err = onerr.Wrap(kind, fmt.Sprintf("fetch manifest from %s", uri), fetchErr)
		return summary
	}

	manifest, parseErr := decodeManifest(raw)
	if parseErr != nil {
		metrics.RemoteSyncTotal.WithLabelValues("parse_failed").Inc()
		summary.Err = onerr.Wrap(onerr.KindParseFailed, "decode manifest", parseErr)
		return summary
	}

	digest := sha256.Sum256(raw)
	digestHex := hex.EncodeToString(digest[:])

	l.mu.Lock()
	prior := l.applied[uri]
	l.mu.Unlock()
	if prior != nil && prior.digest == digestHex {
		summary.Unchanged = true
		metrics.RemoteSyncTotal.WithLabelValues("unchanged").Inc()
		return summary
	}

	l.mu.Lock()
	src := l.sources[uri]
	l.mu.Unlock()
	var pinnedKey string
	if src != nil {
		pinnedKey = src.PublicKey
	}
	if err := l.verifySignature(manifest, pinnedKey); err != nil {
		metrics.RemoteSyncTotal.WithLabelValues("integrity_failure").Inc()
		summary.Err = onerr.Wrap(onerr.KindIntegrityFailure, "manifest signature verification failed", err)
		return summary
	}

	validEntries, entryErrs, abortErr := l.validateAndDownload(ctx, manifest.Entries)
	for _, e := range entryErrs {
		if l.log != nil {
			l.log.WithFields(map[string]any{"source": uri}).Warnf("manifest entry rejected: %v", e)
		}
	}
	if abortErr != nil {
		// A digest mismatch means at least one artifact was tampered with
		// or corrupted in transit; the whole manifest is untrustworthy, so
		// zero entries are promoted (spec.md §8 scenario 3) and applyDiff
		// is never reached.
		metrics.RemoteSyncTotal.WithLabelValues("integrity_failure").Inc()
		summary.Err = onerr.Wrap(onerr.KindIntegrityFailure, "manifest rejected: artifact digest mismatch", abortErr)
		return summary
	}
	if len(validEntries) == 0 && len(manifest.Entries) > 0 {
		// Every entry failed validation (e.g. disallowed factory): promote nothing.
		metrics.RemoteSyncTotal.WithLabelValues("integrity_failure").Inc()
		summary.Err = onerr.New(onerr.KindIntegrityFailure, "no entries from manifest passed validation")
		return summary
	}

	newState := &appliedState{digest: digestHex, identities: make(map[string]candidate.Candidate, len(validEntries))}
	for _, c := range validEntries {
		newState.identities[identityString(c)] = c
	}

	added, removed, updated := l.applyDiff(uri, prior, newState)
	summary.Added, summary.Removed, summary.Updated = added, removed, updated

	l.mu.Lock()
	l.applied[uri] = newState
	l.mu.Unlock()

	metrics.RemoteSyncTotal.WithLabelValues("ok").Inc()
	return summary
}

func decodeManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err == nil && m.Version != 0 {
		return &m, nil
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest is neither valid JSON nor YAML: %w", err)
	}
	return &m, nil
}

// verifySignature checks m's signature against pinnedKey when a Source
// configured one, instead of trusting m's own embedded public key — a
// manifest and an embedded key can both be forged consistently by the
// same attacker, so an operator-pinned key is the only trustworthy
// verifier once one is configured.
func (l *Loader) verifySignature(m *Manifest, pinnedKey string) error {
	var pubKey ed25519.PublicKey
	if pinnedKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(pinnedKey)
		if err != nil {
			return fmt.Errorf("decode pinned public key: %w", err)
		}
		pubKey = decoded
	} else {
		decoded, err := m.PublicKeyBytes()
		if err != nil {
			return fmt.Errorf("decode public key: %w", err)
		}
		pubKey = decoded
	}
	sig, err := m.SignatureBytes()
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	payload, err := security.Canonicalize(m.SignedPayload())
	if err != nil {
		return fmt.Errorf("canonicalize manifest: %w", err)
	}
	verifier := security.NewSignatureVerifier(pubKey)
	if !verifier.Verify(payload, sig) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// validateAndDownload validates each entry (spec.md §4.5 step 3) and
// downloads/verifies its artifact if it has a uri (step 4). Per-entry
// failures like a disallowed factory are tolerated and simply drop that
// entry (spec.md §8 scenario 5), but a digest mismatch on any artifact
// aborts the entire manifest immediately (spec.md §8 scenario 3) — it
// signals a tampered or corrupted source, not a bad individual entry, so
// no partial set of candidates is ever promoted.
func (l *Loader) validateAndDownload(ctx context.Context, entries []ManifestEntry) ([]candidate.Candidate, []error, error) {
	var valid []candidate.Candidate
	var errs []error

	for _, e := range entries {
		if err := l.validateEntry(e); err != nil {
			errs = append(errs, err)
			continue
		}
		if e.URI != "" {
			if err := l.downloadArtifact(ctx, e); err != nil {
				if onerr.Is(err, onerr.KindDigestMismatch) {
					return nil, errs, err
				}
				errs = append(errs, err)
				continue
			}
		}
		valid = append(valid, normalizeEntry(e))
	}
	return valid, errs, nil
}

func (l *Loader) validateEntry(e ManifestEntry) error {
	if e.Key == "" || e.Provider == "" {
		return fmt.Errorf("entry for domain %s missing key or provider", e.Domain)
	}
	if !isASCII(e.Key) || !isASCII(e.Provider) {
		return fmt.Errorf("entry key/provider must be ASCII: %s/%s", e.Key, e.Provider)
	}
	if l.allowlist != nil && !l.allowlist.Allow(e.Factory) {
		return onerr.New(onerr.KindFactoryDenied, fmt.Sprintf("factory %q not allowlisted", e.Factory))
	}
	if e.DigestSHA256 != "" && (len(e.DigestSHA256) != 64 || !isHex(e.DigestSHA256)) {
		return fmt.Errorf("entry %s/%s digest_sha256 must be 64 hex chars", e.Key, e.Provider)
	}
	return nil
}

func (l *Loader) downloadArtifact(ctx context.Context, e ManifestEntry) error {
	if l.sanitizer == nil {
		return fmt.Errorf("no path sanitizer configured, refusing artifact download")
	}
	filename := string(e.Domain) + "-" + e.Key + "-" + e.Provider
	destPath, err := l.sanitizer.Sanitize(filename)
	if err != nil {
		return onerr.Wrap(onerr.KindPathEscape, fmt.Sprintf("artifact filename for %s/%s", e.Key, e.Provider), err)
	}

	data, err := l.transport.Fetch(ctx, e.URI, l.maxBytes)
	if err != nil {
		return onerr.Wrap(onerr.KindFetchFailed, fmt.Sprintf("download artifact for %s/%s", e.Key, e.Provider), err)
	}

	sum := sha256.Sum256(data)
	gotDigest := hex.EncodeToString(sum[:])
	if e.DigestSHA256 != "" && gotDigest != e.DigestSHA256 {
		return onerr.New(onerr.KindDigestMismatch,
			fmt.Sprintf("artifact for %s/%s: expected digest %s, got %s", e.Key, e.Provider, e.DigestSHA256, gotDigest))
	}

	return writeArtifact(destPath, data)
}

func normalizeEntry(e ManifestEntry) candidate.Candidate {
	metadata := map[string]any{}
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	metadata["digest_sha256"] = e.DigestSHA256
	metadata["origin_uri"] = e.URI

	return candidate.Candidate{
		Domain:     e.Domain,
		Key:        e.Key,
		Provider:   e.Provider,
		Factory:    e.Factory,
		Priority:   e.Priority,
		StackLevel: e.StackLevel,
		Source:     candidate.SourceRemoteManifest,
		Settings:   e.Settings,
		Metadata:   metadata,
	}
}

func identityString(c candidate.Candidate) string {
	return string(c.Domain) + "|" + c.Key + "|" + c.Provider
}

// applyDiff registers additions/mutations and unregisters removals
// against the resolver (spec.md §4.5 step 6).
func (l *Loader) applyDiff(source string, prior *appliedState, next *appliedState) (added, removed, updated int) {
	priorIdentities := map[string]candidate.Candidate{}
	if prior != nil {
		priorIdentities = prior.identities
	}

	for id, c := range next.identities {
		if old, ok := priorIdentities[id]; ok {
			if !settingsEqual(old, c) {
				updated++
			}
		} else {
			added++
		}
		l.resolver.Register(c)
	}

	for id, c := range priorIdentities {
		if _, ok := next.identities[id]; !ok {
			l.resolver.Unregister(c.Domain, c.Key, c.Provider, candidate.SourceRemoteManifest)
			removed++
		}
	}
	_ = source
	return added, removed, updated
}

func settingsEqual(a, b candidate.Candidate) bool {
	if a.Priority != b.Priority || a.StackLevel != b.StackLevel {
		return false
	}
	aj, _ := json.Marshal(a.Settings)
	bj, _ := json.Marshal(b.Settings)
	return string(aj) == string(bj)
}

// writeArtifact persists a verified artifact's bytes under its
// sanitized destination path, atomically via a temp-file-then-rename so
// a concurrent reader never observes a partial write.
func writeArtifact(destPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create artifact cache dir: %w", err)
	}
	tmp := destPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}
