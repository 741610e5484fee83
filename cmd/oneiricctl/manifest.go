package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oneiric-dev/oneiric/internal/remote"
	"github.com/oneiric-dev/oneiric/internal/security"
)

// cmdManifest implements `manifest pack` and `manifest verify`, the two
// offline tooling subcommands of spec.md §6 that talk to local files
// rather than a running daemon.
func cmdManifest(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitUsage
	}
	switch args[0] {
	case "pack":
		return runManifestPack(args[1:])
	case "verify":
		return runManifestVerify(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown manifest subcommand %q\n", args[0])
		return exitUsage
	}
}

func runManifestPack(args []string) int {
	fs := flag.NewFlagSet("manifest pack", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	input := fs.String("input", "", "YAML or JSON manifest source (required)")
	output := fs.String("output", "", "canonical JSON destination (required)")
	if err := fs.Parse(args); err != nil || *input == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "manifest pack requires --input and --output")
		return exitUsage
	}

	raw, err := os.ReadFile(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *input, err)
		return exitOperationalFailure
	}

	var m remote.Manifest
	if jsonErr := json.Unmarshal(raw, &m); jsonErr != nil {
		if yamlErr := yaml.Unmarshal(raw, &m); yamlErr != nil {
			fmt.Fprintf(os.Stderr, "parse manifest: neither JSON (%v) nor YAML (%v)\n", jsonErr, yamlErr)
			return exitOperationalFailure
		}
	}

	canonical, err := security.Canonicalize(&m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canonicalize manifest: %v\n", err)
		return exitOperationalFailure
	}
	if err := os.WriteFile(*output, canonical, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *output, err)
		return exitOperationalFailure
	}
	fmt.Printf("Packed %d entries to %s\n", len(m.Entries), *output)
	return exitSuccess
}

func runManifestVerify(args []string) int {
	fs := flag.NewFlagSet("manifest verify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	input := fs.String("input", "", "manifest file to verify (required)")
	publicKeyFlag := fs.String("public-key", "", "base64 Ed25519 public key to verify against (defaults to the manifest's own embedded key if omitted)")
	if err := fs.Parse(args); err != nil || *input == "" {
		fmt.Fprintln(os.Stderr, "manifest verify requires --input")
		return exitUsage
	}

	raw, err := os.ReadFile(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *input, err)
		return exitOperationalFailure
	}

	var m remote.Manifest
	if jsonErr := json.Unmarshal(raw, &m); jsonErr != nil {
		if yamlErr := yaml.Unmarshal(raw, &m); yamlErr != nil {
			fmt.Fprintf(os.Stderr, "parse manifest: neither JSON (%v) nor YAML (%v)\n", jsonErr, yamlErr)
			return exitOperationalFailure
		}
	}

	var trustedKey ed25519.PublicKey
	if *publicKeyFlag != "" {
		decoded, err := base64.StdEncoding.DecodeString(*publicKeyFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "decode --public-key: %v\n", err)
			return exitUsage
		}
		trustedKey = ed25519.PublicKey(decoded)
	}

	if err := verifyManifestSignature(&m, trustedKey); err != nil {
		fmt.Fprintf(os.Stderr, "signature verification failed: %v\n", err)
		return exitSecurityFailure
	}
	if trustedKey != nil {
		fmt.Printf("OK: %d entries, signature valid against --public-key\n", len(m.Entries))
	} else {
		fmt.Printf("OK: %d entries, signature valid against manifest's embedded key\n", len(m.Entries))
	}
	return exitSuccess
}

// verifyManifestSignature checks m's signature against trustedKey when
// one is supplied by the operator (--public-key), instead of the
// manifest's own embedded key — a manifest and an embedded key can both
// be forged consistently by the same attacker, so trusting the
// manifest to name its own verifier defeats the point of signing in
// the first place. trustedKey == nil falls back to the embedded key,
// as the Remote Loader does for a Source with no pinned PublicKey.
func verifyManifestSignature(m *remote.Manifest, trustedKey ed25519.PublicKey) error {
	pubKey := trustedKey
	if pubKey == nil {
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
	if !security.NewSignatureVerifier(pubKey).Verify(payload, sig) {
		return errors.New("signature mismatch")
	}
	return nil
}
