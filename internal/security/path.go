package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathSanitizer validates filenames derived from remote manifest entries
// before they are joined onto the artifact cache root, rejecting
// traversal, absolute paths, control bytes, and any resulting path that
// would escape the root.
//
// Grounded on the sandbox storage key-validation convention: reject
// "..", reject a leading "/", then confirm containment with an
// Abs+HasPrefix check after Clean rather than trusting string matching
// alone, since Clean can still produce a short absolute path on inputs
// engineered to look relative.
type PathSanitizer struct {
	root string
}

// NewPathSanitizer builds a sanitizer rooted at root, which may be
// relative; it is resolved to an absolute, cleaned directory path.
func NewPathSanitizer(root string) (*PathSanitizer, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	return &PathSanitizer{root: filepath.Clean(abs)}, nil
}

// Sanitize validates name and returns the absolute path it resolves to
// under the cache root. It never touches the filesystem.
func (s *PathSanitizer) Sanitize(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("path escape: empty filename")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("path escape: control byte in filename")
		}
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("path escape: filename contains '..'")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("path escape: filename is absolute")
	}

	joined := filepath.Clean(filepath.Join(s.root, name))
	if joined != s.root && !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escape: %q resolves outside cache root", name)
	}
	return joined, nil
}

// Root returns the cache root this sanitizer is bound to.
func (s *PathSanitizer) Root() string { return s.root }
