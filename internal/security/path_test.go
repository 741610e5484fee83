package security_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric-dev/oneiric/internal/security"
)

func TestPathSanitizer_AllowsContainedNames(t *testing.T) {
	s, err := security.NewPathSanitizer(t.TempDir())
	require.NoError(t, err)

	resolved, err := s.Sanitize("manifests/adapter.json")
	require.NoError(t, err)
	assert.Contains(t, resolved, s.Root())
}

func TestPathSanitizer_RejectsTraversal(t *testing.T) {
	s, err := security.NewPathSanitizer(t.TempDir())
	require.NoError(t, err)

	cases := []string{
		"../escape.json",
		"/etc/passwd",
		"nested/../../escape.json",
		"",
		"bad\x00name",
	}
	for _, c := range cases {
		_, err := s.Sanitize(c)
		assert.Error(t, err, "expected rejection for %q", c)
	}
}
