package security_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oneiric-dev/oneiric/internal/security"
)

func TestDefaultAllowlist_AllowsBuiltinNamespaces(t *testing.T) {
	a := security.DefaultAllowlist()
	assert.True(t, a.Allow("oneiric.adapters.memory_cache"))
	assert.True(t, a.Allow("oneiric.workflows.fanout"))
	assert.False(t, a.Allow("not.allowed.factory"))
}

func TestDefaultAllowlist_ExtraPatterns(t *testing.T) {
	a := security.DefaultAllowlist("custom.vendor.*")
	assert.True(t, a.Allow("custom.vendor.widget"))
}

func TestNewFactoryAllowlist_ReplacesDefaults(t *testing.T) {
	a := security.NewFactoryAllowlist([]string{"only.this.*"})
	assert.True(t, a.Allow("only.this.one"))
	assert.False(t, a.Allow("oneiric.adapters.memory_cache"))
}

func TestFactoryAllowlist_Patterns(t *testing.T) {
	a := security.NewFactoryAllowlist([]string{"a.*", "b.*"})
	assert.ElementsMatch(t, []string{"a.*", "b.*"}, a.Patterns())
}
