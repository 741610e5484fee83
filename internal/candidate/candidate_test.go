package candidate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oneiric-dev/oneiric/internal/candidate"
)

func TestSort_TierTakesPrecedenceOverEverything(t *testing.T) {
	cs := []candidate.Candidate{
		{Provider: "entry", Source: candidate.SourceEntryPoint, Priority: 100, StackLevel: 100},
		{Provider: "inline", Source: candidate.SourceInline, Priority: 0, StackLevel: 0},
	}
	candidate.Sort(cs)
	assert.Equal(t, "inline", cs[0].Provider)
}

func TestSort_StackLevelBreaksTierTies(t *testing.T) {
	cs := []candidate.Candidate{
		{Provider: "low", Source: candidate.SourceLocalConfig, StackLevel: 1},
		{Provider: "high", Source: candidate.SourceLocalConfig, StackLevel: 5},
	}
	candidate.Sort(cs)
	assert.Equal(t, "high", cs[0].Provider)
}

func TestSort_PriorityBreaksStackLevelTies(t *testing.T) {
	cs := []candidate.Candidate{
		{Provider: "low", Source: candidate.SourceLocalConfig, StackLevel: 1, Priority: 1},
		{Provider: "high", Source: candidate.SourceLocalConfig, StackLevel: 1, Priority: 9},
	}
	candidate.Sort(cs)
	assert.Equal(t, "high", cs[0].Provider)
}

func TestSort_ProviderBreaksFullTies(t *testing.T) {
	cs := []candidate.Candidate{
		{Provider: "zeta", Source: candidate.SourceLocalConfig, StackLevel: 1, Priority: 1},
		{Provider: "alpha", Source: candidate.SourceLocalConfig, StackLevel: 1, Priority: 1},
	}
	candidate.Sort(cs)
	assert.Equal(t, "alpha", cs[0].Provider)
}

func TestIdentity_IsTheFourTupleKey(t *testing.T) {
	c := candidate.Candidate{Domain: candidate.DomainAdapter, Key: "cache", Provider: "memory", Source: candidate.SourceInline}
	domain, key, provider, source := c.Identity()
	assert.Equal(t, candidate.DomainAdapter, domain)
	assert.Equal(t, "cache", key)
	assert.Equal(t, "memory", provider)
	assert.Equal(t, candidate.SourceInline, source)
}
