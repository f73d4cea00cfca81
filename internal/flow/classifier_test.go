package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathom/internal/domain"
)

func TestClassifier_MatchesPortEitherSide(t *testing.T) {
	c := New(domain.DefaultPortMatchers())

	assert.Equal(t, domain.ClassBanking, c.Classify("tcp", 51000, 443))
	assert.Equal(t, domain.ClassBanking, c.Classify("tcp", 443, 51000))
}

func TestClassifier_UnmatchedIsGeneral(t *testing.T) {
	c := New(domain.DefaultPortMatchers())
	assert.Equal(t, domain.ClassGeneral, c.Classify("tcp", 51000, 51234))
}

func TestBuildRuleSet_StickyClassGetsPreferredMark(t *testing.T) {
	matchers := []domain.PortMatcher{{Class: domain.ClassBanking, Protocol: "tcp", Ports: []int{443}}}
	sticky := map[domain.TrafficClass]bool{domain.ClassBanking: true}

	rs := BuildRuleSet(matchers, sticky, 0x5, true)

	var found bool
	for _, r := range rs.Rules {
		if r.Comment == string(domain.ClassBanking) {
			found = true
			assert.Equal(t, domain.Mark(domain.ClassBanking, 0x5), r.Mark)
		}
	}
	require.True(t, found, "expected a rule for BANKING")
}

func TestBuildRuleSet_NoHealthyUplinkOmitsUplinkBits(t *testing.T) {
	matchers := []domain.PortMatcher{{Class: domain.ClassBanking, Protocol: "tcp", Ports: []int{443}}}
	sticky := map[domain.TrafficClass]bool{domain.ClassBanking: true}

	rs := BuildRuleSet(matchers, sticky, 0x5, false)

	for _, r := range rs.Rules {
		if r.Comment == string(domain.ClassBanking) {
			assert.Equal(t, domain.Mark(domain.ClassBanking, 0), r.Mark)
		}
	}
}
