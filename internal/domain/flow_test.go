package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_Symmetric(t *testing.T) {
	a := Canonicalize("192.168.1.100", 52344, "93.184.216.34", 443, "tcp")
	b := Canonicalize("93.184.216.34", 443, "192.168.1.100", 52344, "tcp")

	assert.Equal(t, a, b)
}

func TestCanonicalize_DistinctFlows(t *testing.T) {
	a := Canonicalize("10.0.0.1", 1000, "10.0.0.2", 2000, "tcp")
	b := Canonicalize("10.0.0.1", 1000, "10.0.0.2", 2001, "tcp")

	assert.NotEqual(t, a, b)
}

func TestMark_PacksClassAndUplink(t *testing.T) {
	m := Mark(ClassBanking, 0x5)
	assert.EqualValues(t, 0x35, m)
}

func TestAllocator_TableIDNeverReused(t *testing.T) {
	a := NewAllocator()
	first := a.AllocateTableID()
	second := a.AllocateTableID()
	assert.NotEqual(t, first, second)
	assert.Equal(t, 100, first)
}

func TestAllocator_MarkBitsUniqueUntilExhausted(t *testing.T) {
	a := NewAllocator()
	seen := make(map[uint8]bool)
	for i := 0; i < 15; i++ {
		b, err := a.AllocateMarkBits()
		require.NoErrorf(t, err, "unexpected exhaustion at %d", i)
		require.Falsef(t, seen[b], "mark bits %d reused", b)
		seen[b] = true
	}
	_, err := a.AllocateMarkBits()
	require.Error(t, err, "expected exhaustion error on the 16th allocation")
}

func TestAllocator_ReleaseReusesSlot(t *testing.T) {
	a := NewAllocator()
	b1, _ := a.AllocateMarkBits()
	a.ReleaseMarkBits(b1)
	b2, err := a.AllocateMarkBits()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}
