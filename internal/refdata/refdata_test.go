package refdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSoftBlacklist_Lookup(t *testing.T) {
	bl := NewSoftBlacklist([]BlacklistEntry{
		{Type: "phone", Normalized: "5551234567", RequiredSimilarity: 0.8, Note: "shelter front desk"},
	})

	t.Run("known entry", func(t *testing.T) {
		e, ok := bl.Lookup("phone", "5551234567")
		assert.True(t, ok)
		assert.Equal(t, 0.8, e.RequiredSimilarity)
	})

	t.Run("unknown entry", func(t *testing.T) {
		_, ok := bl.Lookup("phone", "5550000000")
		assert.False(t, ok)
	})

	t.Run("nil blacklist is safe", func(t *testing.T) {
		var nilBL *SoftBlacklist
		_, ok := nilBL.Lookup("phone", "5551234567")
		assert.False(t, ok)
		assert.Equal(t, 0, nilBL.Len())
	})
}

func TestSourceConfidence_Trust(t *testing.T) {
	sc := NewSourceConfidence(map[string]float64{
		"clinic": 0.95,
		"web":    0.60,
		"bogus":  1.7, // clamped
	})

	assert.Equal(t, 0.95, sc.Trust("clinic"))
	assert.Equal(t, 0.60, sc.Trust("web"))
	assert.Equal(t, 1.0, sc.Trust("bogus"))
	assert.Equal(t, defaultTrust, sc.Trust("never-seen"))

	var nilSC *SourceConfidence
	assert.Equal(t, defaultTrust, nilSC.Trust("anything"))
}
