package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{
		"high":   TierHigh,
		" HIGH ": TierHigh,
		"normal": TierNormal,
		"":       TierNormal,
		"Low":    TierLow,
	} {
		got, err := ParseTier(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTier("urgent")
	assert.Error(t, err)
}

func TestTierPromoteDemote(t *testing.T) {
	assert.Equal(t, TierHigh, TierNormal.Promote())
	assert.Equal(t, TierHigh, TierHigh.Promote())
	assert.Equal(t, TierLow, TierNormal.Demote())
	assert.Equal(t, TierLow, TierLow.Demote())
}

func TestTierJSON(t *testing.T) {
	b, err := json.Marshal(map[string]Tier{"tier": TierLow})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"low"}`, string(b))

	var out struct {
		Tier Tier `json:"tier"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tier":"high"}`), &out))
	assert.Equal(t, TierHigh, out.Tier)

	_, err = json.Marshal(Tier(7))
	assert.Error(t, err)
}

func TestTierZeroValueIsUnset(t *testing.T) {
	var tier Tier
	assert.Equal(t, TierUnset, tier)
	assert.False(t, tier.Valid())
	assert.Equal(t, TierLow, tier.Or(TierLow))
	assert.Equal(t, TierHigh, TierHigh.Or(TierLow))

	_, err := json.Marshal(tier)
	assert.Error(t, err)

	for i, tt := range Tiers {
		assert.Equal(t, i, tt.Index())
	}
}
