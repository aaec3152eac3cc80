package entitlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifiedmeasure/leadvault/apperr"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		mode      BusinessMode
		premium   bool
		claimants int
		entitled  bool
		want      Decision
	}{
		{"entitled wins over everything", ModeExclusiveOnly, true, 5, true, Decision{StatusDownloaded, "unlocked"}},
		{"exclusive unclaimed", ModeExclusiveOnly, false, 0, false, Decision{StatusAvailable, "0/1"}},
		{"exclusive claimed", ModeExclusiveOnly, false, 1, false, Decision{StatusLocked, "claimed"}},
		{"hybrid premium unclaimed", ModeHybrid, true, 0, false, Decision{StatusAvailable, "0/1"}},
		{"hybrid premium claimed", ModeHybrid, true, 1, false, Decision{StatusLocked, "exclusive claimed"}},
		{"hybrid standard empty", ModeHybrid, false, 0, false, Decision{StatusAvailable, "0/3"}},
		{"hybrid standard two", ModeHybrid, false, 2, false, Decision{StatusAvailable, "2/3"}},
		{"hybrid standard full", ModeHybrid, false, 3, false, Decision{StatusLocked, "3/3"}},
		{"hybrid standard over cap", ModeHybrid, false, 4, false, Decision{StatusLocked, "3/3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.mode, tt.premium, tt.claimants, tt.entitled)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecision_Grantable(t *testing.T) {
	assert.True(t, Decision{Status: StatusAvailable}.Grantable())
	assert.False(t, Decision{Status: StatusLocked}.Grantable())
	// Already-entitled records are never re-granted.
	assert.False(t, Decision{Status: StatusDownloaded}.Grantable())
}

func TestCap(t *testing.T) {
	assert.Equal(t, 1, Cap(ModeExclusiveOnly, false))
	assert.Equal(t, 1, Cap(ModeExclusiveOnly, true))
	assert.Equal(t, 1, Cap(ModeHybrid, true))
	assert.Equal(t, 3, Cap(ModeHybrid, false))
}

func TestParseBusinessMode(t *testing.T) {
	m, err := ParseBusinessMode(" Exclusive_Only ")
	require.NoError(t, err)
	assert.Equal(t, ModeExclusiveOnly, m)

	m, err = ParseBusinessMode("hybrid")
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, m)

	_, err = ParseBusinessMode("shared")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
