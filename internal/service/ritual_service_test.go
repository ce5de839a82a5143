package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkwell/gatekeeper/internal/apperrors"
	"github.com/arkwell/gatekeeper/internal/policy"
	"github.com/arkwell/gatekeeper/internal/ritual"
)

func newRitualFixture(t *testing.T) (*RitualService, *AccessService) {
	t.Helper()

	recruit := node("RECRUIT", policy.Policy{Open: true})
	operative := node("OPERATIVE", policy.Policy{PaymentRequired: true})
	operative.Tier = 1
	director := node("DIRECTOR", policy.Policy{PaymentRequired: true})
	director.Tier = 3

	nodes := newMemNodeStore(recruit, operative, director)
	records := newMemRecordStore()
	access := NewAccessService(nodes, records, newMemVoteStore(), &eventRecorder{}, zerolog.Nop())

	engine := ritual.NewEngineWithClock(func() time.Time {
		return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	})
	return NewRitualService(nodes, records, engine, zerolog.Nop()), access
}

func TestRitual_TierZeroRefused(t *testing.T) {
	svc, _ := newRitualFixture(t)

	_, _, err := svc.Run(context.Background(), "user-1", "seek deep knowledge")
	assert.True(t, apperrors.HasCode(err, apperrors.CodePolicyDenied))
}

func TestRitual_RunsAtUnlockedTier(t *testing.T) {
	svc, access := newRitualFixture(t)
	ctx := context.Background()

	_, _, err := access.GrantViaPayment(ctx, "user-1", "OPERATIVE", "cs_1", nil)
	require.NoError(t, err)

	tier, result, err := svc.Run(ctx, "user-1", "seek deep knowledge")
	require.NoError(t, err)
	assert.Equal(t, 1, tier)
	assert.Equal(t, 10, result.CyclesCompleted)
}

func TestRitual_HighestTierWins(t *testing.T) {
	svc, access := newRitualFixture(t)
	ctx := context.Background()

	_, _, err := access.GrantViaPayment(ctx, "user-1", "OPERATIVE", "cs_1", nil)
	require.NoError(t, err)
	_, _, err = access.GrantViaPayment(ctx, "user-1", "DIRECTOR", "cs_2", nil)
	require.NoError(t, err)

	tier, err := svc.UnlockedTier(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, tier)
}

func TestRitual_RevokedGrantDropsTier(t *testing.T) {
	svc, access := newRitualFixture(t)
	ctx := context.Background()

	rec, _, err := access.GrantViaPayment(ctx, "user-1", "OPERATIVE", "cs_1", nil)
	require.NoError(t, err)
	_, err = access.Revoke(ctx, rec.ID, nil)
	require.NoError(t, err)

	tier, err := svc.UnlockedTier(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, tier)

	_, _, err = svc.Run(ctx, "user-1", "seed")
	assert.True(t, apperrors.HasCode(err, apperrors.CodePolicyDenied))
}

func TestRitual_EmptySeedRejected(t *testing.T) {
	svc, _ := newRitualFixture(t)

	_, _, err := svc.Run(context.Background(), "user-1", "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
}

// Open RECRUIT access alone (tier 0) must not unlock the ritual.
func TestRitual_OpenTierZeroNodeInsufficient(t *testing.T) {
	svc, access := newRitualFixture(t)
	ctx := context.Background()

	_, _, err := access.RequestAccess(ctx, "user-1", "RECRUIT", nil)
	require.NoError(t, err)

	_, _, err = svc.Run(ctx, "user-1", "seed")
	assert.True(t, apperrors.HasCode(err, apperrors.CodePolicyDenied))
}
