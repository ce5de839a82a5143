package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkwell/gatekeeper/internal/apperrors"
	"github.com/arkwell/gatekeeper/internal/policy"
	"github.com/arkwell/gatekeeper/internal/repository"
)

func newTestService(nodes ...*repository.Node) (*AccessService, *memRecordStore, *eventRecorder) {
	records := newMemRecordStore()
	events := &eventRecorder{}
	svc := NewAccessService(newMemNodeStore(nodes...), records, newMemVoteStore(), events, zerolog.Nop())
	return svc, records, events
}

func node(code string, pol policy.Policy) *repository.Node {
	return &repository.Node{
		ID:     code + "-id",
		Code:   code,
		Label:  code,
		Active: true,
		Policy: pol,
	}
}

// ── Requests ─────────────────────────────────────────────────────────────────

func TestRequestAccess_IdempotentCreate(t *testing.T) {
	svc, _, events := newTestService(node("SPECOPS", policy.Policy{MultisigThreshold: 1}))
	ctx := context.Background()

	first, created, err := svc.RequestAccess(ctx, "user-1", "SPECOPS", map[string]any{"note": "let me in"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, repository.StatusRequested, first.Status)
	assert.False(t, first.Unlocked)

	second, created, err := svc.RequestAccess(ctx, "user-1", "SPECOPS", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	assert.Len(t, events.all(), 1, "only the real create emits")
}

func TestRequestAccess_UnknownNode(t *testing.T) {
	svc, _, _ := newTestService()

	_, _, err := svc.RequestAccess(context.Background(), "user-1", "NOWHERE", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestRequestAccess_InactiveNodeBehavesAsUnknown(t *testing.T) {
	dormant := node("DORMANT", policy.Policy{Open: true})
	dormant.Active = false
	svc, _, _ := newTestService(dormant)

	_, _, err := svc.RequestAccess(context.Background(), "user-1", "DORMANT", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestRequestAccess_FreshRecordAfterExpiry(t *testing.T) {
	svc, records, _ := newTestService(node("SPECOPS", policy.Policy{MultisigThreshold: 1}))
	ctx := context.Background()

	first, _, err := svc.RequestAccess(ctx, "user-1", "SPECOPS", nil)
	require.NoError(t, err)
	_, err = svc.Decide(ctx, first.ID, repository.StatusApproved, "admin-1", "")
	require.NoError(t, err)
	_, err = svc.Revoke(ctx, first.ID, nil)
	require.NoError(t, err)

	second, created, err := svc.RequestAccess(ctx, "user-1", "SPECOPS", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID, "expired record is never reused")

	old, err := records.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusExpired, old.Status)
}

// ── Evaluation walkthroughs ──────────────────────────────────────────────────

func TestCheckAccess_PaymentGateWalkthrough(t *testing.T) {
	svc, _, _ := newTestService(node("PAYMENT.GATE", policy.Policy{PaymentRequired: true}))
	ctx := context.Background()

	res, err := svc.CheckAccess(ctx, "user-1", "PAYMENT.GATE", CallerContext{})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, policy.ReasonRequiresPayment, res.Reason)

	_, granted, err := svc.GrantViaPayment(ctx, "user-1", "PAYMENT.GATE", "cs_test_123", nil)
	require.NoError(t, err)
	assert.True(t, granted)

	res, err = svc.CheckAccess(ctx, "user-1", "PAYMENT.GATE", CallerContext{})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, policy.ReasonAlreadyApproved, res.Reason)
}

func TestCheckAccess_UnknownNodeIsError(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.CheckAccess(context.Background(), "user-1", "NOWHERE", CallerContext{})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestCheckAccess_ApprovalProgressDetail(t *testing.T) {
	svc, _, _ := newTestService(node("APEX", policy.Policy{
		MultisigThreshold: 2,
		EligibleRoles:     []string{"Aaron", "Elysia"},
	}))
	ctx := context.Background()

	rec, _, err := svc.RequestAccess(ctx, "user-1", "APEX", nil)
	require.NoError(t, err)
	_, err = svc.RecordVote(ctx, rec.ID, "aaron-id", "Aaron", repository.DecisionApproved, "")
	require.NoError(t, err)

	res, err := svc.CheckAccess(ctx, "user-1", "APEX", CallerContext{})
	require.NoError(t, err)
	assert.Equal(t, policy.ReasonRequiresApproval, res.Reason)
	assert.Equal(t, 1, res.Detail["votes"])
	assert.Equal(t, 2, res.Detail["threshold"])
}

// ── Multisig ─────────────────────────────────────────────────────────────────

func TestRecordVote_ApexWalkthrough(t *testing.T) {
	svc, records, events := newTestService(node("APEX", policy.Policy{
		MultisigThreshold: 2,
		EligibleRoles:     []string{"Aaron", "Elysia"},
	}))
	ctx := context.Background()

	rec, _, err := svc.RequestAccess(ctx, "user-1", "APEX", nil)
	require.NoError(t, err)

	after, err := svc.RecordVote(ctx, rec.ID, "aaron-id", "Aaron", repository.DecisionApproved, "vouched")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRequested, after.Status)

	after, err = svc.RecordVote(ctx, rec.ID, "elysia-id", "Elysia", repository.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, after.Status)
	assert.True(t, after.Unlocked)

	stored, err := records.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Unlocked)

	approvedEvents := events.withNewStatus(repository.StatusApproved)
	require.Len(t, approvedEvents, 1)
	assert.Equal(t, "multisig_threshold_met", approvedEvents[0].Reason)
	assert.Equal(t, repository.StatusRequested, approvedEvents[0].OldStatus)
}

func TestRecordVote_SameRoleTwiceDoesNotSatisfy(t *testing.T) {
	svc, _, _ := newTestService(node("APEX", policy.Policy{
		MultisigThreshold: 2,
		EligibleRoles:     []string{"Aaron", "Elysia", "Cassian"},
	}))
	ctx := context.Background()

	rec, _, _ := svc.RequestAccess(ctx, "user-1", "APEX", nil)

	_, err := svc.RecordVote(ctx, rec.ID, "aaron-id", "Aaron", repository.DecisionApproved, "")
	require.NoError(t, err)
	after, err := svc.RecordVote(ctx, rec.ID, "aaron-2", "Aaron", repository.DecisionApproved, "")
	require.NoError(t, err)

	assert.Equal(t, repository.StatusRequested, after.Status)
}

func TestRecordVote_IneligibleRoleNeverContributes(t *testing.T) {
	svc, _, _ := newTestService(node("APEX", policy.Policy{
		MultisigThreshold: 1,
		EligibleRoles:     []string{"Aaron"},
	}))
	ctx := context.Background()

	rec, _, _ := svc.RequestAccess(ctx, "user-1", "APEX", nil)

	after, err := svc.RecordVote(ctx, rec.ID, "mallory-id", "Outsider", repository.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRequested, after.Status)
}

func TestRecordVote_RejectionIsAuditOnly(t *testing.T) {
	svc, _, events := newTestService(node("APEX", policy.Policy{
		MultisigThreshold: 2,
		EligibleRoles:     []string{"Aaron", "Elysia", "Cassian"},
	}))
	ctx := context.Background()

	rec, _, _ := svc.RequestAccess(ctx, "user-1", "APEX", nil)

	// A rejection is retained but never denies or subtracts.
	after, err := svc.RecordVote(ctx, rec.ID, "cassian-id", "Cassian", repository.DecisionRejected, "not yet")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRequested, after.Status)

	_, err = svc.RecordVote(ctx, rec.ID, "aaron-id", "Aaron", repository.DecisionApproved, "")
	require.NoError(t, err)
	after, err = svc.RecordVote(ctx, rec.ID, "elysia-id", "Elysia", repository.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, after.Status)

	votes, err := svc.ListVotes(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 3, "rejection retained for audit")

	assert.Len(t, events.withNewStatus(repository.StatusDenied), 0)
}

func TestRecordVote_UnknownRecord(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.RecordVote(context.Background(), "ghost", "a", "Aaron", repository.DecisionApproved, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestRecordVote_TerminalRecordFailsLoudly(t *testing.T) {
	svc, _, _ := newTestService(node("APEX", policy.Policy{MultisigThreshold: 1}))
	ctx := context.Background()

	rec, _, _ := svc.RequestAccess(ctx, "user-1", "APEX", nil)
	_, err := svc.Decide(ctx, rec.ID, repository.StatusDenied, "admin-1", "no")
	require.NoError(t, err)

	_, err = svc.RecordVote(ctx, rec.ID, "aaron-id", "Aaron", repository.DecisionApproved, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
}

func TestRecordVote_ConcurrentDistinctRolesTransitionExactlyOnce(t *testing.T) {
	const voters = 8

	roles := make([]string, voters)
	for i := range roles {
		roles[i] = fmt.Sprintf("Role-%d", i)
	}
	svc, records, events := newTestService(node("COUNCIL", policy.Policy{
		MultisigThreshold: voters,
		EligibleRoles:     roles,
	}))
	ctx := context.Background()

	rec, _, err := svc.RequestAccess(ctx, "user-1", "COUNCIL", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RecordVote(ctx, rec.ID, fmt.Sprintf("approver-%d", i), roles[i], repository.DecisionApproved, "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "vote %d", i)
	}

	stored, err := records.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, stored.Status, "record must not be stuck satisfied-but-requested")
	assert.True(t, stored.Unlocked)

	assert.Len(t, events.withNewStatus(repository.StatusApproved), 1,
		"exactly one transition to approved")
}

// ── Payments ─────────────────────────────────────────────────────────────────

func TestGrantViaPayment_ReplayAbsorbed(t *testing.T) {
	svc, _, events := newTestService(node("OPERATIVE", policy.Policy{PaymentRequired: true}))
	ctx := context.Background()

	meta := map[string]any{"subscription_id": "sub_42"}
	first, granted, err := svc.GrantViaPayment(ctx, "user-1", "OPERATIVE", "cs_test_abc", meta)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, repository.StatusApproved, first.Status)
	assert.Equal(t, repository.SourcePayment, first.Source)

	second, granted, err := svc.GrantViaPayment(ctx, "user-1", "OPERATIVE", "cs_test_abc", meta)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, first.ID, second.ID)

	assert.Len(t, events.withNewStatus(repository.StatusApproved), 1,
		"replayed webhook must not double-notify")
}

func TestGrantViaPayment_UpgradesOpenRequest(t *testing.T) {
	svc, _, _ := newTestService(node("OPERATIVE", policy.Policy{PaymentRequired: true}))
	ctx := context.Background()

	rec, _, err := svc.RequestAccess(ctx, "user-1", "OPERATIVE", nil)
	require.NoError(t, err)

	granted, wasGranted, err := svc.GrantViaPayment(ctx, "user-1", "OPERATIVE", "cs_test_up", nil)
	require.NoError(t, err)
	assert.True(t, wasGranted)
	assert.Equal(t, rec.ID, granted.ID, "open request upgraded, not duplicated")
	assert.Equal(t, repository.StatusApproved, granted.Status)
	assert.Equal(t, repository.SourcePayment, granted.Source)
}

func TestGrantViaPayment_AlreadyApprovedIsNoOp(t *testing.T) {
	svc, _, events := newTestService(node("OPERATIVE", policy.Policy{PaymentRequired: true}))
	ctx := context.Background()

	first, _, err := svc.GrantViaPayment(ctx, "user-1", "OPERATIVE", "cs_1", nil)
	require.NoError(t, err)

	second, granted, err := svc.GrantViaPayment(ctx, "user-1", "OPERATIVE", "cs_2", nil)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, events.withNewStatus(repository.StatusApproved), 1)
}

// ── Revocation and override ──────────────────────────────────────────────────

func TestRevoke_ApprovedBecomesExpired(t *testing.T) {
	svc, _, events := newTestService(node("OPERATIVE", policy.Policy{PaymentRequired: true}))
	ctx := context.Background()

	rec, _, err := svc.GrantViaPayment(ctx, "user-1", "OPERATIVE", "cs_1",
		map[string]any{"subscription_id": "sub_9"})
	require.NoError(t, err)

	revoked, err := svc.RevokeBySubscription(ctx, "sub_9", map[string]any{"cause": "subscription cancelled"})
	require.NoError(t, err)
	require.NotNil(t, revoked)
	assert.Equal(t, rec.ID, revoked.ID)
	assert.Equal(t, repository.StatusExpired, revoked.Status)
	assert.False(t, revoked.Unlocked)

	expiredEvents := events.withNewStatus(repository.StatusExpired)
	require.Len(t, expiredEvents, 1)
	assert.Equal(t, "revoked", expiredEvents[0].Reason)

	// Expired is terminal.
	_, err = svc.Revoke(ctx, rec.ID, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
}

func TestRevokeBySubscription_UnknownSubscriptionIgnored(t *testing.T) {
	svc, _, _ := newTestService()

	rec, err := svc.RevokeBySubscription(context.Background(), "sub_ghost", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDecide_OverridesTally(t *testing.T) {
	svc, _, events := newTestService(node("APEX", policy.Policy{MultisigThreshold: 3}))
	ctx := context.Background()

	rec, _, _ := svc.RequestAccess(ctx, "user-1", "APEX", nil)

	decided, err := svc.Decide(ctx, rec.ID, repository.StatusApproved, "admin-1", "override")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, decided.Status)
	assert.True(t, decided.Unlocked)

	votes, err := svc.ListVotes(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, repository.AdminRole, votes[0].Role)

	approvedEvents := events.withNewStatus(repository.StatusApproved)
	require.Len(t, approvedEvents, 1)
	assert.Equal(t, "admin_decision", approvedEvents[0].Reason)
}

func TestDecide_DenyIsTerminal(t *testing.T) {
	svc, _, _ := newTestService(node("APEX", policy.Policy{MultisigThreshold: 1}))
	ctx := context.Background()

	rec, _, _ := svc.RequestAccess(ctx, "user-1", "APEX", nil)

	denied, err := svc.Decide(ctx, rec.ID, repository.StatusDenied, "admin-1", "no")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDenied, denied.Status)
	assert.False(t, denied.Unlocked)

	_, err = svc.Decide(ctx, rec.ID, repository.StatusApproved, "admin-1", "changed my mind")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
}

func TestDecide_RejectsBogusDecision(t *testing.T) {
	svc, _, _ := newTestService(node("APEX", policy.Policy{}))
	ctx := context.Background()

	rec, _, _ := svc.RequestAccess(ctx, "user-1", "APEX", nil)

	_, err := svc.Decide(ctx, rec.ID, "maybe", "admin-1", "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
}

// ── Failure isolation ────────────────────────────────────────────────────────

func TestRecordVote_StorageFailureLeavesRecordUnchanged(t *testing.T) {
	svc, records, events := newTestService(node("APEX", policy.Policy{MultisigThreshold: 1}))
	ctx := context.Background()

	rec, _, err := svc.RequestAccess(ctx, "user-1", "APEX", nil)
	require.NoError(t, err)

	records.updateErr = errors.New("connection refused")
	_, err = svc.RecordVote(ctx, rec.ID, "aaron-id", "Aaron", repository.DecisionApproved, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnavailable), "retryable error surfaces to caller")

	records.updateErr = nil
	stored, err := records.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRequested, stored.Status)
	assert.Len(t, events.withNewStatus(repository.StatusApproved), 0)
}

// ── Invariant: unlocked mirrors approved everywhere ──────────────────────────

func TestUnlockedMirrorsApprovedThroughLifecycle(t *testing.T) {
	svc, records, _ := newTestService(node("SPECOPS", policy.Policy{MultisigThreshold: 1}))
	ctx := context.Background()

	check := func(id string) {
		t.Helper()
		rec, err := records.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, rec.Status == repository.StatusApproved, rec.Unlocked)
	}

	rec, _, err := svc.RequestAccess(ctx, "user-1", "SPECOPS", nil)
	require.NoError(t, err)
	check(rec.ID)

	_, err = svc.RecordVote(ctx, rec.ID, "aaron-id", "Aaron", repository.DecisionApproved, "")
	require.NoError(t, err)
	check(rec.ID)

	_, err = svc.Revoke(ctx, rec.ID, nil)
	require.NoError(t, err)
	check(rec.ID)
}
