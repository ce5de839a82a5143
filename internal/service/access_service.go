package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/arkwell/gatekeeper/internal/apperrors"
	"github.com/arkwell/gatekeeper/internal/notify"
	"github.com/arkwell/gatekeeper/internal/policy"
	"github.com/arkwell/gatekeeper/internal/repository"
)

// NodeStore is the node-catalog boundary the engine reads through.
type NodeStore interface {
	GetByCode(ctx context.Context, code string) (*repository.Node, error)
	List(ctx context.Context) ([]*repository.Node, error)
}

// RecordStore is the durable access-record boundary. Implementations
// enforce the one-active-record-per-pair invariant and payment-reference
// uniqueness; violations surface as duplicate-request errors.
type RecordStore interface {
	Create(ctx context.Context, rec *repository.AccessRecord) error
	GetByID(ctx context.Context, id string) (*repository.AccessRecord, error)
	GetActiveRecord(ctx context.Context, userID, nodeCode string) (*repository.AccessRecord, error)
	GetByPaymentRef(ctx context.Context, ref string) (*repository.AccessRecord, error)
	GetBySubscription(ctx context.Context, subscriptionID string) (*repository.AccessRecord, error)
	UpdateStatus(ctx context.Context, id, status string, expectFrom []string, update repository.StatusUpdate) (*repository.AccessRecord, error)
	ListPending(ctx context.Context, limit int) ([]*repository.AccessRecord, error)
}

// VoteStore is the append-only vote log boundary.
type VoteStore interface {
	Append(ctx context.Context, vote *repository.ApprovalVote) error
	ListByRecord(ctx context.Context, accessRecordID string) ([]*repository.ApprovalVote, error)
}

// EventSink receives one event per committed transition. Enqueue must not
// block; the dispatcher satisfies this.
type EventSink interface {
	Enqueue(event notify.Event)
}

// Transition reasons carried on emitted events.
const (
	reasonRequestCreated       = "request_created"
	reasonMultisigThresholdMet = "multisig_threshold_met"
	reasonPaymentConfirmed     = "payment_confirmed"
	reasonAdminDecision        = "admin_decision"
	reasonRevoked              = "revoked"
)

// CallerContext carries the caller-supplied parts of an evaluation
// snapshot: tokens the caller holds and the externally-determined
// dependency flag. Identity is assumed already authenticated upstream.
type CallerContext struct {
	Tokens        []string
	DependencyMet bool
}

// NodeState pairs a catalog entry with its evaluation for one caller.
type NodeState struct {
	Node   *repository.Node
	Result policy.Result
}

// AccessService owns the access-record state machine. All transitions on a
// single record are serialized through a per-record lock so the vote tally
// and the resulting status change see a consistent snapshot; distinct
// records proceed in parallel. Notifications are enqueued after the
// transition commits and never hold the lock.
type AccessService struct {
	nodes   NodeStore
	records RecordStore
	votes   VoteStore
	events  EventSink
	log     zerolog.Logger

	recordLocks *keyedLocks
}

// NewAccessService creates a new AccessService.
func NewAccessService(nodes NodeStore, records RecordStore, votes VoteStore, events EventSink, log zerolog.Logger) *AccessService {
	return &AccessService{
		nodes:       nodes,
		records:     records,
		votes:       votes,
		events:      events,
		log:         log,
		recordLocks: newKeyedLocks(),
	}
}

// ── Evaluation ────────────────────────────────────────────────────────────────

// CheckAccess answers "may this user use this node" by assembling the full
// evaluation snapshot and running the pure evaluator over it. Denials are
// results, not errors; only unknown nodes and storage failures error.
func (s *AccessService) CheckAccess(ctx context.Context, userID, nodeCode string, caller CallerContext) (policy.Result, error) {
	node, err := s.getActiveNode(ctx, nodeCode)
	if err != nil {
		return policy.Result{}, err
	}
	return s.evaluateNode(ctx, userID, node, caller)
}

// NodeMap evaluates the whole catalog for one caller.
func (s *AccessService) NodeMap(ctx context.Context, userID string, caller CallerContext) ([]NodeState, error) {
	nodes, err := s.nodes.List(ctx)
	if err != nil {
		return nil, err
	}

	states := make([]NodeState, 0, len(nodes))
	for _, node := range nodes {
		if !node.Active {
			continue
		}
		res, err := s.evaluateNode(ctx, userID, node, caller)
		if err != nil {
			return nil, err
		}
		states = append(states, NodeState{Node: node, Result: res})
	}
	return states, nil
}

func (s *AccessService) evaluateNode(ctx context.Context, userID string, node *repository.Node, caller CallerContext) (policy.Result, error) {
	rec, err := s.records.GetActiveRecord(ctx, userID, node.Code)
	if err != nil {
		return policy.Result{}, err
	}

	evalCtx := policy.Context{
		Tokens:        caller.Tokens,
		DependencyMet: caller.DependencyMet,
	}
	if rec != nil {
		evalCtx.AlreadyApproved = rec.Status == repository.StatusApproved
		evalCtx.PaymentProven = rec.PaymentRef != nil
		evalCtx.RitualEvidence = len(rec.Evidence) > 0

		if rec.Status == repository.StatusRequested && node.Policy.MultisigThreshold > 0 {
			votes, err := s.votes.ListByRecord(ctx, rec.ID)
			if err != nil {
				return policy.Result{}, err
			}
			for _, v := range votes {
				if v.Approved() {
					evalCtx.ApprovingRoles = append(evalCtx.ApprovingRoles, v.Role)
				}
			}
		}
	}

	return policy.Evaluate(node.Policy, evalCtx), nil
}

// ── State machine ─────────────────────────────────────────────────────────────

// RequestAccess opens an access request. Idempotent: an existing active
// record for the pair is returned unchanged with created=false.
func (s *AccessService) RequestAccess(ctx context.Context, userID, nodeCode string, evidence map[string]any) (rec *repository.AccessRecord, created bool, err error) {
	node, err := s.getActiveNode(ctx, nodeCode)
	if err != nil {
		return nil, false, err
	}

	unlock := s.recordLocks.lock(pairKey(userID, node.Code))
	defer unlock()

	existing, err := s.records.GetActiveRecord(ctx, userID, node.Code)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	rec = &repository.AccessRecord{
		UserID:   userID,
		NodeCode: node.Code,
		Status:   repository.StatusRequested,
		Source:   repository.SourceUserRequest,
		Evidence: evidence,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		if apperrors.HasCode(err, apperrors.CodeDuplicateRequest) {
			// Lost a create race; the winner's record is the outcome.
			return s.refetchActive(ctx, userID, node.Code)
		}
		return nil, false, err
	}

	s.log.Info().
		Str("record_id", rec.ID).
		Str("user_id", userID).
		Str("node_code", node.Code).
		Msg("access request created")

	s.emit(rec, "", reasonRequestCreated)
	return rec, true, nil
}

// RecordVote appends an approval vote and, when an approve vote crosses the
// node's multisig threshold, transitions the record to approved. The tally
// and transition run under the per-record lock so concurrent votes cannot
// both observe "not satisfied" or both transition. A rejection is recorded
// for audit and never auto-denies.
func (s *AccessService) RecordVote(ctx context.Context, accessID, approverID, role, decision, comment string) (*repository.AccessRecord, error) {
	if decision != repository.DecisionApproved && decision != repository.DecisionRejected {
		return nil, apperrors.InvalidInput("decision", "must be approved or rejected")
	}

	unlock := s.recordLocks.lock(accessID)
	defer unlock()

	rec, err := s.records.GetByID(ctx, accessID)
	if err != nil {
		return nil, err
	}
	if rec.Status != repository.StatusRequested {
		return nil, apperrors.InvalidTransition(accessID, rec.Status, repository.StatusApproved)
	}

	vote := &repository.ApprovalVote{
		AccessRecordID: accessID,
		ApproverID:     approverID,
		Role:           role,
		Decision:       decision,
		Comment:        comment,
	}
	if err := s.votes.Append(ctx, vote); err != nil {
		return nil, err
	}

	if decision == repository.DecisionRejected {
		s.log.Info().
			Str("record_id", accessID).
			Str("role", role).
			Msg("rejection recorded, awaiting remaining approvers")
		return rec, nil
	}

	node, err := s.nodes.GetByCode(ctx, rec.NodeCode)
	if err != nil {
		return nil, err
	}
	if node.Policy.MultisigThreshold <= 0 {
		return rec, nil
	}

	votes, err := s.votes.ListByRecord(ctx, accessID)
	if err != nil {
		return nil, err
	}
	distinct, satisfied := policy.Tally(node.Policy, toPolicyVotes(votes))
	if !satisfied {
		s.log.Debug().
			Str("record_id", accessID).
			Int("votes", distinct).
			Int("threshold", node.Policy.MultisigThreshold).
			Msg("vote recorded, threshold not yet met")
		return rec, nil
	}

	updated, err := s.records.UpdateStatus(ctx, accessID, repository.StatusApproved,
		[]string{repository.StatusRequested},
		repository.StatusUpdate{GrantedBy: &approverID})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("record_id", accessID).
		Int("votes", distinct).
		Msg("multisig threshold met, access approved")

	s.emit(updated, rec.Status, reasonMultisigThresholdMet)
	return updated, nil
}

// GrantViaPayment applies a verified payment proof: a direct transition to
// approved bypassing the vote path. The external reference is the
// idempotency key; a webhook replay returns the original record with
// granted=false and emits nothing.
func (s *AccessService) GrantViaPayment(ctx context.Context, userID, nodeCode, externalRef string, proofMeta map[string]any) (rec *repository.AccessRecord, granted bool, err error) {
	if externalRef == "" {
		return nil, false, apperrors.InvalidInput("external_reference", "required")
	}

	if prior, err := s.records.GetByPaymentRef(ctx, externalRef); err != nil {
		return nil, false, err
	} else if prior != nil {
		s.log.Info().
			Str("record_id", prior.ID).
			Str("payment_ref", externalRef).
			Msg("payment proof replay absorbed")
		return prior, false, nil
	}

	node, err := s.getActiveNode(ctx, nodeCode)
	if err != nil {
		return nil, false, err
	}

	unlock := s.recordLocks.lock(pairKey(userID, node.Code))
	defer unlock()

	active, err := s.records.GetActiveRecord(ctx, userID, node.Code)
	if err != nil {
		return nil, false, err
	}

	source := repository.SourcePayment
	switch {
	case active == nil:
		rec = &repository.AccessRecord{
			UserID:     userID,
			NodeCode:   node.Code,
			Status:     repository.StatusApproved,
			Source:     source,
			PaymentRef: &externalRef,
			Meta:       proofMeta,
		}
		if err := s.records.Create(ctx, rec); err != nil {
			if apperrors.HasCode(err, apperrors.CodeDuplicateRequest) {
				return s.absorbPaymentRace(ctx, externalRef)
			}
			return nil, false, err
		}
		s.emit(rec, "", reasonPaymentConfirmed)

	case active.Status == repository.StatusRequested:
		rec, err = s.records.UpdateStatus(ctx, active.ID, repository.StatusApproved,
			[]string{repository.StatusRequested},
			repository.StatusUpdate{
				Source:     &source,
				PaymentRef: &externalRef,
				MergeMeta:  proofMeta,
			})
		if err != nil {
			if apperrors.HasCode(err, apperrors.CodeDuplicateRequest) {
				return s.absorbPaymentRace(ctx, externalRef)
			}
			return nil, false, err
		}
		s.emit(rec, active.Status, reasonPaymentConfirmed)

	default:
		// Already approved through another path; nothing to transition.
		return active, false, nil
	}

	s.log.Info().
		Str("record_id", rec.ID).
		Str("user_id", userID).
		Str("node_code", node.Code).
		Str("payment_ref", externalRef).
		Msg("access granted via payment")

	return rec, true, nil
}

// Revoke expires an approved record, e.g. when the backing subscription is
// cancelled.
func (s *AccessService) Revoke(ctx context.Context, accessID string, reasonMeta map[string]any) (*repository.AccessRecord, error) {
	unlock := s.recordLocks.lock(accessID)
	defer unlock()

	rec, err := s.records.GetByID(ctx, accessID)
	if err != nil {
		return nil, err
	}
	if rec.Status != repository.StatusApproved {
		return nil, apperrors.InvalidTransition(accessID, rec.Status, repository.StatusExpired)
	}

	updated, err := s.records.UpdateStatus(ctx, accessID, repository.StatusExpired,
		[]string{repository.StatusApproved},
		repository.StatusUpdate{MergeMeta: reasonMeta})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("record_id", accessID).
		Str("user_id", updated.UserID).
		Str("node_code", updated.NodeCode).
		Msg("access revoked")

	s.emit(updated, rec.Status, reasonRevoked)
	return updated, nil
}

// RevokeBySubscription expires the grant backed by an external subscription
// id. An unknown subscription is absorbed silently: cancellation webhooks
// may arrive for payments this system never recorded.
func (s *AccessService) RevokeBySubscription(ctx context.Context, subscriptionID string, reasonMeta map[string]any) (*repository.AccessRecord, error) {
	rec, err := s.records.GetBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		s.log.Warn().Str("subscription_id", subscriptionID).Msg("cancellation for unknown subscription ignored")
		return nil, nil
	}
	return s.Revoke(ctx, rec.ID, reasonMeta)
}

// Decide is the administrative override: force a requested record to
// approved or denied regardless of the vote tally. The decision is recorded
// as a vote under the admin role for audit continuity.
func (s *AccessService) Decide(ctx context.Context, accessID, decision, approverID, comment string) (*repository.AccessRecord, error) {
	if decision != repository.StatusApproved && decision != repository.StatusDenied {
		return nil, apperrors.InvalidInput("decision", "must be approved or denied")
	}

	unlock := s.recordLocks.lock(accessID)
	defer unlock()

	rec, err := s.records.GetByID(ctx, accessID)
	if err != nil {
		return nil, err
	}
	if rec.Status != repository.StatusRequested {
		return nil, apperrors.InvalidTransition(accessID, rec.Status, decision)
	}

	voteDecision := repository.DecisionApproved
	if decision == repository.StatusDenied {
		voteDecision = repository.DecisionRejected
	}
	err = s.votes.Append(ctx, &repository.ApprovalVote{
		AccessRecordID: accessID,
		ApproverID:     approverID,
		Role:           repository.AdminRole,
		Decision:       voteDecision,
		Comment:        comment,
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.records.UpdateStatus(ctx, accessID, decision,
		[]string{repository.StatusRequested},
		repository.StatusUpdate{GrantedBy: &approverID})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("record_id", accessID).
		Str("decision", decision).
		Str("approver_id", approverID).
		Msg("administrative decision applied")

	s.emit(updated, rec.Status, reasonAdminDecision)
	return updated, nil
}

// ListPending returns open requests for the admin surface.
func (s *AccessService) ListPending(ctx context.Context, limit int) ([]*repository.AccessRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return s.records.ListPending(ctx, limit)
}

// ListVotes returns the audit trail of votes for a record.
func (s *AccessService) ListVotes(ctx context.Context, accessID string) ([]*repository.ApprovalVote, error) {
	if _, err := s.records.GetByID(ctx, accessID); err != nil {
		return nil, err
	}
	return s.votes.ListByRecord(ctx, accessID)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *AccessService) getActiveNode(ctx context.Context, code string) (*repository.Node, error) {
	node, err := s.nodes.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	// Deactivated catalog entries behave as unknown to callers.
	if !node.Active {
		return nil, apperrors.NotFound("node", code)
	}
	return node, nil
}

func (s *AccessService) refetchActive(ctx context.Context, userID, nodeCode string) (*repository.AccessRecord, bool, error) {
	existing, err := s.records.GetActiveRecord(ctx, userID, nodeCode)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, apperrors.NotFound("access record", pairKey(userID, nodeCode))
	}
	return existing, false, nil
}

func (s *AccessService) absorbPaymentRace(ctx context.Context, externalRef string) (*repository.AccessRecord, bool, error) {
	prior, err := s.records.GetByPaymentRef(ctx, externalRef)
	if err != nil {
		return nil, false, err
	}
	if prior == nil {
		return nil, false, apperrors.NotFound("access record", externalRef)
	}
	return prior, false, nil
}

func (s *AccessService) emit(rec *repository.AccessRecord, oldStatus, reason string) {
	if s.events == nil {
		return
	}
	s.events.Enqueue(notify.Event{
		RecordID:  rec.ID,
		UserID:    rec.UserID,
		NodeCode:  rec.NodeCode,
		OldStatus: oldStatus,
		NewStatus: rec.Status,
		Reason:    reason,
	})
}

func toPolicyVotes(votes []*repository.ApprovalVote) []policy.Vote {
	out := make([]policy.Vote, 0, len(votes))
	for _, v := range votes {
		out = append(out, policy.Vote{Role: v.Role, Approved: v.Approved()})
	}
	return out
}

func pairKey(userID, nodeCode string) string {
	return userID + "/" + nodeCode
}
