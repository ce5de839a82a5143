package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkwell/gatekeeper/internal/apperrors"
	"github.com/arkwell/gatekeeper/internal/notify"
	"github.com/arkwell/gatekeeper/internal/repository"
)

// ── in-memory fakes mirroring the storage collaborator's contract ────────────

type memNodeStore struct {
	mu    sync.Mutex
	nodes map[string]*repository.Node
}

func newMemNodeStore(nodes ...*repository.Node) *memNodeStore {
	s := &memNodeStore{nodes: make(map[string]*repository.Node)}
	for _, n := range nodes {
		s.nodes[n.Code] = n
	}
	return s
}

func (s *memNodeStore) GetByCode(_ context.Context, code string) (*repository.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[code]
	if !ok {
		return nil, apperrors.NotFound("node", code)
	}
	cp := *node
	return &cp, nil
}

func (s *memNodeStore) List(_ context.Context) ([]*repository.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

// memRecordStore enforces the same uniqueness constraints as the Postgres
// store: one active record per (user, node) and a unique payment reference.
type memRecordStore struct {
	mu      sync.Mutex
	records map[string]*repository.AccessRecord

	updateErr error // injectable storage failure
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{records: make(map[string]*repository.AccessRecord)}
}

func (s *memRecordStore) Create(_ context.Context, rec *repository.AccessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		activePair := existing.UserID == rec.UserID && existing.NodeCode == rec.NodeCode &&
			(existing.Status == repository.StatusRequested || existing.Status == repository.StatusApproved)
		samePaymentRef := rec.PaymentRef != nil && existing.PaymentRef != nil && *existing.PaymentRef == *rec.PaymentRef
		if activePair || samePaymentRef {
			return apperrors.New(apperrors.CodeDuplicateRequest, "unique constraint violated")
		}
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Unlocked = rec.Status == repository.StatusApproved
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt

	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *memRecordStore) GetByID(_ context.Context, id string) (*repository.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, apperrors.NotFound("access record", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *memRecordStore) GetActiveRecord(_ context.Context, userID, nodeCode string) (*repository.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.UserID == userID && rec.NodeCode == nodeCode &&
			(rec.Status == repository.StatusRequested || rec.Status == repository.StatusApproved) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memRecordStore) GetByPaymentRef(_ context.Context, ref string) (*repository.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.PaymentRef != nil && *rec.PaymentRef == ref {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memRecordStore) GetBySubscription(_ context.Context, subscriptionID string) (*repository.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Status != repository.StatusApproved || rec.Meta == nil {
			continue
		}
		if id, ok := rec.Meta["subscription_id"].(string); ok && id == subscriptionID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memRecordStore) UpdateStatus(_ context.Context, id, status string, expectFrom []string, update repository.StatusUpdate) (*repository.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		return nil, apperrors.Unavailable(s.updateErr, "update access record")
	}

	rec, ok := s.records[id]
	if !ok {
		return nil, apperrors.NotFound("access record", id)
	}

	allowed := false
	for _, from := range expectFrom {
		if rec.Status == from {
			allowed = true
		}
	}
	if !allowed {
		return nil, apperrors.InvalidTransition(id, rec.Status, status)
	}

	if update.PaymentRef != nil {
		for otherID, other := range s.records {
			if otherID != id && other.PaymentRef != nil && *other.PaymentRef == *update.PaymentRef {
				return nil, apperrors.New(apperrors.CodeDuplicateRequest, "payment reference already recorded")
			}
		}
		rec.PaymentRef = update.PaymentRef
	}

	rec.Status = status
	rec.Unlocked = status == repository.StatusApproved
	if update.Source != nil {
		rec.Source = *update.Source
	}
	if update.GrantedBy != nil {
		rec.GrantedBy = update.GrantedBy
	}
	if update.MergeMeta != nil {
		if rec.Meta == nil {
			rec.Meta = make(map[string]any)
		}
		for k, v := range update.MergeMeta {
			rec.Meta[k] = v
		}
	}
	rec.UpdatedAt = time.Now()

	cp := *rec
	return &cp, nil
}

func (s *memRecordStore) ListPending(_ context.Context, limit int) ([]*repository.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AccessRecord
	for _, rec := range s.records {
		if rec.Status == repository.StatusRequested && len(out) < limit {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memVoteStore struct {
	mu    sync.Mutex
	votes []*repository.ApprovalVote
}

func newMemVoteStore() *memVoteStore {
	return &memVoteStore{}
}

func (s *memVoteStore) Append(_ context.Context, vote *repository.ApprovalVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vote.ID == "" {
		vote.ID = uuid.NewString()
	}
	vote.CreatedAt = time.Now()
	cp := *vote
	s.votes = append(s.votes, &cp)
	return nil
}

func (s *memVoteStore) ListByRecord(_ context.Context, accessRecordID string) ([]*repository.ApprovalVote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalVote
	for _, v := range s.votes {
		if v.AccessRecordID == accessRecordID {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

// eventRecorder collects emitted events synchronously so tests can assert
// exact per-transition counts.
type eventRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *eventRecorder) Enqueue(event notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) withNewStatus(status string) []notify.Event {
	var out []notify.Event
	for _, e := range r.all() {
		if e.NewStatus == status {
			out = append(out, e)
		}
	}
	return out
}
