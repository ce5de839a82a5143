package repository

import (
	"time"

	"github.com/arkwell/gatekeeper/internal/policy"
)

// ── Domain types for the access engine ───────────────────────────────────────

// Node is a named capability/tier gated by a policy. Seeded at catalog-init
// time; the policy may later be edited by an operator, the node itself is
// never deleted while references exist.
type Node struct {
	ID        string
	Code      string
	Label     string
	Tier      int
	Active    bool
	Policy    policy.Policy
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Access record statuses. Approved and denied are terminal except for a
// later expiry; expired is terminal.
const (
	StatusRequested = "requested"
	StatusApproved  = "approved"
	StatusDenied    = "denied"
	StatusExpired   = "expired"
)

// Access record sources.
const (
	SourceSystem      = "system"
	SourceUserRequest = "user_request"
	SourcePayment     = "payment"
)

// AccessRecord is the per-(user, node) request/grant entity. At most one
// active (requested or approved) record exists per pair; the partial unique
// index in storage enforces it.
type AccessRecord struct {
	ID         string
	UserID     string
	NodeCode   string
	Status     string
	Source     string
	Unlocked   bool // derived: true iff Status == approved
	Evidence   map[string]any
	Meta       map[string]any
	PaymentRef *string // external payment reference, idempotency key
	GrantedBy  *string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether no further transition except expiry is allowed.
func (r *AccessRecord) Terminal() bool {
	return r.Status == StatusDenied || r.Status == StatusExpired
}

// Vote decisions.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// AdminRole marks votes cast through the administrative override path.
const AdminRole = "admin"

// ApprovalVote is one append-only vote on an access record. Rejections are
// retained for audit and never subtract from the tally.
type ApprovalVote struct {
	ID             string
	AccessRecordID string
	ApproverID     string
	Role           string
	Decision       string
	Comment        string
	CreatedAt      time.Time
}

// Approved reports whether the vote counts toward a multisig threshold.
func (v *ApprovalVote) Approved() bool { return v.Decision == DecisionApproved }
