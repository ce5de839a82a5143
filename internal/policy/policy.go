// Package policy implements the pure access-policy predicate evaluator and
// the multisig vote tally. Nothing here performs I/O; callers supply a full
// context snapshot and get a deterministic result back.
package policy

// Policy is the conjunction of conditions a user must satisfy to unlock a
// node. Every field is an independent required condition; Open bypasses all
// of them.
type Policy struct {
	Open              bool     `json:"open,omitempty"`
	PaymentRequired   bool     `json:"payment_required,omitempty"`
	RitualRequired    bool     `json:"ritual_required,omitempty"`
	RequiredTokens    []string `json:"required_tokens,omitempty"`
	DependencyCheck   bool     `json:"dependency_check,omitempty"`
	MultisigThreshold int      `json:"multisig_threshold,omitempty"`
	EligibleRoles     []string `json:"eligible_roles,omitempty"`
}

// Reason is the deterministic outcome code of an evaluation. Deny reasons
// tell the caller what remediation is possible.
type Reason string

const (
	ReasonOpenAccess         Reason = "open_access"
	ReasonAlreadyApproved    Reason = "already_approved"
	ReasonRequiresPayment    Reason = "requires_payment"
	ReasonRequiresRitual     Reason = "requires_ritual"
	ReasonRequiresTokens     Reason = "requires_tokens"
	ReasonRequiresDependency Reason = "requires_dependency"
	ReasonRequiresApproval   Reason = "requires_approval"
	ReasonPolicySatisfied    Reason = "policy_satisfied"
)

// Context is the caller-supplied snapshot evaluated against a policy.
type Context struct {
	// AlreadyApproved is true when the caller holds an approved, unlocked
	// record for this node.
	AlreadyApproved bool
	// Tokens the caller is known to hold.
	Tokens []string
	// PaymentProven is true when a verified payment proof exists.
	PaymentProven bool
	// RitualEvidence is true when the caller has submitted ritual evidence.
	RitualEvidence bool
	// DependencyMet is the externally-supplied dependency flag.
	DependencyMet bool
	// ApprovingRoles are the roles that have cast an approve vote on the
	// caller's open request, if one exists.
	ApprovingRoles []string
}

// Result is an evaluation outcome. Denials are expected, recoverable
// results, never errors.
type Result struct {
	Allowed bool           `json:"allowed"`
	Reason  Reason         `json:"reason"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func allow(reason Reason) Result {
	return Result{Allowed: true, Reason: reason}
}

func deny(reason Reason, detail map[string]any) Result {
	return Result{Allowed: false, Reason: reason, Detail: detail}
}

// Evaluate checks the context against the policy. The first failing check
// wins, in a fixed order, so the reason code is deterministic for identical
// inputs.
func Evaluate(pol Policy, c Context) Result {
	if pol.Open {
		return allow(ReasonOpenAccess)
	}
	if c.AlreadyApproved {
		return allow(ReasonAlreadyApproved)
	}
	if pol.PaymentRequired && !c.PaymentProven {
		return deny(ReasonRequiresPayment, nil)
	}
	if pol.RitualRequired && !c.RitualEvidence {
		return deny(ReasonRequiresRitual, nil)
	}
	if missing := missingTokens(pol.RequiredTokens, c.Tokens); len(missing) > 0 {
		return deny(ReasonRequiresTokens, map[string]any{"missing_tokens": missing})
	}
	if pol.DependencyCheck && !c.DependencyMet {
		return deny(ReasonRequiresDependency, nil)
	}
	if pol.MultisigThreshold > 0 {
		distinct := distinctEligibleRoles(pol.EligibleRoles, c.ApprovingRoles)
		if distinct < pol.MultisigThreshold {
			return deny(ReasonRequiresApproval, map[string]any{
				"votes":     distinct,
				"threshold": pol.MultisigThreshold,
			})
		}
	}
	return allow(ReasonPolicySatisfied)
}

// Vote is the minimal vote view the tally needs.
type Vote struct {
	Role     string
	Approved bool
}

// Tally counts distinct approving roles, filtered to the policy's eligible
// roles when that set is non-empty. Duplicate votes from one role count
// once; rejections never subtract. Satisfied is true once the distinct
// count reaches the threshold (vacuously true for threshold zero).
func Tally(pol Policy, votes []Vote) (distinct int, satisfied bool) {
	roles := make([]string, 0, len(votes))
	for _, v := range votes {
		if v.Approved {
			roles = append(roles, v.Role)
		}
	}
	distinct = distinctEligibleRoles(pol.EligibleRoles, roles)
	return distinct, distinct >= pol.MultisigThreshold
}

func missingTokens(required, held []string) []string {
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(held))
	for _, t := range held {
		have[t] = struct{}{}
	}
	var missing []string
	for _, t := range required {
		if _, ok := have[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}

func distinctEligibleRoles(eligible, roles []string) int {
	var allowed map[string]struct{}
	if len(eligible) > 0 {
		allowed = make(map[string]struct{}, len(eligible))
		for _, r := range eligible {
			allowed[r] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if allowed != nil {
			if _, ok := allowed[r]; !ok {
				continue
			}
		}
		seen[r] = struct{}{}
	}
	return len(seen)
}
