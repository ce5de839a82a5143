package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/arkwell/gatekeeper/internal/apperrors"
	"github.com/arkwell/gatekeeper/internal/repository"
	"github.com/arkwell/gatekeeper/internal/service"
)

// headerUserID carries the caller identity set by the authenticating proxy.
const headerUserID = "X-User-ID"

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	respondJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    apperrors.CodeOf(err),
			"message": err.Error(),
		},
	})
}

// callerID extracts the authenticated user id. Authentication itself happens
// upstream; an absent header means the request bypassed the proxy.
func callerID(r *http.Request) (string, error) {
	id := r.Header.Get(headerUserID)
	if id == "" {
		return "", apperrors.New(apperrors.CodeUnauthorized, "missing caller identity")
	}
	return id, nil
}

// ── response views ───────────────────────────────────────────────────────────

type recordView struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	NodeCode   string         `json:"node_code"`
	Status     string         `json:"status"`
	Source     string         `json:"source"`
	Unlocked   bool           `json:"unlocked"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	PaymentRef *string        `json:"payment_ref,omitempty"`
	GrantedBy  *string        `json:"granted_by,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func toRecordView(rec *repository.AccessRecord) recordView {
	return recordView{
		ID:         rec.ID,
		UserID:     rec.UserID,
		NodeCode:   rec.NodeCode,
		Status:     rec.Status,
		Source:     rec.Source,
		Unlocked:   rec.Unlocked,
		Evidence:   rec.Evidence,
		Meta:       rec.Meta,
		PaymentRef: rec.PaymentRef,
		GrantedBy:  rec.GrantedBy,
		ExpiresAt:  rec.ExpiresAt,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

type nodeStateView struct {
	Code       string         `json:"code"`
	Label      string         `json:"label"`
	Tier       int            `json:"tier"`
	Accessible bool           `json:"accessible"`
	Reason     string         `json:"reason"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func toNodeStateView(state service.NodeState) nodeStateView {
	return nodeStateView{
		Code:       state.Node.Code,
		Label:      state.Node.Label,
		Tier:       state.Node.Tier,
		Accessible: state.Result.Allowed,
		Reason:     string(state.Result.Reason),
		Detail:     state.Result.Detail,
	}
}

type voteView struct {
	ID         string    `json:"id"`
	ApproverID string    `json:"approver_id"`
	Role       string    `json:"role"`
	Decision   string    `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func toVoteViews(votes []*repository.ApprovalVote) []voteView {
	out := make([]voteView, 0, len(votes))
	for _, v := range votes {
		out = append(out, voteView{
			ID:         v.ID,
			ApproverID: v.ApproverID,
			Role:       v.Role,
			Decision:   v.Decision,
			Comment:    v.Comment,
			CreatedAt:  v.CreatedAt,
		})
	}
	return out
}
