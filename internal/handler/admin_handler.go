package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/arkwell/gatekeeper/internal/policy"
	"github.com/arkwell/gatekeeper/internal/repository"
	"github.com/arkwell/gatekeeper/internal/service"
)

// AdminHandler serves the operator surface: pending queue, voting, overrides,
// revocation, and node catalog management.
type AdminHandler struct {
	access *service.AccessService
	nodes  *repository.NodeRepository
	log    zerolog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(access *service.AccessService, nodes *repository.NodeRepository, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		access: access,
		nodes:  nodes,
		log:    log,
	}
}

// Pending handles pending-request listing.
func (h *AdminHandler) Pending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := h.access.ListPending(r.Context(), limit)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, toRecordView(rec))
	}
	respondJSON(w, http.StatusOK, map[string]any{"pending": views})
}

// Vote handles approval vote submission.
func (h *AdminHandler) Vote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	approverID, err := callerID(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	var req struct {
		AccessID string `json:"access_id"`
		Role     string `json:"role"`
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccessID == "" || req.Role == "" {
		http.Error(w, "Access ID and role are required", http.StatusBadRequest)
		return
	}

	rec, err := h.access.RecordVote(r.Context(), req.AccessID, approverID, req.Role, req.Decision, req.Comment)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"record": toRecordView(rec)})
}

// Decide handles the administrative override: force a pending request to a
// final status regardless of the vote tally.
func (h *AdminHandler) Decide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	approverID, err := callerID(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	var req struct {
		AccessID string `json:"access_id"`
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.access.Decide(r.Context(), req.AccessID, req.Decision, approverID, req.Comment)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"record": toRecordView(rec)})
}

// Revoke handles grant revocation.
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	approverID, err := callerID(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	var req struct {
		AccessID string `json:"access_id"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	meta := map[string]any{"revoked_by": approverID}
	if req.Reason != "" {
		meta["revocation_reason"] = req.Reason
	}

	rec, err := h.access.Revoke(r.Context(), req.AccessID, meta)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"record": toRecordView(rec)})
}

// Votes handles audit-trail listing for one access record.
func (h *AdminHandler) Votes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accessID := r.URL.Query().Get("access_id")
	if accessID == "" {
		http.Error(w, "Access ID is required", http.StatusBadRequest)
		return
	}

	votes, err := h.access.ListVotes(r.Context(), accessID)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"votes": toVoteViews(votes)})
}

// Nodes handles catalog listing and node creation.
func (h *AdminHandler) Nodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listNodes(w, r)
	case http.MethodPost:
		h.createNode(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AdminHandler) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.List(r.Context())
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	views := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, map[string]any{
			"id":     n.ID,
			"code":   n.Code,
			"label":  n.Label,
			"tier":   n.Tier,
			"active": n.Active,
			"policy": n.Policy,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

func (h *AdminHandler) createNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code   string        `json:"code"`
		Label  string        `json:"label"`
		Tier   int           `json:"tier"`
		Policy policy.Policy `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "Node code is required", http.StatusBadRequest)
		return
	}

	node := &repository.Node{
		Code:   req.Code,
		Label:  req.Label,
		Tier:   req.Tier,
		Active: true,
		Policy: req.Policy,
	}
	if err := h.nodes.Create(r.Context(), node); err != nil {
		respondError(w, h.log, err)
		return
	}

	h.log.Info().Str("node_code", node.Code).Msg("node created")
	respondJSON(w, http.StatusCreated, map[string]any{"code": node.Code, "id": node.ID})
}

// UpdatePolicy handles policy replacement on an existing node.
func (h *AdminHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Code   string        `json:"code"`
		Policy policy.Policy `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "Node code is required", http.StatusBadRequest)
		return
	}

	if err := h.nodes.UpdatePolicy(r.Context(), req.Code, req.Policy); err != nil {
		respondError(w, h.log, err)
		return
	}

	h.log.Info().Str("node_code", req.Code).Msg("node policy updated")
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
