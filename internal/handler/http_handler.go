package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/arkwell/gatekeeper/internal/service"
)

// HTTPHandler serves the caller-facing API: policy evaluation, access
// requests, and the ritual endpoint.
type HTTPHandler struct {
	access  *service.AccessService
	rituals *service.RitualService
	log     zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(access *service.AccessService, rituals *service.RitualService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		access:  access,
		rituals: rituals,
		log:     log,
	}
}

// Health handles health check requests
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// NodeMap handles node map requests: the whole catalog evaluated for the
// caller, one reason-coded verdict per active node.
func (h *HTTPHandler) NodeMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := callerID(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	states, err := h.access.NodeMap(r.Context(), userID, callerContext(r))
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	views := make([]nodeStateView, 0, len(states))
	for _, state := range states {
		views = append(views, toNodeStateView(state))
	}
	respondJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

// AccessStatus handles single-node evaluation requests.
func (h *HTTPHandler) AccessStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := callerID(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	nodeCode := r.URL.Query().Get("node")
	if nodeCode == "" {
		http.Error(w, "Node code is required", http.StatusBadRequest)
		return
	}

	result, err := h.access.CheckAccess(r.Context(), userID, nodeCode, callerContext(r))
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"node_code":  nodeCode,
		"accessible": result.Allowed,
		"reason":     result.Reason,
		"detail":     result.Detail,
	})
}

// RequestAccess handles access request creation. Repeats are idempotent and
// return the existing active record.
func (h *HTTPHandler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := callerID(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	var req struct {
		NodeCode string         `json:"node_code"`
		Evidence map[string]any `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeCode == "" {
		http.Error(w, "Node code is required", http.StatusBadRequest)
		return
	}

	rec, created, err := h.access.RequestAccess(r.Context(), userID, req.NodeCode, req.Evidence)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]any{
		"record":  toRecordView(rec),
		"created": created,
	})
}

// Ritual handles ritual execution requests for tier-gated callers.
func (h *HTTPHandler) Ritual(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := callerID(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	var req struct {
		SeedConcept string `json:"seed_concept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tier, result, err := h.rituals.Run(r.Context(), userID, req.SeedConcept)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tier":   tier,
		"result": result,
	})
}

// callerContext reads the caller-supplied evaluation inputs from the query
// string: held tokens and the externally-verified dependency flag.
func callerContext(r *http.Request) service.CallerContext {
	var caller service.CallerContext
	if raw := r.URL.Query().Get("tokens"); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				caller.Tokens = append(caller.Tokens, tok)
			}
		}
	}
	caller.DependencyMet = r.URL.Query().Get("dependency_met") == "true"
	return caller
}
