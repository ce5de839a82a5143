package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/arkwell/gatekeeper/internal/apperrors"
	"github.com/arkwell/gatekeeper/internal/repository"
	"github.com/arkwell/gatekeeper/internal/ritual"
)

// RitualService gates the flavor-text engine behind the caller's unlocked
// tier: the highest tier among nodes the caller holds an approved record
// for. Tier 0 callers are refused before the engine runs.
type RitualService struct {
	nodes   NodeStore
	records RecordStore
	engine  *ritual.Engine
	log     zerolog.Logger
}

// NewRitualService creates a new RitualService.
func NewRitualService(nodes NodeStore, records RecordStore, engine *ritual.Engine, log zerolog.Logger) *RitualService {
	return &RitualService{nodes: nodes, records: records, engine: engine, log: log}
}

// UnlockedTier returns the caller's highest approved node tier.
func (s *RitualService) UnlockedTier(ctx context.Context, userID string) (int, error) {
	nodes, err := s.nodes.List(ctx)
	if err != nil {
		return 0, err
	}

	tier := 0
	for _, node := range nodes {
		if !node.Active || node.Tier <= tier {
			continue
		}
		rec, err := s.records.GetActiveRecord(ctx, userID, node.Code)
		if err != nil {
			return 0, err
		}
		if rec != nil && rec.Status == repository.StatusApproved {
			tier = node.Tier
		}
	}
	return tier, nil
}

// Run executes the ritual for a caller after the tier gate.
func (s *RitualService) Run(ctx context.Context, userID, seedConcept string) (int, *ritual.Result, error) {
	if seedConcept == "" {
		return 0, nil, apperrors.InvalidInput("seed_concept", "required")
	}

	tier, err := s.UnlockedTier(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	if tier == 0 {
		return 0, nil, apperrors.New(apperrors.CodePolicyDenied, "tier 0 access denied, unlock a node first")
	}

	s.log.Info().
		Str("user_id", userID).
		Int("tier", tier).
		Msg("ritual initiated")

	result := s.engine.Execute(seedConcept, tier)
	return tier, &result, nil
}
