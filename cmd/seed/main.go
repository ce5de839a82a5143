// Command seed initializes the node catalog. Safe to run repeatedly:
// existing nodes and grants are left untouched.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/arkwell/gatekeeper/internal/apperrors"
	"github.com/arkwell/gatekeeper/internal/config"
	"github.com/arkwell/gatekeeper/internal/database"
	"github.com/arkwell/gatekeeper/internal/logger"
	"github.com/arkwell/gatekeeper/internal/policy"
	"github.com/arkwell/gatekeeper/internal/repository"
)

// demoUserID gets a system-sourced RECRUIT grant so a fresh install has one
// unlocked account to poke at.
const demoUserID = "MOCK-USER-12345"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName + "-seed",
		Version:     cfg.Version,
	})

	ctx := context.Background()

	db, err := database.New(ctx, database.Config{
		DSN:            cfg.DatabaseDSN,
		StorageTimeout: cfg.StorageTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	nodeRepo := repository.NewNodeRepository(db)
	accessRepo := repository.NewAccessRepository(db)

	catalog := []*repository.Node{
		{
			Code:   "RECRUIT",
			Label:  "Arkwell Recruit",
			Tier:   0,
			Active: true,
			Policy: policy.Policy{Open: true},
		},
		{
			Code:   "OPERATIVE",
			Label:  "Field Operative",
			Tier:   1,
			Active: true,
			Policy: policy.Policy{PaymentRequired: true},
		},
		{
			Code:   "SPECOPS",
			Label:  "Special Operations",
			Tier:   2,
			Active: true,
			Policy: policy.Policy{PaymentRequired: true, MultisigThreshold: 1},
		},
		{
			Code:   "DIRECTOR",
			Label:  "Command Director",
			Tier:   3,
			Active: true,
			Policy: policy.Policy{PaymentRequired: true},
		},
	}

	for _, node := range catalog {
		err := nodeRepo.Create(ctx, node)
		switch {
		case err == nil:
			log.Info().Str("code", node.Code).Int("tier", node.Tier).Msg("node seeded")
		case apperrors.HasCode(err, apperrors.CodeDuplicateRequest):
			log.Info().Str("code", node.Code).Msg("node already present, skipping")
		default:
			log.Fatal().Err(err).Str("code", node.Code).Msg("Failed to seed node")
		}
	}

	grant := &repository.AccessRecord{
		UserID:   demoUserID,
		NodeCode: "RECRUIT",
		Status:   repository.StatusApproved,
		Source:   repository.SourceSystem,
	}
	err = accessRepo.Create(ctx, grant)
	switch {
	case err == nil:
		log.Info().Str("user_id", demoUserID).Msg("demo grant seeded")
	case apperrors.HasCode(err, apperrors.CodeDuplicateRequest):
		log.Info().Str("user_id", demoUserID).Msg("demo grant already present, skipping")
	default:
		log.Fatal().Err(err).Msg("Failed to seed demo grant")
	}

	log.Info().Msg("Seed complete")
}
