package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arkwell/gatekeeper/internal/apperrors"
	"github.com/arkwell/gatekeeper/internal/database"
	"github.com/arkwell/gatekeeper/internal/policy"
)

// NodeRepository handles the node catalog. Policies are stored as JSONB and
// unmarshalled into the typed policy struct on read.
type NodeRepository struct {
	db *database.DB
}

// NewNodeRepository creates a new NodeRepository.
func NewNodeRepository(db *database.DB) *NodeRepository {
	return &NodeRepository{db: db}
}

// Create inserts a catalog entry. Used by the seed CLI; conflicts on code
// are reported as duplicates so seeding stays idempotent.
func (r *NodeRepository) Create(ctx context.Context, node *Node) error {
	policyJSON, err := json.Marshal(node.Policy)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "marshal node policy")
	}

	if node.ID == "" {
		node.ID = uuid.NewString()
	}

	query := `
		INSERT INTO nodes (id, code, label, tier, active, policy)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO NOTHING
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		node.ID,
		node.Code,
		node.Label,
		node.Tier,
		node.Active,
		policyJSON,
	).Scan(&node.CreatedAt, &node.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Newf(apperrors.CodeDuplicateRequest, "node %q already seeded", node.Code)
	}
	if err != nil {
		return apperrors.Unavailable(err, "create node")
	}
	return nil
}

// GetByCode retrieves a node by its unique code.
func (r *NodeRepository) GetByCode(ctx context.Context, code string) (*Node, error) {
	query := `
		SELECT id, code, label, tier, active, policy, created_at, updated_at
		FROM nodes
		WHERE code = $1
	`

	node, err := r.scanNode(r.db.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("node", code)
	}
	if err != nil {
		return nil, apperrors.Unavailable(err, "get node")
	}
	return node, nil
}

// List returns the catalog ordered by tier then code.
func (r *NodeRepository) List(ctx context.Context) ([]*Node, error) {
	query := `
		SELECT id, code, label, tier, active, policy, created_at, updated_at
		FROM nodes
		ORDER BY tier ASC, code ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Unavailable(err, "list nodes")
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := r.scanNode(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scan node")
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpdatePolicy replaces a node's policy. Operator-only surface.
func (r *NodeRepository) UpdatePolicy(ctx context.Context, code string, pol policy.Policy) error {
	policyJSON, err := json.Marshal(pol)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "marshal node policy")
	}

	query := `
		UPDATE nodes
		SET policy     = $2,
		    updated_at = NOW()
		WHERE code = $1
		RETURNING id
	`

	var id string
	err = r.db.QueryRow(ctx, query, code, policyJSON).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("node", code)
	}
	if err != nil {
		return apperrors.Unavailable(err, "update node policy")
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type nodeScanner interface {
	Scan(dest ...any) error
}

func (r *NodeRepository) scanNode(row nodeScanner) (*Node, error) {
	node := &Node{}
	var policyJSON []byte

	err := row.Scan(
		&node.ID,
		&node.Code,
		&node.Label,
		&node.Tier,
		&node.Active,
		&policyJSON,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &node.Policy); err != nil {
			return nil, err
		}
	}
	return node, nil
}
