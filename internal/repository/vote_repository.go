package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/arkwell/gatekeeper/internal/apperrors"
	"github.com/arkwell/gatekeeper/internal/database"
)

// VoteRepository appends and reads the append-only approval vote log.
// Votes are never updated or deleted; rejections stay for audit.
type VoteRepository struct {
	db *database.DB
}

// NewVoteRepository creates a new VoteRepository.
func NewVoteRepository(db *database.DB) *VoteRepository {
	return &VoteRepository{db: db}
}

// Append inserts one vote.
func (r *VoteRepository) Append(ctx context.Context, vote *ApprovalVote) error {
	if vote.ID == "" {
		vote.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_votes
		    (id, access_record_id, approver_id, role, decision, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		vote.ID,
		vote.AccessRecordID,
		vote.ApproverID,
		vote.Role,
		vote.Decision,
		vote.Comment,
	).Scan(&vote.CreatedAt)
	if err != nil {
		return apperrors.Unavailable(err, "append vote")
	}
	return nil
}

// ListByRecord returns all votes for an access record oldest-first.
func (r *VoteRepository) ListByRecord(ctx context.Context, accessRecordID string) ([]*ApprovalVote, error) {
	query := `
		SELECT id, access_record_id, approver_id, role, decision, comment, created_at
		FROM approval_votes
		WHERE access_record_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, accessRecordID)
	if err != nil {
		return nil, apperrors.Unavailable(err, "list votes")
	}
	defer rows.Close()

	var votes []*ApprovalVote
	for rows.Next() {
		v := &ApprovalVote{}
		err := rows.Scan(
			&v.ID,
			&v.AccessRecordID,
			&v.ApproverID,
			&v.Role,
			&v.Decision,
			&v.Comment,
			&v.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scan vote")
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Unavailable(err, "iterate votes")
	}
	return votes, nil
}
