package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arkwell/gatekeeper/internal/apperrors"
	"github.com/arkwell/gatekeeper/internal/database"
)

// pgUniqueViolation is the Postgres error code for unique_violation.
const pgUniqueViolation = "23505"

// AccessRepository handles access records. Uniqueness of the active
// (user, node) pair and of the external payment reference is enforced by
// partial unique indexes, so concurrent creates and webhook replays resolve
// at the storage layer.
type AccessRepository struct {
	db *database.DB
}

// NewAccessRepository creates a new AccessRepository.
func NewAccessRepository(db *database.DB) *AccessRepository {
	return &AccessRepository{db: db}
}

const accessColumns = `
	id, user_id, node_code, status, source, unlocked,
	evidence, meta, payment_ref, granted_by, expires_at,
	created_at, updated_at`

// Create inserts a new record. A unique-violation on the active pair or the
// payment reference comes back as a duplicate-request error; the caller
// re-reads and treats the existing record as the outcome.
func (r *AccessRepository) Create(ctx context.Context, rec *AccessRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Unlocked = rec.Status == StatusApproved

	evidenceJSON, metaJSON, err := marshalPayloads(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO access_records
		    (id, user_id, node_code, status, source, unlocked,
		     evidence, meta, payment_ref, granted_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rec.ID,
		rec.UserID,
		rec.NodeCode,
		rec.Status,
		rec.Source,
		rec.Unlocked,
		evidenceJSON,
		metaJSON,
		rec.PaymentRef,
		rec.GrantedBy,
		rec.ExpiresAt,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if isUniqueViolation(err) {
		return apperrors.Newf(apperrors.CodeDuplicateRequest,
			"active access record already exists for user %s node %s", rec.UserID, rec.NodeCode)
	}
	if err != nil {
		return apperrors.Unavailable(err, "create access record")
	}
	return nil
}

// GetByID retrieves a record by primary key.
func (r *AccessRepository) GetByID(ctx context.Context, id string) (*AccessRecord, error) {
	query := `SELECT` + accessColumns + `
		FROM access_records WHERE id = $1`

	rec, err := r.scanRecord(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("access record", id)
	}
	if err != nil {
		return nil, apperrors.Unavailable(err, "get access record")
	}
	return rec, nil
}

// GetActiveRecord returns the requested-or-approved record for a
// (user, node) pair, or nil when none exists.
func (r *AccessRepository) GetActiveRecord(ctx context.Context, userID, nodeCode string) (*AccessRecord, error) {
	query := `
		SELECT` + accessColumns + `
		FROM access_records
		WHERE user_id = $1 AND node_code = $2
		  AND status IN ('requested', 'approved')
	`

	rec, err := r.scanRecord(r.db.QueryRow(ctx, query, userID, nodeCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Unavailable(err, "get active access record")
	}
	return rec, nil
}

// GetByPaymentRef returns the record carrying an external payment
// reference, or nil when the reference is unknown.
func (r *AccessRepository) GetByPaymentRef(ctx context.Context, ref string) (*AccessRecord, error) {
	query := `SELECT` + accessColumns + `
		FROM access_records WHERE payment_ref = $1`

	rec, err := r.scanRecord(r.db.QueryRow(ctx, query, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Unavailable(err, "get record by payment ref")
	}
	return rec, nil
}

// GetBySubscription returns the approved record whose payment meta carries
// the given subscription id, or nil. Used when a subscription lapses.
func (r *AccessRepository) GetBySubscription(ctx context.Context, subscriptionID string) (*AccessRecord, error) {
	query := `
		SELECT` + accessColumns + `
		FROM access_records
		WHERE meta ->> 'subscription_id' = $1
		  AND status = 'approved'
	`

	rec, err := r.scanRecord(r.db.QueryRow(ctx, query, subscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Unavailable(err, "get record by subscription")
	}
	return rec, nil
}

// UpdateStatus transitions a record. The expected current statuses guard
// the write so a terminal record is never overwritten; a guard miss on an
// existing record reports an invalid transition.
func (r *AccessRepository) UpdateStatus(ctx context.Context, id, status string, expectFrom []string, update StatusUpdate) (*AccessRecord, error) {
	metaJSON, err := marshalMap(update.MergeMeta)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE access_records
		SET status      = $2,
		    unlocked    = ($2 = 'approved'),
		    source      = COALESCE($4, source),
		    payment_ref = COALESCE($5, payment_ref),
		    granted_by  = COALESCE($6, granted_by),
		    meta        = CASE WHEN $7::jsonb IS NULL THEN meta
		                       ELSE COALESCE(meta, '{}'::jsonb) || $7::jsonb END,
		    updated_at  = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING` + accessColumns

	rec, scanErr := r.scanRecord(r.db.QueryRow(ctx, query,
		id, status, expectFrom, update.Source, update.PaymentRef, update.GrantedBy, metaJSON))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		// Distinguish unknown record from a terminal-state guard miss.
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.InvalidTransition(id, current.Status, status)
	}
	if isUniqueViolation(scanErr) {
		return nil, apperrors.Newf(apperrors.CodeDuplicateRequest, "payment reference already recorded")
	}
	if scanErr != nil {
		return nil, apperrors.Unavailable(scanErr, "update access record")
	}
	return rec, nil
}

// StatusUpdate carries the optional fields stamped alongside a transition.
type StatusUpdate struct {
	Source     *string
	PaymentRef *string
	GrantedBy  *string
	MergeMeta  map[string]any
}

// ListPending returns requested records oldest-first for the admin surface.
func (r *AccessRepository) ListPending(ctx context.Context, limit int) ([]*AccessRecord, error) {
	query := `
		SELECT` + accessColumns + `
		FROM access_records
		WHERE status = 'requested'
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, apperrors.Unavailable(err, "list pending records")
	}
	defer rows.Close()

	var recs []*AccessRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scan access record")
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Unavailable(err, "iterate pending records")
	}
	return recs, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type recordScanner interface {
	Scan(dest ...any) error
}

func (r *AccessRepository) scanRecord(row recordScanner) (*AccessRecord, error) {
	rec := &AccessRecord{}
	var evidenceJSON, metaJSON []byte

	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.NodeCode,
		&rec.Status,
		&rec.Source,
		&rec.Unlocked,
		&evidenceJSON,
		&metaJSON,
		&rec.PaymentRef,
		&rec.GrantedBy,
		&rec.ExpiresAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &rec.Evidence); err != nil {
			return nil, err
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Meta); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func marshalPayloads(rec *AccessRecord) (evidence, meta []byte, err error) {
	evidence, err = marshalMap(rec.Evidence)
	if err != nil {
		return nil, nil, err
	}
	meta, err = marshalMap(rec.Meta)
	if err != nil {
		return nil, nil, err
	}
	return evidence, meta, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "marshal record payload")
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
