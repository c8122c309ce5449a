package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pickcreator-backend/internal/domain"
)

const callRecordsSchema = `
	CREATE TABLE IF NOT EXISTS call_records (
		call_id         UUID PRIMARY KEY,
		conversation_id STRING NOT NULL,
		caller_id       STRING NOT NULL,
		callee_id       STRING NOT NULL,
		call_type       STRING NOT NULL DEFAULT 'audio',
		status          STRING NOT NULL,
		started_at      TIMESTAMPTZ NOT NULL,
		answered_at     TIMESTAMPTZ,
		ended_at        TIMESTAMPTZ,
		duration        INT NOT NULL DEFAULT 0,
		ended_by        STRING NOT NULL DEFAULT '',
		INDEX call_records_caller_idx (caller_id, started_at DESC),
		INDEX call_records_callee_idx (callee_id, started_at DESC),
		INDEX call_records_conversation_idx (conversation_id, started_at DESC)
	)
`

const callRecordColumns = `
	call_id, conversation_id, caller_id, callee_id, call_type, status,
	started_at, answered_at, ended_at, duration, ended_by
`

// CallRepository persists relay call records
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// EnsureSchema creates the call_records table when it does not exist
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, callRecordsSchema); err != nil {
		return fmt.Errorf("failed to create call_records table: %w", err)
	}
	return nil
}

// Create inserts a new call record
func (r *CallRepository) Create(ctx context.Context, call *domain.CallRecord) error {
	query := `
		INSERT INTO call_records (
			call_id, conversation_id, caller_id, callee_id, call_type, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.ConversationID,
		call.CallerID,
		call.CalleeID,
		call.CallType,
		call.Status,
		call.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// MarkActive records that the callee answered
func (r *CallRepository) MarkActive(ctx context.Context, callID uuid.UUID, answeredAt time.Time) error {
	query := `
		UPDATE call_records
		SET status = 'active', answered_at = $2
		WHERE call_id = $1 AND ended_at IS NULL
	`

	tag, err := r.pool.Exec(ctx, query, callID, answeredAt)
	if err != nil {
		return fmt.Errorf("failed to mark call active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCallNotFound
	}

	return nil
}

// End closes a call with its final status and connected duration
func (r *CallRepository) End(ctx context.Context, call *domain.CallRecord) error {
	query := `
		UPDATE call_records
		SET status = $2, ended_at = $3, duration = $4, ended_by = $5
		WHERE call_id = $1 AND ended_at IS NULL
	`

	tag, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.Status,
		call.EndedAt,
		call.Duration,
		call.EndedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCallNotFound
	}

	return nil
}

// FindOpen returns the most recent unfinished call in conversationID between
// the two users, in either direction
func (r *CallRepository) FindOpen(ctx context.Context, conversationID, userA, userB string) (*domain.CallRecord, error) {
	query := `
		SELECT ` + callRecordColumns + `
		FROM call_records
		WHERE conversation_id = $1
		  AND ended_at IS NULL
		  AND ((caller_id = $2 AND callee_id = $3) OR (caller_id = $3 AND callee_id = $2))
		ORDER BY started_at DESC
		LIMIT 1
	`

	call, err := scanCallRecord(r.pool.QueryRow(ctx, query, conversationID, userA, userB))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to find open call: %w", err)
	}

	return call, nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `SELECT ` + callRecordColumns + ` FROM call_records WHERE call_id = $1`

	call, err := scanCallRecord(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// GetUserCalls retrieves the calls a user placed or received, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT ` + callRecordColumns + `
		FROM call_records
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	calls := make([]*domain.CallRecord, 0, limit)
	for rows.Next() {
		call, err := scanCallRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}

	return calls, nil
}

func scanCallRecord(row pgx.Row) (*domain.CallRecord, error) {
	call := &domain.CallRecord{}
	err := row.Scan(
		&call.CallID,
		&call.ConversationID,
		&call.CallerID,
		&call.CalleeID,
		&call.CallType,
		&call.Status,
		&call.StartedAt,
		&call.AnsweredAt,
		&call.EndedAt,
		&call.Duration,
		&call.EndedBy,
	)
	if err != nil {
		return nil, err
	}
	return call, nil
}
