package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soyeahso/turnstile/internal/domain"
)

// Transition is one recorded state of an approval.
type Transition struct {
	Status     domain.ApprovalStatus `json:"status"`
	ApprovedBy string                `json:"approvedBy,omitempty"`
	RecordedAt time.Time             `json:"recordedAt"`
}

// ApprovalLog is the durable audit trail of approval invocations.
type ApprovalLog struct {
	db  *DB
	now func() time.Time
}

// NewApprovalLog creates an approval log using the given database.
func NewApprovalLog(db *DB) *ApprovalLog {
	return &ApprovalLog{db: db, now: time.Now}
}

// RecordApproval stores the latest state of a record and appends a
// transition row.
func (l *ApprovalLog) RecordApproval(ctx context.Context, a domain.Approval) error {
	var decidedAt sql.NullString
	if a.DecidedAt != nil {
		decidedAt = nullString(formatTime(*a.DecidedAt))
	}
	var input sql.NullString
	if len(a.ToolInput) > 0 {
		input = nullString(string(a.ToolInput))
	}

	tx, err := l.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO approvals (tool_use_id, session_id, job_id, tool_name, tool_input, status, created_at, timeout_at, decided_at, approved_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tool_use_id) DO UPDATE SET
		   status = excluded.status,
		   timeout_at = excluded.timeout_at,
		   decided_at = excluded.decided_at,
		   approved_by = excluded.approved_by`,
		a.ToolUseID, a.SessionID, a.JobID, a.ToolName, input, string(a.Status),
		formatTime(a.CreatedAt), formatTime(a.TimeoutAt), decidedAt, a.ApprovedBy,
	); err != nil {
		return fmt.Errorf("upserting approval: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO approval_transitions (tool_use_id, status, approved_by, recorded_at) VALUES (?, ?, ?, ?)`,
		a.ToolUseID, string(a.Status), a.ApprovedBy, formatTime(l.now()),
	); err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}
	return tx.Commit()
}

// ListApprovals returns a session's approvals in creation order. An empty
// session id lists every session.
func (l *ApprovalLog) ListApprovals(ctx context.Context, sessionID string) ([]domain.Approval, error) {
	query := `SELECT tool_use_id, session_id, job_id, tool_name, tool_input, status, created_at, timeout_at, decided_at, approved_by
		 FROM approvals`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at, tool_use_id`

	rows, err := l.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying approvals: %w", err)
	}
	defer rows.Close()

	var out []domain.Approval
	for rows.Next() {
		var (
			a                    domain.Approval
			input, decidedAt     sql.NullString
			createdAt, timeoutAt string
		)
		if err := rows.Scan(&a.ToolUseID, &a.SessionID, &a.JobID, &a.ToolName, &input, &a.Status,
			&createdAt, &timeoutAt, &decidedAt, &a.ApprovedBy); err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		if input.Valid {
			a.ToolInput = json.RawMessage(input.String)
		}
		a.CreatedAt = parseTime(createdAt)
		a.TimeoutAt = parseTime(timeoutAt)
		if decidedAt.Valid {
			t := parseTime(decidedAt.String)
			a.DecidedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// History returns the recorded transitions of one approval, oldest first.
func (l *ApprovalLog) History(ctx context.Context, toolUseID string) ([]Transition, error) {
	rows, err := l.db.sql.QueryContext(ctx,
		`SELECT status, approved_by, recorded_at FROM approval_transitions
		 WHERE tool_use_id = ? ORDER BY id`, toolUseID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr Transition
			at string
		)
		if err := rows.Scan(&tr.Status, &tr.ApprovedBy, &at); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		tr.RecordedAt = parseTime(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}
