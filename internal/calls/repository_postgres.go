package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"collections-dialer/pkg/utils"
)

// PostgresRepo stores calls in table calls and corrections in
// disposition_corrections (INSERT-only).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `
id, organization_id, campaign_id, account_id, agent_session_id, external_call_id,
to_number, from_number, status, COALESCE(answered_by, ''), COALESCE(carrier_status, ''),
COALESCE(error_code, ''), duration_seconds, COALESCE(disposition, ''), COALESCE(disposition_note, ''),
COALESCE(disposed_by, ''), disposed_at, started_at, answered_at, ended_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(s rowScanner) (Call, error) {
	var c Call
	err := s.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.CampaignID,
		&c.AccountID,
		&c.AgentSessionID,
		&c.ExternalCallID,
		&c.To,
		&c.From,
		&c.Status,
		&c.AnsweredBy,
		&c.CarrierStatus,
		&c.ErrorCode,
		&c.DurationSeconds,
		&c.Disposition,
		&c.DispositionNote,
		&c.DisposedBy,
		&c.DisposedAt,
		&c.StartedAt,
		&c.AnsweredAt,
		&c.EndedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func (r *PostgresRepo) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  id, organization_id, campaign_id, account_id, agent_session_id, external_call_id,
  to_number, from_number, status, carrier_status, started_at, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		c.ID,
		c.OrganizationID,
		c.CampaignID,
		c.AccountID,
		c.AgentSessionID,
		c.ExternalCallID,
		c.To,
		c.From,
		c.Status,
		c.CarrierStatus,
		c.StartedAt,
		c.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Call, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func (r *PostgresRepo) GetByExternalID(ctx context.Context, externalCallID string) (Call, bool, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE external_call_id = $1`, externalCallID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, false, nil
		}
		return Call{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepo) Transition(ctx context.Context, id string, from []Status, to Status, u Update) (Status, bool, error) {
	// prev locks the row so the returned previous status is the one the guard saw.
	const q = `
WITH prev AS (
  SELECT id, status FROM calls WHERE id = $1 FOR UPDATE
)
UPDATE calls c
SET status = $2,
    answered_by = COALESCE(NULLIF($4, ''), c.answered_by),
    carrier_status = COALESCE(NULLIF($5, ''), c.carrier_status),
    error_code = COALESCE(NULLIF($6, ''), c.error_code),
    duration_seconds = GREATEST(c.duration_seconds, $7),
    answered_at = CASE WHEN $2 IN ('answered', 'human', 'machine_detected') THEN COALESCE(c.answered_at, $8) ELSE c.answered_at END,
    ended_at = CASE WHEN $2 IN ('completed', 'failed', 'no_answer') THEN COALESCE(c.ended_at, $8) ELSE c.ended_at END,
    updated_at = $8
FROM prev
WHERE c.id = prev.id AND prev.status = ANY($3::text[])
RETURNING prev.status
`
	var prev Status
	err := r.db.QueryRowContext(ctx, q, id, to, utils.TextArray(from), u.AnsweredBy, u.CarrierStatus, u.ErrorCode, u.DurationSeconds, u.At).Scan(&prev)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return prev, true, nil
}

func (r *PostgresRepo) SetDisposition(ctx context.Context, id string, code Disposition, note, actor string, at time.Time) (bool, error) {
	const q = `
UPDATE calls
SET disposition = $2, disposition_note = NULLIF($3, ''), disposed_by = $4, disposed_at = $5, updated_at = $5
WHERE id = $1 AND disposition IS NULL
`
	return utils.Swapped(r.db.ExecContext(ctx, q, id, code, note, actor, at))
}

func (r *PostgresRepo) ClearDisposition(ctx context.Context, id string, code Disposition) (bool, error) {
	const q = `
UPDATE calls
SET disposition = NULL, disposition_note = NULL, disposed_by = NULL, disposed_at = NULL
WHERE id = $1 AND disposition = $2
`
	return utils.Swapped(r.db.ExecContext(ctx, q, id, code))
}

func (r *PostgresRepo) AddCorrection(ctx context.Context, c Correction) error {
	const q = `
INSERT INTO disposition_corrections (id, call_id, previous_code, code, reason, actor, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := r.db.ExecContext(ctx, q, c.ID, c.CallID, c.PreviousCode, c.Code, c.Reason, c.Actor, c.CreatedAt)
	return err
}

func (r *PostgresRepo) ListCorrections(ctx context.Context, callID string) ([]Correction, error) {
	const q = `
SELECT id, call_id, previous_code, code, reason, actor, created_at
FROM disposition_corrections
WHERE call_id = $1
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Correction
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.ID, &c.CallID, &c.PreviousCode, &c.Code, &c.Reason, &c.Actor, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) CountAttempts(ctx context.Context, accountID string, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM calls WHERE account_id = $1 AND started_at >= $2`
	var n int
	err := r.db.QueryRowContext(ctx, q, accountID, since).Scan(&n)
	return n, err
}

func (r *PostgresRepo) ListStale(ctx context.Context, olderThan time.Time) ([]Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE status = ANY($1::text[]) AND started_at < $2
ORDER BY started_at ASC`
	rows, err := r.db.QueryContext(ctx, q, utils.TextArray(nonTerminal), olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
