package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"collections-dialer/pkg/utils"
)

// PostgresRepo stores campaigns in table campaigns.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Get(ctx context.Context, id string) (Campaign, error) {
	const q = `
SELECT id, organization_id, name, status, caller_id, record_calls, machine_detection,
       COALESCE(pause_reason, ''), created_at, updated_at
FROM campaigns
WHERE id = $1
`
	var c Campaign
	if err := r.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID,
		&c.OrganizationID,
		&c.Name,
		&c.Status,
		&c.CallerID,
		&c.RecordCalls,
		&c.MachineDetection,
		&c.PauseReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	return c, nil
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id string, from []Status, to Status, reason string, now time.Time) (bool, error) {
	const q = `
UPDATE campaigns
SET status = $2, pause_reason = NULLIF($3, ''), updated_at = $4
WHERE id = $1 AND status = ANY($5::text[])
`
	return utils.Swapped(r.db.ExecContext(ctx, q, id, to, reason, now, utils.TextArray(from)))
}
