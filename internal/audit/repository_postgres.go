package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends events to audit_events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, organization_id, type, actor, campaign_id, account_id, call_id, external_call_id,
  from_state, to_state, outcome, rule, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,'')::jsonb,$15
)
ON CONFLICT (id) DO NOTHING
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.OrganizationID,
		e.Type,
		e.Actor,
		e.CampaignID,
		e.AccountID,
		e.CallID,
		e.ExternalCallID,
		e.FromState,
		e.ToState,
		e.Outcome,
		e.Rule,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
