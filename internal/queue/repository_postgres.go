package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"collections-dialer/internal/campaigns"
	"collections-dialer/pkg/utils"
)

// PostgresRepo stores accounts in table queued_accounts.
//
// Claim transitions are single conditional UPDATEs; the row-level lock taken by
// UPDATE serializes racing sessions and the loser matches zero rows.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const accountColumns = `
id, organization_id, campaign_id, COALESCE(external_ref, ''), phone, balance,
jurisdiction, timezone, do_not_contact, cease_and_desist, consent_revoked,
priority, enrolled_at, last_contact_at, attempts,
claim_state, COALESCE(claimed_by, ''), claimed_at, COALESCE(skip_reason, ''), updated_at`

// returningColumns is accountColumns qualified for UPDATE ... FROM.
const returningColumns = `
a.id, a.organization_id, a.campaign_id, COALESCE(a.external_ref, ''), a.phone, a.balance,
a.jurisdiction, a.timezone, a.do_not_contact, a.cease_and_desist, a.consent_revoked,
a.priority, a.enrolled_at, a.last_contact_at, a.attempts,
a.claim_state, COALESCE(a.claimed_by, ''), a.claimed_at, COALESCE(a.skip_reason, ''), a.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (Account, error) {
	var a Account
	err := s.Scan(
		&a.ID,
		&a.OrganizationID,
		&a.CampaignID,
		&a.ExternalRef,
		&a.Phone,
		&a.Balance,
		&a.Jurisdiction,
		&a.Timezone,
		&a.DoNotContact,
		&a.CeaseAndDesist,
		&a.ConsentRevoked,
		&a.Priority,
		&a.EnrolledAt,
		&a.LastContactAt,
		&a.Attempts,
		&a.ClaimState,
		&a.ClaimedBy,
		&a.ClaimedAt,
		&a.SkipReason,
		&a.UpdatedAt,
	)
	return a, err
}

func (r *PostgresRepo) query(ctx context.Context, q string, args ...any) ([]Account, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Account, error) {
	q := `SELECT ` + accountColumns + ` FROM queued_accounts WHERE id = $1`
	a, err := scanAccount(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *PostgresRepo) Enroll(ctx context.Context, accounts []Account) error {
	for _, a := range accounts {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	const q = `
INSERT INTO queued_accounts (
  id, organization_id, campaign_id, external_ref, phone, balance, jurisdiction, timezone,
  do_not_contact, cease_and_desist, consent_revoked, priority, enrolled_at, claim_state, updated_at
) VALUES (
  $1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,'unclaimed',$13
)
ON CONFLICT (id) DO NOTHING
`
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, a := range accounts {
			enrolled := a.EnrolledAt
			if enrolled.IsZero() {
				enrolled = time.Now().UTC()
			}
			if _, err := tx.ExecContext(ctx, q,
				a.ID,
				a.OrganizationID,
				a.CampaignID,
				a.ExternalRef,
				a.Phone,
				a.Balance,
				a.Jurisdiction,
				a.Timezone,
				a.DoNotContact,
				a.CeaseAndDesist,
				a.ConsentRevoked,
				a.Priority,
				enrolled,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepo) ListCandidates(ctx context.Context, campaignID string, limit int) ([]Account, error) {
	q := `SELECT ` + accountColumns + `
FROM queued_accounts
WHERE campaign_id = $1 AND claim_state = 'unclaimed'
ORDER BY priority DESC, enrolled_at ASC, id ASC
LIMIT $2`
	return r.query(ctx, q, campaignID, limit)
}

func (r *PostgresRepo) Claim(ctx context.Context, id, agentSessionID string, now time.Time) (bool, error) {
	if agentSessionID == "" {
		return false, ErrInvalidArgument
	}
	// The campaign guard makes a pause effective for claims already in flight.
	const q = `
UPDATE queued_accounts a
SET claim_state = 'claimed', claimed_by = $2, claimed_at = $3, skip_reason = NULL, updated_at = $3
WHERE a.id = $1 AND a.claim_state = 'unclaimed'
  AND EXISTS (SELECT 1 FROM campaigns c WHERE c.id = a.campaign_id AND c.status = 'active')
`
	return utils.Swapped(r.db.ExecContext(ctx, q, id, agentSessionID, now))
}

func (r *PostgresRepo) Skip(ctx context.Context, id string, from ClaimState, reason string, now time.Time) (bool, error) {
	const q = `
UPDATE queued_accounts
SET claim_state = 'skipped', claimed_by = NULL, claimed_at = NULL, skip_reason = $3, updated_at = $4
WHERE id = $1 AND claim_state = $2
`
	return utils.Swapped(r.db.ExecContext(ctx, q, id, from, reason, now))
}

func (r *PostgresRepo) Release(ctx context.Context, id string, from ClaimState, now time.Time) (bool, error) {
	const q = `
UPDATE queued_accounts
SET claim_state = 'unclaimed', claimed_by = NULL, claimed_at = NULL, skip_reason = NULL, updated_at = $3
WHERE id = $1 AND claim_state = $2
`
	return utils.Swapped(r.db.ExecContext(ctx, q, id, from, now))
}

func (r *PostgresRepo) MarkInProgress(ctx context.Context, id, agentSessionID string, now time.Time) (bool, error) {
	const q = `
UPDATE queued_accounts
SET claim_state = 'in_progress', attempts = attempts + 1, last_contact_at = $3, updated_at = $3
WHERE id = $1 AND claim_state = 'claimed' AND claimed_by = $2
`
	return utils.Swapped(r.db.ExecContext(ctx, q, id, agentSessionID, now))
}

func (r *PostgresRepo) MarkDone(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
UPDATE queued_accounts
SET claim_state = 'done', updated_at = $2
WHERE id = $1 AND claim_state = 'in_progress'
`
	return utils.Swapped(r.db.ExecContext(ctx, q, id, now))
}

func (r *PostgresRepo) ReleaseStaleClaims(ctx context.Context, olderThan, now time.Time) ([]Account, error) {
	q := `
WITH stale AS (
  SELECT id FROM queued_accounts
  WHERE claim_state = 'claimed' AND claimed_at < $1
  FOR UPDATE SKIP LOCKED
)
UPDATE queued_accounts a
SET claim_state = 'unclaimed', claimed_by = NULL, claimed_at = NULL, updated_at = $2
FROM stale
WHERE a.id = stale.id
RETURNING ` + returningColumns
	return r.query(ctx, q, olderThan, now)
}

func (r *PostgresRepo) RequeueSkipped(ctx context.Context, reasons []string, olderThan, now time.Time) (int, error) {
	const q = `
UPDATE queued_accounts
SET claim_state = 'unclaimed', skip_reason = NULL, updated_at = $3
WHERE claim_state = 'skipped' AND skip_reason = ANY($1::text[]) AND updated_at < $2
`
	res, err := r.db.ExecContext(ctx, q, reasons, olderThan, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PostgresRepo) ListStuckInProgress(ctx context.Context, olderThan time.Time) ([]Account, error) {
	q := `SELECT ` + accountColumns + `
FROM queued_accounts
WHERE claim_state = 'in_progress' AND updated_at < $1
ORDER BY updated_at ASC`
	return r.query(ctx, q, olderThan)
}

func (r *PostgresRepo) CampaignCounts(ctx context.Context, campaignID string) (campaigns.Counts, error) {
	const q = `
SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE claim_state = 'unclaimed'),
  COUNT(*) FILTER (WHERE claim_state = 'claimed'),
  COUNT(*) FILTER (WHERE claim_state = 'in_progress'),
  COUNT(*) FILTER (WHERE claim_state = 'done'),
  COUNT(*) FILTER (WHERE claim_state = 'skipped'),
  COUNT(*) FILTER (WHERE attempts > 0)
FROM queued_accounts
WHERE campaign_id = $1
`
	var c campaigns.Counts
	err := r.db.QueryRowContext(ctx, q, campaignID).Scan(
		&c.Total,
		&c.Unclaimed,
		&c.Claimed,
		&c.InProgress,
		&c.Done,
		&c.Skipped,
		&c.Attempted,
	)
	return c, err
}
