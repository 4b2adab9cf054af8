package repo

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"lanepool/internal/domain"
)

// --- subscriptions ---

func (r Repo) InsertSubscription(ctx context.Context, tx *sql.Tx, s domain.WebhookSubscription) error {
	if s.ID == "" {
		return errors.New("id required")
	}
	if strings.TrimSpace(s.URL) == "" {
		return errors.New("url required")
	}
	active := 0
	if s.Active {
		active = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO webhook_subscriptions(id, url, events, secret, active, created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.URL, s.Events, s.Secret, active, FormatTS(s.CreatedAt))
	return err
}

// ListSubscriptions returns subscriptions in creation order.
func (r Repo) ListSubscriptions(ctx context.Context, tx *sql.Tx, activeOnly bool) ([]domain.WebhookSubscription, error) {
	query := `SELECT id,url,events,secret,active,created_at FROM webhook_subscriptions`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DeactivateSubscription(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE webhook_subscriptions SET active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func scanSubscription(row scanner) (domain.WebhookSubscription, error) {
	var s domain.WebhookSubscription
	var active int
	var created string
	err := row.Scan(&s.ID, &s.URL, &s.Events, &s.Secret, &active, &created)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Active = active == 1
	s.CreatedAt, err = parseTS(created)
	return s, err
}

// --- deliveries ---

const deliveryColumns = `id,subscription_id,event_id,event_type,payload_json,attempt_count,next_attempt_at,last_error,last_response_status,status,claim_token,claimed_until,created_at,updated_at`

func scanDelivery(row scanner) (domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	var next, created, updated string
	var lastErr, token, until sql.NullString
	var lastStatus sql.NullInt64
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &d.Payload, &d.AttemptCount, &next,
		&lastErr, &lastStatus, &d.Status, &token, &until, &created, &updated)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if lastErr.Valid {
		d.LastError = &lastErr.String
	}
	if lastStatus.Valid {
		v := int(lastStatus.Int64)
		d.LastStatus = &v
	}
	if token.Valid {
		d.ClaimToken = &token.String
	}
	if until.Valid {
		t, err := parseTS(until.String)
		if err != nil {
			return d, err
		}
		d.ClaimedUntil = &t
	}
	if d.NextAttemptAt, err = parseTS(next); err != nil {
		return d, err
	}
	if d.CreatedAt, err = parseTS(created); err != nil {
		return d, err
	}
	d.UpdatedAt, err = parseTS(updated)
	return d, err
}

// InsertDelivery queues a delivery. A second insert for the same event and
// subscription is ignored and reports false.
func (r Repo) InsertDelivery(ctx context.Context, tx *sql.Tx, d domain.WebhookDelivery) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO webhook_deliveries(`+deliveryColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(event_id, subscription_id) DO NOTHING`,
		d.ID, d.SubscriptionID, d.EventID, d.EventType, d.Payload, d.AttemptCount, FormatTS(d.NextAttemptAt),
		nullableStringPtr(d.LastError), nullableIntPtr(d.LastStatus), d.Status, nullableStringPtr(d.ClaimToken), nullableTimePtr(d.ClaimedUntil),
		FormatTS(d.CreatedAt), FormatTS(d.UpdatedAt))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r Repo) GetDelivery(ctx context.Context, tx *sql.Tx, id string) (domain.WebhookDelivery, error) {
	return scanDelivery(r.q(tx).QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id=?`, id))
}

type DeliveryFilters struct {
	Status         string
	SubscriptionID string
	EventID        int64
	Limit          int
}

func (r Repo) ListDeliveries(ctx context.Context, tx *sql.Tx, f DeliveryFilters) ([]domain.WebhookDelivery, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.SubscriptionID != "" {
		clauses = append(clauses, "subscription_id=?")
		args = append(args, f.SubscriptionID)
	}
	if f.EventID > 0 {
		clauses = append(clauses, "event_id=?")
		args = append(args, f.EventID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ClaimDueDeliveries leases up to limit due pending deliveries to token
// until leaseUntil. Rows leased by another worker are skipped until their
// lease lapses.
func (r Repo) ClaimDueDeliveries(ctx context.Context, token string, now, leaseUntil time.Time, limit int) ([]domain.WebhookDelivery, error) {
	ts := FormatTS(now)
	rows, err := r.DB.QueryContext(ctx, `UPDATE webhook_deliveries SET claim_token=?, claimed_until=?, updated_at=?
WHERE id IN (
  SELECT id FROM webhook_deliveries
  WHERE status=? AND next_attempt_at<=? AND (claimed_until IS NULL OR claimed_until<?)
  ORDER BY next_attempt_at ASC, created_at ASC
  LIMIT ?
)
RETURNING `+deliveryColumns,
		token, FormatTS(leaseUntil), ts, domain.DeliveryPending, ts, ts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].NextAttemptAt.Equal(res[j].NextAttemptAt) {
			return res[i].NextAttemptAt.Before(res[j].NextAttemptAt)
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// MarkDeliverySuccess finishes a claimed delivery. It reports false when
// the claim was lost.
func (r Repo) MarkDeliverySuccess(ctx context.Context, id, token string, status int, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE webhook_deliveries
SET status=?, last_response_status=?, last_error=NULL, claim_token=NULL, claimed_until=NULL, updated_at=?
WHERE id=? AND claim_token=?`,
		domain.DeliverySuccess, status, FormatTS(now), id, token)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// RescheduleDelivery records a failed attempt and leaves the delivery
// pending until next.
func (r Repo) RescheduleDelivery(ctx context.Context, id, token string, attempts int, next time.Time, lastErr string, status *int, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE webhook_deliveries
SET attempt_count=?, next_attempt_at=?, last_error=?, last_response_status=?, claim_token=NULL, claimed_until=NULL, updated_at=?
WHERE id=? AND claim_token=? AND status=?`,
		attempts, FormatTS(next), lastErr, nullableIntPtr(status), FormatTS(now), id, token, domain.DeliveryPending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// FailDelivery marks a claimed delivery terminally failed.
func (r Repo) FailDelivery(ctx context.Context, id, token string, attempts int, lastErr string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE webhook_deliveries
SET status=?, attempt_count=?, last_error=?, last_response_status=NULL, claim_token=NULL, claimed_until=NULL, updated_at=?
WHERE id=? AND claim_token=? AND status=?`,
		domain.DeliveryFailed, attempts, lastErr, FormatTS(now), id, token, domain.DeliveryPending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ResetDelivery puts a delivery back in the queue with a fresh attempt
// budget. It reports false while another worker holds an unexpired claim.
func (r Repo) ResetDelivery(ctx context.Context, id string, now time.Time) (bool, error) {
	ts := FormatTS(now)
	res, err := r.DB.ExecContext(ctx, `UPDATE webhook_deliveries
SET status=?, attempt_count=0, next_attempt_at=?, claim_token=NULL, claimed_until=NULL, updated_at=?
WHERE id=? AND (claimed_until IS NULL OR claimed_until<?)`,
		domain.DeliveryPending, ts, ts, id, ts)
	if err != nil {
		return false, err
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}
	if _, err := r.GetDelivery(ctx, nil, id); err != nil {
		return false, err
	}
	return false, nil
}
