package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lanepool/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set, otherwise the pool. Reads issued while a
// transaction is open must pass that transaction: the ledger runs on a
// single connection.
func (r Repo) q(tx *sql.Tx) DBTX {
	if tx != nil {
		return tx
	}
	return r.DB
}

// tsLayout is fixed width so stored timestamps compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func FormatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return FormatTS(*v)
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(vs []string) []any {
	out := make([]any, 0, len(vs))
	for _, v := range vs {
		out = append(out, v)
	}
	return out
}

// --- items ---

const itemColumns = `id,owner_id,lane_key,origin,destination,mode,cutoff_at,weight_kg,length_cm,width_cm,height_cm,volume_m3,status,idempotency_key,pool_id,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (domain.Item, error) {
	var it domain.Item
	var cutoff, created, updated string
	var idem, poolID sql.NullString
	err := row.Scan(&it.ID, &it.OwnerID, &it.LaneKey, &it.Lane.Origin, &it.Lane.Destination, &it.Lane.Mode, &cutoff,
		&it.WeightKG, &it.Dimensions.LengthCM, &it.Dimensions.WidthCM, &it.Dimensions.HeightCM, &it.VolumeM3,
		&it.Status, &idem, &poolID, &created, &updated)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if idem.Valid {
		it.IdempotencyKey = &idem.String
	}
	if poolID.Valid {
		it.PoolID = &poolID.String
	}
	if it.Lane.Cutoff, err = parseTS(cutoff); err != nil {
		return it, fmt.Errorf("item %s cutoff: %w", it.ID, err)
	}
	if it.CreatedAt, err = parseTS(created); err != nil {
		return it, err
	}
	it.UpdatedAt, err = parseTS(updated)
	return it, err
}

// InsertItem stores a pending item. When the idempotency key already
// exists nothing is written and the existing item id is returned with
// created=false.
func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.Item) (id string, created bool, err error) {
	q := r.q(tx)
	res, err := q.ExecContext(ctx, `INSERT INTO items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(idempotency_key) DO NOTHING`,
		it.ID, it.OwnerID, it.LaneKey, it.Lane.Origin, it.Lane.Destination, it.Lane.Mode, FormatTS(it.Lane.Cutoff),
		it.WeightKG, it.Dimensions.LengthCM, it.Dimensions.WidthCM, it.Dimensions.HeightCM, it.VolumeM3,
		it.Status, nullableStringPtr(it.IdempotencyKey), nullableStringPtr(it.PoolID), FormatTS(it.CreatedAt), FormatTS(it.UpdatedAt))
	if err != nil {
		return "", false, err
	}
	ok, err := affected(res)
	if err != nil {
		return "", false, err
	}
	if ok {
		return it.ID, true, nil
	}
	if it.IdempotencyKey == nil {
		return "", false, fmt.Errorf("insert item %s: no row written", it.ID)
	}
	existing, err := r.ItemByIdempotencyKey(ctx, tx, *it.IdempotencyKey)
	if err != nil {
		return "", false, err
	}
	return existing.ID, false, nil
}

func (r Repo) GetItem(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	return scanItem(r.q(tx).QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
}

func (r Repo) ItemByIdempotencyKey(ctx context.Context, tx *sql.Tx, key string) (domain.Item, error) {
	return scanItem(r.q(tx).QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE idempotency_key=?`, key))
}

type ItemFilters struct {
	PoolID string
	Status string
	Limit  int
}

func (r Repo) ListItems(ctx context.Context, tx *sql.Tx, f ItemFilters) ([]domain.Item, error) {
	var clauses []string
	var args []any
	if f.PoolID != "" {
		clauses = append(clauses, "pool_id=?")
		args = append(args, f.PoolID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM items ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// PendingItemIDs returns pending item ids, oldest first.
func (r Repo) PendingItemIDs(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT id FROM items WHERE status=? ORDER BY created_at ASC, id ASC`
	args := []any{domain.ItemPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkItemPooled moves a pending item into poolID. It reports false when
// the item is no longer pending.
func (r Repo) MarkItemPooled(ctx context.Context, tx *sql.Tx, itemID, poolID string, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE items SET status=?, pool_id=?, updated_at=? WHERE id=? AND status=?`,
		domain.ItemPooled, poolID, FormatTS(now), itemID, domain.ItemPending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// UpdateItemStatus conditionally moves an item from one status to another.
func (r Repo) UpdateItemStatus(ctx context.Context, tx *sql.Tx, itemID, from, to string, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE items SET status=?, updated_at=? WHERE id=? AND status=?`,
		to, FormatTS(now), itemID, from)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ActiveVolumes returns the volumes of items in active statuses held by poolID.
func (r Repo) ActiveVolumes(ctx context.Context, tx *sql.Tx, poolID string) ([]float64, error) {
	args := append([]any{poolID}, stringArgs(domain.ActiveItemStatuses)...)
	rows, err := r.q(tx).QueryContext(ctx, `SELECT volume_m3 FROM items WHERE pool_id=? AND status IN (`+placeholders(len(domain.ActiveItemStatuses))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- pools ---

const poolColumns = `id,lane_key,origin,destination,mode,cutoff_at,capacity_m3,used_m3,status,booking_ref,carrier,est_departure,created_at,updated_at`

func scanPool(row scanner) (domain.Pool, error) {
	var p domain.Pool
	var cutoff, created, updated string
	var ref, carrier, etd sql.NullString
	err := row.Scan(&p.ID, &p.LaneKey, &p.Lane.Origin, &p.Lane.Destination, &p.Lane.Mode, &cutoff,
		&p.CapacityM3, &p.UsedM3, &p.Status, &ref, &carrier, &etd, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if ref.Valid {
		p.BookingRef = &ref.String
	}
	if carrier.Valid {
		p.Carrier = &carrier.String
	}
	if etd.Valid {
		t, err := parseTS(etd.String)
		if err != nil {
			return p, err
		}
		p.EstDeparture = &t
	}
	if p.Lane.Cutoff, err = parseTS(cutoff); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTS(created); err != nil {
		return p, err
	}
	p.UpdatedAt, err = parseTS(updated)
	return p, err
}

// InsertPoolIfAbsent creates an open pool unless the lane already has one.
func (r Repo) InsertPoolIfAbsent(ctx context.Context, tx *sql.Tx, p domain.Pool) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO pools(`+poolColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT DO NOTHING`,
		p.ID, p.LaneKey, p.Lane.Origin, p.Lane.Destination, p.Lane.Mode, FormatTS(p.Lane.Cutoff),
		p.CapacityM3, p.UsedM3, p.Status, nullableStringPtr(p.BookingRef), nullableStringPtr(p.Carrier), nullableTimePtr(p.EstDeparture),
		FormatTS(p.CreatedAt), FormatTS(p.UpdatedAt))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r Repo) GetPool(ctx context.Context, tx *sql.Tx, id string) (domain.Pool, error) {
	return scanPool(r.q(tx).QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE id=?`, id))
}

// OpenPoolForLane returns the open pool for laneKey or ErrNotFound.
func (r Repo) OpenPoolForLane(ctx context.Context, tx *sql.Tx, laneKey string) (domain.Pool, error) {
	return scanPool(r.q(tx).QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE lane_key=? AND status=?`, laneKey, domain.PoolOpen))
}

type PoolFilters struct {
	Status  string
	LaneKey string
	Limit   int
}

func (r Repo) ListPools(ctx context.Context, tx *sql.Tx, f PoolFilters) ([]domain.Pool, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.LaneKey != "" {
		clauses = append(clauses, "lane_key=?")
		args = append(args, f.LaneKey)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + poolColumns + ` FROM pools ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// AddPoolVolume sets used to newUsed only if the pool is still open and
// before its cutoff, its stored used equals prevUsed and newUsed fits the
// capacity.
func (r Repo) AddPoolVolume(ctx context.Context, tx *sql.Tx, poolID string, prevUsed, newUsed float64, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE pools SET used_m3=?, updated_at=?
WHERE id=? AND status=? AND used_m3=? AND ? <= capacity_m3 AND cutoff_at > ?`,
		newUsed, FormatTS(now), poolID, domain.PoolOpen, prevUsed, newUsed, FormatTS(now))
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SetPoolUsed overwrites used when the stored value still equals prevUsed.
func (r Repo) SetPoolUsed(ctx context.Context, tx *sql.Tx, poolID string, prevUsed, newUsed float64, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE pools SET used_m3=?, updated_at=? WHERE id=? AND used_m3=?`,
		newUsed, FormatTS(now), poolID, prevUsed)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// TransitionPool moves a pool from one status to another if it is still in from.
func (r Repo) TransitionPool(ctx context.Context, tx *sql.Tx, poolID, from, to string, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE pools SET status=?, updated_at=? WHERE id=? AND status=?`,
		to, FormatTS(now), poolID, from)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// TransitionDuePools moves every pool in status from whose cutoff is at or
// before dueBy into status to, returning the ids it changed.
func (r Repo) TransitionDuePools(ctx context.Context, tx *sql.Tx, from, to string, dueBy, now time.Time) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `UPDATE pools SET status=?, updated_at=? WHERE status=? AND cutoff_at<=? RETURNING id`,
		to, FormatTS(now), from, FormatTS(dueBy))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sort.Strings(ids)
	return ids, nil
}

// SetBooking records the carrier booking for a pool that has none yet.
func (r Repo) SetBooking(ctx context.Context, tx *sql.Tx, poolID, ref string, carrier *string, etd *time.Time, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE pools SET booking_ref=?, carrier=?, est_departure=?, updated_at=? WHERE id=? AND booking_ref IS NULL`,
		ref, nullableStringPtr(carrier), nullableTimePtr(etd), FormatTS(now), poolID)
	if err != nil {
		return false, err
	}
	return affected(res)
}
