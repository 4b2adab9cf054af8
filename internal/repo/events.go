package repo

import (
	"context"
	"database/sql"
	"time"

	"lanepool/internal/domain"
)

// InsertEvent appends a pool event and returns its id. Event ids grow
// monotonically, so ordering by id is emission order.
func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, poolID, evtType, payload string, now time.Time) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO pool_events(pool_id, type, payload_json, created_at) VALUES (?,?,?,?)`,
		poolID, evtType, payload, FormatTS(now))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetEvent(ctx context.Context, tx *sql.Tx, id int64) (domain.PoolEvent, error) {
	return scanEvent(r.q(tx).QueryRowContext(ctx, `SELECT id,pool_id,type,payload_json,created_at FROM pool_events WHERE id=?`, id))
}

type EventFilters struct {
	PoolID  string
	Type    string
	AfterID int64
	Limit   int
}

// ListEvents returns events in emission order.
func (r Repo) ListEvents(ctx context.Context, tx *sql.Tx, f EventFilters) ([]domain.PoolEvent, error) {
	query := `SELECT id,pool_id,type,payload_json,created_at FROM pool_events WHERE id > ?`
	args := []any{f.AfterID}
	if f.PoolID != "" {
		query += " AND pool_id=?"
		args = append(args, f.PoolID)
	}
	if f.Type != "" {
		query += " AND type=?"
		args = append(args, f.Type)
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PoolEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanEvent(row scanner) (domain.PoolEvent, error) {
	var e domain.PoolEvent
	var created string
	err := row.Scan(&e.ID, &e.PoolID, &e.Type, &e.Payload, &created)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.CreatedAt, err = parseTS(created)
	return e, err
}
