package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lanepool/internal/domain"
	"lanepool/internal/logging"
	"lanepool/internal/metrics"
	"lanepool/internal/repo"
)

type Payload map[string]any

// Enqueuer fans a freshly appended event out to webhook deliveries inside
// the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *sql.Tx, evt domain.PoolEvent) (int, error)
}

// Writer appends pool events to the ledger. Every append happens inside
// the transaction that made the state change it describes.
type Writer struct {
	Repo     repo.Repo
	Enqueuer Enqueuer
	Now      func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

const fanoutSavepoint = "fanout"

// Append records evtType for poolID and enqueues matching deliveries. A
// failed fan-out is rolled back to a savepoint and logged; the event row
// itself still commits with tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, poolID, evtType string, payload Payload) (domain.PoolEvent, error) {
	if tx == nil {
		return domain.PoolEvent{}, errors.New("events: append requires a transaction")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.PoolEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	ts := now().UTC()
	id, err := w.Repo.InsertEvent(ctx, tx, poolID, evtType, string(data), ts)
	if err != nil {
		return domain.PoolEvent{}, fmt.Errorf("append %s: %w", evtType, err)
	}
	evt := domain.PoolEvent{ID: id, PoolID: poolID, Type: evtType, Payload: string(data), CreatedAt: ts}
	w.Metrics.EventAppended(evtType)

	if w.Enqueuer != nil {
		w.fanout(ctx, tx, evt)
	}
	return evt, nil
}

func (w Writer) fanout(ctx context.Context, tx *sql.Tx, evt domain.PoolEvent) {
	log := logging.OrNop(w.Logger)
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+fanoutSavepoint); err != nil {
		log.Warn("webhook fan-out skipped", zap.Int64("event_id", evt.ID), zap.Error(err))
		w.Metrics.FanoutFailed()
		return
	}
	n, err := w.Enqueuer.Enqueue(ctx, tx, evt)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+fanoutSavepoint); rbErr != nil {
			log.Error("rollback fan-out savepoint", zap.Int64("event_id", evt.ID), zap.Error(rbErr))
		}
		log.Warn("webhook fan-out failed", zap.Int64("event_id", evt.ID), zap.String("type", evt.Type), zap.Error(err))
		w.Metrics.FanoutFailed()
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+fanoutSavepoint); err != nil {
		log.Error("release fan-out savepoint", zap.Int64("event_id", evt.ID), zap.Error(err))
		return
	}
	if n > 0 {
		log.Debug("webhook deliveries enqueued", zap.Int64("event_id", evt.ID), zap.Int("count", n))
	}
}
