// Package lifecycle advances pools on time alone: open pools past their
// cutoff start closing, and closing pools past cutoff plus grace are booked.
package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"lanepool/internal/domain"
	"lanepool/internal/engine"
	"lanepool/internal/events"
	"lanepool/internal/logging"
)

// ErrTickInFlight is returned when a tick starts while another is running.
var ErrTickInFlight = errors.New("lifecycle tick already running")

type Clock struct {
	Engine   engine.Engine
	Grace    time.Duration
	AutoBook bool
	Logger   *zap.Logger

	running atomic.Bool
}

type TickResult struct {
	Closing []string `json:"closing"`
	Booked  []string `json:"booked"`
	// Confirmed lists booked pools the provider accepted during this tick.
	Confirmed []string `json:"confirmed"`
}

func New(e engine.Engine, grace time.Duration, autoBook bool, logger *zap.Logger) *Clock {
	return &Clock{Engine: e, Grace: grace, AutoBook: autoBook, Logger: logger}
}

// Tick applies both transitions in one transaction. Closing pools are
// booked before open pools are closed, so a pool moves at most one step
// per tick.
func (c *Clock) Tick(ctx context.Context) (TickResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		return TickResult{}, ErrTickInFlight
	}
	defer c.running.Store(false)

	ctx, span := otel.Tracer("lanepool/lifecycle").Start(ctx, "lifecycle.tick")
	defer span.End()

	e := c.Engine
	log := logging.OrNop(c.Logger)
	now := e.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TickResult{}, err
	}
	defer tx.Rollback()
	w := e.EventWriter()

	var res TickResult
	res.Booked, err = e.Repo.TransitionDuePools(ctx, tx, domain.PoolClosing, domain.PoolBooked, ts.Add(-c.Grace), ts)
	if err != nil {
		return TickResult{}, err
	}
	for _, id := range res.Booked {
		if _, err := w.Append(ctx, tx, id, domain.EventStatusChanged, events.Payload{
			"from": domain.PoolClosing, "to": domain.PoolBooked, "reason": "grace_elapsed",
		}); err != nil {
			return TickResult{}, err
		}
		e.Metrics.PoolTransitioned(domain.PoolBooked)
	}
	res.Closing, err = e.Repo.TransitionDuePools(ctx, tx, domain.PoolOpen, domain.PoolClosing, ts, ts)
	if err != nil {
		return TickResult{}, err
	}
	for _, id := range res.Closing {
		if _, err := w.Append(ctx, tx, id, domain.EventStatusChanged, events.Payload{
			"from": domain.PoolOpen, "to": domain.PoolClosing, "reason": "cutoff",
		}); err != nil {
			return TickResult{}, err
		}
		e.Metrics.PoolTransitioned(domain.PoolClosing)
	}
	if err := tx.Commit(); err != nil {
		return TickResult{}, err
	}
	span.SetAttributes(attribute.Int("pools.closing", len(res.Closing)), attribute.Int("pools.booked", len(res.Booked)))
	if len(res.Closing) > 0 || len(res.Booked) > 0 {
		log.Info("lifecycle tick", zap.Strings("closing", res.Closing), zap.Strings("booked", res.Booked))
	}

	if c.AutoBook {
		for _, id := range res.Booked {
			if _, err := e.BookPool(ctx, id); err != nil {
				log.Warn("auto-book failed", zap.String("pool_id", id), zap.Error(err))
				continue
			}
			res.Confirmed = append(res.Confirmed, id)
		}
	}
	return res, nil
}
