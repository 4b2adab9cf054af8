package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"lanepool/internal/booking"
	"lanepool/internal/config"
	"lanepool/internal/domain"
	"lanepool/internal/events"
	"lanepool/internal/fill"
	"lanepool/internal/lane"
	"lanepool/internal/logging"
	"lanepool/internal/metrics"
	"lanepool/internal/repo"
	"lanepool/internal/webhook"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("concurrent update")
)

// volumeScale is the number of decimal places kept for volumes in m³.
const volumeScale = 6

const driftTolerance = 1e-9

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Booking booking.Provider
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{Repo: r, Enqueuer: webhook.Enqueuer{Repo: r}},
		Config:  cfg,
		Booking: booking.Mock{},
		Logger:  zap.NewNop(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Logger)
}

// EventWriter returns the event writer bound to the engine's clock,
// logger and metrics.
func (e Engine) EventWriter() events.Writer {
	w := e.Events
	w.Repo = e.Repo
	w.Now = e.now
	if w.Logger == nil {
		w.Logger = e.Logger
	}
	if w.Metrics == nil {
		w.Metrics = e.Metrics
	}
	if enq, ok := w.Enqueuer.(webhook.Enqueuer); ok {
		enq.Repo = e.Repo
		enq.Now = e.now
		w.Enqueuer = enq
	}
	return w
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, poolID, evtType string, payload events.Payload) error {
	_, err := e.EventWriter().Append(ctx, tx, poolID, evtType, payload)
	return err
}

// ComputeVolume converts centimetre dimensions to cubic metres.
func ComputeVolume(d domain.Dimensions) float64 {
	v := decimal.NewFromFloat(d.LengthCM).
		Mul(decimal.NewFromFloat(d.WidthCM)).
		Mul(decimal.NewFromFloat(d.HeightCM)).
		Div(decimal.NewFromInt(1_000_000)).
		Round(volumeScale)
	f, _ := v.Float64()
	return f
}

func addVolume(a, b float64) float64 {
	f, _ := decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Round(volumeScale).Float64()
	return f
}

func sumVolumes(vs []float64) float64 {
	total := decimal.Zero
	for _, v := range vs {
		total = total.Add(decimal.NewFromFloat(v))
	}
	f, _ := total.Round(volumeScale).Float64()
	return f
}

// --- items ---

type SubmitItemInput struct {
	OwnerID        string
	Lane           lane.Input
	WeightKG       float64
	Dimensions     domain.Dimensions
	IdempotencyKey string
}

type SubmitResult struct {
	ItemID   string  `json:"id"`
	VolumeM3 float64 `json:"volume_m3"`
	// Created is false when the idempotency key matched an earlier submission.
	Created bool   `json:"created"`
	Status  string `json:"status"`
	PoolID  string `json:"pool_id,omitempty"`
}

// SubmitItem stores a pending item and synchronously tries to place it.
// A placement that does not happen leaves the item pending for the sweep.
func (e Engine) SubmitItem(ctx context.Context, in SubmitItemInput) (SubmitResult, error) {
	if e.Config == nil {
		return SubmitResult{}, errors.New("config not loaded")
	}
	owner := strings.TrimSpace(in.OwnerID)
	if owner == "" {
		return SubmitResult{}, fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	d := in.Dimensions
	if d.LengthCM <= 0 || d.WidthCM <= 0 || d.HeightCM <= 0 {
		return SubmitResult{}, fmt.Errorf("%w: dimensions must be positive", ErrValidation)
	}
	if in.WeightKG < 0 {
		return SubmitResult{}, fmt.Errorf("%w: weight_kg must not be negative", ErrValidation)
	}
	lk, err := lane.Resolve(in.Lane)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	capacity, ok := e.Config.DefaultCapacity(lk.Mode)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: no pool capacity configured for mode %s", ErrValidation, lk.Mode)
	}
	volume := ComputeVolume(d)
	if volume <= 0 {
		return SubmitResult{}, fmt.Errorf("%w: volume rounds to zero", ErrValidation)
	}
	if volume > capacity {
		return SubmitResult{}, fmt.Errorf("%w: volume %.6f m3 exceeds %s pool capacity %.3f m3", ErrValidation, volume, lk.Mode, capacity)
	}

	now := e.now()
	item := domain.Item{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		Lane:       lk,
		LaneKey:    lane.Key(lk),
		WeightKG:   in.WeightKG,
		Dimensions: d,
		VolumeM3:   volume,
		Status:     domain.ItemPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		item.IdempotencyKey = &key
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback()
	id, created, err := e.Repo.InsertItem(ctx, tx, item)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("insert item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}
	if created {
		e.Metrics.ItemSubmitted()
	}

	if _, err := e.placeItem(ctx, id); err != nil {
		e.log().Warn("immediate placement failed; item left pending", zap.String("item_id", id), zap.Error(err))
	}
	stored, err := e.Repo.GetItem(ctx, nil, id)
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{ItemID: stored.ID, VolumeM3: stored.VolumeM3, Created: created, Status: stored.Status}
	if stored.PoolID != nil {
		res.PoolID = *stored.PoolID
	}
	return res, nil
}

// AssignPendingItems tries to place every pending item, oldest first, and
// returns how many were placed.
func (e Engine) AssignPendingItems(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("lanepool/engine").Start(ctx, "pool.sweep")
	defer span.End()
	ids, err := e.Repo.PendingItemIDs(ctx, 0)
	if err != nil {
		return 0, err
	}
	placed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return placed, err
		}
		ok, err := e.placeItem(ctx, id)
		if err != nil {
			span.RecordError(err)
			return placed, fmt.Errorf("place item %s: %w", id, err)
		}
		if ok {
			placed++
		}
	}
	span.SetAttributes(attribute.Int("items.pending", len(ids)), attribute.Int("items.placed", placed))
	return placed, nil
}

// placeItem runs one placement attempt in its own transaction. It returns
// false without error when the item no longer needs placing, does not fit,
// or lost a race for the pool.
func (e Engine) placeItem(ctx context.Context, itemID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItem(ctx, tx, itemID)
	if err != nil {
		return false, err
	}
	if item.Status != domain.ItemPending {
		return false, nil
	}
	now := e.now()
	if !item.Lane.Cutoff.After(now) {
		e.log().Debug("lane cutoff passed, item left pending", zap.String("item_id", item.ID), zap.String("lane_key", item.LaneKey))
		return false, nil
	}
	pool, created, err := e.findOrCreatePool(ctx, tx, item)
	if err != nil {
		return false, err
	}
	if created {
		if err := e.emit(ctx, tx, pool.ID, domain.EventPoolCreated, events.Payload{
			"lane_key":    pool.LaneKey,
			"capacity_m3": pool.CapacityM3,
			"cutoff_at":   pool.Lane.Cutoff.Format(time.RFC3339),
		}); err != nil {
			return false, err
		}
	}

	prev := pool.UsedM3
	next := addVolume(prev, item.VolumeM3)
	log := e.log().With(zap.String("item_id", item.ID), zap.String("pool_id", pool.ID))
	if next > pool.CapacityM3 {
		log.Debug("item does not fit open pool", zap.Float64("used_m3", prev), zap.Float64("volume_m3", item.VolumeM3))
		if created {
			return false, tx.Commit()
		}
		return false, nil
	}
	ok, err := e.Repo.AddPoolVolume(ctx, tx, pool.ID, prev, next, now)
	if err != nil {
		return false, err
	}
	if !ok {
		e.Metrics.PlacementConflicted()
		log.Debug("pool changed during placement")
		return false, nil
	}
	ok, err = e.Repo.MarkItemPooled(ctx, tx, item.ID, pool.ID, now)
	if err != nil {
		return false, err
	}
	if !ok {
		e.Metrics.PlacementConflicted()
		return false, nil
	}
	if err := e.emit(ctx, tx, pool.ID, domain.EventItemPooled, events.Payload{
		"item_id":     item.ID,
		"volume_m3":   item.VolumeM3,
		"used_m3":     next,
		"capacity_m3": pool.CapacityM3,
	}); err != nil {
		return false, err
	}
	if err := e.applyFill(ctx, tx, pool, prev, next, "fill"); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.Metrics.ItemPlaced()
	return true, nil
}

// applyFill emits the threshold events for a used change and closes an
// open pool that reached the closing ratio.
func (e Engine) applyFill(ctx context.Context, tx *sql.Tx, pool domain.Pool, prev, next float64, reason string) error {
	for _, th := range fill.Crossed(prev, next, pool.CapacityM3) {
		if err := e.emit(ctx, tx, pool.ID, th.EventType, events.Payload{
			"threshold":   th.Ratio,
			"used_m3":     next,
			"capacity_m3": pool.CapacityM3,
		}); err != nil {
			return err
		}
	}
	if pool.Status != domain.PoolOpen || !fill.CrossesClosing(prev, next, pool.CapacityM3) {
		return nil
	}
	moved, err := e.Repo.TransitionPool(ctx, tx, pool.ID, domain.PoolOpen, domain.PoolClosing, e.now())
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	e.Metrics.PoolTransitioned(domain.PoolClosing)
	e.log().Info("pool closing", zap.String("pool_id", pool.ID), zap.String("reason", reason))
	return e.emit(ctx, tx, pool.ID, domain.EventStatusChanged, events.Payload{
		"from":   domain.PoolOpen,
		"to":     domain.PoolClosing,
		"reason": reason,
	})
}

func (e Engine) findOrCreatePool(ctx context.Context, tx *sql.Tx, item domain.Item) (domain.Pool, bool, error) {
	pool, err := e.Repo.OpenPoolForLane(ctx, tx, item.LaneKey)
	if err == nil {
		return pool, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Pool{}, false, err
	}
	capacity, ok := e.Config.DefaultCapacity(item.Lane.Mode)
	if !ok {
		return domain.Pool{}, false, fmt.Errorf("no pool capacity configured for mode %s", item.Lane.Mode)
	}
	now := e.now()
	pool = domain.Pool{
		ID:         uuid.NewString(),
		Lane:       item.Lane,
		LaneKey:    item.LaneKey,
		CapacityM3: capacity,
		Status:     domain.PoolOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	inserted, err := e.Repo.InsertPoolIfAbsent(ctx, tx, pool)
	if err != nil {
		return domain.Pool{}, false, fmt.Errorf("create pool: %w", err)
	}
	if !inserted {
		pool, err = e.Repo.OpenPoolForLane(ctx, tx, item.LaneKey)
		return pool, false, err
	}
	e.log().Info("pool created", zap.String("pool_id", pool.ID), zap.String("lane_key", pool.LaneKey))
	return pool, true, nil
}

func (e Engine) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return e.Repo.GetItem(ctx, nil, id)
}

func (e Engine) ListItems(ctx context.Context, f repo.ItemFilters) ([]domain.Item, error) {
	return e.Repo.ListItems(ctx, nil, f)
}

func ensureItemTransition(oldStatus, newStatus string) error {
	switch newStatus {
	case domain.ItemPending, domain.ItemPooled:
		return fmt.Errorf("%w: item status %s is managed by pool assignment", ErrInvalidTransition, newStatus)
	}
	from := domain.StatusIndex(domain.ItemStatusOrder, oldStatus)
	to := domain.StatusIndex(domain.ItemStatusOrder, newStatus)
	if to < 0 {
		return fmt.Errorf("%w: unknown item status %q", ErrValidation, newStatus)
	}
	if from < 0 || to != from+1 {
		return fmt.Errorf("%w: item %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
	}
	return nil
}

// SetItemStatus advances a pooled item one step along its lifecycle.
func (e Engine) SetItemStatus(ctx context.Context, itemID, status string) (domain.Item, error) {
	item, err := e.Repo.GetItem(ctx, nil, itemID)
	if err != nil {
		return item, err
	}
	if err := ensureItemTransition(item.Status, status); err != nil {
		return item, err
	}
	ok, err := e.Repo.UpdateItemStatus(ctx, nil, itemID, item.Status, status, e.now())
	if err != nil {
		return item, err
	}
	if !ok {
		return item, fmt.Errorf("%w: item %s changed concurrently", ErrConflict, itemID)
	}
	return e.Repo.GetItem(ctx, nil, itemID)
}

// --- pools ---

func (e Engine) GetPool(ctx context.Context, id string) (domain.Pool, error) {
	return e.Repo.GetPool(ctx, nil, id)
}

func (e Engine) ListPools(ctx context.Context, f repo.PoolFilters) ([]domain.Pool, error) {
	return e.Repo.ListPools(ctx, nil, f)
}

func (e Engine) ListPoolEvents(ctx context.Context, poolID string, afterID int64, limit int) ([]domain.PoolEvent, error) {
	if _, err := e.Repo.GetPool(ctx, nil, poolID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, nil, repo.EventFilters{PoolID: poolID, AfterID: afterID, Limit: limit})
}

type RecomputeResult struct {
	PoolID     string  `json:"pool_id"`
	UsedM3     float64 `json:"used_m3"`
	CapacityM3 float64 `json:"capacity_m3"`
	Fill       float64 `json:"fill"`
	// Corrected is true when the stored counter drifted and was rewritten.
	Corrected bool `json:"corrected"`
}

// RecomputeFill rebuilds a pool's used volume from its active items. A run
// that finds no drift changes nothing and emits nothing.
func (e Engine) RecomputeFill(ctx context.Context, poolID string) (RecomputeResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RecomputeResult{}, err
	}
	defer tx.Rollback()
	pool, err := e.Repo.GetPool(ctx, tx, poolID)
	if err != nil {
		return RecomputeResult{}, err
	}
	vols, err := e.Repo.ActiveVolumes(ctx, tx, poolID)
	if err != nil {
		return RecomputeResult{}, err
	}
	actual := sumVolumes(vols)
	res := RecomputeResult{PoolID: pool.ID, UsedM3: pool.UsedM3, CapacityM3: pool.CapacityM3, Fill: pool.Fill()}
	if math.Abs(actual-pool.UsedM3) < driftTolerance {
		return res, nil
	}
	ok, err := e.Repo.SetPoolUsed(ctx, tx, pool.ID, pool.UsedM3, actual, e.now())
	if err != nil {
		return RecomputeResult{}, err
	}
	if !ok {
		return RecomputeResult{}, fmt.Errorf("%w: pool %s used changed during recompute", ErrConflict, pool.ID)
	}
	e.log().Warn("pool fill drift corrected",
		zap.String("pool_id", pool.ID),
		zap.Float64("stored_m3", pool.UsedM3),
		zap.Float64("actual_m3", actual))
	if err := e.emit(ctx, tx, pool.ID, domain.EventFillRecomputed, events.Payload{
		"previous_used_m3": pool.UsedM3,
		"used_m3":          actual,
		"capacity_m3":      pool.CapacityM3,
	}); err != nil {
		return RecomputeResult{}, err
	}
	if err := e.applyFill(ctx, tx, pool, pool.UsedM3, actual, "recompute"); err != nil {
		return RecomputeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RecomputeResult{}, err
	}
	pool.UsedM3 = actual
	return RecomputeResult{PoolID: pool.ID, UsedM3: actual, CapacityM3: pool.CapacityM3, Fill: pool.Fill(), Corrected: true}, nil
}

func ensurePoolTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.PoolOpen:
		if newStatus == domain.PoolClosing || newStatus == domain.PoolBooked {
			return nil
		}
	case domain.PoolClosing:
		if newStatus == domain.PoolBooked {
			return nil
		}
	case domain.PoolBooked:
		if newStatus == domain.PoolInTransit {
			return nil
		}
	case domain.PoolInTransit:
		if newStatus == domain.PoolArrived {
			return nil
		}
	}
	return fmt.Errorf("%w: pool %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// AdvancePool moves a booked pool through shipping: booked, in_transit, arrived.
func (e Engine) AdvancePool(ctx context.Context, poolID, status string) (domain.Pool, error) {
	if status != domain.PoolInTransit && status != domain.PoolArrived {
		return domain.Pool{}, fmt.Errorf("%w: pool status %q cannot be set directly", ErrInvalidTransition, status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pool{}, err
	}
	defer tx.Rollback()
	pool, err := e.Repo.GetPool(ctx, tx, poolID)
	if err != nil {
		return pool, err
	}
	if err := ensurePoolTransition(pool.Status, status); err != nil {
		return pool, err
	}
	if err := e.transition(ctx, tx, pool.ID, pool.Status, status, "manual"); err != nil {
		return pool, err
	}
	if err := tx.Commit(); err != nil {
		return pool, err
	}
	return e.Repo.GetPool(ctx, nil, poolID)
}

// transition applies a conditional status change and records it.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, poolID, from, to, reason string) error {
	ok, err := e.Repo.TransitionPool(ctx, tx, poolID, from, to, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: pool %s is no longer %s", ErrConflict, poolID, from)
	}
	e.Metrics.PoolTransitioned(to)
	return e.emit(ctx, tx, poolID, domain.EventStatusChanged, events.Payload{"from": from, "to": to, "reason": reason})
}

// BookPool offers a pool to the booking provider. Open and closing pools
// move to booked on confirmation; a pool the clock already booked only
// receives its booking reference. A provider failure is recorded as a
// booking_failed event and returned.
func (e Engine) BookPool(ctx context.Context, poolID string) (domain.Pool, error) {
	pool, err := e.Repo.GetPool(ctx, nil, poolID)
	if err != nil {
		return pool, err
	}
	switch {
	case pool.Status == domain.PoolOpen || pool.Status == domain.PoolClosing:
	case pool.Status == domain.PoolBooked && pool.BookingRef == nil:
	default:
		return pool, fmt.Errorf("%w: pool %s is %s", ErrInvalidTransition, pool.ID, pool.Status)
	}
	items, err := e.Repo.ListItems(ctx, nil, repo.ItemFilters{PoolID: pool.ID})
	if err != nil {
		return pool, err
	}
	provider := e.Booking
	if provider == nil {
		provider = booking.Mock{}
	}
	conf, bookErr := provider.Book(ctx, booking.Request{Pool: pool, Items: items})

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return pool, err
	}
	defer tx.Rollback()
	if bookErr != nil {
		if err := e.emit(ctx, tx, pool.ID, domain.EventBookingFailed, events.Payload{"error": bookErr.Error()}); err != nil {
			return pool, err
		}
		if err := tx.Commit(); err != nil {
			return pool, err
		}
		e.log().Warn("booking failed", zap.String("pool_id", pool.ID), zap.Error(bookErr))
		return pool, fmt.Errorf("book pool %s: %w", pool.ID, bookErr)
	}

	current, err := e.Repo.GetPool(ctx, tx, pool.ID)
	if err != nil {
		return pool, err
	}
	if current.Status != domain.PoolBooked {
		if err := ensurePoolTransition(current.Status, domain.PoolBooked); err != nil {
			return current, err
		}
		if err := e.transition(ctx, tx, pool.ID, current.Status, domain.PoolBooked, "booking"); err != nil {
			return current, err
		}
	}
	ok, err := e.Repo.SetBooking(ctx, tx, pool.ID, conf.Reference, conf.Carrier, conf.EstDeparture, e.now())
	if err != nil {
		return current, err
	}
	if !ok {
		return current, fmt.Errorf("%w: pool %s already has a booking", ErrConflict, pool.ID)
	}
	payload := events.Payload{"booking_ref": conf.Reference}
	if conf.Carrier != nil {
		payload["carrier"] = *conf.Carrier
	}
	if conf.EstDeparture != nil {
		payload["est_departure"] = conf.EstDeparture.UTC().Format(time.RFC3339)
	}
	if err := e.emit(ctx, tx, pool.ID, domain.EventBookingConfirmed, payload); err != nil {
		return current, err
	}
	if err := tx.Commit(); err != nil {
		return current, err
	}
	e.log().Info("pool booked", zap.String("pool_id", pool.ID), zap.String("booking_ref", conf.Reference))
	return e.Repo.GetPool(ctx, nil, pool.ID)
}

var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// EmitPoolEvent records an event raised by a collaborator, such as
// customs_ready, and fans it out to subscribers.
func (e Engine) EmitPoolEvent(ctx context.Context, poolID, evtType string, payload map[string]any) (domain.PoolEvent, error) {
	evtType = strings.TrimSpace(evtType)
	if !eventTypePattern.MatchString(evtType) {
		return domain.PoolEvent{}, fmt.Errorf("%w: event type %q must be a lower-case identifier", ErrValidation, evtType)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PoolEvent{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetPool(ctx, tx, poolID); err != nil {
		return domain.PoolEvent{}, err
	}
	evt, err := e.EventWriter().Append(ctx, tx, poolID, evtType, payload)
	if err != nil {
		return domain.PoolEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PoolEvent{}, err
	}
	return evt, nil
}
