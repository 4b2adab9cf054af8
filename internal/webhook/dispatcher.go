package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanepool/internal/config"
	"lanepool/internal/domain"
	"lanepool/internal/logging"
	"lanepool/internal/metrics"
	"lanepool/internal/repo"
)

const errorBodyLimit = 4096

// Dispatcher claims due deliveries and posts them to subscribers. Several
// dispatchers may share one ledger; the claim lease keeps them apart.
type Dispatcher struct {
	Repo    repo.Repo
	Client  *http.Client
	Config  config.WebhookConfig
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	tracer   trace.Tracer
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// DispatchResult summarises one dispatch cycle.
type DispatchResult struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	// Lost counts deliveries whose claim was taken over before completion.
	Lost int `json:"lost"`
}

func NewDispatcher(r repo.Repo, cfg config.WebhookConfig, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		Repo:    r,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Config:  cfg,
		Now:     time.Now,
		Logger:  logging.OrNop(logger),
		Metrics: m,
		tracer:  otel.Tracer("lanepool/webhook"),
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) log() *zap.Logger {
	return logging.OrNop(d.Logger)
}

func (d *Dispatcher) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := d.tracer
	if tracer == nil {
		tracer = otel.Tracer("lanepool/webhook")
	}
	return tracer.Start(ctx, name)
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeLost
)

// DispatchOnce runs a single claim-and-deliver cycle.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	ctx, span := d.startSpan(ctx, "webhook.dispatch")
	defer span.End()

	batch := d.Config.BatchSize
	if batch <= 0 {
		batch = 50
	}
	lease := d.Config.ClaimLease
	if lease <= 0 {
		lease = time.Minute
	}
	token := uuid.NewString()
	now := d.now()
	claimed, err := d.Repo.ClaimDueDeliveries(ctx, token, now, now.Add(lease), batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim")
		return DispatchResult{}, fmt.Errorf("claim deliveries: %w", err)
	}
	res := DispatchResult{Claimed: len(claimed)}
	span.SetAttributes(attribute.Int("deliveries.claimed", len(claimed)))
	if len(claimed) == 0 {
		return res, nil
	}

	subs, err := d.loadSubscriptions(ctx)
	if err != nil {
		return res, err
	}

	limit := d.Config.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, dlv := range claimed {
		g.Go(func() error {
			o := d.deliver(gctx, token, dlv, subs[dlv.SubscriptionID])
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeSuccess:
				res.Succeeded++
			case outcomeRetry:
				res.Retried++
			case outcomeFailed:
				res.Failed++
			case outcomeLost:
				res.Lost++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

func (d *Dispatcher) loadSubscriptions(ctx context.Context) (map[string]domain.WebhookSubscription, error) {
	list, err := d.Repo.ListSubscriptions(ctx, nil, false)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	out := make(map[string]domain.WebhookSubscription, len(list))
	for _, s := range list {
		out[s.ID] = s
	}
	return out, nil
}

func (d *Dispatcher) deliver(ctx context.Context, token string, dlv domain.WebhookDelivery, sub domain.WebhookSubscription) outcome {
	ctx, span := d.startSpan(ctx, "webhook.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("delivery.id", dlv.ID),
		attribute.String("subscription.id", dlv.SubscriptionID),
		attribute.String("event.type", dlv.EventType),
		attribute.Int("delivery.attempt", dlv.AttemptCount+1),
	)
	log := d.log().With(zap.String("delivery_id", dlv.ID), zap.String("subscription_id", dlv.SubscriptionID))

	if sub.ID == "" || !sub.Active {
		ok, err := d.Repo.FailDelivery(ctx, dlv.ID, token, dlv.AttemptCount, "subscription inactive", d.now())
		return d.settled(log, span, ok, err, outcomeFailed, 0)
	}

	evt, err := d.Repo.GetEvent(ctx, nil, dlv.EventID)
	if err != nil {
		return d.fail(ctx, log, span, token, dlv, fmt.Errorf("load event %d: %w", dlv.EventID, err), nil, 0)
	}
	body, err := BuildEnvelope(dlv, evt)
	if err != nil {
		return d.fail(ctx, log, span, token, dlv, fmt.Errorf("build envelope: %w", err), nil, 0)
	}

	started := time.Now()
	status, err := d.breaker(sub.ID).Execute(func() (interface{}, error) {
		return d.post(ctx, sub, dlv, body)
	})
	elapsed := time.Since(started).Seconds()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return d.fail(ctx, log, span, token, dlv, fmt.Errorf("circuit open for subscription %s", sub.ID), nil, 0)
	}
	code, _ := status.(int)
	if err != nil {
		var codePtr *int
		if code > 0 {
			codePtr = &code
		}
		return d.fail(ctx, log, span, token, dlv, err, codePtr, elapsed)
	}
	span.SetAttributes(attribute.Int("http.status_code", code))
	ok, err := d.Repo.MarkDeliverySuccess(ctx, dlv.ID, token, code, d.now())
	return d.settled(log, span, ok, err, outcomeSuccess, elapsed)
}

// fail applies the retry schedule to a failed attempt.
func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, span trace.Span, token string, dlv domain.WebhookDelivery, cause error, status *int, elapsed float64) outcome {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	now := d.now()
	decision := ScheduleRetry(dlv.AttemptCount, d.Config.MaxAttempts, now)
	msg := cause.Error()
	if decision.Terminal {
		ok, err := d.Repo.FailDelivery(ctx, dlv.ID, token, decision.Attempts, msg, now)
		if ok {
			log.Warn("webhook delivery failed permanently", zap.Int("attempts", decision.Attempts), zap.Error(cause))
		}
		return d.settled(log, span, ok, err, outcomeFailed, elapsed)
	}
	ok, err := d.Repo.RescheduleDelivery(ctx, dlv.ID, token, decision.Attempts, decision.NextAttemptAt, msg, status, now)
	if ok {
		log.Info("webhook delivery rescheduled",
			zap.Int("attempts", decision.Attempts),
			zap.Time("next_attempt_at", decision.NextAttemptAt),
			zap.Error(cause))
	}
	return d.settled(log, span, ok, err, outcomeRetry, elapsed)
}

func (d *Dispatcher) settled(log *zap.Logger, span trace.Span, ok bool, err error, o outcome, elapsed float64) outcome {
	if err != nil {
		span.RecordError(err)
		log.Error("record delivery outcome", zap.Error(err))
		return outcomeLost
	}
	if !ok {
		log.Warn("delivery claim lost before completion")
		return outcomeLost
	}
	switch o {
	case outcomeSuccess:
		d.Metrics.DeliveryFinished("success", elapsed)
	case outcomeRetry:
		d.Metrics.DeliveryFinished("retry", elapsed)
	case outcomeFailed:
		d.Metrics.DeliveryFinished("failed", elapsed)
	}
	return o
}

func (d *Dispatcher) post(ctx context.Context, sub domain.WebhookSubscription, dlv domain.WebhookDelivery, body []byte) (int, error) {
	timeout := d.Config.Timeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	ts := unixTimestamp(d.now())
	header := d.Config.SignatureHeader
	if strings.TrimSpace(header) == "" {
		header = DefaultSignatureHeader
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, dlv.EventType)
	req.Header.Set(HeaderDelivery, dlv.ID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(header, Sign(sub.Secret, ts, body))

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, errorBodyLimit))
		return res.StatusCode, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, errorBodyLimit))
	return res.StatusCode, nil
}

// breaker returns the circuit breaker guarding subscription id.
func (d *Dispatcher) breaker(id string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.breakers == nil {
		d.breakers = make(map[string]*gobreaker.CircuitBreaker)
	}
	if cb, ok := d.breakers[id]; ok {
		return cb
	}
	failures := d.Config.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := d.Config.BreakerCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	log := d.log()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("webhook circuit breaker state changed",
				zap.String("subscription_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	d.breakers[id] = cb
	return cb
}
