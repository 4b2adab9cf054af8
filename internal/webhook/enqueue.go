package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lanepool/internal/domain"
	"lanepool/internal/repo"
)

// Enqueuer turns a pool event into one pending delivery per matching
// active subscription.
type Enqueuer struct {
	Repo repo.Repo
	Now  func() time.Time
}

// Enqueue inserts the deliveries for evt inside tx and returns how many
// were queued. Zero subscribers is not an error.
func (e Enqueuer) Enqueue(ctx context.Context, tx *sql.Tx, evt domain.PoolEvent) (int, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	subs, err := e.Repo.ListSubscriptions(ctx, tx, true)
	if err != nil {
		return 0, fmt.Errorf("load subscriptions: %w", err)
	}
	ts := now().UTC()
	count := 0
	for _, sub := range subs {
		if !Matches(sub.Events, evt.Type) {
			continue
		}
		inserted, err := e.Repo.InsertDelivery(ctx, tx, domain.WebhookDelivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventID:        evt.ID,
			EventType:      evt.Type,
			Payload:        evt.Payload,
			AttemptCount:   0,
			NextAttemptAt:  ts,
			Status:         domain.DeliveryPending,
			CreatedAt:      ts,
			UpdatedAt:      ts,
		})
		if err != nil {
			return count, fmt.Errorf("enqueue delivery for %s: %w", sub.ID, err)
		}
		if inserted {
			count++
		}
	}
	return count, nil
}
