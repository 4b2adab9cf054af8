package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"lanepool/internal/domain"
	"lanepool/internal/repo"
)

var (
	ErrDeliveryNotFound    = repo.ErrNotFound
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrDeliveryInFlight    = errors.New("delivery is being attempted")
)

// Admin exposes subscription management and the manual retry override.
type Admin struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (a Admin) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

type SubscriptionInput struct {
	URL    string
	Events string
	// Secret is generated when empty.
	Secret string
}

// CreateSubscription registers an active subscription. The returned value
// carries the secret; it is not shown again by list operations.
func (a Admin) CreateSubscription(ctx context.Context, in SubscriptionInput) (domain.WebhookSubscription, error) {
	target := strings.TrimSpace(in.URL)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.WebhookSubscription{}, fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidSubscription)
	}
	secret := strings.TrimSpace(in.Secret)
	if secret == "" {
		if secret, err = generateSecret(); err != nil {
			return domain.WebhookSubscription{}, err
		}
	}
	sub := domain.WebhookSubscription{
		ID:        uuid.NewString(),
		URL:       target,
		Events:    NormalizeFilter(in.Events),
		Secret:    secret,
		Active:    true,
		CreatedAt: a.now(),
	}
	if err := a.Repo.InsertSubscription(ctx, nil, sub); err != nil {
		return domain.WebhookSubscription{}, err
	}
	return sub, nil
}

func (a Admin) DeactivateSubscription(ctx context.Context, id string) error {
	return a.Repo.DeactivateSubscription(ctx, nil, id)
}

func (a Admin) ListSubscriptions(ctx context.Context, activeOnly bool) ([]domain.WebhookSubscription, error) {
	return a.Repo.ListSubscriptions(ctx, nil, activeOnly)
}

func (a Admin) ListDeliveries(ctx context.Context, f repo.DeliveryFilters) ([]domain.WebhookDelivery, error) {
	return a.Repo.ListDeliveries(ctx, nil, f)
}

func (a Admin) GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error) {
	return a.Repo.GetDelivery(ctx, nil, id)
}

// RetryDelivery resets a delivery to pending with a fresh attempt budget,
// due immediately, whatever its current status. A delivery claimed by a
// dispatcher is left to that dispatcher until its lease lapses.
func (a Admin) RetryDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error) {
	ok, err := a.Repo.ResetDelivery(ctx, id, a.now())
	if err != nil {
		return domain.WebhookDelivery{}, err
	}
	if !ok {
		return domain.WebhookDelivery{}, fmt.Errorf("%w: %s", ErrDeliveryInFlight, id)
	}
	return a.Repo.GetDelivery(ctx, nil, id)
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
