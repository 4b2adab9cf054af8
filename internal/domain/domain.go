package domain

import "time"

// Transport modes supported by the pooling engine.
const (
	ModeSea = "sea"
	ModeAir = "air"
)

// Item statuses, in lifecycle order.
const (
	ItemPending    = "pending"
	ItemPooled     = "pooled"
	ItemPayPending = "pay_pending"
	ItemPaid       = "paid"
	ItemShipped    = "shipped"
	ItemDelivered  = "delivered"
)

// ItemStatusOrder lists item statuses in forward order.
var ItemStatusOrder = []string{ItemPending, ItemPooled, ItemPayPending, ItemPaid, ItemShipped, ItemDelivered}

// ActiveItemStatuses count toward a pool's used volume.
var ActiveItemStatuses = []string{ItemPending, ItemPooled, ItemPayPending, ItemPaid, ItemShipped}

// Pool statuses, in lifecycle order.
const (
	PoolOpen      = "open"
	PoolClosing   = "closing"
	PoolBooked    = "booked"
	PoolInTransit = "in_transit"
	PoolArrived   = "arrived"
)

// PoolStatusOrder lists pool statuses in forward order.
var PoolStatusOrder = []string{PoolOpen, PoolClosing, PoolBooked, PoolInTransit, PoolArrived}

// Pool event types.
const (
	EventPoolCreated      = "pool_created"
	EventItemPooled       = "item_pooled"
	EventFill80           = "fill_80"
	EventFill90           = "fill_90"
	EventFill100          = "fill_100"
	EventStatusChanged    = "status_changed"
	EventBookingConfirmed = "booking_confirmed"
	EventBookingFailed    = "booking_failed"
	EventCustomsReady     = "customs_ready"
	EventFillRecomputed   = "fill_recomputed"
)

var knownEventTypes = map[string]struct{}{
	EventPoolCreated: {}, EventItemPooled: {}, EventFill80: {}, EventFill90: {}, EventFill100: {},
	EventStatusChanged: {}, EventBookingConfirmed: {}, EventBookingFailed: {}, EventCustomsReady: {},
	EventFillRecomputed: {},
}

// IsKnownEventType reports whether t is one of the event types above.
// Collaborators may emit others.
func IsKnownEventType(t string) bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Delivery statuses. Success and failed are terminal.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// SubscriptionWildcard matches every event type.
const SubscriptionWildcard = "*"

// StatusIndex returns the position of status in order, or -1.
func StatusIndex(order []string, status string) int {
	for i, s := range order {
		if s == status {
			return i
		}
	}
	return -1
}

type LaneKey struct {
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Mode        string    `json:"mode"`
	Cutoff      time.Time `json:"cutoff" format:"date-time"`
}

type Dimensions struct {
	LengthCM float64 `json:"length_cm"`
	WidthCM  float64 `json:"width_cm"`
	HeightCM float64 `json:"height_cm"`
}

type Item struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Lane           LaneKey    `json:"lane"`
	LaneKey        string     `json:"lane_key"`
	WeightKG       float64    `json:"weight_kg"`
	Dimensions     Dimensions `json:"dimensions"`
	VolumeM3       float64    `json:"volume_m3"`
	Status         string     `json:"status" enum:"pending,pooled,pay_pending,paid,shipped,delivered"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	PoolID         *string    `json:"pool_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time  `json:"updated_at" format:"date-time"`
}

type Pool struct {
	ID           string     `json:"id"`
	Lane         LaneKey    `json:"lane"`
	LaneKey      string     `json:"lane_key"`
	CapacityM3   float64    `json:"capacity_m3"`
	UsedM3       float64    `json:"used_m3"`
	Status       string     `json:"status" enum:"open,closing,booked,in_transit,arrived"`
	BookingRef   *string    `json:"booking_ref,omitempty"`
	Carrier      *string    `json:"carrier,omitempty"`
	EstDeparture *time.Time `json:"est_departure,omitempty" format:"date-time"`
	CreatedAt    time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time  `json:"updated_at" format:"date-time"`
}

// Fill returns used/capacity, or 0 for a zero-capacity pool.
func (p Pool) Fill() float64 {
	if p.CapacityM3 <= 0 {
		return 0
	}
	return p.UsedM3 / p.CapacityM3
}

type PoolEvent struct {
	ID        int64     `json:"id"`
	PoolID    string    `json:"pool_id"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload_json"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type WebhookSubscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    string    `json:"events"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type WebhookDelivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	EventID        int64      `json:"event_id"`
	EventType      string     `json:"event_type"`
	Payload        string     `json:"payload_json"`
	AttemptCount   int        `json:"attempt_count"`
	NextAttemptAt  time.Time  `json:"next_attempt_at" format:"date-time"`
	LastError      *string    `json:"last_error,omitempty"`
	LastStatus     *int       `json:"last_response_status,omitempty"`
	Status         string     `json:"status" enum:"pending,success,failed"`
	ClaimToken     *string    `json:"-"`
	ClaimedUntil   *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time  `json:"updated_at" format:"date-time"`
}
