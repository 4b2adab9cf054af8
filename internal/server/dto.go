package server

import (
	"encoding/json"
	"time"

	"lanepool/internal/domain"
	"lanepool/internal/engine"
	"lanepool/internal/lane"
)

// Request payloads

type SubmitItemRequest struct {
	OwnerID        string            `json:"owner_id"`
	Origin         string            `json:"origin" example:"CNSHA"`
	Destination    string            `json:"destination" example:"NLRTM"`
	Mode           string            `json:"mode" example:"sea"`
	Cutoff         string            `json:"cutoff" example:"2026-W20"`
	WeightKG       float64           `json:"weight_kg,omitempty"`
	Dimensions     domain.Dimensions `json:"dimensions"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
}

func (r SubmitItemRequest) toInput(key string) engine.SubmitItemInput {
	return engine.SubmitItemInput{
		OwnerID: r.OwnerID,
		Lane: lane.Input{
			Origin:      r.Origin,
			Destination: r.Destination,
			Mode:        r.Mode,
			Cutoff:      r.Cutoff,
		},
		WeightKG:       r.WeightKG,
		Dimensions:     r.Dimensions,
		IdempotencyKey: key,
	}
}

type SetItemStatusRequest struct {
	Status string `json:"status" enum:"pay_pending,paid,shipped,delivered"`
}

type SetPoolStatusRequest struct {
	Status string `json:"status" enum:"in_transit,arrived"`
}

type EmitPoolEventRequest struct {
	Type    string         `json:"type" example:"customs_ready"`
	Payload map[string]any `json:"payload,omitempty"`
}

type CreateSubscriptionRequest struct {
	URL    string `json:"url" format:"uri"`
	Events string `json:"events,omitempty" example:"fill_90,booking_confirmed"`
	Secret string `json:"secret,omitempty"`
}

// Responses

type ItemResponse struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	LaneKey    string            `json:"lane_key"`
	WeightKG   float64           `json:"weight_kg"`
	Dimensions domain.Dimensions `json:"dimensions"`
	VolumeM3   float64           `json:"volume_m3"`
	Status     string            `json:"status"`
	PoolID     *string           `json:"pool_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type PoolResponse struct {
	ID           string     `json:"id"`
	LaneKey      string     `json:"lane_key"`
	Origin       string     `json:"origin"`
	Destination  string     `json:"destination"`
	Mode         string     `json:"mode"`
	Cutoff       time.Time  `json:"cutoff"`
	CapacityM3   float64    `json:"capacity_m3"`
	UsedM3       float64    `json:"used_m3"`
	Fill         float64    `json:"fill"`
	Status       string     `json:"status"`
	BookingRef   *string    `json:"booking_ref,omitempty"`
	Carrier      *string    `json:"carrier,omitempty"`
	EstDeparture *time.Time `json:"est_departure,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	PoolID    string         `json:"pool_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

type SubscriptionResponse struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Events string `json:"events"`
	// Secret is only returned when the subscription is created.
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type domainDelivery = domain.WebhookDelivery

func itemResponse(it domain.Item) ItemResponse {
	return ItemResponse{
		ID:         it.ID,
		OwnerID:    it.OwnerID,
		LaneKey:    it.LaneKey,
		WeightKG:   it.WeightKG,
		Dimensions: it.Dimensions,
		VolumeM3:   it.VolumeM3,
		Status:     it.Status,
		PoolID:     it.PoolID,
		CreatedAt:  it.CreatedAt,
		UpdatedAt:  it.UpdatedAt,
	}
}

func poolResponse(p domain.Pool) PoolResponse {
	return PoolResponse{
		ID:           p.ID,
		LaneKey:      p.LaneKey,
		Origin:       p.Lane.Origin,
		Destination:  p.Lane.Destination,
		Mode:         p.Lane.Mode,
		Cutoff:       p.Lane.Cutoff,
		CapacityM3:   p.CapacityM3,
		UsedM3:       p.UsedM3,
		Fill:         p.Fill(),
		Status:       p.Status,
		BookingRef:   p.BookingRef,
		Carrier:      p.Carrier,
		EstDeparture: p.EstDeparture,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func mapPools(items []domain.Pool) []PoolResponse {
	out := make([]PoolResponse, 0, len(items))
	for _, p := range items {
		out = append(out, poolResponse(p))
	}
	return out
}

func eventResponse(e domain.PoolEvent) EventResponse {
	return EventResponse{
		ID:        e.ID,
		PoolID:    e.PoolID,
		Type:      e.Type,
		Payload:   decodeJSONMap(e.Payload),
		CreatedAt: e.CreatedAt,
	}
}

func subscriptionResponse(s domain.WebhookSubscription, withSecret bool) SubscriptionResponse {
	res := SubscriptionResponse{
		ID:        s.ID,
		URL:       s.URL,
		Events:    s.Events,
		Active:    s.Active,
		CreatedAt: s.CreatedAt,
	}
	if withSecret {
		res.Secret = s.Secret
	}
	return res
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
