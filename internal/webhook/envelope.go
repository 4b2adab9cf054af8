package webhook

import (
	"encoding/json"
	"time"

	"lanepool/internal/domain"
)

// Envelope is the JSON body posted to subscribers.
type Envelope struct {
	ID        string          `json:"id"`
	EventID   int64           `json:"event_id"`
	Type      string          `json:"type"`
	PoolID    string          `json:"pool_id"`
	CreatedAt string          `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// BuildEnvelope renders the body for delivery d of event evt. The payload
// is the snapshot stored on the delivery.
func BuildEnvelope(d domain.WebhookDelivery, evt domain.PoolEvent) ([]byte, error) {
	payload := json.RawMessage("{}")
	if d.Payload != "" && json.Valid([]byte(d.Payload)) {
		payload = json.RawMessage(d.Payload)
	}
	return json.Marshal(Envelope{
		ID:        d.ID,
		EventID:   d.EventID,
		Type:      d.EventType,
		PoolID:    evt.PoolID,
		CreatedAt: evt.CreatedAt.UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}
