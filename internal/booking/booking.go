// Package booking talks to the carrier that confirms space for a pool.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lanepool/internal/config"
	"lanepool/internal/domain"
)

var ErrRejected = errors.New("booking rejected")

// Request is the pool snapshot offered to a carrier.
type Request struct {
	Pool  domain.Pool   `json:"pool"`
	Items []domain.Item `json:"items"`
}

// Confirmation is the carrier's answer to an accepted booking.
type Confirmation struct {
	Reference    string     `json:"booking_ref"`
	Carrier      *string    `json:"carrier,omitempty"`
	EstDeparture *time.Time `json:"est_departure,omitempty"`
}

type Provider interface {
	Book(ctx context.Context, req Request) (Confirmation, error)
}

// New returns the provider selected by cfg.Provider.
func New(cfg config.BookingConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "mock":
		return Mock{}, nil
	case "http":
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, errors.New("booking endpoint required for http provider")
		}
		return HTTP{Endpoint: cfg.Endpoint, Client: &http.Client{Timeout: cfg.Timeout}}, nil
	default:
		return nil, fmt.Errorf("unknown booking provider %q", cfg.Provider)
	}
}

// Mock confirms every booking with a reference derived from the pool id.
type Mock struct {
	Carrier string
	// Err, when set, is returned instead of a confirmation.
	Err error
}

func (m Mock) Book(_ context.Context, req Request) (Confirmation, error) {
	if m.Err != nil {
		return Confirmation{}, m.Err
	}
	if req.Pool.ID == "" {
		return Confirmation{}, fmt.Errorf("%w: pool id missing", ErrRejected)
	}
	prefix := strings.ReplaceAll(req.Pool.ID, "-", "")
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	carrier := m.Carrier
	if carrier == "" {
		carrier = "mock-carrier"
	}
	etd := req.Pool.Lane.Cutoff.Add(48 * time.Hour).UTC()
	return Confirmation{
		Reference:    "MOCK-" + strings.ToUpper(prefix),
		Carrier:      &carrier,
		EstDeparture: &etd,
	}, nil
}

// HTTP posts the request as JSON and expects a Confirmation back.
type HTTP struct {
	Endpoint string
	Client   *http.Client
}

func (h HTTP) Book(ctx context.Context, req Request) (Confirmation, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Confirmation{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(data))
	if err != nil {
		return Confirmation{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return Confirmation{}, fmt.Errorf("booking request: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Confirmation{}, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Confirmation{}, fmt.Errorf("%w: status %d: %s", ErrRejected, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var conf Confirmation
	if err := json.Unmarshal(body, &conf); err != nil {
		return Confirmation{}, fmt.Errorf("decode booking confirmation: %w", err)
	}
	if strings.TrimSpace(conf.Reference) == "" {
		return Confirmation{}, fmt.Errorf("%w: empty booking reference", ErrRejected)
	}
	return conf, nil
}
