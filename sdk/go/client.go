package lanepoolsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal lanepool HTTP API client.
type Client struct {
	BaseURL  string
	BasePath string
	// BearerToken is sent on every request; only /admin routes require it.
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Dimensions struct {
	LengthCM float64 `json:"length_cm"`
	WidthCM  float64 `json:"width_cm"`
	HeightCM float64 `json:"height_cm"`
}

// ItemRequest describes an item to pool. Cutoff accepts an RFC3339
// instant, a YYYY-MM-DD day or an ISO week such as 2026-W20.
type ItemRequest struct {
	OwnerID     string     `json:"owner_id"`
	Origin      string     `json:"origin"`
	Destination string     `json:"destination"`
	Mode        string     `json:"mode"`
	Cutoff      string     `json:"cutoff"`
	WeightKG    float64    `json:"weight_kg,omitempty"`
	Dimensions  Dimensions `json:"dimensions"`
	// IdempotencyKey is sent as the Idempotency-Key header.
	IdempotencyKey string `json:"-"`
}

// SubmitResult is the placement outcome of a submission.
type SubmitResult struct {
	ItemID   string  `json:"id"`
	VolumeM3 float64 `json:"volume_m3"`
	Created  bool    `json:"created"`
	Status   string  `json:"status"`
	PoolID   string  `json:"pool_id,omitempty"`
}

// Pool represents the API pool model.
type Pool struct {
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

// RecomputeResult reports a fill reconciliation.
type RecomputeResult struct {
	PoolID     string  `json:"pool_id"`
	UsedM3     float64 `json:"used_m3"`
	CapacityM3 float64 `json:"capacity_m3"`
	Fill       float64 `json:"fill"`
	Corrected  bool    `json:"corrected"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitItem submits an item for pooling.
func (c *Client) SubmitItem(ctx context.Context, in ItemRequest) (SubmitResult, error) {
	var headers http.Header
	if in.IdempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{in.IdempotencyKey}}
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "items", headers, in, &resp)
	return resp, err
}

// GetPool fetches a pool by id.
func (c *Client) GetPool(ctx context.Context, id string) (Pool, error) {
	var resp Pool
	err := c.do(ctx, http.MethodGet, "pools/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// RecomputeFill rebuilds a pool's fill from its items.
func (c *Client) RecomputeFill(ctx context.Context, id string) (RecomputeResult, error) {
	var resp RecomputeResult
	err := c.do(ctx, http.MethodPost, "pools/"+url.PathEscape(id)+"/recompute", nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers http.Header, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := strings.Trim(c.BasePath, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
