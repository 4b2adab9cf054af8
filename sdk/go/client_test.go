package lanepoolsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitItemSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/items", r.URL.Path)
		assert.Equal(t, "order-1", r.Header.Get("Idempotency-Key"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "CNSHA", body["origin"])
		assert.NotContains(t, body, "IdempotencyKey")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"item-1","volume_m3":1.5,"created":true,"status":"pooled","pool_id":"pool-1"}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).SubmitItem(context.Background(), ItemRequest{
		OwnerID: "o", Origin: "CNSHA", Destination: "NLRTM", Mode: "sea", Cutoff: "2026-W20",
		Dimensions:     Dimensions{LengthCM: 100, WidthCM: 100, HeightCM: 150},
		IdempotencyKey: "order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, SubmitResult{ItemID: "item-1", VolumeM3: 1.5, Created: true, Status: "pooled", PoolID: "pool-1"}, res)
}

func TestGetPoolAndRecompute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/pools/pool-1":
			_, _ = w.Write([]byte(`{"id":"pool-1","status":"open","used_m3":8,"capacity_m3":10,"fill":0.8}`))
		case "/v0/pools/pool-1/recompute":
			assert.Equal(t, http.MethodPost, r.Method)
			_, _ = w.Write([]byte(`{"pool_id":"pool-1","used_m3":8,"capacity_m3":10,"fill":0.8,"corrected":false}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := New(srv.URL + "/")

	p, err := c.GetPool(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.Equal(t, "open", p.Status)
	assert.InDelta(t, 0.8, p.Fill, 1e-9)

	rec, err := c.RecomputeFill(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.False(t, rec.Corrected)
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetPool(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
}
