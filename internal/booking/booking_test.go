package booking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanepool/internal/config"
	"lanepool/internal/domain"
)

func samplePool() domain.Pool {
	return domain.Pool{
		ID:   "3f2a9c1e-0000-4000-8000-000000000000",
		Lane: domain.LaneKey{Origin: "CNSHA", Destination: "NLRTM", Mode: domain.ModeSea, Cutoff: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func TestMockIsDeterministic(t *testing.T) {
	conf, err := Mock{}.Book(context.Background(), Request{Pool: samplePool()})
	require.NoError(t, err)
	assert.Equal(t, "MOCK-3F2A9C1E", conf.Reference)
	require.NotNil(t, conf.EstDeparture)
	assert.Equal(t, time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC), *conf.EstDeparture)
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(config.BookingConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.IsType(t, Mock{}, p)

	p, err = New(config.BookingConfig{Provider: "http", Endpoint: "http://carrier.invalid", Timeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, HTTP{}, p)

	_, err = New(config.BookingConfig{Provider: "fax"})
	assert.Error(t, err)
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Pool.Lane.Mode == domain.ModeAir {
			http.Error(w, "no space", http.StatusConflict)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"booking_ref": "BK-" + req.Pool.Lane.Origin, "carrier": "Maersk"})
	}))
	defer srv.Close()
	p := HTTP{Endpoint: srv.URL, Client: srv.Client()}

	conf, err := p.Book(context.Background(), Request{Pool: samplePool()})
	require.NoError(t, err)
	assert.Equal(t, "BK-CNSHA", conf.Reference)
	require.NotNil(t, conf.Carrier)
	assert.Equal(t, "Maersk", *conf.Carrier)

	air := samplePool()
	air.Lane.Mode = domain.ModeAir
	_, err = p.Book(context.Background(), Request{Pool: air})
	assert.ErrorIs(t, err, ErrRejected)
}
