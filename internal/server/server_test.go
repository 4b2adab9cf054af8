package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanepool/internal/config"
	"lanepool/internal/db"
	"lanepool/internal/domain"
	"lanepool/internal/engine"
	"lanepool/internal/metrics"
	"lanepool/internal/migrate"
)

const testSecret = "test-admin-secret"

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Pools.CapacityM3[domain.ModeSea] = 10
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return testNow }
	e.Metrics = metrics.New()
	handler, err := New(Config{Engine: e, Metrics: e.Metrics, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv
}

func signToken(t *testing.T, secret string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func itemBody(m3 float64) map[string]any {
	return map[string]any{
		"owner_id":    "owner-1",
		"origin":      "cnsha",
		"destination": "NLRTM",
		"mode":        "SEA",
		"cutoff":      "2026-03-20",
		"weight_kg":   12.5,
		"dimensions":  map[string]any{"length_cm": 100, "width_cm": 100, "height_cm": m3 * 100},
	}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestSubmitItemPlacesAndIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "order-77"}

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/items", itemBody(8.5), headers)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var first engine.SubmitResult
	require.NoError(t, json.Unmarshal(data, &first))
	assert.True(t, first.Created)
	assert.Equal(t, domain.ItemPooled, first.Status)
	assert.InDelta(t, 8.5, first.VolumeM3, 1e-9)
	require.NotEmpty(t, first.PoolID)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/items", itemBody(8.5), headers)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	var second engine.SubmitResult
	require.NoError(t, json.Unmarshal(data, &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.ItemID, second.ItemID)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/items/"+first.ItemID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var item ItemResponse
	require.NoError(t, json.Unmarshal(data, &item))
	assert.Equal(t, "CNSHA>NLRTM/sea@2026-03-20T23:59:59Z", item.LaneKey)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/pools/"+first.PoolID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var pool PoolResponse
	require.NoError(t, json.Unmarshal(data, &pool))
	assert.Equal(t, domain.PoolOpen, pool.Status)
	assert.InDelta(t, 0.85, pool.Fill, 1e-9)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/pools/"+first.PoolID+"/events?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, domain.EventPoolCreated, page.Items[0].Type)
	assert.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/pools/"+first.PoolID+"/events?after_id="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var rest paginatedEvents
	require.NoError(t, json.Unmarshal(data, &rest))
	types := []string{}
	for _, evt := range rest.Items {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []string{domain.EventFill80}, types)
	assert.Empty(t, rest.NextCursor)
}

func TestSubmitItemRejectsBadLane(t *testing.T) {
	srv := newTestServer(t)
	body := itemBody(1)
	body["destination"] = "CNSHA"
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/items", body, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_lane", decodeError(t, data).Code)
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/pools/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/items", itemBody(1), nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	var submitted engine.SubmitResult
	require.NoError(t, json.Unmarshal(data, &submitted))

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/items/"+submitted.ItemID+"/status", map[string]any{"status": "shipped"}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", decodeError(t, data).Code)

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/items/"+submitted.ItemID+"/status", map[string]any{"status": "pay_pending"}, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestPoolLifecycleEndpoints(t *testing.T) {
	srv := newTestServer(t)
	_, data := doJSON(t, http.MethodPost, srv.URL+"/v0/items", itemBody(2), nil)
	var submitted engine.SubmitResult
	require.NoError(t, json.Unmarshal(data, &submitted))
	poolURL := srv.URL + "/v0/pools/" + submitted.PoolID

	res, data := doJSON(t, http.MethodPost, poolURL+"/recompute", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rec engine.RecomputeResult
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.False(t, rec.Corrected)

	res, _ = doJSON(t, http.MethodPost, poolURL+"/status", map[string]any{"status": "in_transit"}, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, data = doJSON(t, http.MethodPost, poolURL+"/book", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pool PoolResponse
	require.NoError(t, json.Unmarshal(data, &pool))
	assert.Equal(t, domain.PoolBooked, pool.Status)
	require.NotNil(t, pool.BookingRef)

	res, data = doJSON(t, http.MethodPost, poolURL+"/status", map[string]any{"status": "in_transit"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, poolURL+"/events", map[string]any{"type": "customs_ready", "payload": map[string]any{"broker": "acme"}}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var evt EventResponse
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, "acme", evt.Payload["broker"])

	res, _ = doJSON(t, http.MethodPost, poolURL+"/events", map[string]any{"type": "Not Valid"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/pools?status=in_transit", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var pools []PoolResponse
	require.NoError(t, json.Unmarshal(data, &pools))
	require.Len(t, pools, 1)
	assert.Equal(t, submitted.PoolID, pools[0].ID)
}

func TestAdminRequiresAdminRole(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/admin/sweep", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	bad := map[string]string{"Authorization": "Bearer " + signToken(t, "other-secret", AdminRole)}
	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/admin/sweep", nil, bad)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	viewer := map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, "viewer")}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/admin/sweep", nil, viewer)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, data).Code)

	admin := map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, AdminRole)}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/admin/sweep", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"placed":0}`, string(data))

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/admin/tick", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestAdminSubscriptionsAndDeliveries(t *testing.T) {
	srv := newTestServer(t)
	admin := map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, AdminRole)}

	res, _ := doJSON(t, http.MethodPost, srv.URL+"/v0/admin/subscriptions", map[string]any{"url": "ftp://example.com/x"}, admin)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/admin/subscriptions", map[string]any{"url": "https://hooks.example.com/lanepool", "events": "pool_created"}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var sub SubscriptionResponse
	require.NoError(t, json.Unmarshal(data, &sub))
	assert.NotEmpty(t, sub.Secret)
	assert.True(t, sub.Active)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/admin/subscriptions", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var subs []SubscriptionResponse
	require.NoError(t, json.Unmarshal(data, &subs))
	require.Len(t, subs, 1)
	assert.Empty(t, subs[0].Secret)

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/items", itemBody(1), nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/admin/deliveries?status=pending", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var deliveries []domain.WebhookDelivery
	require.NoError(t, json.Unmarshal(data, &deliveries))
	require.Len(t, deliveries, 1)
	assert.Equal(t, domain.EventPoolCreated, deliveries[0].EventType)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/admin/deliveries/"+deliveries[0].ID, nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var one domain.WebhookDelivery
	require.NoError(t, json.Unmarshal(data, &one))
	assert.Equal(t, deliveries[0].ID, one.ID)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/admin/deliveries/missing", nil, admin)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/admin/deliveries/"+deliveries[0].ID+"/retry", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/admin/deliveries/missing/retry", nil, admin)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/admin/subscriptions/"+sub.ID+"/deactivate", nil, admin)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/admin/subscriptions/missing/deactivate", nil, admin)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, http.MethodPost, srv.URL+"/v0/items", itemBody(1), nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "lanepool_items_submitted_total 1")
}
