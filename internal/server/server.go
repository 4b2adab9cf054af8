package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lanepool/internal/booking"
	"lanepool/internal/engine"
	"lanepool/internal/lane"
	"lanepool/internal/lifecycle"
	"lanepool/internal/logging"
	"lanepool/internal/metrics"
	"lanepool/internal/repo"
	"lanepool/internal/webhook"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Clock    *lifecycle.Clock
	Webhooks webhook.Admin
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"pool not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the lanepool API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Clock == nil {
		if cfg.Engine.Config == nil {
			return nil, errors.New("engine config required")
		}
		lc := cfg.Engine.Config.Lifecycle
		cfg.Clock = lifecycle.New(cfg.Engine, lc.Grace, lc.AutoBook, cfg.Logger)
	}
	if cfg.Webhooks.Repo.DB == nil {
		cfg.Webhooks = webhook.Admin{Repo: cfg.Engine.Repo, Now: cfg.Engine.Now}
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request validation errors are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAdminMiddleware(basePath, cfg.Auth, logging.OrNop(cfg.Logger)))
	if cfg.Metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("Lanepool API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerItems(group, cfg.Engine)
	registerPools(group, cfg.Engine)
	registerAdmin(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, lane.ErrInvalidLane):
		return newAPIError(http.StatusBadRequest, "invalid_lane", msg, nil)
	case errors.Is(err, engine.ErrValidation), errors.Is(err, webhook.ErrInvalidSubscription):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, webhook.ErrDeliveryInFlight):
		return newAPIError(http.StatusConflict, "delivery_in_flight", msg, nil)
	case errors.Is(err, lifecycle.ErrTickInFlight):
		return newAPIError(http.StatusConflict, "tick_in_flight", msg, nil)
	case errors.Is(err, booking.ErrRejected):
		return newAPIError(http.StatusBadGateway, "booking_failed", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAdminSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAdminSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	adminPrefix := path.Join(basePath, "admin")
	for route, item := range oas.Paths {
		if !strings.HasPrefix(route, adminPrefix) {
			continue
		}
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = []map[string][]string{{"bearerAuth": {}}}
			}
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Submit an item for pooling",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string            `header:"Idempotency-Key"`
		Body           SubmitItemRequest `json:"body"`
	}) (*struct {
		Body engine.SubmitResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		key := strings.TrimSpace(input.IdempotencyKey)
		if key == "" && input.Body.IdempotencyKey != nil {
			key = *input.Body.IdempotencyKey
		}
		res, err := e.SubmitItem(ctx, input.Body.toInput(key))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SubmitResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		item, err := e.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-item-status",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/status",
		Summary:     "Advance item status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string               `path:"item_id"`
		Body   SetItemStatusRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		item, err := e.SetItemStatus(ctx, input.ItemID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(item)}, nil
	})
}

func registerPools(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pools",
		Method:      http.MethodGet,
		Path:        "/pools",
		Summary:     "List pools",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,closing,booked,in_transit,arrived"`
		Lane   string `query:"lane_key"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []PoolResponse `json:"body"`
	}, error) {
		pools, err := e.ListPools(ctx, repo.PoolFilters{Status: input.Status, LaneKey: input.Lane, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PoolResponse `json:"body"`
		}{Body: mapPools(pools)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pool",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}",
		Summary:     "Get pool",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*struct {
		Body PoolResponse `json:"body"`
	}, error) {
		p, err := e.GetPool(ctx, input.PoolID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PoolResponse `json:"body"`
		}{Body: poolResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pool-events",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/events",
		Summary:     "List pool events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID  string `path:"pool_id"`
		AfterID int64  `query:"after_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.ListPoolEvents(ctx, input.PoolID, input.AfterID, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-pool",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/recompute",
		Summary:     "Recompute pool fill from its items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*struct {
		Body engine.RecomputeResult `json:"body"`
	}, error) {
		res, err := e.RecomputeFill(ctx, input.PoolID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RecomputeResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "book-pool",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/book",
		Summary:     "Book pool with the carrier",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*struct {
		Body PoolResponse `json:"body"`
	}, error) {
		p, err := e.BookPool(ctx, input.PoolID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PoolResponse `json:"body"`
		}{Body: poolResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-pool",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/status",
		Summary:     "Advance a booked pool",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PoolID string               `path:"pool_id"`
		Body   SetPoolStatusRequest `json:"body"`
	}) (*struct {
		Body PoolResponse `json:"body"`
	}, error) {
		p, err := e.AdvancePool(ctx, input.PoolID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PoolResponse `json:"body"`
		}{Body: poolResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "emit-pool-event",
		Method:        http.MethodPost,
		Path:          "/pools/{pool_id}/events",
		Summary:       "Record a collaborator event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID string               `path:"pool_id"`
		Body   EmitPoolEventRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		evt, err := e.EmitPoolEvent(ctx, input.PoolID, input.Body.Type, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(evt)}, nil
	})
}

func registerAdmin(api huma.API, cfg Config) {
	e := cfg.Engine
	admin := cfg.Webhooks
	log := logging.OrNop(cfg.Logger)

	huma.Register(api, huma.Operation{
		OperationID: "admin-sweep",
		Method:      http.MethodPost,
		Path:        "/admin/sweep",
		Summary:     "Place pending items",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		placed, err := e.AssignPendingItems(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		log.Info("manual sweep", zap.String("admin", adminSubject(ctx)), zap.Int("placed", placed))
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"placed": placed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-tick",
		Method:      http.MethodPost,
		Path:        "/admin/tick",
		Summary:     "Run one lifecycle clock tick",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body lifecycle.TickResult `json:"body"`
	}, error) {
		res, err := cfg.Clock.Tick(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body lifecycle.TickResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subscriptions",
		Method:      http.MethodGet,
		Path:        "/admin/subscriptions",
		Summary:     "List webhook subscriptions",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body []SubscriptionResponse `json:"body"`
	}, error) {
		subs, err := admin.ListSubscriptions(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SubscriptionResponse, 0, len(subs))
		for _, s := range subs {
			out = append(out, subscriptionResponse(s, false))
		}
		return &struct {
			Body []SubscriptionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-subscription",
		Method:        http.MethodPost,
		Path:          "/admin/subscriptions",
		Summary:       "Create webhook subscription",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateSubscriptionRequest `json:"body"`
	}) (*struct {
		Body SubscriptionResponse `json:"body"`
	}, error) {
		sub, err := admin.CreateSubscription(ctx, webhook.SubscriptionInput{
			URL:    input.Body.URL,
			Events: input.Body.Events,
			Secret: input.Body.Secret,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubscriptionResponse `json:"body"`
		}{Body: subscriptionResponse(sub, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deactivate-subscription",
		Method:        http.MethodPost,
		Path:          "/admin/subscriptions/{subscription_id}/deactivate",
		Summary:       "Deactivate webhook subscription",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubscriptionID string `path:"subscription_id"`
	}) (*struct{}, error) {
		if err := admin.DeactivateSubscription(ctx, input.SubscriptionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/admin/deliveries",
		Summary:     "List webhook deliveries",
	}, func(ctx context.Context, input *struct {
		Status         string `query:"status" enum:"pending,success,failed"`
		SubscriptionID string `query:"subscription_id"`
		Limit          int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domainDelivery `json:"body"`
	}, error) {
		list, err := admin.ListDeliveries(ctx, repo.DeliveryFilters{
			Status:         input.Status,
			SubscriptionID: input.SubscriptionID,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domainDelivery `json:"body"`
		}{Body: nonNilSlice(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-delivery",
		Method:      http.MethodGet,
		Path:        "/admin/deliveries/{delivery_id}",
		Summary:     "Get webhook delivery",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeliveryID string `path:"delivery_id"`
	}) (*struct {
		Body domainDelivery `json:"body"`
	}, error) {
		dlv, err := admin.GetDelivery(ctx, input.DeliveryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainDelivery `json:"body"`
		}{Body: dlv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-delivery",
		Method:      http.MethodPost,
		Path:        "/admin/deliveries/{delivery_id}/retry",
		Summary:     "Reset a delivery for immediate retry",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DeliveryID string `path:"delivery_id"`
	}) (*struct {
		Body domainDelivery `json:"body"`
	}, error) {
		dlv, err := admin.RetryDelivery(ctx, input.DeliveryID)
		if err != nil {
			return nil, handleError(err)
		}
		log.Info("delivery reset for retry", zap.String("admin", adminSubject(ctx)), zap.String("delivery_id", dlv.ID))
		return &struct {
			Body domainDelivery `json:"body"`
		}{Body: dlv}, nil
	})
}

func adminSubject(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok {
		return p.Subject
	}
	return ""
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
