package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/lease"
	"github.com/felipemaragno/courier/internal/observability"
	"github.com/felipemaragno/courier/internal/outbox"
	"github.com/felipemaragno/courier/internal/repository/memory"
)

type testAPI struct {
	server *httptest.Server
	store  *memory.Store
	clock  *clock.MockClock
	leases *lease.Manager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)

	service := outbox.NewService(outbox.ServiceConfig{
		Recorder: outbox.NewRecorder(clk),
		Enqueuer: outbox.NewEnqueuer(clk, 3),
		Router:   outbox.NewRouter(store, nil),
		Tx:       store,
		Metrics:  metrics,
		Logger:   logger,
	})
	leases := lease.NewManager(store, clk, logger).WithMetrics(metrics)

	handler := NewHandler(HandlerConfig{
		Publisher:     service,
		Events:        store,
		Entries:       store,
		Subscriptions: store,
		Stats:         leases,
		LeaseTimeout:  time.Minute,
		Clock:         clk,
		Logger:        logger,
	})
	health := observability.NewHealthHandler()
	health.SetReady(true)

	router := NewRouter(RouterConfig{
		Handler:       handler,
		HealthHandler: health,
		Metrics:       metrics,
		Logger:        logger,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testAPI{server: server, store: store, clock: clk, leases: leases}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			reader = bytes.NewBufferString(s)
		} else {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(b)
		}
	}

	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func orderCreated(channels ...string) CreateEventRequest {
	return CreateEventRequest{
		ID:         "evt-1",
		EntityType: "order",
		EntityID:   "ord-42",
		EventType:  "order.created",
		Payload:    json.RawMessage(`{"total":1999}`),
		Channels:   channels,
	}
}

func TestCreateEvent(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/events", orderCreated("analytics-export", "notification-fanout"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[EventResponse](t, resp)
	assert.Equal(t, "evt-1", body.Event.ID)
	assert.Equal(t, 2, body.Created)
	require.Len(t, body.Entries, 2)
	for _, e := range body.Entries {
		assert.Equal(t, domain.EntryStatusPending, e.Status)
		assert.Equal(t, 3, e.MaxAttempts)
		assert.NotEmpty(t, e.PayloadChecksum)
	}
}

func TestCreateEvent_RepeatIsIdempotent(t *testing.T) {
	api := newTestAPI(t)

	first := api.do(t, http.MethodPost, "/events", orderCreated("analytics-export"))
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	firstBody := decode[EventResponse](t, first)

	second := api.do(t, http.MethodPost, "/events", orderCreated("analytics-export"))
	require.Equal(t, http.StatusAccepted, second.StatusCode)
	secondBody := decode[EventResponse](t, second)

	assert.Equal(t, 0, secondBody.Created)
	require.Len(t, secondBody.Entries, 1)
	assert.Equal(t, firstBody.Entries[0].ID, secondBody.Entries[0].ID)
	assert.Len(t, api.store.Snapshot(), 1)
}

func TestCreateEvent_TraceParentIsRecorded(t *testing.T) {
	api := newTestAPI(t)

	b, err := json.Marshal(orderCreated("analytics-export"))
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, api.server.URL+"/events", bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	// the global propagator is a no-op unless configured
	withTraceContextPropagator(t)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[EventResponse](t, resp)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", body.Event.TraceID)
}

func TestCreateEvent_Validation(t *testing.T) {
	tests := []struct {
		name        string
		body        any
		wantDetails []string
	}{
		{
			name:        "missing fields",
			body:        map[string]any{"payload": map[string]any{}},
			wantDetails: []string{"entity_type", "entity_id", "event_type"},
		},
		{
			name: "empty channel",
			body: CreateEventRequest{
				EntityType: "order", EntityID: "1", EventType: "order.created",
				Channels: []string{"analytics-export", ""},
			},
			wantDetails: []string{"channels[1]"},
		},
		{
			name: "max attempts out of range",
			body: CreateEventRequest{
				EntityType: "order", EntityID: "1", EventType: "order.created",
				Channels: []string{"analytics-export"}, MaxAttempts: 500,
			},
			wantDetails: []string{"max_attempts"},
		},
		{
			name: "entity type too long",
			body: CreateEventRequest{
				EntityType: strings.Repeat("e", 129), EntityID: "1", EventType: "order.created",
			},
			wantDetails: []string{"entity_type"},
		},
		{
			name:        "unknown field",
			body:        `{"entity_type":"order","entity_id":"1","event_type":"x","bogus":true}`,
			wantDetails: []string{"body"},
		},
		{
			name:        "malformed json",
			body:        `{"entity_type":`,
			wantDetails: []string{"body"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)

			resp := api.do(t, http.MethodPost, "/events", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			body := decode[errorResponse](t, resp)
			for _, field := range tt.wantDetails {
				assert.Contains(t, body.Details, field)
			}
			assert.Empty(t, api.store.Snapshot())
		})
	}
}

func TestCreateEvent_LongestAllowedFieldsAreStored(t *testing.T) {
	api := newTestAPI(t)

	req := orderCreated("analytics-export")
	req.EntityType = strings.Repeat("e", 128)
	req.EventType = strings.Repeat("t", 256)

	resp := api.do(t, http.MethodPost, "/events", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[EventResponse](t, resp)
	assert.Equal(t, req.EntityType, body.Event.EntityType)
	assert.Equal(t, req.EventType, body.Event.EventType)
}

func TestCreateEvent_BareWebhookChannelRejected(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/events", orderCreated("webhook"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[errorResponse](t, resp)
	assert.Contains(t, body.Error, "webhook:<subscription-id>")
	assert.Empty(t, api.store.Snapshot())
}

func TestCreateEvent_NoChannelsResolved(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/events", orderCreated())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[EventResponse](t, resp)
	assert.Empty(t, body.Entries)
	assert.Empty(t, api.store.Snapshot())

	resp = api.do(t, http.MethodGet, "/events/evt-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateEvent_RoutesToSubscriptions(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/subscriptions", CreateSubscriptionRequest{
		ID:         "billing",
		URL:        "https://billing.example.com/hooks",
		EventTypes: []string{"order.*"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/events", orderCreated())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[EventResponse](t, resp)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "webhook:billing", body.Entries[0].DeliveryChannel)
}

func TestGetEvent(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/events", orderCreated("analytics-export", "notification-fanout"))

	resp := api.do(t, http.MethodGet, "/events/evt-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	event := decode[domain.DomainEvent](t, resp)
	assert.Equal(t, "order.created", event.EventType)
	assert.JSONEq(t, `{"total":1999}`, string(event.Payload))

	resp = api.do(t, http.MethodGet, "/events/evt-1/entries", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]domain.DispatchEntry](t, resp)
	assert.Len(t, entries, 2)

	resp = api.do(t, http.MethodGet, "/events/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/events/missing/entries", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListEntries(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/events", orderCreated("analytics-export", "notification-fanout"))

	resp := api.do(t, http.MethodGet, "/entries?channel=analytics-export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]domain.DispatchEntry](t, resp)
	require.Len(t, entries, 1)
	assert.Equal(t, "analytics-export", entries[0].DeliveryChannel)

	resp = api.do(t, http.MethodGet, "/entries?status=delivered", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]domain.DispatchEntry](t, resp))

	resp = api.do(t, http.MethodGet, "/entries?status=bogus&limit=0", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Contains(t, body.Details, "status")
	assert.Contains(t, body.Details, "limit")
}

func TestEntryStats(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/events", orderCreated("analytics-export", "notification-fanout"))

	_, err := api.leases.Claim(context.Background(), "w-1", 1, "analytics-export")
	require.NoError(t, err)
	api.clock.Advance(2 * time.Minute)

	resp := api.do(t, http.MethodGet, "/entries/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decode[domain.EntryStats](t, resp)
	assert.Equal(t, 1, stats.ByStatus[domain.EntryStatusPending])
	assert.Equal(t, 1, stats.ByStatus[domain.EntryStatusDelivering])
	assert.Equal(t, 1, stats.ExpiredLeaseCount)
	assert.NotNil(t, stats.OldestReadyAt)
}

func TestCancelEntry(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(t, http.MethodPost, "/events", orderCreated("analytics-export"))
	entryID := decode[EventResponse](t, resp).Entries[0].ID

	resp = api.do(t, http.MethodPost, "/entries/"+entryID+"/cancel", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/entries/"+entryID+"/cancel", CancelEntryRequest{Reason: "customer deleted"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := decode[domain.DispatchEntry](t, resp)
	assert.Equal(t, domain.EntryStatusFailedTerminal, entry.Status)
	require.NotNil(t, entry.LastError)
	assert.Contains(t, *entry.LastError, "customer deleted")

	resp = api.do(t, http.MethodPost, "/entries/"+entryID+"/cancel", CancelEntryRequest{Reason: "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/entries/missing/cancel", CancelEntryRequest{Reason: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelEntry_LeasedEntryConflicts(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(t, http.MethodPost, "/events", orderCreated("analytics-export"))
	entryID := decode[EventResponse](t, resp).Entries[0].ID

	_, err := api.leases.Claim(context.Background(), "w-1", 1)
	require.NoError(t, err)

	resp = api.do(t, http.MethodPost, "/entries/"+entryID+"/cancel", CancelEntryRequest{Reason: "too late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRedriveEntry(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(t, http.MethodPost, "/events", orderCreated("analytics-export"))
	entryID := decode[EventResponse](t, resp).Entries[0].ID

	resp = api.do(t, http.MethodPost, "/entries/"+entryID+"/redrive", RedriveEntryRequest{ExtraAttempts: 2})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "pending entries cannot be redriven")

	api.do(t, http.MethodPost, "/entries/"+entryID+"/cancel", CancelEntryRequest{Reason: "paused"})

	resp = api.do(t, http.MethodPost, "/entries/"+entryID+"/redrive", RedriveEntryRequest{ExtraAttempts: 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/entries/"+entryID+"/redrive", RedriveEntryRequest{ExtraAttempts: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := decode[domain.DispatchEntry](t, resp)
	assert.Equal(t, domain.EntryStatusPending, entry.Status)
	assert.Equal(t, entry.Attempts+2, entry.MaxAttempts)
}

func TestSubscriptions(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/subscriptions", CreateSubscriptionRequest{
		ID:         "sub-1",
		URL:        "not a url",
		EventTypes: []string{"order.created"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[errorResponse](t, resp).Details, "url")

	create := CreateSubscriptionRequest{
		ID:         "sub-1",
		URL:        "https://example.com/webhook",
		EventTypes: []string{"order.created"},
	}
	resp = api.do(t, http.MethodPost, "/subscriptions", create)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sub := decode[domain.Subscription](t, resp)
	assert.Equal(t, 100, sub.RateLimit)
	assert.True(t, sub.Active)

	resp = api.do(t, http.MethodPost, "/subscriptions", create)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/subscriptions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]domain.Subscription](t, resp), 1)

	resp = api.do(t, http.MethodGet, "/subscriptions/sub-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodDelete, "/subscriptions/sub-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/subscriptions/sub-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[domain.Subscription](t, resp).Active)

	resp = api.do(t, http.MethodGet, "/subscriptions", nil)
	assert.Empty(t, decode[[]domain.Subscription](t, resp))

	resp = api.do(t, http.MethodDelete, "/subscriptions/sub-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func withTraceContextPropagator(t *testing.T) {
	t.Helper()
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })
}
