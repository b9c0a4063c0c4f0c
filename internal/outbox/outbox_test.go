package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/observability"
	"github.com/felipemaragno/courier/internal/repository"
	"github.com/felipemaragno/courier/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T, store *memory.Store, routes Routes) (*Service, *observability.Metrics) {
	t.Helper()
	clk := clock.NewMockClock(t0)
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	return NewService(ServiceConfig{
		Recorder: NewRecorder(clk),
		Enqueuer: NewEnqueuer(clk, 5),
		Router:   NewRouter(store, routes),
		Tx:       store,
		Metrics:  metrics,
	}), metrics
}

func orderCaptured() RecordInput {
	return RecordInput{
		EntityType:  "order",
		EntityID:    "ord_42",
		EventType:   "order.captured",
		Payload:     json.RawMessage(`{"amount": 1299, "currency": "EUR"}`),
		PerformedBy: "user_7",
	}
}

func TestPayloadChecksum_Canonical(t *testing.T) {
	a, err := PayloadChecksum("evt_1", "webhook", json.RawMessage(`{"b":1,"a":{"y":2,"x":1.50}}`))
	require.NoError(t, err)
	b, err := PayloadChecksum("evt_1", "webhook", json.RawMessage(`{ "a": {"x": 1.50, "y": 2}, "b": 1 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	other, err := PayloadChecksum("evt_1", "analytics-export", json.RawMessage(`{"b":1,"a":{"y":2,"x":1.50}}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, other, "channel is part of the fingerprint")

	_, err = PayloadChecksum("evt_1", "webhook", json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRecorder_Record(t *testing.T) {
	store := memory.NewStore()
	rec := NewRecorder(clock.NewMockClock(t0))

	tests := []struct {
		name    string
		in      RecordInput
		wantErr error
	}{
		{name: "valid", in: orderCaptured()},
		{name: "missing entity type", in: RecordInput{EntityID: "1", EventType: "x"}, wantErr: domain.ErrInvalidInput},
		{name: "missing event type", in: RecordInput{EntityType: "order", EntityID: "1"}, wantErr: domain.ErrInvalidInput},
		{name: "invalid payload", in: RecordInput{EntityType: "order", EntityID: "1", EventType: "x", Payload: json.RawMessage(`nope`)}, wantErr: domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var event *domain.DomainEvent
			err := store.InTx(context.Background(), func(w repository.EventWriter) error {
				var err error
				event, err = rec.Record(context.Background(), w, tt.in)
				return err
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, event.ID)
			assert.True(t, event.OccurredAt.Equal(t0))
		})
	}
}

func TestRecorder_EmptyPayloadAndTraceID(t *testing.T) {
	store := memory.NewStore()
	rec := NewRecorder(clock.NewMockClock(t0))

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	var event *domain.DomainEvent
	err = store.InTx(ctx, func(w repository.EventWriter) error {
		var err error
		event, err = rec.Record(ctx, w, RecordInput{EntityType: "user", EntityID: "u1", EventType: "user.created"})
		return err
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(event.Payload))
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", event.TraceID)
}

func TestEnqueuer_NormalizesChannels(t *testing.T) {
	got, err := NormalizeChannels([]string{" webhook:billing ", "analytics-export", "webhook:billing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"webhook:billing", "analytics-export"}, got)

	_, err = NormalizeChannels([]string{"analytics-export", "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEnqueuer_WebhookChannelNeedsSubscription(t *testing.T) {
	for _, c := range []string{"webhook", "webhook:", " webhook "} {
		_, err := NormalizeChannels([]string{"analytics-export", c})
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "channel %q", c)
	}

	store := memory.NewStore()
	svc, _ := newService(t, store, nil)
	_, err := svc.PublishTx(context.Background(), orderCaptured(), []string{"webhook"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, store.Snapshot(), "nothing enqueued")
}

func TestEnqueuer_Options(t *testing.T) {
	store := memory.NewStore()
	clk := clock.NewMockClock(t0)
	rec := NewRecorder(clk)
	enq := NewEnqueuer(clk, 5)

	var entries []*domain.DispatchEntry
	err := store.InTx(context.Background(), func(w repository.EventWriter) error {
		event, err := rec.Record(context.Background(), w, orderCaptured())
		if err != nil {
			return err
		}
		entries, err = enq.Enqueue(context.Background(), w, event, []string{"analytics-export", "notification-fanout"},
			WithMaxAttempts(2),
			WithDryRun(),
			WithAvailableAt(t0.Add(time.Minute)),
			WithMetadata("notification-fanout", domain.Metadata{"template": "receipt"}),
		)
		return err
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for _, e := range entries {
		assert.Equal(t, domain.EntryStatusPending, e.Status)
		assert.Zero(t, e.Attempts)
		assert.Equal(t, 2, e.MaxAttempts)
		assert.True(t, e.DryRun)
		assert.True(t, e.AvailableAt.Equal(t0.Add(time.Minute)))
		assert.Len(t, e.PayloadChecksum, 64)
	}
	assert.Nil(t, entries[0].Metadata)
	assert.Equal(t, "receipt", entries[1].Metadata.String("template"))

	err = store.InTx(context.Background(), func(w repository.EventWriter) error {
		_, err := enq.Enqueue(context.Background(), w, &domain.DomainEvent{ID: "x"}, []string{"analytics-export"}, WithMaxAttempts(0))
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestService_PublishIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	svc, metrics := newService(t, store, nil)

	in := orderCaptured()
	in.ID = "evt_fixed"

	first, err := svc.PublishTx(context.Background(), in, []string{"analytics-export", "notification-fanout"})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	second, err := svc.PublishTx(context.Background(), in, []string{"analytics-export", "notification-fanout"})
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	require.Len(t, second.Entries, 2)
	assert.Equal(t, first.Entries[0].ID, second.Entries[0].ID)
	assert.Equal(t, first.Entries[1].ID, second.Entries[1].ID)

	assert.Len(t, store.Snapshot(), 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EntriesEnqueued.WithLabelValues("analytics-export")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.EventsRecorded))
}

func TestService_PublishRollsBackWithBusinessTx(t *testing.T) {
	store := memory.NewStore()
	svc, _ := newService(t, store, nil)
	boom := errors.New("order update failed")

	in := orderCaptured()
	in.ID = "evt_rb"

	err := store.InTx(context.Background(), func(w repository.EventWriter) error {
		if _, err := svc.Publish(context.Background(), w, in, []string{"analytics-export"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetEventByID(context.Background(), "evt_rb")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, store.Snapshot())
}

func TestService_RoutesWithoutExplicitChannels(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.Create(context.Background(), &domain.Subscription{
		ID: "sub_1", URL: "http://localhost/hook", EventTypes: []string{"order.*"}, Active: true, CreatedAt: t0,
	}))
	require.NoError(t, store.Create(context.Background(), &domain.Subscription{
		ID: "sub_2", URL: "http://localhost/users", EventTypes: []string{"user.*"}, Active: true, CreatedAt: t0,
	}))

	var routes Routes
	require.NoError(t, routes.Decode("order.*=analytics-export|notification-fanout; user.created=audit"))

	svc, _ := newService(t, store, routes)

	result, err := svc.PublishTx(context.Background(), orderCaptured(), nil)
	require.NoError(t, err)

	var channels []string
	for _, e := range result.Entries {
		channels = append(channels, e.DeliveryChannel)
	}
	assert.Equal(t, []string{"analytics-export", "notification-fanout", "webhook:sub_1"}, channels)
}

func TestService_NoRoutesRecordsEventOnly(t *testing.T) {
	store := memory.NewStore()
	svc, _ := newService(t, store, nil)

	result, err := svc.PublishTx(context.Background(), orderCaptured(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)

	_, err = store.GetEventByID(context.Background(), result.Event.ID)
	assert.NoError(t, err)
}

func TestRoutes_Decode(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    Routes
		wantErr bool
	}{
		{name: "empty", value: "", want: nil},
		{name: "single", value: "*=audit", want: Routes{{Pattern: "*", Channels: []string{"audit"}}}},
		{
			name:  "multiple",
			value: "order.*=a|b;user.created=c;",
			want: Routes{
				{Pattern: "order.*", Channels: []string{"a", "b"}},
				{Pattern: "user.created", Channels: []string{"c"}},
			},
		},
		{name: "missing separator", value: "order.*", wantErr: true},
		{name: "empty channel", value: "order.*=a||b", wantErr: true},
		{name: "bare webhook channel", value: "order.*=webhook", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Routes
			err := got.Decode(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
