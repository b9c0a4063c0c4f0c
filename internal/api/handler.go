package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/observability"
	"github.com/felipemaragno/courier/internal/outbox"
	"github.com/felipemaragno/courier/internal/repository"
)

// Publisher records an event and enqueues its entries in one transaction.
type Publisher interface {
	PublishTx(ctx context.Context, in outbox.RecordInput, channels []string, opts ...outbox.EnqueueOption) (*outbox.PublishResult, error)
}

// StatsProvider summarises the queue.
type StatsProvider interface {
	Stats(ctx context.Context, leaseTimeout time.Duration) (*domain.EntryStats, error)
}

type HandlerConfig struct {
	Publisher     Publisher
	Events        repository.EventRepository
	Entries       repository.EntryRepository
	Subscriptions repository.SubscriptionRepository
	Stats         StatsProvider
	LeaseTimeout  time.Duration
	// DefaultRateLimit applies to subscriptions created without one.
	DefaultRateLimit int
	Clock            clock.Clock
	Logger           *slog.Logger
}

type Handler struct {
	publisher        Publisher
	events           repository.EventRepository
	entries          repository.EntryRepository
	subs             repository.SubscriptionRepository
	stats            StatsProvider
	leaseTimeout     time.Duration
	defaultRateLimit int
	clock            clock.Clock
	logger           *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		publisher:        cfg.Publisher,
		events:           cfg.Events,
		entries:          cfg.Entries,
		subs:             cfg.Subscriptions,
		stats:            cfg.Stats,
		leaseTimeout:     cfg.LeaseTimeout,
		defaultRateLimit: cfg.DefaultRateLimit,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
	}
	if h.clock == nil {
		h.clock = clock.RealClock{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.leaseTimeout <= 0 {
		h.leaseTimeout = 2 * time.Minute
	}
	if h.defaultRateLimit <= 0 {
		h.defaultRateLimit = 100
	}
	return h
}

type CreateEventRequest struct {
	ID            string          `json:"id" validate:"omitempty,max=128"`
	EntityType    string          `json:"entity_type" validate:"required,max=128"`
	EntityID      string          `json:"entity_id" validate:"required,max=128"`
	EventType     string          `json:"event_type" validate:"required,max=256"`
	Payload       json.RawMessage `json:"payload"`
	PerformedBy   string          `json:"performed_by" validate:"max=128"`
	CorrelationID string          `json:"correlation_id" validate:"max=128"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Channels      []string        `json:"channels" validate:"omitempty,dive,required,max=256"`
	MaxAttempts   int             `json:"max_attempts" validate:"omitempty,min=1,max=100"`
	DryRun        bool            `json:"dry_run"`
	AvailableAt   *time.Time      `json:"available_at"`
}

type EventResponse struct {
	Event   *domain.DomainEvent     `json:"event"`
	Entries []*domain.DispatchEntry `json:"entries"`
	Created int                     `json:"created"`
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}

	// a traceparent header ties the event to the caller's trace
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var opts []outbox.EnqueueOption
	if req.MaxAttempts > 0 {
		opts = append(opts, outbox.WithMaxAttempts(req.MaxAttempts))
	}
	if req.DryRun {
		opts = append(opts, outbox.WithDryRun())
	}
	if req.AvailableAt != nil {
		opts = append(opts, outbox.WithAvailableAt(*req.AvailableAt))
	}

	result, err := h.publisher.PublishTx(ctx, outbox.RecordInput{
		ID:            req.ID,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		EventType:     req.EventType,
		Payload:       req.Payload,
		PerformedBy:   req.PerformedBy,
		CorrelationID: req.CorrelationID,
		OccurredAt:    req.OccurredAt,
	}, req.Channels, opts...)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	observability.LoggerFromContext(r.Context()).Info("event published",
		"event_id", result.Event.ID,
		"event_type", result.Event.EventType,
		"entries", len(result.Entries),
		"created", result.Created,
	)

	h.respondJSON(w, http.StatusAccepted, EventResponse{
		Event:   result.Event,
		Entries: nonNil(result.Entries),
		Created: result.Created,
	})
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.GetEventByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, event)
}

func (h *Handler) GetEventEntries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.events.GetEventByID(r.Context(), id); err != nil {
		h.respondErr(w, r, err)
		return
	}

	entries, err := h.entries.ListEntries(r.Context(), domain.EntryFilter{DomainEventID: id, Limit: 1000})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, nonNil(entries))
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.EntryFilter{
		Status:  domain.EntryStatus(q.Get("status")),
		Channel: q.Get("channel"),
		Limit:   100,
	}

	details := make(map[string]string)
	if filter.Status != "" && !filter.Status.IsValid() {
		details["status"] = "is invalid"
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			details["limit"] = "must be between 1 and 1000"
		} else {
			filter.Limit = n
		}
	}
	if len(details) > 0 {
		h.respondErr(w, r, &requestError{message: "invalid query", details: details})
		return
	}

	entries, err := h.entries.ListEntries(r.Context(), filter)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, nonNil(entries))
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.entries.GetEntryByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, entry)
}

func (h *Handler) EntryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context(), h.leaseTimeout)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

type CancelEntryRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

func (h *Handler) CancelEntry(w http.ResponseWriter, r *http.Request) {
	var req CancelEntryRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	entry, err := h.entries.Update(r.Context(), id, func(e *domain.DispatchEntry) error {
		return e.Cancel(h.clock.Now(), req.Reason)
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	observability.LoggerFromContext(r.Context()).Info("entry cancelled", "entry_id", id, "reason", req.Reason)
	h.respondJSON(w, http.StatusOK, entry)
}

type RedriveEntryRequest struct {
	ExtraAttempts int `json:"extra_attempts" validate:"required,min=1,max=100"`
}

func (h *Handler) RedriveEntry(w http.ResponseWriter, r *http.Request) {
	var req RedriveEntryRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	entry, err := h.entries.Update(r.Context(), id, func(e *domain.DispatchEntry) error {
		return e.Redrive(h.clock.Now(), req.ExtraAttempts)
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	observability.LoggerFromContext(r.Context()).Info("entry redriven",
		"entry_id", id,
		"max_attempts", entry.MaxAttempts,
	)
	h.respondJSON(w, http.StatusOK, entry)
}

type CreateSubscriptionRequest struct {
	ID         string   `json:"id" validate:"required,max=128,excludesall=: "`
	URL        string   `json:"url" validate:"required,http_url"`
	EventTypes []string `json:"event_types" validate:"required,min=1,dive,required"`
	Secret     *string  `json:"secret,omitempty" validate:"omitempty,min=16"`
	RateLimit  int      `json:"rate_limit,omitempty" validate:"min=0,max=100000"`
}

func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}

	rateLimit := req.RateLimit
	if rateLimit <= 0 {
		rateLimit = h.defaultRateLimit
	}

	sub := &domain.Subscription{
		ID:         req.ID,
		URL:        req.URL,
		EventTypes: req.EventTypes,
		Secret:     req.Secret,
		RateLimit:  rateLimit,
		CreatedAt:  h.clock.Now(),
		Active:     true,
	}

	if err := h.subs.Create(r.Context(), sub); err != nil {
		h.respondErr(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, sub)
}

func (h *Handler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.GetActive(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, nonNil(subs))
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sub)
}

func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondErr maps domain errors to status codes. Unexpected errors are logged
// and hidden behind a generic message.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: reqErr.message, Details: reqErr.details})
	case errors.Is(err, domain.ErrInvalidInput):
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: trimSentinel(err, domain.ErrInvalidInput)})
	case errors.Is(err, domain.ErrNotFound):
		h.respondJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, domain.ErrAlreadyExists):
		h.respondJSON(w, http.StatusConflict, errorResponse{Error: "already exists"})
	case errors.Is(err, domain.ErrInvalidTransition):
		h.respondJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		observability.LoggerFromContext(r.Context()).Error("request failed", "error", err)
		h.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func trimSentinel(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
	if msg == "" {
		return sentinel.Error()
	}
	return msg
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
