// Package webhook delivers dispatch entries to subscription endpoints over
// HTTP, signing each body with the subscription secret.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/repository"
	"github.com/felipemaragno/courier/internal/resilience"
	"github.com/felipemaragno/courier/internal/sink"
)

const (
	HeaderEntryID   = "X-Courier-Entry-ID"
	HeaderEventID   = "X-Courier-Event-ID"
	HeaderEventType = "X-Courier-Event-Type"
	HeaderTimestamp = "X-Courier-Timestamp"
	HeaderSignature = "X-Courier-Signature"
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	// ThrottleDelay is how long an entry waits after a rate limit rejection.
	ThrottleDelay time.Duration
	// OpenCircuitDelay is how long an entry waits while the circuit is open.
	OpenCircuitDelay time.Duration
	UserAgent        string
}

func DefaultConfig() Config {
	return Config{
		ThrottleDelay:    time.Second,
		OpenCircuitDelay: 5 * time.Second,
		UserAgent:        "courier-webhook/1.0",
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("delivery failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("delivery failed with status %d: %s", e.StatusCode, e.Body)
}

type Sink struct {
	config Config
	subs   repository.SubscriptionRepository
	client HTTPClient
	guard  *resilience.Guard
	clock  clock.Clock
	logger *slog.Logger
}

// New creates the sink. guard may be nil to deliver without rate limiting or
// circuit breaking.
func New(config Config, subs repository.SubscriptionRepository, client HTTPClient, guard *resilience.Guard, clk clock.Clock, logger *slog.Logger) *Sink {
	if client == nil {
		client = http.DefaultClient
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sink{
		config: config,
		subs:   subs,
		client: client,
		guard:  guard,
		clock:  clk,
		logger: logger,
	}
}

func (s *Sink) Deliver(ctx context.Context, msg sink.Message) error {
	subID, ok := domain.SubscriptionIDFromChannel(msg.Channel)
	if !ok {
		return sink.Terminal(fmt.Errorf("channel %q does not name a subscription", msg.Channel))
	}

	sub, err := s.subs.GetByID(ctx, subID)
	if errors.Is(err, domain.ErrNotFound) {
		return sink.Terminal(fmt.Errorf("subscription %s not found", subID))
	}
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", subID, err)
	}
	if !sub.Active {
		return sink.Terminal(fmt.Errorf("subscription %s is inactive", subID))
	}

	body, err := msg.Body()
	if err != nil {
		return sink.Terminal(fmt.Errorf("encode envelope: %w", err))
	}

	err = s.guard.Do(ctx, sub.ID, sub.RateLimit, func(ctx context.Context) error {
		return s.post(ctx, sub, msg, body)
	}, countsAgainstBreaker)

	switch {
	case errors.Is(err, resilience.ErrRateLimited):
		return sink.Deferred(err, s.config.ThrottleDelay)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return sink.Deferred(err, s.config.OpenCircuitDelay)
	}
	return err
}

// countsAgainstBreaker keeps permanent client errors from opening the
// circuit of an otherwise healthy endpoint.
func countsAgainstBreaker(err error) bool {
	return !sink.IsTerminal(err)
}

func (s *Sink) post(ctx context.Context, sub *domain.Subscription, msg sink.Message, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return sink.Terminal(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}
	req.Header.Set(HeaderEntryID, msg.EntryID)
	req.Header.Set(HeaderEventID, msg.EventID)
	req.Header.Set(HeaderEventType, msg.EventType)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(s.clock.Now().Unix(), 10))

	if sub.Secret != nil && *sub.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(body, *sub.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		s.logger.Debug("webhook delivered",
			"entry_id", msg.EntryID,
			"subscription_id", sub.ID,
			"status_code", resp.StatusCode,
		)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	if isPermanentFailure(resp.StatusCode) {
		return sink.Terminal(statusErr)
	}
	return statusErr
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret. Receivers compare
// it against the X-Courier-Signature header after the "sha256=" prefix.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a X-Courier-Signature header value against body.
func Verify(body []byte, secret, header string) bool {
	sig, ok := bytes.CutPrefix([]byte(header), []byte("sha256="))
	if !ok {
		return false
	}
	return hmac.Equal(sig, []byte(Sign(body, secret)))
}
