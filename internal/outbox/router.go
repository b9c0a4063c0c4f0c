package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/repository"
)

// Route sends events whose type matches Pattern to Channels. Patterns use the
// same wildcard rules as subscriptions ("*", "order.*", exact).
type Route struct {
	Pattern  string
	Channels []string
}

// Routes is a list of static routes decodable from an environment variable
// formatted as "order.*=analytics-export|notification-fanout;user.created=audit".
type Routes []Route

func (r *Routes) Decode(value string) error {
	var routes Routes
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pattern, list, ok := strings.Cut(part, "=")
		pattern = strings.TrimSpace(pattern)
		if !ok || pattern == "" {
			return fmt.Errorf("invalid route %q: expected pattern=channel|channel", part)
		}
		channels, err := NormalizeChannels(strings.Split(list, "|"))
		if err != nil {
			return fmt.Errorf("invalid route %q: %w", part, err)
		}
		routes = append(routes, Route{Pattern: pattern, Channels: channels})
	}
	*r = routes
	return nil
}

// Router resolves the delivery channels of an event type from static routes
// and active webhook subscriptions.
type Router struct {
	subs   repository.SubscriptionRepository
	routes Routes
}

func NewRouter(subs repository.SubscriptionRepository, routes Routes) *Router {
	return &Router{subs: subs, routes: routes}
}

func (r *Router) Resolve(ctx context.Context, eventType string) ([]string, error) {
	var channels []string
	for _, route := range r.routes {
		probe := domain.Subscription{EventTypes: []string{route.Pattern}}
		if probe.MatchesEventType(eventType) {
			channels = append(channels, route.Channels...)
		}
	}

	if r.subs != nil {
		subs, err := r.subs.GetByEventType(ctx, eventType)
		if err != nil {
			return nil, fmt.Errorf("resolve subscriptions for %s: %w", eventType, err)
		}
		for _, sub := range subs {
			channels = append(channels, sub.Channel())
		}
	}

	return NormalizeChannels(channels)
}
