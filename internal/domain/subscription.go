package domain

import (
	"strings"
	"time"
)

// WebhookChannelPrefix names the channel kind served by subscriptions.
const WebhookChannelPrefix = "webhook"

// Subscription routes matching event types to a webhook endpoint.
type Subscription struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	Secret     *string   `json:"secret,omitempty"`
	RateLimit  int       `json:"rate_limit"`
	CreatedAt  time.Time `json:"created_at"`
	Active     bool      `json:"active"`
}

// Channel returns the delivery channel entries for this subscription use.
func (s *Subscription) Channel() string {
	return WebhookChannelPrefix + ":" + s.ID
}

// SubscriptionIDFromChannel extracts the subscription id from a channel
// built by Channel.
func SubscriptionIDFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, WebhookChannelPrefix+":")
	return id, ok && id != ""
}

func (s *Subscription) MatchesEventType(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
		if matchWildcard(t, eventType) {
			return true
		}
	}
	return false
}

func matchWildcard(pattern, eventType string) bool {
	if len(pattern) == 0 {
		return len(eventType) == 0
	}

	if pattern[len(pattern)-1] == '*' {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}

	return pattern == eventType
}
