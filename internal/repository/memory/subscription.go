package memory

import (
	"context"
	"sort"

	"github.com/felipemaragno/courier/internal/domain"
)

func cloneSubscription(s *domain.Subscription) *domain.Subscription {
	c := *s
	c.EventTypes = append([]string(nil), s.EventTypes...)
	return &c
}

func (s *Store) Create(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (s *Store) GetActive(ctx context.Context) ([]*domain.Subscription, error) {
	return s.filterSubscriptions(func(sub *domain.Subscription) bool { return true }), nil
}

func (s *Store) GetByEventType(ctx context.Context, eventType string) ([]*domain.Subscription, error) {
	return s.filterSubscriptions(func(sub *domain.Subscription) bool {
		return sub.MatchesEventType(eventType)
	}), nil
}

func (s *Store) filterSubscriptions(match func(*domain.Subscription) bool) []*domain.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Subscription
	for _, sub := range s.subs {
		if sub.Active && match(sub) {
			result = append(result, cloneSubscription(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok || !sub.Active {
		return domain.ErrNotFound
	}
	sub.Active = false
	return nil
}
