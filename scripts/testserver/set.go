package main

import "sync"

type syncSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// add reports whether key was not present before.
func (s *syncSet) add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = make(map[string]struct{})
	}
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}
