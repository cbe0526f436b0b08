package config

import "sync/atomic"

// Store holds the active configuration snapshot. Readers call Current once per
// request and use that value for the whole call.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Current returns the active snapshot. Callers must not mutate it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Swap installs next and returns the previous snapshot.
func (s *Store) Swap(next *Config) *Config {
	return s.current.Swap(next)
}
