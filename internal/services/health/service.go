package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

const checkTimeout = 2 * time.Second

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// Service runs named dependency checks for the health endpoint.
type Service struct {
	mu     sync.RWMutex
	checks map[string]Checker
}

// NewService constructs a new health service.
func NewService() *Service {
	return &Service{checks: make(map[string]Checker)}
}

// Add registers a check under name.
func (s *Service) Add(name string, check Checker) {
	if check == nil {
		return
	}
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

// Status runs every check and returns the payload and whether all passed.
func (s *Service) Status(ctx context.Context) (map[string]any, bool) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	ok := true
	results := make(map[string]string, len(names))
	for _, name := range names {
		s.mu.RLock()
		check := s.checks[name]
		s.mu.RUnlock()

		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			ok = false
			results[name] = "unavailable"
			continue
		}
		results[name] = "ok"
	}

	payload := map[string]any{"ok": ok}
	if len(results) > 0 {
		payload["checks"] = results
	}
	return payload, ok
}
