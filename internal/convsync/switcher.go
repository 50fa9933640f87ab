package convsync

import (
	"context"
	"log/slog"
	"sync"
)

// Switcher owns at most one open Engine. Opening a different conversation
// closes the previous engine before the next one is created.
type Switcher struct {
	api    API
	logger *slog.Logger
	opts   []Option

	mu      sync.Mutex
	current *Engine
}

// NewSwitcher creates a Switcher with no open conversation.
func NewSwitcher(api API, logger *slog.Logger, opts ...Option) *Switcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switcher{api: api, logger: logger, opts: opts}
}

// Open returns the engine for id, reusing the current one when it already
// serves id.
func (s *Switcher) Open(ctx context.Context, id int64) (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.ID() == id && !s.current.Closed() {
		return s.current, nil
	}
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}

	e, err := Open(ctx, s.api, id, s.logger, s.opts...)
	if err != nil {
		return nil, err
	}
	s.current = e
	return e, nil
}

// Current returns the open engine, or nil.
func (s *Switcher) Current() *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close closes the open engine, if any.
func (s *Switcher) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
}
