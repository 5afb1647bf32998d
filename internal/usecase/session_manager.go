package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"agentsync/internal/domain"
)

// SessionManager keeps the live sessions of one client by id and routes
// inbound events to them.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	deps     SessionDeps
	logger   *slog.Logger
}

// NewSessionManager creates a session manager whose sessions share deps.
func NewSessionManager(deps SessionDeps) *SessionManager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		deps:     deps,
		logger:   logger,
	}
}

// validateSessionID rejects ids that would be unsafe as storage keys or
// log fields: path separators, parent references and NUL bytes.
func validateSessionID(id string) error {
	if id == "" {
		return domain.ErrNoActiveSession
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: session id contains path separators: %q", domain.ErrInvalidInput, id)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: session id contains parent directory reference: %q", domain.ErrInvalidInput, id)
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("%w: session id contains null byte: %q", domain.ErrInvalidInput, id)
	}
	if clean := filepath.Clean(id); clean != id {
		return fmt.Errorf("%w: session id not clean: %q vs %q", domain.ErrInvalidInput, id, clean)
	}
	return nil
}

// GetOrCreate returns the live session with the given id, creating it when
// absent. A new session is restored from the history store when one is set.
func (sm *SessionManager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	const op = "SessionManager.GetOrCreate"
	if err := validateSessionID(id); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[id]; ok {
		return s, nil
	}

	s := NewSession(id, sm.deps)
	if sm.deps.Store != nil {
		if err := s.Restore(ctx); err != nil {
			return nil, domain.WrapOp(op, err)
		}
	}
	sm.sessions[id] = s
	sm.logger.Debug("session opened", "session_id", id, "messages", s.history.Len())
	return s, nil
}

// Get returns a live session.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, "SessionManager.Get", domain.ErrNoActiveSession, id)
	}
	return s, nil
}

// ListSessions returns the ids of the live sessions in sorted order.
func (sm *SessionManager) ListSessions() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return slices.Sorted(maps.Keys(sm.sessions))
}

// HandleInbound routes an event to its session, which must be live.
func (sm *SessionManager) HandleInbound(ctx context.Context, in domain.Inbound) {
	s, err := sm.Get(in.SessionID)
	if err != nil {
		sm.logger.WarnContext(ctx, "inbound event for unknown session",
			"session_id", in.SessionID, "inbound", in.Type)
		return
	}
	s.HandleInbound(ctx, in)
}

// Close persists every live session and forgets them. Persistence failures
// are joined; the remaining sessions are still saved.
func (sm *SessionManager) Close(ctx context.Context) error {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	if sm.deps.Store == nil {
		return nil
	}
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(sessions)) {
		if err := sessions[id].Persist(ctx); err != nil {
			sm.logger.Error("persist session failed", "session_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
