package coach

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/moneycoach/internal/observe"
)

// Manager owns the live sessions of a process, keyed by session id.
//
// All methods are safe for concurrent use. Turns of one session are
// serialised by the session; different sessions run in parallel.
type Manager struct {
	engine *Engine

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns an empty [Manager] running turns on engine.
func NewManager(engine *Engine) *Manager {
	return &Manager{engine: engine, sessions: make(map[string]*Session)}
}

// Engine returns the engine the manager runs turns on.
func (m *Manager) Engine() *Engine { return m.engine }

// Create starts and registers a new session for userID.
func (m *Manager) Create(ctx context.Context, userID string) (*Session, Reply) {
	s, r := m.engine.Start(ctx, userID)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.engine.metrics.ActiveSessions.Add(ctx, 1)
	return s, r
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Handle runs one turn on the session with id.
func (m *Manager) Handle(ctx context.Context, id, text string) (Reply, error) {
	s, err := m.Get(id)
	if err != nil {
		return Reply{}, err
	}
	return m.engine.HandleMessage(ctx, s, text)
}

// End removes the session with id. An in-flight turn completes first.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.close()
	m.engine.metrics.ActiveSessions.Add(ctx, -1)
	observe.Logger(ctx).Info("session ended", "session_id", s.id, "user_id", s.userID)
	return nil
}

// Sweep ends every session that has gone without a turn for longer than
// maxIdle and returns how many it ended. A non-positive maxIdle ends none.
func (m *Manager) Sweep(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	now := m.engine.now()

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.idle(now) > maxIdle {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range stale {
		// A concurrent End may have won; that session is gone either way.
		if m.End(ctx, id) == nil {
			n++
		}
	}
	if n > 0 {
		observe.Logger(ctx).Info("idle sessions ended", "count", n, "max_idle", maxIdle)
	}
	return n
}

// RunSweeper calls [Manager.Sweep] every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, maxIdle)
		}
	}
}

// EndAll removes every session.
func (m *Manager) EndAll(ctx context.Context) {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.close()
		m.engine.metrics.ActiveSessions.Add(ctx, -1)
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

