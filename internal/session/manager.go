package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is the registry view of a live connection. The controller owns the
// authoritative State; the manager only tracks liveness.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	MessageCount   int       `json:"message_count"`
	Busy           bool      `json:"busy"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// CloseFunc asks the owning controller to shut its session down.
type CloseFunc func(reason string)

type entry struct {
	session Session
	closer  CloseFunc
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Register records a newly opened session.
func (m *Manager) Register(userID, sessionID string, closer CloseFunc) *Session {
	now := m.now()
	e := &entry{
		session: Session{
			ID:             sessionID,
			UserID:         userID,
			Status:         StatusActive,
			StartedAt:      now,
			LastActivityAt: now,
		},
		closer: closer,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = e
	return clone(&e.session)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(&e.session), nil
}

// List returns active sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, clone(&e.session))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) Touch(sessionID string, messageCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = m.now()
	if messageCount > e.session.MessageCount {
		e.session.MessageCount = messageCount
	}
	return nil
}

// SetBusy flags a session as running a turn. The janitor never expires a
// busy session, and either transition counts as activity.
func (m *Manager) SetBusy(sessionID string, busy bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.Busy = busy
	e.session.LastActivityAt = m.now()
	return nil
}

// End removes the session and asks its controller to close. Calling End from
// inside the controller's own close path is safe: the closer runs without the
// lock held and a second End reports ErrNotFound.
func (m *Manager) End(sessionID, reason string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(m.sessions, sessionID)
	e.session.Status = StatusEnded
	e.session.LastActivityAt = m.now()
	ended := clone(&e.session)
	closer := e.closer
	m.mu.Unlock()

	if closer != nil {
		closer(reason)
	}
	return ended, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*entry

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.session.Busy || now.Sub(e.session.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		e.session.Status = StatusEnded
		e.session.LastActivityAt = now
		expired = append(expired, e)
		delete(m.sessions, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		if e.closer != nil {
			e.closer("idle timeout")
		}
		if hook != nil {
			hook(clone(&e.session))
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
