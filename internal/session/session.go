// Package session owns the Mcp-Session-Id lifecycle for ProxyEndpoint:
// session creation, last-activity tracking, LRU eviction at a configured
// capacity, idle expiry, and each session's bounded notification channel
// for the SSE keep-alive stream.
package session

import (
	"container/list"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when an operation names an unknown session id.
var ErrNotFound = errors.New("session: not found")

// Notification is one server-to-client event queued on a session's
// channel for its SSE writer goroutine to deliver.
type Notification struct {
	Event string
	Data  []byte
}

// Session is one active Mcp-Session-Id.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time

	notifications chan Notification
}

// Notifications returns the session's bounded outbound channel. The SSE
// writer goroutine reads off this; it must never block on a shared lock.
func (s *Session) Notifications() <-chan Notification {
	return s.notifications
}

type entry struct {
	session *Session
	element *list.Element
}

// Config controls capacity and expiry.
type Config struct {
	MaxSessions        int
	IdleTimeout         time.Duration
	NotificationBuffer  int
}

// Manager holds every active session, evicting by oldest last-activity
// once MaxSessions is reached, in the shape of the teacher's
// MemoryStore (map + secondary LRU list + background cleanup goroutine).
type Manager struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// New constructs a Manager and starts its idle-expiry sweep goroutine.
// Call Stop on shutdown.
func New(cfg Config) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10000
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = 64
	}

	m := &Manager{
		cfg:         cfg,
		entries:     make(map[string]*entry),
		lru:         list.New(),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Stop halts the idle-expiry sweep goroutine.
func (m *Manager) Stop() {
	close(m.stopCleanup)
	<-m.cleanupDone
}

// Resolve implements the request-time session resolution rule: an empty
// id creates a new session; a known id refreshes its last-activity; an
// unknown id is treated as create-new rather than an error. created
// reports whether a brand-new session was allocated.
func (m *Manager) Resolve(id string) (sess *Session, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if e, ok := m.entries[id]; ok {
			e.session.LastActivity = time.Now().UTC()
			m.lru.MoveToFront(e.element)
			return e.session, false, nil
		}
	}

	newID, err := generateSessionID()
	if err != nil {
		return nil, false, err
	}

	if len(m.entries) >= m.cfg.MaxSessions {
		m.evictOldestLocked()
	}

	now := time.Now().UTC()
	s := &Session{
		ID:            newID,
		CreatedAt:     now,
		LastActivity:  now,
		notifications: make(chan Notification, m.cfg.NotificationBuffer),
	}
	e := &entry{session: s}
	e.element = m.lru.PushFront(e)
	m.entries[newID] = e

	return s, true, nil
}

// Touch refreshes a known session's last-activity without resolving it.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivity = time.Now().UTC()
	m.lru.MoveToFront(e.element)
	return nil
}

// Get returns a session without touching its last-activity.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Delete destroys a session, per the DELETE /mcp operation. Returns
// ErrNotFound if the id is unknown, matching the 404 the HTTP layer
// should surface.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	m.lru.Remove(e.element)
	delete(m.entries, id)
	close(e.session.notifications)
	return nil
}

// Notify enqueues a notification onto id's channel without blocking the
// caller; a full channel (an unusually slow or stalled SSE writer) drops
// the notification rather than stalling the request path.
func (m *Manager) Notify(id string, n Notification) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	select {
	case e.session.notifications <- n:
	default:
	}
	return nil
}

// Len reports the current number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) evictOldestLocked() {
	el := m.lru.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	m.lru.Remove(el)
	delete(m.entries, e.session.ID)
	close(e.session.notifications)
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	defer close(m.cleanupDone)

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*entry
	for _, e := range m.entries {
		if now.Sub(e.session.LastActivity) > m.cfg.IdleTimeout {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		m.lru.Remove(e.element)
		delete(m.entries, e.session.ID)
		close(e.session.notifications)
	}
}

func generateSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "sess_" + hex.EncodeToString(b), nil
}
