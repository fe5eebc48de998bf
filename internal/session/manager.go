// Package session tracks per-conversation state. Sessions are created on
// first contact from a conversation identity and expire after an idle TTL.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"botflow/internal/logging"
)

// Session holds the mutable context for one conversation.
type Session struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner"`
	CreatedAt time.Time      `json:"created_at"`
	Context   map[string]any `json:"context"`
}

// Manager owns all live sessions. Access goes through the manager only;
// the underlying cache enforces both a live-session cap and an idle TTL.
type Manager struct {
	mu      sync.Mutex
	cache   *expirable.LRU[string, *Session]
	byOwner map[string]string // owner → session id
	logger  logging.Logger
}

// NewManager creates a session manager. limit bounds the number of live
// sessions; ttl is the idle timeout after which a session is evicted.
func NewManager(limit int, ttl time.Duration, logger logging.Logger) *Manager {
	m := &Manager{
		byOwner: make(map[string]string),
		logger:  logging.OrNop(logger),
	}
	m.cache = expirable.NewLRU[string, *Session](limit, m.onEvict, ttl)
	return m
}

// onEvict drops the owner index entry when a session ages out.
func (m *Manager) onEvict(id string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.byOwner[sess.Owner]; ok && current == id {
		delete(m.byOwner, sess.Owner)
	}
	m.logger.Debug("session %s (owner=%s) evicted", id, sess.Owner)
}

// GetOrCreate returns the live session for owner, creating one on first contact.
func (m *Manager) GetOrCreate(owner string) *Session {
	m.mu.Lock()
	id, ok := m.byOwner[owner]
	m.mu.Unlock()

	if ok {
		if sess, found := m.cache.Get(id); found {
			return sess
		}
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
		Context:   make(map[string]any),
	}

	m.mu.Lock()
	m.byOwner[owner] = sess.ID
	m.mu.Unlock()
	m.cache.Add(sess.ID, sess)

	m.logger.Debug("session %s created for owner %s", sess.ID, owner)
	return sess
}

// Get returns the session with the given id, or nil if closed or expired.
func (m *Manager) Get(id string) *Session {
	sess, ok := m.cache.Get(id)
	if !ok {
		return nil
	}
	return sess
}

// Close explicitly removes a session.
func (m *Manager) Close(id string) {
	m.cache.Remove(id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.cache.Len()
}
