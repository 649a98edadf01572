package budget

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Session is the per-visitor demo ledger. Its lifetime is independent of
// any live connection: it tracks demo usage, not connection state.
type Session struct {
	ID                string           `json:"session_id"`
	IPAddress         string           `json:"ip_address,omitempty"`
	UserAgent         string           `json:"user_agent,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
	TotalTokensUsed   int              `json:"total_tokens_used"`
	FeatureUsage      map[Feature]int  `json:"feature_usage"`
	FeatureRequests   map[Feature]int  `json:"feature_requests"`
	CompletedFeatures map[Feature]bool `json:"completed_features"`
	Complete          bool             `json:"is_complete"`
}

// Expired reports whether the session's TTL has elapsed at t.
func (s *Session) Expired(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// Store persists budget sessions. Backed by an in-process map for
// single-instance deployments or PostgreSQL for shared ones.
type Store interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Evict(ctx context.Context, sessionID string) error
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// MemoryStore keeps sessions in a mutex-guarded map. Expired entries are
// swept by the janitor; Get also treats them as absent so correctness does
// not depend on sweep timing.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Evict(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// StartJanitor sweeps expired sessions until ctx is cancelled.
func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *MemoryStore) sweep() {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
		}
	}
}

func cloneSession(s *Session) *Session {
	c := *s
	c.FeatureUsage = make(map[Feature]int, len(s.FeatureUsage))
	for k, v := range s.FeatureUsage {
		c.FeatureUsage[k] = v
	}
	c.FeatureRequests = make(map[Feature]int, len(s.FeatureRequests))
	for k, v := range s.FeatureRequests {
		c.FeatureRequests[k] = v
	}
	c.CompletedFeatures = make(map[Feature]bool, len(s.CompletedFeatures))
	for k, v := range s.CompletedFeatures {
		c.CompletedFeatures[k] = v
	}
	return &c
}
