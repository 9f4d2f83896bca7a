package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/store"
)

// State store bounds.
const (
	DefaultStateTTL = 10 * time.Minute
	DefaultStateCap = 10000
	sweepInterval   = time.Minute

	// minStateLen rejects obviously malformed callback states before the
	// map lookup.
	minStateLen = 16
)

// PendingAuth is one in-flight authorization: the CSRF state maps to the
// PKCE verifier and a snapshot of the server's auth config taken at login
// time. Entries live in memory only and are consumed at most once.
type PendingAuth struct {
	State     string
	Verifier  string
	ServerID  string
	Auth      store.AuthConfig
	CreatedAt time.Time
}

// StateStore holds pending authorizations keyed by CSRF state, bounded by
// TTL and a capacity cap. A background sweep removes expired entries.
type StateStore struct {
	ttl time.Duration
	cap int
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*PendingAuth
	done    chan struct{}
	once    sync.Once
}

// NewStateStore creates a store with the default TTL and capacity and
// starts its sweep loop.
func NewStateStore(log *slog.Logger) *StateStore {
	if log == nil {
		log = slog.Default()
	}
	s := &StateStore{
		ttl:     DefaultStateTTL,
		cap:     DefaultStateCap,
		log:     log.With("component", "oauth"),
		entries: make(map[string]*PendingAuth),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Create generates a fresh state token and records the pending
// authorization under it. When the store is at capacity the oldest
// pending entries are evicted first.
func (s *StateStore) Create(serverID, verifier string, auth store.AuthConfig) (string, error) {
	token, err := generateStateToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.entries) >= s.cap {
		s.evictOldestLocked()
	}
	s.entries[token] = &PendingAuth{
		State:     token,
		Verifier:  verifier,
		ServerID:  serverID,
		Auth:      auth,
		CreatedAt: time.Now(),
	}
	return token, nil
}

// Consume removes and returns the pending authorization for state. The
// entry is deleted even when validation later fails, so a replayed
// callback can never succeed. Expired or unknown states return false.
func (s *StateStore) Consume(state string) (*PendingAuth, bool) {
	if len(state) < minStateLen {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return nil, false
	}
	delete(s.entries, state)

	if time.Since(entry.CreatedAt) > s.ttl {
		return nil, false
	}
	return entry, true
}

// Len returns the number of pending authorizations.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the sweep loop.
func (s *StateStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *StateStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.done:
			return
		}
	}
}

func (s *StateStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.entries {
		if now.Sub(v.CreatedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
}

// evictOldestLocked drops the oldest pending entry. Caller holds mu.
func (s *StateStore) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, v := range s.entries {
		if oldestKey == "" || v.CreatedAt.Before(oldest) {
			oldestKey = k
			oldest = v.CreatedAt
		}
	}
	if oldestKey == "" {
		return
	}
	serverID := s.entries[oldestKey].ServerID
	delete(s.entries, oldestKey)
	s.log.Warn("pending auth state evicted",
		"kind", "auth-overflow", "server", serverID, "cap", s.cap)
}

func generateStateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}
