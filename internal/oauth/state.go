package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/toolbridge/internal/toolserver"
)

// pendingAuth is what an issued state token stands for.
type pendingAuth struct {
	owner    toolserver.Owner
	configID string
	redirect string
	expires  time.Time
}

// stateStore holds issued state tokens until they are consumed or
// expire. A token can be consumed exactly once.
type stateStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]pendingAuth
}

func newStateStore(ttl time.Duration) *stateStore {
	return &stateStore{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]pendingAuth),
	}
}

// issue stores p under a fresh random token.
func (s *stateStore) issue(p pendingAuth) (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b[:])

	now := s.now()
	p.expires = now.Add(s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.pending {
		if !now.Before(v.expires) {
			delete(s.pending, k)
		}
	}
	s.pending[token] = p
	return token, nil
}

// consume removes and returns the pending authorization for token.
func (s *stateStore) consume(token string) (pendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[token]
	if !ok {
		return pendingAuth{}, false
	}
	delete(s.pending, token)
	if !s.now().Before(p.expires) {
		return pendingAuth{}, false
	}
	return p, true
}

// size returns how many tokens are outstanding.
func (s *stateStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
