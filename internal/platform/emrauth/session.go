package emrauth

import (
	"context"
	"sync"
	"time"

	"github.com/headachemd/emr/internal/platform/emr"
)

// Session is an interactive authorization held on behalf of one user for
// one provider.
type Session struct {
	UserID    string
	System    string
	Token     *emr.AccessToken
	PatientID string
	CreatedAt time.Time
}

// SessionStore persists interactive sessions keyed by (user, system).
// Get returns (nil, nil) when no session exists.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, userID, system string) (*Session, error)
	Delete(ctx context.Context, userID, system string) error
	Cleanup(ctx context.Context) error
}

// InMemorySessionStore is a thread-safe SessionStore for development and
// single-instance deployments.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// retention keeps sessions with a refresh token past access-token expiry.
	retention time.Duration
	now       func() time.Time
}

// NewInMemorySessionStore creates an empty store.
func NewInMemorySessionStore(retention time.Duration) *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions:  make(map[string]*Session),
		retention: retention,
		now:       time.Now,
	}
}

func sessionKey(userID, system string) string {
	return system + "\x00" + userID
}

func (s *InMemorySessionStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	if sess.Token != nil {
		t := *sess.Token
		cp.Token = &t
	}
	s.sessions[sessionKey(sess.UserID, sess.System)] = &cp
	return nil
}

func (s *InMemorySessionStore) Get(_ context.Context, userID, system string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey(userID, system)]
	if !ok || s.expired(sess) {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *InMemorySessionStore) Delete(_ context.Context, userID, system string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(userID, system))
	return nil
}

func (s *InMemorySessionStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, k)
		}
	}
	return nil
}

func (s *InMemorySessionStore) expired(sess *Session) bool {
	if sess.Token == nil {
		return true
	}
	return s.now().After(sessionExpiry(sess, s.retention))
}

// sessionExpiry is when a session stops being useful: the access token's
// expiry, extended by retention when a refresh token can renew it.
func sessionExpiry(sess *Session, retention time.Duration) time.Time {
	exp := sess.Token.ExpiresAt
	if sess.Token.RefreshToken != "" {
		exp = exp.Add(retention)
	}
	return exp
}
