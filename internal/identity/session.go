package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/routinesync/internal/store"
)

// Settings keys used by StoredSessions.
const (
	settingSessionUserID = "session.user_id"
	settingSessionToken  = "session.token"
)

// Session is a signed-in account.
type Session struct {
	UserID string
	Token  string
}

// Valid reports whether both fields are present.
func (s Session) Valid() bool {
	return s.UserID != "" && s.Token != ""
}

// SessionSource reports the current session, if any.
type SessionSource interface {
	Session() (Session, bool)
}

// SessionStore is a SessionSource that can be changed.
type SessionStore interface {
	SessionSource
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// settings is the subset of *store.Store used for persistence.
type settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// StoredSessions persists the session in the settings table and caches it
// in memory.
type StoredSessions struct {
	st settings

	mu      sync.RWMutex
	current Session
	ok      bool
}

// LoadStoredSessions reads any persisted session.
func LoadStoredSessions(ctx context.Context, st settings) (*StoredSessions, error) {
	userID, err := getOptional(ctx, st, settingSessionUserID)
	if err != nil {
		return nil, err
	}
	token, err := getOptional(ctx, st, settingSessionToken)
	if err != nil {
		return nil, err
	}

	s := &StoredSessions{st: st}
	if sess := (Session{UserID: userID, Token: token}); sess.Valid() {
		s.current, s.ok = sess, true
	}
	return s, nil
}

// Session returns the cached session.
func (s *StoredSessions) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.ok
}

// Save persists sess.
func (s *StoredSessions) Save(ctx context.Context, sess Session) error {
	if err := s.st.SetSetting(ctx, settingSessionUserID, sess.UserID); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := s.st.SetSetting(ctx, settingSessionToken, sess.Token); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.mu.Lock()
	s.current, s.ok = sess, true
	s.mu.Unlock()
	return nil
}

// Clear forgets the session.
func (s *StoredSessions) Clear(ctx context.Context) error {
	if err := s.st.DeleteSetting(ctx, settingSessionToken); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if err := s.st.DeleteSetting(ctx, settingSessionUserID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.mu.Lock()
	s.current, s.ok = Session{}, false
	s.mu.Unlock()
	return nil
}

// StaticSession is an in-memory SessionStore for tests.
type StaticSession struct {
	mu      sync.RWMutex
	current Session
	ok      bool
}

// NewStaticSession starts signed in when sess is valid, signed out otherwise.
func NewStaticSession(sess Session) *StaticSession {
	return &StaticSession{current: sess, ok: sess.Valid()}
}

func (s *StaticSession) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.ok
}

func (s *StaticSession) Save(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current, s.ok = sess, true
	return nil
}

func (s *StaticSession) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current, s.ok = Session{}, false
	return nil
}

func getOptional(ctx context.Context, st settings, key string) (string, error) {
	v, err := st.GetSetting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return v, err
}
