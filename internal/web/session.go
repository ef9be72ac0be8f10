// Package web serves the JSON and CSV HTTP interface: Spotify sign-in,
// playlist listing and CSV export.
package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johnku2011/spotify-playlist-export/internal/auth"
	"github.com/johnku2011/spotify-playlist-export/internal/db"
)

const (
	sessionCookieName = "session_id"
	sessionTTL        = 24 * time.Hour
)

// Session represents an authenticated user session.
type Session struct {
	ID         string
	Credential auth.Credential
	UserID     string
	UserName   string
	CreatedAt  time.Time
}

// ExportRecord describes a finished export for bookkeeping.
type ExportRecord struct {
	ID          uuid.UUID
	Collections int
	Rows        int
	At          time.Time
}

// SessionManager defines the interface for session management.
type SessionManager interface {
	Create(ctx context.Context, cred auth.Credential, userID, userName, email string) (*Session, error)
	Get(ctx context.Context, id string) *Session
	Delete(ctx context.Context, id string)
	UpdateToken(ctx context.Context, id string, cred auth.Credential)
	RecordExport(ctx context.Context, s *Session, rec ExportRecord) error
	DeleteExpired(ctx context.Context) (int64, error)
	GetFromRequest(r *http.Request) *Session
	SetCookie(w http.ResponseWriter, session *Session)
	ClearCookie(w http.ResponseWriter)
}

// SessionStore keeps sessions in memory. Used when no database is configured.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create generates a new session for the given credential and user.
func (s *SessionStore) Create(_ context.Context, cred auth.Credential, userID, userName, _ string) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:         id,
		Credential: cred,
		UserID:     userID,
		UserName:   userName,
		CreatedAt:  s.now(),
	}

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	return session, nil
}

// Get retrieves an unexpired session by ID. The returned value is a copy.
func (s *SessionStore) Get(_ context.Context, id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok || s.now().Sub(session.CreatedAt) > sessionTTL {
		return nil
	}
	cp := *session
	return &cp
}

// Delete removes a session by ID.
func (s *SessionStore) Delete(_ context.Context, id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// UpdateToken replaces the stored credential of a session.
func (s *SessionStore) UpdateToken(_ context.Context, id string, cred auth.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[id]; ok {
		session.Credential = cred
	}
}

// RecordExport is a no-op for the in-memory store.
func (s *SessionStore) RecordExport(context.Context, *Session, ExportRecord) error {
	return nil
}

// DeleteExpired drops sessions older than the session TTL.
func (s *SessionStore) DeleteExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, session := range s.sessions {
		if s.now().Sub(session.CreatedAt) > sessionTTL {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// GetFromRequest extracts the session from the request cookie.
func (s *SessionStore) GetFromRequest(r *http.Request) *Session {
	return sessionFromCookie(r, s)
}

// SetCookie sets the session cookie on the response.
func (s *SessionStore) SetCookie(w http.ResponseWriter, session *Session) {
	setCookie(w, session)
}

// ClearCookie removes the session cookie from the response.
func (s *SessionStore) ClearCookie(w http.ResponseWriter) {
	clearCookie(w)
}

// DBSessionStore keeps sessions in PostgreSQL so they survive restarts.
type DBSessionStore struct {
	database *db.DB
}

// NewDBSessionStore creates a new database-backed session store.
func NewDBSessionStore(database *db.DB) *DBSessionStore {
	return &DBSessionStore{database: database}
}

// Create upserts the user and stores a new session for them.
func (s *DBSessionStore) Create(ctx context.Context, cred auth.Credential, userID, userName, email string) (*Session, error) {
	if err := s.database.Users().Upsert(ctx, &db.User{ID: userID, DisplayName: userName, Email: email}); err != nil {
		return nil, err
	}

	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	row := &db.Session{
		ID:           id,
		UserID:       userID,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenExpiry:  cred.ExpiresAt,
		CreatedAt:    now,
		ExpiresAt:    now.Add(sessionTTL),
	}
	if err := s.database.Sessions().Create(ctx, row); err != nil {
		return nil, err
	}

	return &Session{
		ID:         id,
		Credential: cred,
		UserID:     userID,
		UserName:   userName,
		CreatedAt:  now,
	}, nil
}

// Get retrieves a session by ID from the database.
func (s *DBSessionStore) Get(ctx context.Context, id string) *Session {
	row, err := s.database.Sessions().Get(ctx, id)
	if err != nil {
		return nil
	}

	user, err := s.database.Users().Get(ctx, row.UserID)
	if err != nil {
		return nil
	}

	return &Session{
		ID: row.ID,
		Credential: auth.Credential{
			AccessToken:  row.AccessToken,
			RefreshToken: row.RefreshToken,
			ExpiresAt:    row.TokenExpiry,
		},
		UserID:    row.UserID,
		UserName:  user.DisplayName,
		CreatedAt: row.CreatedAt,
	}
}

// Delete removes a session from the database.
func (s *DBSessionStore) Delete(ctx context.Context, id string) {
	_ = s.database.Sessions().Delete(ctx, id)
}

// UpdateToken stores a refreshed credential.
func (s *DBSessionStore) UpdateToken(ctx context.Context, id string, cred auth.Credential) {
	_ = s.database.Sessions().UpdateToken(ctx, id, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt)
}

// RecordExport stores the export counts and the user's last export time.
func (s *DBSessionStore) RecordExport(ctx context.Context, session *Session, rec ExportRecord) error {
	return s.database.Users().RecordExport(ctx, &db.Export{
		ID:          rec.ID,
		UserID:      session.UserID,
		Collections: rec.Collections,
		Rows:        rec.Rows,
		CreatedAt:   rec.At,
	})
}

// DeleteExpired removes expired sessions.
func (s *DBSessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	return s.database.Sessions().DeleteExpired(ctx)
}

// GetFromRequest extracts the session from the request cookie.
func (s *DBSessionStore) GetFromRequest(r *http.Request) *Session {
	return sessionFromCookie(r, s)
}

// SetCookie sets the session cookie on the response.
func (s *DBSessionStore) SetCookie(w http.ResponseWriter, session *Session) {
	setCookie(w, session)
}

// ClearCookie removes the session cookie from the response.
func (s *DBSessionStore) ClearCookie(w http.ResponseWriter) {
	clearCookie(w)
}

// managerRegistry holds one credential manager per session so that
// concurrent requests of a session share refreshes.
type managerRegistry struct {
	mu       sync.Mutex
	managers map[string]*auth.Manager
}

func newManagerRegistry() *managerRegistry {
	return &managerRegistry{managers: make(map[string]*auth.Manager)}
}

// get returns the manager for session s, creating it with newFn on first use.
func (m *managerRegistry) get(s *Session, newFn func(*Session) *auth.Manager) *auth.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mgr, ok := m.managers[s.ID]; ok {
		return mgr
	}
	mgr := newFn(s)
	m.managers[s.ID] = mgr
	return mgr
}

func (m *managerRegistry) remove(id string) {
	m.mu.Lock()
	delete(m.managers, id)
	m.mu.Unlock()
}

// prune drops managers whose session no longer exists.
func (m *managerRegistry) prune(ctx context.Context, sessions SessionManager) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.managers))
	for id := range m.managers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if sessions.Get(ctx, id) == nil {
			m.remove(id)
			removed++
		}
	}
	return removed
}

func (m *managerRegistry) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.managers)
}

// generateSessionID creates a cryptographically random session ID.
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func sessionFromCookie(r *http.Request, sessions SessionManager) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	return sessions.Get(r.Context(), cookie.Value)
}

func setCookie(w http.ResponseWriter, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
}

func clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

var (
	_ SessionManager = (*SessionStore)(nil)
	_ SessionManager = (*DBSessionStore)(nil)
)
