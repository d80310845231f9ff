package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"modulbank/modulbank"
)

const sessionCookieName = "mb_session"

// sessionRef returns a short fingerprint of a session id for logs. The id
// itself is a bearer credential and must never be logged.
func sessionRef(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:4])
}

// SessionManager handles cookie-backed sessions.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *SessionManager {
	// The bank redirects back cross-site, so Strict would drop the cookie on /callback.
	sameSite := http.SameSiteLaxMode
	secure := !cfg.Server.DevMode

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.SessionTTL(),
		secure:       secure,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	// Sliding expiration: extend on activity.
	sess, ok := sm.store.TouchSession(cookie.Value, sm.now(), sm.ttl)
	if !ok {
		return nil
	}
	return sess
}

// Create stores a new session around provider and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, provider *modulbank.Provider) *Session {
	now := sm.now()
	sess := &Session{
		ID:        sm.store.NewID(),
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
		provider:  provider,
	}
	sm.store.SaveSession(sess)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	sm.logger.Debug("session_created", "session_ref", sessionRef(sess.ID), "sandbox", provider.Debug())
	return sess
}

// Destroy removes the session and clears the cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter, sess *Session) {
	if sess != nil {
		sm.store.DeleteSession(sess.ID)
	}
	sm.Clear(w)
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// Sweep drops expired sessions.
func (sm *SessionManager) Sweep() int {
	n := sm.store.Sweep(sm.now())
	if n > 0 {
		sm.logger.Debug("sessions_swept", "count", n)
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (sm *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.Sweep()
		}
	}
}
