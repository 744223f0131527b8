package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// DefaultCookieName is the cookie that carries the session token.
const DefaultCookieName = "apple_session"

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store  Store
	Tokens *Tokens

	// TTL is how long a session may stay idle.
	TTL time.Duration

	CookieName string

	// Secure marks the cookie as HTTPS only.
	Secure bool

	Logger *slog.Logger
}

// Manager binds sessions to HTTP requests through a signed cookie.
type Manager struct {
	store  Store
	tokens *Tokens
	ttl    time.Duration
	cookie string
	secure bool
	logger *slog.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	name := opts.CookieName
	if name == "" {
		name = DefaultCookieName
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  opts.Store,
		tokens: opts.Tokens,
		ttl:    opts.TTL,
		cookie: name,
		secure: opts.Secure,
		logger: logger,
	}
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Load returns the session of the request, starting a new one when the
// cookie is missing, invalid, expired or refers to a swept session. The
// cookie is reissued on every call so that its expiry slides with activity.
func (m *Manager) Load(w http.ResponseWriter, r *http.Request) (*Session, error) {
	if c, err := r.Cookie(m.cookie); err == nil {
		if id, err := m.tokens.Parse(c.Value); err == nil {
			if err := m.store.Touch(id); err == nil {
				sess, err := m.store.Get(id)
				if err != nil {
					return nil, err
				}
				return sess, m.setCookie(w, sess.ID)
			}
		} else {
			m.logger.DebugContext(r.Context(), "discarding session cookie", "error", err)
		}
	}

	sess, err := m.store.Create()
	if err != nil {
		return nil, err
	}
	m.logger.DebugContext(r.Context(), "session started", "session_id", sess.ID)
	return sess, m.setCookie(w, sess.ID)
}

func (m *Manager) setCookie(w http.ResponseWriter, id string) error {
	token, err := m.tokens.Issue(id)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Janitor sweeps idle sessions every interval until ctx is cancelled.
func (m *Manager) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.store.Sweep(now.Add(-m.ttl)); n > 0 {
				m.logger.InfoContext(ctx, "swept idle sessions", "count", n)
			}
		}
	}
}

// IsNotFound reports whether err means the session no longer exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
