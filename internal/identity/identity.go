// Package identity resolves which user and session a request speaks for.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ashureev/bqagent/internal/domain"
	"github.com/ashureev/bqagent/internal/session"
	"github.com/ashureev/bqagent/internal/store"
)

const (
	AnonCookieName    = "bqagent_anon_id"
	SessionHeaderName = "X-Session-ID"
	SessionQueryParam = "session_id"
	anonCookieMaxAge  = 30 * 24 * time.Hour

	defaultEnsuredCacheSize = 4096
)

type contextKey int

const (
	userIDKey contextKey = iota
	sessionIDKey
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Config describes how identities are derived.
type Config struct {
	AppName string
	// UserID is the fixed user every request speaks for unless PerClient is set.
	UserID string
	// DefaultSessionID is used when the request names no valid session.
	DefaultSessionID string
	// PerClient gives every browser its own anonymous user via a cookie.
	PerClient bool
	// Secure marks the anonymous cookie Secure.
	Secure bool
	// InitialState seeds sessions created on first use.
	InitialState func() map[string]any
	// EnsuredCacheSize bounds how many known-to-exist sessions are
	// remembered. Evicted sessions are checked against the store again.
	EnsuredCacheSize int
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithIdentity returns a context carrying userID and sessionID.
func WithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeSessionID(id, fallback string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return fallback
	}
	return id
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	id := ""
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		id = c.Value
	} else {
		var genErr error
		if id, genErr = generateAnonID(); genErr != nil {
			return "", genErr
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
	return id, nil
}

func sessionIDFromRequest(r *http.Request, fallback string) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(SessionQueryParam)
	}
	return sanitizeSessionID(sid, fallback)
}

// Resolver derives identities and makes sure their sessions exist.
type Resolver struct {
	repo       store.Repository
	cfg        Config
	defaultKey domain.SessionKey
	ensured    *lru.Cache[domain.SessionKey, struct{}]
}

// NewResolver creates a resolver. The (UserID, DefaultSessionID) session is
// assumed to have been created at startup.
func NewResolver(repo store.Repository, cfg Config) *Resolver {
	if cfg.InitialState == nil {
		cfg.InitialState = session.DefaultInitialState
	}
	if cfg.EnsuredCacheSize <= 0 {
		cfg.EnsuredCacheSize = defaultEnsuredCacheSize
	}
	// New only fails for a non-positive size.
	ensured, _ := lru.New[domain.SessionKey, struct{}](cfg.EnsuredCacheSize)
	return &Resolver{
		repo:       repo,
		cfg:        cfg,
		defaultKey: domain.SessionKey{AppName: cfg.AppName, UserID: cfg.UserID, SessionID: cfg.DefaultSessionID},
		ensured:    ensured,
	}
}

// Ensure creates the session for key on first use.
func (res *Resolver) Ensure(ctx context.Context, key domain.SessionKey) error {
	if key == res.defaultKey || res.ensured.Contains(key) {
		return nil
	}
	if err := session.EnsureSession(ctx, res.repo, key, res.cfg.InitialState()); err != nil {
		return err
	}
	res.ensured.Add(key, struct{}{})
	return nil
}

// Middleware injects the user and session IDs for each request, creating
// sessions lazily.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := res.cfg.UserID
		if res.cfg.PerClient {
			id, err := getOrCreateAnonID(w, r, res.cfg.Secure)
			if err != nil {
				slog.Error("Failed to establish anonymous identity", "error", err)
				http.Error(w, `{"detail":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}
			userID = id
		}
		sessionID := sessionIDFromRequest(r, res.cfg.DefaultSessionID)

		key := domain.SessionKey{AppName: res.cfg.AppName, UserID: userID, SessionID: sessionID}
		if err := res.Ensure(r.Context(), key); err != nil {
			slog.Error("Failed to initialize session", "session", key.String(), "error", err)
			http.Error(w, `{"detail":"failed to initialize session"}`, http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), userID, sessionID)))
	})
}
