// Package identity resolves the current user for each request.
//
// Identity is cookie-based: a device gets an opaque user id on first contact
// and keeps it for the cookie lifetime. The rest of the application only
// consumes the "current user" capability through the context helpers.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/klyao/agentchat/internal/domain"
	"github.com/klyao/agentchat/internal/store"
)

const (
	// CookieName holds the device's opaque user id.
	CookieName   = "chat_uid"
	cookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

var userIDPattern = regexp.MustCompile(`^user_[a-f0-9]{32}$`)

// WithUser returns a context carrying the given user id, as the middleware
// would produce. Intended for handler tests and internal composition.
func WithUser(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, deriveUsername(userID))
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

func generateUserID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate user id: %w", err)
	}
	return "user_" + hex.EncodeToString(buf), nil
}

func deriveUsername(userID string) string {
	if len(userID) > 13 {
		return "user-" + userID[len(userID)-8:]
	}
	return "user"
}

func setIdentityCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateUserID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && userIDPattern.MatchString(c.Value) {
		setIdentityCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateUserID()
	if err != nil {
		return "", err
	}
	setIdentityCookie(w, id, isDev)
	return id, nil
}

func ensureUser(ctx context.Context, repo store.Repository, userID string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil {
		return nil
	}

	now := time.Now()
	return repo.UpsertUser(ctx, &domain.User{
		UserID:    userID,
		Username:  deriveUsername(userID),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Middleware resolves (or mints) the device identity and stores the user id
// and username in the request context. Downstream handlers must treat an
// empty user id as unauthenticated.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := getOrCreateUserID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureUser(r.Context(), repo, userID); err != nil {
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, usernameKey, deriveUsername(userID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
