// Package auth guards the debug HTTP endpoints with basic authentication
// against a local user database.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// RoleViewer may read /metrics and /healthz.
	RoleViewer = "viewer"
	// RoleOperator may also use the profiling endpoints.
	RoleOperator = "operator"
)

var (
	ErrUnauthenticated = errors.New("invalid username or password")
	ErrForbidden       = errors.New("insufficient role")
)

// ValidRole reports whether role is known.
func ValidRole(role string) bool {
	return role == RoleViewer || role == RoleOperator
}

// User represents an authenticated user with their associated role.
type User struct {
	Username string
	Role     string
}

// Authenticator checks credentials against a user database.
type Authenticator struct {
	users    map[string]UserRecord
	hashType HashType
	logger   *slog.Logger
}

// NewAuthenticator loads the user database at userFilePath.
func NewAuthenticator(userFilePath string, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	users, hashType, err := ReadUserFile(userFilePath)
	if err != nil {
		return nil, fmt.Errorf("could not load user database: %w", err)
	}
	return &Authenticator{
		users:    users,
		hashType: hashType,
		logger:   logger.With("component", "Authenticator"),
	}, nil
}

// Check validates a username and password.
func (a *Authenticator) Check(username, password string) (User, error) {
	rec, ok := a.users[username]
	if !ok {
		a.logger.Warn("Authentication failed: invalid username.", "username", username)
		return User{}, ErrUnauthenticated
	}

	var match bool
	switch a.hashType {
	case HashTypeBcrypt:
		match = bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) == nil
	case HashTypeSHA256:
		sum := sha256.Sum256([]byte(password))
		stored, err := hex.DecodeString(rec.PasswordHash)
		match = err == nil && subtle.ConstantTimeCompare(sum[:], stored) == 1
	}
	if !match {
		a.logger.Warn("Authentication failed: password mismatch.", "username", username)
		return User{}, ErrUnauthenticated
	}
	return User{Username: rec.Username, Role: rec.Role}, nil
}

// Authorize reports whether user may access path.
func Authorize(user User, path string) error {
	if user.Role == RoleOperator {
		return nil
	}
	if user.Role == RoleViewer && !strings.HasPrefix(path, "/debug/") {
		return nil
	}
	return fmt.Errorf("user '%s' with role '%s' may not access %s: %w", user.Username, user.Role, path, ErrForbidden)
}

// Middleware wraps next with basic authentication. /healthz stays open.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="nexussync"`)
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		user, err := a.Check(username, password)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="nexussync"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if err := Authorize(user, r.URL.Path); err != nil {
			a.logger.Warn("Authorization failed", "username", user.Username, "path", r.URL.Path)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
