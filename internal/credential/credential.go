// Package credential holds the session token and the identity derived from it.
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"tasksync/internal/domain"
)

// Claims is the token payload issued by the hub. Older tokens carry the user id
// as "id" instead of "sub".
type Claims struct {
	UserID   string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserSubject returns the user id carried by the claims.
func (c Claims) UserSubject() string {
	if c.RegisteredClaims.Subject != "" {
		return c.RegisteredClaims.Subject
	}
	return c.UserID
}

// ErrNoToken is returned when no session token is available.
var ErrNoToken = errors.New("no session token")

// IdentityFromToken decodes the identity claims without verifying the signature.
// The server verifies every request; the client only needs the claims.
func IdentityFromToken(token string) (domain.Identity, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, false, ErrNoToken
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return domain.Identity{}, false, fmt.Errorf("%w: decode token: %v", domain.ErrMalformedPayload, err)
	}
	id := claims.UserSubject()
	if id == "" {
		return domain.Identity{}, false, fmt.Errorf("%w: token has no subject", domain.ErrMalformedPayload)
	}
	ident := domain.Identity{ID: id, Username: claims.Username, Role: domain.ParseRole(claims.Role)}
	complete := claims.Username != "" && claims.Role != ""
	return ident, complete, nil
}

// Context is the credential provider handed to the fetcher and the event channel.
type Context struct {
	mu       sync.RWMutex
	token    string
	identity domain.Identity
	complete bool
}

// New builds a Context from a raw token.
func New(token string) (*Context, error) {
	ident, complete, err := IdentityFromToken(token)
	if err != nil {
		return nil, err
	}
	return &Context{token: strings.TrimSpace(token), identity: ident, complete: complete}, nil
}

func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Context) Identity() domain.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Complete reports whether the token carried both username and role.
func (c *Context) Complete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.complete
}

// Resolve fills identity fields the token did not carry from a directory record.
// The id never changes.
func (c *Context) Resolve(u domain.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.ID != c.identity.ID {
		return
	}
	if c.identity.Username == "" {
		c.identity.Username = u.Username
	}
	if u.Role != "" {
		c.identity.Role = u.Role
	}
	c.complete = true
}

// Header returns the Authorization header value.
func (c *Context) Header() string {
	return "Bearer " + c.Token()
}

// Store persists the token in a single file readable only by the owner.
type Store struct {
	Path string
}

func (s Store) Save(token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.Path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return os.Chmod(s.Path, 0o600)
}

func (s Store) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Clear removes the token; a missing file is not an error.
func (s Store) Clear() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Open loads the stored token and builds a Context from it.
func (s Store) Open() (*Context, error) {
	token, err := s.Load()
	if err != nil {
		return nil, err
	}
	return New(token)
}
