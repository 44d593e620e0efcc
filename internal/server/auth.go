package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"tasksync/internal/credential"
	"tasksync/internal/domain"
)

type AuthConfig struct {
	JWTSecret string
	// TokenTTL bounds dev tokens. Zero means 24h.
	TokenTTL time.Duration
	Logger   log.FieldLogger
}

type Principal struct {
	UserID   string
	Username string
	Role     domain.Role
}

func (p Principal) Identity() domain.Identity {
	return domain.Identity{ID: p.UserID, Username: p.Username, Role: p.Role}
}

type principalKey struct{}

func (c AuthConfig) logger() log.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.StandardLogger()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func identityFromContext(ctx context.Context) (domain.Identity, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p.Identity(), nil
	}
	return domain.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &credential.Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.UserSubject() == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		UserID:   claims.UserSubject(),
		Username: claims.Username,
		Role:     domain.ParseRole(claims.Role),
	}, nil
}

func signDevToken(secret string, u domain.User, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := credential.Claims{
		UserID:   u.ID,
		Username: u.Username,
		Role:     string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware guards the API base path and the websocket endpoint. Browsers
// cannot set headers on a websocket handshake, so wsPath also takes ?token=.
func newAuthMiddleware(basePath, wsPath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
		path.Join(basePath, "openapi.json"):   true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			isWS := req.URL.Path == wsPath
			if !isWS && (!strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path]) {
				next.ServeHTTP(w, req)
				return
			}

			token := ""
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				t, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				token = t
			} else if isWS {
				token = req.URL.Query().Get("token")
			}
			if token == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				cfg.logger().WithError(err).WithField("path", req.URL.Path).Debug("rejected token")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
