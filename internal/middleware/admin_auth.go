package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned for missing, malformed or expired tokens.
var ErrUnauthorized = errors.New("unauthorized")

// RoleAdmin is the only role accepted on admin routes.
const RoleAdmin = "admin"

type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminTokens issues and verifies HS256 admin tokens.
type AdminTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAdminTokens creates a token manager. A zero ttl defaults to 12h.
func NewAdminTokens(secret string, ttl time.Duration) *AdminTokens {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AdminTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for subject with the given role.
func (m *AdminTokens) Issue(subject, role string) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("jwt secret is empty")
	}
	now := m.now().UTC()
	expires := now.Add(m.ttl)
	claims := adminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies raw and returns its subject. Only admin tokens pass.
func (m *AdminTokens) Parse(raw string) (string, error) {
	if len(m.secret) == 0 || strings.TrimSpace(raw) == "" {
		return "", ErrUnauthorized
	}
	claims := &adminClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithTimeFunc(m.now))
	if err != nil || token == nil || !token.Valid {
		return "", ErrUnauthorized
	}
	if claims.Role != RoleAdmin || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

type adminKey struct{}

// AdminSubject returns the authenticated admin stored by RequireAdmin.
func AdminSubject(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(adminKey{}).(string)
	return s, ok
}

// RequireAdmin rejects requests without a valid "Bearer" admin token.
func RequireAdmin(tokens *AdminTokens, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found {
				unauthorized(w)
				return
			}
			subject, err := tokens.Parse(raw)
			if err != nil {
				log.Warn("admin token rejected", zap.String("path", r.URL.Path))
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey{}, subject)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
