// Package auth issues and verifies the HS256 bearer tokens identifying students and staff.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleStaff   Role = "staff"
)

const issuer = "quiz-access-service"

// Identity is the verified caller. The zero value is an unauthenticated caller.
type Identity struct {
	Subject string
	Role    Role
}

func (i Identity) Authenticated() bool { return i.Subject != "" }

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type Service struct {
	hmac  []byte
	ttl   time.Duration
	clock clockwork.Clock
}

func NewService(secret string, ttl time.Duration, clock clockwork.Clock) *Service {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &Service{hmac: []byte(secret), ttl: ttl, clock: clock}
}

// Issue signs a token for subject with role.
func (s *Service) Issue(subject string, role Role) (string, error) {
	if subject == "" {
		return "", errors.New("auth: empty subject")
	}
	if role != RoleStudent && role != RoleStaff {
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	now := s.clock.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.hmac)
}

// Parse verifies a token and returns the identity it carries.
func (s *Service) Parse(token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.hmac, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, errors.New("auth: invalid token")
	}
	if claims.Role != RoleStudent && claims.Role != RoleStaff {
		return Identity{}, fmt.Errorf("auth: unknown role %q", claims.Role)
	}
	return Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

type ctxKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by Middleware, or the zero Identity.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	return id
}

// Middleware attaches the bearer token's identity to the request context. A missing or
// invalid token leaves the caller unauthenticated; handlers decide what that means.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := s.fromRequest(r); ok {
			r = r.WithContext(WithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) fromRequest(r *http.Request) (Identity, bool) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else {
		// browsers cannot set headers on websocket upgrades
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return Identity{}, false
	}
	id, err := s.Parse(token)
	if err != nil {
		return Identity{}, false
	}
	return id, true
}
