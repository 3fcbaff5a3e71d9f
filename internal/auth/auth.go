package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Canonical organization role names.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type ctxKey string

const ctxKeyAuthInfo ctxKey = "flakeguard.authInfo"

// AuthInfo holds the authenticated principal for the request.
type AuthInfo struct {
	// Subject is the user id (sub claim).
	Subject string

	// OrgID is the owning organization (org claim).
	OrgID string

	// Roles within the organization.
	Roles []string
}

// FromContext returns the AuthInfo stored in the request context, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	v := ctx.Value(ctxKeyAuthInfo)
	if v == nil {
		return nil
	}
	if ai, ok := v.(*AuthInfo); ok {
		return ai
	}
	return nil
}

// WithAuthInfo stores the AuthInfo in a context; used by middleware and
// tests.
func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKeyAuthInfo, ai)
}

// Verifier validates bearer tokens. With an empty secret (dev mode) every
// request passes through with an anonymous principal; role checks still
// apply and will reject anonymous callers on protected routes unless
// allowAnonymous is set.
type Verifier struct {
	secret         []byte
	allowAnonymous bool
}

func NewVerifier(secret string, allowAnonymous bool) *Verifier {
	return &Verifier{secret: []byte(secret), allowAnonymous: allowAnonymous}
}

// ParseToken validates an HS256 bearer token and extracts the principal.
func (v *Verifier) ParseToken(tokenStr string) (*AuthInfo, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}

	ai := &AuthInfo{}
	if sub, err := claims.GetSubject(); err == nil {
		ai.Subject = sub
	}
	if org, ok := claims["org"].(string); ok {
		ai.OrgID = org
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				ai.Roles = append(ai.Roles, s)
			}
		}
	}
	return ai, nil
}

// Middleware extracts and validates the bearer token, placing AuthInfo in
// the request context. Requests without a token are rejected unless
// anonymous access is allowed (dev mode).
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if authz == "" {
			if v.allowAnonymous {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			http.Error(w, "bearer token required", http.StatusUnauthorized)
			return
		}
		ai, err := v.ParseToken(strings.TrimSpace(authz[7:]))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
	})
}

// HasRole reports whether the AuthInfo carries the requested role.
func HasRole(ai *AuthInfo, role string) bool {
	if ai == nil {
		return false
	}
	for _, r := range ai.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireAnyRole allows the request only when the principal holds one of
// the given roles. Mutating quarantine routes require admin or owner.
func (v *Verifier) RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai := FromContext(r.Context())
			if ai == nil {
				if v.allowAnonymous {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			for _, role := range ai.Roles {
				if _, ok := roleSet[role]; ok {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
