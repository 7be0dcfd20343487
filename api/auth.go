/*
auth.go - JWT bearer authentication and password handling

PURPOSE:
  Issues and validates HS256 bearer tokens, hashes passwords with bcrypt,
  and provides the two middleware gates the router uses: RequireAuth (valid
  token) and RequireAdmin (admin role on top of that).

TOKEN SHAPE:
  Claims carry the member id and role. Members may only read their own
  resources; admins may read anyone's and hit the admin routes.

SEE ALSO:
  - server.go: Where the middleware is mounted
  - handlers.go: Login/registration endpoints
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// TOKENS
// =============================================================================

// Claims is the JWT payload.
type Claims struct {
	MemberID string `json:"member_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool { return c.Role == "admin" }

// Auth issues and validates bearer tokens.
type Auth struct {
	secret []byte
	ttl    time.Duration
}

// NewAuth creates an authenticator with a 24h token lifetime.
func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret), ttl: 24 * time.Hour}
}

// IssueToken creates a signed token for the member.
func (a *Auth) IssueToken(memberID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		MemberID: memberID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   memberID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken validates a token string and returns its claims.
func (a *Auth) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// =============================================================================
// PASSWORDS
// =============================================================================

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type claimsKey struct{}

// ClaimsFrom extracts the authenticated claims from a request context.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// RequireAuth validates the Authorization header and stores the claims in
// the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		claims, err := a.ParseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", nil)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin checks that the authenticated caller has the admin role.
// Mount after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok || !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// canAccessMember reports whether the caller may act on the given member's
// resources: admins always, members only on themselves.
func canAccessMember(ctx context.Context, memberID string) bool {
	claims, ok := ClaimsFrom(ctx)
	if !ok {
		return false
	}
	return claims.IsAdmin() || claims.MemberID == memberID
}
