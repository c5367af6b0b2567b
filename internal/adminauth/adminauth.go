// Package adminauth is the thin administrator-authentication boundary
// named in the specification's non-goals: a bearer-token check standing
// in for the full login/TOTP/CSRF stack, present only so the external
// HTTP surface's 401 exit code has something real behind it.
//
// Grounded on the teacher's internal/auth/auth.go (payload/authenticator/
// authorizator shape, Bearer token-lookup convention) but built on
// github.com/golang-jwt/jwt/v5 directly instead of the teacher's unwired
// github.com/appleboy/gin-jwt/v2 dependency — see DESIGN.md for why the
// teacher's package was replaced rather than kept.
package adminauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned by Verify for any malformed, expired, or
// badly-signed token.
var ErrInvalidToken = errors.New("adminauth: invalid or expired token")

const (
	issuer        = "vpnctl"
	tokenLifetime = time.Hour
)

// Issuer mints and verifies admin session tokens against a single shared
// signing secret (SESSION_SECRET), mirroring the teacher's single-realm
// JWTMiddleware but without gin-jwt's login/refresh endpoints. Issuer
// checks no credentials itself, and the HTTP surface has no login route:
// tokens are minted only by code that calls Issue directly.
type Issuer struct {
	secret []byte
}

// NewIssuer builds an Issuer over the configured session secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// claims is the token payload: just enough to identify the admin and let
// the token expire, matching the teacher's minimal IdentityKey claim.
type claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Issue mints a signed bearer token for username, valid for one hour.
func (i *Issuer) Issue(username string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
		Username: username,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("adminauth: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates tok, returning the admin username it was
// issued for.
func (i *Issuer) Verify(tok string) (string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(tok, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	return c.Username, nil
}

// usernameKey is the gin context key RequireAdmin stores the verified
// username under, retrievable by handlers via Username(c).
const usernameKey = "adminauth.username"

// RequireAdmin is gin middleware enforcing a valid `Authorization: Bearer
// <token>` header, matching the teacher's TokenLookup/TokenHeadName
// convention. Responds 401 and aborts the chain on any failure.
func (i *Issuer) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		username, err := i.Verify(strings.TrimPrefix(header, prefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(usernameKey, username)
		c.Next()
	}
}

// Username returns the verified admin username RequireAdmin stored on c,
// or the empty string if the middleware never ran.
func Username(c *gin.Context) string {
	v, _ := c.Get(usernameKey)
	s, _ := v.(string)
	return s
}
