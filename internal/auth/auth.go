// Package auth verifies bearer tokens and produces the authenticated Session
// that is threaded explicitly through socket and REST handlers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/courier/internal/apperr"
)

// Role is the coarse permission level carried by a token.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
)

// Session is the verified identity of a caller.
type Session struct {
	UserID string
	Role   Role
}

// IsModerator reports whether the session may use the admin surface.
func (s Session) IsModerator() bool {
	return s.Role == RoleModerator
}

// Claims is the JWT payload. The user ID is the standard "sub" claim.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies and issues HS256 tokens.
type Authenticator struct {
	secret []byte
	issuer string
	nowFn  func() time.Time
}

// NewAuthenticator creates an Authenticator. An empty issuer disables the
// issuer check.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, nowFn: time.Now}
}

// Verify parses and validates token and returns its Session.
func (a *Authenticator) Verify(token string) (Session, error) {
	if token == "" {
		return Session{}, apperr.Unauthenticated("missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.nowFn),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, apperr.Wrap(apperr.CodeAuthentication, "token expired", err)
		}
		return Session{}, apperr.Wrap(apperr.CodeAuthentication, "invalid token", err)
	}
	if claims.Subject == "" {
		return Session{}, apperr.Unauthenticated("token has no subject")
	}

	role := Role(claims.Role)
	if role != RoleModerator {
		role = RoleUser
	}
	return Session{UserID: claims.Subject, Role: role}, nil
}

// Issue signs a token for userID valid for ttl. The service itself never
// hands tokens to clients; this is used by tests and local tooling.
func (a *Authenticator) Issue(userID string, role Role, ttl time.Duration) (string, error) {
	now := a.nowFn()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter used by browser WebSocket
// clients that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate verifies the token carried by r.
func (a *Authenticator) Authenticate(r *http.Request) (Session, error) {
	return a.Verify(TokenFromRequest(r))
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the Session stored by NewContext.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(contextKey{}).(Session)
	return s, ok
}
