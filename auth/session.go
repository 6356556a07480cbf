// Package auth turns the opaque session token presented by the storefront
// into a Session carried on the request context. Tokens are HS256 JWTs;
// issuance lives here only for development and tests.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/warp/coinshop/commerce"
)

const DefaultTTL = 24 * time.Hour

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Session is an authenticated caller.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// Issuer signs and verifies session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for userID.
func (i *Issuer) Issue(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", commerce.ErrValidation)
	}
	now := i.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Parse verifies a token. Every failure unwraps to commerce.ErrUnauthenticated.
func (i *Issuer) Parse(tokenString string) (Session, error) {
	if tokenString == "" {
		return Session{}, fmt.Errorf("%w: missing session token", commerce.ErrUnauthenticated)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return Session{}, fmt.Errorf("%w: %v", commerce.ErrUnauthenticated, err)
	}
	if claims.UserID == "" {
		return Session{}, fmt.Errorf("%w: token has no user", commerce.ErrUnauthenticated)
	}
	s := Session{UserID: claims.UserID, Token: tokenString}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// =============================================================================
// CONTEXT
// =============================================================================

type ctxKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok && s.UserID != ""
}

// Require returns the session or commerce.ErrUnauthenticated.
func Require(ctx context.Context) (Session, error) {
	s, ok := FromContext(ctx)
	if !ok {
		return Session{}, commerce.ErrUnauthenticated
	}
	return s, nil
}

// =============================================================================
// HTTP
// =============================================================================

// TokenFromRequest reads "Authorization: Bearer <token>", falling back to
// the token query parameter (websocket clients cannot set headers).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok := strings.TrimPrefix(h, "Bearer "); tok != h {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware attaches the session or rejects the request through onErr.
func (i *Issuer) Middleware(onErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := i.Parse(TokenFromRequest(r))
			if err != nil {
				onErr(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}
