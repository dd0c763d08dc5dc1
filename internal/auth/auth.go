// Package auth issues and verifies the HS256 tokens used by the REST API and
// the socket handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"wardsim/pkg/types"
)

// Claims identify a platform user.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
	OrgID  string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified caller attached to a request context.
type Identity struct {
	UserID string
	Role   string
	Email  string
	OrgID  string
}

// Actor converts the identity for authorization checks.
func (i Identity) Actor() types.Actor {
	return types.Actor{UserID: i.UserID, Role: i.Role, OrgID: i.OrgID}
}

// Authenticator signs and verifies tokens with one shared secret.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// New returns an Authenticator. ttl applies to issued tokens.
func New(secret, issuer string, ttl time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue signs a token for id.
func (a *Authenticator) Issue(id Identity) (string, error) {
	if id.UserID == "" {
		return "", ErrMissingSubject
	}
	now := a.now()
	claims := Claims{
		UserID: id.UserID,
		Role:   types.NormalizeRole(id.Role),
		Email:  id.Email,
		OrgID:  id.OrgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses a token and returns the identity it carries.
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if a.issuer != "" && claims.Issuer != "" && claims.Issuer != a.issuer {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, ErrMissingSubject
	}
	return Identity{
		UserID: userID,
		Role:   types.NormalizeRole(claims.Role),
		Email:  claims.Email,
		OrgID:  claims.OrgID,
	}, nil
}

// Inspect reads the identity from a token without checking its signature.
// Clients use it to learn who they are; only the server may trust the result.
func Inspect(tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, ErrMissingSubject
	}
	return Identity{
		UserID: userID,
		Role:   types.NormalizeRole(claims.Role),
		Email:  claims.Email,
		OrgID:  claims.OrgID,
	}, nil
}

// BearerToken extracts the token from an Authorization header, falling back
// to the "token" query parameter used by browser socket clients.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return r.URL.Query().Get("token")
}

type contextKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// IsAuthError reports whether err is a token problem (401) rather than a server fault.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingToken) || errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrMissingSubject)
}
