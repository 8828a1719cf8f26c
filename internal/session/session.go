// Package session is the authentication context the portal injects into
// every flow: the bearer token forwarded to the ledger and the
// education-account flag that gates balance payments.
package session

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	perr "github.com/example/coursefee-portal/pkg/errors"
)

const DefaultTTL = 12 * time.Hour

type Session struct {
	ID                 string    `json:"id"`
	AccessToken        string    `json:"accessToken"`
	IsEducationAccount bool      `json:"isEducationAccount"`
	CreatedAt          time.Time `json:"createdAt"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

func (s Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// Store keeps sessions between requests. Get returns a NO_SESSION error for
// unknown or expired ids.
type Store interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
}

// New starts a session for accessToken. The session never outlives ttl, nor
// the token's own exp claim when the token is a JWT. The token is not
// verified here; the ledger does that on every call.
func New(accessToken string, isEducationAccount bool, ttl time.Duration, now time.Time) (Session, error) {
	if accessToken == "" {
		return Session{}, perr.New(perr.CodeUnauthorized, "Access token is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expires := now.Add(ttl)
	if exp, ok := tokenExpiry(accessToken); ok {
		if !now.Before(exp) {
			return Session{}, perr.New(perr.CodeUnauthorized, "Access token has expired")
		}
		if exp.Before(expires) {
			expires = exp
		}
	}
	return Session{
		ID:                 uuid.NewString(),
		AccessToken:        accessToken,
		IsEducationAccount: isEducationAccount,
		CreatedAt:          now.UTC(),
		ExpiresAt:          expires.UTC(),
	}, nil
}

func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

type ctxKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}

func errNoSession() error {
	return perr.New(perr.CodeNoSession, "Please sign in again")
}
