package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	perr "github.com/example/coursefee-portal/pkg/errors"
)

const keyPrefix = "portal:session:"

// Redis stores sessions as JSON with a TTL matching ExpiresAt, so expired
// sessions disappear on their own.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func (r *Redis) Save(ctx context.Context, s Session) error {
	ttl := s.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return perr.New(perr.CodeUnauthorized, "Session has already expired")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, keyPrefix+s.ID, b, ttl).Err(); err != nil {
		return perr.Wrap(perr.CodeUnavailable, "save session", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (Session, error) {
	raw, err := r.rdb.Get(ctx, keyPrefix+id).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return Session{}, errNoSession()
	}
	if err != nil {
		return Session{}, perr.Wrap(perr.CodeUnavailable, "load session", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, errNoSession()
	}
	if s.Expired(r.now()) {
		return Session{}, errNoSession()
	}
	return s, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return perr.Wrap(perr.CodeUnavailable, "delete session", err)
	}
	return nil
}
