package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "github.com/example/coursefee-portal/pkg/errors"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func TestNewUsesTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	s, err := New(signed(t, now.Add(time.Hour)), true, DefaultTTL, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), s.ExpiresAt)
	assert.True(t, s.IsEducationAccount)
	assert.NotEmpty(t, s.ID)

	s, err = New(signed(t, now.Add(48*time.Hour)), false, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), s.ExpiresAt, "ttl caps long-lived tokens")

	s, err = New("opaque-token", false, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), s.ExpiresAt)

	_, err = New(signed(t, now.Add(-time.Minute)), false, time.Hour, now)
	assert.ErrorIs(t, err, perr.ErrUnauthorized)

	_, err = New("", false, time.Hour, now)
	assert.ErrorIs(t, err, perr.ErrUnauthorized)
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithSession(context.Background(), Session{ID: "s1"})
	s, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "s1", s.ID)
}

func testStore(t *testing.T, st Store, setNow func(time.Time)) {
	ctx := context.Background()
	now := time.Now()
	s := Session{ID: "s1", AccessToken: "tok", IsEducationAccount: true, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	_, err := st.Get(ctx, "s1")
	assert.ErrorIs(t, err, perr.ErrNoSession)

	require.NoError(t, st.Save(ctx, s))
	got, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)
	assert.True(t, got.IsEducationAccount)

	setNow(now.Add(2 * time.Hour))
	_, err = st.Get(ctx, "s1")
	assert.ErrorIs(t, err, perr.ErrNoSession)

	setNow(now)
	require.NoError(t, st.Save(ctx, Session{ID: "s2", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, st.Delete(ctx, "s2"))
	_, err = st.Get(ctx, "s2")
	assert.ErrorIs(t, err, perr.ErrNoSession)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	testStore(t, m, func(now time.Time) { m.now = func() time.Time { return now } })
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := NewRedis(rdb)
	testStore(t, r, func(now time.Time) { r.now = func() time.Time { return now } })

	now := time.Now()
	r.now = func() time.Time { return now }
	require.NoError(t, r.Save(context.Background(), Session{ID: "s3", ExpiresAt: now.Add(time.Minute)}))
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"s3"))

	mr.FastForward(2 * time.Minute)
	_, err := r.Get(context.Background(), "s3")
	assert.ErrorIs(t, err, perr.ErrNoSession)

	err = r.Save(context.Background(), Session{ID: "s4", ExpiresAt: now.Add(-time.Second)})
	assert.ErrorIs(t, err, perr.ErrUnauthorized)
}
