package clients

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coursefee-portal/internal/config"
	"github.com/example/coursefee-portal/internal/session"
	"github.com/example/coursefee-portal/services/portal/queue"
)

func TestNewMinimal(t *testing.T) {
	c, err := New(context.Background(), config.Config{LedgerBaseURL: "http://ledger"}, slog.Default())
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Ledger)
	assert.Nil(t, c.Card, "no card provider without a key")
	assert.Nil(t, c.Publisher)
	assert.IsType(t, &session.Memory{}, c.Sessions)
	assert.Empty(t, c.Probes)
}

func TestNewWithRedisAndKafka(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), config.Config{
		LedgerBaseURL:        "http://ledger",
		StripeSecretKey:      "sk_test_x",
		RedisAddr:            mr.Addr(),
		KafkaBrokers:         []string{"localhost:9092"},
		KafkaSettlementTopic: "portal.settlements",
	}, slog.Default())
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Card)
	assert.IsType(t, &session.Redis{}, c.Sessions)
	assert.IsType(t, &queue.Bus{}, c.Publisher)
	require.Contains(t, c.Probes, "sessions")
	assert.NoError(t, c.Probes["sessions"](context.Background()))
}
