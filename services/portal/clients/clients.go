// services/portal/clients/clients.go
package clients

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/example/coursefee-portal/internal/card"
	"github.com/example/coursefee-portal/internal/config"
	"github.com/example/coursefee-portal/internal/gateway"
	"github.com/example/coursefee-portal/internal/grpcserver"
	"github.com/example/coursefee-portal/internal/journal"
	"github.com/example/coursefee-portal/internal/session"
	"github.com/example/coursefee-portal/internal/settlement"
	"github.com/example/coursefee-portal/services/portal/queue"
)

// Clients owns every outbound connection the portal holds.
type Clients struct {
	Ledger   *gateway.Client
	Card     card.Confirmer
	Sessions session.Store
	// Publisher is nil when neither Kafka nor Postgres is configured.
	Publisher settlement.Publisher
	Probes    map[string]grpcserver.Probe

	closers []func()
}

func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*Clients, error) {
	c := &Clients{
		Ledger: gateway.New(cfg.LedgerBaseURL,
			gateway.WithHTTPClient(&http.Client{Timeout: cfg.GatewayTimeout}),
			gateway.WithLogger(log),
		),
		Sessions: session.NewMemory(),
		Probes:   map[string]grpcserver.Probe{},
	}

	if cfg.StripeSecretKey != "" {
		c.Card = card.NewStripe(cfg.StripeSecretKey, cfg.CardReturnURL, log)
	} else {
		log.Warn("[portal] STRIPE_SECRET_KEY not set; card payments are disabled")
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("[portal] redis not reachable yet", "addr", cfg.RedisAddr, "error", err)
		}
		c.Sessions = session.NewRedis(rdb)
		c.Probes["sessions"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		c.closers = append(c.closers, func() { _ = rdb.Close() })
	}

	switch {
	case len(cfg.KafkaBrokers) > 0:
		bus := queue.New(cfg.KafkaBrokers, cfg.KafkaSettlementTopic)
		c.Publisher = bus
		c.closers = append(c.closers, func() { _ = bus.Close() })
	case cfg.DatabaseURL != "":
		pool, err := journal.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			c.Close()
			return nil, err
		}
		pg := journal.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			c.Close()
			return nil, err
		}
		c.Publisher = journal.Publisher{Store: pg}
		c.Probes["journal"] = func(ctx context.Context) error { return pool.Ping(ctx) }
		c.closers = append(c.closers, pool.Close)
	}
	return c, nil
}

func (c *Clients) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
