// Package config reads portal settings from the environment, after loading
// an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	perr "github.com/example/coursefee-portal/pkg/errors"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	LedgerBaseURL  string
	GatewayTimeout time.Duration

	PollInterval time.Duration
	PollCeiling  time.Duration

	ReceiptRetries    int
	ReceiptRetryDelay time.Duration

	StripeSecretKey string
	CardReturnURL   string

	RedisAddr     string
	SessionTTL    time.Duration
	FlowRetention time.Duration

	KafkaBrokers         []string
	KafkaSettlementTopic string

	DatabaseURL string

	CurrencyPrefix string
	CORSOrigins    []string
	LogLevel       slog.Level
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	p := parser{}
	c := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:             getenv("GRPC_ADDR", ":9090"),
		LedgerBaseURL:        getenv("LEDGER_BASE_URL", "http://localhost:8081/api/v1"),
		GatewayTimeout:       p.duration("GATEWAY_TIMEOUT", 10*time.Second),
		PollInterval:         p.duration("POLL_INTERVAL", 3*time.Second),
		PollCeiling:          p.duration("POLL_CEILING", 30*time.Second),
		ReceiptRetries:       p.integer("RECEIPT_RETRIES", 5),
		ReceiptRetryDelay:    p.duration("RECEIPT_RETRY_DELAY", 2*time.Second),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		CardReturnURL:        os.Getenv("CARD_RETURN_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		SessionTTL:           p.duration("SESSION_TTL", 12*time.Hour),
		FlowRetention:        p.duration("FLOW_RETENTION", 10*time.Minute),
		KafkaBrokers:         list(os.Getenv("KAFKA_BROKERS")),
		KafkaSettlementTopic: getenv("KAFKA_SETTLEMENT_TOPIC", "portal.settlements"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		CurrencyPrefix:       getenv("CURRENCY_PREFIX", "S$"),
		CORSOrigins:          list(getenv("CORS_ORIGINS", "*")),
		LogLevel:             p.level("LOG_LEVEL", slog.LevelInfo),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if c.PollInterval <= 0 || c.PollCeiling < c.PollInterval {
		return Config{}, perr.New(perr.CodeConfig, "POLL_CEILING must be at least POLL_INTERVAL")
	}
	if c.ReceiptRetries < 0 {
		return Config{}, perr.New(perr.CodeConfig, "RECEIPT_RETRIES cannot be negative")
	}
	return c, nil
}

// Logger returns a JSON slog logger on stderr at the configured level.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func list(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parser keeps the first bad value so Load reports one error.
type parser struct{ err error }

func (p *parser) fail(k, v string, err error) {
	if p.err == nil {
		p.err = perr.Wrap(perr.CodeConfig, fmt.Sprintf("invalid %s=%q", k, v), err)
	}
}

func (p *parser) duration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		p.fail(k, v, err)
		return d
	}
	return out
}

func (p *parser) integer(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		p.fail(k, v, err)
		return d
	}
	return out
}

func (p *parser) level(k string, d slog.Level) slog.Level {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.fail(k, v, err)
		return d
	}
	return l
}
