// cmd/settlement-worker/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/coursefee-portal/internal/config"
	"github.com/example/coursefee-portal/internal/journal"
	"github.com/example/coursefee-portal/internal/settlement"
	"github.com/example/coursefee-portal/services/portal/queue"
	m "github.com/example/coursefee-portal/pkg/metrics"
)

const serviceName = "settlement-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("[settlement-worker] config", "error", err)
		os.Exit(1)
	}
	log := cfg.Logger()
	slog.SetDefault(log)

	if len(cfg.KafkaBrokers) == 0 || cfg.DatabaseURL == "" {
		log.Error("[settlement-worker] KAFKA_BROKERS and DATABASE_URL are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := journal.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("[settlement-worker] database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store := journal.NewPostgres(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("[settlement-worker] schema", "error", err)
		os.Exit(1)
	}

	c := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaSettlementTopic, queue.WorkerGroup, log)
	defer c.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := getenv("METRICS_ADDR", ":9105")
		log.Info("[settlement-worker] serving metrics", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			log.Error("[settlement-worker] metrics", "error", err)
		}
	}()

	log.Info("[settlement-worker] started", "topic", cfg.KafkaSettlementTopic, "group", queue.WorkerGroup)
	if err := c.Run(ctx, record(store, log)); err != nil {
		log.Error("[settlement-worker] stopped", "error", err)
		os.Exit(1)
	}
	log.Info("[settlement-worker] stopped")
}

// record journals one event; redeliveries are no-ops.
func record(store journal.Store, log *slog.Logger) func(context.Context, settlement.Event) error {
	return func(ctx context.Context, ev settlement.Event) error {
		wrote, err := store.Record(ctx, ev)
		if err != nil {
			m.IncRequest(serviceName, "FAILED", "JOURNAL")
			return err
		}
		status := "SUCCESS"
		if !wrote {
			status = "DUPLICATE"
		}
		m.IncRequest(serviceName, status, "JOURNAL")
		log.Info("settlement journaled", "event_id", ev.EventID, "invoice_id", ev.InvoiceID,
			"outcome", ev.Outcome, "source", ev.Source, "duplicate", !wrote)
		return nil
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
