// coursefee-portal/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/coursefee-portal/internal/config"
	"github.com/example/coursefee-portal/internal/flow"
	"github.com/example/coursefee-portal/internal/grpcserver"
	"github.com/example/coursefee-portal/internal/receipt"
	"github.com/example/coursefee-portal/internal/shell"
	"github.com/example/coursefee-portal/services/portal/clients"
	"github.com/example/coursefee-portal/services/portal/handlers"
	m "github.com/example/coursefee-portal/pkg/metrics"
)

const serviceName = "portal"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("[portal] config", "error", err)
		os.Exit(1)
	}
	log := cfg.Logger()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := clients.New(ctx, cfg, log)
	if err != nil {
		log.Error("[portal] init clients", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	api := handlers.New(handlers.Deps{
		Sessions: deps.Sessions,
		Flows:    flow.NewRegistry(),
		Ledger:   deps.Ledger,
		Flow: flow.Config{
			PollInterval: cfg.PollInterval,
			PollCeiling:  cfg.PollCeiling,
			Card:         deps.Card,
			Publisher:    deps.Publisher,
			Log:          log,
		},
		Shell:         shell.Options{CurrencyPrefix: cfg.CurrencyPrefix, Location: time.Local},
		Receipt:       receipt.Options{Retries: cfg.ReceiptRetries, RetryDelay: cfg.ReceiptRetryDelay, Log: log},
		SessionTTL:    cfg.SessionTTL,
		FlowRetention: cfg.FlowRetention,
		Origins:       cfg.CORSOrigins,
		Log:           log,
	})
	go api.RunSweeper(ctx, time.Minute)

	r := mux.NewRouter()
	r.Use(m.Middleware(serviceName))
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      true,
			"service": serviceName,
			"ts":      time.Now().UTC(),
		})
	}).Methods(http.MethodGet)
	api.Register(r)

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", handlers.HeaderSession},
		AllowCredentials: true,
	}).Handler(r)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health
	health := grpcserver.New(log)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error("[portal] grpc listen", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		log.Info("[portal] serving gRPC health", "addr", cfg.GRPCAddr)
		if err := health.Serve(lis); err != nil {
			log.Error("[portal] grpc serve", "error", err)
		}
	}()
	go health.Watch(ctx, 15*time.Second, deps.Probes)

	go func() {
		log.Info("[portal] listening", "addr", cfg.HTTPAddr, "ledger", cfg.LedgerBaseURL,
			"card_enabled", deps.Card != nil, "events_enabled", deps.Publisher != nil)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("[portal] http serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("[portal] shutting down")
	health.SetServing("", false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	api.Shutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("[portal] http shutdown", "error", err)
	}
	health.Stop()
}
