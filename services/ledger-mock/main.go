// services/ledger-mock/main.go
package main

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/ledgermock"
	m "github.com/example/coursefee-portal/pkg/metrics"
)

const serviceName = "ledger-mock"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	srv := ledgermock.New(ledgermock.Config{
		SettleAfter: getInt("SETTLE_AFTER", 2),
		FailRate:    failRate(),
		Latency:     time.Duration(getInt("LATENCY_MS", 0)) * time.Millisecond,
		Token:       os.Getenv("LEDGER_TOKEN"),
		QRTTL:       getDuration("QR_TTL", 10*time.Minute),
	})

	if path := os.Getenv("SEED_CSV"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Error("[ledger-mock] open seed", "path", path, "error", err)
			os.Exit(1)
		}
		n, err := srv.LoadCSV(f)
		f.Close()
		if err != nil {
			log.Error("[ledger-mock] load seed", "path", path, "error", err)
			os.Exit(1)
		}
		log.Info("[ledger-mock] seeded invoices", "count", n, "path", path)
	} else {
		srv.Seed(demoInvoices()...)
		log.Info("[ledger-mock] seeded demo invoices", "count", len(demoInvoices()))
	}

	r := mux.NewRouter()
	r.Use(m.Middleware(serviceName))
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(srv)

	addr := getEnv("HTTP_ADDR", ":8081")
	log.Info("[ledger-mock] listening", "addr", addr, "fail_rate", failRate())
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Error("[ledger-mock] serve", "error", err)
		os.Exit(1)
	}
}

func demoInvoices() []ledgermock.Invoice {
	return []ledgermock.Invoice{
		{ID: "INV-000001", CourseName: "Data Analytics with Python", Amount: decimal.NewFromInt(1200), Balance: decimal.NewFromInt(1500)},
		{ID: "INV-000002", CourseName: "Cloud Fundamentals", Amount: decimal.RequireFromString("850.50"), Balance: decimal.NewFromInt(300)},
		{ID: "INV-000003", CourseName: "UX Design Basics", Amount: decimal.NewFromInt(640), Balance: decimal.Zero},
	}
}

/******************** Utils ********************/
func getEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getInt(k string, d int) int {
	if v, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return v
	}
	return d
}

func getDuration(k string, d time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return v
	}
	return d
}

// failRate reads FAIL_RATE (0.0-1.0); anything else means no failures.
func failRate() float64 {
	if v := os.Getenv("FAIL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return 0.0
}

