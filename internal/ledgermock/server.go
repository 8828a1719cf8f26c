// Package ledgermock is an in-memory stand-in for the invoice/ledger backend.
// It serves the three endpoints the portal depends on and settles payments
// after a configurable number of status checks.
package ledgermock

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/gateway"
)

type Invoice struct {
	ID         string
	CourseName string
	Amount     decimal.Decimal
	Balance    decimal.Decimal
}

// CreateRecord is one accepted payments/create call as the ledger saw it.
type CreateRecord struct {
	InvoiceID         string
	IsUseBalance      bool
	AmountFromBalance decimal.Decimal
	IsUseExternal     bool
	PaymentMethod     int
	IdempotencyKey    string
}

type Config struct {
	// SettleAfter is how many status checks report pending before the
	// payment settles.
	SettleAfter int
	// FailRate (0.0–1.0) is the chance a settling payment fails.
	FailRate float64
	// Latency is added to every request.
	Latency time.Duration
	// Token, when set, is the only bearer token accepted.
	Token string
	// QRTTL sets expiresAt on bank-transfer intents; zero omits it.
	QRTTL time.Duration
}

type record struct {
	inv      Invoice
	paid     bool
	payment  *CreateRecord
	checks   int
	script   []int
	outcome  *int
	creates  []CreateRecord
	idemKeys map[string]bool
}

type Server struct {
	cfg Config

	mu       sync.Mutex
	invoices map[string]*record
	rnd      *rand.Rand
	router   *mux.Router
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		invoices: map[string]*record{},
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1/payments").Subrouter()
	api.Use(s.auth)
	api.HandleFunc("/invoice-details", s.invoiceDetails).Methods(http.MethodGet)
	api.HandleFunc("/create", s.createPayment).Methods(http.MethodPost)
	api.HandleFunc("/check-invoice-status", s.checkStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "ledger-mock"})
	}).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Seed upserts invoices.
func (s *Server) Seed(invs ...Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range invs {
		s.invoices[inv.ID] = &record{inv: inv, idemKeys: map[string]bool{}}
	}
}

// Script fixes the status codes returned by successive status checks for an
// invoice; the last code repeats. It overrides SettleAfter and FailRate.
func (s *Server) Script(invoiceID string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.invoices[invoiceID]; ok {
		rec.script = append([]int(nil), codes...)
	}
}

func (s *Server) Creates(invoiceID string) []CreateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.invoices[invoiceID]; ok {
		return append([]CreateRecord(nil), rec.creates...)
	}
	return nil
}

func (s *Server) StatusChecks(invoiceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.invoices[invoiceID]; ok {
		return rec.checks
	}
	return 0
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Latency > 0 {
			time.Sleep(s.cfg.Latency)
		}
		if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeJSON(w, http.StatusUnauthorized, fail("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) invoiceDetails(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("invoiceId")
	s.mu.Lock()
	rec, ok := s.invoices[id]
	var inv Invoice
	if ok {
		inv = rec.inv
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, fail("Invoice not found"))
		return
	}
	writeJSON(w, http.StatusOK, okData(map[string]any{
		"invoiceId":  inv.ID,
		"amount":     json.Number(inv.Amount.String()),
		"balance":    json.Number(inv.Balance.String()),
		"courseName": inv.CourseName,
	}))
}

type createIn struct {
	InvoiceID         string          `json:"invoiceId"`
	IsUseBalance      bool            `json:"isUseBalance"`
	AmountFromBalance decimal.Decimal `json:"amountFromBalance"`
	IsUseExternal     bool            `json:"isUseExternal"`
	PaymentMethod     int             `json:"paymentMethod"`
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	var in createIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, fail("bad_json"))
		return
	}
	idem := r.Header.Get("Idempotency-Key")

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.invoices[in.InvoiceID]
	if !ok {
		writeJSON(w, http.StatusNotFound, fail("Invoice not found"))
		return
	}
	if msg := validateCreate(rec, in); msg != "" {
		writeJSON(w, http.StatusBadRequest, fail(msg))
		return
	}

	cr := CreateRecord{
		InvoiceID:         in.InvoiceID,
		IsUseBalance:      in.IsUseBalance,
		AmountFromBalance: in.AmountFromBalance,
		IsUseExternal:     in.IsUseExternal,
		PaymentMethod:     in.PaymentMethod,
		IdempotencyKey:    idem,
	}
	if idem == "" || !rec.idemKeys[idem] {
		rec.creates = append(rec.creates, cr)
		if idem != "" {
			rec.idemKeys[idem] = true
		}
	}
	rec.payment = &cr
	rec.checks = 0
	rec.outcome = nil

	external := rec.inv.Amount.Sub(in.AmountFromBalance)
	method, _ := gateway.DecodeMethod(in.PaymentMethod)
	out := map[string]any{"amount": json.Number(external.String())}
	switch method {
	case gateway.AccountBalance:
		out["amount"] = json.Number(in.AmountFromBalance.String())
	case gateway.CreditDebitCard:
		out["clientSecret"] = fmt.Sprintf("pi_%s_secret_%s", compactID(), compactID())
	case gateway.BankTransfer:
		out["qrCodeUrl"] = "https://qr.example.test/" + rec.inv.ID + ".png"
		out["hostedInstructionsUrl"] = "https://pay.example.test/instructions/" + rec.inv.ID
		if s.cfg.QRTTL > 0 {
			out["expiresAt"] = time.Now().Add(s.cfg.QRTTL).UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, okData(out))
}

func validateCreate(rec *record, in createIn) string {
	if rec.paid {
		return "Invoice already paid"
	}
	if _, err := gateway.DecodeMethod(in.PaymentMethod); err != nil {
		return "Unsupported payment method"
	}
	if in.AmountFromBalance.IsNegative() {
		return "Amount cannot be negative"
	}
	if in.AmountFromBalance.GreaterThan(rec.inv.Balance) {
		return "Insufficient balance"
	}
	if in.AmountFromBalance.GreaterThan(rec.inv.Amount) {
		return "Cannot pay more than amount due"
	}
	if in.IsUseBalance != in.AmountFromBalance.IsPositive() {
		return "isUseBalance does not match amountFromBalance"
	}
	external := rec.inv.Amount.Sub(in.AmountFromBalance).IsPositive()
	if in.IsUseExternal != external {
		return "isUseExternal does not match the remaining amount"
	}
	if !external && in.PaymentMethod != 0 {
		return "Balance-only payments must use AccountBalance"
	}
	if external && in.PaymentMethod == 0 {
		return "An external method is required"
	}
	return ""
}

func (s *Server) checkStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("invoiceId")
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.invoices[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, fail("Invoice not found"))
		return
	}
	rec.checks++

	if len(rec.script) > 0 {
		i := rec.checks - 1
		if i >= len(rec.script) {
			i = len(rec.script) - 1
		}
		code := rec.script[i]
		if code == 1 {
			rec.paid = true
		}
		writeJSON(w, http.StatusOK, okData(code))
		return
	}

	if rec.payment == nil {
		writeJSON(w, http.StatusOK, okData(nil))
		return
	}
	if rec.outcome == nil && rec.checks > s.cfg.SettleAfter {
		code := 1
		if s.rnd.Float64() < s.cfg.FailRate {
			code = 0
		}
		rec.outcome = &code
		if code == 1 {
			rec.paid = true
			rec.inv.Balance = rec.inv.Balance.Sub(rec.payment.AmountFromBalance)
		}
	}
	if rec.outcome == nil {
		writeJSON(w, http.StatusOK, okData(gateway.EncodeStatus(gateway.Pending)))
		return
	}
	writeJSON(w, http.StatusOK, okData(*rec.outcome))
}

func okData(data any) map[string]any {
	return map[string]any{"success": true, "data": data}
}

func fail(msg string) map[string]any {
	return map[string]any{"success": false, "message": msg}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func compactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
