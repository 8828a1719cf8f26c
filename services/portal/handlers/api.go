// services/portal/handlers/api.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/flow"
	"github.com/example/coursefee-portal/internal/gateway"
	"github.com/example/coursefee-portal/internal/receipt"
	"github.com/example/coursefee-portal/internal/session"
	"github.com/example/coursefee-portal/internal/shell"
	perr "github.com/example/coursefee-portal/pkg/errors"
	"github.com/example/coursefee-portal/pkg/money"
)

const (
	HeaderSession = "X-Session-ID"
	CookieSession = "portal_session"

	DefaultFlowRetention = 10 * time.Minute
)

type Deps struct {
	Sessions   session.Store
	Flows      *flow.Registry
	Ledger     *gateway.Client
	Flow       flow.Config
	Shell      shell.Options
	Receipt    receipt.Options
	SessionTTL time.Duration
	// FlowRetention is how long a finished flow stays readable after its
	// last activity. Zero means DefaultFlowRetention.
	FlowRetention time.Duration
	// Origins allowed to open the websocket; "*" allows any.
	Origins []string
	Log     *slog.Logger
}

type feedKey struct{ sessionID, invoiceID string }

type API struct {
	d        Deps
	log      *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	mu    sync.Mutex
	feeds map[feedKey]*Feed
}

func New(d Deps) *API {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	if d.Flows == nil {
		d.Flows = flow.NewRegistry()
	}
	if d.FlowRetention <= 0 {
		d.FlowRetention = DefaultFlowRetention
	}
	return &API{
		d:        d,
		log:      log,
		validate: validator.New(),
		now:      time.Now,
		feeds:    map[feedKey]*Feed{},
	}
}

func (a *API) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", a.createSession).Methods(http.MethodPost)
	api.HandleFunc("/session", a.authed(a.getSession)).Methods(http.MethodGet)
	api.HandleFunc("/session", a.authed(a.deleteSession)).Methods(http.MethodDelete)

	f := api.PathPrefix("/flows/{invoiceId}").Subrouter()
	f.HandleFunc("", a.authed(a.openFlow)).Methods(http.MethodPost)
	f.HandleFunc("", a.authed(a.flowOp(a.view))).Methods(http.MethodGet)
	f.HandleFunc("", a.authed(a.closeFlow)).Methods(http.MethodDelete)
	f.HandleFunc("/use-balance", a.authed(a.flowOp(a.setUseBalance))).Methods(http.MethodPut)
	f.HandleFunc("/balance-amount", a.authed(a.flowOp(a.setBalanceAmount))).Methods(http.MethodPut)
	f.HandleFunc("/method", a.authed(a.flowOp(a.setMethod))).Methods(http.MethodPut)
	f.HandleFunc("/confirm", a.authed(a.flowOp(a.confirm))).Methods(http.MethodPost)
	f.HandleFunc("/card/confirm", a.authed(a.flowOp(a.confirmCard))).Methods(http.MethodPost)
	f.HandleFunc("/back", a.authed(a.flowOp(a.back))).Methods(http.MethodPost)
	f.HandleFunc("/restart", a.authed(a.flowOp(a.restart))).Methods(http.MethodPost)
	f.HandleFunc("/events", a.authed(a.events)).Methods(http.MethodGet)

	api.HandleFunc("/receipts/{invoiceId}", a.authed(a.verifyReceipt)).Methods(http.MethodGet)
}

// Shutdown closes every live flow and websocket.
func (a *API) Shutdown() {
	a.d.Flows.CloseAll()
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, f := range a.feeds {
		f.closeAll()
		delete(a.feeds, k)
	}
}

/*************** Sessions ***************/

type ctxHandler func(w http.ResponseWriter, r *http.Request, s session.Session)

func sessionID(r *http.Request) string {
	if id := r.Header.Get(HeaderSession); id != "" {
		return id
	}
	if c, err := r.Cookie(CookieSession); err == nil && c.Value != "" {
		return c.Value
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("sessionId")
}

func (a *API) authed(h ctxHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := sessionID(r)
		if id == "" {
			writeErr(w, perr.New(perr.CodeNoSession, "Please sign in again"), nil)
			return
		}
		s, err := a.d.Sessions.Get(r.Context(), id)
		if err != nil {
			writeErr(w, err, nil)
			return
		}
		h(w, r.WithContext(session.WithSession(r.Context(), s)), s)
	}
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var in SessionIn
	if err := a.decode(r, &in); err != nil {
		writeErr(w, err, nil)
		return
	}
	s, err := session.New(in.AccessToken, in.IsEducationAccount, a.d.SessionTTL, a.now())
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	if err := a.d.Sessions.Save(r.Context(), s); err != nil {
		writeErr(w, err, nil)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieSession,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	a.log.Info("session started", "session_id", s.ID, "education_account", s.IsEducationAccount)
	writeJSON(w, http.StatusCreated, SessionOut{SessionID: s.ID, IsEducationAccount: s.IsEducationAccount, ExpiresAt: s.ExpiresAt})
}

func (a *API) getSession(w http.ResponseWriter, _ *http.Request, s session.Session) {
	writeJSON(w, http.StatusOK, SessionOut{SessionID: s.ID, IsEducationAccount: s.IsEducationAccount, ExpiresAt: s.ExpiresAt})
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request, s session.Session) {
	closed := a.d.Flows.CloseSession(s.ID)
	a.mu.Lock()
	for k, f := range a.feeds {
		if k.sessionID == s.ID {
			f.closeAll()
			delete(a.feeds, k)
		}
	}
	a.mu.Unlock()
	if err := a.d.Sessions.Delete(r.Context(), s.ID); err != nil {
		writeErr(w, err, nil)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: CookieSession, Value: "", Path: "/", MaxAge: -1})
	a.log.Info("session ended", "session_id", s.ID, "flows_closed", closed)
	writeJSON(w, http.StatusOK, SessionOut{SessionID: s.ID, IsEducationAccount: s.IsEducationAccount, ExpiresAt: s.ExpiresAt, Flows: closed})
}

/*************** Flows ***************/

func (a *API) openFlow(w http.ResponseWriter, r *http.Request, s session.Session) {
	invoiceID := mux.Vars(r)["invoiceId"]
	k := feedKey{s.ID, invoiceID}
	var feed *Feed
	o, created := a.d.Flows.Open(s.ID, invoiceID, func() *flow.Orchestrator {
		feed = newFeed(a.d.Shell, a.log)
		return flow.New(a.d.Flow, flow.Options{
			InvoiceID:      invoiceID,
			BalanceAllowed: s.IsEducationAccount,
			Gateway:        a.d.Ledger.WithToken(s.AccessToken),
			Observer:       feed,
		})
	})
	if created {
		a.mu.Lock()
		if old := a.feeds[k]; old != nil {
			old.closeAll()
		}
		a.feeds[k] = feed
		a.mu.Unlock()

		if err := o.Load(r.Context()); err != nil {
			writeErr(w, err, a.outAndRelease(k, o))
			return
		}
	}
	writeJSON(w, http.StatusOK, a.out(k, o))
}

func (a *API) closeFlow(w http.ResponseWriter, r *http.Request, s session.Session) {
	invoiceID := mux.Vars(r)["invoiceId"]
	k := feedKey{s.ID, invoiceID}
	o, ok := a.d.Flows.Get(s.ID, invoiceID)
	if !ok {
		writeErr(w, errNoFlow(), nil)
		return
	}
	if r.URL.Query().Get("force") == "1" {
		o.Close()
		writeJSON(w, http.StatusOK, a.outAndRelease(k, o))
		return
	}
	if err := o.Cancel(); err != nil {
		writeErr(w, err, a.out(k, o))
		return
	}
	writeJSON(w, http.StatusOK, a.outAndRelease(k, o))
}

type flowFunc func(ctx context.Context, r *http.Request, o *flow.Orchestrator) error

// flowOp runs fn against the caller's live flow for {invoiceId} and answers
// with the resulting view, also on failure.
func (a *API) flowOp(fn flowFunc) ctxHandler {
	return func(w http.ResponseWriter, r *http.Request, s session.Session) {
		invoiceID := mux.Vars(r)["invoiceId"]
		o, ok := a.d.Flows.Get(s.ID, invoiceID)
		if !ok {
			writeErr(w, errNoFlow(), nil)
			return
		}
		k := feedKey{s.ID, invoiceID}
		if err := fn(r.Context(), r, o); err != nil {
			writeErr(w, err, a.outAndRelease(k, o))
			return
		}
		writeJSON(w, http.StatusOK, a.outAndRelease(k, o))
	}
}

func (a *API) view(context.Context, *http.Request, *flow.Orchestrator) error { return nil }

func (a *API) setUseBalance(_ context.Context, r *http.Request, o *flow.Orchestrator) error {
	var in UseBalanceIn
	if err := a.decode(r, &in); err != nil {
		return err
	}
	return o.SetUseBalance(*in.Checked)
}

func (a *API) setBalanceAmount(_ context.Context, r *http.Request, o *flow.Orchestrator) error {
	var in BalanceAmountIn
	if err := a.decode(r, &in); err != nil {
		return err
	}
	v, err := parseAmount(in.Value)
	if err != nil {
		return err
	}
	return o.SetBalanceAmount(v)
}

func (a *API) setMethod(_ context.Context, r *http.Request, o *flow.Orchestrator) error {
	var in MethodIn
	if err := a.decode(r, &in); err != nil {
		return err
	}
	m := gateway.BankTransfer
	if in.Method == "card" || in.Method == string(gateway.CreditDebitCard) {
		m = gateway.CreditDebitCard
	}
	return o.SetMethod(m)
}

func (a *API) confirm(ctx context.Context, _ *http.Request, o *flow.Orchestrator) error {
	return o.Confirm(ctx)
}

func (a *API) confirmCard(ctx context.Context, r *http.Request, o *flow.Orchestrator) error {
	var in CardConfirmIn
	if err := a.decode(r, &in); err != nil {
		return err
	}
	return o.ConfirmCard(ctx, in.PaymentMethodID)
}

func (a *API) back(_ context.Context, _ *http.Request, o *flow.Orchestrator) error {
	return o.Back()
}

func (a *API) restart(ctx context.Context, _ *http.Request, o *flow.Orchestrator) error {
	return o.Restart(ctx)
}

func (a *API) verifyReceipt(w http.ResponseWriter, r *http.Request, s session.Session) {
	invoiceID := mux.Vars(r)["invoiceId"]
	rc, err := receipt.Verify(r.Context(), a.d.Ledger.WithToken(s.AccessToken), invoiceID, a.d.Receipt)
	if err != nil {
		writeErr(w, perr.Wrap(perr.CodeUnavailable, "Receipt verification was interrupted", err), nil)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

/*************** helpers ***************/

func (a *API) out(k feedKey, o *flow.Orchestrator) *FlowOut {
	out := &FlowOut{View: shell.Build(o.Snapshot(), a.d.Shell)}
	a.mu.Lock()
	f := a.feeds[k]
	a.mu.Unlock()
	if f != nil {
		out.Notices, out.Navigation = f.take()
	}
	return out
}

// outAndRelease is out, after which a closed flow and its feed are dropped.
func (a *API) outAndRelease(k feedKey, o *flow.Orchestrator) *FlowOut {
	out := a.out(k, o)
	if o.Snapshot().State == flow.Closed {
		a.release(k, o)
	}
	return out
}

// release forgets o and, when o was still the registered flow, its feed.
func (a *API) release(k feedKey, o *flow.Orchestrator) {
	if !a.d.Flows.Remove(k.sessionID, o) {
		return
	}
	a.mu.Lock()
	f := a.feeds[k]
	delete(a.feeds, k)
	a.mu.Unlock()
	if f != nil {
		f.closeAll()
	}
}

// Sweep closes and forgets flows whose session is gone, and finished flows
// nobody has touched for FlowRetention. It returns how many it released.
func (a *API) Sweep(ctx context.Context) int {
	a.mu.Lock()
	feeds := make(map[feedKey]*Feed, len(a.feeds))
	for k, f := range a.feeds {
		feeds[k] = f
	}
	a.mu.Unlock()

	n := 0
	for k, f := range feeds {
		o, ok := a.d.Flows.Get(k.sessionID, k.invoiceID)
		if !ok {
			a.mu.Lock()
			if a.feeds[k] == f {
				delete(a.feeds, k)
				f.closeAll()
			}
			a.mu.Unlock()
			continue
		}
		_, err := a.d.Sessions.Get(ctx, k.sessionID)
		expired := perr.CodeOf(err) == perr.CodeNoSession
		st := o.Snapshot().State
		idle := (st == flow.Terminal || st == flow.Closed) && a.now().Sub(f.lastActive()) >= a.d.FlowRetention
		if !expired && !idle {
			continue
		}
		o.Close()
		a.release(k, o)
		n++
		a.log.Debug("flow released", "session_id", k.sessionID, "invoice_id", k.invoiceID,
			"session_expired", expired, "state", st)
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx ends.
func (a *API) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.Sweep(ctx); n > 0 {
				a.log.Info("released idle flows", "count", n)
			}
		}
	}
}

func (a *API) feed(k feedKey) *Feed {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.feeds[k]
}

func (a *API) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return perr.Wrap(perr.CodeValidationRejected, "Malformed request body", err)
	}
	if err := a.validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if stderrors.As(err, &ve) && len(ve) > 0 {
			return perr.New(perr.CodeValidationRejected, "Invalid "+ve[0].Field()+": "+ve[0].Tag())
		}
		return perr.Wrap(perr.CodeValidationRejected, "Invalid request", err)
	}
	return nil
}

// parseAmount accepts a JSON number, a string as typed, or null. Empty input
// is a null amount so the split can report "Please enter an amount".
func parseAmount(raw json.RawMessage) (decimal.NullDecimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.NullDecimal{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.NullDecimal{}, perr.Wrap(perr.CodeValidationRejected, "Invalid amount", err)
		}
		v, ok, err := money.Parse(s)
		if err != nil {
			return decimal.NullDecimal{}, perr.Wrap(perr.CodeValidationRejected, "Invalid amount", err)
		}
		return decimal.NullDecimal{Decimal: v, Valid: ok}, nil
	}
	var v decimal.Decimal
	if err := json.Unmarshal(raw, &v); err != nil {
		return decimal.NullDecimal{}, perr.Wrap(perr.CodeValidationRejected, "Invalid amount", err)
	}
	return decimal.NullDecimal{Decimal: v, Valid: true}, nil
}

func errNoFlow() error {
	return perr.New(perr.CodeNotFound, "No payment in progress for this invoice")
}
