package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	perr "github.com/example/coursefee-portal/pkg/errors"
	m "github.com/example/coursefee-portal/pkg/metrics"
)

const DefaultTimeout = 10 * time.Second

// Client talks to the invoice/ledger API. It holds no flow state; a Client
// bound to a session token is obtained with WithToken.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithToken returns a copy of c that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// envelope is the ledger's response wrapper: {success, data, message}.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) ok() bool { return e.Success == nil || *e.Success }

func (e envelope) hasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// FetchInvoice loads GET invoice-details?invoiceId=ID.
func (c *Client) FetchInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	env, err := c.do(ctx, "fetch_invoice", http.MethodGet, "/payments/invoice-details", invoiceID, nil, "")
	if err != nil {
		return Invoice{}, err
	}
	if !env.ok() || !env.hasData() {
		msg := env.Message
		if msg == "" {
			msg = "Failed to load invoice details"
		}
		return Invoice{}, perr.New(perr.CodeNotFound, msg)
	}
	var b invoiceBody
	if err := json.Unmarshal(env.Data, &b); err != nil {
		return Invoice{}, perr.Wrap(perr.CodeBadResponse, "decode invoice", err)
	}
	inv := Invoice{
		InvoiceID:  b.InvoiceID,
		Amount:     b.Amount.Decimal,
		Balance:    b.Balance.Decimal,
		CourseName: b.CourseName,
	}
	if inv.InvoiceID == "" {
		inv.InvoiceID = invoiceID
	}
	return inv, nil
}

// CreatePayment posts payments/create. A rejected request (success=false or
// a 4xx) is VALIDATION_REJECTED; transport failures and 5xx are NETWORK.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (PaymentIntent, error) {
	body, err := encodeCreatePayment(req)
	if err != nil {
		return PaymentIntent{}, perr.Wrap(perr.CodeValidationRejected, "encode payment", err)
	}
	env, err := c.do(ctx, "create_payment", http.MethodPost, "/payments/create", "", body, req.AttemptID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if !env.ok() || !env.hasData() {
		msg := env.Message
		if msg == "" {
			msg = "Payment creation failed."
		}
		return PaymentIntent{}, perr.New(perr.CodeValidationRejected, msg)
	}
	var b intentBody
	if err := json.Unmarshal(env.Data, &b); err != nil {
		return PaymentIntent{}, perr.Wrap(perr.CodeBadResponse, "decode payment intent", err)
	}
	return decodeIntent(req.InvoiceID, b), nil
}

// CheckStatus reads GET check-invoice-status?invoiceId=ID. Anything other than
// an explicit 1 or 0 is Pending, including success=false and missing data.
func (c *Client) CheckStatus(ctx context.Context, invoiceID string) (SettlementStatus, error) {
	env, err := c.do(ctx, "check_status", http.MethodGet, "/payments/check-invoice-status", invoiceID, nil, "")
	if err != nil {
		if perr.CodeOf(err) != perr.CodeUnauthorized {
			err = perr.Wrap(perr.CodeNetwork, "check invoice status", err)
		}
		return Pending, err
	}
	if !env.ok() {
		return Pending, nil
	}
	return DecodeStatus(env.Data), nil
}

func (c *Client) do(ctx context.Context, op, method, path, invoiceID string, body any, idemKey string) (env envelope, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = strings.ToLower(perr.CodeOf(err))
		}
		m.ObserveGatewayCall(op, outcome, time.Since(start).Seconds())
	}()

	u := c.baseURL + path
	if invoiceID != "" {
		u += "?" + url.Values{"invoiceId": {invoiceID}}.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return env, perr.Wrap(perr.CodeValidationRejected, "encode request", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return env, perr.Wrap(perr.CodeNetwork, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return env, perr.Wrap(perr.CodeNetwork, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return env, perr.Wrap(perr.CodeNetwork, "read "+op+" response", err)
	}
	// Error bodies usually still carry {message}; keep it for the user.
	_ = json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return env, perr.New(perr.CodeUnauthorized, messageOr(env, "Session expired, please sign in again"))
	case resp.StatusCode == http.StatusNotFound:
		return env, perr.New(perr.CodeNotFound, messageOr(env, "Invoice not found"))
	case resp.StatusCode >= 500:
		return env, perr.New(perr.CodeNetwork, messageOr(env, fmt.Sprintf("ledger unavailable (%d)", resp.StatusCode)))
	case resp.StatusCode >= 400:
		if op == "fetch_invoice" {
			return env, perr.New(perr.CodeNotFound, messageOr(env, "Failed to load invoice details"))
		}
		return env, perr.New(perr.CodeValidationRejected, messageOr(env, "Request rejected"))
	}

	if len(bytes.TrimSpace(raw)) > 0 && !json.Valid(raw) {
		return env, perr.New(perr.CodeBadResponse, op+": response is not JSON")
	}
	c.log.Debug("ledger call", "op", op, "invoice_id", invoiceID, "status", resp.StatusCode,
		"elapsed", time.Since(start))
	return env, nil
}

func messageOr(env envelope, fallback string) string {
	if env.Message != "" {
		return env.Message
	}
	return fallback
}
