// coursefee-portal/pkg/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
)

const (
	CodeNotFound           = "NOT_FOUND"
	CodeNetwork            = "NETWORK"
	CodeValidationRejected = "VALIDATION_REJECTED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeBadResponse        = "BAD_RESPONSE"
	CodeInvalidState       = "INVALID_STATE"
	CodeBusy               = "BUSY"
	CodeBlocked            = "BLOCKED"
	CodeNoSession          = "NO_SESSION"
	CodeUnavailable        = "UNAVAILABLE"
	CodeCardDeclined       = "CARD_DECLINED"
	CodeConfig             = "CONFIG"
)

// Sentinels compare by Code only, so errors.Is(err, ErrNotFound) matches any
// E carrying CodeNotFound regardless of message or cause.
var (
	ErrNotFound           = E{Code: CodeNotFound}
	ErrNetwork            = E{Code: CodeNetwork}
	ErrValidationRejected = E{Code: CodeValidationRejected}
	ErrUnauthorized       = E{Code: CodeUnauthorized}
	ErrBadResponse        = E{Code: CodeBadResponse}
	ErrInvalidState       = E{Code: CodeInvalidState}
	ErrBusy               = E{Code: CodeBusy}
	ErrBlocked            = E{Code: CodeBlocked}
	ErrNoSession          = E{Code: CodeNoSession}
	ErrUnavailable        = E{Code: CodeUnavailable}
	ErrCardDeclined       = E{Code: CodeCardDeclined}
	ErrConfig             = E{Code: CodeConfig}
)

type E struct {
	Code    string
	Message string
	Err     error
}

func (e E) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return e.Code
	case e.Err != nil:
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e E) Unwrap() error { return e.Err }

func (e E) Is(target error) bool {
	t, ok := target.(E)
	return ok && t.Code == e.Code
}

func New(code, msg string) error {
	return E{Code: code, Message: msg}
}

func Wrap(code, msg string, err error) error {
	return E{Code: code, Message: msg, Err: err}
}

// CodeOf returns the Code of the first E in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var e E
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MessageOf returns the user-facing message of the first E in err's chain,
// falling back to err.Error().
func MessageOf(err error) string {
	var e E
	if stderrors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
