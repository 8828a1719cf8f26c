// services/portal/handlers/errors.go
package handlers

import (
	"encoding/json"
	"net/http"

	perr "github.com/example/coursefee-portal/pkg/errors"
)

func statusOf(err error) int {
	switch perr.CodeOf(err) {
	case perr.CodeValidationRejected:
		return http.StatusBadRequest
	case perr.CodeNoSession, perr.CodeUnauthorized:
		return http.StatusUnauthorized
	case perr.CodeNotFound:
		return http.StatusNotFound
	case perr.CodeBusy, perr.CodeInvalidState, perr.CodeBlocked:
		return http.StatusConflict
	case perr.CodeCardDeclined:
		return http.StatusPaymentRequired
	case perr.CodeNetwork, perr.CodeBadResponse, perr.CodeUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error, out *FlowOut) {
	code := perr.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
	}
	writeJSON(w, statusOf(err), ErrorOut{Error: code, Message: perr.MessageOf(err), View: out})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
