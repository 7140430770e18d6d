package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"disputeflow/access"
	"disputeflow/auth"
	"disputeflow/dispute"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeOK(w http.ResponseWriter, status int, key string, v any) {
	writeJSON(w, status, map[string]any{"request_id": newRequestID(), key: v})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"request_id": newRequestID(),
		"error": map[string]any{
			"code": code, "message": message,
		},
	})
}

// writeFailure maps ledger, access and auth errors onto HTTP statuses.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var domainErr *dispute.Error
	switch {
	case errors.Is(err, dispute.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &domainErr):
		status, code := statusForKind(domainErr.Kind)
		writeError(w, status, code, domainErr.Error())
	case errors.Is(err, access.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "PERMISSION_DENIED", err.Error())
	case errors.Is(err, access.ErrLastAdmin):
		writeError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, access.ErrInvalidRole), errors.Is(err, auth.ErrInvalidAddress), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.Is(err, auth.ErrDuplicateAddress):
		writeError(w, http.StatusConflict, "ALREADY_DONE", err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
	default:
		log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func statusForKind(kind error) (int, string) {
	switch kind {
	case dispute.ErrPermission:
		return http.StatusForbidden, "PERMISSION_DENIED"
	case dispute.ErrState:
		return http.StatusConflict, "INVALID_STATE"
	case dispute.ErrAlreadyDone:
		return http.StatusConflict, "ALREADY_DONE"
	case dispute.ErrInsufficientFunds:
		return http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"
	default:
		return http.StatusBadRequest, "VALIDATION"
	}
}

// parseAmount reads a non-negative decimal string. Empty yields nil.
func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative decimal integer", field)
	}
	return v, nil
}

func formatAmount(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
