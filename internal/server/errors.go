package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"LubaLedger/internal/core"
	"LubaLedger/internal/query"
)

var (
	errFaucetDisabled = errors.New("faucet disabled")
	errRateLimited    = errors.New("faucet rate limit exceeded")
	errQueryDisabled  = errors.New("query service unavailable")
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps an error to its HTTP status by kind.
func statusFor(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrNotFound), errors.Is(err, errFaucetDisabled):
		return http.StatusNotFound
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errQueryDisabled):
		return http.StatusServiceUnavailable
	}

	switch core.ErrorKind(err) {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindState:
		return http.StatusConflict
	case core.KindAuthentication:
		return http.StatusUnauthorized
	case core.KindAuthorization:
		return http.StatusForbidden
	case core.KindResource:
		return http.StatusUnprocessableEntity
	case core.KindDuplicate:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	kind := core.ErrorKind(err).String()
	var re *requestError
	if errors.As(err, &re) {
		kind = core.KindValidation.String()
	}
	if status == http.StatusOK {
		// A duplicate write is acknowledged with no effect.
		writeJSON(w, status, map[string]string{"status": "duplicate"})
		return
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// requestError is a malformed request: bad path parameter, body or header.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}
