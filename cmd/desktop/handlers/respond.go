// Package handlers provides REST API handlers for the desktop host.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/logging"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

// writeError maps an application error code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrInvalid:
		status = http.StatusBadRequest
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrDuplicateID:
		status = http.StatusConflict
	}

	msg := err.Error()
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}

	writeJSON(w, status, errorBody{Code: string(code), Message: msg})
}
