package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/model"
)

const maxBodyBytes = 1 << 16

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(code string) int {
	switch code {
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeValidation, model.CodeAlreadyMember, model.CodeDuplicateMember, model.CodeOwnerCannotLeave:
		return http.StatusBadRequest
	case model.CodeForbidden:
		return http.StatusForbidden
	case model.CodeUnauthorized:
		return http.StatusUnauthorized
	case model.CodeAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError translates err into the JSON error body. Internal errors are
// logged and their details withheld.
func writeError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	code := model.ErrorCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logger.Error(msg, "error", err)
		writeJSON(w, status, model.ErrorBody{Error: msg, Code: code})
		return
	}
	writeJSON(w, status, model.ErrorBody{Error: err.Error(), Code: code})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.NotValidf("request body: %v", err)
	}
	return nil
}
