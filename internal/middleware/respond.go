package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/dukerupert/rota/internal/model"
)

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorBody{Error: msg, Code: code})
}
