package server

import (
	"encoding/json"
	"net/http"
)

// envelope is the body shape of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func writeEnvelope(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: status < http.StatusBadRequest,
		Message: message,
		Data:    data,
	})
}

func writeSuccess(w http.ResponseWriter, message string, data any) {
	writeEnvelope(w, http.StatusOK, message, data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, message, nil)
}

// writeRejection renders a rejected outcome with its designated status.
func writeRejection[T any](w http.ResponseWriter, o Outcome[T]) {
	if o.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeError(w, o.Status, o.Message)
}
