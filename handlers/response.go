package handlers

import (
	"encoding/json"
	"net/http"
)

// envelope is the response wrapper every endpoint except the stage enum
// uses. StatusCode mirrors the HTTP status.
type envelope struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
	Data       any    `json:"data,omitempty"`
	Result     any    `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{StatusCode: status, Message: message})
}
