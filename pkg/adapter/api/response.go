package api

import (
	"encoding/json"
	"net/http"
)

// Response is the standard envelope for every API payload.
type Response struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{
		Status: "error",
		Error:  msg,
	})
}
