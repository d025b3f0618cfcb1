// Package api provides HTTP handlers for the gateway's REST surface.
package api

import (
	"encoding/json"
	"net/http"
)

// Version is the reported gateway version.
const Version = "1.0.0"

// StandardResponse is the common envelope for mutation endpoints.
type StandardResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Success writes a success envelope with optional data.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, StandardResponse{Status: "success", Data: data})
}

// Fail writes an error envelope with the given HTTP status.
func Fail(w http.ResponseWriter, status int, message string) {
	JSON(w, status, StandardResponse{Status: "error", Error: message})
}
