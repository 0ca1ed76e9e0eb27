package res

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// StatusError builds an ErrorResponse that carries only the HTTP status text.
// Webhook senders get nothing more specific than this.
func StatusError(status int) ErrorResponse {
	return ErrorResponse{Error: http.StatusText(status), ErrorCode: status}
}

// JsonResponse отправляет JSON-ответ с заданным статусом.
func JsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
