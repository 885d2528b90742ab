package json

import (
	"encoding/json"
	"net/http"

	"github.com/dgellow/contentdesk/internal/log"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, error string, message string) {
	writeErrorResponse(w, statusCode, ErrorResponse{Error: error, Message: message})
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, response ErrorResponse) {
	if err := WriteResponse(w, statusCode, response); err != nil {
		// Fallback to plain text error if JSON encoding fails
		http.Error(w, response.Error+": "+response.Message, statusCode)
	}
}

// Common error responses
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

// WriteUnauthorizedRedirect writes a 401 that tells API clients where a browser would have been sent
func WriteUnauthorizedRedirect(w http.ResponseWriter, message, redirect string) {
	writeErrorResponse(w, http.StatusUnauthorized, ErrorResponse{
		Error:    "unauthorized",
		Message:  message,
		Redirect: redirect,
	})
}

// WritePaymentRequired writes a 402 for authenticated users without an active subscription
func WritePaymentRequired(w http.ResponseWriter, message, redirect string) {
	writeErrorResponse(w, http.StatusPaymentRequired, ErrorResponse{
		Error:    "payment_required",
		Message:  message,
		Redirect: redirect,
	})
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}

func WriteBadGateway(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, "bad_gateway", message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, "service_unavailable", message)
}
