package utils

import (
	"encoding/json"
	"net/http"
)

// APIError represents an API error
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// NewAPIError creates a new API error
func NewAPIError(message string, status int) *APIError {
	return &APIError{
		Status:  status,
		Message: message,
	}
}

// SendErrorResponse sends an error response
func SendErrorResponse(w http.ResponseWriter, err *APIError) {
	writeJSON(w, err.Status, map[string]string{
		"status":  "error",
		"message": err.Message,
	})
}

// SendSuccessResponse sends a success response
func SendSuccessResponse(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   data,
	})
}

// SendAck acknowledges an ingest request. action tells the agent what the
// collector did with it.
func SendAck(w http.ResponseWriter, message, action string) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
		"action":  action,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
