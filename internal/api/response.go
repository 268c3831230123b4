package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorCode classifies API failures for clients.
type ErrorCode string

const (
	ErrorCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrorCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrorCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrorCodeUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error     ErrorDetails `json:"error"`
	Timestamp string       `json:"timestamp"`
}

// ErrorDetails carries the error code and message.
type ErrorDetails struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// SuccessResponse is the standard success envelope.
type SuccessResponse struct {
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// WriteError writes the error envelope with the given status.
func WriteError(w http.ResponseWriter, statusCode int, code ErrorCode, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	d := ErrorDetails{Code: code, Message: message}
	if len(details) > 0 {
		d.Details = details[0]
	}
	resp := ErrorResponse{Error: d, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// WriteSuccess writes the success envelope with status 200.
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

// WriteSuccessStatus writes the success envelope with an explicit status.
func WriteSuccessStatus(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := SuccessResponse{Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
