package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/example/momento/internal/apperr"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeAppError maps err to its status and code. Server-side failures are
// logged with their cause and answered with a generic message.
func writeAppError(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, err error) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)

	message := "internal server error"
	var ae *apperr.Error
	if errors.As(err, &ae) {
		message = ae.Message
	}
	entry := log.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"error_code": code,
	}).WithError(err)
	if user, ok := userFrom(r.Context()); ok {
		entry = entry.WithField("user_id", user.ID)
	}
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
		if code == apperr.Internal {
			message = "internal server error"
		}
	} else {
		entry.Debug("request rejected")
	}
	writeError(w, status, string(code), message)
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}
