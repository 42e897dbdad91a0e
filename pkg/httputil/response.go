package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/platinummonkey/warden/pkg/errors"
)

// Response is the envelope of every JSON response
type Response struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Code    string         `json:"code,omitempty"`
	Data    any            `json:"data,omitempty"`
	Details *DenialDetails `json:"details,omitempty"`
}

// DenialDetails describes a failed authorization check. AvailableActions is
// limited to the module that was checked.
type DenialDetails struct {
	UserRole           string   `json:"userRole,omitempty"`
	RequiredPermission string   `json:"requiredPermission,omitempty"`
	AvailableActions   []string `json:"availableActions,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful response (200 OK) with data
func WriteSuccess(w http.ResponseWriter, data any) error {
	return WriteJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// WriteCreated writes a successful creation response (201 Created) with data
func WriteCreated(w http.ResponseWriter, data any) error {
	return WriteJSON(w, http.StatusCreated, Response{Success: true, Data: data})
}

// WriteSuccessMessage writes a success response with a message
func WriteSuccessMessage(w http.ResponseWriter, message string, data any) error {
	return WriteJSON(w, http.StatusOK, Response{Success: true, Message: message, Data: data})
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteAppError writes err as a failure envelope with the status of its code.
// Store failures and unclassified errors never expose their cause.
func WriteAppError(w http.ResponseWriter, err error) {
	WriteDenial(w, err, nil)
}

// WriteDenial writes err with optional denial details
func WriteDenial(w http.ResponseWriter, err error, details *DenialDetails) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()

	message := err.Error()
	switch code {
	case apperrors.CodeStoreUnavailable:
		message = "authorization service unavailable"
	case apperrors.CodeUnknown:
		message = "internal server error"
	default:
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			message = appErr.Message
		}
	}

	WriteJSON(w, status, Response{
		Success: false,
		Message: message,
		Code:    string(code),
		Details: details,
	})
}

// WriteBadRequest writes an INVALID_ARGUMENT error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteAppError(w, apperrors.New(apperrors.CodeInvalidArgument, message))
}
