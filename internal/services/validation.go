package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/whisprapp/wallet/internal/payments"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error code or message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		var verrs validator.ValidationErrors
		if errors.As(validationErr, &verrs) {
			errorResp.Details = make(map[string]string)
			for _, err := range verrs {
				errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
			}
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendServiceError maps the wallet error taxonomy to an HTTP response with a
// stable error code. Unrecognized errors become an opaque 500.
func SendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrEmptyDescription):
		SendErrorResponse(w, "INVALID_AMOUNT", http.StatusBadRequest, nil)
	case errors.Is(err, ErrInsufficientFunds):
		SendErrorResponse(w, "INSUFFICIENT_FUNDS", http.StatusUnprocessableEntity, nil)
	case errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, "ACCOUNT_NOT_FOUND", http.StatusNotFound, nil)
	case errors.Is(err, ErrAccountDisabled):
		SendErrorResponse(w, "ACCOUNT_DISABLED", http.StatusForbidden, nil)
	case errors.Is(err, ErrDuplicateReference):
		SendErrorResponse(w, "DUPLICATE_REFERENCE", http.StatusConflict, nil)
	case errors.Is(err, ErrConcurrencyConflict):
		SendErrorResponse(w, "CONCURRENCY_CONFLICT", http.StatusConflict, nil)
	case errors.Is(err, payments.ErrProviderUnavailable):
		SendErrorResponse(w, "PROVIDER_UNAVAILABLE", http.StatusBadGateway, nil)
	case errors.Is(err, payments.ErrUnknownProvider):
		SendErrorResponse(w, "UNKNOWN_PROVIDER", http.StatusBadRequest, nil)
	default:
		SendErrorResponse(w, "INTERNAL_ERROR", http.StatusInternalServerError, nil)
	}
}
