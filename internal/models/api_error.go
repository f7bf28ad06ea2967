package models

import "fmt"

// ErrorCode is the machine-readable part of an APIError.
type ErrorCode string

const (
	ErrorCodeInternalServerError ErrorCode = "internal_server_error"
	ErrorCodeBadRequest          ErrorCode = "bad_request"
	ErrorCodeUnauthorized        ErrorCode = "unauthorized"
	ErrorCodeBadGateway          ErrorCode = "bad_gateway"
	ErrorCodeUnavailable         ErrorCode = "unavailable"

	// Session and login
	ErrorCodeInvalidCredentials ErrorCode = "invalid_credentials"
	ErrorCodeInvalidSession     ErrorCode = "invalid_session"

	// Query and payload validation
	ErrorCodeMissingParameter ErrorCode = "missing_parameter"
	ErrorCodeInvalidFormat    ErrorCode = "invalid_format"
)

// APIError is the JSON body of every non-2xx response. StatusCode selects the HTTP status and is not serialized.
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	StatusCode int       `json:"-"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("[%s] %s (%d)", e.Code, e.Message, e.StatusCode)
}

func NewAPIError(code ErrorCode, message string, details any, statusCode int) APIError {
	return APIError{Code: code, Message: message, Details: details, StatusCode: statusCode}
}
