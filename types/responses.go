package types

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a standard success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// APIError carries the HTTP status and client message for a failure.
// Err is the underlying cause and is only shown in development.
type APIError struct {
	Status int
	Msg    string
	Err    error
}

func NewAPIError(status int, msg string, err error) *APIError {
	return &APIError{Status: status, Msg: msg, Err: err}
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// RespondError writes err as an ErrorResponse and aborts the chain.
// Errors that are not an *APIError become a 500.
func RespondError(c *gin.Context, err error, showDetails bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = NewAPIError(http.StatusInternalServerError, "Internal server error", err)
	}

	resp := ErrorResponse{Error: apiErr.Msg}
	if showDetails && apiErr.Err != nil {
		resp.Details = apiErr.Err.Error()
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(apiErr.Status, resp)
}
