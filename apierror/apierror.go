// Package apierror provides the error taxonomy shared by the services and
// its mapping onto HTTP responses.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/vorpalengineering/x402-adserver/logger"
)

// Code represents a machine-readable error code.
type Code string

const (
	CodeBadRequest        Code = "BAD_REQUEST"
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeConfiguration     Code = "CONFIGURATION_ERROR"
	CodePaymentRequired   Code = "PAYMENT_REQUIRED"
	CodeUpstream          Code = "UPSTREAM_ERROR"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error represents a standardized API error.
type Error struct {
	// HTTP status code
	Status int `json:"-"`

	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`

	// Internal error (not exposed to client)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithError returns a copy of e wrapping err.
func (e *Error) WithError(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// Response is the JSON body written for an Error.
type Response struct {
	Error   string `json:"error"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ToResponse converts the error to its response body.
func (e *Error) ToResponse() Response {
	return Response{
		Error:   string(e.Code),
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Constructor functions

func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

func Validation(fields ...FieldError) *Error {
	return New(http.StatusBadRequest, CodeValidationFailed, "request validation failed").WithDetails(fields)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message)
}

func NotFound(resource string) *Error {
	return New(http.StatusNotFound, CodeNotFound, resource+" not found")
}

func Conflict(message string) *Error {
	return New(http.StatusConflict, CodeConflict, message)
}

// Configuration reports a missing setting that prevents an operation. The
// operation fails without side effects.
func Configuration(message string) *Error {
	return New(http.StatusUnprocessableEntity, CodeConfiguration, message)
}

// PaymentRequired reports a payment that was rejected by the facilitator.
func PaymentRequired(reason string) *Error {
	return New(http.StatusPaymentRequired, CodePaymentRequired, "payment rejected").WithDetails(map[string]string{"reason": reason})
}

// Upstream reports a facilitator or network failure. detail is passed
// through to the client when the upstream supplied one.
func Upstream(status int, detail string, err error) *Error {
	e := New(status, CodeUpstream, "payment provider request failed").WithError(err)
	if detail != "" {
		e.Details = map[string]string{"detail": detail}
	}
	return e
}

func RateLimitExceeded() *Error {
	return New(http.StatusTooManyRequests, CodeRateLimitExceeded, "rate limit exceeded")
}

func Internal(err error) *Error {
	return New(http.StatusInternalServerError, CodeInternal, "internal server error").WithError(err)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	apiErr, ok := As(err)
	return ok && apiErr.Code == code
}

// FromValidator converts validator errors into a Validation error.
func FromValidator(verrs validator.ValidationErrors) *Error {
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{
			Field:   fe.Field(),
			Message: validationMessage(fe),
		})
	}
	return Validation(fields...)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "url":
		return "must be a valid URL"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return fmt.Sprintf("failed on the '%s' rule", fe.Tag())
	}
}

// Respond writes err as a JSON response and aborts the gin chain. Errors
// outside the taxonomy are logged and answered with a generic 500.
func Respond(c *gin.Context, err error, log *logger.Logger) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		err = FromValidator(verrs)
	}

	apiErr, ok := As(err)
	if !ok {
		apiErr = Internal(err)
	}

	if apiErr.Status >= http.StatusInternalServerError {
		log.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"code", apiErr.Code,
			"error", err,
		)
	}

	c.AbortWithStatusJSON(apiErr.Status, apiErr.ToResponse())
}
