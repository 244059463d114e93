/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package restapi writes JSON bodies of HTTP responses, including the errors of rejected requests.
package restapi

// Error is the JSON error returned to HTTP clients.
// Domain names the service, Code is machine-readable and Context holds extra details (e.g. retryAfter).
type Error struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Codes and messages of the errors produced by this module.
// Services may override them.
var (
	ErrCodeInternal           = "internalError"
	ErrMessageInternal        = "Internal error."
	ErrCodeTooManyRequests    = "tooManyRequests"
	ErrMessageTooManyRequests = "Too many requests."
)

// NewError creates a new Error.
func NewError(domain, code, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message}
}

// NewInternalError creates an error for failures on the server side.
func NewInternalError(domain string) *Error {
	return NewError(domain, ErrCodeInternal, ErrMessageInternal)
}

// NewTooManyRequestsError creates an error for requests rejected by the rate limit.
func NewTooManyRequestsError(domain string) *Error {
	return NewError(domain, ErrCodeTooManyRequests, ErrMessageTooManyRequests)
}

// AddContext sets a detail of the error and returns the error itself for chaining.
func (e *Error) AddContext(field string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = map[string]interface{}{}
	}
	e.Context[field] = value
	return e
}
